// Command bidopsai runs the bid workflow engine: a single HTTP service that
// starts and resumes multi-stage bid workflows and streams their events.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/chamikabm/bidopsai/features/idempotency/redis"
	"github.com/chamikabm/bidopsai/features/model/anthropic"
	"github.com/chamikabm/bidopsai/features/model/bedrock"
	"github.com/chamikabm/bidopsai/features/model/middleware"
	"github.com/chamikabm/bidopsai/features/model/openai"
	mongostore "github.com/chamikabm/bidopsai/features/store/mongo"
	pulsesink "github.com/chamikabm/bidopsai/features/stream/pulse"
	pulseclient "github.com/chamikabm/bidopsai/features/stream/pulse/clients/pulse"
	"github.com/chamikabm/bidopsai/service"
	"github.com/chamikabm/bidopsai/workflow/events"
	"github.com/chamikabm/bidopsai/workflow/executor"
	"github.com/chamikabm/bidopsai/workflow/idempotency"
	idemInmem "github.com/chamikabm/bidopsai/workflow/idempotency/inmem"
	"github.com/chamikabm/bidopsai/workflow/model"
	"github.com/chamikabm/bidopsai/workflow/resumer"
	"github.com/chamikabm/bidopsai/workflow/runner"
	"github.com/chamikabm/bidopsai/workflow/store"
	storeinmem "github.com/chamikabm/bidopsai/workflow/store/inmem"
	"github.com/chamikabm/bidopsai/workflow/telemetry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML config file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewLogMetrics(logger)

	var pingers []health.Pinger

	// Durable store.
	var st store.Store
	var mongoClient *mongodriver.Client
	if cfg.Mongo.URI != "" {
		mongoClient, err = mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			log.Fatalf(ctx, err, "connect mongo")
		}
		ms, err := mongostore.New(mongostore.Options{Client: mongoClient, Database: cfg.Mongo.Database})
		if err != nil {
			log.Fatalf(ctx, err, "build mongo store")
		}
		st = ms
		pingers = append(pingers, ms)
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "no mongo uri configured, using in-memory store"})
		st = storeinmem.New()
	}

	// Redis backs the idempotency ledger and the Pulse event mirror.
	var redisClient *goredis.Client
	var ledger idempotency.Ledger
	if cfg.Redis.Addr != "" {
		redisClient = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rl, err := redis.New(redis.Options{Redis: redisClient})
		if err != nil {
			log.Fatalf(ctx, err, "build redis ledger")
		}
		ledger = rl
		pingers = append(pingers, rl)
	} else {
		log.Print(ctx, log.KV{K: "msg", V: "no redis addr configured, using in-memory ledger"})
		ledger = idemInmem.New()
	}

	// Event bus, durably logged through the store and optionally mirrored
	// into Pulse streams.
	busOpts := []events.MemoryBusOption{events.WithLogger(logger), events.WithLog(st)}
	if cfg.Bus.QueueSize > 0 {
		busOpts = append(busOpts, events.WithQueueSize(cfg.Bus.QueueSize))
	}
	if cfg.Stream.Mirror {
		pc, err := pulseclient.New(pulseclient.Options{
			Redis:        redisClient,
			StreamMaxLen: cfg.Stream.MaxLen,
		})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse client")
		}
		sink, err := pulsesink.NewSink(pulsesink.Options{Client: pc})
		if err != nil {
			log.Fatalf(ctx, err, "build pulse sink")
		}
		busOpts = append(busOpts, events.WithSink(sink))
	}
	bus := events.NewMemoryBus(busOpts...)

	invoker, err := buildInvoker(cfg)
	if err != nil {
		log.Fatalf(ctx, err, "build model invoker")
	}
	if cfg.RateLimit.InitialTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(cfg.RateLimit.InitialTPM, cfg.RateLimit.MaxTPM)
		invoker = limiter.Middleware()(invoker)
	}

	run, err := runner.New(runner.Options{
		Store:   st,
		Ledger:  ledger,
		Bus:     bus,
		Invoker: invoker,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build stage runner")
	}

	execOpts := executor.Options{
		Store:   st,
		Ledger:  ledger,
		Bus:     bus,
		Runner:  run,
		Logger:  logger,
		Metrics: metrics,
	}
	if cfg.Export.Prefix != "" {
		execOpts.Exporter = executor.KeyExporter{Prefix: cfg.Export.Prefix}
	}
	exec, err := executor.New(execOpts)
	if err != nil {
		log.Fatalf(ctx, err, "build executor")
	}

	res, err := resumer.New(resumer.Options{Store: st, Bus: bus, Logger: logger})
	if err != nil {
		log.Fatalf(ctx, err, "build resumer")
	}

	svc, err := service.New(service.Options{
		Resumer:  res,
		Executor: exec,
		Bus:      bus,
		Logger:   logger,
		Pingers:  pingers,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build service")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	svc.Routes(engine)

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: engine}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()
	go func() {
		log.Print(ctx, log.KV{K: "msg", V: "listening"}, log.KV{K: "addr", V: cfg.HTTP.Addr})
		errc <- srv.ListenAndServe()
	}()

	log.Print(ctx, log.KV{K: "msg", V: "exiting"}, log.KV{K: "reason", V: (<-errc).Error()})

	stopCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(stopCtx); err != nil {
		log.Errorf(stopCtx, err, "http shutdown")
	}
	if err := bus.CloseAll(stopCtx); err != nil {
		log.Errorf(stopCtx, err, "event bus shutdown")
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorf(stopCtx, err, "redis close")
		}
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(stopCtx); err != nil {
			log.Errorf(stopCtx, err, "mongo disconnect")
		}
	}
	log.Print(ctx, log.KV{K: "msg", V: "shutdown complete"})
}

// buildInvoker constructs the configured model backend. API keys come from
// the environment: ANTHROPIC_API_KEY, OPENAI_API_KEY, or the standard AWS
// variables for bedrock.
func buildInvoker(cfg *Config) (model.Invoker, error) {
	switch cfg.Model.Provider {
	case "anthropic":
		return anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), cfg.Model.ID)
	case "openai":
		return openai.NewFromAPIKey(os.Getenv("OPENAI_API_KEY"), cfg.Model.ID)
	case "bedrock":
		runtime := bedrockruntime.New(bedrockruntime.Options{
			Region:      cfg.Model.Region,
			Credentials: aws.CredentialsProviderFunc(envAWSCredentials),
		})
		return bedrock.New(runtime, bedrock.Options{
			ModelID:   cfg.Model.ID,
			MaxTokens: cfg.Model.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
}

func envAWSCredentials(context.Context) (aws.Credentials, error) {
	creds := aws.Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Source:          "environment",
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return aws.Credentials{}, fmt.Errorf("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set for the bedrock provider")
	}
	return creds, nil
}
