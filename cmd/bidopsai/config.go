package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the service configuration, loaded from YAML. Secrets
	// (API keys, AWS credentials) come from the environment, not the
	// file.
	Config struct {
		HTTP      HTTPConfig      `yaml:"http"`
		Mongo     MongoConfig     `yaml:"mongo"`
		Redis     RedisConfig     `yaml:"redis"`
		Model     ModelConfig     `yaml:"model"`
		RateLimit RateLimitConfig `yaml:"ratelimit"`
		Stream    StreamConfig    `yaml:"stream"`
		Bus       BusConfig       `yaml:"bus"`
		Export    ExportConfig    `yaml:"export"`
	}

	HTTPConfig struct {
		// Addr is the listen address. Defaults to ":8080".
		Addr string `yaml:"addr"`
	}

	// MongoConfig selects the durable store. An empty URI falls back to
	// the in-memory store, which only suits local development.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig backs the idempotency ledger and the Pulse event
	// mirror. An empty addr falls back to in-memory equivalents.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	ModelConfig struct {
		// Provider is one of "anthropic", "bedrock", "openai".
		Provider string `yaml:"provider"`
		// ID is the provider model identifier.
		ID string `yaml:"id"`
		// Region is the AWS region for the bedrock provider.
		Region string `yaml:"region"`
		// MaxTokens caps stage completions. Zero uses provider defaults.
		MaxTokens int `yaml:"max_tokens"`
	}

	RateLimitConfig struct {
		// InitialTPM is the starting tokens-per-minute budget for model
		// calls. Zero disables rate limiting.
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
	}

	StreamConfig struct {
		// Mirror enables mirroring events into Pulse streams. Requires
		// redis.
		Mirror bool `yaml:"mirror"`
		// MaxLen bounds entries kept per session stream.
		MaxLen int `yaml:"max_len"`
	}

	BusConfig struct {
		// QueueSize bounds each subscriber queue. Zero uses the bus
		// default.
		QueueSize int `yaml:"queue_size"`
	}

	ExportConfig struct {
		// Prefix is the object key prefix for exported artifacts.
		Prefix string `yaml:"prefix"`
	}
)

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		HTTP:  HTTPConfig{Addr: ":8080"},
		Mongo: MongoConfig{Database: "bidopsai"},
		Model: ModelConfig{Provider: "bedrock", Region: "us-east-1"},
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	switch c.Model.Provider {
	case "anthropic", "bedrock", "openai":
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	if c.Model.ID == "" {
		return fmt.Errorf("model id is required")
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return fmt.Errorf("mongo database is required when mongo uri is set")
	}
	if c.Stream.Mirror && c.Redis.Addr == "" {
		return fmt.Errorf("stream mirroring requires redis")
	}
	return nil
}
