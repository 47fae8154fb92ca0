package middleware

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chamikabm/bidopsai/workflow/model"
)

func TestMiddlewareDelegates(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(600000, 600000)
	next := &stubInvoker{response: &model.Response{Text: "ok"}}
	wrapped := limiter.Middleware()(next)

	resp, err := wrapped.Invoke(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text)
	require.Equal(t, 1, next.calls)
}

func TestBackoffHalvesBudget(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	next := &stubInvoker{err: fmt.Errorf("%w: 429", model.ErrRateLimited)}
	wrapped := limiter.Middleware()(next)

	_, err := wrapped.Invoke(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	require.ErrorIs(t, err, model.ErrRateLimited)
	require.Equal(t, 30000.0, limiter.currentTPM)
}

func TestBackoffClampsToFloor(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	for range 10 {
		limiter.backoff()
	}
	require.Equal(t, limiter.minTPM, limiter.currentTPM)
}

func TestProbeRecoversAdditively(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	limiter.backoff()
	before := limiter.currentTPM
	limiter.probe()
	require.Equal(t, before+limiter.recoveryRate, limiter.currentTPM)

	for range 100 {
		limiter.probe()
	}
	require.Equal(t, limiter.maxTPM, limiter.currentTPM)
}

func TestOtherErrorsDoNotBackoff(t *testing.T) {
	limiter := NewAdaptiveRateLimiter(60000, 60000)
	next := &stubInvoker{err: fmt.Errorf("boom")}
	wrapped := limiter.Middleware()(next)

	_, err := wrapped.Invoke(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hello"}},
	})
	require.Error(t, err)
	require.Equal(t, 60000.0, limiter.currentTPM)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 500, estimateTokens(&model.Request{}))

	req := &model.Request{
		System:   "sys",
		Messages: []model.Message{{Role: model.RoleUser, Content: "abcdef"}},
	}
	require.Equal(t, 9/3+500, estimateTokens(req))
}

type stubInvoker struct {
	response *model.Response
	err      error
	calls    int
}

func (s *stubInvoker) Invoke(context.Context, *model.Request) (*model.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.response, nil
}
