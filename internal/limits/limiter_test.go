package limits

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/open_model_server/internal/config"
)

func newTestLimiter(t *testing.T) (*RateLimiter, func()) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	limiter := NewRateLimiter(client)
	fixed := time.Date(2026, 1, 1, 12, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	cleanup := func() {
		client.Close()
		server.Close()
	}
	return limiter, cleanup
}

func TestRateLimiterAllowEnforcesParallel(t *testing.T) {
	limiter, cleanup := newTestLimiter(t)
	defer cleanup()

	ctx := context.Background()
	cfg := LimitConfig{ParallelRequests: 1}
	key := "key-a"

	release, err := limiter.Acquire(ctx, key, cfg)
	if err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if _, err := limiter.Acquire(ctx, key, cfg); err != ErrLimitExceeded {
		t.Fatalf("expected parallel limit error, got %v", err)
	}
	release()
	release()
	if err := limiter.Allow(ctx, key, cfg); err != nil {
		t.Fatalf("request after release should pass: %v", err)
	}
	if err := limiter.Allow(ctx, key, cfg); err != ErrLimitExceeded {
		t.Fatalf("double release must not free two slots, got %v", err)
	}
}

func TestRateLimiterAllowEnforcesRPM(t *testing.T) {
	limiter, cleanup := newTestLimiter(t)
	defer cleanup()

	ctx := context.Background()
	cfg := LimitConfig{RequestsPerMinute: 2}
	key := "key-b"

	if err := limiter.Allow(ctx, key, cfg); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, key, cfg); err != nil {
		t.Fatalf("second request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, key, cfg); err != ErrLimitExceeded {
		t.Fatalf("expected rpm limit error, got %v", err)
	}
	if err := limiter.Allow(ctx, "key-c", cfg); err != nil {
		t.Fatalf("other keys have their own window: %v", err)
	}
}

func TestTokenAllowanceRollsBackOnFailure(t *testing.T) {
	limiter, cleanup := newTestLimiter(t)
	defer cleanup()

	ctx := context.Background()
	cfg := LimitConfig{TokensPerMinute: 10}
	key := "key-d"

	if err := limiter.TokenAllowance(ctx, key, 6, cfg); err != nil {
		t.Fatalf("first token allowance should pass: %v", err)
	}
	if err := limiter.TokenAllowance(ctx, key, 6, cfg); err != ErrLimitExceeded {
		t.Fatalf("expected token limit error, got %v", err)
	}

	// the rejected increment is rolled back
	used, err := limiter.client.Get(ctx, limiter.windowKey("tpm", key)).Int()
	if err != nil {
		t.Fatalf("get redis value: %v", err)
	}
	if used != 6 {
		t.Fatalf("expected usage to stay at 6 after rollback, got %d", used)
	}
}

func TestAllowRejectsExhaustedTokenBudget(t *testing.T) {
	limiter, cleanup := newTestLimiter(t)
	defer cleanup()

	ctx := context.Background()
	cfg := LimitConfig{TokensPerMinute: 10}
	key := "key-e"

	if err := limiter.Allow(ctx, key, cfg); err != nil {
		t.Fatalf("fresh window should pass: %v", err)
	}
	if err := limiter.TokenAllowance(ctx, key, 10, cfg); err != nil {
		t.Fatalf("charging the whole budget should pass: %v", err)
	}
	if err := limiter.Allow(ctx, key, cfg); err != ErrLimitExceeded {
		t.Fatalf("expected exhausted budget to reject, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	disabled := FromConfig(config.RateLimitConfig{RequestsPerMinute: 5})
	if !disabled.IsZero() {
		t.Fatalf("disabled limits should be zero, got %+v", disabled)
	}
	enabled := FromConfig(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 5, ParallelRequests: 2})
	if enabled.RequestsPerMinute != 5 || enabled.ParallelRequests != 2 || enabled.IsZero() {
		t.Fatalf("unexpected limits %+v", enabled)
	}
}

func TestNilLimiterAllowsEverything(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.Allow(context.Background(), "k", LimitConfig{RequestsPerMinute: 1}); err != nil {
		t.Fatalf("nil limiter should allow: %v", err)
	}
	if err := limiter.TokenAllowance(context.Background(), "k", 5, LimitConfig{TokensPerMinute: 1}); err != nil {
		t.Fatalf("nil limiter should allow: %v", err)
	}
}
