package limits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/open_model_server/internal/config"
)

var ErrLimitExceeded = errors.New("rate limit exceeded")

const keyPrefix = "modeld:limits"

type LimitConfig struct {
	RequestsPerMinute int
	TokensPerMinute   int
	ParallelRequests  int
}

// FromConfig converts the rate_limits section. A disabled section yields
// the zero config, which never limits.
func FromConfig(cfg config.RateLimitConfig) LimitConfig {
	if !cfg.Enabled {
		return LimitConfig{}
	}
	return LimitConfig{
		RequestsPerMinute: cfg.RequestsPerMinute,
		TokensPerMinute:   cfg.TokensPerMinute,
		ParallelRequests:  cfg.ParallelRequests,
	}
}

// IsZero reports whether no limit is configured.
func (c LimitConfig) IsZero() bool {
	return c.RequestsPerMinute <= 0 && c.TokensPerMinute <= 0 && c.ParallelRequests <= 0
}

// RateLimiter keeps fixed-window counters and a parallel-request semaphore
// per API key in Redis.
type RateLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRateLimiter(client redis.UniversalClient) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

// Acquire admits one request for key. On success the returned release func
// must be called when the request finishes; it is safe to call twice.
func (l *RateLimiter) Acquire(ctx context.Context, key string, cfg LimitConfig) (func(), error) {
	if err := l.Allow(ctx, key, cfg); err != nil {
		return func() {}, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.Release(context.WithoutCancel(ctx), key, cfg)
		})
	}, nil
}

// Allow checks the request and token windows and takes a parallel slot.
func (l *RateLimiter) Allow(ctx context.Context, key string, cfg LimitConfig) error {
	if l == nil || l.client == nil || cfg.IsZero() {
		return nil
	}

	if cfg.RequestsPerMinute > 0 {
		if err := l.countCheck(ctx, l.windowKey("rpm", key), time.Minute, cfg.RequestsPerMinute); err != nil {
			return err
		}
	}
	if cfg.TokensPerMinute > 0 {
		used, err := l.client.Get(ctx, l.windowKey("tpm", key)).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if used >= cfg.TokensPerMinute {
			return ErrLimitExceeded
		}
	}
	if cfg.ParallelRequests > 0 {
		if err := l.semaphoreAcquire(ctx, l.semaphoreKey(key), cfg.ParallelRequests); err != nil {
			return err
		}
	}

	return nil
}

func (l *RateLimiter) Release(ctx context.Context, key string, cfg LimitConfig) {
	if l == nil || l.client == nil {
		return
	}
	if cfg.ParallelRequests > 0 {
		l.client.Decr(ctx, l.semaphoreKey(key))
	}
}

// TokenAllowance charges tokens to the current minute. A charge that would
// exceed the budget is rolled back and reported.
func (l *RateLimiter) TokenAllowance(ctx context.Context, key string, tokens int, cfg LimitConfig) error {
	if l == nil || l.client == nil || cfg.TokensPerMinute <= 0 || tokens <= 0 {
		return nil
	}
	redisKey := l.windowKey("tpm", key)

	used, err := l.client.IncrBy(ctx, redisKey, int64(tokens)).Result()
	if err != nil {
		return err
	}
	if used == int64(tokens) {
		l.client.Expire(ctx, redisKey, time.Minute)
	}
	if int(used) > cfg.TokensPerMinute {
		l.client.IncrBy(ctx, redisKey, -int64(tokens))
		return ErrLimitExceeded
	}
	return nil
}

func (l *RateLimiter) countCheck(ctx context.Context, redisKey string, ttl time.Duration, limit int) error {
	cnt, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return err
	}
	if cnt == 1 {
		l.client.Expire(ctx, redisKey, ttl)
	}
	if int(cnt) > limit {
		return ErrLimitExceeded
	}
	return nil
}

func (l *RateLimiter) semaphoreAcquire(ctx context.Context, redisKey string, max int) error {
	cnt, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return err
	}
	// a crashed process must not hold slots forever
	l.client.Expire(ctx, redisKey, 10*time.Minute)
	if int(cnt) > max {
		l.client.Decr(ctx, redisKey)
		return ErrLimitExceeded
	}
	return nil
}

func (l *RateLimiter) windowKey(kind, key string) string {
	window := l.now().UTC().Unix() / 60
	return fmt.Sprintf("%s:%s:%s:%d", keyPrefix, kind, key, window)
}

func (l *RateLimiter) semaphoreKey(key string) string {
	return fmt.Sprintf("%s:sem:%s", keyPrefix, key)
}
