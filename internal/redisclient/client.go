package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ncecere/open_model_server/internal/config"
)

// ErrNotConfigured is returned when redis.url is empty.
var ErrNotConfigured = errors.New("redis not configured")

// New constructs a Redis client using the provided configuration.
func New(cfg config.RedisConfig) (*redis.Client, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, ErrNotConfigured
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		// ParseURL rejects bare host:port and unix socket paths.
		network := "tcp"
		if strings.HasPrefix(url, "/") {
			network = "unix"
		}
		opts = &redis.Options{Network: network, Addr: url}
	}

	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	client.AddHook(&disableMaintNotifications{})
	return client, nil
}

// Connect builds the client and verifies it answers.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := Ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Ping verifies connectivity to Redis with a short timeout.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(timeoutCtx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// disableMaintNotifications drops the CLIENT MAINT_NOTIFICATIONS handshake
// that older servers and miniredis reject.
type disableMaintNotifications struct{}

func (h *disableMaintNotifications) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *disableMaintNotifications) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if isMaintNotifications(cmd) {
			return nil
		}
		return next(ctx, cmd)
	}
}

func (h *disableMaintNotifications) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		filtered := cmds[:0]
		for _, cmd := range cmds {
			if !isMaintNotifications(cmd) {
				filtered = append(filtered, cmd)
			}
		}
		return next(ctx, filtered)
	}
}

func isMaintNotifications(cmd redis.Cmder) bool {
	if !strings.EqualFold(cmd.FullName(), "client") || len(cmd.Args()) < 2 {
		return false
	}
	name, ok := cmd.Args()[1].(string)
	return ok && strings.EqualFold(name, "maint_notifications")
}
