package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3/option"
	"github.com/redis/go-redis/v9"

	"github.com/ncecere/open_model_server/internal/auth"
	"github.com/ncecere/open_model_server/internal/backend"
	"github.com/ncecere/open_model_server/internal/backend/openaicompat"
	"github.com/ncecere/open_model_server/internal/cache"
	"github.com/ncecere/open_model_server/internal/catalog"
	"github.com/ncecere/open_model_server/internal/config"
	"github.com/ncecere/open_model_server/internal/generation"
	"github.com/ncecere/open_model_server/internal/health"
	"github.com/ncecere/open_model_server/internal/lifecycle"
	"github.com/ncecere/open_model_server/internal/limits"
	"github.com/ncecere/open_model_server/internal/models"
	"github.com/ncecere/open_model_server/internal/observability"
	"github.com/ncecere/open_model_server/internal/prompt"
	"github.com/ncecere/open_model_server/internal/requestctx"
)

// Container aggregates runtime dependencies for handlers and commands.
type Container struct {
	Config        *config.Config
	Logger        *slog.Logger
	Redis         redis.UniversalClient
	Engine        backend.Engine
	Catalog       *catalog.Catalog
	Templates     *prompt.Store
	Models        *lifecycle.Controller
	Generation    *generation.Orchestrator
	Keys          *auth.KeyRing
	RateLimiter   *limits.RateLimiter
	KeyLimit      limits.LimitConfig
	Idempotency   *cache.IdempotencyCache
	HealthMon     *health.Monitor
	Observability *observability.Provider
}

// Options carries the primitives NewContainer does not build itself.
// Engine defaults to the OpenAI-compatible adapter; Redis may be nil when
// no redis.url is configured.
type Options struct {
	Logger *slog.Logger
	Engine backend.Engine
	Redis  redis.UniversalClient
}

// NewContainer builds a dependency container from the provided primitives.
func NewContainer(ctx context.Context, cfg *config.Config, opts Options) (*Container, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Redis == nil && (cfg.RateLimits.Enabled || cfg.Idempotency.Enabled) {
		return nil, fmt.Errorf("redis client is required when rate limits or idempotency are enabled")
	}

	engine := opts.Engine
	if engine == nil {
		extra := []option.RequestOption{option.WithMaxRetries(cfg.Backend.MaxRetries)}
		adapter, err := openaicompat.New(openaicompat.Options{
			BaseURL:         cfg.Backend.BaseURL,
			APIKey:          cfg.Backend.APIKey,
			PollInterval:    cfg.Backend.PollInterval,
			MaxPollAttempts: cfg.Backend.MaxPollAttempts,
			Extra:           extra,
		})
		if err != nil {
			return nil, fmt.Errorf("init backend: %w", err)
		}
		engine = adapter
	}

	obsProvider, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("setup observability: %w", err)
	}

	templates := prompt.NewStore(cfg.Model.TemplateDir)
	controller := lifecycle.NewController(engine, lifecycle.Options{
		ModelDir:        cfg.Model.ModelDir,
		Templates:       templates,
		DefaultTemplate: cfg.Model.PromptTemplate,
		Logger:          logger.With(slog.String("component", "lifecycle")),
		Metrics:         obsProvider,
	})
	orchestrator := generation.New(engine, logger.With(slog.String("component", "generation")), obsProvider)

	container := &Container{
		Config:        cfg,
		Logger:        logger,
		Engine:        engine,
		Catalog:       catalog.New(cfg.Model.ModelDir),
		Templates:     templates,
		Models:        controller,
		Generation:    orchestrator,
		Keys:          auth.NewKeyRing(cfg.Auth),
		KeyLimit:      limits.FromConfig(cfg.RateLimits),
		HealthMon:     health.NewMonitor(engine, cfg.Health, obsProvider, logger.With(slog.String("component", "health"))),
		Observability: obsProvider,
	}
	if opts.Redis != nil {
		container.Redis = opts.Redis
		container.RateLimiter = limits.NewRateLimiter(opts.Redis)
		if cfg.Idempotency.Enabled {
			container.Idempotency = cache.NewIdempotencyCache(opts.Redis, cfg.Idempotency.TTL)
		}
	}

	container.HealthMon.Start(ctx)
	return container, nil
}

// LoadModel resolves a load request against the configured defaults and
// hands it to the lifecycle controller.
func (c *Container) LoadModel(ctx context.Context, req models.ModelLoadRequest, onProgress func(float64)) (*lifecycle.Model, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	tokenizer := backend.Tokenizer{BOSToken: c.Config.Model.BOSToken, EOSToken: c.Config.Model.EOSToken}
	if req.BOSToken != nil {
		tokenizer.BOSToken = *req.BOSToken
	}
	if req.EOSToken != nil {
		tokenizer.EOSToken = *req.EOSToken
	}
	return c.Models.Load(ctx, lifecycle.LoadRequest{
		Name:      catalog.NormalizeModelName(req.ModelName),
		Template:  strings.TrimSuffix(strings.TrimSpace(req.PromptTemplate), ".jinja"),
		Tokenizer: tokenizer,
	}, onProgress)
}

// Autoload loads model.model_name when one is configured. It blocks for at
// most model.autoload_timeout.
func (c *Container) Autoload(ctx context.Context) error {
	name := c.Config.Model.ModelName
	if name == "" {
		return nil
	}
	loadCtx, cancel := context.WithTimeout(ctx, c.Config.Model.AutoloadTimeout)
	defer cancel()

	_, err := c.LoadModel(loadCtx, models.ModelLoadRequest{ModelName: name}, nil)
	if err != nil && errors.Is(loadCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("autoload %s: timed out after %s: %w", name, c.Config.Model.AutoloadTimeout, err)
	}
	if err != nil {
		return fmt.Errorf("autoload %s: %w", name, err)
	}
	return nil
}

// AcquireRateLimits admits one request for the caller in ctx. The release
// func must be called when the request finishes.
func (c *Container) AcquireRateLimits(ctx context.Context) (limits.LimitConfig, func(), error) {
	noop := func() {}
	if c.RateLimiter == nil || c.KeyLimit.IsZero() {
		return limits.LimitConfig{}, noop, nil
	}
	rc, ok := requestctx.FromContext(ctx)
	if !ok || rc == nil {
		return limits.LimitConfig{}, noop, nil
	}
	release, err := c.RateLimiter.Acquire(ctx, storageKey(rc), c.KeyLimit)
	if err != nil {
		return limits.LimitConfig{}, noop, err
	}
	return c.KeyLimit, release, nil
}

// ChargeTokens records usage against the caller's token budget.
func (c *Container) ChargeTokens(ctx context.Context, usage models.Usage) error {
	if c.RateLimiter == nil || c.KeyLimit.TokensPerMinute <= 0 {
		return nil
	}
	rc, ok := requestctx.FromContext(ctx)
	if !ok || rc == nil {
		return nil
	}
	return c.RateLimiter.TokenAllowance(ctx, storageKey(rc), usage.TotalTokens, c.KeyLimit)
}

// Close flushes telemetry and closes the Redis connection.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if err := c.Observability.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown observability: %w", err))
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

func storageKey(rc *requestctx.Context) string {
	return "key:" + rc.KeyID
}
