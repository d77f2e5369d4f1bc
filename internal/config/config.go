package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the model server.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Model         ModelConfig         `mapstructure:"model"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Redis         RedisConfig         `mapstructure:"redis"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Idempotency   IdempotencyConfig   `mapstructure:"idempotency"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Health        HealthConfig        `mapstructure:"health"`
	Logging       LoggingConfig       `mapstructure:"logging"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	SyncTimeout           time.Duration `mapstructure:"sync_timeout"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
	StreamDoneMarker      bool          `mapstructure:"stream_done_marker"`
}

type ModelConfig struct {
	ModelDir        string        `mapstructure:"model_dir"`
	TemplateDir     string        `mapstructure:"template_dir"`
	ModelName       string        `mapstructure:"model_name"`
	PromptTemplate  string        `mapstructure:"prompt_template"`
	BOSToken        string        `mapstructure:"bos_token"`
	EOSToken        string        `mapstructure:"eos_token"`
	AutoloadTimeout time.Duration `mapstructure:"autoload_timeout"`
}

type BackendConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

type AuthConfig struct {
	Disabled  bool     `mapstructure:"disabled"`
	APIKeys   []string `mapstructure:"api_keys"`
	AdminKeys []string `mapstructure:"admin_keys"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Enabled reports whether a Redis server is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != ""
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	TokensPerMinute   int  `mapstructure:"tokens_per_minute"`
	ParallelRequests  int  `mapstructure:"parallel_requests"`
}

type IdempotencyConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type ObservabilityConfig struct {
	ServiceName   string `mapstructure:"service_name"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("MODELD_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("modeld")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("MODELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		timeStringToDurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and normalizes the rest.
func (c *Config) Validate() error {
	var missing []string

	if strings.TrimSpace(c.Server.ListenAddr) == "" {
		missing = append(missing, "MODELD_SERVER_LISTEN_ADDR")
	}
	if strings.TrimSpace(c.Model.ModelDir) == "" {
		missing = append(missing, "MODELD_MODEL_MODEL_DIR")
	}
	if strings.TrimSpace(c.Model.TemplateDir) == "" {
		missing = append(missing, "MODELD_MODEL_TEMPLATE_DIR")
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		missing = append(missing, "MODELD_BACKEND_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Server.BodyLimitMB <= 0 {
		return fmt.Errorf("server.body_limit_mb must be > 0")
	}
	if c.Server.SyncTimeout <= 0 {
		return fmt.Errorf("server.sync_timeout must be > 0")
	}

	c.Model.ModelName = strings.TrimSuffix(strings.TrimSpace(c.Model.ModelName), ".gguf")
	c.Model.PromptTemplate = strings.TrimSuffix(strings.TrimSpace(c.Model.PromptTemplate), ".jinja")
	if c.Model.AutoloadTimeout <= 0 {
		c.Model.AutoloadTimeout = 5 * time.Minute
	}

	if c.Backend.PollInterval <= 0 {
		return fmt.Errorf("backend.poll_interval must be > 0")
	}
	if c.Backend.MaxPollAttempts <= 0 {
		return fmt.Errorf("backend.max_poll_attempts must be > 0")
	}
	if c.Backend.MaxRetries < 0 {
		return fmt.Errorf("backend.max_retries must be >= 0")
	}

	c.Auth.APIKeys = normalizeStringSlice(c.Auth.APIKeys)
	c.Auth.AdminKeys = normalizeStringSlice(c.Auth.AdminKeys)
	if !c.Auth.Disabled && len(c.Auth.AdminKeys) == 0 {
		return fmt.Errorf("auth.admin_keys must contain at least one key unless auth.disabled is set")
	}

	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	if c.RateLimits.Enabled && !c.Redis.Enabled() {
		return fmt.Errorf("rate_limits.enabled requires redis.url")
	}
	if c.RateLimits.RequestsPerMinute < 0 || c.RateLimits.TokensPerMinute < 0 || c.RateLimits.ParallelRequests < 0 {
		return fmt.Errorf("rate_limits values must be >= 0")
	}
	if c.Idempotency.Enabled && !c.Redis.Enabled() {
		return fmt.Errorf("idempotency.enabled requires redis.url")
	}
	if c.Idempotency.TTL <= 0 {
		c.Idempotency.TTL = 24 * time.Hour
	}

	if strings.TrimSpace(c.Observability.ServiceName) == "" {
		c.Observability.ServiceName = "modeld"
	}
	if c.Observability.EnableOTLP && strings.TrimSpace(c.Observability.OTLPEndpoint) == "" {
		return fmt.Errorf("observability.otlp_endpoint must be provided when enable_otlp is true")
	}

	if c.Health.CheckInterval <= 0 {
		c.Health.CheckInterval = 30 * time.Second
	}
	if c.Health.Timeout <= 0 || c.Health.Timeout > c.Health.CheckInterval {
		c.Health.Timeout = min(5*time.Second, c.Health.CheckInterval)
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "":
		c.Logging.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "":
		c.Logging.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":5000")
	v.SetDefault("server.body_limit_mb", 20)
	v.SetDefault("server.sync_timeout", "300s")
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")
	v.SetDefault("server.stream_done_marker", true)

	v.SetDefault("model.model_dir", "./models")
	v.SetDefault("model.template_dir", "./templates")
	v.SetDefault("model.model_name", "")
	v.SetDefault("model.prompt_template", "chatml")
	v.SetDefault("model.bos_token", "<s>")
	v.SetDefault("model.eos_token", "</s>")
	v.SetDefault("model.autoload_timeout", "5m")

	v.SetDefault("backend.base_url", "http://localhost:8080/v1")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.poll_interval", "500ms")
	v.SetDefault("backend.max_poll_attempts", 120)
	v.SetDefault("backend.max_retries", 0)

	v.SetDefault("auth.disabled", false)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.admin_keys", []string{})

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("rate_limits.enabled", false)
	v.SetDefault("rate_limits.requests_per_minute", 600)
	v.SetDefault("rate_limits.tokens_per_minute", 1_000_000)
	v.SetDefault("rate_limits.parallel_requests", 4)

	v.SetDefault("idempotency.enabled", false)
	v.SetDefault("idempotency.ttl", "24h")

	v.SetDefault("observability.service_name", "modeld")
	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("health.check_interval", "30s")
	v.SetDefault("health.timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clean := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			clean = append(clean, trimmed)
		}
	}
	if len(clean) == 0 {
		return nil
	}
	return clean
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
