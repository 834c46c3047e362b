package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/opshub/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/db"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/middleware"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/multimodal"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/policy"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/registry"
	"github.com/Kocoro-lab/Shannon/go/opshub/internal/tracing"
)

// EnvPrefix prefixes every environment override, e.g.
// OPSHUB_SERVER_HTTP_PORT or OPSHUB_AUTH_SKIP_AUTH.
const EnvPrefix = "OPSHUB"

// DefaultPath is used when OPSHUB_CONFIG is unset.
const DefaultPath = "config/opshub.yaml"

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type AuthConfig struct {
	SkipAuth    bool          `mapstructure:"skip_auth"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	Issuer      string        `mapstructure:"issuer"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type IdempotencyConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// DevConfig controls local development conveniences.
type DevConfig struct {
	// Seed fills the in-memory subsystems with sample processes for the
	// dev tenant at startup.
	Seed bool `mapstructure:"seed"`
}

// Config is the full hub configuration.
type Config struct {
	Server         ServerConfig               `mapstructure:"server"`
	Logging        LoggingConfig              `mapstructure:"logging"`
	Auth           AuthConfig                 `mapstructure:"auth"`
	Database       db.Config                  `mapstructure:"database"`
	Redis          RedisConfig                `mapstructure:"redis"`
	RateLimit      middleware.RateLimitConfig `mapstructure:"rate_limit"`
	Idempotency    IdempotencyConfig          `mapstructure:"idempotency"`
	Registry       registry.Config            `mapstructure:"registry"`
	Multimodal     multimodal.Config          `mapstructure:"multimodal"`
	CircuitBreaker circuitbreaker.Config      `mapstructure:"circuit_breaker"`
	Policy         policy.Config              `mapstructure:"policy"`
	Tracing        tracing.Config             `mapstructure:"tracing"`
	Streaming      StreamingConfig            `mapstructure:"streaming"`
	Health         HealthConfig               `mapstructure:"health"`
	Dev            DevConfig                  `mapstructure:"dev"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8081)
	v.SetDefault("server.grpc_port", 50061)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 6*time.Minute)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("auth.skip_auth", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "opshub")
	v.SetDefault("auth.token_expiry", 30*time.Minute)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_connections", 10)
	v.SetDefault("database.idle_connections", 2)
	v.SetDefault("database.max_lifetime", 30*time.Minute)
	v.SetDefault("database.workers", 2)
	v.SetDefault("database.queue_size", 1000)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 600)
	v.SetDefault("idempotency.ttl", 24*time.Hour)

	v.SetDefault("registry.adapter_timeout", registry.DefaultAdapterTimeout)

	mm := multimodal.DefaultConfig()
	v.SetDefault("multimodal.default_max_attempts", mm.DefaultMaxAttempts)
	v.SetDefault("multimodal.max_attempts_limit", mm.MaxAttemptsLimit)
	v.SetDefault("multimodal.default_timeout", mm.DefaultTimeout)
	v.SetDefault("multimodal.max_timeout", mm.MaxTimeout)
	v.SetDefault("multimodal.retry_backoff", mm.RetryBackoff)
	v.SetDefault("multimodal.max_input_bytes", mm.MaxInputBytes)
	v.SetDefault("multimodal.max_execution", mm.MaxExecution)
	v.SetDefault("multimodal.providers_file", "")

	cb := circuitbreaker.DefaultConfig()
	v.SetDefault("circuit_breaker.max_requests", cb.MaxRequests)
	v.SetDefault("circuit_breaker.interval", cb.Interval)
	v.SetDefault("circuit_breaker.timeout", cb.Timeout)
	v.SetDefault("circuit_breaker.failure_threshold", cb.FailureThreshold)
	v.SetDefault("circuit_breaker.success_threshold", cb.SuccessThreshold)

	v.SetDefault("policy.path", "")
	v.SetDefault("policy.cache_ttl", 5*time.Minute)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "opshub")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("health.check_interval", 30*time.Second)
	v.SetDefault("dev.seed", false)
}

// Validate rejects configurations the hub cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}
	if !c.Auth.SkipAuth && c.Auth.JWTSecret == "" && !c.Database.Enabled {
		errs = append(errs, errors.New("no authentication configured: set auth.jwt_secret, enable the database for API keys, or set auth.skip_auth"))
	}
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when the database is enabled"))
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when redis is enabled"))
	}
	if c.Registry.AdapterTimeout <= 0 {
		errs = append(errs, errors.New("registry.adapter_timeout must be positive"))
	}
	if c.Multimodal.MaxAttemptsLimit > 0 && c.Multimodal.DefaultMaxAttempts > c.Multimodal.MaxAttemptsLimit {
		errs = append(errs, errors.New("multimodal.default_max_attempts exceeds max_attempts_limit"))
	}
	if c.Multimodal.MaxTimeout > 0 && c.Multimodal.DefaultTimeout > c.Multimodal.MaxTimeout {
		errs = append(errs, errors.New("multimodal.default_timeout exceeds max_timeout"))
	}
	if mm := c.Multimodal; mm.MaxExecution > 0 {
		if c.Server.WriteTimeout > 0 && mm.MaxExecution >= c.Server.WriteTimeout {
			errs = append(errs, fmt.Errorf("multimodal.max_execution %s must be below server.write_timeout %s", mm.MaxExecution, c.Server.WriteTimeout))
		}
		if worst := mm.WorstCase(mm.DefaultMaxAttempts, mm.DefaultTimeout); worst > mm.MaxExecution {
			errs = append(errs, fmt.Errorf("multimodal defaults may run %s, above max_execution %s", worst, mm.MaxExecution))
		}
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		errs = append(errs, errors.New("circuit_breaker.failure_threshold must be positive"))
	}
	return errors.Join(errs...)
}

// BreakerConfig returns the configured breaker settings with defaults for
// anything left zero.
func (c *Config) BreakerConfig() circuitbreaker.Config {
	d := circuitbreaker.DefaultConfig()
	cb := c.CircuitBreaker
	if cb.MaxRequests == 0 {
		cb.MaxRequests = d.MaxRequests
	}
	if cb.Interval <= 0 {
		cb.Interval = d.Interval
	}
	if cb.Timeout <= 0 {
		cb.Timeout = d.Timeout
	}
	if cb.FailureThreshold == 0 {
		cb.FailureThreshold = d.FailureThreshold
	}
	if cb.SuccessThreshold == 0 {
		cb.SuccessThreshold = d.SuccessThreshold
	}
	return cb
}

// Loader reads the configuration file and environment and reloads on
// change.
type Loader struct {
	v      *viper.Viper
	logger *zap.Logger
	file   string

	mu      sync.RWMutex
	current *Config
}

// Load reads path (OPSHUB_CONFIG or DefaultPath when empty). A missing
// file at the default location is not an error; defaults and the
// environment apply.
func Load(path string, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	explicit := true
	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path == "" {
		path, explicit = DefaultPath, false
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)

	l := &Loader{v: v, logger: logger}
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		logger.Info("No config file found, using defaults and environment", zap.String("path", path))
	} else {
		l.file = path
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// File returns the file in use, or "" when running on defaults only.
func (l *Loader) File() string {
	return l.file
}

// Watch re-reads the file on change and calls onChange with the new
// configuration. Invalid edits are logged and ignored, keeping the last
// good configuration. Without a file there is nothing to watch.
func (l *Loader) Watch(onChange func(old, updated *Config)) {
	if l.file == "" {
		l.logger.Debug("No config file to watch")
		return
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := l.decode()
		if err != nil {
			l.logger.Error("Ignoring invalid configuration change", zap.String("file", e.Name), zap.Error(err))
			return
		}
		l.mu.Lock()
		old := l.current
		l.current = updated
		l.mu.Unlock()

		l.logger.Info("Configuration reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		if onChange != nil {
			onChange(old, updated)
		}
	})
	l.v.WatchConfig()
}
