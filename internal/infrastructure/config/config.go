package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Watcher       WatcherConfig       `mapstructure:"watcher"`
	Replay        ReplayConfig        `mapstructure:"replay"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPM    int           `mapstructure:"rate_limit_rpm"`
	WorkerPort      int           `mapstructure:"worker_port"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`

	StatementTimeout  time.Duration `mapstructure:"statement_timeout"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// WebhookConfig describes the single delivery target. An empty URL or
// Secret is not an error: delivery degrades to the misconfiguration path.
type WebhookConfig struct {
	URL                 string        `mapstructure:"url"`
	Secret              string        `mapstructure:"secret"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MisconfigRetry      time.Duration `mapstructure:"misconfig_retry"`
	BreakerMinRequests  uint32        `mapstructure:"breaker_min_requests"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
	BreakerOpenTimeout  time.Duration `mapstructure:"breaker_open_timeout"`
}

// Configured reports whether both the endpoint and the signing secret are set.
func (c WebhookConfig) Configured() bool {
	return strings.TrimSpace(c.URL) != "" && c.Secret != ""
}

type DispatchConfig struct {
	QueueKey      string        `mapstructure:"queue_key"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	Concurrency   int           `mapstructure:"concurrency"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SweepGrace    time.Duration `mapstructure:"sweep_grace"`
	SweepBatch    int           `mapstructure:"sweep_batch"`
}

type AlertsConfig struct {
	MisconfigInterval time.Duration `mapstructure:"misconfig_interval"`
	Stream            string        `mapstructure:"stream"`
	DeadLetterStream  string        `mapstructure:"dead_letter_stream"`
	ForwardEnabled    bool          `mapstructure:"forward_enabled"`
}

type WatcherConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	BucketWidth time.Duration `mapstructure:"bucket_width"`
	Thresholds  string        `mapstructure:"thresholds"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// StatusThreshold is how long an order may sit in Status before it is stuck.
type StatusThreshold struct {
	Status    string
	Threshold time.Duration
}

// ParseThresholds parses "STATUS=minutes" pairs separated by commas.
func (c WatcherConfig) ParseThresholds() ([]StatusThreshold, error) {
	var out []StatusThreshold
	seen := map[string]bool{}
	for _, pair := range strings.Split(c.Thresholds, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		status, minutes, ok := strings.Cut(pair, "=")
		status = strings.ToUpper(strings.TrimSpace(status))
		if !ok || status == "" {
			return nil, fmt.Errorf("watcher.thresholds: malformed pair %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(minutes))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("watcher.thresholds: %s must be a positive number of minutes", status)
		}
		if seen[status] {
			return nil, fmt.Errorf("watcher.thresholds: duplicate status %s", status)
		}
		seen[status] = true
		out = append(out, StatusThreshold{Status: status, Threshold: time.Duration(n) * time.Minute})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Threshold < out[j].Threshold })
	return out, nil
}

type ReplayConfig struct {
	DefaultLimit   int           `mapstructure:"default_limit"`
	MaxBatch       int           `mapstructure:"max_batch"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// OUTBOX_WEBHOOK_URL -> webhook.url
	v.SetEnvPrefix("OUTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/outbox")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}

	if c.Webhook.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("webhook.timeout must be positive"))
	}
	if c.Webhook.URL != "" {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhook.url must be an absolute http(s) URL"))
		}
	}

	if c.Dispatch.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.lock_ttl must be positive"))
	}
	if c.Dispatch.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.batch_size must be positive"))
	}
	if c.Dispatch.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.concurrency must be positive"))
	}
	if c.Dispatch.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.poll_interval must be positive"))
	}

	if c.Watcher.Enabled {
		if c.Watcher.Interval <= 0 {
			errs = append(errs, fmt.Errorf("watcher.interval must be positive"))
		}
		if c.Watcher.BucketWidth <= 0 {
			errs = append(errs, fmt.Errorf("watcher.bucket_width must be positive"))
		}
	}
	if _, err := c.Watcher.ParseThresholds(); err != nil {
		errs = append(errs, err)
	}

	if c.Replay.MaxBatch <= 0 {
		errs = append(errs, fmt.Errorf("replay.max_batch must be positive"))
	}

	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit_rpm", 120)
	v.SetDefault("server.worker_port", 9091)
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fasket")
	v.SetDefault("database.database", "fasket")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.statement_timeout", "30s")
	v.SetDefault("database.connect_retries", 5)
	v.SetDefault("database.connect_retry_delay", "1s")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Webhook defaults
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout", "5s")
	v.SetDefault("webhook.misconfig_retry", "15m")
	v.SetDefault("webhook.breaker_min_requests", 10)
	v.SetDefault("webhook.breaker_failure_ratio", 0.6)
	v.SetDefault("webhook.breaker_open_timeout", "30s")

	// Dispatch defaults
	v.SetDefault("dispatch.queue_key", "outbox:dispatch")
	v.SetDefault("dispatch.poll_interval", "1s")
	v.SetDefault("dispatch.batch_size", 50)
	v.SetDefault("dispatch.concurrency", 10)
	v.SetDefault("dispatch.lock_ttl", "30s")
	v.SetDefault("dispatch.sweep_interval", "1m")
	v.SetDefault("dispatch.sweep_grace", "2m")
	v.SetDefault("dispatch.sweep_batch", 200)

	// Alert defaults
	v.SetDefault("alerts.misconfig_interval", "1h")
	v.SetDefault("alerts.stream", "ops:alerts")
	v.SetDefault("alerts.dead_letter_stream", "outbox:dead_letters")
	v.SetDefault("alerts.forward_enabled", true)

	// Stuck-order watcher defaults
	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.interval", "5m")
	v.SetDefault("watcher.bucket_width", "15m")
	v.SetDefault("watcher.thresholds", "PENDING=15,CONFIRMED=30,PREPARING=45,OUT_FOR_DELIVERY=90")
	v.SetDefault("watcher.batch_size", 200)

	// Replay defaults
	v.SetDefault("replay.default_limit", 100)
	v.SetDefault("replay.max_batch", 500)
	v.SetDefault("replay.idempotency_ttl", "24h")

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", true)

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("instance_id", "outbox-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// DatabaseURL is the DSN in URL form, as golang-migrate expects.
func (c *DatabaseConfig) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
