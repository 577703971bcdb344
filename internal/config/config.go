// Package config loads service configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	Env      string `mapstructure:"ENV"`
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Optional rotated log file; empty logs to stderr only.
	LogFile        string `mapstructure:"LOG_FILE"`
	LogMaxSizeMB   int    `mapstructure:"LOG_MAX_SIZE_MB"`
	LogMaxBackups  int    `mapstructure:"LOG_MAX_BACKUPS"`
	LogMaxAgeDays  int    `mapstructure:"LOG_MAX_AGE_DAYS"`
	LogCompression bool   `mapstructure:"LOG_COMPRESS"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// Health history is persisted only when a DSN (or DB_HOST) is configured.
	DatabaseDSN string `mapstructure:"DATABASE_DSN"`
	DBHost      string `mapstructure:"DB_HOST"`
	DBUser      string `mapstructure:"DB_USER"`
	DBPassword  string `mapstructure:"DB_PASSWORD"`
	DBName      string `mapstructure:"DB_NAME"`
	DBPort      string `mapstructure:"DB_PORT"`
	DBSSLMode   string `mapstructure:"DB_SSLMODE"`
	DBTimezone  string `mapstructure:"DB_TIMEZONE"`

	JWTSecret     string `mapstructure:"JWT_SECRET"`
	SessionSecret string `mapstructure:"SESSION_SECRET"`

	NATSURL     string `mapstructure:"NATS_URL"`
	NATSSubject string `mapstructure:"NATS_SUBJECT_PREFIX"`

	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey string `mapstructure:"S3_SECRET_KEY"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`
	S3BaseURL   string `mapstructure:"S3_BASE_URL"`

	HealthCheckTimeout          time.Duration `mapstructure:"HEALTH_CHECK_TIMEOUT"`
	DefaultHealthCheckInterval  time.Duration `mapstructure:"DEFAULT_HEALTH_CHECK_INTERVAL"`
	HealthCheckConcurrency      int           `mapstructure:"HEALTH_CHECK_CONCURRENCY"`
	ReconnectBaseDelay          time.Duration `mapstructure:"RECONNECT_BASE_DELAY"`
	ReconnectMaxDelay           time.Duration `mapstructure:"RECONNECT_MAX_DELAY"`
	DefaultMaxReconnectAttempts int           `mapstructure:"DEFAULT_MAX_RECONNECT_ATTEMPTS"`
	SessionTTL                  time.Duration `mapstructure:"SESSION_TTL"`
	WorkerPoolSize              int           `mapstructure:"WORKER_POOL_SIZE"`

	WebhookMaxBodyBytes     int64         `mapstructure:"WEBHOOK_MAX_BODY_BYTES"`
	WebhookRequireSignature bool          `mapstructure:"WEBHOOK_REQUIRE_SIGNATURE"`
	WebhookRetryAttempts    int           `mapstructure:"WEBHOOK_RETRY_ATTEMPTS"`
	WebhookRetryBaseDelay   time.Duration `mapstructure:"WEBHOOK_RETRY_BASE_DELAY"`
	WebhookReplayPoolSize   int           `mapstructure:"WEBHOOK_REPLAY_POOL_SIZE"`

	BridgeTimeout    time.Duration `mapstructure:"BRIDGE_TIMEOUT"`
	BridgeRateLimit  float64       `mapstructure:"BRIDGE_RATE_LIMIT"`
	BridgeHealthPath string        `mapstructure:"BRIDGE_HEALTH_PATH"`

	EnableTelemetry bool   `mapstructure:"ENABLE_TELEMETRY"`
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	OTELServiceVer  string `mapstructure:"OTEL_SERVICE_VERSION"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Env vars override .env.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "production")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 14)
	v.SetDefault("LOG_COMPRESS", true)

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("DATABASE_DSN", "")
	v.SetDefault("DB_HOST", "")
	v.SetDefault("DB_USER", "")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_TIMEZONE", "UTC")

	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("SESSION_SECRET", "")

	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT_PREFIX", "whatsapp.events")

	v.SetDefault("S3_ENDPOINT", "")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("S3_BUCKET", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_BASE_URL", "")

	v.SetDefault("HEALTH_CHECK_TIMEOUT", 10*time.Second)
	v.SetDefault("DEFAULT_HEALTH_CHECK_INTERVAL", 60*time.Second)
	v.SetDefault("HEALTH_CHECK_CONCURRENCY", 8)
	v.SetDefault("RECONNECT_BASE_DELAY", 30*time.Second)
	v.SetDefault("RECONNECT_MAX_DELAY", 480*time.Second)
	v.SetDefault("DEFAULT_MAX_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("SESSION_TTL", 7*24*time.Hour)
	v.SetDefault("WORKER_POOL_SIZE", 64)

	v.SetDefault("WEBHOOK_MAX_BODY_BYTES", 1<<20)
	v.SetDefault("WEBHOOK_REQUIRE_SIGNATURE", false)
	v.SetDefault("WEBHOOK_RETRY_ATTEMPTS", 3)
	v.SetDefault("WEBHOOK_REPLAY_POOL_SIZE", 32)
	v.SetDefault("WEBHOOK_RETRY_BASE_DELAY", time.Second)

	v.SetDefault("BRIDGE_TIMEOUT", 30*time.Second)
	v.SetDefault("BRIDGE_RATE_LIMIT", 5.0)
	v.SetDefault("BRIDGE_HEALTH_PATH", "/app/devices")

	v.SetDefault("ENABLE_TELEMETRY", false)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "whatsapp-connectivity")
	v.SetDefault("OTEL_SERVICE_VERSION", "")
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("config: PORT must be set")
	}

	if !c.IsDevelopment() {
		if c.JWTSecret == "" {
			return errors.New("config: JWT_SECRET must be set outside development")
		}
		if c.SessionSecret == "" {
			return errors.New("config: SESSION_SECRET must be set outside development")
		}
	}

	durations := map[string]time.Duration{
		"HEALTH_CHECK_TIMEOUT":          c.HealthCheckTimeout,
		"DEFAULT_HEALTH_CHECK_INTERVAL": c.DefaultHealthCheckInterval,
		"RECONNECT_BASE_DELAY":          c.ReconnectBaseDelay,
		"RECONNECT_MAX_DELAY":           c.ReconnectMaxDelay,
		"SESSION_TTL":                   c.SessionTTL,
		"BRIDGE_TIMEOUT":                c.BridgeTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}

	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.New("config: RECONNECT_MAX_DELAY must not be lower than RECONNECT_BASE_DELAY")
	}
	if c.DefaultMaxReconnectAttempts < 0 {
		return errors.New("config: DEFAULT_MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.WorkerPoolSize <= 0 {
		return errors.New("config: WORKER_POOL_SIZE must be positive")
	}
	if c.WebhookReplayPoolSize <= 0 {
		return errors.New("config: WEBHOOK_REPLAY_POOL_SIZE must be positive")
	}
	return nil
}

// IsDevelopment reports whether ENV=development
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// DatabaseEnabled reports whether health history should be persisted
func (c *Config) DatabaseEnabled() bool {
	return c.DatabaseDSN != "" || c.DBHost != ""
}

// PostgresDSN returns DATABASE_DSN or assembles one from the DB_* settings
func (c *Config) PostgresDSN() string {
	if c.DatabaseDSN != "" {
		return c.DatabaseDSN
	}
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort, c.DBSSLMode, c.DBTimezone,
	)
}

// TelemetryEnabled reports whether traces should be exported
func (c *Config) TelemetryEnabled() bool {
	return c.EnableTelemetry && c.OTLPEndpoint != ""
}

// SessionKey returns the secret used to seal device sessions; development
// falls back to a fixed key.
func (c *Config) SessionKey() string {
	if c.SessionSecret == "" {
		return "development-session-secret"
	}
	return c.SessionSecret
}
