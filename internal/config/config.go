package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the tileflow model runner.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Staging  StagingConfig
	Detector DetectorConfig
	Workers  WorkerConfig
	Polling  PollingConfig
	Runner   RunnerConfig
	Tracing  TracingConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port int    `env:"TILEFLOW_PORT" envDefault:"8080"`
	Env  string `env:"TILEFLOW_ENV"  envDefault:"development"`
}

type DatabaseConfig struct {
	// Driver selects the record-store backend: postgres or sqlite.
	Driver          string        `env:"DATABASE_DRIVER"            envDefault:"postgres"`
	URL             string        `env:"DATABASE_URL"`
	SQLitePath      string        `env:"SQLITE_PATH"                envDefault:"tileflow.db"`
	MaxOpenConns    int           `env:"DATABASE_MAX_OPEN_CONNS"    envDefault:"25"`
	MaxIdleConns    int           `env:"DATABASE_MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"DATABASE_CONN_MAX_LIFETIME" envDefault:"5m"`
}

type RedisConfig struct {
	URL           string `env:"REDIS_URL"`
	ImageQueue    string `env:"IMAGE_QUEUE"    envDefault:"image-requests"`
	RegionQueue   string `env:"REGION_QUEUE"   envDefault:"region-requests"`
	StatusChannel string `env:"STATUS_CHANNEL" envDefault:"tileflow:status"`
	// VisibilityTimeout is how long a received message may stay unsettled before
	// the reaper returns it to its queue. It must outlast the slowest region.
	VisibilityTimeout time.Duration `env:"QUEUE_VISIBILITY_TIMEOUT" envDefault:"2h"`
}

type StagingConfig struct {
	Endpoint          string        `env:"STAGING_ENDPOINT"`
	AccessKey         string        `env:"STAGING_ACCESS_KEY"`
	SecretKey         string        `env:"STAGING_SECRET_KEY"`
	UseSSL            bool          `env:"STAGING_USE_SSL"             envDefault:"false"`
	Bucket            string        `env:"STAGING_BUCKET"              envDefault:"tileflow-staging"`
	Prefix            string        `env:"STAGING_PREFIX"              envDefault:"async-inference"`
	MaxRetries        int           `env:"STAGING_MAX_RETRIES"         envDefault:"3"`
	RetryBase         time.Duration `env:"STAGING_RETRY_BASE"          envDefault:"1s"`
	MissingKeyRetries int           `env:"STAGING_MISSING_KEY_RETRIES" envDefault:"2"`
	CleanupPolicy     string        `env:"STAGING_CLEANUP_POLICY"      envDefault:"immediate"`
}

type DetectorConfig struct {
	// Provider selects the DetectorFactory: http or mock.
	Provider string        `env:"DETECTOR_PROVIDER" envDefault:"http"`
	Timeout  time.Duration `env:"DETECTOR_TIMEOUT"  envDefault:"60s"`
}

type WorkerConfig struct {
	SyncWorkers       int `env:"SYNC_WORKERS"       envDefault:"4"`
	SubmissionWorkers int `env:"SUBMISSION_WORKERS" envDefault:"4"`
	PollingWorkers    int `env:"POLLING_WORKERS"    envDefault:"8"`
}

type PollingConfig struct {
	BaseInterval time.Duration `env:"ASYNC_POLL_BASE_INTERVAL" envDefault:"10s"`
	Multiplier   float64       `env:"ASYNC_POLL_MULTIPLIER"    envDefault:"2"`
	MaxInterval  time.Duration `env:"ASYNC_POLL_MAX_INTERVAL"  envDefault:"60s"`
	MaxWait      time.Duration `env:"ASYNC_POLL_MAX_WAIT"      envDefault:"1h"`
}

type RunnerConfig struct {
	RegionWidth    int           `env:"REGION_WIDTH"    envDefault:"10240"`
	RegionHeight   int           `env:"REGION_HEIGHT"   envDefault:"10240"`
	RecordTTL      time.Duration `env:"RECORD_TTL"      envDefault:"168h"`
	ReceiveWait    time.Duration `env:"RECEIVE_WAIT"    envDefault:"5s"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"10m"`

	// MaxAttempts bounds deliveries of a work item that keeps failing with a
	// retryable error. Zero means no bound.
	MaxAttempts int `env:"MAX_ATTEMPTS" envDefault:"5"`
}

type TracingConfig struct {
	// Exporter is none, stdout or otlphttp.
	Exporter string `env:"OTEL_EXPORTER" envDefault:"none"`
	Endpoint string `env:"OTEL_ENDPOINT" envDefault:"http://localhost:4318"`
	Service  string `env:"OTEL_SERVICE"  envDefault:"tileflow"`
}

type AuthConfig struct {
	// APIKeys entries have the form name:prefix:bcrypt-hash:scope|scope.
	APIKeys         []string `env:"API_KEYS"           envSeparator:","`
	RateLimitPerMin int      `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
}

var validDrivers = map[string]bool{
	"postgres": true,
	"sqlite":   true,
}

var validProviders = map[string]bool{
	"http": true,
	"mock": true,
}

var validCleanupPolicies = map[string]bool{
	"immediate":  true,
	"input_only": true,
	"disabled":   true,
}

var validExporters = map[string]bool{
	"none":     true,
	"stdout":   true,
	"otlphttp": true,
}

// Load reads configuration from environment variables (after an optional .env
// file) and returns a validated Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env file: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Database.Driver = strings.ToLower(cfg.Database.Driver)
	cfg.Detector.Provider = strings.ToLower(cfg.Detector.Provider)
	cfg.Staging.CleanupPolicy = strings.ToLower(cfg.Staging.CleanupPolicy)
	cfg.Tracing.Exporter = strings.ToLower(cfg.Tracing.Exporter)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("DATABASE_DRIVER must be one of postgres, sqlite; got %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when DATABASE_DRIVER is postgres")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Redis.VisibilityTimeout <= 0 {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT must be positive")
	}

	if c.Staging.Endpoint == "" {
		return fmt.Errorf("STAGING_ENDPOINT is required")
	}
	if strings.Contains(c.Staging.Endpoint, "://") {
		return fmt.Errorf("STAGING_ENDPOINT must be host[:port] without a scheme, got %q", c.Staging.Endpoint)
	}
	if c.Staging.MaxRetries < 0 || c.Staging.MissingKeyRetries < 0 {
		return fmt.Errorf("STAGING_MAX_RETRIES and STAGING_MISSING_KEY_RETRIES must not be negative")
	}
	if !validCleanupPolicies[c.Staging.CleanupPolicy] {
		return fmt.Errorf("STAGING_CLEANUP_POLICY must be one of immediate, input_only, disabled; got %q", c.Staging.CleanupPolicy)
	}

	if !validProviders[c.Detector.Provider] {
		return fmt.Errorf("DETECTOR_PROVIDER must be one of http, mock; got %q", c.Detector.Provider)
	}

	if c.Workers.SyncWorkers <= 0 || c.Workers.SubmissionWorkers <= 0 || c.Workers.PollingWorkers <= 0 {
		return fmt.Errorf("SYNC_WORKERS, SUBMISSION_WORKERS and POLLING_WORKERS must be positive")
	}

	if c.Polling.BaseInterval <= 0 || c.Polling.MaxInterval < c.Polling.BaseInterval {
		return fmt.Errorf("ASYNC_POLL_MAX_INTERVAL must be >= ASYNC_POLL_BASE_INTERVAL > 0")
	}
	if c.Polling.Multiplier < 1 {
		return fmt.Errorf("ASYNC_POLL_MULTIPLIER must be >= 1, got %v", c.Polling.Multiplier)
	}
	if c.Polling.MaxWait <= 0 {
		return fmt.Errorf("ASYNC_POLL_MAX_WAIT must be positive")
	}

	if c.Runner.RegionWidth <= 0 || c.Runner.RegionHeight <= 0 {
		return fmt.Errorf("REGION_WIDTH and REGION_HEIGHT must be positive")
	}
	if c.Runner.MaxAttempts < 0 {
		return fmt.Errorf("MAX_ATTEMPTS must not be negative")
	}

	if !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("OTEL_EXPORTER must be one of none, stdout, otlphttp; got %q", c.Tracing.Exporter)
	}

	for _, entry := range c.Auth.APIKeys {
		if strings.Count(entry, ":") != 3 {
			return fmt.Errorf("API_KEYS entries must look like name:prefix:hash:scopes")
		}
	}

	return nil
}
