// Package config loads the control plane's configuration from the
// environment. Grounded on the teacher's internal/config.Config: one flat
// struct, env tags with defaults, fail-fast at boot.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment
// variables. Every knob in spec.md §6 has a field here.
type Config struct {
	// Mode selects the runtime mode: "api" or "worker".
	Mode string `env:"GPUCTL_MODE" envDefault:"api"`

	// Server
	Host string `env:"GPUCTL_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"GPUCTL_PORT" envDefault:"8080"`

	// Provider
	ProviderBaseURL    string        `env:"PROVIDER_BASE_URL,required"`
	ProviderAPIKey     string        `env:"PROVIDER_API_KEY,required"`
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"`
	ProviderMaxRetries int           `env:"PROVIDER_MAX_RETRIES" envDefault:"3"`

	// Provider rate limiting and circuit breaking
	RateLimitPerSecond    int           `env:"RATE_LIMIT_PER_SECOND" envDefault:"10"`
	RateLimitBurst        int           `env:"RATE_LIMIT_BURST" envDefault:"20"`
	CircuitFailureThresh  uint32        `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	CircuitOpenTimeout    time.Duration `env:"CIRCUIT_OPEN_TIMEOUT" envDefault:"60s"`

	// Lifecycle Controller
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	StartupTimeout    time.Duration `env:"STARTUP_TIMEOUT" envDefault:"10m"`
	DefaultRegion     string        `env:"DEFAULT_REGION" envDefault:"CN-HK-01"`

	// KV Store Adapter
	KVURL          string `env:"KV_URL"`
	KVToken        string `env:"KV_TOKEN"`
	KVAllowFallback bool  `env:"KV_ALLOW_FALLBACK" envDefault:"true"`

	// Auto-Stop Controller
	AutoStopInterval  time.Duration `env:"AS_INTERVAL" envDefault:"5m"`
	AutoStopThreshold time.Duration `env:"AS_THRESHOLD" envDefault:"20m"`
	AutoStopDryRun    bool          `env:"AS_DRY_RUN" envDefault:"false"`

	// Migration Controller
	MigrationEnabled    bool          `env:"MIG_ENABLED" envDefault:"true"`
	MigrationInterval   time.Duration `env:"MIG_INTERVAL" envDefault:"15m"`
	MigrationBatchSize  int           `env:"MIG_BATCH_SIZE" envDefault:"30"`
	MigrationRetryFactor int          `env:"MIG_RETRY_FACTOR" envDefault:"2"`

	// Startup Reconciler
	ReconcileLockTTL       time.Duration `env:"RECONCILE_LOCK_TTL" envDefault:"5m"`
	ReconcileDeleteOrphans bool          `env:"RECONCILE_DELETE_ORPHANS" envDefault:"false"`
	ReconcileOrphanRetention time.Duration `env:"RECONCILE_ORPHAN_RETENTION" envDefault:"168h"`

	// Webhook Dispatcher
	WebhookSecret     string        `env:"WEBHOOK_SECRET"`
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	WebhookMaxRetries int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`

	// Worker Pool
	WorkerConcurrency int `env:"WORKER_CONCURRENCY" envDefault:"10"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Telemetry
	MetricsPath string `env:"METRICS_PATH" envDefault:"/metrics"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Shutdown
	ShutdownGracePeriod time.Duration `env:"SHUTDOWN_GRACE_PERIOD" envDefault:"10s"`
}

// Load reads configuration from environment variables, failing fast on any
// missing required value or malformed field.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
