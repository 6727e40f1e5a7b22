// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

// Config holds all application configuration sourced from environment variables.
// Sensitive fields are masked in String().
type Config struct {
	// ── Store ────────────────────────────────────────────────────────────────────
	// StoreDriver: "postgres", "mysql", or "memory" (single process, tests and demos).
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	// DatabaseURLMigrate overrides DatabaseURL for `wizard migrate` (DDL role).
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`
	// MetricsAddr serves /metrics from `wizard worker`; empty disables it.
	MetricsAddr string `env:"METRICS_ADDR"`

	// ── API auth ─────────────────────────────────────────────────────────────────
	// APIJWTSecret enables bearer auth on /api/v1 when set.
	APIJWTSecret        string        `env:"API_JWT_SECRET"`
	CreateRatePerMinute int           `env:"CREATE_RATE_PER_MINUTE" envDefault:"600"`
	RateLimitEvictTTL   time.Duration `env:"RATE_LIMIT_EVICT_TTL"   envDefault:"15m"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY"   envDefault:"1"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"1s"`
	// HandlerTimeout bounds one handler invocation; 0 means unbounded.
	HandlerTimeout time.Duration `env:"HANDLER_TIMEOUT" envDefault:"0"`

	// ── Callback ─────────────────────────────────────────────────────────────────
	// BackendBaseURL is the base of the callback endpoint; empty disables callbacks.
	BackendBaseURL        string        `env:"BACKEND_BASE_URL"`
	CallbackPath          string        `env:"CALLBACK_PATH"           envDefault:"/api/v1/tasks/callback"`
	CallbackTimeout       time.Duration `env:"CALLBACK_TIMEOUT"        envDefault:"10s"`
	CallbackSigningSecret string        `env:"CALLBACK_SIGNING_SECRET"`
	CallbackSafeClient    bool          `env:"CALLBACK_SAFE_CLIENT"    envDefault:"false"`

	// ── Vector index ─────────────────────────────────────────────────────────────
	// VectorBaseURL enables the index handlers when set.
	VectorBaseURL    string `env:"VECTOR_BASE_URL"`
	VectorCollection string `env:"VECTOR_COLLECTION"  envDefault:"default"`
	VectorBatchSize  int    `env:"VECTOR_BATCH_SIZE"  envDefault:"64"`
	VectorChunkSize  int    `env:"VECTOR_CHUNK_SIZE"  envDefault:"1024"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses Config from environment variables and validates it.
func Load() (*Config, error) {
	cfg, err := Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads the environment without cross-field validation. Commands that
// never touch the store (such as `wizard token`) use it directly.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres, DriverMySQL:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for STORE_DRIVER=%s", c.StoreDriver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres, mysql or memory, got %q", c.StoreDriver))
	}
	switch c.DBQueryExecMode {
	case "simple_protocol", "extended_protocol":
	default:
		errs = append(errs, fmt.Errorf("DB_QUERY_EXEC_MODE must be simple_protocol or extended_protocol, got %q", c.DBQueryExecMode))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be >= 1"))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, errors.New("WORKER_POLL_INTERVAL must be positive"))
	}
	if c.HandlerTimeout < 0 {
		errs = append(errs, errors.New("HANDLER_TIMEOUT must not be negative"))
	}
	if c.CreateRatePerMinute < 1 {
		errs = append(errs, errors.New("CREATE_RATE_PER_MINUTE must be >= 1"))
	}
	if c.VectorBatchSize < 1 {
		errs = append(errs, errors.New("VECTOR_BATCH_SIZE must be >= 1"))
	}
	if c.VectorChunkSize < 1 {
		errs = append(errs, errors.New("VECTOR_CHUNK_SIZE must be >= 1"))
	}
	for name, raw := range map[string]string{"BACKEND_BASE_URL": c.BackendBaseURL, "VECTOR_BASE_URL": c.VectorBaseURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute http(s) URL, got %q", name, raw))
		}
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		errs = append(errs, fmt.Errorf("CALLBACK_PATH must start with '/', got %q", c.CallbackPath))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// MigrateURL returns the connection string used for migrations.
func (c *Config) MigrateURL() string {
	if c.DatabaseURLMigrate != "" {
		return c.DatabaseURLMigrate
	}
	return c.DatabaseURL
}

// ShutdownTimeout returns ShutdownTimeoutSeconds as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// String renders the configuration for startup logs with secrets masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"store=%s database_url=%s listen=%s env=%s workers=%d poll=%s handler_timeout=%s "+
			"backend=%s callback_path=%s callback_secret=%s safe_client=%t vector=%s/%s api_jwt=%s",
		c.StoreDriver, maskURL(c.DatabaseURL), c.ListenAddr, c.AppEnv, c.WorkerConcurrency,
		c.WorkerPollInterval, c.HandlerTimeout, c.BackendBaseURL, c.CallbackPath,
		mask(c.CallbackSigningSecret), c.CallbackSafeClient, c.VectorBaseURL, c.VectorCollection,
		mask(c.APIJWTSecret),
	)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

// maskURL hides the password of a URL-form DSN. MySQL DSNs (user:pass@tcp(...))
// are not URLs and are masked entirely.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "****"
	}
	return u.Redacted()
}
