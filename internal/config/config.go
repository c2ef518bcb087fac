// Package config defines the global configuration structure for the TapRoom platform.
// Configuration is loaded once at process initialization (Lambda Cold Start) and is
// immutable thereafter. It follows 12-Factor App principles by strictly separating
// code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the application to panic
// immediately on startup (fail fast).
package config

import (
	"time"

	"taproom/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the TapRoom platform.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require
// (Least Privilege principle).
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"taproom-service"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	IsTestMode  bool   `envconfig:"IS_TEST_MODE" default:"false"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Enrichment    EnrichmentConfig
	DLQ           DLQConfig
	Ledger        LedgerConfig
	ABVAPI        ABVAPIConfig
	Taplist       TaplistConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URL for links in admin responses (no trailing slash)
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"` // e.g., https://api.taproom.io
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`     // Fail fast when pool exhausted
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"` // Detect dead connections during failover
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// Resource Identifiers
	EnrichmentQueue string `envconfig:"SQS_ENRICHMENT" validate:"required,url"`
	DlqQueue        string `envconfig:"SQS_ENRICHMENT_DLQ" validate:"required,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// EnrichmentConfig governs the ABV enrichment pipeline: the emergency kill
// switch, the spend budgets enforced against the upstream beer database, and
// the pacing applied between consecutive upstream calls.
type EnrichmentConfig struct {
	// Disabled is the emergency kill switch. When true, no upstream calls
	// are made anywhere in the pipeline.
	Disabled bool `envconfig:"ENRICHMENT_DISABLED" default:"false"`

	// Budget ceilings for upstream API usage.
	DailyLimit   int `envconfig:"ENRICHMENT_DAILY_LIMIT" default:"500" validate:"min=1"`
	MonthlyLimit int `envconfig:"ENRICHMENT_MONTHLY_LIMIT" default:"2000" validate:"min=1"`

	// Pacing between consecutive upstream calls within a batch, and the
	// extended pause requested after the upstream signals rate limiting.
	CallDelay      time.Duration `envconfig:"ENRICHMENT_CALL_DELAY" default:"2s"`
	RateLimitDelay time.Duration `envconfig:"ENRICHMENT_RATE_LIMIT_DELAY" default:"120s"`

	// Sweep sizing.
	SweepBatchSize  int `envconfig:"ENRICHMENT_SWEEP_BATCH_SIZE" default:"50" validate:"min=1"`
	MaxEnqueueBatch int `envconfig:"ENRICHMENT_MAX_ENQUEUE_BATCH" default:"100" validate:"min=1,max=100"`

	// ExcludeOpenDeadLetters prevents the sweeper from re-enqueueing records
	// that already have an unresolved dead-letter entry.
	ExcludeOpenDeadLetters bool `envconfig:"ENRICHMENT_EXCLUDE_OPEN_DEAD_LETTERS" default:"true"`

	// BlocklistExtra appends operator-supplied names to the built-in
	// blocklist. Entries wrapped in slashes (e.g. "/^flight /") are treated
	// as regular expression patterns.
	BlocklistExtra []string `envconfig:"ENRICHMENT_BLOCKLIST_EXTRA"`
}

// DLQConfig holds dead-letter store retention and admin batch limits.
type DLQConfig struct {
	RetentionDays  int `envconfig:"DLQ_RETENTION_DAYS" default:"30" validate:"min=1"`
	ReplayMaxBatch int `envconfig:"DLQ_REPLAY_MAX_BATCH" default:"50" validate:"min=1"`
	AckMaxBatch    int `envconfig:"DLQ_ACK_MAX_BATCH" default:"100" validate:"min=1"`
}

// LedgerConfig holds budget ledger retention settings.
type LedgerConfig struct {
	RetentionDays int `envconfig:"LEDGER_RETENTION_DAYS" default:"90" validate:"min=1"`
}

// ABVAPIConfig holds credentials and tuning for the upstream beer database
// used to look up ABV values.
type ABVAPIConfig struct {
	URL     string        `envconfig:"ABV_API_URL" validate:"required,url"`
	Key     SecretString  `envconfig:"ABV_API_KEY" validate:"required"`
	Timeout time.Duration `envconfig:"ABV_API_TIMEOUT" default:"10s"`
}

// TaplistConfig holds the upstream taplist source and local cache tuning.
type TaplistConfig struct {
	URL    string   `envconfig:"TAPLIST_API_URL" validate:"required,url"`
	Venues []string `envconfig:"TAPLIST_VENUES"`

	// TTL is how long a snapshot is served as fresh; StaleMax is the hard
	// ceiling after which a stale snapshot is no longer an acceptable
	// fallback when the upstream is down.
	TTL      time.Duration `envconfig:"TAPLIST_TTL" default:"15m"`
	StaleMax time.Duration `envconfig:"TAPLIST_STALE_MAX" default:"6h"`

	RefreshConcurrency int `envconfig:"TAPLIST_REFRESH_CONCURRENCY" default:"4" validate:"min=1"`
}

// SecurityConfig holds security-related configuration including admin access
// and CORS settings.
type SecurityConfig struct {
	// AdminAPIKeyHash is the bcrypt hash of the admin API key. The plaintext
	// key is never stored in configuration.
	AdminAPIKeyHash    SecretString `envconfig:"ADMIN_API_KEY_HASH" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"TapRoom"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
