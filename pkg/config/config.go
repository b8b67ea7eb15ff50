package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for insight-engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, signing keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"5500"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// Database configuration (PostgreSQL)
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration (import lock keyspace)
	Redis RedisConfig `yaml:"redis"`

	// Import pipeline configuration
	Import ImportConfig `yaml:"import"`

	// Voting policy configuration
	Voting VotingConfig `yaml:"voting"`

	// Question selector configuration
	Questions QuestionsConfig `yaml:"questions"`

	// Unattended applier configuration
	Applier ApplierConfig `yaml:"applier"`

	// Taxonomy lookup configuration
	Taxonomy TaxonomyConfig `yaml:"taxonomy"`

	// Downstream write-back configuration
	Writeback WritebackConfig `yaml:"writeback"`

	// Auth configuration for annotator identity
	Auth AuthConfig `yaml:"auth"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"insight"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"insight_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration for the ephemeral lock keyspace.
// Redis holds no durable business data.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// ImportConfig holds import pipeline settings.
type ImportConfig struct {
	// LockTTL bounds how long a crashed worker can wedge a product.
	// Must exceed the worst-case reconciliation duration.
	LockTTL time.Duration `yaml:"lock_ttl" env:"IMPORT_LOCK_TTL" env-default:"5m"`
	// LockWait is the bounded wait for lock acquisition before the job is
	// deferred with backoff.
	LockWait time.Duration `yaml:"lock_wait" env:"IMPORT_LOCK_WAIT" env-default:"2s"`
	// Workers is the number of concurrent per-product import workers.
	Workers int `yaml:"workers" env:"IMPORT_WORKERS" env-default:"8"`
}

// VotingConfig holds the vote cascade policy.
type VotingConfig struct {
	// CascadeThreshold is the number of agreeing votes that annotates a
	// pending insight. Policy, not a hard constant.
	CascadeThreshold int `yaml:"cascade_threshold" env:"VOTING_CASCADE_THRESHOLD" env-default:"3"`
	// MaxAnonymousVotes stops serving an insight as a question once this
	// many anonymous votes have accumulated without a cascade.
	MaxAnonymousVotes int `yaml:"max_anonymous_votes" env:"VOTING_MAX_ANONYMOUS_VOTES" env-default:"10"`
}

// QuestionsConfig holds question selector settings.
type QuestionsConfig struct {
	DefaultPageSize int `yaml:"default_page_size" env:"QUESTIONS_DEFAULT_PAGE_SIZE" env-default:"25"`
	MaxPageSize     int `yaml:"max_page_size" env:"QUESTIONS_MAX_PAGE_SIZE" env-default:"100"`
}

// ApplierConfig holds the unattended applier schedule.
type ApplierConfig struct {
	// Enabled turns the background applier loop on.
	Enabled bool `yaml:"enabled" env:"APPLIER_ENABLED" env-default:"true"`
	// Interval between applier sweeps.
	Interval time.Duration `yaml:"interval" env:"APPLIER_INTERVAL" env-default:"1m"`
	// BatchSize bounds how many insights one sweep applies.
	BatchSize int `yaml:"batch_size" env:"APPLIER_BATCH_SIZE" env-default:"100"`
}

// TaxonomyConfig holds taxonomy lookup settings.
type TaxonomyConfig struct {
	// BaseURL of the taxonomy service. Empty disables remote lookups.
	BaseURL string `yaml:"base_url" env:"TAXONOMY_BASE_URL" env-default:""`
	// SnapshotPath optionally points at a local YAML taxonomy snapshot used
	// to seed the cache (offline and dev setups).
	SnapshotPath string        `yaml:"snapshot_path" env:"TAXONOMY_SNAPSHOT_PATH" env-default:""`
	Timeout      time.Duration `yaml:"timeout" env:"TAXONOMY_TIMEOUT" env-default:"5s"`
}

// WritebackConfig holds downstream product-database write-back settings.
type WritebackConfig struct {
	// WebhookURL receives applied insights. Empty disables write-back.
	WebhookURL string        `yaml:"webhook_url" env:"WRITEBACK_WEBHOOK_URL" env-default:""`
	Timeout    time.Duration `yaml:"timeout" env:"WRITEBACK_TIMEOUT" env-default:"10s"`
	MaxRetries int           `yaml:"max_retries" env:"WRITEBACK_MAX_RETRIES" env-default:"5"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// EnableVerification controls whether bearer tokens are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`
	// SigningKey is the HMAC key used to verify annotator bearer tokens.
	SigningKey string `yaml:"-" env:"AUTH_SIGNING_KEY"` // Secret - not in YAML
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		return nil, fmt.Errorf("failed to read config.yaml: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Import.LockTTL <= 0 {
		return fmt.Errorf("import.lock_ttl must be positive")
	}
	if c.Import.LockWait <= 0 {
		return fmt.Errorf("import.lock_wait must be positive")
	}
	if c.Import.LockWait >= c.Import.LockTTL {
		return fmt.Errorf("import.lock_wait must be below import.lock_ttl")
	}
	if c.Import.Workers < 1 {
		return fmt.Errorf("import.workers must be at least 1")
	}
	if c.Applier.Enabled && c.Applier.Interval <= 0 {
		return fmt.Errorf("applier.interval must be positive")
	}
	if c.Applier.Enabled && c.Applier.BatchSize < 1 {
		return fmt.Errorf("applier.batch_size must be at least 1")
	}
	if c.Voting.CascadeThreshold < 1 {
		return fmt.Errorf("voting.cascade_threshold must be at least 1")
	}
	if c.Auth.EnableVerification && c.Auth.SigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when auth verification is enabled")
	}
	return nil
}
