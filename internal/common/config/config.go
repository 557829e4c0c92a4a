// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App       AppConfig                 `mapstructure:"app"`
	Server    ServerConfig              `mapstructure:"server"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Sync      SyncConfig                `mapstructure:"sync"`
	Security  SecurityConfig            `mapstructure:"security"`
	Logging   LoggingConfig             `mapstructure:"logging"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	MetricsPath string `mapstructure:"metrics_path"`
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ElasticsearchConfig is optional; when no addresses are configured the
// university resolver falls back to exact-name lookups in Postgres.
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

func (e ElasticsearchConfig) Enabled() bool {
	return len(e.Addresses) > 0
}

// --- Provider Configuration ---

// ProviderConfig holds per external-platform settings. A provider registers
// only when Enabled and minimally valid (client id + secret present).
type ProviderConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ClientID      string `mapstructure:"client_id"`
	ClientSecret  string `mapstructure:"client_secret"`
	RedirectURI   string `mapstructure:"redirect_uri"`
	APIBaseURL    string `mapstructure:"api_base_url"`
	WebhookSecret string `mapstructure:"webhook_secret"`

	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
	RateLimitPerHour   int `mapstructure:"rate_limit_per_hour"`

	MaxRetries          int      `mapstructure:"max_retries"`
	RetryBaseDelayMs    int      `mapstructure:"retry_base_delay_ms"`
	RetryMaxDelayMs     int      `mapstructure:"retry_max_delay_ms"`
	BackoffMultiplier   float64  `mapstructure:"backoff_multiplier"`
	RetryableErrorTypes []string `mapstructure:"retryable_error_types"`
}

// --- Sync Engine Configuration ---

type SyncConfig struct {
	// TokenRefreshBufferMs is how long before recorded expiry a token is
	// treated as expired. Default five minutes.
	TokenRefreshBufferMs int `mapstructure:"token_refresh_buffer_ms"`
	// DefaultStrategy names the conflict resolution strategy used when the
	// caller does not select one.
	DefaultStrategy string `mapstructure:"default_strategy"`
	// JobRetentionMs bounds how long finished jobs stay queryable.
	JobRetentionMs int `mapstructure:"job_retention_ms"`
	// WebhookDedupTTLMs bounds the webhook event id de-duplication window.
	WebhookDedupTTLMs int `mapstructure:"webhook_dedup_ttl_ms"`
	// LockTTLMs bounds the per-(user, provider) sync lease.
	LockTTLMs int `mapstructure:"lock_ttl_ms"`
	// RetryPollIntervalMs is how often due retry chains are picked up for
	// re-execution. Default thirty seconds.
	RetryPollIntervalMs int `mapstructure:"retry_poll_interval_ms"`
}

// --- Security Configuration ---

type SecurityConfig struct {
	// TokenKey is the hex-encoded 32-byte AES key sealing stored OAuth
	// tokens.
	TokenKey string `mapstructure:"token_key"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}
