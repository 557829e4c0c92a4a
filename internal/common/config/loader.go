// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

func Load() (*Config, error) {
	loadEnvFile()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../../configs")
	viper.AddConfigPath(".")

	// Enable ENV override like COMMONAPP_CLIENT_ID
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay, ignored when absent.
	viper.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = viper.MergeInConfig()

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expandEnvVars(viper.GetViper())

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	overrideEmptyConfig(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders left in YAML values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// overrideEmptyConfig backfills secrets from well-known env vars when the
// YAML left them empty.
func overrideEmptyConfig(cfg *Config) {
	for name, pc := range cfg.Providers {
		prefix := strings.ToUpper(name)
		if pc.ClientID == "" {
			if val := os.Getenv(prefix + "_CLIENT_ID"); val != "" {
				pc.ClientID = val
			}
		}
		if pc.ClientSecret == "" {
			if val := os.Getenv(prefix + "_CLIENT_SECRET"); val != "" {
				pc.ClientSecret = val
			}
		}
		if pc.RedirectURI == "" {
			if val := os.Getenv(prefix + "_REDIRECT_URI"); val != "" {
				pc.RedirectURI = val
			}
		}
		if pc.WebhookSecret == "" {
			if val := os.Getenv(prefix + "_WEBHOOK_SECRET"); val != "" {
				pc.WebhookSecret = val
			}
		}
		cfg.Providers[name] = pc
	}

	if cfg.Security.TokenKey == "" {
		if val := os.Getenv("TOKEN_ENCRYPTION_KEY"); val != "" {
			cfg.Security.TokenKey = val
		}
	}

	if cfg.Database.Postgres.User == "" {
		if val := os.Getenv("DB_USER"); val != "" {
			cfg.Database.Postgres.User = val
		}
	}
	if cfg.Database.Postgres.Password == "" {
		if val := os.Getenv("DB_PASSWORD"); val != "" {
			cfg.Database.Postgres.Password = val
		}
	}
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = "/metrics"
	}

	if cfg.Database.Postgres.MaxConnections == 0 {
		cfg.Database.Postgres.MaxConnections = 25
	}
	if cfg.Database.Postgres.MaxIdle == 0 {
		cfg.Database.Postgres.MaxIdle = 5
	}
	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}
	if cfg.Database.Elasticsearch.Index == "" {
		cfg.Database.Elasticsearch.Index = "universities"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Sync.TokenRefreshBufferMs == 0 {
		cfg.Sync.TokenRefreshBufferMs = 5 * 60 * 1000
	}
	if cfg.Sync.DefaultStrategy == "" {
		cfg.Sync.DefaultStrategy = "last_modified_wins"
	}
	if cfg.Sync.JobRetentionMs == 0 {
		cfg.Sync.JobRetentionMs = 24 * 60 * 60 * 1000
	}
	if cfg.Sync.WebhookDedupTTLMs == 0 {
		cfg.Sync.WebhookDedupTTLMs = 24 * 60 * 60 * 1000
	}
	if cfg.Sync.LockTTLMs == 0 {
		cfg.Sync.LockTTLMs = 10 * 60 * 1000
	}
	if cfg.Sync.RetryPollIntervalMs == 0 {
		cfg.Sync.RetryPollIntervalMs = 30 * 1000
	}

	for name, pc := range cfg.Providers {
		if pc.RateLimitPerMinute == 0 {
			pc.RateLimitPerMinute = 60
		}
		if pc.RateLimitPerHour == 0 {
			pc.RateLimitPerHour = 1000
		}
		if pc.MaxRetries == 0 {
			pc.MaxRetries = 3
		}
		if pc.RetryBaseDelayMs == 0 {
			pc.RetryBaseDelayMs = 1000
		}
		if pc.RetryMaxDelayMs == 0 {
			pc.RetryMaxDelayMs = 30000
		}
		if pc.BackoffMultiplier == 0 {
			pc.BackoffMultiplier = 2.0
		}
		cfg.Providers[name] = pc
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if cfg.Database.Postgres.Host == "" {
		return fmt.Errorf("database.postgres.host is required")
	}
	if cfg.Database.Postgres.Database == "" {
		return fmt.Errorf("database.postgres.database is required")
	}
	if cfg.Database.Postgres.User == "" {
		return fmt.Errorf("database.postgres.user is required")
	}

	if cfg.Database.Redis.Address == "" {
		return fmt.Errorf("database.redis.address is required")
	}

	if cfg.Security.TokenKey == "" {
		return fmt.Errorf("security.token_key is required")
	}

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		if pc.ClientID == "" || pc.ClientSecret == "" {
			return fmt.Errorf("providers.%s: client_id and client_secret are required when enabled", name)
		}
		if pc.APIBaseURL == "" {
			return fmt.Errorf("providers.%s: api_base_url is required when enabled", name)
		}
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
