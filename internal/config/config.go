// Package config loads the platform configuration from environment
// variables and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	LogLevel      string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string   `mapstructure:"REDIS_URL"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// RequirePurpose rejects data-access requests without an X-Purpose
	// header. Disable only in local development.
	RequirePurpose bool `mapstructure:"REQUIRE_PURPOSE"`

	// MockLLM routes all completions to the in-process mock provider.
	MockLLM          bool   `mapstructure:"MOCK_LLM"`
	LLMBlockPII      bool   `mapstructure:"LLM_BLOCK_PII"`
	LLMDefaultModel  string `mapstructure:"LLM_DEFAULT_MODEL"`
	LLMPrimaryName   string `mapstructure:"LLM_PRIMARY_NAME"`
	LLMPrimaryURL    string `mapstructure:"LLM_PRIMARY_URL"`
	LLMPrimaryKey    string `mapstructure:"LLM_PRIMARY_KEY"`
	LLMFallbackName  string `mapstructure:"LLM_FALLBACK_NAME"`
	LLMFallbackURL   string `mapstructure:"LLM_FALLBACK_URL"`
	LLMFallbackKey   string `mapstructure:"LLM_FALLBACK_KEY"`
	LLMTimeoutSec    int    `mapstructure:"LLM_TIMEOUT_SEC"`

	// Retention knobs. Sweeps run on the interval; checkpoint pruning keeps
	// the newest N per execution.
	RetentionSweepHours      int `mapstructure:"RETENTION_SWEEP_HOURS"`
	CheckpointKeepLatest     int `mapstructure:"CHECKPOINT_KEEP_LATEST"`
	WorkflowMaxSteps         int `mapstructure:"WORKFLOW_MAX_STEPS"`
	StreamMaxLen             int64 `mapstructure:"STREAM_MAX_LEN"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

// Load reads configuration from the environment, with a .env file as an
// optional overlay for local development.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUIRE_PURPOSE", true)
	v.SetDefault("MOCK_LLM", false)
	v.SetDefault("LLM_BLOCK_PII", false)
	v.SetDefault("LLM_DEFAULT_MODEL", "gpt-4o-mini")
	v.SetDefault("LLM_TIMEOUT_SEC", 60)
	v.SetDefault("RETENTION_SWEEP_HOURS", 24)
	v.SetDefault("CHECKPOINT_KEEP_LATEST", 20)
	v.SetDefault("WORKFLOW_MAX_STEPS", 50)
	v.SetDefault("STREAM_MAX_LEN", 100_000)

	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "DEFAULT_TENANT", "CORS_ORIGINS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUIRE_PURPOSE",
		"MOCK_LLM", "LLM_BLOCK_PII", "LLM_DEFAULT_MODEL",
		"LLM_PRIMARY_NAME", "LLM_PRIMARY_URL", "LLM_PRIMARY_KEY",
		"LLM_FALLBACK_NAME", "LLM_FALLBACK_URL", "LLM_FALLBACK_KEY",
		"LLM_TIMEOUT_SEC", "RETENTION_SWEEP_HOURS", "CHECKPOINT_KEEP_LATEST",
		"WORKFLOW_MAX_STEPS", "STREAM_MAX_LEN",
		"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		_ = v.BindEnv(key)
	}

	// The .env overlay is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

// IsDev reports whether the server runs in development mode.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// LLMTimeout returns the per-provider request timeout.
func (c *Config) LLMTimeout() time.Duration {
	if c.LLMTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.LLMTimeoutSec) * time.Second
}

// Validate checks the configuration is safe to run. Production requires a
// real provider unless mock mode is explicit, and TLS file pairs must be
// complete.
func (c *Config) Validate() error {
	if c.IsProduction() && !c.MockLLM && c.LLMPrimaryURL == "" {
		return fmt.Errorf("LLM_PRIMARY_URL is required in production unless MOCK_LLM=true")
	}
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	if c.CheckpointKeepLatest <= 0 {
		return fmt.Errorf("CHECKPOINT_KEEP_LATEST must be positive")
	}
	if c.WorkflowMaxSteps <= 0 {
		return fmt.Errorf("WORKFLOW_MAX_STEPS must be positive")
	}
	return nil
}
