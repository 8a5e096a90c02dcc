package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL           string   `mapstructure:"REDIS_URL"`
	AuthJWTSecret      string   `mapstructure:"AUTH_JWT_SECRET"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	HIPAAEncryptionKey string   `mapstructure:"HIPAA_ENCRYPTION_KEY"`

	// Epic FHIR outbound policy.
	EpicRequestTimeout     time.Duration `mapstructure:"EPIC_REQUEST_TIMEOUT"`
	EpicMaxRetries         int           `mapstructure:"EPIC_MAX_RETRIES"`
	EpicBackoffBase        time.Duration `mapstructure:"EPIC_BACKOFF_BASE"`
	EpicRateLimitRPS       float64       `mapstructure:"EPIC_RATE_LIMIT_RPS"`
	EpicRateLimitBurst     int           `mapstructure:"EPIC_RATE_LIMIT_BURST"`
	EpicBreakerFailures    uint32        `mapstructure:"EPIC_BREAKER_FAILURES"`
	EpicBreakerCooldown    time.Duration `mapstructure:"EPIC_BREAKER_COOLDOWN"`
	EpicImportConcurrency  int64         `mapstructure:"EPIC_IMPORT_CONCURRENCY"`
	EpicScheduledStatusID  string        `mapstructure:"EPIC_SCHEDULED_STATUS_ID"`
	EpicRefreshLockTimeout time.Duration `mapstructure:"EPIC_REFRESH_LOCK_TIMEOUT"`

	// Held across a whole auto-match run, so well above the refresh lock.
	EpicAutoMatchLockTimeout time.Duration `mapstructure:"EPIC_AUTOMATCH_LOCK_TIMEOUT"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("EPIC_REQUEST_TIMEOUT", "10s")
	v.SetDefault("EPIC_MAX_RETRIES", 3)
	v.SetDefault("EPIC_BACKOFF_BASE", "1s")
	v.SetDefault("EPIC_RATE_LIMIT_RPS", 5)
	v.SetDefault("EPIC_RATE_LIMIT_BURST", 10)
	v.SetDefault("EPIC_BREAKER_FAILURES", 5)
	v.SetDefault("EPIC_BREAKER_COOLDOWN", "30s")
	v.SetDefault("EPIC_IMPORT_CONCURRENCY", 4)
	v.SetDefault("EPIC_REFRESH_LOCK_TIMEOUT", "30s")
	v.SetDefault("EPIC_AUTOMATCH_LOCK_TIMEOUT", "5m")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"AUTH_JWT_SECRET", "AUTH_ISSUER", "AUTH_AUDIENCE", "CORS_ORIGINS",
		"HIPAA_ENCRYPTION_KEY", "EPIC_REQUEST_TIMEOUT", "EPIC_MAX_RETRIES",
		"EPIC_BACKOFF_BASE", "EPIC_RATE_LIMIT_RPS", "EPIC_RATE_LIMIT_BURST",
		"EPIC_BREAKER_FAILURES", "EPIC_BREAKER_COOLDOWN", "EPIC_IMPORT_CONCURRENCY",
		"EPIC_SCHEDULED_STATUS_ID", "EPIC_REFRESH_LOCK_TIMEOUT", "EPIC_AUTOMATCH_LOCK_TIMEOUT",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Unauthenticated requests get facility admin access.")
		log.Println("WARNING: Epic tokens are stored unsealed unless HIPAA_ENCRYPTION_KEY is set.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT secret is required, and in production HIPAA_ENCRYPTION_KEY must be a
// 64-character hex string so Epic credentials are sealed at rest.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthJWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET must be set when ENV=%q", c.Env)
	}

	if c.IsProduction() && c.HIPAAEncryptionKey == "" {
		return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
	}
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	if c.EpicRequestTimeout <= 0 {
		return fmt.Errorf("EPIC_REQUEST_TIMEOUT must be positive, got %s", c.EpicRequestTimeout)
	}
	if c.EpicMaxRetries < 0 {
		return fmt.Errorf("EPIC_MAX_RETRIES must not be negative, got %d", c.EpicMaxRetries)
	}
	if c.EpicImportConcurrency < 1 {
		return fmt.Errorf("EPIC_IMPORT_CONCURRENCY must be at least 1, got %d", c.EpicImportConcurrency)
	}
	if c.EpicScheduledStatusID == "" {
		return fmt.Errorf("EPIC_SCHEDULED_STATUS_ID is required to create imported cases")
	}

	return nil
}
