// Package config provides configuration management for the mailbridge service.
// It loads configuration from environment variables with sensible defaults and
// validates the result before the application starts.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Server port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Database Configuration:
//   - DATABASE_TYPE: "sqlite" or "postgres" (default: sqlite)
//   - DATABASE_PATH: SQLite database file path (default: ./mailbridge.db)
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD, POSTGRES_SSL_MODE: PostgreSQL settings
//
// Redis Configuration (optional, enables the shared OAuth state store):
//   - REDIS_ADDRESS: Redis server address (empty disables Redis)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//
// Security Configuration:
//   - JWT_SECRET: JWT signing secret (required, minimum 32 characters)
//   - ENCRYPTION_SECRET: master secret for the token vault (required)
//
// OAuth Provider:
//   - GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET: OAuth2 client credentials (required)
//   - OAUTH_REDIRECT_URL: callback URL registered with the provider (required)
//   - OAUTH_SCOPES: space-separated scopes (default: gmail.readonly + userinfo)
//   - OAUTH_STATE_TTL: lifetime of an authorization state token (default: 600s)
//
// Token Lifecycle:
//   - TOKEN_REFRESH_BUFFER: window before expiry in which tokens are refreshed
//     proactively (default: 300s)
//
// Health Monitor:
//   - HEALTH_QUICK_INTERVAL (default: 15m)
//   - HEALTH_COMPREHENSIVE_INTERVAL (default: 1h)
//   - HEALTH_REFRESH_INTERVAL (default: 30m)
//   - HEALTH_RECOVERY_INTERVAL (default: 2h)
//   - HEALTH_DAILY_SCHEDULE: cron spec for the daily report (default: "30 3 * * *")
//   - HEALTH_ARCHIVE_AFTER: quiescence window after which broken connections are
//     archived; 0 disables automatic archival (default: 0)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the mailbridge service.
type Config struct {
	// Application settings
	Port     string
	LogLevel string

	// Database configuration
	DatabaseType     string
	DatabasePath     string
	PostgresHost     string
	PostgresPort     string
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Redis configuration for the shared OAuth state store
	RedisAddress  string
	RedisPassword string
	RedisDB       int

	// Security
	JWTSecret        string
	EncryptionSecret string
	TLSCert          string
	TLSKey           string

	// OAuth provider
	GoogleClientID     string
	GoogleClientSecret string
	OAuthRedirectURL   string
	OAuthScopes        []string
	StateTTL           time.Duration

	// Token lifecycle
	RefreshBuffer time.Duration

	// API rate limiting (per user, enforced only when Redis is configured)
	RateLimit       int
	RateLimitWindow time.Duration

	// Health monitor cadences
	QuickCheckInterval    time.Duration
	ComprehensiveInterval time.Duration
	RefreshSweepInterval  time.Duration
	RecoverySweepInterval time.Duration
	DailySchedule         string
	ArchiveAfter          time.Duration
}

// DefaultScopes are requested when OAUTH_SCOPES is not set. The userinfo scopes
// are always needed to resolve the mailbox identity after the code exchange.
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// Load creates a new Config instance with values loaded from environment
// variables. Call Validate() on the result before use.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseType:     getEnv("DATABASE_TYPE", "sqlite"),
		DatabasePath:     getEnv("DATABASE_PATH", "./mailbridge.db"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDB:       getEnv("POSTGRES_DB", "mailbridge"),
		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		RedisAddress:  getEnv("REDIS_ADDRESS", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		JWTSecret:        getEnv("JWT_SECRET", ""),
		EncryptionSecret: getEnv("ENCRYPTION_SECRET", ""),
		TLSCert:          getEnv("TLS_CERT", ""),
		TLSKey:           getEnv("TLS_KEY", ""),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		OAuthRedirectURL:   getEnv("OAUTH_REDIRECT_URL", ""),
		OAuthScopes:        getScopesEnv("OAUTH_SCOPES", DefaultScopes),
		StateTTL:           getDurationEnv("OAUTH_STATE_TTL", 10*time.Minute),

		RefreshBuffer: getDurationEnv("TOKEN_REFRESH_BUFFER", 5*time.Minute),

		RateLimit:       getIntEnv("RATE_LIMIT", 120),
		RateLimitWindow: getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		QuickCheckInterval:    getDurationEnv("HEALTH_QUICK_INTERVAL", 15*time.Minute),
		ComprehensiveInterval: getDurationEnv("HEALTH_COMPREHENSIVE_INTERVAL", time.Hour),
		RefreshSweepInterval:  getDurationEnv("HEALTH_REFRESH_INTERVAL", 30*time.Minute),
		RecoverySweepInterval: getDurationEnv("HEALTH_RECOVERY_INTERVAL", 2*time.Hour),
		DailySchedule:         getEnv("HEALTH_DAILY_SCHEDULE", "30 3 * * *"),
		ArchiveAfter:          getDurationEnv("HEALTH_ARCHIVE_AFTER", 0),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getScopesEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Fields(value)
	}
	return defaultValue
}

// Validate checks that all required fields are present and all values are
// valid. The application must not start with an invalid configuration.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters long")
	}

	if c.EncryptionSecret == "" {
		return fmt.Errorf("ENCRYPTION_SECRET environment variable is required")
	}

	if c.GoogleClientID == "" || c.GoogleClientSecret == "" {
		return fmt.Errorf("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required")
	}
	if c.OAuthRedirectURL == "" {
		return fmt.Errorf("OAUTH_REDIRECT_URL is required")
	}

	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	switch c.DatabaseType {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("DATABASE_TYPE must be 'sqlite' or 'postgres'")
	}

	if c.DatabaseType == "postgres" || c.DatabaseType == "postgresql" {
		if c.PostgresHost == "" {
			return fmt.Errorf("POSTGRES_HOST is required when using PostgreSQL")
		}
		if c.PostgresDB == "" {
			return fmt.Errorf("POSTGRES_DB is required when using PostgreSQL")
		}
		if c.PostgresUser == "" {
			return fmt.Errorf("POSTGRES_USER is required when using PostgreSQL")
		}
		if port, err := strconv.Atoi(c.PostgresPort); err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("POSTGRES_PORT must be a valid port number")
		}
	}

	if c.RedisDB < 0 || c.RedisDB > 15 {
		return fmt.Errorf("REDIS_DB must be between 0 and 15")
	}

	if c.StateTTL <= 0 {
		return fmt.Errorf("OAUTH_STATE_TTL must be positive")
	}
	if c.RefreshBuffer <= 0 {
		return fmt.Errorf("TOKEN_REFRESH_BUFFER must be positive")
	}
	if c.ArchiveAfter < 0 {
		return fmt.Errorf("HEALTH_ARCHIVE_AFTER must not be negative")
	}

	return nil
}
