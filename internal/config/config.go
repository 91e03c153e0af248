package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// DefaultJWTSecret is the placeholder used when JWT_SECRET is unset
const DefaultJWTSecret = "change-this-jwt-secret-in-production"

type Config struct {
	// Server
	Port string
	Env  string

	// Redis
	RedisURL string

	// Auth
	AdminPassword    string
	JWTSecret        string
	SessionTTL       time.Duration
	ClientSessionTTL time.Duration

	// Encryption
	EncryptionKey string
	APIKeyPrefix  string

	// Orders
	PendingOrderTTL    time.Duration
	OrderSweepInterval time.Duration

	// Fan-out for list enrichment
	MaxWorkers int

	// Cache
	CacheTTL       time.Duration
	LocalCacheSize int

	// Rate Limiting: login endpoints per IP, redeem activation per user
	RateLimit       int
	RedeemRateLimit int
	RedeemRateBurst int
}

func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),
		Env:  getEnv("ENV", "development"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		AdminPassword:    getEnv("ADMIN_PASSWORD", ""),
		JWTSecret:        getEnv("JWT_SECRET", DefaultJWTSecret),
		SessionTTL:       getEnvAsDuration("SESSION_TTL", 7*24*time.Hour),
		ClientSessionTTL: getEnvAsDuration("CLIENT_SESSION_TTL", 7*24*time.Hour),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		APIKeyPrefix:  getEnv("API_KEY_PREFIX", "cr_"),

		PendingOrderTTL:    getEnvAsDuration("PENDING_ORDER_TTL", 72*time.Hour),
		OrderSweepInterval: getEnvAsDuration("ORDER_SWEEP_INTERVAL", time.Hour),

		MaxWorkers: getEnvAsInt("MAX_WORKERS", 16),

		CacheTTL:       getEnvAsDuration("CACHE_TTL", 5*time.Minute),
		LocalCacheSize: getEnvAsInt("LOCAL_CACHE_SIZE", 64),

		RateLimit:       getEnvAsInt("RATE_LIMIT", 5),
		RedeemRateLimit: getEnvAsInt("REDEEM_RATE_LIMIT", 6),
		RedeemRateBurst: getEnvAsInt("REDEEM_RATE_BURST", 3),
	}
}

// IsProduction reports whether ENV is set to production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate rejects production settings that leave the admin API open or
// sign tokens with the public placeholder secret.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}
	if c.AdminPassword == "" {
		return errors.New("ADMIN_PASSWORD must be set in production")
	}
	if c.JWTSecret == "" || c.JWTSecret == DefaultJWTSecret {
		return errors.New("JWT_SECRET must be changed from the default in production")
	}
	if c.EncryptionKey == "" {
		return errors.New("ENCRYPTION_KEY must be set in production")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
