package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PENDING_ORDER_TTL", "")
	t.Setenv("MAX_WORKERS", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 72*time.Hour, cfg.PendingOrderTTL)
	assert.Equal(t, 16, cfg.MaxWorkers)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("ORDER_SWEEP_INTERVAL", "15m")
	t.Setenv("MAX_WORKERS", "not-a-number")
	t.Setenv("ENCRYPTION_KEY", "secret")

	cfg := Load()

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 15*time.Minute, cfg.OrderSweepInterval)
	assert.Equal(t, 16, cfg.MaxWorkers)
	assert.Equal(t, "secret", cfg.EncryptionKey)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Env:           "production",
			AdminPassword: "hunter22",
			JWTSecret:     "a-real-secret",
			EncryptionKey: "enc",
		}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.AdminPassword = ""
	assert.ErrorContains(t, cfg.Validate(), "ADMIN_PASSWORD")

	cfg = base()
	cfg.JWTSecret = DefaultJWTSecret
	assert.ErrorContains(t, cfg.Validate(), "JWT_SECRET")

	cfg = base()
	cfg.EncryptionKey = ""
	assert.ErrorContains(t, cfg.Validate(), "ENCRYPTION_KEY")

	// development tolerates an open admin API
	dev := &Config{Env: "development", JWTSecret: DefaultJWTSecret}
	assert.NoError(t, dev.Validate())
}

func TestLoadUsesPlaceholderJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("ENV", "production")
	t.Setenv("ADMIN_PASSWORD", "hunter22")
	t.Setenv("ENCRYPTION_KEY", "enc")

	cfg := Load()
	assert.Equal(t, DefaultJWTSecret, cfg.JWTSecret)
	assert.Error(t, cfg.Validate())
}
