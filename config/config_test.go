package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.Validation.Timeout)
	assert.Equal(t, 15*time.Minute, cfg.Business.VerificationTTL)
	assert.False(t, cfg.Business.PharmacyDirectDispense)
	assert.NotEmpty(t, cfg.Kafka.Brokers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VALIDATION_TIMEOUT", "5s")
	t.Setenv("PHARMACY_DIRECT_DISPENSE", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("EXPIRY_WINDOW_DAYS", "7")
	t.Setenv("DATABASE_DRIVER", "sqlite")

	cfg := Load()

	assert.Equal(t, 5*time.Second, cfg.Validation.Timeout)
	assert.True(t, cfg.Business.PharmacyDirectDispense)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 7, cfg.Business.ExpiryWindowDays)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("VALIDATION_TIMEOUT", "soon")
	t.Setenv("JUDGE_BURST", "many")

	cfg := Load()

	assert.Equal(t, 30*time.Second, cfg.Validation.Timeout)
	assert.Equal(t, 10, cfg.Validation.Burst)
}
