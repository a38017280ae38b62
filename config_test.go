package qbridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		cfg := DefaultConfig()

		assert.NoError(t, cfg.Validate())
		assert.Equal(t, "qbridge.work", cfg.WorkQueue)
		assert.Equal(t, "qbridge.responses", cfg.ResponseQueue)
		assert.Equal(t, 30*time.Second, cfg.DefaultTimeout)
		assert.Equal(t, 5, cfg.MaxDeliveryAttempts)
	})
}

func TestFromEnv(t *testing.T) {
	t.Run("unset environment falls back to defaults", func(t *testing.T) {
		cfg, err := FromEnv()

		assert.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv(EnvAMQPURL, "amqp://user:pw@broker:5672/")
		t.Setenv(EnvWorkQueue, "orders.work")
		t.Setenv(EnvResponseQueue, "orders.responses")
		t.Setenv(EnvDefaultTimeout, "5s")
		t.Setenv(EnvPrefetch, "32")
		t.Setenv(EnvMaxDeliveryAttempts, "7")
		t.Setenv(EnvRetryDelay, "2s")
		t.Setenv(EnvDedupTTL, "1m")
		t.Setenv(EnvRedisURL, "redis://localhost:6379/0")

		cfg, err := FromEnv()

		assert.NoError(t, err)
		assert.Equal(t, "amqp://user:pw@broker:5672/", cfg.AMQPUrl)
		assert.Equal(t, "orders.work", cfg.WorkQueue)
		assert.Equal(t, "orders.responses", cfg.ResponseQueue)
		assert.Equal(t, 5*time.Second, cfg.DefaultTimeout)
		assert.Equal(t, 32, cfg.Prefetch)
		assert.Equal(t, 7, cfg.MaxDeliveryAttempts)
		assert.Equal(t, 2*time.Second, cfg.RetryDelay)
		assert.Equal(t, time.Minute, cfg.DedupTTL)
		assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	})

	t.Run("bad duration is rejected", func(t *testing.T) {
		t.Setenv(EnvDefaultTimeout, "soon")

		_, err := FromEnv()

		assert.Error(t, err)
	})

	t.Run("bad integer is rejected", func(t *testing.T) {
		t.Setenv(EnvPrefetch, "many")

		_, err := FromEnv()

		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty amqp url", func(c *Config) { c.AMQPUrl = "" }},
		{"empty work queue", func(c *Config) { c.WorkQueue = "" }},
		{"empty response queue", func(c *Config) { c.ResponseQueue = "" }},
		{"work equals response queue", func(c *Config) { c.ResponseQueue = c.WorkQueue }},
		{"non-positive timeout", func(c *Config) { c.DefaultTimeout = 0 }},
		{"non-positive prefetch", func(c *Config) { c.Prefetch = 0 }},
		{"non-positive attempts", func(c *Config) { c.MaxDeliveryAttempts = -1 }},
		{"non-positive retry delay", func(c *Config) { c.RetryDelay = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name+" is rejected", func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
