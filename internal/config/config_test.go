package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("durations convert from their units", func(t *testing.T) {
		cfg := &Config{
			SessionTimeoutMinutes:       2,
			MonitorIntervalSeconds:      30,
			MonitorStopTimeoutSeconds:   5,
			MaxBusyMinutes:              10,
			StoreTimeoutMillis:          2000,
			NotifyBreakerTimeoutSeconds: 60,
		}
		assert.Equal(t, 2*time.Minute, cfg.SessionTimeout())
		assert.Equal(t, 30*time.Second, cfg.MonitorInterval())
		assert.Equal(t, 5*time.Second, cfg.MonitorStopTimeout())
		assert.Equal(t, 10*time.Minute, cfg.MaxBusy())
		assert.Equal(t, 2*time.Second, cfg.StoreTimeout())
		assert.Equal(t, time.Minute, cfg.NotifyBreakerTimeout())
	})
}

func validConfig() *Config {
	return &Config{
		Port:                        8080,
		SessionTimeoutMinutes:       2,
		MonitorIntervalSeconds:      30,
		MonitorStopTimeoutSeconds:   5,
		MonitorBatchSize:            500,
		MaxBusyMinutes:              10,
		StoreTimeoutMillis:          2000,
		NotifyBreakerFailures:       5,
		NotifyBreakerTimeoutSeconds: 60,
	}
}

func TestValidate(t *testing.T) {
	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("rejects non-positive timeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.SessionTimeoutMinutes = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "SESSION_TIMEOUT_MINUTES")
	})

	t.Run("rejects zero breaker failures", func(t *testing.T) {
		cfg := validConfig()
		cfg.NotifyBreakerFailures = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("rejects relative upstream url", func(t *testing.T) {
		cfg := validConfig()
		cfg.ChatUpstreamURL = "chat-backend/api"
		assert.Error(t, cfg.Validate())
	})

	t.Run("accepts absolute upstream url", func(t *testing.T) {
		cfg := validConfig()
		cfg.ChatUpstreamURL = "http://chat-backend:8000"
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoad(t *testing.T) {
	keys := []string{
		"PORT", "DATABASE_URL", "REDIS_URL", "LOG_LEVEL",
		"SESSION_TIMEOUT_MINUTES", "MONITOR_INTERVAL_SECONDS", "NOTIFY_QUEUE",
	}
	originalEnv := map[string]string{}
	for _, k := range keys {
		originalEnv[k] = os.Getenv(k)
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		for _, k := range keys {
			os.Unsetenv(k)
		}

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Empty(t, cfg.DatabaseURL)
		assert.Equal(t, "info", cfg.LogLevel)
		assert.Equal(t, 2, cfg.SessionTimeoutMinutes)
		assert.Equal(t, 30, cfg.MonitorIntervalSeconds)
		assert.Equal(t, 5, cfg.MonitorStopTimeoutSeconds)
		assert.Equal(t, 500, cfg.MonitorBatchSize)
		assert.Equal(t, 2000, cfg.StoreTimeoutMillis)
		assert.Equal(t, "notifications:session_ended", cfg.NotifyQueue)
		assert.Equal(t, uint32(5), cfg.NotifyBreakerFailures)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("DATABASE_URL", "postgres://localhost/test")
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("SESSION_TIMEOUT_MINUTES", "15")
		os.Setenv("MONITOR_INTERVAL_SECONDS", "10")
		os.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "postgres://localhost/test", cfg.DatabaseURL)
		assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
		assert.Equal(t, 15*time.Minute, cfg.SessionTimeout())
		assert.Equal(t, 10*time.Second, cfg.MonitorInterval())
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails on malformed number", func(t *testing.T) {
		os.Setenv("SESSION_TIMEOUT_MINUTES", "two")

		_, err := Load()
		assert.Error(t, err)
		os.Unsetenv("SESSION_TIMEOUT_MINUTES")
	})
}
