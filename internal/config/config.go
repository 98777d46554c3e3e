package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	SessionTimeoutMinutes     int `env:"SESSION_TIMEOUT_MINUTES" envDefault:"2"`
	MonitorIntervalSeconds    int `env:"MONITOR_INTERVAL_SECONDS" envDefault:"30"`
	MonitorStopTimeoutSeconds int `env:"MONITOR_STOP_TIMEOUT_SECONDS" envDefault:"5"`
	MonitorBatchSize          int `env:"MONITOR_BATCH_SIZE" envDefault:"500"`
	MaxBusyMinutes            int `env:"MAX_BUSY_MINUTES" envDefault:"10"`
	StoreTimeoutMillis        int `env:"STORE_TIMEOUT_MS" envDefault:"2000"`

	NotifyQueue                 string `env:"NOTIFY_QUEUE" envDefault:"notifications:session_ended"`
	NotifyBreakerFailures       uint32 `env:"NOTIFY_BREAKER_FAILURES" envDefault:"5"`
	NotifyBreakerTimeoutSeconds int    `env:"NOTIFY_BREAKER_TIMEOUT_SECONDS" envDefault:"60"`

	ChatUpstreamURL string `env:"CHAT_UPSTREAM_URL"`
}

func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalSeconds) * time.Second
}

func (c *Config) MonitorStopTimeout() time.Duration {
	return time.Duration(c.MonitorStopTimeoutSeconds) * time.Second
}

func (c *Config) MaxBusy() time.Duration {
	return time.Duration(c.MaxBusyMinutes) * time.Minute
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMillis) * time.Millisecond
}

func (c *Config) NotifyBreakerTimeout() time.Duration {
	return time.Duration(c.NotifyBreakerTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"SESSION_TIMEOUT_MINUTES", c.SessionTimeoutMinutes},
		{"MONITOR_INTERVAL_SECONDS", c.MonitorIntervalSeconds},
		{"MONITOR_STOP_TIMEOUT_SECONDS", c.MonitorStopTimeoutSeconds},
		{"MONITOR_BATCH_SIZE", c.MonitorBatchSize},
		{"MAX_BUSY_MINUTES", c.MaxBusyMinutes},
		{"STORE_TIMEOUT_MS", c.StoreTimeoutMillis},
		{"NOTIFY_BREAKER_TIMEOUT_SECONDS", c.NotifyBreakerTimeoutSeconds},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive, got %d", p.name, p.value)
		}
	}

	if c.NotifyBreakerFailures == 0 {
		return fmt.Errorf("NOTIFY_BREAKER_FAILURES must be positive")
	}

	if c.ChatUpstreamURL != "" {
		u, err := url.Parse(c.ChatUpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("CHAT_UPSTREAM_URL must be an absolute URL, got %q", c.ChatUpstreamURL)
		}
	}

	if c.MaxBusy() <= c.SessionTimeout() {
		log.Warn().
			Dur("maxBusy", c.MaxBusy()).
			Dur("sessionTimeout", c.SessionTimeout()).
			Msg("MAX_BUSY_MINUTES does not exceed the session timeout: long-running turns may lose their busy mark")
	}
	if c.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL is empty: sessions are kept in memory and lost on restart")
	}
	if c.RedisURL == "" {
		log.Warn().Msg("REDIS_URL is empty: notifications, leader lock and session events are disabled")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
