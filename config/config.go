// Package config holds runtime configuration, loaded from the
// environment with defaults that work for local development.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App struct {
		Name string `envconfig:"APP_NAME" default:"ndis-automation"`
		Port int    `envconfig:"PORT" default:"8080"`
	}

	DB struct {
		// Path is the SQLite database file; ":memory:" for ephemeral.
		Path string `envconfig:"DB_PATH" default:"ndis.db"`
	}

	Scheduler struct {
		Enabled      bool          `envconfig:"SCHEDULER_ENABLED" default:"true"`
		TickInterval time.Duration `envconfig:"SCHEDULER_TICK_INTERVAL" default:"30s"`
		// Staleness is how old an unfinished job run must be before a
		// new run presumes it crashed and supersedes it.
		Staleness  time.Duration `envconfig:"SCHEDULER_LOCK_STALENESS" default:"15m"`
		JobTimeout time.Duration `envconfig:"SCHEDULER_JOB_TIMEOUT" default:"10m"`
		Workers    int           `envconfig:"SCHEDULER_WORKERS" default:"4"`
	}

	Engine struct {
		// MaxRetries bounds optimistic-concurrency retries on ledger writes.
		MaxRetries int `envconfig:"ENGINE_MAX_RETRIES" default:"3"`
		// AlertThreshold is the default budget alert percentage for
		// ledgers that don't set their own.
		AlertThreshold float64 `envconfig:"BUDGET_ALERT_THRESHOLD" default:"80"`
	}

	Server struct {
		Timeout time.Duration `envconfig:"SERVER_TIMEOUT" default:"15s"`
	}
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	return &cfg, nil
}
