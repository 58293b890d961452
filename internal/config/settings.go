package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings is the flat runtime configuration read from ROOKERY_* environment
// variables. These are the instance-wide defaults; rookery.yml refines them
// per tool and per agent.
type Settings struct {
	// BusURL is the Redis connection string for the bus.
	BusURL string `envconfig:"BUS_URL" default:"redis://localhost:6379"`

	// Instance namespaces all bus keys so multiple instances can share one
	// Redis.
	Instance string `envconfig:"INSTANCE" default:"default"`

	// ConfigPath, when set, points at a rookery.yml to layer on top.
	ConfigPath string `envconfig:"CONFIG"`

	// Redelivery policy.
	MaxAttempts  int           `envconfig:"MAX_ATTEMPTS" default:"5"`
	RetryBase    time.Duration `envconfig:"RETRY_BASE" default:"500ms"`
	RetryCeiling time.Duration `envconfig:"RETRY_CEILING" default:"30s"`

	// Lifecycle.
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s"`
	StaleMultiplier   int           `envconfig:"STALE_MULTIPLIER" default:"3"`

	// Grounding.
	GroundingThreshold float64 `envconfig:"GROUNDING_THRESHOLD" default:"0.75"`
	MaxRegenerations   int     `envconfig:"MAX_REGENERATIONS" default:"3"`

	// Governance defaults for tools and agents without explicit config.
	BucketCapacity     float64 `envconfig:"BUCKET_CAPACITY" default:"10"`
	BucketRefillPerSec float64 `envconfig:"BUCKET_REFILL_PER_SEC" default:"1"`
	BudgetCap          float64 `envconfig:"BUDGET_CAP" default:"0"`
	BudgetWarnPercent  float64 `envconfig:"BUDGET_WARN_PERCENT" default:"0.8"`

	// LedgerPath, when set, enables the durable SQLite cost ledger.
	LedgerPath string `envconfig:"LEDGER_PATH"`

	// HealthAddr is the listen address of the daemon's health endpoint.
	HealthAddr string `envconfig:"HEALTH_ADDR" default:":8089"`
}

// LoadSettings reads ROOKERY_* environment variables into a Settings,
// applying defaults for anything unset.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("ROOKERY", &s); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if s.MaxAttempts < 1 {
		return nil, fmt.Errorf("ROOKERY_MAX_ATTEMPTS must be >= 1, got %d", s.MaxAttempts)
	}
	if s.GroundingThreshold < 0 || s.GroundingThreshold > 1 {
		return nil, fmt.Errorf("ROOKERY_GROUNDING_THRESHOLD must be in [0, 1], got %v", s.GroundingThreshold)
	}
	if s.BudgetWarnPercent <= 0 || s.BudgetWarnPercent > 1 {
		return nil, fmt.Errorf("ROOKERY_BUDGET_WARN_PERCENT must be in (0, 1], got %v", s.BudgetWarnPercent)
	}
	return &s, nil
}
