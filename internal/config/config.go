// Package config loads and validates Rookery configuration. Two layers:
// rookery.yml for per-tool and per-agent detail, and ROOKERY_* environment
// variables for the flat runtime settings (see settings.go). Unknown YAML
// fields are rejected rather than silently accepted.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RookeryConfig represents the top-level rookery.yml configuration.
type RookeryConfig struct {
	Version   string                  `yaml:"version"`
	Instance  string                  `yaml:"instance,omitempty"`
	Bus       *BusConfig              `yaml:"bus,omitempty"`
	Heartbeat *HeartbeatConfig        `yaml:"heartbeat,omitempty"`
	Grounding *GroundingConfig        `yaml:"grounding,omitempty"`
	Tools     map[string]ToolConfig   `yaml:"tools,omitempty"`
	Budgets   map[string]BudgetConfig `yaml:"budgets,omitempty"`
	Agents    map[string]AgentConfig  `yaml:"agents,omitempty"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "500ms"
// or "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// BusConfig specifies the bus connection and redelivery policy.
type BusConfig struct {
	URL          string   `yaml:"url,omitempty"`
	MaxAttempts  int      `yaml:"max_attempts,omitempty"`
	RetryBase    Duration `yaml:"retry_base,omitempty"`
	RetryCeiling Duration `yaml:"retry_ceiling,omitempty"`
}

// HeartbeatConfig specifies the agent heartbeat cadence and the staleness
// threshold as a multiple of it.
type HeartbeatConfig struct {
	Interval        Duration `yaml:"interval,omitempty"`
	StaleMultiplier int      `yaml:"stale_multiplier,omitempty"`
}

// GroundingConfig specifies the validator's approval threshold and
// regeneration budget.
type GroundingConfig struct {
	Threshold        float64 `yaml:"threshold,omitempty"`
	MaxRegenerations int     `yaml:"max_regenerations,omitempty"`
}

// ToolConfig is the token-bucket shape for one tool.
type ToolConfig struct {
	Capacity     float64 `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_sec"`
}

// BudgetConfig is the monetary budget for one agent.
type BudgetConfig struct {
	Cap         float64 `yaml:"cap"`
	WarnPercent float64 `yaml:"warn_percent,omitempty"`
}

// AgentConfig is the closed set of recognized per-agent options.
type AgentConfig struct {
	Capabilities []string `yaml:"capabilities,omitempty"`
	Workers      int      `yaml:"workers,omitempty"`
}

// Validate performs strict validation on the configuration.
func (c *RookeryConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if b := c.Bus; b != nil {
		if b.MaxAttempts < 0 {
			return fmt.Errorf("bus.max_attempts cannot be negative")
		}
		if b.RetryBase < 0 || b.RetryCeiling < 0 {
			return fmt.Errorf("bus retry durations cannot be negative")
		}
		if b.RetryCeiling != 0 && b.RetryBase > b.RetryCeiling {
			return fmt.Errorf("bus.retry_base (%s) exceeds bus.retry_ceiling (%s)", b.RetryBase, b.RetryCeiling)
		}
	}

	if h := c.Heartbeat; h != nil {
		if h.Interval < 0 {
			return fmt.Errorf("heartbeat.interval cannot be negative")
		}
		if h.StaleMultiplier < 0 {
			return fmt.Errorf("heartbeat.stale_multiplier cannot be negative")
		}
	}

	if g := c.Grounding; g != nil {
		if g.Threshold < 0 || g.Threshold > 1 {
			return fmt.Errorf("grounding.threshold must be in [0, 1], got %v", g.Threshold)
		}
		if g.MaxRegenerations < 0 {
			return fmt.Errorf("grounding.max_regenerations cannot be negative")
		}
	}

	for tool, tc := range c.Tools {
		if tc.Capacity < 1 {
			return fmt.Errorf("tool '%s' must have capacity >= 1", tool)
		}
		if tc.RefillPerSec < 0 {
			return fmt.Errorf("tool '%s' cannot have a negative refill rate", tool)
		}
	}

	for agentID, bc := range c.Budgets {
		if bc.Cap < 0 {
			return fmt.Errorf("budget cap for agent '%s' cannot be negative", agentID)
		}
		if bc.WarnPercent < 0 || bc.WarnPercent > 1 {
			return fmt.Errorf("budget warn_percent for agent '%s' must be in [0, 1], got %v", agentID, bc.WarnPercent)
		}
	}

	for agentID, ac := range c.Agents {
		if agentID == "" {
			return fmt.Errorf("agent id cannot be empty")
		}
		if ac.Workers < 0 {
			return fmt.Errorf("agent '%s' cannot have a negative worker count", agentID)
		}
	}

	return nil
}

// Parse parses and validates rookery.yml content. Unknown fields are an
// error: a typoed option must not be silently ignored.
func Parse(data []byte) (*RookeryConfig, error) {
	var config RookeryConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// Load reads and validates rookery.yml from the specified path.
func Load(path string) (*RookeryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}
