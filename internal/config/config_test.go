package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
version: "1.0"
instance: newsroom
bus:
  url: redis://localhost:6379
  max_attempts: 5
  retry_base: 500ms
  retry_ceiling: 30s
heartbeat:
  interval: 10s
  stale_multiplier: 3
grounding:
  threshold: 0.75
  max_regenerations: 3
tools:
  search:
    capacity: 10
    refill_per_sec: 1
budgets:
  writer:
    cap: 100
    warn_percent: 0.8
agents:
  writer:
    capabilities: [summarise, review]
    workers: 4
`

func TestParseValidConfig(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "newsroom", cfg.Instance)
	assert.Equal(t, 5, cfg.Bus.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Bus.RetryBase.Std())
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval.Std())
	assert.Equal(t, 0.75, cfg.Grounding.Threshold)
	assert.Equal(t, 1.0, cfg.Tools["search"].RefillPerSec)
	assert.Equal(t, 100.0, cfg.Budgets["writer"].Cap)
	assert.Equal(t, []string{"summarise", "review"}, cfg.Agents["writer"].Capabilities)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`
version: "1.0"
grounding:
  treshold: 0.75
`))
	require.Error(t, err, "a typoed option must not be silently ignored")
	assert.Contains(t, err.Error(), "treshold")
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "wrong version",
			yaml:    `version: "2.0"`,
			wantErr: "unsupported version",
		},
		{
			name:    "missing version",
			yaml:    `instance: newsroom`,
			wantErr: "unsupported version",
		},
		{
			name: "threshold above one",
			yaml: `
version: "1.0"
grounding:
  threshold: 1.5
`,
			wantErr: "grounding.threshold",
		},
		{
			name: "retry base above ceiling",
			yaml: `
version: "1.0"
bus:
  retry_base: 1m
  retry_ceiling: 1s
`,
			wantErr: "retry_base",
		},
		{
			name: "zero-capacity bucket",
			yaml: `
version: "1.0"
tools:
  search:
    capacity: 0
`,
			wantErr: "capacity",
		},
		{
			name: "warn percent above one",
			yaml: `
version: "1.0"
budgets:
  writer:
    cap: 100
    warn_percent: 80
`,
			wantErr: "warn_percent",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rookery.yml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "newsroom", cfg.Instance)

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
		assert.Error(t, err)
	})
}

func TestLoadSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, err := LoadSettings()
		require.NoError(t, err)
		assert.Equal(t, "redis://localhost:6379", s.BusURL)
		assert.Equal(t, 5, s.MaxAttempts)
		assert.Equal(t, 10*time.Second, s.HeartbeatInterval)
		assert.Equal(t, 0.75, s.GroundingThreshold)
		assert.Equal(t, 0.8, s.BudgetWarnPercent)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("ROOKERY_BUS_URL", "redis://bus:6380/2")
		t.Setenv("ROOKERY_MAX_ATTEMPTS", "7")
		t.Setenv("ROOKERY_GROUNDING_THRESHOLD", "0.9")

		s, err := LoadSettings()
		require.NoError(t, err)
		assert.Equal(t, "redis://bus:6380/2", s.BusURL)
		assert.Equal(t, 7, s.MaxAttempts)
		assert.Equal(t, 0.9, s.GroundingThreshold)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		t.Setenv("ROOKERY_MAX_ATTEMPTS", "0")
		_, err := LoadSettings()
		assert.Error(t, err)
	})
}
