package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Run("happy path lifecycle", func(t *testing.T) {
		path := []State{StateCreated, StateInitializing, StateRunning, StatePaused, StateRunning, StateStopping, StateStopped}
		for i := 0; i < len(path)-1; i++ {
			assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s should be allowed", path[i], path[i+1])
		}
	})

	t.Run("failed is reachable from any non-terminal state", func(t *testing.T) {
		for _, from := range []State{StateCreated, StateInitializing, StateRunning, StatePaused, StateStopping} {
			assert.True(t, CanTransition(from, StateFailed), "%s -> failed should be allowed", from)
		}
	})

	t.Run("failed recovers only via initializing", func(t *testing.T) {
		assert.True(t, CanTransition(StateFailed, StateInitializing))
		assert.False(t, CanTransition(StateFailed, StateRunning))
		assert.False(t, CanTransition(StateFailed, StateStopped))
	})

	t.Run("stopped is terminal", func(t *testing.T) {
		for _, to := range []State{StateCreated, StateInitializing, StateRunning, StatePaused, StateStopping, StateFailed} {
			assert.False(t, CanTransition(StateStopped, to), "stopped -> %s should be rejected", to)
		}
		assert.True(t, StateStopped.Terminal())
	})

	t.Run("no state skipping", func(t *testing.T) {
		assert.False(t, CanTransition(StateCreated, StateRunning))
		assert.False(t, CanTransition(StateInitializing, StateStopped))
		assert.False(t, CanTransition(StateRunning, StateStopped))
	})
}

func TestStateValidate(t *testing.T) {
	for _, s := range []State{StateCreated, StateInitializing, StateRunning, StatePaused, StateStopping, StateStopped, StateFailed, StateStale} {
		assert.NoError(t, s.Validate())
	}
	assert.Error(t, State("hibernating").Validate())
}
