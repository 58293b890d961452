package agent

import "fmt"

// State is the lifecycle state of an agent. Transitions are self-reported by
// the agent over the bus (or requested by a supervisor via stop commands); the
// registry only reflects what it observes.
type State string

const (
	StateCreated      State = "created"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
	StateFailed       State = "failed"

	// StateStale is a registry-side marker for agents whose heartbeats have
	// lapsed. Agents never report it themselves.
	StateStale State = "stale"
)

// validTransitions encodes the lifecycle machine:
//
//	CREATED → INITIALIZING → RUNNING ⇄ PAUSED → STOPPING → STOPPED
//
// FAILED is reachable from any non-terminal state and recoverable only by
// re-entering INITIALIZING.
var validTransitions = map[State][]State{
	StateCreated:      {StateInitializing, StateFailed},
	StateInitializing: {StateRunning, StateFailed},
	StateRunning:      {StatePaused, StateStopping, StateFailed},
	StatePaused:       {StateRunning, StateStopping, StateFailed},
	StateStopping:     {StateStopped, StateFailed},
	StateStopped:      {},
	StateFailed:       {StateInitializing},
}

// CanTransition reports whether moving from one lifecycle state to another is
// allowed by the state machine.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Validate checks if the State is a valid enum value.
func (s State) Validate() error {
	switch s {
	case StateCreated, StateInitializing, StateRunning, StatePaused,
		StateStopping, StateStopped, StateFailed, StateStale:
		return nil
	default:
		return fmt.Errorf("unknown agent state: %q", s)
	}
}

// Terminal reports whether the state admits no further self-reported
// transitions.
func (s State) Terminal() bool {
	return s == StateStopped
}
