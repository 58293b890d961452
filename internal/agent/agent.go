// Package agent provides the runtime every Rookery agent is built on: the
// lifecycle state machine, heartbeat publishing, and an intent-addressed
// handler registry dispatched over a bounded worker pool.
//
// Specialised behaviour is added by registering handlers, not by subclassing:
// an agent is the composition of its handler set.
package agent

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/rookery/pkg/bus"
)

// Built-in intents every agent understands.
const (
	// IntentStop requests a cooperative shutdown (external stop command).
	IntentStop = "stop"

	// IntentPause suspends message-driven work without shutting down.
	IntentPause = "pause"

	// IntentResume returns a paused agent to running.
	IntentResume = "resume"

	// IntentEmergencyStop is published by the governor when an agent exhausts
	// its budget cap. The lifecycle machine treats it as an external stop.
	IntentEmergencyStop = "emergency_stop"
)

// Options configures an agent runtime. Zero values take the defaults
// documented per field.
type Options struct {
	// HeartbeatInterval is the cadence of agent.heartbeat events.
	// Default: 10s.
	HeartbeatInterval time.Duration

	// Workers bounds concurrent message handling. Default: 4.
	Workers int

	// DrainTimeout is how long in-flight handlers may run after a stop before
	// the runtime gives up on them; unacknowledged messages then become
	// redeliverable. Default: 15s.
	DrainTimeout time.Duration

	// InitBackoff is the retry delay while the bus is unreachable during
	// initialisation. The agent cycles in INITIALIZING rather than crashing.
	// Default: 2s.
	InitBackoff time.Duration

	// Consumer overrides the bus ConsumerOptions for this agent's
	// subscriptions. Zero fields take the bus defaults.
	Consumer bus.ConsumerOptions
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.DrainTimeout == 0 {
		o.DrainTimeout = 15 * time.Second
	}
	if o.InitBackoff == 0 {
		o.InitBackoff = 2 * time.Second
	}
}

// Agent is one concurrent unit of execution with its own message-consumption
// loop. No shared mutable memory crosses agent boundaries - all cross-agent
// state travels over the bus, which is the sole synchronisation point.
type Agent struct {
	id           string
	name         string
	capabilities []string
	client       *bus.Client
	opts         Options

	mu       sync.RWMutex
	state    State
	handlers map[string]bus.Handler
	resumeCh chan struct{} // non-nil while paused; closed on resume

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates an agent runtime in the CREATED state. The agent does not touch
// the bus until Run is called.
func New(id, name string, capabilities []string, client *bus.Client, opts Options) (*Agent, error) {
	if id == "" {
		return nil, fmt.Errorf("agent id cannot be empty")
	}
	if client == nil {
		return nil, fmt.Errorf("bus client cannot be nil")
	}
	opts.applyDefaults()

	if name == "" {
		name = id
	}

	return &Agent{
		id:           id,
		name:         name,
		capabilities: capabilities,
		client:       client,
		opts:         opts,
		state:        StateCreated,
		handlers:     make(map[string]bus.Handler),
		stopped:      make(chan struct{}),
	}, nil
}

// ID returns the agent's unique identifier.
func (a *Agent) ID() string { return a.id }

// State returns the agent's current lifecycle state.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// RegisterHandler binds an intent to a handler. Registering before Run is
// safe; registering the same intent twice replaces the previous handler.
// Built-in lifecycle intents (stop, pause, resume, emergency_stop) cannot be
// overridden.
func (a *Agent) RegisterHandler(intent string, handler bus.Handler) error {
	switch intent {
	case IntentStop, IntentPause, IntentResume, IntentEmergencyStop:
		return fmt.Errorf("intent %q is reserved", intent)
	case "":
		return fmt.Errorf("intent cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[intent] = handler
	return nil
}

// transition moves the lifecycle machine, rejecting moves the machine does
// not allow, and reports the new state on the lifecycle topics.
func (a *Agent) transition(ctx context.Context, to State) error {
	a.mu.Lock()
	from := a.state
	if !CanTransition(from, to) {
		a.mu.Unlock()
		return fmt.Errorf("invalid lifecycle transition %s -> %s", from, to)
	}
	a.state = to
	a.mu.Unlock()

	log.Printf("[INFO] Agent '%s' transitioned %s -> %s", a.id, from, to)
	return nil
}

// publishLifecycle emits a lifecycle event for the registry. Lifecycle events
// are self-reported; the registry derives its view exclusively from them.
func (a *Agent) publishLifecycle(ctx context.Context, topic string, extra map[string]any) error {
	payload := map[string]any{
		"agent_id":     a.id,
		"name":         a.name,
		"capabilities": a.capabilities,
		"state":        string(a.State()),
	}
	for k, v := range extra {
		payload[k] = v
	}

	_, err := a.client.Publish(ctx, topic, &bus.Message{
		Type:    bus.TypeBroadcast,
		Sender:  a.id,
		Payload: payload,
	})
	return err
}

// Fail moves the agent to FAILED from any non-terminal state. Recovery
// requires re-entering INITIALIZING via Run.
func (a *Agent) Fail(ctx context.Context) {
	a.mu.Lock()
	if a.state == StateStopped || a.state == StateFailed {
		a.mu.Unlock()
		return
	}
	from := a.state
	a.state = StateFailed
	a.mu.Unlock()

	log.Printf("[WARN] Agent '%s' failed (was %s)", a.id, from)
	a.publishLifecycle(ctx, bus.TopicAgentHeartbeat, nil)
}

// Stop requests a cooperative shutdown. Idempotent.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopped) })
}
