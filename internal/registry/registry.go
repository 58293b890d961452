// Package registry maintains the live view of agents in a Rookery instance.
//
// The view is event-sourced: it is derived exclusively from lifecycle events
// (agent.started, agent.stopped, agent.heartbeat) consumed from the bus. The
// registry never initiates a transition and holds no authority over agents; it
// only reflects what they self-report, so callers must tolerate a bounded
// staleness window of one heartbeat interval.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/pkg/bus"
)

// Group is the consumer group name the registry consumes lifecycle topics
// under. All registry replicas share it, so each event is applied once.
const Group = "registry"

// Record is the registry's view of one agent, derived from its lifecycle
// events. Records are marked stale rather than deleted, preserving audit
// history.
type Record struct {
	AgentID      string
	Name         string
	Capabilities []string
	State        agent.State
	RegisteredAt time.Time
	LastSeen     time.Time
}

// Options configures a registry.
type Options struct {
	// HeartbeatInterval is the cadence agents are expected to heartbeat at.
	// Default: 10s.
	HeartbeatInterval time.Duration

	// StaleMultiplier sets the staleness threshold as a multiple of the
	// heartbeat interval. A record with no renewal for longer than
	// StaleMultiplier * HeartbeatInterval is reported STALE. Default: 3.
	StaleMultiplier int

	// Now is the clock used for staleness checks. Default: time.Now.
	Now func() time.Time

	// Consumer overrides the bus ConsumerOptions for the lifecycle
	// subscriptions. Zero fields take the bus defaults.
	Consumer bus.ConsumerOptions
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.StaleMultiplier == 0 {
		o.StaleMultiplier = 3
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Registry is the event-sourced agent view. All mutation happens through
// lifecycle events; reads are pure over the derived state.
type Registry struct {
	client *bus.Client
	opts   Options

	mu     sync.RWMutex
	agents map[string]*Record
}

// New creates a registry over the given bus client. The view is empty until
// Run consumes events or Rebuild replays the lifecycle topics.
func New(client *bus.Client, opts Options) (*Registry, error) {
	if client == nil {
		return nil, fmt.Errorf("bus client cannot be nil")
	}
	opts.applyDefaults()

	return &Registry{
		client: client,
		opts:   opts,
		agents: make(map[string]*Record),
	}, nil
}

// staleAfter is the threshold beyond which an unrenewed record is STALE.
func (r *Registry) staleAfter() time.Duration {
	return time.Duration(r.opts.StaleMultiplier) * r.opts.HeartbeatInterval
}

// snapshot copies a record, applying staleness lazily: no sweep goroutine is
// needed for reads to reflect a silent agent.
func (r *Registry) snapshot(rec *Record) *Record {
	out := *rec
	out.Capabilities = append([]string(nil), rec.Capabilities...)

	switch out.State {
	case agent.StateRunning, agent.StatePaused, agent.StateInitializing:
		if r.opts.Now().Sub(out.LastSeen) > r.staleAfter() {
			out.State = agent.StateStale
		}
	}
	return &out
}

// GetAgent returns the record for id. ok is false when the id was never
// observed or the record has gone stale without a heartbeat renewal; a stale
// record is still returned, marked STALE, so callers can distinguish "never
// existed" from "stopped reporting".
func (r *Registry) GetAgent(id string) (*Record, bool) {
	r.mu.RLock()
	rec, exists := r.agents[id]
	if !exists {
		r.mu.RUnlock()
		return nil, false
	}
	out := r.snapshot(rec)
	r.mu.RUnlock()

	return out, out.State != agent.StateStale
}

// GetAgentsByCapability returns the live agents advertising the capability.
// Stale, stopped and failed records are excluded: they cannot take work.
// Results are sorted by agent ID for deterministic iteration.
func (r *Registry) GetAgentsByCapability(capability string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.agents {
		view := r.snapshot(rec)
		switch view.State {
		case agent.StateStale, agent.StateStopped, agent.StateFailed:
			continue
		}
		for _, c := range view.Capabilities {
			if c == capability {
				out = append(out, view)
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// ListAgents returns every record, stale ones included, sorted by agent ID.
// This is the audit view.
func (r *Registry) ListAgents() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, r.snapshot(rec))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// apply folds one lifecycle event into the view. Events are idempotent to
// apply: redelivery of a started or heartbeat event only refreshes fields it
// already set.
func (r *Registry) apply(topic string, msg *bus.Message) {
	agentID, _ := msg.Payload["agent_id"].(string)
	if agentID == "" {
		// Malformed lifecycle events are dropped, not retried: redelivery
		// cannot conjure an agent_id.
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.agents[agentID]
	if !exists {
		rec = &Record{
			AgentID:      agentID,
			RegisteredAt: msg.Timestamp,
		}
		r.agents[agentID] = rec
	}

	// A fresh consumer group replays each topic's full history independently,
	// so events can arrive out of cross-topic timestamp order. Anything older
	// than the record's last renewal is history already folded; applying its
	// state would let an old stop shadow a later restart.
	if msg.Timestamp.Before(rec.LastSeen) {
		return
	}
	rec.LastSeen = msg.Timestamp

	if name, ok := msg.Payload["name"].(string); ok && name != "" {
		rec.Name = name
	}
	if caps, ok := msg.Payload["capabilities"].([]any); ok {
		rec.Capabilities = rec.Capabilities[:0]
		for _, c := range caps {
			if s, ok := c.(string); ok {
				rec.Capabilities = append(rec.Capabilities, s)
			}
		}
	}

	switch topic {
	case bus.TopicAgentStopped:
		rec.State = agent.StateStopped
	default:
		if s, ok := msg.Payload["state"].(string); ok {
			if state := agent.State(s); state.Validate() == nil {
				rec.State = state
			}
		} else if topic == bus.TopicAgentStarted {
			rec.State = agent.StateRunning
		}
	}
}

// Rebuild discards the current view and replays the full lifecycle topics
// from the bus. Events from all three topics are merged in timestamp order so
// a stop observed after a later restart does not shadow it.
func (r *Registry) Rebuild(ctx context.Context) error {
	type event struct {
		topic string
		msg   *bus.Message
	}

	var events []event
	for _, topic := range []string{bus.TopicAgentStarted, bus.TopicAgentHeartbeat, bus.TopicAgentStopped} {
		from := "-"
		for {
			msgs, lastID, err := r.client.ReadTopic(ctx, topic, from, 100)
			if err != nil {
				return fmt.Errorf("failed to replay topic %s: %w", topic, err)
			}
			for _, msg := range msgs {
				events = append(events, event{topic: topic, msg: msg})
			}
			if len(msgs) < 100 {
				break
			}
			from = bus.NextID(lastID)
		}
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].msg.Timestamp.Before(events[j].msg.Timestamp)
	})

	r.mu.Lock()
	r.agents = make(map[string]*Record)
	r.mu.Unlock()

	for _, ev := range events {
		r.apply(ev.topic, ev.msg)
	}
	return nil
}
