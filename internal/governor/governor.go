// Package governor enforces rate limits and budgets for the agents of a
// Rookery instance. It is an ordinary bus consumer: agents declare intent to
// invoke a tool, the governor answers with a grant or a throttle, and post-hoc
// cost reports drive budget warnings and, at the cap, an emergency stop.
//
// Rate and budget state are agent-local. There is no cross-agent borrowing:
// one agent exhausting its budget never affects another's.
package governor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/pkg/bus"
)

// DefaultID is the agent identity the governor runs under. Tool-invocation
// intents and cost reports are sent to its inbox topic.
const DefaultID = "governor"

// Intents the governor consumes and emits.
const (
	IntentToolInvocation = "tool-invocation-intent"
	IntentToolGranted    = "tool-invocation-granted"
	IntentCostReport     = "cost-report"
	IntentThrottle       = "throttle"
	IntentBudgetWarning  = "budget-warning"
)

// Budget event kinds recorded in the ledger.
const (
	eventWarning       = "budget-warning"
	eventEmergencyStop = "emergency_stop"
)

// BucketConfig is the static token-bucket shape for one tool.
type BucketConfig struct {
	Capacity     float64
	RefillPerSec float64
}

// BudgetConfig is the monetary budget for one agent across all tools.
type BudgetConfig struct {
	// Cap is the hard limit. Reaching it triggers an emergency stop.
	Cap float64

	// WarnPercent is the soft threshold as a fraction of Cap. Default: 0.8.
	WarnPercent float64
}

// Recorder is the durable audit trail for cost accounting. The governor
// enforces from memory; the recorder only has to keep history. RecordCost
// must deduplicate on reportID (the bus message ID) and report whether the
// row was newly recorded, so a redelivered report cannot inflate the trail.
type Recorder interface {
	RecordCost(ctx context.Context, reportID, agentID, tool string, cost float64, at time.Time) (bool, error)
	RecordBudgetEvent(ctx context.Context, agentID, kind string, percentUsed float64, at time.Time) error
}

// Options configures a governor.
type Options struct {
	// ID is the agent identity. Default: DefaultID.
	ID string

	// Buckets maps tool name to its token-bucket shape. Tools not listed
	// fall back to DefaultBucket.
	Buckets map[string]BucketConfig

	// DefaultBucket is used for tools with no explicit config.
	// Default: capacity 10, refill 1/s.
	DefaultBucket BucketConfig

	// Budgets maps agent ID to its budget. Agents not listed fall back to
	// DefaultBudget.
	Budgets map[string]BudgetConfig

	// DefaultBudget is used for agents with no explicit budget. A zero Cap
	// means unlimited.
	DefaultBudget BudgetConfig

	// Recorder, when set, persists cost reports and budget events.
	Recorder Recorder

	// Now is the clock for bucket refill and ledger timestamps.
	// Default: time.Now.
	Now func() time.Time

	// Agent overrides the underlying agent runtime options.
	Agent agent.Options
}

func (o *Options) applyDefaults() {
	if o.ID == "" {
		o.ID = DefaultID
	}
	if o.DefaultBucket == (BucketConfig{}) {
		o.DefaultBucket = BucketConfig{Capacity: 10, RefillPerSec: 1}
	}
	if o.DefaultBudget.WarnPercent == 0 {
		o.DefaultBudget.WarnPercent = 0.8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type bucketKey struct {
	agentID string
	tool    string
}

// budgetState is the in-memory ledger row for one agent. The warned and
// stopped latches make threshold crossings fire exactly once; the pending
// flags keep a crossing whose side effects failed alive until a redelivery
// completes them.
type budgetState struct {
	cost        float64
	warned      bool
	stopped     bool
	pendingWarn bool
	pendingStop bool
}

// Governor is the rate limiter and budget ledger.
type Governor struct {
	agent  *agent.Agent
	client *bus.Client
	opts   Options

	mu      sync.Mutex
	buckets map[bucketKey]*TokenBucket
	budgets map[string]*budgetState
	// seen holds the IDs of cost reports already folded this process; the
	// recorder's report dedup covers restarts.
	seen map[string]struct{}
}

// New creates a governor over the given bus client.
func New(client *bus.Client, opts Options) (*Governor, error) {
	opts.applyDefaults()

	g := &Governor{
		client:  client,
		opts:    opts,
		buckets: make(map[bucketKey]*TokenBucket),
		budgets: make(map[string]*budgetState),
		seen:    make(map[string]struct{}),
	}

	a, err := agent.New(opts.ID, opts.ID, []string{"governance"}, client, opts.Agent)
	if err != nil {
		return nil, fmt.Errorf("failed to create governor agent: %w", err)
	}
	if err := a.RegisterHandler(IntentToolInvocation, g.handleToolIntent); err != nil {
		return nil, err
	}
	if err := a.RegisterHandler(IntentCostReport, g.handleCostReport); err != nil {
		return nil, err
	}
	g.agent = a
	return g, nil
}

// Run executes the governor's agent lifecycle until the context is cancelled.
func (g *Governor) Run(ctx context.Context) error { return g.agent.Run(ctx) }

// Stop requests a cooperative shutdown.
func (g *Governor) Stop() { g.agent.Stop() }

// bucketFor returns the (agent, tool) bucket, creating it full on first use.
// Caller holds g.mu.
func (g *Governor) bucketFor(agentID, tool string) *TokenBucket {
	key := bucketKey{agentID: agentID, tool: tool}
	bucket, ok := g.buckets[key]
	if !ok {
		cfg, configured := g.opts.Buckets[tool]
		if !configured {
			cfg = g.opts.DefaultBucket
		}
		bucket = NewTokenBucket(cfg.Capacity, cfg.RefillPerSec, g.opts.Now)
		g.buckets[key] = bucket
	}
	return bucket
}

// budgetFor returns the in-memory ledger row for an agent, creating it on
// first sight. Caller holds g.mu.
func (g *Governor) budgetFor(agentID string) *budgetState {
	state, ok := g.budgets[agentID]
	if !ok {
		state = &budgetState{}
		g.budgets[agentID] = state
	}
	return state
}

// budgetConfigFor returns the configured budget for an agent.
func (g *Governor) budgetConfigFor(agentID string) BudgetConfig {
	cfg, ok := g.opts.Budgets[agentID]
	if !ok {
		cfg = g.opts.DefaultBudget
	}
	if cfg.WarnPercent == 0 {
		cfg.WarnPercent = g.opts.DefaultBudget.WarnPercent
	}
	return cfg
}

// SeedCost primes an agent's in-memory ledger, typically from the durable
// recorder after a restart. Threshold latches are re-derived from the seeded
// amount so a restart does not re-fire old warnings.
func (g *Governor) SeedCost(agentID string, cost float64) {
	cfg := g.budgetConfigFor(agentID)

	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.budgetFor(agentID)
	state.cost = cost
	if cfg.Cap > 0 {
		state.warned = cost >= cfg.WarnPercent*cfg.Cap
		state.stopped = cost >= cfg.Cap
	}
}

// handleToolIntent answers one tool-invocation-intent with a grant or a
// throttle. The invocation is deferred, not rejected: a throttled agent is
// expected to re-publish its intent after retry_after.
func (g *Governor) handleToolIntent(ctx context.Context, msg *bus.Message) error {
	agentID, _ := msg.Payload["agent_id"].(string)
	tool, _ := msg.Payload["tool"].(string)
	if agentID == "" || tool == "" {
		log.Printf("[WARN] Governor dropping malformed tool intent %s", msg.ID)
		return nil
	}

	g.mu.Lock()
	state := g.budgetFor(agentID)
	if state.stopped {
		g.mu.Unlock()
		// A stopped agent gets no tokens, ever. The throttle carries no
		// retry hint; recovery requires operator intervention.
		log.Printf("[WARN] Governor denying tool '%s' for stopped agent '%s'", tool, agentID)
		return g.reply(ctx, msg, IntentThrottle, map[string]any{
			"agent_id": agentID,
			"tool":     tool,
			"reason":   "budget exhausted",
		})
	}

	bucket := g.bucketFor(agentID, tool)
	granted := bucket.Take()
	retryAfter := time.Duration(0)
	if !granted {
		retryAfter = bucket.RetryAfter()
	}
	g.mu.Unlock()

	if granted {
		return g.reply(ctx, msg, IntentToolGranted, map[string]any{
			"agent_id": agentID,
			"tool":     tool,
		})
	}

	payload := map[string]any{
		"agent_id": agentID,
		"tool":     tool,
	}
	if retryAfter >= 0 {
		payload["retry_after"] = retryAfter.Seconds()
	} else {
		// Zero refill rate: the bucket never recovers on its own.
		payload["reason"] = "rate limit exhausted"
	}

	log.Printf("[INFO] Governor throttling agent '%s' on tool '%s' (retry after %s)", agentID, tool, retryAfter)
	return g.reply(ctx, msg, IntentThrottle, payload)
}

// handleCostReport folds one post-hoc cost report into the agent's budget and
// fires threshold crossings. The fold is deduplicated on the message ID:
// delivery is at-least-once, and counting a redelivered report twice would
// fire the emergency stop below the agent's real spend. A crossing whose
// side effects fail stays pending on the budget state and is completed on
// redelivery without re-folding the cost, so each threshold still fires
// exactly once per agent.
func (g *Governor) handleCostReport(ctx context.Context, msg *bus.Message) error {
	agentID, _ := msg.Payload["agent_id"].(string)
	cost, _ := msg.Payload["cost"].(float64)
	tool, _ := msg.Payload["tool"].(string)
	if agentID == "" {
		log.Printf("[WARN] Governor dropping malformed cost report %s", msg.ID)
		return nil
	}

	cfg := g.budgetConfigFor(agentID)

	g.mu.Lock()
	state := g.budgetFor(agentID)
	_, folded := g.seen[msg.ID]
	g.mu.Unlock()

	if !folded {
		fold := true
		if g.opts.Recorder != nil {
			recorded, err := g.opts.Recorder.RecordCost(ctx, msg.ID, agentID, tool, cost, g.opts.Now())
			if err != nil {
				// The recorder is the audit trail; losing a row must not be
				// silent. Nothing has been folded yet, so redelivery is safe.
				return fmt.Errorf("failed to record cost: %w", err)
			}
			// A report already in the durable ledger was folded by a previous
			// process and is covered by the seeded total.
			fold = recorded
		}

		g.mu.Lock()
		g.seen[msg.ID] = struct{}{}
		if fold {
			state.cost += cost
			if cfg.Cap > 0 {
				if !state.warned && state.cost >= cfg.WarnPercent*cfg.Cap {
					state.warned = true
					state.pendingWarn = true
				}
				if !state.stopped && state.cost >= cfg.Cap {
					state.stopped = true
					state.pendingStop = true
					// A warning about a budget that is already gone is noise.
					state.pendingWarn = false
				}
			}
		}
		g.mu.Unlock()
	}

	if cfg.Cap == 0 {
		return nil
	}

	g.mu.Lock()
	warn := state.pendingWarn
	stop := state.pendingStop
	total := state.cost
	g.mu.Unlock()
	percentUsed := total / cfg.Cap

	if warn {
		log.Printf("[WARN] Agent '%s' crossed budget warning threshold (%.0f%% of cap)", agentID, percentUsed*100)
		if err := g.recordBudgetEvent(ctx, agentID, eventWarning, percentUsed); err != nil {
			return err
		}
		if err := g.command(ctx, agentID, IntentBudgetWarning, map[string]any{
			"agent_id":     agentID,
			"percent_used": percentUsed,
		}); err != nil {
			return err
		}
		g.mu.Lock()
		state.pendingWarn = false
		g.mu.Unlock()
	}

	if stop {
		log.Printf("[WARN] Agent '%s' exhausted its budget cap, issuing emergency stop", agentID)
		if err := g.recordBudgetEvent(ctx, agentID, eventEmergencyStop, percentUsed); err != nil {
			return err
		}
		if err := g.command(ctx, agentID, agent.IntentEmergencyStop, map[string]any{
			"agent_id": agentID,
		}); err != nil {
			return err
		}
		g.mu.Lock()
		state.pendingStop = false
		g.mu.Unlock()
	}
	return nil
}

func (g *Governor) recordBudgetEvent(ctx context.Context, agentID, kind string, percentUsed float64) error {
	if g.opts.Recorder == nil {
		return nil
	}
	if err := g.opts.Recorder.RecordBudgetEvent(ctx, agentID, kind, percentUsed, g.opts.Now()); err != nil {
		return fmt.Errorf("failed to record budget event: %w", err)
	}
	return nil
}

// reply answers an intent message on its sender's inbox, correlated to it.
func (g *Governor) reply(ctx context.Context, msg *bus.Message, intent string, payload map[string]any) error {
	_, err := g.client.Publish(ctx, bus.InboxTopic(msg.Sender), &bus.Message{
		Type:          bus.TypeDirect,
		Sender:        g.opts.ID,
		Recipient:     msg.Sender,
		Payload:       payload,
		CorrelationID: msg.ID,
		Metadata:      map[string]any{bus.MetaKeyIntent: intent},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", intent, err)
	}
	return nil
}

// command publishes an unsolicited control message to an agent's inbox.
func (g *Governor) command(ctx context.Context, agentID, intent string, payload map[string]any) error {
	_, err := g.client.Publish(ctx, bus.InboxTopic(agentID), &bus.Message{
		Type:      bus.TypeDirect,
		Sender:    g.opts.ID,
		Recipient: agentID,
		Payload:   payload,
		Metadata:  map[string]any{bus.MetaKeyIntent: intent},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", intent, err)
	}
	return nil
}
