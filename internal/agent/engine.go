package agent

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/rookery/pkg/bus"
)

// Run executes the agent's lifecycle until the context is cancelled or a stop
// is requested (via Stop, a stop intent, or an emergency_stop command).
//
// Startup sequence:
//  1. CREATED/FAILED -> INITIALIZING; ping the bus with backoff until it is
//     reachable (an unreachable bus keeps the agent cycling here, it never
//     crashes the process)
//  2. Subscribe the per-agent inbox and the broadcast topic
//  3. INITIALIZING -> RUNNING; publish agent.started; begin heartbeats
//
// Shutdown sequence:
//  1. RUNNING/PAUSED -> STOPPING; stop pulling new messages
//  2. In-flight handlers get DrainTimeout to complete and acknowledge
//  3. STOPPING -> STOPPED; publish agent.stopped
//
// Unacknowledged in-flight messages at forced termination become eligible for
// redelivery to another consumer.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.transition(ctx, StateInitializing); err != nil {
		return err
	}

	// Cycle in INITIALIZING until the bus is reachable.
	for {
		if err := a.client.Ping(ctx); err == nil {
			break
		} else {
			log.Printf("[WARN] Agent '%s' cannot reach bus, retrying in %s: %v", a.id, a.opts.InitBackoff, err)
		}

		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.state = StateFailed
			a.mu.Unlock()
			return fmt.Errorf("agent %s cancelled during initialisation: %w", a.id, ctx.Err())
		case <-a.stopped:
			a.mu.Lock()
			a.state = StateFailed
			a.mu.Unlock()
			return fmt.Errorf("agent %s stopped during initialisation", a.id)
		case <-time.After(a.opts.InitBackoff):
		}
	}

	workers := newPool(a.opts.Workers, a.handleMessage)

	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()

	inboxSub, err := a.client.Subscribe(subCtx, bus.InboxTopic(a.id), a.id, workers.dispatch, a.opts.Consumer)
	if err != nil {
		a.Fail(ctx)
		workers.close()
		return fmt.Errorf("failed to subscribe inbox: %w", err)
	}

	// Group name = agent ID so every agent sees every broadcast while
	// replicas of the same agent still load-balance.
	broadcastSub, err := a.client.Subscribe(subCtx, bus.TopicBroadcast, a.id, workers.dispatch, a.opts.Consumer)
	if err != nil {
		inboxSub.Close()
		a.Fail(ctx)
		workers.close()
		return fmt.Errorf("failed to subscribe broadcast: %w", err)
	}

	if err := a.transition(ctx, StateRunning); err != nil {
		inboxSub.Close()
		broadcastSub.Close()
		workers.close()
		return err
	}

	if err := a.publishLifecycle(ctx, bus.TopicAgentStarted, nil); err != nil {
		log.Printf("[WARN] Agent '%s' failed to publish started event: %v", a.id, err)
	}

	heartbeatDone := make(chan struct{})
	go a.heartbeatLoop(ctx, heartbeatDone)

	// Block until shutdown is requested.
	select {
	case <-ctx.Done():
	case <-a.stopped:
	}

	if err := a.transition(ctx, StateStopping); err != nil {
		// Already failed; still drain what we can.
		log.Printf("[WARN] Agent '%s': %v", a.id, err)
	}
	close(heartbeatDone)

	// Cooperative drain: stop pulling, let in-flight handlers finish.
	inboxSub.Drain(a.opts.DrainTimeout)
	broadcastSub.Drain(a.opts.DrainTimeout)
	workers.close()

	if err := a.transition(context.Background(), StateStopped); err != nil {
		log.Printf("[WARN] Agent '%s': %v", a.id, err)
	}

	// Use a fresh context: the run context may already be cancelled, and the
	// stopped event is what lets the registry retire the record.
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.publishLifecycle(stopCtx, bus.TopicAgentStopped, nil); err != nil {
		log.Printf("[WARN] Agent '%s' failed to publish stopped event: %v", a.id, err)
	}

	log.Printf("[INFO] Agent '%s' shutdown complete", a.id)
	return nil
}

// heartbeatLoop publishes agent.heartbeat events until shutdown. The registry
// marks records stale after a configurable multiple of this interval.
func (a *Agent) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := a.publishLifecycle(ctx, bus.TopicAgentHeartbeat, nil); err != nil {
				log.Printf("[WARN] Agent '%s' heartbeat publish failed: %v", a.id, err)
			}
		}
	}
}

// handleMessage dispatches one delivered message: built-in lifecycle intents
// are handled by the runtime itself, everything else goes to the registered
// handler for the message's intent.
func (a *Agent) handleMessage(ctx context.Context, msg *bus.Message) error {
	// Ignore our own broadcasts (lifecycle events loop back through the
	// broadcast group subscription of other agents, not our own inbox, but
	// broadcast messages we publish are also delivered to us).
	if msg.Sender == a.id {
		return nil
	}

	switch msg.Intent() {
	case IntentStop:
		log.Printf("[INFO] Agent '%s' received stop command from '%s'", a.id, msg.Sender)
		a.Stop()
		return nil

	case IntentEmergencyStop:
		// Budget exhaustion: treated as an external stop request.
		log.Printf("[WARN] Agent '%s' received emergency_stop from '%s'", a.id, msg.Sender)
		a.Stop()
		return nil

	case IntentPause:
		return a.pause()

	case IntentResume:
		return a.resume()
	}

	if err := a.awaitRunning(ctx); err != nil {
		return err
	}

	a.mu.RLock()
	handler, ok := a.handlers[msg.Intent()]
	a.mu.RUnlock()

	if !ok {
		// Unknown intents are acknowledged, not retried: redelivery cannot
		// make a handler appear.
		log.Printf("[DEBUG] Agent '%s' ignoring message %s with unhandled intent %q", a.id, msg.ID, msg.Intent())
		return nil
	}

	return handler(ctx, msg)
}

// pause suspends message-driven work. Heartbeats continue so the registry
// sees the PAUSED state rather than a stale record.
func (a *Agent) pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Redelivered pause commands are no-ops.
	if a.state == StatePaused {
		return nil
	}
	if !CanTransition(a.state, StatePaused) {
		return fmt.Errorf("invalid lifecycle transition %s -> %s", a.state, StatePaused)
	}
	a.state = StatePaused
	a.resumeCh = make(chan struct{})
	log.Printf("[INFO] Agent '%s' paused", a.id)
	return nil
}

// resume returns a paused agent to RUNNING and releases waiting handlers.
func (a *Agent) resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Redelivered resume commands are no-ops.
	if a.state == StateRunning {
		return nil
	}
	if !CanTransition(a.state, StateRunning) {
		return fmt.Errorf("invalid lifecycle transition %s -> %s", a.state, StateRunning)
	}
	a.state = StateRunning
	if a.resumeCh != nil {
		close(a.resumeCh)
		a.resumeCh = nil
	}
	log.Printf("[INFO] Agent '%s' resumed", a.id)
	return nil
}

// awaitRunning blocks while the agent is paused. If the wait outlives the
// message's processing deadline the handler fails and the message is
// redelivered with backoff - paused work is deferred, not lost.
func (a *Agent) awaitRunning(ctx context.Context) error {
	for {
		a.mu.RLock()
		state := a.state
		resumeCh := a.resumeCh
		a.mu.RUnlock()

		if state != StatePaused || resumeCh == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("agent %s paused: %w", a.id, ctx.Err())
		case <-resumeCh:
		}
	}
}
