package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/rookery/pkg/bus"
)

// Run rebuilds the view from the lifecycle topic history, then consumes new
// lifecycle events until the context is cancelled. It blocks for the lifetime
// of the registry.
func (r *Registry) Run(ctx context.Context) error {
	if err := r.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to rebuild registry view: %w", err)
	}
	log.Printf("[INFO] Registry view rebuilt: %d agent(s) known", len(r.ListAgents()))

	topics := []string{bus.TopicAgentStarted, bus.TopicAgentStopped, bus.TopicAgentHeartbeat}
	subs := make([]*bus.Subscription, 0, len(topics))

	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, topic := range topics {
		topic := topic
		sub, err := r.client.Subscribe(subCtx, topic, Group, func(ctx context.Context, msg *bus.Message) error {
			r.apply(topic, msg)
			return nil
		}, r.opts.Consumer)
		if err != nil {
			for _, s := range subs {
				s.Close()
			}
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		subs = append(subs, sub)
	}

	log.Printf("[INFO] Registry consuming lifecycle events")
	<-ctx.Done()

	for _, sub := range subs {
		sub.Drain(5 * time.Second)
	}
	log.Printf("[INFO] Registry shutdown complete")
	return nil
}
