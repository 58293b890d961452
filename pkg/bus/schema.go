package bus

import "fmt"

// Redis key pattern helpers
//
// All stream keys and bookkeeping hashes are namespaced by instance name.
//
// Key patterns:
//
//	rookery:{instance}:topic:{topic}        - topic stream (append-only log)
//	rookery:{instance}:dlq:{topic}          - dead-letter stream for a topic
//	rookery:{instance}:errors:{topic}:{grp} - per-group attempt error history

// Well-known topic names shared across the system.
const (
	// TopicBroadcast is consumed by every agent; each agent uses its own ID
	// as the consumer-group name so all agents see all broadcasts while
	// replicas of one agent still load-balance.
	TopicBroadcast = "agent.broadcast"

	// Lifecycle topics observed by the registry. Transitions are self-reported
	// by agents; the registry only reflects them.
	TopicAgentStarted   = "agent.started"
	TopicAgentStopped   = "agent.stopped"
	TopicAgentHeartbeat = "agent.heartbeat"

	// TopicGroundingEscalations receives a copy of every escalated grounding
	// task so auditors can intervene without watching individual inboxes.
	TopicGroundingEscalations = "grounding.escalations"
)

// InboxTopic returns the per-agent inbox topic name.
// Pattern: agent.{agent_id}
func InboxTopic(agentID string) string {
	return fmt.Sprintf("agent.%s", agentID)
}

// TopicKey returns the Redis stream key for a topic.
// Pattern: rookery:{instance}:topic:{topic}
func TopicKey(instanceName, topic string) string {
	return fmt.Sprintf("rookery:%s:topic:%s", instanceName, topic)
}

// DeadLetterKey returns the Redis stream key for a topic's dead-letter stream.
// Pattern: rookery:{instance}:dlq:{topic}
func DeadLetterKey(instanceName, topic string) string {
	return fmt.Sprintf("rookery:%s:dlq:%s", instanceName, topic)
}

// RetryErrorsKey returns the hash key recording per-message error history for
// a (topic, group) pair while retries are in flight.
// Pattern: rookery:{instance}:errors:{topic}:{group}
func RetryErrorsKey(instanceName, topic, group string) string {
	return fmt.Sprintf("rookery:%s:errors:%s:%s", instanceName, topic, group)
}
