package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message is the immutable unit of communication between agents. A message is
// never mutated after publication; it is only superseded by a new message
// referencing it via CorrelationID.
type Message struct {
	ID            string         `json:"id"`                       // UUID - globally unique, assigned at publish if empty
	Type          MessageType    `json:"type"`                     // Routing class of the message
	Sender        string         `json:"sender"`                   // Agent ID of the publisher
	Recipient     string         `json:"recipient"`                // Agent ID, or empty for broadcast topics
	Payload       map[string]any `json:"payload"`                  // Opaque structured content
	Timestamp     time.Time      `json:"timestamp"`                // Set at publish if zero; RFC3339 on the wire
	CorrelationID string         `json:"correlation_id,omitempty"` // Links request/response chains
	Metadata      map[string]any `json:"metadata,omitempty"`       // Open key-value extension bag
}

// MessageType classifies how a message is routed and interpreted.
type MessageType string

const (
	// TypeDirect is a point-to-point message to a single recipient's inbox.
	TypeDirect MessageType = "direct"

	// TypeBroadcast is delivered to every agent via the broadcast topic.
	TypeBroadcast MessageType = "broadcast"

	// TypeFeedback carries feedback about a previous message or work product.
	TypeFeedback MessageType = "feedback"

	// TypeAssistanceRequest asks another agent for help and expects a response.
	TypeAssistanceRequest MessageType = "assistance_request"

	// TypeNeedExpression advertises a need that capable agents may fulfil.
	TypeNeedExpression MessageType = "need_expression"

	// TypeCustom is an application-defined message class.
	TypeCustom MessageType = "custom"
)

// Well-known metadata keys.
const (
	// MetaKeyIntent names the handler an agent should dispatch the message to.
	MetaKeyIntent = "intent"

	// MetaKeyOrderingKey routes messages sharing a key to the same worker so
	// per-key processing order is preserved under concurrent fan-out.
	MetaKeyOrderingKey = "ordering_key"
)

// Handler processes one delivered message. Returning nil acknowledges the
// message for the consumer group; returning an error makes it eligible for
// redelivery with backoff. The context carries the per-message processing
// deadline - handlers must respect cancellation.
type Handler func(ctx context.Context, msg *Message) error

// DeadLetter is a message that exhausted its retry budget, tagged with the
// errors from every prior attempt. Dead letters are never redelivered
// automatically; they require operator intervention.
type DeadLetter struct {
	Message    *Message `json:"message"`
	Topic      string   `json:"topic"`
	Group      string   `json:"group"`
	Attempts   int      `json:"attempts"`
	Errors     []string `json:"errors"`
	FailedAtMs int64    `json:"failed_at_ms"`
}

// Validate checks that the message satisfies its declared type's required
// fields. Publish rejects invalid messages with ErrSchemaInvalid.
func (m *Message) Validate() error {
	if err := m.Type.Validate(); err != nil {
		return err
	}

	if m.Sender == "" {
		return fmt.Errorf("sender cannot be empty")
	}

	// Point-to-point types require an addressable recipient.
	switch m.Type {
	case TypeDirect, TypeFeedback, TypeAssistanceRequest:
		if m.Recipient == "" {
			return fmt.Errorf("%s message requires a recipient", m.Type)
		}
	case TypeBroadcast:
		if m.Recipient != "" {
			return fmt.Errorf("broadcast message cannot name a recipient")
		}
	}

	if m.ID != "" {
		if _, err := uuid.Parse(m.ID); err != nil {
			return fmt.Errorf("invalid message ID: not a valid UUID")
		}
	}

	return nil
}

// Validate checks if the MessageType is a valid enum value.
func (t MessageType) Validate() error {
	switch t {
	case TypeDirect, TypeBroadcast, TypeFeedback,
		TypeAssistanceRequest, TypeNeedExpression, TypeCustom:
		return nil
	default:
		return fmt.Errorf("unknown message type: %q", t)
	}
}

// Intent returns the metadata intent key, or "" if none is set.
func (m *Message) Intent() string {
	if v, ok := m.Metadata[MetaKeyIntent].(string); ok {
		return v
	}
	return ""
}

// OrderingKey returns the per-key sequencing hint, falling back to the
// correlation ID so request/response chains stay ordered by default.
func (m *Message) OrderingKey() string {
	if v, ok := m.Metadata[MetaKeyOrderingKey].(string); ok && v != "" {
		return v
	}
	return m.CorrelationID
}
