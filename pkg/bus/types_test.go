package bus

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMessageValidate(t *testing.T) {
	t.Run("accepts valid direct message", func(t *testing.T) {
		msg := &Message{
			Type:      TypeDirect,
			Sender:    "professor",
			Recipient: "reviewer",
			Payload:   map[string]any{"content": "hello"},
		}
		assert.NoError(t, msg.Validate())
	})

	t.Run("rejects unknown type", func(t *testing.T) {
		msg := &Message{Type: "telepathy", Sender: "professor", Recipient: "reviewer"}
		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown message type")
	})

	t.Run("rejects empty sender", func(t *testing.T) {
		msg := &Message{Type: TypeDirect, Recipient: "reviewer"}
		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "sender")
	})

	t.Run("rejects direct message without recipient", func(t *testing.T) {
		msg := &Message{Type: TypeDirect, Sender: "professor"}
		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "requires a recipient")
	})

	t.Run("rejects broadcast with recipient", func(t *testing.T) {
		msg := &Message{Type: TypeBroadcast, Sender: "professor", Recipient: "reviewer"}
		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "cannot name a recipient")
	})

	t.Run("rejects malformed ID", func(t *testing.T) {
		msg := &Message{ID: "not-a-uuid", Type: TypeBroadcast, Sender: "professor"}
		err := msg.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid message ID")
	})

	t.Run("accepts explicit UUID", func(t *testing.T) {
		msg := &Message{ID: uuid.New().String(), Type: TypeNeedExpression, Sender: "professor"}
		assert.NoError(t, msg.Validate())
	})
}

func TestMessageIntent(t *testing.T) {
	msg := &Message{Metadata: map[string]any{MetaKeyIntent: "draft-submitted"}}
	assert.Equal(t, "draft-submitted", msg.Intent())

	assert.Empty(t, (&Message{}).Intent())
}

func TestMessageOrderingKey(t *testing.T) {
	t.Run("explicit key wins", func(t *testing.T) {
		msg := &Message{
			CorrelationID: "corr-1",
			Metadata:      map[string]any{MetaKeyOrderingKey: "draft-9"},
		}
		assert.Equal(t, "draft-9", msg.OrderingKey())
	})

	t.Run("falls back to correlation ID", func(t *testing.T) {
		msg := &Message{CorrelationID: "corr-1"}
		assert.Equal(t, "corr-1", msg.OrderingKey())
	})
}
