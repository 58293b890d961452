package bus

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageSerializationRoundtrip(t *testing.T) {
	original := &Message{
		ID:            "550e8400-e29b-41d4-a716-446655440000",
		Type:          TypeFeedback,
		Sender:        "reviewer",
		Recipient:     "professor",
		Payload:       map[string]any{"quality": float64(8), "notes": "tighten citations"},
		Timestamp:     time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		CorrelationID: "550e8400-e29b-41d4-a716-446655440001",
		Metadata:      map[string]any{MetaKeyIntent: "content-feedback"},
	}

	values, err := MessageToValues(original)
	require.NoError(t, err)

	// Stream values arrive back as strings; mimic the go-redis shape.
	stringValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		stringValues[k] = v.(string)
	}

	decoded, err := ValuesToMessage(stringValues)
	require.NoError(t, err)

	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Type, decoded.Type)
	assert.Equal(t, original.Sender, decoded.Sender)
	assert.Equal(t, original.Recipient, decoded.Recipient)
	assert.Equal(t, original.Payload, decoded.Payload)
	assert.True(t, original.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, original.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, original.Metadata, decoded.Metadata)
}

func TestValuesToMessageRejectsBadTimestamp(t *testing.T) {
	_, err := ValuesToMessage(map[string]interface{}{
		"id":        "x",
		"type":      "direct",
		"timestamp": "yesterday-ish",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timestamp")
}

func TestDeadLetterSerializationRoundtrip(t *testing.T) {
	letter := &DeadLetter{
		Message: &Message{
			ID:     "550e8400-e29b-41d4-a716-446655440002",
			Type:   TypeDirect,
			Sender: "curator",
		},
		Topic:      "agent.professor",
		Group:      "professor",
		Attempts:   5,
		Errors:     []string{"attempt 1: boom", "attempt 2: boom"},
		FailedAtMs: 1767225600000,
	}

	values, err := DeadLetterToValues(letter)
	require.NoError(t, err)

	stringValues := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch tv := v.(type) {
		case string:
			stringValues[k] = tv
		case int:
			stringValues[k] = strconv.Itoa(tv)
		case int64:
			stringValues[k] = strconv.FormatInt(tv, 10)
		}
	}

	decoded, err := ValuesToDeadLetter(stringValues)
	require.NoError(t, err)

	assert.Equal(t, letter.Message.ID, decoded.Message.ID)
	assert.Equal(t, letter.Topic, decoded.Topic)
	assert.Equal(t, letter.Group, decoded.Group)
	assert.Equal(t, letter.Attempts, decoded.Attempts)
	assert.Equal(t, letter.Errors, decoded.Errors)
	assert.Equal(t, letter.FailedAtMs, decoded.FailedAtMs)
}
