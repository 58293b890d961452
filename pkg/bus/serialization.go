package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Serialization helpers for converting between Message structs and Redis
// stream entries.
//
// Stream entries are string-to-string maps. Structured fields (payload,
// metadata) are JSON-encoded into single entry fields; the timestamp travels
// as RFC3339. This keeps scalar fields individually inspectable from redis-cli
// while preserving arbitrary payload structure.

// MessageToValues converts a Message to Redis stream entry values.
func MessageToValues(m *Message) (map[string]interface{}, error) {
	payloadJSON, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	metadataJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	values := map[string]interface{}{
		"id":             m.ID,
		"type":           string(m.Type),
		"sender":         m.Sender,
		"recipient":      m.Recipient,
		"payload":        string(payloadJSON),
		"timestamp":      m.Timestamp.UTC().Format(time.RFC3339Nano),
		"correlation_id": m.CorrelationID,
		"metadata":       string(metadataJSON),
	}

	return values, nil
}

// ValuesToMessage converts Redis stream entry values back to a Message.
// Stream values arrive as map[string]interface{} with string values.
func ValuesToMessage(values map[string]interface{}) (*Message, error) {
	get := func(field string) string {
		if v, ok := values[field].(string); ok {
			return v
		}
		return ""
	}

	var payload map[string]any
	if payloadJSON := get("payload"); payloadJSON != "" && payloadJSON != "null" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	var metadata map[string]any
	if metadataJSON := get("metadata"); metadataJSON != "" && metadataJSON != "null" {
		if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	timestamp, err := time.Parse(time.RFC3339Nano, get("timestamp"))
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp field: %w", err)
	}

	msg := &Message{
		ID:            get("id"),
		Type:          MessageType(get("type")),
		Sender:        get("sender"),
		Recipient:     get("recipient"),
		Payload:       payload,
		Timestamp:     timestamp,
		CorrelationID: get("correlation_id"),
		Metadata:      metadata,
	}

	return msg, nil
}

// DeadLetterToValues converts a DeadLetter to Redis stream entry values.
// The original message and error history are JSON-encoded whole so the record
// stays immutable and self-contained.
func DeadLetterToValues(d *DeadLetter) (map[string]interface{}, error) {
	messageJSON, err := json.Marshal(d.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dead letter message: %w", err)
	}

	errorsJSON, err := json.Marshal(d.Errors)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal dead letter errors: %w", err)
	}

	values := map[string]interface{}{
		"message":      string(messageJSON),
		"topic":        d.Topic,
		"group":        d.Group,
		"attempts":     d.Attempts,
		"errors":       string(errorsJSON),
		"failed_at_ms": d.FailedAtMs,
	}

	return values, nil
}

// ValuesToDeadLetter converts Redis stream entry values back to a DeadLetter.
func ValuesToDeadLetter(values map[string]interface{}) (*DeadLetter, error) {
	get := func(field string) string {
		if v, ok := values[field].(string); ok {
			return v
		}
		return ""
	}

	var msg Message
	if err := json.Unmarshal([]byte(get("message")), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter message: %w", err)
	}

	var errList []string
	if errorsJSON := get("errors"); errorsJSON != "" {
		if err := json.Unmarshal([]byte(errorsJSON), &errList); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter errors: %w", err)
		}
	}

	var attempts int
	fmt.Sscanf(get("attempts"), "%d", &attempts)

	var failedAtMs int64
	fmt.Sscanf(get("failed_at_ms"), "%d", &failedAtMs)

	d := &DeadLetter{
		Message:    &msg,
		Topic:      get("topic"),
		Group:      get("group"),
		Attempts:   attempts,
		Errors:     errList,
		FailedAtMs: failedAtMs,
	}

	return d, nil
}
