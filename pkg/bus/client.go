package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Client provides instance-scoped topic operations over Redis Streams.
// All keys are automatically namespaced with the instance name. The client is
// thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a new bus client for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: Rookery instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the Redis connection. Implements io.Closer.
// After calling Close(), the client should not be used.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// InstanceName returns the instance this client is scoped to.
func (c *Client) InstanceName() string {
	return c.instanceName
}

// Publish appends a message to a topic and returns the message ID.
//
// The message is validated against its declared type's required fields;
// failures are reported as ErrSchemaInvalid and never retried. If the message
// has no ID a UUID is assigned, and a zero timestamp is set to the current
// time - both before the append, so the published record is complete.
// Connectivity failures surface as ErrTopicUnavailable; retrying those is the
// caller's policy.
func (c *Client) Publish(ctx context.Context, topic string, msg *Message) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("%w: topic cannot be empty", ErrSchemaInvalid)
	}

	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	values, err := MessageToValues(msg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}

	key := TopicKey(c.instanceName, topic)
	if err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: values,
	}).Err(); err != nil {
		return "", topicError(err)
	}

	return msg.ID, nil
}

// ReadTopic reads up to count messages from a topic starting at the given
// stream ID ("-" for the beginning). This is a plain range read outside any
// consumer group, used by the CLI and by registry rebuilds; it does not
// consume or acknowledge anything.
//
// Returns the decoded messages and the stream ID of the last entry read, which
// can be passed back (prefixed with "(" by the caller via NextID) to continue.
func (c *Client) ReadTopic(ctx context.Context, topic, from string, count int64) ([]*Message, string, error) {
	key := TopicKey(c.instanceName, topic)

	entries, err := c.rdb.XRangeN(ctx, key, from, "+", count).Result()
	if err != nil {
		return nil, "", topicError(err)
	}

	messages := make([]*Message, 0, len(entries))
	lastID := ""
	for _, entry := range entries {
		msg, err := ValuesToMessage(entry.Values)
		if err != nil {
			// Skip undecodable entries rather than aborting the read
			continue
		}
		messages = append(messages, msg)
		lastID = entry.ID
	}

	return messages, lastID, nil
}

// NextID returns the exclusive-range start ID following a stream ID returned
// by ReadTopic, for resuming a read without re-reading the last entry.
func NextID(lastID string) string {
	if lastID == "" {
		return "-"
	}
	return "(" + lastID
}

// ListDeadLetters returns every dead-letter entry recorded for a topic, oldest
// first. Dead letters are observable records, never auto-retried; requeueing
// one is a deliberate operator action via Publish.
func (c *Client) ListDeadLetters(ctx context.Context, topic string) ([]*DeadLetter, error) {
	key := DeadLetterKey(c.instanceName, topic)

	entries, err := c.rdb.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return nil, topicError(err)
	}

	letters := make([]*DeadLetter, 0, len(entries))
	for _, entry := range entries {
		letter, err := ValuesToDeadLetter(entry.Values)
		if err != nil {
			return nil, fmt.Errorf("failed to decode dead letter %s: %w", entry.ID, err)
		}
		letters = append(letters, letter)
	}

	return letters, nil
}

// topicError classifies a Redis error for the caller: context cancellation
// passes through untouched, everything else is bus connectivity.
func topicError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTopicUnavailable, err)
}
