package bus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestClient creates a test client connected to a miniredis instance
func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("creates client successfully", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NotNil(t, client)
		assert.Equal(t, "test-instance", client.InstanceName())
	})

	t.Run("rejects empty instance name", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "instance name cannot be empty")
	})
}

func TestPing(t *testing.T) {
	client, _ := setupTestClient(t)
	assert.NoError(t, client.Ping(context.Background()))
}

func TestPublish(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("publishes valid message and assigns ID", func(t *testing.T) {
		msg := &Message{
			Type:      TypeDirect,
			Sender:    "professor",
			Recipient: "reviewer",
			Payload:   map[string]any{"content": "draft one"},
		}

		id, err := client.Publish(ctx, "agent.reviewer", msg)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, id, msg.ID)
		assert.False(t, msg.Timestamp.IsZero())
	})

	t.Run("rejects schema-invalid message", func(t *testing.T) {
		msg := &Message{Type: TypeDirect, Sender: "professor"} // no recipient

		_, err := client.Publish(ctx, "agent.reviewer", msg)
		require.Error(t, err)
		assert.True(t, IsSchemaInvalid(err))
	})

	t.Run("rejects empty topic", func(t *testing.T) {
		msg := &Message{Type: TypeBroadcast, Sender: "professor"}

		_, err := client.Publish(ctx, "", msg)
		require.Error(t, err)
		assert.True(t, IsSchemaInvalid(err))
	})

	t.Run("surfaces connectivity failures as topic unavailable", func(t *testing.T) {
		client, mr := setupTestClient(t)
		mr.Close()

		msg := &Message{Type: TypeBroadcast, Sender: "professor"}
		_, err := client.Publish(ctx, TopicBroadcast, msg)
		require.Error(t, err)
		assert.True(t, IsTopicUnavailable(err))
	})

	t.Run("published IDs are unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			msg := &Message{Type: TypeBroadcast, Sender: "professor"}
			id, err := client.Publish(ctx, TopicBroadcast, msg)
			require.NoError(t, err)
			assert.False(t, seen[id], "duplicate message ID %s", id)
			seen[id] = true
		}
	})
}

func TestReadTopic(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("returns messages in append order", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			msg := &Message{
				Type:    TypeBroadcast,
				Sender:  "curator",
				Payload: map[string]any{"seq": float64(i)},
			}
			_, err := client.Publish(ctx, "curator.updates", msg)
			require.NoError(t, err)
		}

		messages, lastID, err := client.ReadTopic(ctx, "curator.updates", "-", 10)
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.NotEmpty(t, lastID)

		for i, msg := range messages {
			assert.Equal(t, float64(i), msg.Payload["seq"])
		}
	})

	t.Run("resumes after last ID", func(t *testing.T) {
		messages, lastID, err := client.ReadTopic(ctx, "curator.updates", "-", 2)
		require.NoError(t, err)
		require.Len(t, messages, 2)

		rest, _, err := client.ReadTopic(ctx, "curator.updates", NextID(lastID), 10)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, float64(2), rest[0].Payload["seq"])
	})

	t.Run("empty topic yields no messages", func(t *testing.T) {
		messages, lastID, err := client.ReadTopic(ctx, "never.published", "-", 10)
		require.NoError(t, err)
		assert.Empty(t, messages)
		assert.Empty(t, lastID)
	})
}

func TestListDeadLetters(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()

	t.Run("empty dead-letter stream", func(t *testing.T) {
		letters, err := client.ListDeadLetters(ctx, "agent.reviewer")
		require.NoError(t, err)
		assert.Empty(t, letters)
	})
}
