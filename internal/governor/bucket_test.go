package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucket(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("starts full and drains to empty", func(t *testing.T) {
		b := NewTokenBucket(2, 1, clock)
		assert.True(t, b.Take())
		assert.True(t, b.Take())
		assert.False(t, b.Take())
	})

	t.Run("refills with elapsed time up to capacity", func(t *testing.T) {
		b := NewTokenBucket(2, 1, clock)
		b.Take()
		b.Take()

		now = now.Add(time.Second)
		assert.True(t, b.Take(), "one second at 1 token/s refills one token")
		assert.False(t, b.Take())

		now = now.Add(time.Hour)
		assert.True(t, b.Take())
		assert.True(t, b.Take())
		assert.False(t, b.Take(), "refill is capped at capacity")
	})

	t.Run("retry after reports time to next token", func(t *testing.T) {
		b := NewTokenBucket(1, 2, clock)
		assert.Equal(t, time.Duration(0), b.RetryAfter())

		b.Take()
		assert.Equal(t, 500*time.Millisecond, b.RetryAfter(), "2 tokens/s means half a second per token")
	})

	t.Run("zero refill never recovers", func(t *testing.T) {
		b := NewTokenBucket(1, 0, clock)
		b.Take()
		now = now.Add(time.Hour)
		assert.False(t, b.Take())
		assert.Negative(t, int64(b.RetryAfter()))
	})
}
