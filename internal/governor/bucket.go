package governor

import (
	"math"
	"time"
)

// TokenBucket is a classic token bucket with lazy refill: tokens accrue as a
// function of elapsed time, computed on access rather than by a ticker.
// Not safe for concurrent use; the governor serializes access per bucket.
type TokenBucket struct {
	capacity float64
	refill   float64 // tokens per second
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket creates a full bucket. refillPerSec may be zero, in which
// case spent tokens never return.
func NewTokenBucket(capacity, refillPerSec float64, now func() time.Time) *TokenBucket {
	if now == nil {
		now = time.Now
	}
	return &TokenBucket{
		capacity: capacity,
		refill:   refillPerSec,
		tokens:   capacity,
		last:     now(),
		now:      now,
	}
}

// advance accrues tokens for the time elapsed since the last access.
func (b *TokenBucket) advance() {
	t := b.now()
	elapsed := t.Sub(b.last).Seconds()
	b.last = t
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refill)
}

// Take consumes one token, reporting whether one was available.
func (b *TokenBucket) Take() bool {
	b.advance()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAfter returns how long until one token will be available. Zero means a
// Take would succeed now; a negative duration means the bucket can never
// refill (zero refill rate).
func (b *TokenBucket) RetryAfter() time.Duration {
	b.advance()
	if b.tokens >= 1 {
		return 0
	}
	if b.refill <= 0 {
		return -1
	}
	return time.Duration((1 - b.tokens) / b.refill * float64(time.Second))
}
