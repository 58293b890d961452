package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ConsumerOptions configures a consumer-group subscription. Zero values are
// replaced by the defaults documented per field.
type ConsumerOptions struct {
	// Consumer is this group member's name. Default: "consumer-" + short UUID.
	Consumer string

	// MaxAttempts caps handler invocations per message before dead-lettering.
	// Default: 5.
	MaxAttempts int

	// RetryBase is the first redelivery delay; it doubles per attempt.
	// Default: 500ms.
	RetryBase time.Duration

	// RetryCeiling caps the redelivery delay. Default: 30s.
	RetryCeiling time.Duration

	// HandlerTimeout bounds a single handler invocation. A timed-out handler
	// counts as a failed attempt. Default: 30s.
	HandlerTimeout time.Duration

	// BatchSize is the XREADGROUP count per poll. Default: 10.
	BatchSize int64

	// BlockTime is how long each XREADGROUP poll blocks. Default: 500ms.
	BlockTime time.Duration

	// ClaimMinIdle is how long another member's pending message must sit idle
	// before this member claims it. Default: 1m.
	ClaimMinIdle time.Duration

	// ClaimInterval is how often the takeover loop scans for abandoned
	// pending messages. Zero disables takeover. Default: 15s.
	ClaimInterval time.Duration
}

func (o *ConsumerOptions) applyDefaults() {
	if o.Consumer == "" {
		o.Consumer = "consumer-" + uuid.New().String()[:8]
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.RetryBase == 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryCeiling == 0 {
		o.RetryCeiling = 30 * time.Second
	}
	if o.HandlerTimeout == 0 {
		o.HandlerTimeout = 30 * time.Second
	}
	if o.BatchSize == 0 {
		o.BatchSize = 10
	}
	if o.BlockTime == 0 {
		o.BlockTime = 500 * time.Millisecond
	}
	if o.ClaimMinIdle == 0 {
		o.ClaimMinIdle = time.Minute
	}
}

// Subscription is an active consumer-group membership on one topic.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	client  *Client
	topic   string
	group   string
	opts    ConsumerOptions
	handler Handler

	topicKey  string
	errorsKey string

	errs      chan error
	cancel    func()
	wg        sync.WaitGroup
	once      sync.Once
	draining  chan struct{}
	drainOnce sync.Once
}

// Errors returns the channel of non-fatal subscription errors (decode
// failures, transient read errors). The subscription continues after errors.
func (s *Subscription) Errors() <-chan error {
	return s.errs
}

// Close cancels the subscription immediately: in-flight handler contexts are
// cancelled and processing stops. Safe to call multiple times. Implements
// io.Closer.
//
// Messages that were delivered but not yet acknowledged stay pending in the
// consumer group and become eligible for takeover by another member.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.errs)
	})
	return nil
}

// Drain performs a cooperative shutdown: the subscription stops pulling new
// messages, the in-flight handler (if any) gets up to timeout to complete and
// acknowledge, and then the subscription is closed. A message still
// unacknowledged at that point becomes eligible for redelivery to another
// member.
func (s *Subscription) Drain(timeout time.Duration) error {
	s.drainOnce.Do(func() { close(s.draining) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Printf("[WARN] Drain timeout on topic '%s' group '%s', forcing close", s.topic, s.group)
	}

	return s.Close()
}

// Subscribe registers a handler for a (topic, group) pair and starts consuming.
//
// Each message on the topic is delivered to exactly one live member of the
// group, in append order for that member. A nil handler return acknowledges
// the message; an error triggers redelivery with exponential backoff up to
// MaxAttempts, after which the message moves to the topic's dead-letter
// stream together with the error from every attempt.
//
// The consumer group is created if it does not exist. The subscription runs
// until ctx is cancelled or Close is called.
func (c *Client) Subscribe(ctx context.Context, topic, group string, handler Handler, opts ConsumerOptions) (*Subscription, error) {
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	if group == "" {
		return nil, fmt.Errorf("group cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	opts.applyDefaults()

	topicKey := TopicKey(c.instanceName, topic)

	// Create the consumer group, tolerating concurrent creation.
	err := c.rdb.XGroupCreateMkStream(ctx, topicKey, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, topicError(err)
	}

	subCtx, cancel := context.WithCancel(ctx)

	s := &Subscription{
		client:    c,
		topic:     topic,
		group:     group,
		opts:      opts,
		handler:   handler,
		topicKey:  topicKey,
		errorsKey: RetryErrorsKey(c.instanceName, topic, group),
		errs:      make(chan error, 10),
		cancel:    cancel,
		draining:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.consumeLoop(subCtx)

	if opts.ClaimInterval > 0 {
		s.wg.Add(1)
		go s.claimLoop(subCtx)
	}

	return s, nil
}

// consumeLoop polls the group for new messages and processes them
// sequentially, preserving per-topic delivery order for this member.
func (s *Subscription) consumeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		select {
		case <-s.draining:
			return // stop pulling; in-flight work already returned
		default:
		}

		streams, err := s.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.opts.Consumer,
			Streams:  []string{s.topicKey, ">"},
			Count:    s.opts.BatchSize,
			Block:    s.opts.BlockTime,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue // poll timeout, nothing new
			}
			if ctx.Err() != nil {
				return
			}
			s.reportError(fmt.Errorf("read group %s on %s: %w", s.group, s.topic, err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				s.process(ctx, entry.ID, entry.Values, 1)
			}
		}
	}
}

// process runs the retry ladder for one delivered entry, starting at the
// given attempt number. The entry stays pending in Redis until it is either
// acknowledged (success) or dead-lettered (budget exhausted); a shutdown
// mid-ladder leaves it pending for takeover by another member.
func (s *Subscription) process(ctx context.Context, entryID string, values map[string]interface{}, attempt int) {
	msg, err := ValuesToMessage(values)
	if err != nil {
		// Undecodable entries can never succeed; dead-letter immediately so
		// they are observable rather than silently dropped.
		s.reportError(fmt.Errorf("decode entry %s on %s: %w", entryID, s.topic, err))
		s.deadLetter(ctx, entryID, &Message{ID: entryID}, attempt, []string{fmt.Sprintf("decode failure: %v", err)})
		return
	}

	history := s.loadErrorHistory(ctx, entryID)

	for {
		hctx, cancel := context.WithTimeout(ctx, s.opts.HandlerTimeout)
		err := s.handler(hctx, msg)
		cancel()

		if err == nil {
			s.ack(ctx, entryID)
			return
		}

		history = append(history, fmt.Sprintf("attempt %d: %v", attempt, err))
		s.saveErrorHistory(ctx, entryID, history)

		if attempt >= s.opts.MaxAttempts {
			log.Printf("[WARN] Message %s on topic '%s' exhausted %d attempts, dead-lettering", msg.ID, s.topic, attempt)
			s.deadLetter(ctx, entryID, msg, attempt, history)
			return
		}

		delay := backoffDelay(attempt, s.opts.RetryBase, s.opts.RetryCeiling)
		attempt++

		select {
		case <-ctx.Done():
			return // leave pending; another member will claim it
		case <-s.draining:
			return // shutting down mid-ladder; leave pending for takeover
		case <-time.After(delay):
		}
	}
}

// claimLoop periodically scans the group's pending entries and claims
// messages abandoned by other members (crashed or force-terminated before
// acknowledging), continuing their retry ladder from the recorded delivery
// count. Offset bookkeeping stays serialized per (topic, group) by Redis
// itself; XCLAIM is the only cross-member hand-off.
func (s *Subscription) claimLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := s.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.topicKey,
			Group:  s.group,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.reportError(fmt.Errorf("pending scan on %s: %w", s.topic, err))
			continue
		}

		for _, p := range pending {
			if p.Consumer == s.opts.Consumer {
				continue // our own pending entries are in-flight in consumeLoop
			}
			if p.Idle < s.opts.ClaimMinIdle {
				continue
			}

			claimed, err := s.client.rdb.XClaim(ctx, &redis.XClaimArgs{
				Stream:   s.topicKey,
				Group:    s.group,
				Consumer: s.opts.Consumer,
				MinIdle:  s.opts.ClaimMinIdle,
				Messages: []string{p.ID},
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.reportError(fmt.Errorf("claim %s on %s: %w", p.ID, s.topic, err))
				continue
			}

			for _, entry := range claimed {
				// The claim itself is a new delivery.
				attempt := int(p.RetryCount) + 1
				if attempt > s.opts.MaxAttempts {
					msg, derr := ValuesToMessage(entry.Values)
					if derr != nil {
						msg = &Message{ID: entry.ID}
					}
					history := s.loadErrorHistory(ctx, entry.ID)
					history = append(history, fmt.Sprintf("attempt budget exhausted after consumer loss (%d deliveries)", p.RetryCount))
					s.deadLetter(ctx, entry.ID, msg, int(p.RetryCount), history)
					continue
				}
				log.Printf("[INFO] Claimed message %s on topic '%s' from lost consumer '%s' (delivery %d)", entry.ID, s.topic, p.Consumer, attempt)
				s.process(ctx, entry.ID, entry.Values, attempt)
			}
		}
	}
}

// ack marks the entry consumed for this group and clears its error history.
func (s *Subscription) ack(ctx context.Context, entryID string) {
	if err := s.client.rdb.XAck(ctx, s.topicKey, s.group, entryID).Err(); err != nil && ctx.Err() == nil {
		s.reportError(fmt.Errorf("ack %s on %s: %w", entryID, s.topic, err))
		return
	}
	s.client.rdb.HDel(ctx, s.errorsKey, entryID)
}

// deadLetter moves an exhausted entry onto the topic's dead-letter stream and
// acknowledges the original so it is never redelivered automatically.
func (s *Subscription) deadLetter(ctx context.Context, entryID string, msg *Message, attempts int, errHistory []string) {
	letter := &DeadLetter{
		Message:    msg,
		Topic:      s.topic,
		Group:      s.group,
		Attempts:   attempts,
		Errors:     errHistory,
		FailedAtMs: time.Now().UnixMilli(),
	}

	values, err := DeadLetterToValues(letter)
	if err != nil {
		s.reportError(fmt.Errorf("encode dead letter for %s: %w", entryID, err))
		return
	}

	dlqKey := DeadLetterKey(s.client.instanceName, s.topic)
	if err := s.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey,
		Values: values,
	}).Err(); err != nil {
		// Leave the entry pending rather than lose it; a later claim retries
		// the dead-letter move.
		s.reportError(fmt.Errorf("dead-letter %s on %s: %w", entryID, s.topic, err))
		return
	}

	s.ack(ctx, entryID)
}

// loadErrorHistory fetches the recorded attempt errors for an entry, so a
// takeover continues the record the lost consumer started.
func (s *Subscription) loadErrorHistory(ctx context.Context, entryID string) []string {
	raw, err := s.client.rdb.HGet(ctx, s.errorsKey, entryID).Result()
	if err != nil || raw == "" {
		return nil
	}

	var history []string
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil
	}
	return history
}

// saveErrorHistory persists the attempt errors for an entry. Only the
// consumer that currently owns the pending entry writes this field, so there
// is no concurrent-writer hazard.
func (s *Subscription) saveErrorHistory(ctx context.Context, entryID string, history []string) {
	raw, err := json.Marshal(history)
	if err != nil {
		return
	}
	s.client.rdb.HSet(ctx, s.errorsKey, entryID, string(raw))
}

func (s *Subscription) reportError(err error) {
	select {
	case s.errs <- err:
	default: // never block the consume loop on a slow errors reader
	}
}

// backoffDelay computes the redelivery delay for a failed attempt:
// base doubling per attempt, capped at ceiling.
func backoffDelay(attempt int, base, ceiling time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}
