package validator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/pkg/bus"
)

const sourceText = "The harbour wall was built in 1843 from local granite."

// mapResolver serves sources from memory; unknown ids are not found.
type mapResolver map[string]string

func (m mapResolver) Resolve(ctx context.Context, vectorID string) (string, error) {
	text, ok := m[vectorID]
	if !ok {
		return "", ErrSourceNotFound
	}
	return text, nil
}

func fastAgentOptions() agent.Options {
	return agent.Options{
		HeartbeatInterval: time.Second,
		DrainTimeout:      2 * time.Second,
		InitBackoff:       10 * time.Millisecond,
		Consumer: bus.ConsumerOptions{
			RetryBase:    time.Millisecond,
			RetryCeiling: 5 * time.Millisecond,
			BlockTime:    20 * time.Millisecond,
		},
	}
}

// setupTestValidator starts a validator over miniredis and waits for it to
// come online.
func setupTestValidator(t *testing.T, resolver SourceResolver, scorer Scorer, opts Options) (*Validator, *bus.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := bus.NewClient(&redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	if opts.Agent.HeartbeatInterval == 0 {
		opts.Agent = fastAgentOptions()
	}
	v, err := New(client, resolver, scorer, opts)
	require.NoError(t, err)

	runDone := make(chan error, 1)
	go func() { runDone <- v.Run(context.Background()) }()
	t.Cleanup(func() {
		v.Stop()
		require.NoError(t, <-runDone)
	})

	require.Eventually(t, func() bool {
		started, _, err := client.ReadTopic(context.Background(), bus.TopicAgentStarted, "-", 10)
		return err == nil && len(started) == 1
	}, 5*time.Second, 10*time.Millisecond, "validator never came online")

	return v, client
}

// submitDraft publishes a draft-submitted message from "writer" and returns
// the verdict correlated to it.
func submitDraft(t *testing.T, client *bus.Client, v *Validator, draftID, paragraphID, text string, cited []string) *bus.Message {
	t.Helper()
	ctx := context.Background()

	citedAny := make([]any, len(cited))
	for i, id := range cited {
		citedAny[i] = id
	}

	id, err := client.Publish(ctx, bus.InboxTopic(v.opts.ID), &bus.Message{
		Type:      bus.TypeDirect,
		Sender:    "writer",
		Recipient: v.opts.ID,
		Payload: map[string]any{
			"draft_id":         draftID,
			"paragraph_id":     paragraphID,
			"candidate_text":   text,
			"cited_vector_ids": citedAny,
		},
		Metadata: map[string]any{bus.MetaKeyIntent: IntentDraftSubmitted},
	})
	require.NoError(t, err)

	var verdict *bus.Message
	require.Eventually(t, func() bool {
		msgs, _, err := client.ReadTopic(ctx, bus.InboxTopic("writer"), "-", 100)
		if err != nil {
			return false
		}
		for _, msg := range msgs {
			if msg.CorrelationID == id {
				verdict = msg
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no verdict arrived for draft %s/%s", draftID, paragraphID)

	return verdict
}

func TestIdenticalTextIsApproved(t *testing.T) {
	v, client := setupTestValidator(t, mapResolver{"vec-1": sourceText}, nil, Options{})

	verdict := submitDraft(t, client, v, "draft-1", "p1", sourceText, []string{"vec-1"})

	assert.Equal(t, IntentApproved, verdict.Intent())
	assert.Equal(t, bus.TypeFeedback, verdict.Type)
	assert.InDelta(t, 1.0, verdict.Payload["faith_score"].(float64), 1e-9)

	// Terminal tasks are archived.
	_, ok := v.TaskFor("draft-1", "p1")
	assert.False(t, ok)
}

func TestUngroundedTextIsSentBackForRegeneration(t *testing.T) {
	v, client := setupTestValidator(t, mapResolver{"vec-1": sourceText}, nil, Options{})

	verdict := submitDraft(t, client, v, "draft-1", "p1",
		"Migratory birds navigate using magnetic fields.", []string{"vec-1"})

	assert.Equal(t, IntentRegenerate, verdict.Intent())
	assert.Equal(t, 0.0, verdict.Payload["faith_score"].(float64))
	assert.Equal(t, sourceText, verdict.Payload["critique"], "critique carries the worst-supported excerpt")
	assert.Equal(t, float64(1), verdict.Payload["attempt_count"])

	task, ok := v.TaskFor("draft-1", "p1")
	require.True(t, ok, "a regenerating task stays live")
	assert.Equal(t, TaskRegenerateRequested, task.State)
	assert.Equal(t, 1, task.AttemptCount)
}

func TestMissingCitationYieldsImmediateRegenerate(t *testing.T) {
	v, client := setupTestValidator(t, mapResolver{"vec-1": sourceText}, nil, Options{})

	t.Run("unresolvable vector id", func(t *testing.T) {
		verdict := submitDraft(t, client, v, "draft-1", "p1", sourceText, []string{"vec-missing"})
		assert.Equal(t, IntentRegenerate, verdict.Intent())
		assert.Equal(t, "uncited or unresolved source", verdict.Payload["critique"])
		assert.NotContains(t, verdict.Payload, "faith_score", "no score is computed without sources")
	})

	t.Run("no citations at all", func(t *testing.T) {
		verdict := submitDraft(t, client, v, "draft-1", "p2", sourceText, nil)
		assert.Equal(t, IntentRegenerate, verdict.Intent())
		assert.Equal(t, "uncited or unresolved source", verdict.Payload["critique"])
	})
}

func TestEscalationAfterRegenerationBudget(t *testing.T) {
	v, client := setupTestValidator(t, mapResolver{"vec-1": sourceText}, nil, Options{})
	ungrounded := "Migratory birds navigate using magnetic fields."

	for attempt := 1; attempt <= 3; attempt++ {
		verdict := submitDraft(t, client, v, "draft-1", "p1", ungrounded, []string{"vec-1"})
		require.Equal(t, IntentRegenerate, verdict.Intent(), "attempt %d", attempt)
		assert.Equal(t, float64(attempt), verdict.Payload["attempt_count"])
	}

	// The fourth failing evaluation escalates instead of regenerating again.
	verdict := submitDraft(t, client, v, "draft-1", "p1", ungrounded, []string{"vec-1"})
	assert.Equal(t, IntentEscalated, verdict.Intent())
	assert.Equal(t, float64(3), verdict.Payload["attempt_count"])

	// Escalations are also visible on the auditor stream.
	escalations, _, err := client.ReadTopic(context.Background(), bus.TopicGroundingEscalations, "-", 10)
	require.NoError(t, err)
	require.Len(t, escalations, 1)
	assert.Equal(t, "draft-1", escalations[0].Payload["draft_id"])

	// Terminal: the task is archived, not retried.
	_, ok := v.TaskFor("draft-1", "p1")
	assert.False(t, ok)
}

func TestRedeliveredDraftDoesNotBurnTheRegenerationBudget(t *testing.T) {
	v, client := setupTestValidator(t, mapResolver{"vec-1": sourceText}, nil, Options{})
	ctx := context.Background()

	submission := bus.Message{
		ID:        uuid.New().String(),
		Type:      bus.TypeDirect,
		Sender:    "writer",
		Recipient: v.opts.ID,
		Payload: map[string]any{
			"draft_id":         "draft-1",
			"paragraph_id":     "p1",
			"candidate_text":   "Migratory birds navigate using magnetic fields.",
			"cited_vector_ids": []any{"vec-1"},
		},
		Metadata: map[string]any{bus.MetaKeyIntent: IntentDraftSubmitted},
	}

	// The same submission delivered twice (at-least-once) must republish the
	// verdict without counting a second attempt: otherwise a paragraph could
	// escalate after fewer than MaxRegenerations delivered verdicts.
	for i := 0; i < 2; i++ {
		dup := submission
		_, err := client.Publish(ctx, bus.InboxTopic(v.opts.ID), &dup)
		require.NoError(t, err)
	}

	var verdicts []*bus.Message
	require.Eventually(t, func() bool {
		msgs, _, err := client.ReadTopic(ctx, bus.InboxTopic("writer"), "-", 100)
		if err != nil {
			return false
		}
		verdicts = verdicts[:0]
		for _, msg := range msgs {
			if msg.CorrelationID == submission.ID {
				verdicts = append(verdicts, msg)
			}
		}
		return len(verdicts) == 2
	}, 5*time.Second, 10*time.Millisecond, "expected a verdict per delivery")

	for _, verdict := range verdicts {
		assert.Equal(t, IntentRegenerate, verdict.Intent())
		assert.Equal(t, float64(1), verdict.Payload["attempt_count"])
	}

	task, ok := v.TaskFor("draft-1", "p1")
	require.True(t, ok)
	assert.Equal(t, 1, task.AttemptCount)
}

func TestApprovalBreaksTheEscalationCount(t *testing.T) {
	v, client := setupTestValidator(t, mapResolver{"vec-1": sourceText}, nil, Options{})

	verdict := submitDraft(t, client, v, "draft-1", "p1",
		"Migratory birds navigate using magnetic fields.", []string{"vec-1"})
	require.Equal(t, IntentRegenerate, verdict.Intent())

	verdict = submitDraft(t, client, v, "draft-1", "p1", sourceText, []string{"vec-1"})
	assert.Equal(t, IntentApproved, verdict.Intent())
}

// zeroSemanticScorer reports perfect lexical overlap but zero semantic
// similarity, probing the combination rule.
type zeroSemanticScorer struct{}

func (zeroSemanticScorer) LexicalOverlap(candidate, source string) float64 { return 1.0 }

func (zeroSemanticScorer) SemanticSimilarity(candidate, source string) float64 { return 0.0 }

func TestFaithScoreIsProductNotAverage(t *testing.T) {
	v, client := setupTestValidator(t, mapResolver{"vec-1": sourceText}, zeroSemanticScorer{}, Options{Threshold: 0.5})

	// An average of (1.0, 0.0) would clear the 0.5 threshold; the product
	// must drive the verdict to zero.
	verdict := submitDraft(t, client, v, "draft-1", "p1", sourceText, []string{"vec-1"})
	assert.Equal(t, IntentRegenerate, verdict.Intent())
	assert.Equal(t, 0.0, verdict.Payload["faith_score"].(float64))
}

// flakyResolver fails a fixed number of times before serving the source.
type flakyResolver struct {
	failures atomic.Int32
	source   string
}

func (f *flakyResolver) Resolve(ctx context.Context, vectorID string) (string, error) {
	if f.failures.Add(-1) >= 0 {
		return "", fmt.Errorf("vector store timeout")
	}
	return f.source, nil
}

func TestTransientResolverFailureIsRedelivered(t *testing.T) {
	resolver := &flakyResolver{source: sourceText}
	resolver.failures.Store(2)

	v, client := setupTestValidator(t, resolver, nil, Options{})

	verdict := submitDraft(t, client, v, "draft-1", "p1", sourceText, []string{"vec-1"})
	assert.Equal(t, IntentApproved, verdict.Intent(), "the draft must survive transient retrieval failures")
}
