// Package validator implements the grounding reviewer: a bus consumer that
// scores draft paragraphs against their cited source material and publishes
// approve/regenerate verdicts back to the submitting agent.
//
// The validator is an ordinary agent. It holds no authority over writers; the
// feedback loop is entirely message-mediated, and a paragraph that keeps
// failing is escalated to a human rather than looping forever.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/dyluth/rookery/internal/agent"
	"github.com/dyluth/rookery/pkg/bus"
)

// DefaultID is the agent identity the validator runs under. Drafts are
// submitted to its inbox topic.
const DefaultID = "grounding-validator"

// Intents the validator consumes and emits.
const (
	IntentDraftSubmitted = "draft-submitted"
	IntentApproved       = "grounding-approved"
	IntentRegenerate     = "grounding-regenerate"
	IntentEscalated      = "grounding-escalated"
)

// critiqueUnresolved is the fixed critique for drafts whose citations cannot
// be resolved to source text.
const critiqueUnresolved = "uncited or unresolved source"

// ErrSourceNotFound is returned by a SourceResolver when a cited vector id
// does not exist. It yields an immediate regenerate verdict; any other
// resolver error is treated as transient and the message is redelivered.
var ErrSourceNotFound = errors.New("source not found")

// SourceResolver resolves a cited vector id to its source text. The vector
// store itself is outside the validator's scope.
type SourceResolver interface {
	Resolve(ctx context.Context, vectorID string) (string, error)
}

// Options configures a validator.
type Options struct {
	// ID is the agent identity. Default: DefaultID.
	ID string

	// Threshold is the minimum faith score for approval. Default: 0.75.
	Threshold float64

	// MaxRegenerations bounds consecutive regenerate verdicts per paragraph
	// before escalation. Default: 3.
	MaxRegenerations int

	// Agent overrides the underlying agent runtime options.
	Agent agent.Options
}

func (o *Options) applyDefaults() {
	if o.ID == "" {
		o.ID = DefaultID
	}
	if o.Threshold == 0 {
		o.Threshold = 0.75
	}
	if o.MaxRegenerations == 0 {
		o.MaxRegenerations = 3
	}
}

// Validator consumes draft-submitted messages and drives each paragraph's
// grounding task to a verdict.
type Validator struct {
	agent    *agent.Agent
	client   *bus.Client
	resolver SourceResolver
	scorer   Scorer
	opts     Options

	mu    sync.Mutex
	tasks map[string]*Task
}

// New creates a validator over the given bus client. Pass a nil scorer to use
// the built-in TokenScorer.
func New(client *bus.Client, resolver SourceResolver, scorer Scorer, opts Options) (*Validator, error) {
	if resolver == nil {
		return nil, fmt.Errorf("source resolver cannot be nil")
	}
	if scorer == nil {
		scorer = TokenScorer{}
	}
	opts.applyDefaults()

	v := &Validator{
		client:   client,
		resolver: resolver,
		scorer:   scorer,
		opts:     opts,
		tasks:    make(map[string]*Task),
	}

	a, err := agent.New(opts.ID, opts.ID, []string{"grounding"}, client, opts.Agent)
	if err != nil {
		return nil, fmt.Errorf("failed to create validator agent: %w", err)
	}
	if err := a.RegisterHandler(IntentDraftSubmitted, v.handleDraft); err != nil {
		return nil, err
	}
	v.agent = a
	return v, nil
}

// Run executes the validator's agent lifecycle until the context is cancelled.
func (v *Validator) Run(ctx context.Context) error { return v.agent.Run(ctx) }

// Stop requests a cooperative shutdown.
func (v *Validator) Stop() { v.agent.Stop() }

// TaskFor returns a copy of the live task for the paragraph, if any. Archived
// (terminal) tasks return false.
func (v *Validator) TaskFor(draftID, paragraphID string) (Task, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	task, ok := v.tasks[TaskKey(draftID, paragraphID)]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// handleDraft runs one grounding evaluation:
// PENDING -> RETRIEVING -> SCORING -> {APPROVED | REGENERATE_REQUESTED},
// or ESCALATED once the regeneration budget is spent.
func (v *Validator) handleDraft(ctx context.Context, msg *bus.Message) error {
	draftID, _ := msg.Payload["draft_id"].(string)
	paragraphID, _ := msg.Payload["paragraph_id"].(string)
	candidate, _ := msg.Payload["candidate_text"].(string)
	if draftID == "" || paragraphID == "" {
		// Redelivery cannot repair a draft with no identity.
		log.Printf("[WARN] Validator dropping malformed draft submission %s", msg.ID)
		return nil
	}

	var cited []string
	if raw, ok := msg.Payload["cited_vector_ids"].([]any); ok {
		for _, id := range raw {
			if s, ok := id.(string); ok {
				cited = append(cited, s)
			}
		}
	}

	task := v.taskFor(draftID, paragraphID, cited)

	// RETRIEVING: resolve every citation before any scoring.
	v.setState(task, TaskRetrieving)
	if len(cited) == 0 {
		return v.verdict(ctx, msg, task, nil, critiqueUnresolved)
	}

	sources := make(map[string]string, len(cited))
	for _, id := range cited {
		text, err := v.resolver.Resolve(ctx, id)
		if errors.Is(err, ErrSourceNotFound) {
			log.Printf("[INFO] Validator: draft %s cites unresolvable source '%s'", task.Key(), id)
			return v.verdict(ctx, msg, task, nil, critiqueUnresolved)
		}
		if err != nil {
			// Transient retrieval failure: let the bus redeliver.
			return fmt.Errorf("failed to resolve source %s: %w", id, err)
		}
		sources[id] = text
	}

	// SCORING: faith per source is the product of the lexical and semantic
	// components. The paragraph is judged on its best-supported source; the
	// worst-supported excerpt becomes the critique.
	v.setState(task, TaskScoring)
	faith := 0.0
	lowest := 1.1
	lowestExcerpt := ""
	for _, id := range cited {
		score := v.scorer.LexicalOverlap(candidate, sources[id]) * v.scorer.SemanticSimilarity(candidate, sources[id])
		if score > faith {
			faith = score
		}
		if score < lowest {
			lowest = score
			lowestExcerpt = sources[id]
		}
	}

	if faith >= v.opts.Threshold {
		return v.verdict(ctx, msg, task, &faith, "")
	}
	return v.verdict(ctx, msg, task, &faith, lowestExcerpt)
}

// taskFor returns the live task for the paragraph, creating it on first
// submission. The task persists across regenerate cycles so attempts
// accumulate.
func (v *Validator) taskFor(draftID, paragraphID string, cited []string) *Task {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := TaskKey(draftID, paragraphID)
	task, ok := v.tasks[key]
	if !ok {
		task = &Task{
			DraftID:     draftID,
			ParagraphID: paragraphID,
			State:       TaskPending,
		}
		v.tasks[key] = task
	}
	task.CitedVectors = cited
	return task
}

func (v *Validator) setState(task *Task, state TaskState) {
	v.mu.Lock()
	task.State = state
	v.mu.Unlock()
}

// verdict settles one evaluation. faith is nil when no score could be
// computed (unresolved citations); critique is empty on approval.
//
// The attempt fold is deduplicated on the message ID: a verdict whose publish
// fails is redelivered, and counting the same submission twice would burn the
// regeneration budget without any verdict reaching the writer. The task is
// archived only after the verdict is on the bus for the same reason.
func (v *Validator) verdict(ctx context.Context, msg *bus.Message, task *Task, faith *float64, critique string) error {
	v.mu.Lock()
	redelivered := msg.ID != "" && task.VerdictMsgID == msg.ID
	task.FaithScore = faith
	task.VerdictMsgID = msg.ID

	var intent string
	payload := map[string]any{
		"draft_id":     task.DraftID,
		"paragraph_id": task.ParagraphID,
	}
	if faith != nil {
		payload["faith_score"] = *faith
	}

	switch {
	case faith != nil && *faith >= v.opts.Threshold:
		task.State = TaskApproved
		intent = IntentApproved

	case task.AttemptCount >= v.opts.MaxRegenerations:
		// Regeneration budget spent: escalate instead of looping.
		task.State = TaskEscalated
		intent = IntentEscalated
		payload["attempt_count"] = task.AttemptCount

	default:
		if !redelivered {
			task.AttemptCount++
		}
		task.State = TaskRegenerateRequested
		intent = IntentRegenerate
		payload["critique"] = critique
		payload["attempt_count"] = task.AttemptCount
	}

	state := task.State
	attempts := task.AttemptCount
	key := task.Key()
	v.mu.Unlock()

	log.Printf("[INFO] Validator verdict for %s: %s (attempts=%d)", key, state, attempts)

	_, err := v.client.Publish(ctx, bus.InboxTopic(msg.Sender), &bus.Message{
		Type:          bus.TypeFeedback,
		Sender:        v.opts.ID,
		Recipient:     msg.Sender,
		Payload:       payload,
		CorrelationID: msg.ID,
		Metadata:      map[string]any{bus.MetaKeyIntent: intent},
	})
	if err != nil {
		return fmt.Errorf("failed to publish verdict: %w", err)
	}

	if state == TaskEscalated {
		// The escalation stream is the auditor's view; the inbox copy alone
		// would be invisible to anyone but the submitting agent.
		_, err := v.client.Publish(ctx, bus.TopicGroundingEscalations, &bus.Message{
			Type:          bus.TypeBroadcast,
			Sender:        v.opts.ID,
			Payload:       payload,
			CorrelationID: msg.ID,
			Metadata:      map[string]any{bus.MetaKeyIntent: IntentEscalated},
		})
		if err != nil {
			return fmt.Errorf("failed to publish escalation: %w", err)
		}
	}

	if state.Terminal() {
		// Archive: a resubmission after approval starts a fresh task.
		v.mu.Lock()
		delete(v.tasks, key)
		v.mu.Unlock()
	}
	return nil
}
