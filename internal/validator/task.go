package validator

import "fmt"

// TaskState is the grounding state machine position of one validation unit.
type TaskState string

const (
	// TaskPending means the draft has been received but not yet picked up.
	TaskPending TaskState = "PENDING"

	// TaskRetrieving means cited sources are being resolved.
	TaskRetrieving TaskState = "RETRIEVING"

	// TaskScoring means source text is in hand and faithfulness is being
	// computed.
	TaskScoring TaskState = "SCORING"

	// TaskApproved is a terminal pass verdict.
	TaskApproved TaskState = "APPROVED"

	// TaskRegenerateRequested sends the draft back for another attempt.
	TaskRegenerateRequested TaskState = "REGENERATE_REQUESTED"

	// TaskEscalated is the terminal give-up state after the regeneration
	// budget is spent. Requires human intervention; never auto-retried.
	TaskEscalated TaskState = "ESCALATED"
)

// Task is one validation unit, keyed by (draft, paragraph). The task survives
// regenerate cycles so the attempt count accumulates across resubmissions;
// terminal states archive it.
type Task struct {
	DraftID      string
	ParagraphID  string
	CitedVectors []string
	State        TaskState
	FaithScore   *float64
	AttemptCount int

	// VerdictMsgID is the bus message ID of the submission that produced the
	// last verdict. Redelivery of the same message republishes the verdict
	// without counting another attempt.
	VerdictMsgID string
}

// Key identifies the task across resubmissions of the same paragraph.
func (t *Task) Key() string { return TaskKey(t.DraftID, t.ParagraphID) }

// TaskKey builds the task identity for a draft paragraph.
func TaskKey(draftID, paragraphID string) string {
	return fmt.Sprintf("%s/%s", draftID, paragraphID)
}

// Terminal reports whether the task has reached an end state.
func (s TaskState) Terminal() bool {
	return s == TaskApproved || s == TaskEscalated
}
