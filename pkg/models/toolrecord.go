package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolCallState is the lifecycle state of a model-requested tool invocation.
type ToolCallState string

const (
	// ToolCallPending means the call was extracted from the model response
	// but has not been gated or executed yet.
	ToolCallPending ToolCallState = "PENDING"

	// ToolCallApprovalRequired means the permission policy asked for an
	// explicit decision before execution.
	ToolCallApprovalRequired ToolCallState = "APPROVAL_REQUIRED"

	// ToolCallApproved means a decision allowed the call to proceed.
	ToolCallApproved ToolCallState = "APPROVED"

	// ToolCallDenied means a decision or policy rejected the call.
	ToolCallDenied ToolCallState = "DENIED"

	// ToolCallExecuting means the tool is running.
	ToolCallExecuting ToolCallState = "EXECUTING"

	// ToolCallCompleted means the tool finished successfully.
	ToolCallCompleted ToolCallState = "COMPLETED"

	// ToolCallFailed means the tool finished with an error.
	ToolCallFailed ToolCallState = "FAILED"

	// ToolCallSealed means crash recovery converted an in-flight call into
	// a terminal record with a synthetic failed result.
	ToolCallSealed ToolCallState = "SEALED"
)

// Terminal reports whether the state admits no further transitions.
func (s ToolCallState) Terminal() bool {
	switch s {
	case ToolCallCompleted, ToolCallFailed, ToolCallDenied, ToolCallSealed:
		return true
	default:
		return false
	}
}

// allowedTransitions encodes the directed state graph. SEALED is reachable
// from any pre-terminal state, but only via crash recovery (Seal).
var allowedTransitions = map[ToolCallState][]ToolCallState{
	ToolCallPending:          {ToolCallApprovalRequired, ToolCallApproved, ToolCallDenied, ToolCallExecuting},
	ToolCallApprovalRequired: {ToolCallApproved, ToolCallDenied},
	ToolCallApproved:         {ToolCallExecuting},
	ToolCallExecuting:        {ToolCallCompleted, ToolCallFailed},
}

// ToolErrorType categorizes tool failures for retry guidance.
type ToolErrorType string

const (
	// ToolErrorValidation means the input failed schema validation. Not retryable.
	ToolErrorValidation ToolErrorType = "validation"

	// ToolErrorRuntime means the tool raised an expected error such as
	// file-not-found. Retryable with corrected input.
	ToolErrorRuntime ToolErrorType = "runtime"

	// ToolErrorLogical means the tool itself reported failure. Retryable.
	ToolErrorLogical ToolErrorType = "logical"

	// ToolErrorAborted means a timeout or external cancel stopped the call.
	// Not retryable.
	ToolErrorAborted ToolErrorType = "aborted"

	// ToolErrorException means the tool failed unexpectedly. Retryable.
	ToolErrorException ToolErrorType = "exception"
)

// Retryable reports whether the model should be advised to retry.
func (t ToolErrorType) Retryable() bool {
	switch t {
	case ToolErrorRuntime, ToolErrorLogical, ToolErrorException:
		return true
	default:
		return false
	}
}

// ToolOutcome is the structured payload a tool execution produces. Failed
// outcomes carry the taxonomy fields the model sees on its next turn.
type ToolOutcome struct {
	OK              bool          `json:"ok"`
	Content         string        `json:"content,omitempty"`
	Error           string        `json:"error,omitempty"`
	ErrorType       ToolErrorType `json:"error_type,omitempty"`
	Retryable       bool          `json:"retryable,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// Approval records the approval sub-state of a tool call.
type Approval struct {
	Required    bool      `json:"required"`
	Decision    string    `json:"decision,omitempty"` // "allow" or "deny"
	DecidedBy   string    `json:"decided_by,omitempty"`
	Note        string    `json:"note,omitempty"`
	RequestedAt time.Time `json:"requested_at,omitempty"`
	DecidedAt   time.Time `json:"decided_at,omitempty"`
}

// AuditEntry is one append-only record of a state transition.
type AuditEntry struct {
	State ToolCallState `json:"state"`
	Time  time.Time     `json:"time"`
	Note  string        `json:"note,omitempty"`
}

// ToolCallRecord tracks one model-requested tool invocation from extraction
// through its terminal state, including the approval sub-record and an
// append-only audit trail of every transition.
type ToolCallRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	State     ToolCallState   `json:"state"`
	Approval  Approval        `json:"approval"`
	Result    *ToolOutcome    `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at,omitempty"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`
	Audit     []AuditEntry    `json:"audit,omitempty"`
}

// NewToolCallRecord creates a PENDING record with its first audit entry.
func NewToolCallRecord(id, name string, input json.RawMessage) *ToolCallRecord {
	r := &ToolCallRecord{
		ID:    id,
		Name:  name,
		Input: input,
		State: ToolCallPending,
	}
	r.Audit = append(r.Audit, AuditEntry{State: ToolCallPending, Time: time.Now()})
	return r
}

// Transition advances the record along the allowed state graph, appending an
// audit entry. Illegal transitions return an error and leave the record
// untouched.
func (r *ToolCallRecord) Transition(to ToolCallState, note string) error {
	if r.State == to {
		return nil
	}
	allowed := false
	for _, next := range allowedTransitions[r.State] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("tool call %s: illegal transition %s -> %s", r.ID, r.State, to)
	}
	r.State = to
	r.Audit = append(r.Audit, AuditEntry{State: to, Time: time.Now(), Note: note})
	return nil
}

// Seal force-terminates a pre-terminal record during crash recovery. The note
// explains what was lost.
func (r *ToolCallRecord) Seal(note string) error {
	if r.State.Terminal() {
		return fmt.Errorf("tool call %s: cannot seal terminal state %s", r.ID, r.State)
	}
	r.State = ToolCallSealed
	r.Error = note
	r.EndedAt = time.Now()
	r.Audit = append(r.Audit, AuditEntry{State: ToolCallSealed, Time: r.EndedAt, Note: note})
	return nil
}
