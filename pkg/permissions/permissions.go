// Package permissions decides per tool call whether execution is allowed,
// denied, or requires an explicit approval, and holds the pending approvals
// until someone decides.
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
)

// Decision is the outcome of a policy evaluation or an approval.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// Mode selects the baseline rule applied after the explicit lists.
type Mode string

const (
	// ModeAuto approves silently.
	ModeAuto Mode = "auto"

	// ModeApproval requires approval for every tool.
	ModeApproval Mode = "approval"

	// ModeReadonly auto-approves tools flagged read-only and asks otherwise.
	ModeReadonly Mode = "readonly"
)

// ErrNotPending indicates a decision arrived for a call that has no pending
// approval, including a second decision for the same call.
var ErrNotPending = errors.New("permissions: approval not pending")

// CustomRule lets embedders supply a named mode. It sees the tool name and
// its read-only flag and returns allow, deny, or ask.
type CustomRule func(toolName string, readonly bool) Decision

// Policy enumerates the effective permission configuration.
type Policy struct {
	// Mode is auto, approval, readonly, or the name of a custom mode.
	Mode Mode `yaml:"mode" json:"mode"`

	// AllowTools, when non-empty, is a whitelist: any tool not matching is
	// denied outright.
	AllowTools []string `yaml:"allow_tools" json:"allow_tools,omitempty"`

	// DenyTools is an unconditional blacklist.
	DenyTools []string `yaml:"deny_tools" json:"deny_tools,omitempty"`

	// RequireApprovalTools always require approval, regardless of mode.
	RequireApprovalTools []string `yaml:"require_approval_tools" json:"require_approval_tools,omitempty"`
}

// Verdict is a policy evaluation result.
type Verdict struct {
	Decision Decision
	Reason   string
}

// DecisionResult is delivered to the waiter when a pending approval is
// decided.
type DecisionResult struct {
	Decision  Decision
	Note      string
	DecidedBy string
}

// Manager evaluates the policy and tracks pending approvals.
type Manager struct {
	policy Policy
	custom map[Mode]CustomRule
	bus    *events.Bus

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

type pendingApproval struct {
	callID   string
	toolName string
	input    json.RawMessage
	ch       chan DecisionResult
}

// NewManager creates a manager for one agent's policy, emitting control
// events through the given bus.
func NewManager(policy Policy, bus *events.Bus) *Manager {
	if policy.Mode == "" {
		policy.Mode = ModeAuto
	}
	return &Manager{
		policy:  policy,
		custom:  make(map[Mode]CustomRule),
		bus:     bus,
		pending: make(map[string]*pendingApproval),
	}
}

// RegisterMode installs a custom named mode.
func (m *Manager) RegisterMode(name Mode, rule CustomRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.custom[name] = rule
}

// Evaluate applies the policy to one tool call. Evaluation order is
// denyTools, allowTools, requireApprovalTools, then the mode rule.
func (m *Manager) Evaluate(toolName string, readonly bool) Verdict {
	if matchesPattern(m.policy.DenyTools, toolName) {
		return Verdict{Decision: DecisionDeny, Reason: "tool in deny list"}
	}
	if len(m.policy.AllowTools) > 0 && !matchesPattern(m.policy.AllowTools, toolName) {
		return Verdict{Decision: DecisionDeny, Reason: "tool not in allow list"}
	}
	if matchesPattern(m.policy.RequireApprovalTools, toolName) {
		return Verdict{Decision: DecisionAsk, Reason: "tool requires approval"}
	}

	switch m.policy.Mode {
	case ModeAuto:
		return Verdict{Decision: DecisionAllow, Reason: "auto mode"}
	case ModeApproval:
		return Verdict{Decision: DecisionAsk, Reason: "approval mode"}
	case ModeReadonly:
		if readonly {
			return Verdict{Decision: DecisionAllow, Reason: "read-only tool"}
		}
		return Verdict{Decision: DecisionAsk, Reason: "mutating tool in readonly mode"}
	default:
		m.mu.Lock()
		rule := m.custom[m.policy.Mode]
		m.mu.Unlock()
		if rule != nil {
			return Verdict{Decision: rule(toolName, readonly), Reason: fmt.Sprintf("custom mode %q", m.policy.Mode)}
		}
		return Verdict{Decision: DecisionAsk, Reason: fmt.Sprintf("unknown mode %q", m.policy.Mode)}
	}
}

// RequireApproval records a pending entry for the call, emits
// permission_required on the control channel, and returns the channel the
// decision is delivered on. The caller suspends until a value arrives or its
// context ends.
func (m *Manager) RequireApproval(ctx context.Context, callID, toolName string, input json.RawMessage) (<-chan DecisionResult, error) {
	m.mu.Lock()
	if _, exists := m.pending[callID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("permissions: approval already pending for call %s", callID)
	}
	p := &pendingApproval{
		callID:   callID,
		toolName: toolName,
		input:    input,
		ch:       make(chan DecisionResult, 1),
	}
	m.pending[callID] = p
	m.mu.Unlock()

	_, err := m.bus.Emit(ctx, models.Event{
		Type: models.EventPermissionRequired,
		Permission: &models.PermissionPayload{
			CallID:   callID,
			ToolName: toolName,
			Input:    input,
		},
	})
	if err != nil {
		m.mu.Lock()
		delete(m.pending, callID)
		m.mu.Unlock()
		return nil, err
	}
	return p.ch, nil
}

// Decide resolves a pending approval, unblocking the suspended call and
// broadcasting permission_decided. A second decision for the same call id
// fails with ErrNotPending.
func (m *Manager) Decide(ctx context.Context, callID string, decision Decision, note, decidedBy string) error {
	if decision != DecisionAllow && decision != DecisionDeny {
		return fmt.Errorf("permissions: invalid decision %q", decision)
	}

	m.mu.Lock()
	p, ok := m.pending[callID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPending, callID)
	}
	delete(m.pending, callID)
	m.mu.Unlock()

	p.ch <- DecisionResult{Decision: decision, Note: note, DecidedBy: decidedBy}
	close(p.ch)

	_, err := m.bus.Emit(ctx, models.Event{
		Type: models.EventPermissionDecided,
		Permission: &models.PermissionPayload{
			CallID:   p.callID,
			ToolName: p.toolName,
			Decision: string(decision),
			Note:     note,
		},
	})
	return err
}

// Pending returns the ids of calls currently awaiting a decision.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// Drop discards a pending approval without a decision, e.g. on interrupt.
// The waiter's channel is closed without a value.
func (m *Manager) Drop(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[callID]; ok {
		delete(m.pending, callID)
		close(p.ch)
	}
}

// Responder wraps Decide into a one-shot closure for a single call, for
// embedders that want the respond-function convenience. The second
// invocation returns ErrNotPending via Decide.
func (m *Manager) Responder(callID string) func(context.Context, Decision, string) error {
	return func(ctx context.Context, decision Decision, note string) error {
		return m.Decide(ctx, callID, decision, note, "responder")
	}
}

// matchesPattern checks toolName against the list. Supports exact match,
// "prefix*", "*suffix", and bare "*".
func matchesPattern(patterns []string, toolName string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if pattern == "*" || pattern == toolName {
			return true
		}
		if strings.HasSuffix(pattern, "*") && strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*")) {
			return true
		}
		if strings.HasPrefix(pattern, "*") && strings.HasSuffix(toolName, strings.TrimPrefix(pattern, "*")) {
			return true
		}
	}
	return false
}

// WaitTimeout is a convenience for tests: waits for a decision with a bound.
func WaitTimeout(ch <-chan DecisionResult, d time.Duration) (DecisionResult, bool) {
	select {
	case res, ok := <-ch:
		return res, ok
	case <-time.After(d):
		return DecisionResult{}, false
	}
}
