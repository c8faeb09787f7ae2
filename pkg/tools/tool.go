// Package tools defines the tool abstraction the dispatcher executes: the
// Tool interface, per-call execution context, and the registry that carries
// the versioned tool manifest.
package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/sandbox"
)

// Attributes describe a tool's execution contract.
type Attributes struct {
	// ReadOnly marks tools with no side effects on the workspace. Read-only
	// tools run concurrently and auto-approve in readonly permission mode.
	ReadOnly bool

	// Idempotent marks tools that are safe to re-run after a crash.
	Idempotent bool

	// Timeout bounds one execution. Zero means the dispatcher default.
	Timeout time.Duration

	// Prompt is extra usage guidance appended to the tool manual.
	Prompt string
}

// TodoAccess is the slice of the todo manager exposed to tools.
type TodoAccess interface {
	List(ctx context.Context) ([]models.TodoItem, error)
	Replace(ctx context.Context, items []models.TodoItem) (added, removed, completed int, err error)
}

// TaskRunner runs a one-shot subagent task and returns its final text.
// The agent pool implements this for the task_run tool.
type TaskRunner interface {
	RunTask(ctx context.Context, template, prompt string) (string, error)
}

// Context is the per-call environment handed to a tool execution.
type Context struct {
	// AgentID is the owning agent.
	AgentID string

	// CallID is the tool call record id.
	CallID string

	// Sandbox confines filesystem and shell access.
	Sandbox sandbox.Sandbox

	// Todos is the agent's todo surface, nil when not wired.
	Todos TodoAccess

	// Tasks runs subagent tasks, nil when not wired.
	Tasks TaskRunner

	// Touched reports a filesystem path the tool read or wrote, so the
	// agent can watch it for outside changes. Never nil.
	Touched func(path string)

	// EmitCustom publishes a tool-defined progress event. Never nil.
	EmitCustom func(name string, data map[string]any)

	// Logger is the call-scoped logger. Never nil.
	Logger *slog.Logger
}

// Tool is one executable capability offered to the model.
type Tool interface {
	// Name is the stable identifier the model calls the tool by.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema is the JSON Schema for the tool input.
	Schema() json.RawMessage

	// Attributes returns the execution contract.
	Attributes() Attributes

	// Execute runs the call. Domain failures are reported in the outcome;
	// a non-nil error means the tool itself broke.
	Execute(ctx context.Context, tc *Context, input json.RawMessage) (*models.ToolOutcome, error)
}
