package models

import (
	"encoding/json"
	"time"
)

// Channel is one of the three event streams. Each carries disjoint event
// types for a distinct audience.
type Channel string

const (
	// ChannelProgress carries user-facing streaming output.
	ChannelProgress Channel = "progress"

	// ChannelControl carries decisions that require a response, such as
	// permission requests.
	ChannelControl Channel = "control"

	// ChannelMonitor carries governance and diagnostics.
	ChannelMonitor Channel = "monitor"
)

// Bookmark identifies a position in an agent's event log.
type Bookmark struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
}

// Before reports whether b precedes other in the log.
func (b Bookmark) Before(other Bookmark) bool {
	return b.Seq < other.Seq
}

// EventType identifies the kind of event.
type EventType string

// Progress channel event types.
const (
	EventTextChunkStart  EventType = "text_chunk_start"
	EventTextChunk       EventType = "text_chunk"
	EventTextChunkEnd    EventType = "text_chunk_end"
	EventThinkChunkStart EventType = "think_chunk_start"
	EventThinkChunk      EventType = "think_chunk"
	EventThinkChunkEnd   EventType = "think_chunk_end"
	EventToolStart       EventType = "tool:start"
	EventToolEnd         EventType = "tool:end"
	EventToolError       EventType = "tool:error"
	EventDone            EventType = "done"
)

// Control channel event types.
const (
	EventPermissionRequired EventType = "permission_required"
	EventPermissionDecided  EventType = "permission_decided"
)

// Monitor channel event types.
const (
	EventStateChanged       EventType = "state_changed"
	EventStepComplete       EventType = "step_complete"
	EventError              EventType = "error"
	EventTokenUsage         EventType = "token_usage"
	EventToolExecuted       EventType = "tool_executed"
	EventAgentResumed       EventType = "agent_resumed"
	EventTodoChanged        EventType = "todo_changed"
	EventTodoReminder       EventType = "todo_reminder"
	EventFileChanged        EventType = "file_changed"
	EventReminderSent       EventType = "reminder_sent"
	EventContextCompression EventType = "context_compression"
	EventSchedulerTriggered EventType = "scheduler_triggered"
	EventBreakpointChanged  EventType = "breakpoint_changed"
	EventToolManualUpdated  EventType = "tool_manual_updated"
	EventToolCustom         EventType = "tool_custom_event"
)

// ChannelFor returns the channel an event type belongs to.
func ChannelFor(t EventType) Channel {
	switch t {
	case EventTextChunkStart, EventTextChunk, EventTextChunkEnd,
		EventThinkChunkStart, EventThinkChunk, EventThinkChunkEnd,
		EventToolStart, EventToolEnd, EventToolError, EventDone:
		return ChannelProgress
	case EventPermissionRequired, EventPermissionDecided:
		return ChannelControl
	default:
		return ChannelMonitor
	}
}

// ErrorSeverity grades monitor error events.
type ErrorSeverity string

const (
	SeverityWarn  ErrorSeverity = "warn"
	SeverityError ErrorSeverity = "error"
	SeverityFatal ErrorSeverity = "fatal"
)

// ErrorPhase names the subsystem that produced a monitor error event.
type ErrorPhase string

const (
	PhaseModel     ErrorPhase = "model"
	PhaseTool      ErrorPhase = "tool"
	PhaseLifecycle ErrorPhase = "lifecycle"
	PhaseSystem    ErrorPhase = "system"
)

// TextPayload carries streamed text and reasoning deltas.
type TextPayload struct {
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`
}

// ToolPayload carries tool lifecycle details.
type ToolPayload struct {
	CallID   string        `json:"call_id"`
	Name     string        `json:"name"`
	State    ToolCallState `json:"state,omitempty"`
	Outcome  *ToolOutcome  `json:"outcome,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// PermissionPayload carries a snapshot of a call awaiting (or past) a
// permission decision. Respond closures are not serialized; embedders act
// through Agent.Decide with the CallID.
type PermissionPayload struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Input    json.RawMessage `json:"input,omitempty"`
	Decision string          `json:"decision,omitempty"`
	Note     string          `json:"note,omitempty"`
}

// ErrorPayload carries a monitor error event.
type ErrorPayload struct {
	Severity ErrorSeverity `json:"severity"`
	Phase    ErrorPhase    `json:"phase"`
	Message  string        `json:"message"`
	Detail   string        `json:"detail,omitempty"`
}

// UsagePayload carries token accounting for one model call.
type UsagePayload struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Event is the envelope every emitted event is wrapped in. Cursor is
// strictly increasing per agent; the bookmark orders the event within the
// durable log.
type Event struct {
	Cursor   uint64    `json:"cursor"`
	Bookmark Bookmark  `json:"bookmark"`
	Channel  Channel   `json:"channel"`
	Type     EventType `json:"type"`
	AgentID  string    `json:"agent_id"`
	Time     time.Time `json:"time"`

	// At most one typed payload is set for a given Type; Data carries the
	// long tail of monitor payloads as loose key/values.
	Text       *TextPayload       `json:"text,omitempty"`
	Tool       *ToolPayload       `json:"tool,omitempty"`
	Permission *PermissionPayload `json:"permission,omitempty"`
	Error      *ErrorPayload      `json:"error,omitempty"`
	Usage      *UsagePayload      `json:"usage,omitempty"`
	Data       map[string]any     `json:"data,omitempty"`
}
