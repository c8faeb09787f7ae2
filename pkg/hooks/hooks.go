// Package hooks provides the agent lifecycle hook registry. Hooks observe or
// steer the loop at fixed points: before a model call, after a model call,
// when the message list changes, and around each tool execution.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
)

// Decision is a pre-tool hook's verdict on whether the call proceeds.
type Decision string

const (
	// Continue lets the call proceed, possibly with a rewritten input.
	Continue Decision = "continue"

	// Block vetoes the call. The dispatcher records a logical failure with
	// the hook's reason and never runs the tool.
	Block Decision = "block"

	// Ask escalates the call to an explicit approval even when the
	// permission policy would have allowed it.
	Ask Decision = "ask"
)

// ModelTurn is the mutable state handed to pre-model hooks. Hooks may edit
// the transcript or the system prompt before the provider sees them.
type ModelTurn struct {
	AgentID      string
	Messages     []models.Message
	SystemPrompt string
}

// ToolCall describes the call a tool hook is observing.
type ToolCall struct {
	CallID   string
	ToolName string
	Input    json.RawMessage
}

// PreToolVerdict carries the hook decision. When Decision is Continue and
// Input is non-nil, the rewritten input replaces the original. A non-nil
// Outcome short-circuits the call entirely: the dispatcher records it as
// the result and the tool never runs.
type PreToolVerdict struct {
	Decision Decision
	Reason   string
	Input    json.RawMessage
	Outcome  *models.ToolOutcome
}

// PreModelHook runs before each provider call.
type PreModelHook func(ctx context.Context, turn *ModelTurn) error

// PostModelHook observes each completed assistant message.
type PostModelHook func(ctx context.Context, msg models.Message)

// MessagesChangedHook fires after any mutation of the persisted transcript.
type MessagesChangedHook func(ctx context.Context, messages []models.Message)

// PreToolHook runs before a tool executes and may block or rewrite it.
type PreToolHook func(ctx context.Context, call ToolCall) PreToolVerdict

// PostToolHook runs after a tool finishes and may rewrite its outcome.
type PostToolHook func(ctx context.Context, call ToolCall, outcome *models.ToolOutcome)

// Registry holds the hooks for one agent. Hooks run synchronously on the
// loop goroutine in registration order. A panicking hook is isolated: the
// panic is reported on the monitor channel and treated as a no-op verdict.
type Registry struct {
	bus    *events.Bus
	logger *slog.Logger

	mu              sync.RWMutex
	nextID          int
	preModel        []entry[PreModelHook]
	postModel       []entry[PostModelHook]
	messagesChanged []entry[MessagesChangedHook]
	preTool         []entry[PreToolHook]
	postTool        []entry[PostToolHook]
}

type entry[T any] struct {
	id int
	fn T
}

// NewRegistry creates an empty registry reporting hook panics through bus.
func NewRegistry(bus *events.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{bus: bus, logger: logger}
}

// OnPreModel registers a pre-model hook and returns an unsubscribe closure.
func (r *Registry) OnPreModel(h PreModelHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.preModel = append(r.preModel, entry[PreModelHook]{id: id, fn: h})
	return func() { remove(r, &r.preModel, id) }
}

// OnPostModel registers a post-model hook.
func (r *Registry) OnPostModel(h PostModelHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.postModel = append(r.postModel, entry[PostModelHook]{id: id, fn: h})
	return func() { remove(r, &r.postModel, id) }
}

// OnMessagesChanged registers a transcript change hook.
func (r *Registry) OnMessagesChanged(h MessagesChangedHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.messagesChanged = append(r.messagesChanged, entry[MessagesChangedHook]{id: id, fn: h})
	return func() { remove(r, &r.messagesChanged, id) }
}

// OnPreToolUse registers a pre-tool hook.
func (r *Registry) OnPreToolUse(h PreToolHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.preTool = append(r.preTool, entry[PreToolHook]{id: id, fn: h})
	return func() { remove(r, &r.preTool, id) }
}

// OnPostToolUse registers a post-tool hook.
func (r *Registry) OnPostToolUse(h PostToolHook) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.postTool = append(r.postTool, entry[PostToolHook]{id: id, fn: h})
	return func() { remove(r, &r.postTool, id) }
}

func remove[T any](r *Registry, list *[]entry[T], id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := (*list)[:0]
	for _, e := range *list {
		if e.id != id {
			out = append(out, e)
		}
	}
	*list = out
}

// RunPreModel runs all pre-model hooks over the turn in order. A hook error
// aborts the chain and is returned to the loop.
func (r *Registry) RunPreModel(ctx context.Context, turn *ModelTurn) error {
	for _, e := range r.snapshotPreModel() {
		var err error
		panicked := r.guard(ctx, "preModel", func() {
			err = e.fn(ctx, turn)
		})
		if panicked {
			continue
		}
		if err != nil {
			return fmt.Errorf("preModel hook: %w", err)
		}
	}
	return nil
}

// RunPostModel runs all post-model hooks over the assistant message.
func (r *Registry) RunPostModel(ctx context.Context, msg models.Message) {
	for _, e := range r.snapshotPostModel() {
		fn := e.fn
		r.guard(ctx, "postModel", func() { fn(ctx, msg) })
	}
}

// RunMessagesChanged notifies all transcript hooks.
func (r *Registry) RunMessagesChanged(ctx context.Context, messages []models.Message) {
	for _, e := range r.snapshotMessagesChanged() {
		fn := e.fn
		r.guard(ctx, "messagesChanged", func() { fn(ctx, messages) })
	}
}

// RunPreToolUse chains pre-tool hooks. The first Block, Ask, or synthetic
// Outcome verdict wins; Continue verdicts with a rewritten input thread the
// input through to later hooks.
func (r *Registry) RunPreToolUse(ctx context.Context, call ToolCall) PreToolVerdict {
	current := call
	for _, e := range r.snapshotPreTool() {
		var verdict PreToolVerdict
		fn := e.fn
		panicked := r.guard(ctx, "preToolUse", func() { verdict = fn(ctx, current) })
		if panicked {
			continue
		}
		if verdict.Outcome != nil {
			return verdict
		}
		switch verdict.Decision {
		case Block:
			return verdict
		case Ask:
			if verdict.Input == nil {
				verdict.Input = current.Input
			}
			return verdict
		case Continue, "":
			if verdict.Input != nil {
				current.Input = verdict.Input
			}
		}
	}
	return PreToolVerdict{Decision: Continue, Input: current.Input}
}

// RunPostToolUse runs post-tool hooks over the outcome in order. Hooks may
// mutate the outcome in place.
func (r *Registry) RunPostToolUse(ctx context.Context, call ToolCall, outcome *models.ToolOutcome) {
	for _, e := range r.snapshotPostTool() {
		fn := e.fn
		r.guard(ctx, "postToolUse", func() { fn(ctx, call, outcome) })
	}
}

// guard runs fn with panic isolation. A recovered panic is logged and
// reported as a lifecycle error on the monitor channel; it never takes down
// the loop. Returns true when fn panicked.
func (r *Registry) guard(ctx context.Context, point string, fn func()) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			panicked = true
			r.logger.Error("hook panicked", "point", point, "panic", rec)
			if r.bus != nil {
				_, _ = r.bus.Emit(ctx, models.Event{
					Type: models.EventError,
					Error: &models.ErrorPayload{
						Severity: models.SeverityError,
						Phase:    models.PhaseLifecycle,
						Message:  fmt.Sprintf("%s hook panicked: %v", point, rec),
					},
				})
			}
		}
	}()
	fn()
	return false
}

func (r *Registry) snapshotPreModel() []entry[PreModelHook] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entry[PreModelHook](nil), r.preModel...)
}

func (r *Registry) snapshotPostModel() []entry[PostModelHook] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entry[PostModelHook](nil), r.postModel...)
}

func (r *Registry) snapshotMessagesChanged() []entry[MessagesChangedHook] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entry[MessagesChangedHook](nil), r.messagesChanged...)
}

func (r *Registry) snapshotPreTool() []entry[PreToolHook] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entry[PreToolHook](nil), r.preTool...)
}

func (r *Registry) snapshotPostTool() []entry[PostToolHook] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]entry[PostToolHook](nil), r.postTool...)
}
