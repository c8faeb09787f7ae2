package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/permissions"
)

// recover applies the crash-resume rules for the breakpoint the agent died
// in. Streaming states lose nothing durable and fall back to READY; mid-tool
// states seal every non-terminal tool call; pending approvals are sealed or
// re-armed depending on the resume strategy.
func (a *Agent) recover(ctx context.Context) error {
	bp := a.bp.Current()
	strategy := a.cfg.Resume.Strategy

	if bp == models.BreakpointAwaitingApproval && strategy == ResumeManual {
		rearmed := a.rearmApprovals(ctx)
		a.emit(ctx, models.Event{
			Type: models.EventAgentResumed,
			Data: map[string]any{"strategy": string(strategy), "sealed": 0, "pending": rearmed},
		})
		return nil
	}

	var sealed []*models.ToolCallRecord
	if bp.MidTool() || bp == models.BreakpointAwaitingApproval {
		var err error
		sealed, err = a.sealOpenCalls(ctx)
		if err != nil {
			return err
		}
	}

	if len(sealed) > 0 {
		if err := a.persistRecords(ctx); err != nil {
			return err
		}
		if err := a.appendSealedResults(ctx, sealed); err != nil {
			return err
		}
		for _, rec := range sealed {
			a.emit(ctx, models.Event{
				Type: models.EventToolEnd,
				Tool: &models.ToolPayload{CallID: rec.ID, Name: rec.Name, State: rec.State, Outcome: rec.Result},
			})
		}
	}

	if err := a.bp.Set(ctx, models.BreakpointReady); err != nil {
		return err
	}
	a.emit(ctx, models.Event{
		Type: models.EventAgentResumed,
		Data: map[string]any{"strategy": string(strategy), "sealed": len(sealed)},
	})
	return nil
}

// sealOpenCalls force-terminates every non-terminal tool record with a note
// describing what was lost at the crash point.
func (a *Agent) sealOpenCalls(ctx context.Context) ([]*models.ToolCallRecord, error) {
	a.state.Lock()
	defer a.state.Unlock()

	var sealed []*models.ToolCallRecord
	for _, rec := range a.state.records {
		if rec.State.Terminal() {
			continue
		}
		var note string
		switch rec.State {
		case models.ToolCallPending:
			note = "auto-sealed: crash before execution"
		case models.ToolCallApprovalRequired:
			if err := rec.Transition(models.ToolCallDenied, "auto-sealed on crash"); err != nil {
				return nil, err
			}
			rec.Result = failedOutcome(rec.Name, "auto-sealed on crash", models.ToolErrorAborted)
			rec.EndedAt = time.Now()
			sealed = append(sealed, rec)
			continue
		case models.ToolCallApproved:
			note = "auto-sealed: approved but unexecuted"
		case models.ToolCallExecuting:
			note = "auto-sealed: execution interrupted, check for side effects"
		default:
			note = "auto-sealed on crash"
		}
		if err := rec.Seal(note); err != nil {
			return nil, err
		}
		rec.Result = failedOutcome(rec.Name, note, models.ToolErrorAborted)
		sealed = append(sealed, rec)
	}
	return sealed, nil
}

// appendSealedResults writes the failed tool_result blocks for sealed calls
// that never got a result into the history, so the transcript stays legal
// for the next model turn.
func (a *Agent) appendSealedResults(ctx context.Context, sealed []*models.ToolCallRecord) error {
	a.state.Lock()
	var blocks []models.ContentBlock
	for _, rec := range sealed {
		if models.FindToolResult(a.state.messages, rec.ID) != nil {
			continue
		}
		blocks = append(blocks, resultBlock(rec))
	}
	a.state.Unlock()
	if len(blocks) == 0 {
		return nil
	}
	msg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   blocks,
		CreatedAt: time.Now(),
	}
	if err := a.appendMessages(ctx, msg); err != nil {
		return err
	}
	a.markSFP(ctx)
	return nil
}

// rearmApprovals re-registers crashed-over approval requests so the
// embedder can still decide them. Each decision resolves on its own
// goroutine: allow executes the call, deny records the refusal. Once no
// request remains open the results are written back and the agent returns
// to READY.
func (a *Agent) rearmApprovals(ctx context.Context) int {
	a.state.Lock()
	var open []*models.ToolCallRecord
	for _, rec := range a.state.records {
		if rec.State == models.ToolCallApprovalRequired {
			open = append(open, rec)
		}
	}
	a.state.Unlock()
	if len(open) == 0 {
		return 0
	}

	var outstanding atomic.Int64
	outstanding.Store(int64(len(open)))
	for _, rec := range open {
		ch, err := a.perms.RequireApproval(ctx, rec.ID, rec.Name, rec.Input)
		if err != nil {
			a.logger.Error("failed to re-arm approval", "call_id", rec.ID, "error", err)
			outstanding.Add(-1)
			continue
		}
		go a.awaitRearmedDecision(rec, ch, &outstanding)
	}
	return len(open)
}

func (a *Agent) awaitRearmedDecision(rec *models.ToolCallRecord, ch <-chan permissions.DecisionResult, outstanding *atomic.Int64) {
	ctx := a.runCtx
	res, ok := <-ch
	if !ok {
		return
	}

	now := time.Now()
	rec.Approval.Decision = string(res.Decision)
	rec.Approval.DecidedBy = res.DecidedBy
	rec.Approval.Note = res.Note
	rec.Approval.DecidedAt = now

	if res.Decision == permissions.DecisionAllow {
		if err := rec.Transition(models.ToolCallApproved, res.Note); err != nil {
			a.logger.Error("rearmed approval transition failed", "call_id", rec.ID, "error", err)
		} else {
			a.disp.execute(ctx, rec)
		}
	} else {
		if err := rec.Transition(models.ToolCallDenied, res.Note); err != nil {
			a.logger.Error("rearmed denial transition failed", "call_id", rec.ID, "error", err)
		}
		rec.Result = failedOutcome(rec.Name, "denied: "+res.Note, models.ToolErrorAborted)
		rec.EndedAt = now
	}
	if err := a.persistRecords(ctx); err != nil {
		a.logger.Error("failed to persist rearmed decision", "call_id", rec.ID, "error", err)
	}
	if err := a.appendSealedResults(ctx, []*models.ToolCallRecord{rec}); err != nil {
		a.logger.Error("failed to write rearmed tool result", "call_id", rec.ID, "error", err)
	}

	if outstanding.Add(-1) == 0 {
		if err := a.bp.Set(ctx, models.BreakpointReady); err != nil {
			a.logger.Error("failed to reset breakpoint after rearmed approvals", "error", err)
		}
		a.emit(ctx, models.Event{
			Type: models.EventDone,
			Data: map[string]any{"reason": "completed"},
		})
	}
}

// Subscribe attaches an event subscription over the given channels,
// optionally replaying from a bookmark first.
func (a *Agent) Subscribe(ctx context.Context, channels []models.Channel, opts events.SubscribeOptions) (*events.Subscription, error) {
	return a.bus.Subscribe(ctx, channels, opts)
}

// On registers a synchronous handler for one event type.
func (a *Agent) On(t models.EventType, handler func(models.Event)) func() {
	return a.bus.On(t, handler)
}

// Snapshot captures the agent at its last safe-fork-point and persists it.
func (a *Agent) Snapshot(ctx context.Context, label string) (*models.Snapshot, error) {
	a.state.Lock()
	idx := a.state.info.LastSFPIndex
	if idx > len(a.state.messages) {
		idx = len(a.state.messages)
	}
	snap := models.Snapshot{
		ID:        uuid.NewString(),
		Label:     label,
		Messages:  append([]models.Message(nil), a.state.messages[:idx]...),
		SFPIndex:  idx,
		Bookmark:  a.state.info.LastBookmark,
		CreatedAt: time.Now(),
	}
	a.state.Unlock()

	if err := a.deps.Store.SaveSnapshot(ctx, a.cfg.ID, snap); err != nil {
		return nil, fmt.Errorf("agent: save snapshot: %w", err)
	}
	return &snap, nil
}

// Snapshots lists the agent's persisted snapshots.
func (a *Agent) Snapshots(ctx context.Context) ([]models.Snapshot, error) {
	return a.deps.Store.ListSnapshots(ctx, a.cfg.ID)
}

// GetTodos returns the agent's todo list.
func (a *Agent) GetTodos(ctx context.Context) ([]models.TodoItem, error) {
	if a.todos == nil {
		return nil, nil
	}
	return a.todos.List(ctx)
}

// SetTodos replaces the whole todo list.
func (a *Agent) SetTodos(ctx context.Context, items []models.TodoItem) error {
	if a.todos == nil {
		return fmt.Errorf("agent: todo surface is disabled")
	}
	_, _, _, err := a.todos.Replace(ctx, items)
	return err
}

// UpdateTodo applies a mutation to the item with the given id.
func (a *Agent) UpdateTodo(ctx context.Context, id string, mutate func(*models.TodoItem)) error {
	if a.todos == nil {
		return fmt.Errorf("agent: todo surface is disabled")
	}
	items, err := a.todos.List(ctx)
	if err != nil {
		return err
	}
	found := false
	for i := range items {
		if items[i].ID == id {
			mutate(&items[i])
			items[i].ID = id
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("agent: no todo item %s", id)
	}
	_, _, _, err = a.todos.Replace(ctx, items)
	return err
}

// DeleteTodo removes the item with the given id.
func (a *Agent) DeleteTodo(ctx context.Context, id string) error {
	if a.todos == nil {
		return fmt.Errorf("agent: todo surface is disabled")
	}
	items, err := a.todos.List(ctx)
	if err != nil {
		return err
	}
	kept := items[:0]
	found := false
	for _, item := range items {
		if item.ID == id {
			found = true
			continue
		}
		kept = append(kept, item)
	}
	if !found {
		return fmt.Errorf("agent: no todo item %s", id)
	}
	_, _, _, err = a.todos.Replace(ctx, kept)
	return err
}
