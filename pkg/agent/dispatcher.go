package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/hooks"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/permissions"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/tools"
)

// recommendations is the per-tool advice attached to failed results when
// the tool supplies none of its own.
var recommendations = map[string][]string{
	"fs_read":    {"verify the path exists with fs_glob"},
	"fs_write":   {"read the current file content before overwriting"},
	"fs_grep":    {"check the pattern compiles as RE2"},
	"shell_exec": {"inspect stderr in the result content", "split long commands into smaller steps"},
	"task_run":   {"retry with a more specific prompt"},
}

// dispatcher executes one assistant turn's tool calls: permission and hook
// gating, schema validation, bounded fan-out, and result ordering.
type dispatcher struct {
	agentID string
	cfg     *Config

	registry *tools.Registry
	perms    *permissions.Manager
	hooks    *hooks.Registry
	bus      *events.Bus
	sandbox  sandbox.Sandbox
	todos    tools.TodoAccess
	tasks    tools.TaskRunner
	logger   *slog.Logger

	// touch reports a filesystem path a tool read or wrote, so the agent
	// can extend its file watcher to cover it. May be nil.
	touch func(path string)

	// persist saves the full tool record set for the agent.
	persist func(context.Context) error

	// setBreakpoint moves the agent's breakpoint.
	setBreakpoint func(context.Context, models.Breakpoint) error

	// serializes mutating tool calls with each other.
	mutating sync.Mutex

	// compiled schema cache keyed by tool name.
	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// Dispatch runs the batch and returns tool_result blocks in the order of
// the originating tool_use blocks. It is called with every record in
// PENDING and the breakpoint at TOOL_PENDING.
//
// When the turn is cancelled mid-batch, every non-terminal record is driven
// to a terminal aborted state and a tool_result block is still produced for
// each call, so the persisted transcript never carries a tool_use without a
// matching tool_result.
func (d *dispatcher) Dispatch(ctx context.Context, records []*models.ToolCallRecord) ([]models.ContentBlock, error) {
	blocks, err := d.dispatch(ctx, records)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return d.abort(context.WithoutCancel(ctx), records, "aborted by interrupt"), err
	}
	return blocks, err
}

func (d *dispatcher) dispatch(ctx context.Context, records []*models.ToolCallRecord) ([]models.ContentBlock, error) {
	// Phase one: gate each call in order. Approvals suspend here, one at a
	// time, with the breakpoint parked at AWAITING_APPROVAL.
	for _, rec := range records {
		if err := d.gate(ctx, rec); err != nil {
			return nil, err
		}
	}

	if err := d.setBreakpoint(ctx, models.BreakpointPreTool); err != nil {
		return nil, err
	}

	// Phase two: execute approved calls with bounded fan-out. Mutating
	// calls additionally serialize with each other.
	if err := d.setBreakpoint(ctx, models.BreakpointToolExecuting); err != nil {
		return nil, err
	}

	sem := make(chan struct{}, d.cfg.ToolFanOut)
	var wg sync.WaitGroup
	for _, rec := range records {
		if rec.State.Terminal() {
			continue
		}
		wg.Add(1)
		go func(rec *models.ToolCallRecord) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			d.execute(ctx, rec)
		}(rec)
	}
	wg.Wait()

	if err := d.persist(ctx); err != nil {
		return nil, err
	}
	if err := d.setBreakpoint(ctx, models.BreakpointPostTool); err != nil {
		return nil, err
	}

	blocks := make([]models.ContentBlock, 0, len(records))
	for _, rec := range records {
		blocks = append(blocks, resultBlock(rec))
	}
	return blocks, nil
}

// gate runs pre-tool hooks, schema validation, and the permission policy
// for one record. Calls that do not survive gating reach DENIED here and
// never execute.
func (d *dispatcher) gate(ctx context.Context, rec *models.ToolCallRecord) error {
	tool, ok := d.registry.Get(rec.Name)
	if !ok {
		return d.deny(ctx, rec, fmt.Sprintf("unknown tool %q", rec.Name), models.ToolErrorValidation)
	}

	verdict := d.hooks.RunPreToolUse(ctx, hooks.ToolCall{
		CallID:   rec.ID,
		ToolName: rec.Name,
		Input:    rec.Input,
	})
	if verdict.Outcome != nil {
		return d.fulfill(ctx, rec, verdict.Outcome)
	}
	if verdict.Decision == hooks.Block {
		reason := verdict.Reason
		if reason == "" {
			reason = "blocked by pre-tool hook"
		}
		return d.deny(ctx, rec, reason, models.ToolErrorLogical)
	}
	if verdict.Input != nil {
		rec.Input = verdict.Input
	}

	if err := d.validateInput(tool, rec.Input); err != nil {
		return d.deny(ctx, rec, fmt.Sprintf("input rejected by schema: %v", err), models.ToolErrorValidation)
	}

	if verdict.Decision == hooks.Ask {
		return d.awaitApproval(ctx, rec)
	}

	attrs := tool.Attributes()
	policy := d.perms.Evaluate(rec.Name, attrs.ReadOnly)
	switch policy.Decision {
	case permissions.DecisionAllow:
		return nil

	case permissions.DecisionDeny:
		return d.deny(ctx, rec, policy.Reason, models.ToolErrorValidation)

	case permissions.DecisionAsk:
		return d.awaitApproval(ctx, rec)

	default:
		return d.deny(ctx, rec, fmt.Sprintf("unknown policy decision %q", policy.Decision), models.ToolErrorValidation)
	}
}

// awaitApproval parks the call in APPROVAL_REQUIRED and suspends until the
// embedder decides or the turn is cancelled.
func (d *dispatcher) awaitApproval(ctx context.Context, rec *models.ToolCallRecord) error {
	now := time.Now()
	rec.Approval = models.Approval{Required: true, RequestedAt: now}
	if err := rec.Transition(models.ToolCallApprovalRequired, "permission policy requires approval"); err != nil {
		return err
	}
	if err := d.persist(ctx); err != nil {
		return err
	}
	if err := d.setBreakpoint(ctx, models.BreakpointAwaitingApproval); err != nil {
		return err
	}

	ch, err := d.perms.RequireApproval(ctx, rec.ID, rec.Name, rec.Input)
	if err != nil {
		return err
	}

	select {
	case res, ok := <-ch:
		if !ok {
			// Dropped without a decision, e.g. interrupt.
			return d.resolveApproval(ctx, rec, permissions.DecisionDeny, "approval cancelled", "")
		}
		return d.resolveApproval(ctx, rec, res.Decision, res.Note, res.DecidedBy)
	case <-ctx.Done():
		d.perms.Drop(rec.ID)
		return ctx.Err()
	}
}

func (d *dispatcher) resolveApproval(ctx context.Context, rec *models.ToolCallRecord, decision permissions.Decision, note, decidedBy string) error {
	rec.Approval.Decision = string(decision)
	rec.Approval.Note = note
	rec.Approval.DecidedBy = decidedBy
	rec.Approval.DecidedAt = time.Now()

	if decision == permissions.DecisionAllow {
		if err := rec.Transition(models.ToolCallApproved, note); err != nil {
			return err
		}
		if err := d.persist(ctx); err != nil {
			return err
		}
		return d.setBreakpoint(ctx, models.BreakpointToolPending)
	}

	reason := "denied by approval"
	if note != "" {
		reason = fmt.Sprintf("denied by approval: %s", note)
	}
	if err := rec.Transition(models.ToolCallDenied, reason); err != nil {
		return err
	}
	rec.Result = failedOutcome(rec.Name, reason, models.ToolErrorValidation)
	rec.Error = reason
	rec.EndedAt = time.Now()
	if err := d.persist(ctx); err != nil {
		return err
	}
	d.emitTerminal(ctx, rec, 0)
	return d.setBreakpoint(ctx, models.BreakpointToolPending)
}

// fulfill completes a call with a hook-supplied synthetic outcome. The tool
// never executes; the record passes through EXECUTING only to satisfy the
// state graph.
func (d *dispatcher) fulfill(ctx context.Context, rec *models.ToolCallRecord, outcome *models.ToolOutcome) error {
	now := time.Now()
	rec.StartedAt = now
	if err := rec.Transition(models.ToolCallExecuting, "fulfilled by pre-tool hook"); err != nil {
		return err
	}
	rec.Result = outcome
	rec.EndedAt = now

	target := models.ToolCallCompleted
	note := "fulfilled by pre-tool hook"
	if !outcome.OK {
		target = models.ToolCallFailed
		note = outcome.Error
		rec.Error = outcome.Error
	}
	if err := rec.Transition(target, note); err != nil {
		return err
	}
	if err := d.persist(ctx); err != nil {
		return err
	}
	d.emitTerminal(ctx, rec, 0)
	return nil
}

// abort drives every non-terminal record in the batch to a terminal state
// with an aborted outcome, persists once, and returns a result block for
// every call. ctx must not be the cancelled turn context.
func (d *dispatcher) abort(ctx context.Context, records []*models.ToolCallRecord, reason string) []models.ContentBlock {
	for _, rec := range records {
		if rec.State.Terminal() {
			continue
		}
		switch rec.State {
		case models.ToolCallPending, models.ToolCallApprovalRequired:
			if err := rec.Transition(models.ToolCallDenied, reason); err != nil {
				d.logger.Error("illegal tool record transition", "call_id", rec.ID, "error", err)
				continue
			}
		default:
			if err := rec.Seal(reason); err != nil {
				d.logger.Error("failed to seal tool record", "call_id", rec.ID, "error", err)
				continue
			}
		}
		rec.Result = failedOutcome(rec.Name, reason, models.ToolErrorAborted)
		rec.Error = reason
		rec.EndedAt = time.Now()
		d.emitTerminal(ctx, rec, 0)
	}
	if err := d.persist(ctx); err != nil {
		d.logger.Error("failed to persist aborted tool records", "error", err)
	}

	blocks := make([]models.ContentBlock, 0, len(records))
	for _, rec := range records {
		blocks = append(blocks, resultBlock(rec))
	}
	return blocks
}

// deny short-circuits a call out of gating with a synthetic failed result.
func (d *dispatcher) deny(ctx context.Context, rec *models.ToolCallRecord, reason string, errType models.ToolErrorType) error {
	if err := rec.Transition(models.ToolCallDenied, reason); err != nil {
		return err
	}
	rec.Result = failedOutcome(rec.Name, reason, errType)
	rec.Error = reason
	rec.EndedAt = time.Now()
	if err := d.persist(ctx); err != nil {
		return err
	}
	d.emitTerminal(ctx, rec, 0)
	return nil
}

// execute runs one gated call to a terminal state. Failures never return an
// error; they land in the record so the model sees them next turn.
func (d *dispatcher) execute(ctx context.Context, rec *models.ToolCallRecord) {
	tool, ok := d.registry.Get(rec.Name)
	if !ok {
		// Unregistered between gating and execution.
		d.finish(ctx, rec, failedOutcome(rec.Name, fmt.Sprintf("tool %q disappeared", rec.Name), models.ToolErrorException))
		return
	}
	attrs := tool.Attributes()

	if !attrs.ReadOnly {
		d.mutating.Lock()
		defer d.mutating.Unlock()
	}
	if ctx.Err() != nil {
		d.finish(ctx, rec, failedOutcome(rec.Name, "aborted before execution", models.ToolErrorAborted))
		return
	}

	rec.StartedAt = time.Now()
	if err := rec.Transition(models.ToolCallExecuting, ""); err != nil {
		d.logger.Error("illegal tool record transition", "call_id", rec.ID, "error", err)
		return
	}
	if err := d.persist(ctx); err != nil {
		d.logger.Error("failed to persist tool record", "call_id", rec.ID, "error", err)
	}
	d.emitEvent(ctx, models.Event{
		Type: models.EventToolStart,
		Tool: &models.ToolPayload{CallID: rec.ID, Name: rec.Name, State: rec.State},
	})

	timeout := attrs.Timeout
	if timeout <= 0 {
		timeout = d.cfg.ToolTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	outcome := d.run(runCtx, tool, rec)
	cancel()

	d.hooks.RunPostToolUse(ctx, hooks.ToolCall{
		CallID:   rec.ID,
		ToolName: rec.Name,
		Input:    rec.Input,
	}, outcome)

	d.finish(ctx, rec, outcome)
}

// run invokes the tool with panic isolation and classifies the outcome.
func (d *dispatcher) run(ctx context.Context, tool tools.Tool, rec *models.ToolCallRecord) (outcome *models.ToolOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = failedOutcome(tool.Name(), fmt.Sprintf("tool panicked: %v", r), models.ToolErrorException)
		}
	}()

	touched := d.touch
	if touched == nil {
		touched = func(string) {}
	}
	tc := &tools.Context{
		AgentID: d.agentID,
		CallID:  rec.ID,
		Sandbox: d.sandbox,
		Todos:   d.todos,
		Tasks:   d.tasks,
		Logger:  d.logger.With("tool", rec.Name, "call_id", rec.ID),
		Touched: touched,
		EmitCustom: func(name string, data map[string]any) {
			d.emitEvent(ctx, models.Event{
				Type: models.EventToolCustom,
				Data: map[string]any{"name": name, "call_id": rec.ID, "data": data},
			})
		},
	}

	result, err := tool.Execute(ctx, tc, rec.Input)
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failedOutcome(rec.Name, "execution timed out", models.ToolErrorAborted)
	case errors.Is(ctx.Err(), context.Canceled):
		return failedOutcome(rec.Name, "execution cancelled", models.ToolErrorAborted)
	case err != nil:
		return failedOutcome(rec.Name, err.Error(), models.ToolErrorException)
	case result == nil:
		return failedOutcome(rec.Name, "tool returned no outcome", models.ToolErrorException)
	case !result.OK:
		if result.ErrorType == "" {
			result.ErrorType = models.ToolErrorLogical
			result.Retryable = models.ToolErrorLogical.Retryable()
		}
		if len(result.Recommendations) == 0 {
			result.Recommendations = recommendations[rec.Name]
		}
		return result
	default:
		return result
	}
}

// finish moves the record to COMPLETED or FAILED, persists, and emits the
// lifecycle events.
func (d *dispatcher) finish(ctx context.Context, rec *models.ToolCallRecord, outcome *models.ToolOutcome) {
	rec.Result = outcome
	rec.EndedAt = time.Now()

	target := models.ToolCallCompleted
	note := ""
	if !outcome.OK {
		target = models.ToolCallFailed
		note = outcome.Error
		rec.Error = outcome.Error
	}
	if rec.State == models.ToolCallPending || rec.State == models.ToolCallApproved {
		// Aborted before EXECUTING was entered.
		if err := rec.Transition(models.ToolCallExecuting, "aborted"); err != nil {
			d.logger.Error("illegal tool record transition", "call_id", rec.ID, "error", err)
		}
	}
	if err := rec.Transition(target, note); err != nil {
		d.logger.Error("illegal tool record transition", "call_id", rec.ID, "error", err)
		return
	}
	if err := d.persist(ctx); err != nil {
		d.logger.Error("failed to persist tool record", "call_id", rec.ID, "error", err)
	}
	d.emitTerminal(ctx, rec, rec.EndedAt.Sub(rec.StartedAt))
}

// emitTerminal publishes tool:end or tool:error on progress plus the
// tool_executed snapshot on monitor.
func (d *dispatcher) emitTerminal(ctx context.Context, rec *models.ToolCallRecord, duration time.Duration) {
	payload := &models.ToolPayload{
		CallID:   rec.ID,
		Name:     rec.Name,
		State:    rec.State,
		Outcome:  rec.Result,
		Duration: duration,
	}

	eventType := models.EventToolEnd
	if rec.State == models.ToolCallFailed || rec.State == models.ToolCallDenied {
		eventType = models.EventToolError
		d.emitEvent(ctx, models.Event{
			Type: models.EventError,
			Error: &models.ErrorPayload{
				Severity: models.SeverityError,
				Phase:    models.PhaseTool,
				Message:  fmt.Sprintf("tool %s failed", rec.Name),
				Detail:   rec.Error,
			},
		})
	}
	d.emitEvent(ctx, models.Event{Type: eventType, Tool: payload})
	d.emitEvent(ctx, models.Event{Type: models.EventToolExecuted, Tool: payload})
}

func (d *dispatcher) emitEvent(ctx context.Context, ev models.Event) {
	if _, err := d.bus.Emit(ctx, ev); err != nil {
		d.logger.Warn("failed to emit tool event", "type", ev.Type, "error", err)
	}
}

// validateInput checks the input document against the tool's compiled JSON
// schema. Schemas compile once per tool name and are cached.
func (d *dispatcher) validateInput(tool tools.Tool, input json.RawMessage) error {
	d.schemaMu.Lock()
	if d.schemas == nil {
		d.schemas = make(map[string]*jsonschema.Schema)
	}
	sch, ok := d.schemas[tool.Name()]
	d.schemaMu.Unlock()

	if !ok {
		compiler := jsonschema.NewCompiler()
		url := tool.Name() + ".schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(tool.Schema())); err != nil {
			return fmt.Errorf("schema does not parse: %w", err)
		}
		var err error
		sch, err = compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("schema does not compile: %w", err)
		}
		d.schemaMu.Lock()
		d.schemas[tool.Name()] = sch
		d.schemaMu.Unlock()
	}

	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	return sch.Validate(doc)
}

// failedOutcome builds the structured failure payload the model sees.
func failedOutcome(toolName, reason string, errType models.ToolErrorType) *models.ToolOutcome {
	return &models.ToolOutcome{
		Error:           reason,
		ErrorType:       errType,
		Retryable:       errType.Retryable(),
		Recommendations: recommendations[toolName],
	}
}

// resultBlock renders a record's terminal state as the tool_result content
// block written back to the model.
func resultBlock(rec *models.ToolCallRecord) models.ContentBlock {
	block := models.ContentBlock{
		Type:      models.BlockToolResult,
		ToolUseID: rec.ID,
		ToolName:  rec.Name,
	}
	switch {
	case rec.Result != nil && rec.Result.OK:
		block.Text = rec.Result.Content
	case rec.Result != nil:
		doc, err := json.Marshal(rec.Result)
		if err != nil {
			doc = []byte(fmt.Sprintf(`{"ok":false,"error":%q}`, rec.Result.Error))
		}
		block.Text = string(doc)
		block.IsError = true
	default:
		block.Text = fmt.Sprintf(`{"ok":false,"error":"call %s ended in state %s with no result"}`, rec.ID, rec.State)
		block.IsError = true
	}
	return block
}
