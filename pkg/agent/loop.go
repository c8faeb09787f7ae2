package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/hooks"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/permissions"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/schedule"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/todo"
	"github.com/loomworks/loom/pkg/tools"
	"github.com/loomworks/loom/pkg/tools/builtin"
	"github.com/loomworks/loom/pkg/watch"
)

// Status is the embedder-facing view of the agent's phase.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusWorking Status = "working"
	StatusPaused  Status = "paused"
)

// ErrClosed is returned by operations on a destroyed agent.
var ErrClosed = errors.New("agent: closed")

// lockTimeout bounds the wait for the per-agent store lock.
const lockTimeout = 10 * time.Second

// queueDepth bounds the input queue. Senders block when it is full.
const queueDepth = 64

// queued is one input-queue entry. done is nil for fire-and-forget
// reminders.
type queued struct {
	msg  models.Message
	done chan turnResult
}

type turnResult struct {
	text string
	err  error
}

// ChatStatus is the outcome kind of Chat.
type ChatStatus string

const (
	ChatOK     ChatStatus = "ok"
	ChatPaused ChatStatus = "paused"
)

// ChatResult is the structured response of Chat: either the completed text,
// or a paused marker with the pending permission ids. Last carries the most
// recent assistant text of the turn, so a paused caller still sees what the
// model said before requesting approval.
type ChatResult struct {
	Status        ChatStatus
	Text          string
	Last          string
	PermissionIDs []string
}

// Agent is one live kernel instance: a single cooperative loop advancing
// the breakpoint machine over a durable store.
type Agent struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	bus     *events.Bus
	perms   *permissions.Manager
	hooks   *hooks.Registry
	bp      *breakpointManager
	ctxmgr  *contextManager
	disp    *dispatcher
	todos   *todo.Manager
	sched   *schedule.Scheduler
	watcher *watch.Watcher
	retry   provider.RetryPolicy

	// state guards the persisted aggregates.
	state struct {
		sync.Mutex
		info     models.AgentInfo
		messages []models.Message
		records  []*models.ToolCallRecord
	}

	queue chan queued

	// turnCancel aborts the in-flight turn; nil between turns.
	turnMu     sync.Mutex
	turnCancel context.CancelFunc

	// lastMu guards the last assistant text of the in-flight turn.
	lastMu   sync.Mutex
	lastText string

	runCtx      context.Context
	runCancel   context.CancelFunc
	loopDone    chan struct{}
	releaseLock func()

	closeOnce sync.Once
}

// New creates a fresh agent. It refuses ids that already exist in the
// store, acquires the agent lock, persists the initial metadata, and starts
// the loop.
func New(ctx context.Context, cfg Config, deps Deps) (*Agent, error) {
	if err := cfg.sanitize(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	exists, err := deps.Store.Exists(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", store.ErrAgentExists, cfg.ID)
	}

	cfgDoc, err := json.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("agent: marshal config: %w", err)
	}
	now := time.Now()
	info := models.AgentInfo{
		ID:         cfg.ID,
		Template:   cfg.Template,
		CreatedAt:  now,
		UpdatedAt:  now,
		ConfigHash: cfg.Hash(),
		Config:     cfgDoc,
		Breakpoint: models.BreakpointReady,
	}

	a, err := assemble(ctx, cfg, deps, info, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	if err := a.saveInfo(ctx); err != nil {
		a.releaseLock()
		return nil, err
	}
	a.start()
	return a, nil
}

// ResumeOptions tune Resume behavior beyond the saved configuration.
type ResumeOptions struct {
	// Strategy overrides the saved crash-recovery strategy when non-empty.
	Strategy ResumeStrategy
}

// Resume reopens an existing agent: loads its persisted state, applies the
// crash-resume rules for the breakpoint it died in, and starts the loop.
func Resume(ctx context.Context, cfg Config, deps Deps, opts ResumeOptions) (*Agent, error) {
	if err := cfg.sanitize(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if opts.Strategy != "" {
		cfg.Resume.Strategy = opts.Strategy
	}

	info, err := deps.Store.LoadInfo(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("agent: resume %s: %w", cfg.ID, err)
	}
	messages, err := deps.Store.LoadMessages(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}
	records, err := deps.Store.LoadToolRecords(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}

	a, err := assemble(ctx, cfg, deps, *info, messages, records, info.LastBookmark.Seq)
	if err != nil {
		return nil, err
	}
	if err := a.recover(ctx); err != nil {
		a.releaseLock()
		return nil, err
	}
	a.start()
	return a, nil
}

// ResumeFromStore resumes using the configuration saved in the agent
// metadata, with optional overrides applied on top.
func ResumeFromStore(ctx context.Context, id string, deps Deps, override func(*Config), opts ResumeOptions) (*Agent, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("agent: Store is required")
	}
	info, err := deps.Store.LoadInfo(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("agent: resume %s: %w", id, err)
	}
	var cfg Config
	if len(info.Config) > 0 {
		if err := json.Unmarshal(info.Config, &cfg); err != nil {
			return nil, fmt.Errorf("agent: saved config for %s does not parse: %w", id, err)
		}
	}
	cfg.ID = id
	if override != nil {
		override(&cfg)
	}
	return Resume(ctx, cfg, deps, opts)
}

// assemble wires the component graph shared by New and Resume.
func assemble(ctx context.Context, cfg Config, deps Deps, info models.AgentInfo, messages []models.Message, records []*models.ToolCallRecord, startCursor uint64) (*Agent, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent_id", cfg.ID)

	release := func() {}
	if locker, ok := deps.Store.(store.Locker); ok {
		var err error
		release, err = locker.AcquireAgentLock(ctx, cfg.ID, lockTimeout)
		if err != nil {
			return nil, fmt.Errorf("agent: acquire lock for %s: %w", cfg.ID, err)
		}
	}

	registry := deps.Tools
	if registry == nil {
		registry = tools.NewRegistry()
		if err := builtin.RegisterAll(registry); err != nil {
			release()
			return nil, err
		}
	}

	bus := events.NewBus(cfg.ID, deps.Store, events.Config{StartCursor: startCursor, Logger: logger})

	a := &Agent{
		cfg:         cfg,
		deps:        deps,
		logger:      logger,
		bus:         bus,
		perms:       permissions.NewManager(cfg.Permissions, bus),
		hooks:       hooks.NewRegistry(bus, logger),
		retry:       provider.DefaultRetryPolicy(),
		queue:       make(chan queued, queueDepth),
		loopDone:    make(chan struct{}),
		releaseLock: release,
	}
	a.state.info = info
	a.state.messages = messages
	a.state.records = records
	a.runCtx, a.runCancel = context.WithCancel(context.Background())

	var err error
	a.bp = newBreakpointManager(info.Breakpoint, bus, logger, a.persistBreakpoint)
	a.ctxmgr = &contextManager{
		agentID:  cfg.ID,
		cfg:      &a.cfg,
		registry: registry,
		bus:      bus,
		store:    deps.Store,
		logger:   logger,
	}

	if cfg.Todo.Enabled {
		a.todos, err = todo.NewManager(ctx, cfg.ID, deps.Store, bus, todo.Config{
			ReminderInterval: cfg.Todo.RemindIntervalSteps,
			Logger:           logger,
		})
		if err != nil {
			release()
			return nil, err
		}
	}

	tasks := deps.Tasks
	if tasks != nil {
		tasks = &subagentRunner{
			inner:     tasks,
			templates: cfg.Subagents.Templates,
			depth:     cfg.Subagents.Depth,
		}
	}

	a.disp = &dispatcher{
		agentID:       cfg.ID,
		cfg:           &a.cfg,
		registry:      registry,
		perms:         a.perms,
		hooks:         a.hooks,
		bus:           bus,
		sandbox:       deps.Sandbox,
		tasks:         tasks,
		logger:        logger,
		persist:       a.persistRecords,
		setBreakpoint: a.bp.Set,
		touch:         a.noteTouched,
	}
	if a.todos != nil {
		a.disp.todos = a.todos
	}

	a.sched, err = schedule.New(cfg.ID, bus, schedule.Config{Inject: a.Inject, Logger: logger})
	if err != nil {
		release()
		return nil, err
	}

	if len(cfg.WatchPaths) > 0 || deps.Sandbox != nil {
		wcfg := watch.Config{
			Paths:  cfg.WatchPaths,
			Inject: a.Inject,
			Logger: logger,
		}
		if deps.Sandbox != nil {
			wcfg.Source = deps.Sandbox
		}
		a.watcher, err = watch.New(a.runCtx, cfg.ID, bus, wcfg)
		if err != nil {
			release()
			return nil, err
		}
	}
	return a, nil
}

// noteTouched extends the file watcher to a path a tool just read or wrote.
func (a *Agent) noteTouched(path string) {
	if a.watcher == nil {
		return
	}
	if err := a.watcher.Watch(path); err != nil {
		a.logger.Debug("could not watch touched path", "path", path, "error", err)
	}
}

func (a *Agent) start() {
	a.sched.Start()
	if a.todos != nil && a.cfg.Todo.ReminderOnStart {
		if msg := a.todos.StartReminder(a.runCtx); msg != nil {
			a.Inject(a.runCtx, *msg)
		}
	}
	go a.run()
}

// ID returns the agent id.
func (a *Agent) ID() string { return a.cfg.ID }

// Config returns a copy of the effective configuration.
func (a *Agent) Config() Config { return a.cfg }

// Bus exposes the agent's event bus.
func (a *Agent) Bus() *events.Bus { return a.bus }

// Scheduler exposes the agent's trigger scheduler.
func (a *Agent) Scheduler() *schedule.Scheduler { return a.sched }

// Hooks exposes the lifecycle hook registry.
func (a *Agent) Hooks() *hooks.Registry { return a.hooks }

// Breakpoint returns the current breakpoint.
func (a *Agent) Breakpoint() models.Breakpoint { return a.bp.Current() }

// Status maps the breakpoint to the embedder-facing status.
func (a *Agent) Status() Status {
	switch a.bp.Current() {
	case models.BreakpointReady:
		return StatusIdle
	case models.BreakpointAwaitingApproval:
		return StatusPaused
	default:
		return StatusWorking
	}
}

// Info returns a copy of the agent metadata.
func (a *Agent) Info() models.AgentInfo {
	a.state.Lock()
	defer a.state.Unlock()
	return a.state.info
}

// Messages returns a copy of the persisted message history.
func (a *Agent) Messages() []models.Message {
	a.state.Lock()
	defer a.state.Unlock()
	return append([]models.Message(nil), a.state.messages...)
}

// ToolRecords returns the agent's tool call records.
func (a *Agent) ToolRecords() []*models.ToolCallRecord {
	a.state.Lock()
	defer a.state.Unlock()
	return append([]*models.ToolCallRecord(nil), a.state.records...)
}

// Send enqueues a user message and blocks until the turn completes,
// returning the final assistant text. It waits through approvals.
func (a *Agent) Send(ctx context.Context, text string) (string, error) {
	done := make(chan turnResult, 1)
	msg := models.NewTextMessage(models.RoleUser, text)
	if err := a.enqueue(ctx, queued{msg: msg, done: done}); err != nil {
		return "", err
	}
	select {
	case res := <-done:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Chat enqueues a user message and returns either the completed text or a
// paused result carrying the pending permission ids. Complete is an alias.
func (a *Agent) Chat(ctx context.Context, text string) (*ChatResult, error) {
	done := make(chan turnResult, 1)
	paused := make(chan struct{}, 1)
	off := a.bus.On(models.EventPermissionRequired, func(models.Event) {
		select {
		case paused <- struct{}{}:
		default:
		}
	})
	defer off()

	msg := models.NewTextMessage(models.RoleUser, text)
	if err := a.enqueue(ctx, queued{msg: msg, done: done}); err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		if res.err != nil {
			return nil, res.err
		}
		return &ChatResult{Status: ChatOK, Text: res.text, Last: res.text}, nil
	case <-paused:
		return &ChatResult{Status: ChatPaused, Last: a.turnText(), PermissionIDs: a.perms.Pending()}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Complete is an alias for Chat.
func (a *Agent) Complete(ctx context.Context, text string) (*ChatResult, error) {
	return a.Chat(ctx, text)
}

// Decide resolves a pending permission request.
func (a *Agent) Decide(ctx context.Context, callID string, decision permissions.Decision, note string) error {
	return a.perms.Decide(ctx, callID, decision, note, "embedder")
}

// Inject queues a reminder message without waiting for the turn. Reminder
// sources (todo, scheduler, watcher) deliver through here.
func (a *Agent) Inject(ctx context.Context, msg models.Message) {
	if err := a.enqueue(ctx, queued{msg: msg}); err != nil {
		a.logger.Warn("reminder dropped", "error", err)
	}
}

func (a *Agent) enqueue(ctx context.Context, q queued) error {
	select {
	case <-a.runCtx.Done():
		return ErrClosed
	default:
	}
	select {
	case a.queue <- q:
		return nil
	case <-a.runCtx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt aborts the in-flight turn at its next yield point. Persisted
// content is kept; in-flight tool calls are marked aborted.
func (a *Agent) Interrupt(note string) {
	a.turnMu.Lock()
	cancel := a.turnCancel
	a.turnMu.Unlock()
	if cancel != nil {
		a.logger.Info("interrupting turn", "note", note)
		cancel()
	}
}

// Close stops the loop, flushes subscriptions, and releases the agent
// lock. The persisted state stays behind for a later resume.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.Interrupt("close")
		a.runCancel()
		<-a.loopDone
		a.sched.Stop()
		if a.watcher != nil {
			_ = a.watcher.Close()
		}
		a.bus.Close()
		a.releaseLock()
	})
}

// run is the loop goroutine: one queued message in, one turn out.
func (a *Agent) run() {
	defer close(a.loopDone)
	for {
		select {
		case q := <-a.queue:
			a.turn(q)
		case <-a.runCtx.Done():
			return
		}
	}
}

// turn drives one full message turn through the breakpoint machine.
func (a *Agent) turn(q queued) {
	ctx, cancel := context.WithCancel(a.runCtx)
	a.turnMu.Lock()
	a.turnCancel = cancel
	a.turnMu.Unlock()
	defer func() {
		cancel()
		a.turnMu.Lock()
		a.turnCancel = nil
		a.turnMu.Unlock()
	}()

	text, err := a.runTurn(ctx, q.msg)
	if q.done != nil {
		q.done <- turnResult{text: text, err: err}
	}
}

func (a *Agent) runTurn(ctx context.Context, incoming models.Message) (string, error) {
	if incoming.ID == "" {
		incoming.ID = uuid.NewString()
	}
	if err := a.appendMessages(ctx, incoming); err != nil {
		return "", a.systemFailure(ctx, err)
	}
	if incoming.IsReminder() {
		source, _ := incoming.Metadata[models.MetadataReminderKey].(string)
		a.emit(ctx, models.Event{
			Type: models.EventReminderSent,
			Data: map[string]any{"source": source},
		})
	}

	a.setTurnText("")
	var lastText string
	for {
		if err := ctx.Err(); err != nil {
			return lastText, a.interrupted(ctx)
		}
		if err := a.bp.Set(ctx, models.BreakpointPreModel); err != nil {
			return lastText, a.systemFailure(ctx, err)
		}

		assistant, usage, err := a.modelStep(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return lastText, a.interrupted(ctx)
			}
			return lastText, a.modelFailure(ctx, err)
		}

		a.hooks.RunPostModel(ctx, *assistant)
		if err := a.appendMessages(ctx, *assistant); err != nil {
			return lastText, a.systemFailure(ctx, err)
		}
		if text := assistant.Text(); text != "" {
			lastText = text
			a.setTurnText(text)
		}
		a.emit(ctx, models.Event{
			Type: models.EventDone,
			Data: map[string]any{"reason": "completed"},
		})
		if usage != nil {
			a.emit(ctx, models.Event{
				Type:  models.EventTokenUsage,
				Usage: &models.UsagePayload{InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens},
			})
		}

		uses := assistant.ToolUses()
		if len(uses) == 0 {
			break
		}

		if err := a.toolStep(ctx, uses); err != nil {
			if errors.Is(err, context.Canceled) {
				return lastText, a.interrupted(ctx)
			}
			return lastText, a.systemFailure(ctx, err)
		}
	}

	a.markSFP(ctx)
	if err := a.bp.Set(ctx, models.BreakpointReady); err != nil {
		return lastText, a.systemFailure(ctx, err)
	}
	a.emit(ctx, models.Event{Type: models.EventStepComplete})
	a.noteStep(ctx)
	return lastText, nil
}

// modelStep runs pre-model hooks, builds the context, and streams one
// assistant message. Retryable provider failures are retried in place.
func (a *Agent) modelStep(ctx context.Context) (*models.Message, *provider.Usage, error) {
	history := a.Messages()
	turn := &hooks.ModelTurn{AgentID: a.cfg.ID, Messages: history, SystemPrompt: a.cfg.SystemPrompt}
	if err := a.hooks.RunPreModel(ctx, turn); err != nil {
		return nil, nil, err
	}

	req, working, compressedHistory, err := a.ctxmgr.BuildRequest(ctx, turn.Messages)
	if err != nil {
		return nil, nil, err
	}
	if turn.SystemPrompt != a.cfg.SystemPrompt {
		req.System = turn.SystemPrompt
	}
	if compressedHistory {
		if err := a.replaceMessages(ctx, working); err != nil {
			return nil, nil, err
		}
	}

	if err := a.bp.Set(ctx, models.BreakpointStreamingModel); err != nil {
		return nil, nil, err
	}

	var lastErr error
	for attempt := 0; attempt < a.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := a.retry.Wait(ctx, attempt-1, lastErr); err != nil {
				return nil, nil, err
			}
		}
		msg, usage, err := a.streamOnce(ctx, req)
		if err == nil {
			return msg, usage, nil
		}
		if errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		lastErr = err
		if !provider.Retryable(err) {
			break
		}
		a.logger.Warn("model stream failed, retrying", "attempt", attempt+1, "error", err)
	}
	return nil, nil, lastErr
}

// streamOnce performs one provider call and assembles the assistant
// message while emitting progress chunks.
func (a *Agent) streamOnce(ctx context.Context, req *provider.Request) (*models.Message, *provider.Usage, error) {
	chunks, err := a.deps.Provider.Stream(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	msg := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		CreatedAt: time.Now(),
	}
	var (
		text  strings.Builder
		think strings.Builder
		usage *provider.Usage
	)
	flushText := func() {
		if text.Len() > 0 {
			msg.Content = append(msg.Content, models.ContentBlock{Type: models.BlockText, Text: text.String()})
			text.Reset()
		}
	}
	flushThink := func() {
		if think.Len() > 0 {
			msg.Content = append(msg.Content, models.ContentBlock{Type: models.BlockReasoning, Text: think.String()})
			think.Reset()
		}
	}

	for chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		switch chunk.Kind {
		case provider.ChunkTextStart:
			a.emit(ctx, models.Event{Type: models.EventTextChunkStart})
		case provider.ChunkTextDelta:
			text.WriteString(chunk.Text)
			a.emit(ctx, models.Event{Type: models.EventTextChunk, Text: &models.TextPayload{Delta: chunk.Text}})
		case provider.ChunkTextEnd:
			a.emit(ctx, models.Event{Type: models.EventTextChunkEnd, Text: &models.TextPayload{Text: text.String()}})
			flushText()
		case provider.ChunkThinkStart:
			a.emit(ctx, models.Event{Type: models.EventThinkChunkStart})
		case provider.ChunkThinkDelta:
			think.WriteString(chunk.Text)
			a.emit(ctx, models.Event{Type: models.EventThinkChunk, Text: &models.TextPayload{Delta: chunk.Text}})
		case provider.ChunkThinkEnd:
			a.emit(ctx, models.Event{Type: models.EventThinkChunkEnd, Text: &models.TextPayload{Text: think.String()}})
			flushThink()
		case provider.ChunkToolUse:
			flushThink()
			flushText()
			msg.Content = append(msg.Content, models.NewToolUseBlock(chunk.ToolUse.ID, chunk.ToolUse.Name, chunk.ToolUse.Input))
		case provider.ChunkDone:
			usage = chunk.Usage
		case provider.ChunkError:
			return nil, nil, chunk.Err
		}
	}
	flushThink()
	flushText()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return msg, usage, nil
}

// toolStep dispatches the turn's tool calls and writes the ordered results
// back as one user message.
func (a *Agent) toolStep(ctx context.Context, uses []models.ContentBlock) error {
	if err := a.bp.Set(ctx, models.BreakpointToolPending); err != nil {
		return err
	}

	batch := make([]*models.ToolCallRecord, 0, len(uses))
	a.state.Lock()
	for _, use := range uses {
		rec := models.NewToolCallRecord(use.ToolUseID, use.ToolName, use.Input)
		a.state.records = append(a.state.records, rec)
		batch = append(batch, rec)
	}
	a.state.Unlock()
	if err := a.persistRecords(ctx); err != nil {
		return err
	}

	blocks, err := a.disp.Dispatch(ctx, batch)
	if err != nil {
		// An interrupted batch still produced a result block per call. Write
		// them on the background context so the persisted transcript keeps
		// every tool_use paired with a tool_result.
		if len(blocks) > 0 {
			wctx := context.WithoutCancel(ctx)
			resultMsg := models.Message{
				ID:        uuid.NewString(),
				Role:      models.RoleUser,
				Content:   blocks,
				CreatedAt: time.Now(),
			}
			if aerr := a.appendMessages(wctx, resultMsg); aerr != nil {
				a.logger.Error("failed to persist aborted tool results", "error", aerr)
			} else {
				a.markSFP(wctx)
			}
		}
		return err
	}

	resultMsg := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   blocks,
		CreatedAt: time.Now(),
	}
	if err := a.appendMessages(ctx, resultMsg); err != nil {
		return err
	}
	a.markSFP(ctx)
	return nil
}

func (a *Agent) setTurnText(text string) {
	a.lastMu.Lock()
	a.lastText = text
	a.lastMu.Unlock()
}

func (a *Agent) turnText() string {
	a.lastMu.Lock()
	defer a.lastMu.Unlock()
	return a.lastText
}

// interrupted seals the turn after a cancellation: flush done, return to
// READY.
func (a *Agent) interrupted(ctx context.Context) error {
	// The turn context is cancelled; use the background run context for
	// the wind-down writes.
	wctx := context.WithoutCancel(ctx)
	a.emit(wctx, models.Event{
		Type: models.EventDone,
		Data: map[string]any{"reason": "interrupted"},
	})
	if err := a.bp.Set(wctx, models.BreakpointReady); err != nil {
		a.logger.Error("failed to reset breakpoint after interrupt", "error", err)
	}
	return context.Canceled
}

// modelFailure ends the turn after exhausted or non-retryable provider
// errors.
func (a *Agent) modelFailure(ctx context.Context, err error) error {
	wctx := context.WithoutCancel(ctx)
	a.emit(wctx, models.Event{
		Type: models.EventError,
		Error: &models.ErrorPayload{
			Severity: models.SeverityError,
			Phase:    models.PhaseModel,
			Message:  "model call failed",
			Detail:   err.Error(),
		},
	})
	a.emit(wctx, models.Event{
		Type: models.EventDone,
		Data: map[string]any{"reason": "interrupted"},
	})
	if berr := a.bp.Set(wctx, models.BreakpointReady); berr != nil {
		a.logger.Error("failed to reset breakpoint after model failure", "error", berr)
	}
	return err
}

// systemFailure pauses the loop on store-level failures the kernel cannot
// advance through.
func (a *Agent) systemFailure(ctx context.Context, err error) error {
	wctx := context.WithoutCancel(ctx)
	a.emit(wctx, models.Event{
		Type: models.EventError,
		Error: &models.ErrorPayload{
			Severity: models.SeverityFatal,
			Phase:    models.PhaseSystem,
			Message:  "kernel cannot advance",
			Detail:   err.Error(),
		},
	})
	return err
}

func (a *Agent) emit(ctx context.Context, ev models.Event) {
	if _, err := a.bus.Emit(ctx, ev); err != nil {
		a.logger.Warn("failed to emit event", "type", ev.Type, "error", err)
	}
}

// noteStep advances the step-based reminder clocks after a completed turn.
func (a *Agent) noteStep(ctx context.Context) {
	if a.todos != nil {
		if msg := a.todos.NoteStep(ctx); msg != nil {
			a.Inject(ctx, *msg)
		}
	}
	a.sched.NoteStep(ctx)
}

// appendMessages persists new messages and notifies transcript hooks.
func (a *Agent) appendMessages(ctx context.Context, msgs ...models.Message) error {
	a.state.Lock()
	a.state.messages = append(a.state.messages, msgs...)
	snapshot := append([]models.Message(nil), a.state.messages...)
	a.state.info.MessageCount = len(snapshot)
	a.state.Unlock()

	if err := a.deps.Store.SaveMessages(ctx, a.cfg.ID, snapshot); err != nil {
		return fmt.Errorf("agent: save messages: %w", err)
	}
	if err := a.saveInfo(ctx); err != nil {
		return err
	}
	a.hooks.RunMessagesChanged(ctx, snapshot)
	return nil
}

// replaceMessages swaps the whole durable history, e.g. after compression.
func (a *Agent) replaceMessages(ctx context.Context, msgs []models.Message) error {
	a.state.Lock()
	a.state.messages = append([]models.Message(nil), msgs...)
	snapshot := append([]models.Message(nil), a.state.messages...)
	a.state.info.MessageCount = len(snapshot)
	if a.state.info.LastSFPIndex > len(snapshot) {
		a.state.info.LastSFPIndex = len(snapshot)
	}
	a.state.Unlock()

	if err := a.deps.Store.SaveMessages(ctx, a.cfg.ID, snapshot); err != nil {
		return fmt.Errorf("agent: save messages: %w", err)
	}
	if err := a.saveInfo(ctx); err != nil {
		return err
	}
	a.hooks.RunMessagesChanged(ctx, snapshot)
	return nil
}

// markSFP records the current history end as the safe-fork-point.
func (a *Agent) markSFP(ctx context.Context) {
	a.state.Lock()
	a.state.info.LastSFPIndex = len(a.state.messages)
	a.state.info.LastBookmark = models.Bookmark{Seq: a.bus.Cursor(), Timestamp: time.Now()}
	a.state.Unlock()
	if err := a.saveInfo(ctx); err != nil {
		a.logger.Error("failed to persist safe-fork-point", "error", err)
	}
}

func (a *Agent) persistRecords(ctx context.Context) error {
	a.state.Lock()
	snapshot := append([]*models.ToolCallRecord(nil), a.state.records...)
	a.state.Unlock()
	if err := a.deps.Store.SaveToolRecords(ctx, a.cfg.ID, snapshot); err != nil {
		return fmt.Errorf("agent: save tool records: %w", err)
	}
	return nil
}

func (a *Agent) persistBreakpoint(ctx context.Context, bp models.Breakpoint) error {
	a.state.Lock()
	a.state.info.Breakpoint = bp
	a.state.Unlock()
	return a.saveInfo(ctx)
}

func (a *Agent) saveInfo(ctx context.Context) error {
	a.state.Lock()
	a.state.info.UpdatedAt = time.Now()
	info := a.state.info
	a.state.Unlock()
	if err := a.deps.Store.SaveInfo(ctx, &info); err != nil {
		return fmt.Errorf("agent: save info: %w", err)
	}
	return nil
}
