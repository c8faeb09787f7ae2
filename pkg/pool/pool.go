// Package pool manages a fleet of agents over one shared store: creation,
// resume, forking from snapshots, subagent tasks, rooms, and graceful
// process shutdown with a durable running list.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/store"
	"github.com/loomworks/loom/pkg/tools"
)

// ErrNotRunning is returned for operations on an agent id the pool does not
// have live.
var ErrNotRunning = errors.New("pool: agent not running")

// DefaultShutdownTimeout bounds how long GracefulShutdown waits for busy
// agents before force-interrupting them.
const DefaultShutdownTimeout = 30 * time.Second

// defaultTaskTimeout bounds one subagent task run.
const defaultTaskTimeout = 10 * time.Minute

// SandboxFactory builds the per-agent sandbox. A nil factory leaves agents
// without filesystem tools.
type SandboxFactory func(agentID string) (sandbox.Sandbox, error)

// Config configures a Pool.
type Config struct {
	// Store is required and shared by every agent.
	Store store.Store

	// Provider is the default model provider for new agents.
	Provider provider.ModelProvider

	// Sandboxes builds per-agent sandboxes. Optional.
	Sandboxes SandboxFactory

	// Templates maps template names to base configurations for Create and
	// task_run.
	Templates map[string]agent.Config

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Pool owns the live agents of one process.
type Pool struct {
	store     store.Store
	provider  provider.ModelProvider
	sandboxes SandboxFactory
	templates map[string]agent.Config
	logger    *slog.Logger

	mu     sync.Mutex
	agents map[string]*agent.Agent
	rooms  map[string]*Room
	closed bool
}

// New creates an empty pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pool: Store is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("pool: Provider is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		store:     cfg.Store,
		provider:  cfg.Provider,
		sandboxes: cfg.Sandboxes,
		templates: cfg.Templates,
		logger:    logger,
		agents:    make(map[string]*agent.Agent),
		rooms:     make(map[string]*Room),
	}, nil
}

// deps builds the dependency set for one agent id.
func (p *Pool) deps(agentID string) (agent.Deps, error) {
	deps := agent.Deps{
		Store:    p.store,
		Provider: p.provider,
		Tasks:    p,
		Logger:   p.logger,
	}
	if p.sandboxes != nil {
		sb, err := p.sandboxes(agentID)
		if err != nil {
			return agent.Deps{}, fmt.Errorf("pool: sandbox for %s: %w", agentID, err)
		}
		deps.Sandbox = sb
	}
	return deps, nil
}

// Create starts a new agent. The config may name a registered template; its
// fields are the base and explicit config fields override it. Ids that
// already exist in the store are refused.
func (p *Pool) Create(ctx context.Context, cfg agent.Config) (*agent.Agent, error) {
	if cfg.Template != "" {
		base, ok := p.templates[cfg.Template]
		if !ok {
			return nil, fmt.Errorf("pool: unknown template %q", cfg.Template)
		}
		cfg = mergeConfig(base, cfg)
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, agent.ErrClosed
	}
	if _, live := p.agents[cfg.ID]; live {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", store.ErrAgentExists, cfg.ID)
	}
	p.mu.Unlock()

	deps, err := p.deps(cfg.ID)
	if err != nil {
		return nil, err
	}
	a, err := agent.New(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}
	p.track(a)
	return a, nil
}

// Resume reopens a stored agent with the given config.
func (p *Pool) Resume(ctx context.Context, cfg agent.Config, opts agent.ResumeOptions) (*agent.Agent, error) {
	deps, err := p.deps(cfg.ID)
	if err != nil {
		return nil, err
	}
	a, err := agent.Resume(ctx, cfg, deps, opts)
	if err != nil {
		return nil, err
	}
	p.track(a)
	return a, nil
}

// ResumeFromStore reopens a stored agent using its saved configuration with
// optional overrides.
func (p *Pool) ResumeFromStore(ctx context.Context, id string, override func(*agent.Config), opts agent.ResumeOptions) (*agent.Agent, error) {
	deps, err := p.deps(id)
	if err != nil {
		return nil, err
	}
	a, err := agent.ResumeFromStore(ctx, id, deps, override, opts)
	if err != nil {
		return nil, err
	}
	p.track(a)
	return a, nil
}

func (p *Pool) track(a *agent.Agent) {
	p.mu.Lock()
	p.agents[a.ID()] = a
	p.mu.Unlock()
}

// Get returns the live agent with the given id.
func (p *Pool) Get(id string) (*agent.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[id]
	return a, ok
}

// Running lists the ids of live agents.
func (p *Pool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.agents))
	for id := range p.agents {
		ids = append(ids, id)
	}
	return ids
}

// Stored lists every agent id in the store, live or not.
func (p *Pool) Stored(ctx context.Context) ([]string, error) {
	return p.store.List(ctx, "")
}

// Fork creates a new agent from a snapshot of an existing one. The fork
// gets the snapshot's messages, the source todos, and the terminal tool
// records covering them; its event log starts fresh and its lineage extends
// the source's.
func (p *Pool) Fork(ctx context.Context, sourceID, snapshotID, forkID string) (*agent.Agent, error) {
	if forkID == "" {
		forkID = sourceID + "-fork-" + uuid.NewString()[:8]
	}
	exists, err := p.store.Exists(ctx, forkID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", store.ErrAgentExists, forkID)
	}

	srcInfo, err := p.store.LoadInfo(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("pool: fork source %s: %w", sourceID, err)
	}
	snap, err := p.store.LoadSnapshot(ctx, sourceID, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("pool: snapshot %s of %s: %w", snapshotID, sourceID, err)
	}
	todos, err := p.store.LoadTodos(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	records, err := p.store.LoadToolRecords(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	var cfg agent.Config
	if len(srcInfo.Config) > 0 {
		if err := unmarshalConfig(srcInfo.Config, &cfg); err != nil {
			return nil, fmt.Errorf("pool: source config does not parse: %w", err)
		}
	}
	cfg.ID = forkID

	// Keep only records whose result is inside the snapshot: a terminal
	// record with its tool_result present in the copied history.
	var kept []*models.ToolCallRecord
	for _, rec := range records {
		if rec.State.Terminal() && models.FindToolResult(snap.Messages, rec.ID) != nil {
			kept = append(kept, rec)
		}
	}

	if err := p.store.SaveMessages(ctx, forkID, snap.Messages); err != nil {
		return nil, err
	}
	if err := p.store.SaveToolRecords(ctx, forkID, kept); err != nil {
		return nil, err
	}
	if err := p.store.SaveTodos(ctx, forkID, todos); err != nil {
		return nil, err
	}

	now := time.Now()
	info := models.AgentInfo{
		ID:           forkID,
		Template:     srcInfo.Template,
		CreatedAt:    now,
		UpdatedAt:    now,
		Lineage:      append(append([]string(nil), srcInfo.Lineage...), sourceID),
		ConfigHash:   cfg.Hash(),
		Config:       marshalConfig(&cfg),
		MessageCount: len(snap.Messages),
		LastSFPIndex: snap.SFPIndex,
		Breakpoint:   models.BreakpointReady,
	}
	if err := p.store.SaveInfo(ctx, &info); err != nil {
		return nil, err
	}

	return p.Resume(ctx, cfg, agent.ResumeOptions{})
}

// Destroy stops a live agent and deletes all of its durable state.
func (p *Pool) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	a := p.agents[id]
	delete(p.agents, id)
	for _, room := range p.rooms {
		room.forget(id)
	}
	p.mu.Unlock()

	if a != nil {
		a.Close()
	}
	if err := p.store.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Stop closes a live agent without deleting its state.
func (p *Pool) Stop(id string) error {
	p.mu.Lock()
	a := p.agents[id]
	delete(p.agents, id)
	for _, room := range p.rooms {
		room.forget(id)
	}
	p.mu.Unlock()
	if a == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	a.Close()
	return nil
}

// ShutdownOptions tune GracefulShutdown.
type ShutdownOptions struct {
	// Timeout bounds the wait for busy agents. Defaults to
	// DefaultShutdownTimeout.
	Timeout time.Duration

	// ForceInterrupt cancels turns still running at the deadline instead of
	// abandoning them mid-write.
	ForceInterrupt bool

	// SaveRunningList persists the live agent ids as pool metadata so
	// ResumeFromShutdown can bring them back.
	SaveRunningList bool
}

// ShutdownReport classifies how each agent went down: drained to idle,
// force-interrupted mid-turn, or still busy when the pool gave up.
type ShutdownReport struct {
	Completed   []string
	Interrupted []string
	Failed      []string
}

// GracefulShutdown drains the pool: waits for agents to go idle, optionally
// interrupts stragglers, saves the running list, and closes every agent.
// The report classifies every agent even when the context expires first.
func (p *Pool) GracefulShutdown(ctx context.Context, opts ShutdownOptions) (*ShutdownReport, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	p.mu.Lock()
	p.closed = true
	running := make([]string, 0, len(p.agents))
	live := make([]*agent.Agent, 0, len(p.agents))
	for id, a := range p.agents {
		running = append(running, id)
		live = append(live, a)
	}
	p.mu.Unlock()

	report := &ShutdownReport{}

	if opts.SaveRunningList {
		meta := &models.PoolMeta{Running: running, SavedAt: time.Now()}
		if err := p.store.SavePoolMeta(ctx, meta); err != nil {
			return report, fmt.Errorf("pool: save running list: %w", err)
		}
	}

	deadline := time.Now().Add(timeout)
	for _, a := range live {
		for a.Status() == agent.StatusWorking && time.Now().Before(deadline) {
			select {
			case <-ctx.Done():
				report.Failed = append(report.Failed, a.ID())
				return report, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}
		switch {
		case a.Status() != agent.StatusWorking:
			report.Completed = append(report.Completed, a.ID())
		case opts.ForceInterrupt:
			a.Interrupt("graceful shutdown")
			report.Interrupted = append(report.Interrupted, a.ID())
		default:
			report.Failed = append(report.Failed, a.ID())
		}
	}
	for _, a := range live {
		a.Close()
	}

	p.mu.Lock()
	p.agents = make(map[string]*agent.Agent)
	p.mu.Unlock()
	p.logger.Info("pool shut down",
		"completed", len(report.Completed),
		"interrupted", len(report.Interrupted),
		"failed", len(report.Failed))
	return report, nil
}

// ResumeFromShutdown restores the agents recorded by the last
// GracefulShutdown. Agents that fail to resume are logged and skipped.
func (p *Pool) ResumeFromShutdown(ctx context.Context, opts agent.ResumeOptions) ([]*agent.Agent, error) {
	meta, err := p.store.LoadPoolMeta(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var resumed []*agent.Agent
	for _, id := range meta.Running {
		a, err := p.ResumeFromStore(ctx, id, nil, opts)
		if err != nil {
			p.logger.Error("failed to resume agent from shutdown list", "agent_id", id, "error", err)
			continue
		}
		resumed = append(resumed, a)
	}
	return resumed, nil
}

// RegisterShutdownHandlers installs SIGINT/SIGTERM handlers that run
// GracefulShutdown and then invoke done. It returns a closure that removes
// the handlers.
func (p *Pool) RegisterShutdownHandlers(opts ShutdownOptions, done func()) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		p.logger.Info("shutdown signal received", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout+5*time.Second)
		defer cancel()
		if _, err := p.GracefulShutdown(ctx, opts); err != nil {
			p.logger.Error("graceful shutdown failed", "error", err)
		}
		if done != nil {
			done()
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

// RunTask implements the subagent runner behind the task_run tool: a fresh
// ephemeral agent is created from the template, runs the prompt to
// completion, and is destroyed. Its transcript does not survive.
func (p *Pool) RunTask(ctx context.Context, template, prompt string) (string, error) {
	return p.runTask(ctx, template, prompt, nil)
}

// RunTaskWithDepth runs a task whose child agent gets the given nesting
// budget instead of the template's, so a chain of subagents bottoms out.
func (p *Pool) RunTaskWithDepth(ctx context.Context, template, prompt string, depth int) (string, error) {
	return p.runTask(ctx, template, prompt, &depth)
}

func (p *Pool) runTask(ctx context.Context, template, prompt string, depth *int) (string, error) {
	base, ok := p.templates[template]
	if !ok {
		return "", fmt.Errorf("pool: unknown task template %q", template)
	}
	cfg := base
	cfg.ID = "task-" + uuid.NewString()
	cfg.Template = ""
	switch {
	case depth != nil:
		cfg.Subagents.Depth = *depth
	case cfg.Subagents.Depth > 0:
		cfg.Subagents.Depth--
	}

	a, err := p.Create(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() {
		if derr := p.Destroy(context.WithoutCancel(ctx), a.ID()); derr != nil {
			p.logger.Warn("failed to destroy task agent", "agent_id", a.ID(), "error", derr)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, defaultTaskTimeout)
	defer cancel()
	return a.Send(taskCtx, prompt)
}

// Close shuts the pool down without saving the running list.
func (p *Pool) Close() error {
	_, err := p.GracefulShutdown(context.Background(), ShutdownOptions{ForceInterrupt: true})
	return err
}

var _ tools.TaskRunner = (*Pool)(nil)

// mergeConfig overlays explicit fields of over onto base. Zero-valued
// fields in over keep the template's value.
func mergeConfig(base, over agent.Config) agent.Config {
	out := base
	out.ID = over.ID
	out.Template = over.Template
	if over.SystemPrompt != "" {
		out.SystemPrompt = over.SystemPrompt
	}
	if over.Model != "" {
		out.Model = over.Model
	}
	if over.MaxTokens > 0 {
		out.MaxTokens = over.MaxTokens
	}
	if over.ToolFanOut > 0 {
		out.ToolFanOut = over.ToolFanOut
	}
	if over.ToolTimeout > 0 {
		out.ToolTimeout = over.ToolTimeout
	}
	if over.Permissions.Mode != "" || len(over.Permissions.AllowTools) > 0 ||
		len(over.Permissions.DenyTools) > 0 || len(over.Permissions.RequireApprovalTools) > 0 {
		out.Permissions = over.Permissions
	}
	if over.Todo.Enabled {
		out.Todo = over.Todo
	}
	if over.Context != (agent.ContextConfig{}) {
		out.Context = over.Context
	}
	if over.Thinking.Enabled {
		out.Thinking = over.Thinking
	}
	if over.Subagents.Depth > 0 || len(over.Subagents.Templates) > 0 {
		out.Subagents = over.Subagents
	}
	if over.Resume.Strategy != "" {
		out.Resume = over.Resume
	}
	if len(over.WatchPaths) > 0 {
		out.WatchPaths = over.WatchPaths
	}
	return out
}

func marshalConfig(cfg *agent.Config) json.RawMessage {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	return doc
}

func unmarshalConfig(doc json.RawMessage, cfg *agent.Config) error {
	return json.Unmarshal(doc, cfg)
}
