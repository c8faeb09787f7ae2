package pool_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/permissions"
	"github.com/loomworks/loom/pkg/pool"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/provider/fake"
	"github.com/loomworks/loom/pkg/store"
)

func newTestPool(t *testing.T, st store.Store, fp *fake.Provider, templates map[string]agent.Config) *pool.Pool {
	t.Helper()
	p, err := pool.New(pool.Config{Store: st, Provider: fp, Templates: templates})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func autoConfig(id string) agent.Config {
	return agent.Config{ID: id, Permissions: permissions.Policy{Mode: permissions.ModeAuto}}
}

func TestCreateTracksAndRefusesLiveDuplicate(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, store.NewMemory(), fake.New(), nil)
	defer p.Close()

	a, err := p.Create(ctx, autoConfig("worker"))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() != "worker" {
		t.Fatalf("id = %s", a.ID())
	}
	if _, ok := p.Get("worker"); !ok {
		t.Fatal("created agent not tracked")
	}
	if running := p.Running(); len(running) != 1 || running[0] != "worker" {
		t.Fatalf("running = %v", running)
	}

	if _, err := p.Create(ctx, autoConfig("worker")); err == nil {
		t.Fatal("duplicate id accepted")
	}
}

func TestCreateGeneratesIDWhenEmpty(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, store.NewMemory(), fake.New(), nil)
	defer p.Close()

	a, err := p.Create(ctx, agent.Config{Permissions: permissions.Policy{Mode: permissions.ModeAuto}})
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() == "" {
		t.Fatal("no id generated")
	}
}

func TestCreateMergesTemplate(t *testing.T) {
	ctx := context.Background()
	templates := map[string]agent.Config{
		"researcher": {
			SystemPrompt: "You research things.",
			Model:        "claude-base",
			ToolFanOut:   2,
		},
	}
	p := newTestPool(t, store.NewMemory(), fake.New(), templates)
	defer p.Close()

	a, err := p.Create(ctx, agent.Config{
		ID:       "r1",
		Template: "researcher",
		Model:    "claude-override",
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := a.Config()
	if cfg.SystemPrompt != "You research things." {
		t.Fatalf("system prompt = %q", cfg.SystemPrompt)
	}
	if cfg.Model != "claude-override" {
		t.Fatalf("model = %q", cfg.Model)
	}
	if cfg.ToolFanOut != 2 {
		t.Fatalf("fan-out = %d", cfg.ToolFanOut)
	}

	if _, err := p.Create(ctx, agent.Config{ID: "r2", Template: "missing"}); err == nil {
		t.Fatal("unknown template accepted")
	}
}

func TestStopKeepsStateDestroyDeletesIt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	p := newTestPool(t, st, fake.New(fake.Text("hello")), nil)
	defer p.Close()

	a, err := p.Create(ctx, autoConfig("keeper"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Send(ctx, "hi"); err != nil {
		t.Fatal(err)
	}

	if err := p.Stop("keeper"); err != nil {
		t.Fatal(err)
	}
	if exists, _ := st.Exists(ctx, "keeper"); !exists {
		t.Fatal("Stop deleted the stored agent")
	}
	if err := p.Stop("keeper"); err == nil {
		t.Fatal("second Stop on a stopped agent succeeded")
	}

	b, err := p.Create(ctx, autoConfig("doomed"))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Destroy(ctx, b.ID()); err != nil {
		t.Fatal(err)
	}
	if exists, _ := st.Exists(ctx, "doomed"); exists {
		t.Fatal("Destroy left stored state behind")
	}
}

func TestForkDivergesFromSnapshot(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fp := fake.New(
		fake.Text("the sky is blue"), // source turn 1
		fake.Text("because of rayleigh scattering"), // source turn 2
		fake.Text("poem about the sky"),             // fork turn
	)
	p := newTestPool(t, st, fp, nil)
	defer p.Close()

	src, err := p.Create(ctx, autoConfig("science"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Send(ctx, "what color is the sky?"); err != nil {
		t.Fatal(err)
	}
	snap, err := src.Snapshot(ctx, "after-first-answer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Send(ctx, "why?"); err != nil {
		t.Fatal(err)
	}

	forked, err := p.Fork(ctx, "science", snap.ID, "poetry")
	if err != nil {
		t.Fatal(err)
	}

	// The fork starts from the snapshot: two messages, not four.
	if got := len(forked.Messages()); got != 2 {
		t.Fatalf("fork history = %d messages, want 2", got)
	}
	info := forked.Info()
	if len(info.Lineage) != 1 || info.Lineage[0] != "science" {
		t.Fatalf("fork lineage = %v", info.Lineage)
	}

	// The two agents now evolve independently.
	answer, err := forked.Send(ctx, "now write a poem about it")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "poem about the sky" {
		t.Fatalf("fork answer = %q", answer)
	}
	if len(src.Messages()) != 4 {
		t.Fatalf("source history = %d messages, want 4", len(src.Messages()))
	}
	if len(forked.Messages()) != 4 {
		t.Fatalf("fork history after its turn = %d messages, want 4", len(forked.Messages()))
	}
	srcLast := src.Messages()[3].Text()
	forkLast := forked.Messages()[3].Text()
	if srcLast == forkLast {
		t.Fatalf("histories did not diverge: both end with %q", srcLast)
	}

	// The fork's event log starts fresh.
	evs, err := st.ReadEvents(ctx, "poetry", store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	for _, ev := range evs {
		if ev.AgentID != "poetry" {
			t.Fatalf("fork event belongs to %s", ev.AgentID)
		}
	}

	// Forking onto an existing id is refused.
	if _, err := p.Fork(ctx, "science", snap.ID, "poetry"); err == nil {
		t.Fatal("fork onto existing id accepted")
	}
}

func TestGracefulShutdownAndResumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fp := fake.New(fake.Text("one"), fake.Text("two"))
	p := newTestPool(t, st, fp, nil)

	a, err := p.Create(ctx, autoConfig("alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Create(ctx, autoConfig("beta")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Send(ctx, "hi"); err != nil {
		t.Fatal(err)
	}

	report, err := p.GracefulShutdown(ctx, pool.ShutdownOptions{
		Timeout:         2 * time.Second,
		SaveRunningList: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Running()) != 0 {
		t.Fatalf("agents still live after shutdown: %v", p.Running())
	}
	if len(report.Completed) != 2 || len(report.Interrupted) != 0 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v", report)
	}

	meta, err := st.LoadPoolMeta(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(meta.Running) != 2 {
		t.Fatalf("saved running list = %v", meta.Running)
	}

	// A new pool over the same store restores the fleet.
	p2 := newTestPool(t, st, fp, nil)
	defer p2.Close()
	resumed, err := p2.ResumeFromShutdown(ctx, agent.ResumeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 2 {
		t.Fatalf("resumed %d agents, want 2", len(resumed))
	}
	restored, ok := p2.Get("alpha")
	if !ok {
		t.Fatal("alpha not live after resume")
	}
	if len(restored.Messages()) != 2 {
		t.Fatalf("alpha history = %d messages", len(restored.Messages()))
	}
}

// stallProvider opens a stream and holds it until the turn is cancelled.
type stallProvider struct {
	started chan struct{}
}

func (p *stallProvider) Name() string { return "stall" }

func (p *stallProvider) Stream(ctx context.Context, _ *provider.Request) (<-chan provider.Chunk, error) {
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		select {
		case p.started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		out <- provider.Chunk{Kind: provider.ChunkError, Err: ctx.Err()}
	}()
	return out, nil
}

func TestGracefulShutdownReportsInterruptedAgents(t *testing.T) {
	ctx := context.Background()
	sp := &stallProvider{started: make(chan struct{}, 1)}
	p, err := pool.New(pool.Config{Store: store.NewMemory(), Provider: sp})
	if err != nil {
		t.Fatal(err)
	}

	a, err := p.Create(ctx, autoConfig("busy"))
	if err != nil {
		t.Fatal(err)
	}
	go a.Send(context.Background(), "work")
	select {
	case <-sp.started:
	case <-time.After(2 * time.Second):
		t.Fatal("turn never started streaming")
	}

	report, err := p.GracefulShutdown(ctx, pool.ShutdownOptions{
		Timeout:        200 * time.Millisecond,
		ForceInterrupt: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Interrupted) != 1 || report.Interrupted[0] != "busy" {
		t.Fatalf("report = %+v", report)
	}
	if len(report.Completed) != 0 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestResumeFromShutdownWithoutMetaIsEmpty(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, store.NewMemory(), fake.New(), nil)
	defer p.Close()

	resumed, err := p.ResumeFromShutdown(ctx, agent.ResumeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resumed) != 0 {
		t.Fatalf("resumed = %v", resumed)
	}
}

func TestRunTaskIsEphemeral(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	fp := fake.New(fake.Text("task answer"))
	templates := map[string]agent.Config{
		"summarizer": {Permissions: permissions.Policy{Mode: permissions.ModeAuto}},
	}
	p := newTestPool(t, st, fp, templates)
	defer p.Close()

	answer, err := p.RunTask(ctx, "summarizer", "summarize this")
	if err != nil {
		t.Fatal(err)
	}
	if answer != "task answer" {
		t.Fatalf("answer = %q", answer)
	}

	// The ephemeral agent left nothing behind.
	ids, err := p.Stored(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		if strings.HasPrefix(id, "task-") {
			t.Fatalf("task agent %s survived", id)
		}
	}
	if len(p.Running()) != 0 {
		t.Fatalf("running = %v", p.Running())
	}

	if _, err := p.RunTask(ctx, "unknown", "x"); err == nil {
		t.Fatal("unknown template accepted")
	}
}

func TestCreateRefusedAfterShutdown(t *testing.T) {
	ctx := context.Background()
	p := newTestPool(t, store.NewMemory(), fake.New(), nil)
	if _, err := p.GracefulShutdown(ctx, pool.ShutdownOptions{Timeout: time.Second}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Create(ctx, autoConfig("late")); err == nil {
		t.Fatal("create succeeded on a closed pool")
	}
}
