package agent_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/agent"
	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/permissions"
	"github.com/loomworks/loom/pkg/provider"
	"github.com/loomworks/loom/pkg/provider/fake"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/store"
)

// blockingProvider streams a text start and then holds the stream open
// until the context is cancelled.
type blockingProvider struct{}

func (blockingProvider) Name() string { return "blocking" }

func (blockingProvider) Stream(ctx context.Context, _ *provider.Request) (<-chan provider.Chunk, error) {
	out := make(chan provider.Chunk, 1)
	out <- provider.Chunk{Kind: provider.ChunkTextStart}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func waitForStatus(t *testing.T, a *agent.Agent, want agent.Status) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.Status() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("agent never reached status %q, still %q", want, a.Status())
}

func TestSendCompletesSimpleTurn(t *testing.T) {
	st := store.NewMemory()
	prov := fake.New(fake.Text("pong"))

	a, err := agent.New(context.Background(), agent.Config{ID: "ping"}, agent.Deps{Store: st, Provider: prov})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	reply, err := a.Send(context.Background(), "ping")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "pong" {
		t.Fatalf("reply = %q, want %q", reply, "pong")
	}
	if got := a.Breakpoint(); got != models.BreakpointReady {
		t.Fatalf("breakpoint = %s, want READY", got)
	}

	msgs := a.Messages()
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Text() != "ping" {
		t.Fatalf("first message = %+v", msgs[0])
	}
	if msgs[1].Role != models.RoleAssistant || msgs[1].Text() != "pong" {
		t.Fatalf("second message = %+v", msgs[1])
	}

	// The durable state must be observable by a fresh read.
	loaded, err := st.LoadMessages(context.Background(), "ping")
	if err != nil {
		t.Fatalf("LoadMessages: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("persisted message count = %d, want 2", len(loaded))
	}

	evs, err := st.ReadEvents(context.Background(), "ping", store.EventFilter{})
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	var sawDelta, sawDone, sawStep bool
	for _, ev := range evs {
		switch ev.Type {
		case models.EventTextChunk:
			sawDelta = true
		case models.EventDone:
			sawDone = true
		case models.EventStepComplete:
			sawStep = true
		}
	}
	if !sawDelta || !sawDone || !sawStep {
		t.Fatalf("missing progress events: delta=%v done=%v step=%v", sawDelta, sawDone, sawStep)
	}
	for i := 1; i < len(evs); i++ {
		if evs[i].Cursor <= evs[i-1].Cursor {
			t.Fatalf("cursors not strictly increasing at %d: %d then %d", i, evs[i-1].Cursor, evs[i].Cursor)
		}
	}
}

func TestToolCallAutoApproved(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello world\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sb, err := sandbox.NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	st := store.NewMemory()
	prov := fake.New(
		fake.ToolCall("call-1", "fs_read", `{"path":"hello.txt"}`),
		fake.Text("the file says hello"),
	)

	a, err := agent.New(context.Background(), agent.Config{ID: "reader"}, agent.Deps{
		Store:    st,
		Provider: prov,
		Sandbox:  sb,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	reply, err := a.Send(context.Background(), "what does hello.txt say?")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply != "the file says hello" {
		t.Fatalf("reply = %q", reply)
	}

	recs := a.ToolRecords()
	if len(recs) != 1 {
		t.Fatalf("tool record count = %d, want 1", len(recs))
	}
	rec := recs[0]
	if rec.State != models.ToolCallCompleted {
		t.Fatalf("record state = %s, want COMPLETED", rec.State)
	}
	if rec.Result == nil || !rec.Result.OK || !strings.Contains(rec.Result.Content, "hello world") {
		t.Fatalf("record result = %+v", rec.Result)
	}

	// The tool result block must be in the transcript, matched by id.
	block := models.FindToolResult(a.Messages(), "call-1")
	if block == nil {
		t.Fatal("no tool_result block for call-1")
	}
	if block.IsError {
		t.Fatalf("tool_result marked as error: %s", block.Text)
	}

	// The second model call must carry the tool result back.
	reqs := prov.Requests()
	if len(reqs) != 2 {
		t.Fatalf("provider saw %d requests, want 2", len(reqs))
	}
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	if !last.IsToolResultMessage() {
		t.Fatalf("last outgoing message is not a tool result message: %+v", last)
	}
}

func TestApprovalDeniedWithNote(t *testing.T) {
	st := store.NewMemory()
	prov := fake.New(
		fake.ToolCall("call-1", "fs_write", `{"path":"x.txt","content":"hi"}`),
		fake.Text("understood"),
	)
	sb, err := sandbox.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	a, err := agent.New(context.Background(), agent.Config{
		ID:          "careful",
		Permissions: permissions.Policy{Mode: permissions.ModeApproval},
	}, agent.Deps{Store: st, Provider: prov, Sandbox: sb})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	res, err := a.Chat(context.Background(), "write a file")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Status != agent.ChatPaused {
		t.Fatalf("chat status = %q, want paused", res.Status)
	}
	if len(res.PermissionIDs) != 1 || res.PermissionIDs[0] != "call-1" {
		t.Fatalf("permission ids = %v", res.PermissionIDs)
	}
	if got := a.Status(); got != agent.StatusPaused {
		t.Fatalf("agent status = %q, want paused", got)
	}

	if err := a.Decide(context.Background(), "call-1", permissions.DecisionDeny, "nope"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitForStatus(t, a, agent.StatusIdle)

	recs := a.ToolRecords()
	if len(recs) != 1 {
		t.Fatalf("tool record count = %d", len(recs))
	}
	rec := recs[0]
	if rec.State != models.ToolCallDenied {
		t.Fatalf("record state = %s, want DENIED", rec.State)
	}
	if rec.Approval.Note != "nope" || rec.Approval.Decision != "deny" {
		t.Fatalf("approval = %+v", rec.Approval)
	}

	block := models.FindToolResult(a.Messages(), "call-1")
	if block == nil {
		t.Fatal("no tool_result block for denied call")
	}
	if !block.IsError || !strings.Contains(block.Text, "nope") {
		t.Fatalf("tool_result = %+v", block)
	}

	// Deciding twice must fail.
	err = a.Decide(context.Background(), "call-1", permissions.DecisionAllow, "")
	if err == nil {
		t.Fatal("second Decide succeeded")
	}
}

func TestResumeSealsInterruptedExecution(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	// Build the durable remains of a process that died mid-execution.
	user := models.NewTextMessage(models.RoleUser, "run something")
	assistant := models.Message{
		ID:   "m2",
		Role: models.RoleAssistant,
		Content: []models.ContentBlock{
			models.NewToolUseBlock("call-1", "shell_exec", json.RawMessage(`{"command":"true"}`)),
		},
		CreatedAt: time.Now(),
	}
	if err := st.SaveMessages(ctx, "crashy", []models.Message{user, assistant}); err != nil {
		t.Fatal(err)
	}

	rec := models.NewToolCallRecord("call-1", "shell_exec", json.RawMessage(`{"command":"true"}`))
	if err := rec.Transition(models.ToolCallExecuting, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveToolRecords(ctx, "crashy", []*models.ToolCallRecord{rec}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	info := &models.AgentInfo{
		ID:         "crashy",
		CreatedAt:  now,
		UpdatedAt:  now,
		Breakpoint: models.BreakpointToolExecuting,
	}
	if err := st.SaveInfo(ctx, info); err != nil {
		t.Fatal(err)
	}

	prov := fake.New()
	a, err := agent.Resume(ctx, agent.Config{ID: "crashy"}, agent.Deps{Store: st, Provider: prov}, agent.ResumeOptions{})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer a.Close()

	if got := a.Breakpoint(); got != models.BreakpointReady {
		t.Fatalf("breakpoint after resume = %s, want READY", got)
	}

	recs := a.ToolRecords()
	if len(recs) != 1 || recs[0].State != models.ToolCallSealed {
		t.Fatalf("record after resume = %+v", recs[0])
	}
	if !strings.Contains(recs[0].Error, "execution interrupted") {
		t.Fatalf("seal note = %q", recs[0].Error)
	}

	block := models.FindToolResult(a.Messages(), "call-1")
	if block == nil {
		t.Fatal("sealed call has no tool_result block")
	}
	if !block.IsError {
		t.Fatal("sealed tool_result not marked as error")
	}

	evs, err := st.ReadEvents(ctx, "crashy", store.EventFilter{Channels: []models.Channel{models.ChannelMonitor}})
	if err != nil {
		t.Fatal(err)
	}
	var resumed bool
	for _, ev := range evs {
		if ev.Type == models.EventAgentResumed {
			resumed = true
			if ev.Data["sealed"] != 1 {
				t.Fatalf("agent_resumed sealed = %v, want 1", ev.Data["sealed"])
			}
		}
	}
	if !resumed {
		t.Fatal("no agent_resumed event")
	}
}

func TestResumeManualKeepsApprovalPending(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	assistant := models.Message{
		ID:   "m1",
		Role: models.RoleAssistant,
		Content: []models.ContentBlock{
			models.NewToolUseBlock("call-1", "fs_write", json.RawMessage(`{"path":"x","content":"y"}`)),
		},
		CreatedAt: time.Now(),
	}
	if err := st.SaveMessages(ctx, "waiting", []models.Message{assistant}); err != nil {
		t.Fatal(err)
	}
	rec := models.NewToolCallRecord("call-1", "fs_write", json.RawMessage(`{"path":"x","content":"y"}`))
	if err := rec.Transition(models.ToolCallApprovalRequired, ""); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveToolRecords(ctx, "waiting", []*models.ToolCallRecord{rec}); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := st.SaveInfo(ctx, &models.AgentInfo{
		ID: "waiting", CreatedAt: now, UpdatedAt: now,
		Breakpoint: models.BreakpointAwaitingApproval,
	}); err != nil {
		t.Fatal(err)
	}

	sb, err := sandbox.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a, err := agent.Resume(ctx, agent.Config{
		ID:     "waiting",
		Resume: agent.ResumeConfig{Strategy: agent.ResumeManual},
	}, agent.Deps{Store: st, Provider: fake.New(), Sandbox: sb}, agent.ResumeOptions{})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	defer a.Close()

	if got := a.Status(); got != agent.StatusPaused {
		t.Fatalf("status after manual resume = %q, want paused", got)
	}

	if err := a.Decide(ctx, "call-1", permissions.DecisionAllow, "go ahead"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	waitForStatus(t, a, agent.StatusIdle)

	recs := a.ToolRecords()
	if recs[0].State != models.ToolCallCompleted {
		t.Fatalf("record state = %s, want COMPLETED", recs[0].State)
	}
	if models.FindToolResult(a.Messages(), "call-1") == nil {
		t.Fatal("no tool_result for rearmed call")
	}
}

func TestEventReplaySinceBookmark(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	prov := fake.New(fake.Text("one"), fake.Text("two"))

	a, err := agent.New(ctx, agent.Config{ID: "replayer"}, agent.Deps{Store: st, Provider: prov})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.Send(ctx, "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Send(ctx, "second"); err != nil {
		t.Fatal(err)
	}

	all, err := st.ReadEvents(ctx, "replayer", store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) < 6 {
		t.Fatalf("only %d events recorded", len(all))
	}
	since := all[len(all)-6].Bookmark

	sub, err := a.Subscribe(ctx, nil, events.SubscribeOptions{Since: &since})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	var got []models.Event
	timeout := time.After(2 * time.Second)
	for len(got) < 5 {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed after %d events", len(got))
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d events", len(got))
		}
	}

	for i, ev := range got {
		want := all[len(all)-5+i]
		if ev.Cursor != want.Cursor || ev.Type != want.Type {
			t.Fatalf("replayed event %d = (%d, %s), want (%d, %s)", i, ev.Cursor, ev.Type, want.Cursor, want.Type)
		}
	}
}

func TestInterruptAbandonsTurn(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	a, err := agent.New(ctx, agent.Config{ID: "restless"}, agent.Deps{Store: st, Provider: blockingProvider{}})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		_, err := a.Send(ctx, "go")
		done <- err
	}()

	waitForStatus(t, a, agent.StatusWorking)
	a.Interrupt("test")

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("interrupted Send returned nil error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return after interrupt")
	}
	waitForStatus(t, a, agent.StatusIdle)
}

func TestInterruptWhileAwaitingApprovalSealsBatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	prov := fake.New(fake.ToolCall("call-1", "fs_write", `{"path":"x.txt","content":"hi"}`))
	sb, err := sandbox.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	a, err := agent.New(ctx, agent.Config{
		ID:          "impatient",
		Permissions: permissions.Policy{Mode: permissions.ModeApproval},
	}, agent.Deps{Store: st, Provider: prov, Sandbox: sb})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	res, err := a.Chat(ctx, "write a file")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Status != agent.ChatPaused {
		t.Fatalf("chat status = %q, want paused", res.Status)
	}

	// Abandon the turn instead of deciding.
	a.Interrupt("changed my mind")
	waitForStatus(t, a, agent.StatusIdle)

	recs := a.ToolRecords()
	if len(recs) != 1 {
		t.Fatalf("tool record count = %d", len(recs))
	}
	if !recs[0].State.Terminal() {
		t.Fatalf("record left in %s after interrupt", recs[0].State)
	}
	if recs[0].Result == nil || recs[0].Result.ErrorType != models.ToolErrorAborted {
		t.Fatalf("record result = %+v", recs[0].Result)
	}

	// Every tool_use in the transcript must be answered, in memory and in
	// the durable copy, so the next model call sees a well-formed history.
	for _, msgs := range [][]models.Message{a.Messages(), mustLoadMessages(t, st, "impatient")} {
		for _, msg := range msgs {
			for _, block := range msg.Content {
				if block.Type != models.BlockToolUse {
					continue
				}
				result := models.FindToolResult(msgs, block.ToolUseID)
				if result == nil {
					t.Fatalf("tool_use %s has no tool_result after interrupt", block.ToolUseID)
				}
				if !result.IsError {
					t.Fatalf("aborted tool_result for %s not marked as error", block.ToolUseID)
				}
			}
		}
	}
}

func mustLoadMessages(t *testing.T, st store.Store, agentID string) []models.Message {
	t.Helper()
	msgs, err := st.LoadMessages(context.Background(), agentID)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestChatCarriesLastAssistantText(t *testing.T) {
	ctx := context.Background()
	sb, err := sandbox.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	// One turn where the model narrates before asking for a tool.
	prov := fake.New(fake.Turn{
		{Kind: provider.ChunkTextStart},
		{Kind: provider.ChunkTextDelta, Text: "I'll write that file now."},
		{Kind: provider.ChunkTextEnd},
		{Kind: provider.ChunkToolUse, ToolUse: &provider.ToolUse{
			ID: "call-1", Name: "fs_write", Input: []byte(`{"path":"x.txt","content":"hi"}`),
		}},
		{Kind: provider.ChunkDone, Usage: &provider.Usage{}},
	})

	a, err := agent.New(ctx, agent.Config{
		ID:          "narrator",
		Permissions: permissions.Policy{Mode: permissions.ModeApproval},
	}, agent.Deps{Store: store.NewMemory(), Provider: prov, Sandbox: sb})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	res, err := a.Chat(ctx, "write it")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Status != agent.ChatPaused {
		t.Fatalf("chat status = %q, want paused", res.Status)
	}
	if res.Last != "I'll write that file now." {
		t.Fatalf("paused Last = %q", res.Last)
	}

	a.Interrupt("test over")
	waitForStatus(t, a, agent.StatusIdle)
}

func TestChatOKMirrorsTextInLast(t *testing.T) {
	ctx := context.Background()
	a, err := agent.New(ctx, agent.Config{ID: "plain"}, agent.Deps{
		Store:    store.NewMemory(),
		Provider: fake.New(fake.Text("all done")),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	res, err := a.Chat(ctx, "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != agent.ChatOK || res.Text != "all done" || res.Last != "all done" {
		t.Fatalf("res = %+v", res)
	}
}

func TestNewRefusesExistingID(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	prov := fake.New(fake.Text("hi"))

	a, err := agent.New(ctx, agent.Config{ID: "dup"}, agent.Deps{Store: st, Provider: prov})
	if err != nil {
		t.Fatal(err)
	}
	a.Close()

	if _, err := agent.New(ctx, agent.Config{ID: "dup"}, agent.Deps{Store: st, Provider: prov}); err == nil {
		t.Fatal("creating over an existing id succeeded")
	}
}

func TestSnapshotCapturesSafeForkPoint(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	prov := fake.New(fake.Text("done"))

	a, err := agent.New(ctx, agent.Config{ID: "snappy"}, agent.Deps{Store: st, Provider: prov})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.Send(ctx, "work"); err != nil {
		t.Fatal(err)
	}
	snap, err := a.Snapshot(ctx, "after first turn")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.SFPIndex != 2 || len(snap.Messages) != 2 {
		t.Fatalf("snapshot = sfp %d, %d messages", snap.SFPIndex, len(snap.Messages))
	}

	listed, err := a.Snapshots(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].Label != "after first turn" {
		t.Fatalf("listed snapshots = %+v", listed)
	}
}
