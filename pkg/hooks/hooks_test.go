package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

func newTestRegistry() *Registry {
	bus := events.NewBus("a1", store.NewMemory(), events.Config{})
	return NewRegistry(bus, nil)
}

func TestPreModelHooksRunInOrderAndMutate(t *testing.T) {
	r := newTestRegistry()
	r.OnPreModel(func(ctx context.Context, turn *ModelTurn) error {
		turn.SystemPrompt += " first"
		return nil
	})
	r.OnPreModel(func(ctx context.Context, turn *ModelTurn) error {
		turn.SystemPrompt += " second"
		return nil
	})

	turn := &ModelTurn{SystemPrompt: "base"}
	if err := r.RunPreModel(context.Background(), turn); err != nil {
		t.Fatal(err)
	}
	if turn.SystemPrompt != "base first second" {
		t.Fatalf("system prompt = %q", turn.SystemPrompt)
	}
}

func TestPreModelHookErrorAbortsChain(t *testing.T) {
	r := newTestRegistry()
	boom := errors.New("boom")
	var secondRan bool
	r.OnPreModel(func(ctx context.Context, turn *ModelTurn) error { return boom })
	r.OnPreModel(func(ctx context.Context, turn *ModelTurn) error {
		secondRan = true
		return nil
	})

	err := r.RunPreModel(context.Background(), &ModelTurn{})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if secondRan {
		t.Fatal("second hook ran after the first errored")
	}
}

func TestUnsubscribeRemovesHook(t *testing.T) {
	r := newTestRegistry()
	var calls int
	off := r.OnPostModel(func(ctx context.Context, msg models.Message) { calls++ })

	r.RunPostModel(context.Background(), models.Message{})
	off()
	r.RunPostModel(context.Background(), models.Message{})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPreToolFirstBlockWins(t *testing.T) {
	r := newTestRegistry()
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		return PreToolVerdict{Decision: Block, Reason: "not today"}
	})
	var secondRan bool
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		secondRan = true
		return PreToolVerdict{Decision: Continue}
	})

	verdict := r.RunPreToolUse(context.Background(), ToolCall{ToolName: "fs_write"})
	if verdict.Decision != Block || verdict.Reason != "not today" {
		t.Fatalf("verdict = %+v", verdict)
	}
	if secondRan {
		t.Fatal("hook after Block still ran")
	}
}

func TestPreToolInputRewriteThreadsThrough(t *testing.T) {
	r := newTestRegistry()
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		return PreToolVerdict{Decision: Continue, Input: json.RawMessage(`{"path":"a"}`)}
	})
	var sawInput string
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		sawInput = string(call.Input)
		return PreToolVerdict{Decision: Continue, Input: json.RawMessage(`{"path":"b"}`)}
	})

	verdict := r.RunPreToolUse(context.Background(), ToolCall{Input: json.RawMessage(`{}`)})
	if sawInput != `{"path":"a"}` {
		t.Fatalf("second hook saw %q", sawInput)
	}
	if string(verdict.Input) != `{"path":"b"}` {
		t.Fatalf("final input = %q", verdict.Input)
	}
}

func TestPreToolAskStopsChainAndCarriesInput(t *testing.T) {
	r := newTestRegistry()
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		return PreToolVerdict{Decision: Continue, Input: json.RawMessage(`{"path":"a"}`)}
	})
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		return PreToolVerdict{Decision: Ask, Reason: "needs a human"}
	})
	var thirdRan bool
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		thirdRan = true
		return PreToolVerdict{Decision: Continue}
	})

	verdict := r.RunPreToolUse(context.Background(), ToolCall{Input: json.RawMessage(`{}`)})
	if verdict.Decision != Ask || verdict.Reason != "needs a human" {
		t.Fatalf("verdict = %+v", verdict)
	}
	if string(verdict.Input) != `{"path":"a"}` {
		t.Fatalf("ask verdict lost threaded input: %q", verdict.Input)
	}
	if thirdRan {
		t.Fatal("hook after Ask still ran")
	}
}

func TestPreToolOutcomeShortCircuits(t *testing.T) {
	r := newTestRegistry()
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		return PreToolVerdict{Outcome: &models.ToolOutcome{OK: true, Content: "cached"}}
	})
	var secondRan bool
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		secondRan = true
		return PreToolVerdict{Decision: Continue}
	})

	verdict := r.RunPreToolUse(context.Background(), ToolCall{ToolName: "fs_read"})
	if verdict.Outcome == nil || verdict.Outcome.Content != "cached" {
		t.Fatalf("verdict = %+v", verdict)
	}
	if secondRan {
		t.Fatal("hook after synthetic outcome still ran")
	}
}

func TestPanickingHookIsIsolated(t *testing.T) {
	st := store.NewMemory()
	bus := events.NewBus("a1", st, events.Config{})
	r := NewRegistry(bus, nil)

	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		panic("hook bug")
	})
	var secondRan bool
	r.OnPreToolUse(func(ctx context.Context, call ToolCall) PreToolVerdict {
		secondRan = true
		return PreToolVerdict{Decision: Continue}
	})

	verdict := r.RunPreToolUse(context.Background(), ToolCall{})
	if verdict.Decision != Continue {
		t.Fatalf("verdict = %+v", verdict)
	}
	if !secondRan {
		t.Fatal("hook after panicking hook did not run")
	}

	evs, err := st.ReadEvents(context.Background(), "a1", store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var reported bool
	for _, ev := range evs {
		if ev.Type == models.EventError && ev.Error != nil && ev.Error.Phase == models.PhaseLifecycle {
			reported = true
		}
	}
	if !reported {
		t.Fatal("panic not reported on the monitor channel")
	}
}

func TestPostToolHookMutatesOutcome(t *testing.T) {
	r := newTestRegistry()
	r.OnPostToolUse(func(ctx context.Context, call ToolCall, outcome *models.ToolOutcome) {
		outcome.Content = "[redacted]"
	})

	outcome := &models.ToolOutcome{OK: true, Content: "secret"}
	r.RunPostToolUse(context.Background(), ToolCall{}, outcome)
	if outcome.Content != "[redacted]" {
		t.Fatalf("content = %q", outcome.Content)
	}
}
