package events

import (
	"context"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

func emitN(t *testing.T, bus *Bus, n int, typ models.EventType) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := bus.Emit(context.Background(), models.Event{Type: typ}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
}

func TestEmitAssignsStrictlyIncreasingCursors(t *testing.T) {
	bus := NewBus("a1", store.NewMemory(), Config{})
	var last uint64
	for i := 0; i < 10; i++ {
		ev, err := bus.Emit(context.Background(), models.Event{Type: models.EventStepComplete})
		if err != nil {
			t.Fatal(err)
		}
		if ev.Cursor <= last {
			t.Fatalf("cursor %d not greater than %d", ev.Cursor, last)
		}
		last = ev.Cursor
	}
}

func TestChannelDerivedFromType(t *testing.T) {
	st := store.NewMemory()
	bus := NewBus("a1", st, Config{})

	cases := map[models.EventType]models.Channel{
		models.EventTextChunk:          models.ChannelProgress,
		models.EventPermissionRequired: models.ChannelControl,
		models.EventTokenUsage:         models.ChannelMonitor,
	}
	for typ, want := range cases {
		ev, err := bus.Emit(context.Background(), models.Event{Type: typ})
		if err != nil {
			t.Fatal(err)
		}
		if ev.Channel != want {
			t.Errorf("%s routed to %s, want %s", typ, ev.Channel, want)
		}
	}
}

func TestStartCursorResumesSequence(t *testing.T) {
	bus := NewBus("a1", store.NewMemory(), Config{StartCursor: 41})
	ev, err := bus.Emit(context.Background(), models.Event{Type: models.EventStepComplete})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Cursor != 42 {
		t.Fatalf("cursor = %d, want 42", ev.Cursor)
	}
}

func TestSubscribeLiveFiltersChannels(t *testing.T) {
	bus := NewBus("a1", store.NewMemory(), Config{})
	sub, err := bus.Subscribe(context.Background(), []models.Channel{models.ChannelProgress}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	emitN(t, bus, 1, models.EventTokenUsage) // monitor, filtered out
	emitN(t, bus, 1, models.EventTextChunk)  // progress

	select {
	case ev := <-sub.Events():
		if ev.Type != models.EventTextChunk {
			t.Fatalf("got %s, want text_chunk", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeReplayThenLiveWithoutGapsOrDuplicates(t *testing.T) {
	bus := NewBus("a1", store.NewMemory(), Config{})
	emitN(t, bus, 5, models.EventStepComplete)

	since := &models.Bookmark{Seq: 2}
	sub, err := bus.Subscribe(context.Background(), nil, SubscribeOptions{Since: since})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	emitN(t, bus, 2, models.EventStepComplete)

	want := []uint64{3, 4, 5, 6, 7}
	for i, cursor := range want {
		select {
		case ev := <-sub.Events():
			if ev.Cursor != cursor {
				t.Fatalf("event %d cursor = %d, want %d", i, ev.Cursor, cursor)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for cursor %d", cursor)
		}
	}
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	bus := NewBus("a1", store.NewMemory(), Config{SubscriberBuffer: 1})
	sub, err := bus.Subscribe(context.Background(), nil, SubscribeOptions{Buffer: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Nobody drains the subscription; the internal buffer fills and the
	// subscriber is dropped rather than blocking the emitter.
	for i := 0; i < 10; i++ {
		if _, err := bus.Emit(context.Background(), models.Event{Type: models.EventStepComplete}); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return // closed, as expected
			}
		case <-deadline:
			t.Fatal("slow subscriber was never disconnected")
		}
	}
}

func TestDurableLogSurvivesDisconnect(t *testing.T) {
	st := store.NewMemory()
	bus := NewBus("a1", st, Config{})
	emitN(t, bus, 8, models.EventStepComplete)

	evs, err := st.ReadEvents(context.Background(), "a1", store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 8 {
		t.Fatalf("persisted %d events, want 8", len(evs))
	}
}

func TestOnHandlerRunsAndUnsubscribes(t *testing.T) {
	bus := NewBus("a1", store.NewMemory(), Config{})
	var calls int
	off := bus.On(models.EventStepComplete, func(models.Event) { calls++ })

	emitN(t, bus, 2, models.EventStepComplete)
	off()
	emitN(t, bus, 2, models.EventStepComplete)

	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
}
