package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/sandbox"
	"github.com/loomworks/loom/pkg/store"
)

type injectRecorder struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (r *injectRecorder) inject(ctx context.Context, msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *injectRecorder) snapshot() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Message(nil), r.msgs...)
}

func waitForReminder(t *testing.T, rec *injectRecorder) models.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if msgs := rec.snapshot(); len(msgs) > 0 {
			return msgs[0]
		}
		if time.Now().After(deadline) {
			t.Fatal("no reminder delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeSource struct {
	mu      sync.Mutex
	batches [][]string
	cb      func(sandbox.FileChange)
	stopped int
}

func (s *fakeSource) WatchFiles(paths []string, cb func(sandbox.FileChange)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]string(nil), paths...))
	s.cb = cb
	return func() {
		s.mu.Lock()
		s.stopped++
		s.mu.Unlock()
	}, nil
}

func (s *fakeSource) emit(fc sandbox.FileChange) {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb(fc)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus("a1", store.NewMemory(), events.Config{})

	if _, err := New(ctx, "a1", bus, Config{Inject: func(context.Context, models.Message) {}}); err == nil {
		t.Fatal("empty paths accepted")
	}
	if _, err := New(ctx, "a1", bus, Config{Paths: []string{t.TempDir()}}); err == nil {
		t.Fatal("missing Inject accepted")
	}
	if _, err := New(ctx, "a1", bus, Config{
		Paths:  []string{filepath.Join(t.TempDir(), "does-not-exist")},
		Inject: func(context.Context, models.Message) {},
	}); err == nil {
		t.Fatal("unwatchable path accepted")
	}
}

func TestSourceModeWatchesThroughSource(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	rec := &injectRecorder{}

	// With a source the initial path set may be empty.
	w, err := New(ctx, "a1", events.NewBus("a1", store.NewMemory(), events.Config{}), Config{
		Source:   src,
		Debounce: 50 * time.Millisecond,
		Inject:   rec.inject,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := w.Watch("notes.txt"); err != nil {
		t.Fatal(err)
	}
	// Re-watching the same path must not register a second watch.
	if err := w.Watch("notes.txt"); err != nil {
		t.Fatal(err)
	}
	src.mu.Lock()
	batches := len(src.batches)
	src.mu.Unlock()
	if batches != 1 {
		t.Fatalf("source saw %d watch batches, want 1", batches)
	}

	src.emit(sandbox.FileChange{Path: "notes.txt", Op: "modified"})

	msg := waitForReminder(t, rec)
	body := msg.Text()
	if !strings.Contains(body, "notes.txt (modified)") {
		t.Fatalf("body = %q", body)
	}

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	src.mu.Lock()
	stopped := src.stopped
	src.mu.Unlock()
	if stopped != 1 {
		t.Fatalf("source stops = %d, want 1", stopped)
	}
}

func TestBurstDebouncesIntoOneReminder(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st := store.NewMemory()
	bus := events.NewBus("a1", st, events.Config{})
	rec := &injectRecorder{}

	w, err := New(ctx, "a1", bus, Config{
		Paths:    []string{dir},
		Debounce: 100 * time.Millisecond,
		Inject:   rec.inject,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// A save storm: several writes inside one debounce window.
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err := os.WriteFile(filepath.Join(dir, "util.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	msg := waitForReminder(t, rec)
	if !msg.IsReminder() || msg.Metadata[models.MetadataReminderKey] != ReminderSource {
		t.Fatalf("message = %+v", msg)
	}
	body := msg.Text()
	if !strings.Contains(body, "main.go") || !strings.Contains(body, "util.go") {
		t.Fatalf("body = %q", body)
	}
	if strings.Count(body, "main.go") != 1 {
		t.Fatalf("main.go listed more than once:\n%s", body)
	}

	// Give any straggling timer a chance, then confirm the burst collapsed.
	time.Sleep(300 * time.Millisecond)
	if n := len(rec.snapshot()); n != 1 {
		t.Fatalf("reminders = %d, want 1", n)
	}

	evs, err := st.ReadEvents(ctx, "a1", store.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	var changed int
	for _, ev := range evs {
		if ev.Type == models.EventFileChanged {
			changed++
		}
	}
	if changed != 1 {
		t.Fatalf("file_changed events = %d, want 1", changed)
	}
}

func TestReminderLabelsOperations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	doomed := filepath.Join(dir, "doomed.txt")
	if err := os.WriteFile(doomed, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := &injectRecorder{}
	w, err := New(ctx, "a1", events.NewBus("a1", store.NewMemory(), events.Config{}), Config{
		Paths:    []string{dir},
		Debounce: 100 * time.Millisecond,
		Inject:   rec.inject,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "fresh.txt"), []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(doomed); err != nil {
		t.Fatal(err)
	}

	msg := waitForReminder(t, rec)
	body := msg.Text()
	if !strings.Contains(body, "fresh.txt (created") {
		t.Fatalf("create not labeled:\n%s", body)
	}
	if !strings.Contains(body, "doomed.txt (removed)") {
		t.Fatalf("remove not labeled:\n%s", body)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rec := &injectRecorder{}
	w, err := New(ctx, "a1", events.NewBus("a1", store.NewMemory(), events.Config{}), Config{
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
		Inject:   rec.inject,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	// Close twice is safe.
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("closed watcher delivered %d reminders", n)
	}
}

func TestContextCancelStopsWatcher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	dir := t.TempDir()
	rec := &injectRecorder{}
	w, err := New(ctx, "a1", events.NewBus("a1", store.NewMemory(), events.Config{}), Config{
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
		Inject:   rec.inject,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	cancel()
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "late.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := len(rec.snapshot()); n != 0 {
		t.Fatalf("cancelled watcher delivered %d reminders", n)
	}
}
