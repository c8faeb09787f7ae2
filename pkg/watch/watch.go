// Package watch observes workspace files and turns changes into reminder
// messages for the agent. Bursts are debounced so one save storm yields one
// reminder. Paths can come from configuration or be added live as tools
// touch files.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/sandbox"
)

// ReminderSource tags file change reminder messages.
const ReminderSource = "file_watcher"

// DefaultDebounce is the quiet period before a burst of changes is flushed.
const DefaultDebounce = 500 * time.Millisecond

// Inject delivers the reminder message to the owning agent.
type Inject func(ctx context.Context, msg models.Message)

// FileSource provides confined file watching, typically a sandbox. When set,
// all paths are observed through it instead of a raw fsnotify watcher.
type FileSource interface {
	WatchFiles(paths []string, cb func(sandbox.FileChange)) (func(), error)
}

// Config configures a Watcher.
type Config struct {
	// Paths are the files or directories to watch at start. Required when
	// Source is nil; may be empty otherwise.
	Paths []string

	// Source, when non-nil, supplies the watches with workspace
	// confinement. Paths added later via Watch go through it too.
	Source FileSource

	// Debounce overrides DefaultDebounce.
	Debounce time.Duration

	// Inject is required: it receives the flushed reminders.
	Inject Inject

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Watcher watches paths for one agent until closed.
type Watcher struct {
	agentID  string
	bus      *events.Bus
	logger   *slog.Logger
	inject   Inject
	debounce time.Duration
	source   FileSource
	fsw      *fsnotify.Watcher
	ctx      context.Context

	mu      sync.Mutex
	pending map[string]fsnotify.Op
	timer   *time.Timer
	watched map[string]bool
	stops   []func()

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a watcher and starts delivering. With a Source, the initial
// path set may be empty and grow later through Watch.
func New(ctx context.Context, agentID string, bus *events.Bus, cfg Config) (*Watcher, error) {
	if cfg.Source == nil && len(cfg.Paths) == 0 {
		return nil, fmt.Errorf("watch: at least one path is required")
	}
	if cfg.Inject == nil {
		return nil, fmt.Errorf("watch: Inject is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		agentID:  agentID,
		bus:      bus,
		logger:   logger,
		inject:   cfg.Inject,
		debounce: debounce,
		source:   cfg.Source,
		ctx:      ctx,
		pending:  make(map[string]fsnotify.Op),
		watched:  make(map[string]bool),
		done:     make(chan struct{}),
	}

	if w.source == nil {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("watch: create watcher: %w", err)
		}
		w.fsw = fsw
	}
	if len(cfg.Paths) > 0 {
		if err := w.Watch(cfg.Paths...); err != nil {
			_ = w.Close()
			return nil, err
		}
	}

	if w.source == nil {
		go w.run(ctx)
	} else {
		go func() {
			select {
			case <-ctx.Done():
				_ = w.Close()
			case <-w.done:
			}
		}()
	}
	return w, nil
}

// Watch adds paths to the watched set. Already watched paths are skipped.
func (w *Watcher) Watch(paths ...string) error {
	select {
	case <-w.done:
		return fmt.Errorf("watch: closed")
	default:
	}

	w.mu.Lock()
	fresh := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" || w.watched[p] {
			continue
		}
		w.watched[p] = true
		fresh = append(fresh, p)
	}
	w.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}

	if w.source != nil {
		stop, err := w.source.WatchFiles(fresh, w.noteChange)
		if err != nil {
			w.mu.Lock()
			for _, p := range fresh {
				delete(w.watched, p)
			}
			w.mu.Unlock()
			return fmt.Errorf("watch: add paths: %w", err)
		}
		w.mu.Lock()
		w.stops = append(w.stops, stop)
		w.mu.Unlock()
		return nil
	}

	for _, p := range fresh {
		if err := w.fsw.Add(p); err != nil {
			w.mu.Lock()
			delete(w.watched, p)
			w.mu.Unlock()
			return fmt.Errorf("watch: add %s: %w", p, err)
		}
	}
	return nil
}

// Close stops watching and flushes nothing further.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		if w.fsw != nil {
			err = w.fsw.Close()
		}
		w.mu.Lock()
		stops := w.stops
		w.stops = nil
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		for _, stop := range stops {
			stop()
		}
	})
	return err
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.note(event.Name, event.Op)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "agent_id", w.agentID, "error", err)
		case <-w.done:
			return
		case <-ctx.Done():
			w.Close()
			return
		}
	}
}

// noteChange receives source-mode callbacks.
func (w *Watcher) noteChange(fc sandbox.FileChange) {
	select {
	case <-w.done:
		return
	default:
	}
	w.note(fc.Path, opBit(fc.Op))
}

func (w *Watcher) note(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] |= op
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, func() { w.flush(w.ctx) })
	} else {
		w.timer.Reset(w.debounce)
	}
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.timer = nil
	w.mu.Unlock()

	select {
	case <-w.done:
		return
	default:
	}
	if len(pending) == 0 {
		return
	}

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	if w.bus != nil {
		_, err := w.bus.Emit(ctx, models.Event{
			Type: models.EventFileChanged,
			Data: map[string]any{"paths": paths},
		})
		if err != nil {
			w.logger.Warn("failed to emit file_changed", "agent_id", w.agentID, "error", err)
		}
	}

	var b strings.Builder
	b.WriteString("Watched files changed:\n")
	for _, p := range paths {
		fmt.Fprintf(&b, "- %s (%s)\n", p, opString(pending[p]))
	}
	w.inject(ctx, models.NewReminderMessage(ReminderSource, b.String()))
}

func opBit(op string) fsnotify.Op {
	switch op {
	case "created":
		return fsnotify.Create
	case "removed":
		return fsnotify.Remove
	case "renamed":
		return fsnotify.Rename
	default:
		return fsnotify.Write
	}
}

func opString(op fsnotify.Op) string {
	var parts []string
	if op&fsnotify.Create != 0 {
		parts = append(parts, "created")
	}
	if op&fsnotify.Write != 0 {
		parts = append(parts, "modified")
	}
	if op&fsnotify.Remove != 0 {
		parts = append(parts, "removed")
	}
	if op&fsnotify.Rename != 0 {
		parts = append(parts, "renamed")
	}
	if len(parts) == 0 {
		return "changed"
	}
	return strings.Join(parts, ", ")
}
