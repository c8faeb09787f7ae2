// Package todo tracks an agent's working plan and nudges the loop when the
// plan goes stale: after a run of steps with open items and no todo
// activity, a reminder message is injected into the next model turn.
package todo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// DefaultReminderInterval is the step count between reminders while open
// items sit untouched.
const DefaultReminderInterval = 5

// ReminderSource tags todo reminder messages.
const ReminderSource = "todo"

// Config configures a Manager.
type Config struct {
	// ReminderInterval overrides DefaultReminderInterval. Negative disables
	// reminders.
	ReminderInterval int

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Manager owns one agent's todo list. Safe for concurrent use.
type Manager struct {
	agentID  string
	store    store.Store
	bus      *events.Bus
	logger   *slog.Logger
	interval int

	mu         sync.Mutex
	items      []models.TodoItem
	staleSteps int
}

// NewManager creates a manager and loads the persisted list.
func NewManager(ctx context.Context, agentID string, st store.Store, bus *events.Bus, cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.ReminderInterval
	if interval == 0 {
		interval = DefaultReminderInterval
	}

	items, err := st.LoadTodos(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("todo: load: %w", err)
	}
	return &Manager{
		agentID:  agentID,
		store:    st,
		bus:      bus,
		logger:   logger,
		interval: interval,
		items:    items,
	}, nil
}

// List returns a copy of the current items.
func (m *Manager) List(ctx context.Context) ([]models.TodoItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TodoItem(nil), m.items...), nil
}

// Replace swaps the whole list. Items without an id get one; items carrying
// a known id keep their creation time. The change is persisted, counted
// against the reminder clock, and published as todo_changed.
func (m *Manager) Replace(ctx context.Context, items []models.TodoItem) (added, removed, completed int, err error) {
	now := time.Now()

	m.mu.Lock()
	prev := make(map[string]models.TodoItem, len(m.items))
	for _, item := range m.items {
		prev[item.ID] = item
	}

	next := make([]models.TodoItem, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.ID == "" {
			item.ID = uuid.NewString()
			item.CreatedAt = now
			added++
		} else if old, ok := prev[item.ID]; ok {
			item.CreatedAt = old.CreatedAt
			if old.Status != models.TodoCompleted && item.Status == models.TodoCompleted {
				completed++
			}
		} else {
			item.CreatedAt = now
			added++
		}
		item.UpdatedAt = now
		seen[item.ID] = true
		next = append(next, item)
	}
	for id := range prev {
		if !seen[id] {
			removed++
		}
	}

	m.items = next
	m.staleSteps = 0
	snapshot := append([]models.TodoItem(nil), next...)
	m.mu.Unlock()

	if err := m.store.SaveTodos(ctx, m.agentID, snapshot); err != nil {
		return 0, 0, 0, fmt.Errorf("todo: save: %w", err)
	}

	if m.bus != nil {
		_, err := m.bus.Emit(ctx, models.Event{
			Type: models.EventTodoChanged,
			Data: map[string]any{
				"added":     added,
				"removed":   removed,
				"completed": completed,
				"open":      countOpen(snapshot),
			},
		})
		if err != nil {
			m.logger.Warn("failed to emit todo_changed", "agent_id", m.agentID, "error", err)
		}
	}
	return added, removed, completed, nil
}

// NoteStep advances the reminder clock by one completed loop step. When
// open items have been idle for a full interval it emits todo_reminder and
// returns the reminder message to inject; otherwise it returns nil.
func (m *Manager) NoteStep(ctx context.Context) *models.Message {
	m.mu.Lock()
	open := openItems(m.items)
	if len(open) == 0 || m.interval < 0 {
		m.staleSteps = 0
		m.mu.Unlock()
		return nil
	}
	m.staleSteps++
	if m.staleSteps < m.interval {
		m.mu.Unlock()
		return nil
	}
	m.staleSteps = 0
	m.mu.Unlock()

	var b strings.Builder
	b.WriteString("The todo list has open items that have not been updated recently:\n")
	for _, item := range open {
		fmt.Fprintf(&b, "- [%s] %s\n", item.Status, item.Title)
	}
	b.WriteString("Update their status with todo_write, or cancel items that no longer apply.")

	if m.bus != nil {
		_, err := m.bus.Emit(ctx, models.Event{
			Type: models.EventTodoReminder,
			Data: map[string]any{"open": len(open)},
		})
		if err != nil {
			m.logger.Warn("failed to emit todo_reminder", "agent_id", m.agentID, "error", err)
		}
	}

	msg := models.NewReminderMessage(ReminderSource, b.String())
	return &msg
}

// StartReminder builds the startup reminder listing open items left over
// from a previous session, or nil when the list is clear. The stale-step
// clock is untouched.
func (m *Manager) StartReminder(ctx context.Context) *models.Message {
	m.mu.Lock()
	open := openItems(m.items)
	m.mu.Unlock()
	if len(open) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("The todo list still has open items from a previous session:\n")
	for _, item := range open {
		fmt.Fprintf(&b, "- [%s] %s\n", item.Status, item.Title)
	}
	b.WriteString("Continue them, or update the list with todo_write if they no longer apply.")

	if m.bus != nil {
		_, err := m.bus.Emit(ctx, models.Event{
			Type: models.EventTodoReminder,
			Data: map[string]any{"open": len(open), "on_start": true},
		})
		if err != nil {
			m.logger.Warn("failed to emit todo_reminder", "agent_id", m.agentID, "error", err)
		}
	}

	msg := models.NewReminderMessage(ReminderSource, b.String())
	return &msg
}

func openItems(items []models.TodoItem) []models.TodoItem {
	var open []models.TodoItem
	for _, item := range items {
		if item.Open() {
			open = append(open, item)
		}
	}
	return open
}

func countOpen(items []models.TodoItem) int {
	return len(openItems(items))
}
