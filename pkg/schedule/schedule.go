// Package schedule injects reminder messages into an agent on a schedule:
// every N loop steps, every wall-clock interval, on a cron expression, or
// when an external system calls in a trigger.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
)

// ReminderSource tags scheduler reminder messages.
const ReminderSource = "scheduler"

// Inject delivers a reminder message to the owning agent. The agent queues
// it for the next model turn.
type Inject func(ctx context.Context, msg models.Message)

// Config configures a Scheduler.
type Config struct {
	// Inject is required: it receives every fired reminder.
	Inject Inject

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Scheduler owns one agent's triggers. Interval and cron rules fire from a
// shared cron runner; step rules fire from NoteStep on the loop goroutine.
type Scheduler struct {
	agentID string
	bus     *events.Bus
	logger  *slog.Logger
	inject  Inject
	cron    *cron.Cron

	mu        sync.Mutex
	stepRules map[string]*stepRule
	cronIDs   map[string]cron.EntryID
	started   bool
}

type stepRule struct {
	every   int
	text    string
	counter int
}

// New creates a stopped scheduler. Call Start to begin firing time-based
// rules.
func New(agentID string, bus *events.Bus, cfg Config) (*Scheduler, error) {
	if cfg.Inject == nil {
		return nil, fmt.Errorf("schedule: Inject is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		agentID:   agentID,
		bus:       bus,
		logger:    logger,
		inject:    cfg.Inject,
		cron:      cron.New(),
		stepRules: make(map[string]*stepRule),
		cronIDs:   make(map[string]cron.EntryID),
	}, nil
}

// Start begins firing interval and cron rules.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		s.cron.Start()
	}
}

// Stop halts time-based firing. Step rules keep working through NoteStep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		s.started = false
		s.cron.Stop()
	}
}

// AddEverySteps fires text every n completed loop steps.
func (s *Scheduler) AddEverySteps(id string, n int, text string) error {
	if n <= 0 {
		return fmt.Errorf("schedule: step interval must be positive, got %d", n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.stepRules[id]; exists {
		return fmt.Errorf("schedule: rule %q already exists", id)
	}
	s.stepRules[id] = &stepRule{every: n, text: text}
	return nil
}

// AddInterval fires text every d of wall-clock time.
func (s *Scheduler) AddInterval(id string, d time.Duration, text string) error {
	if d <= 0 {
		return fmt.Errorf("schedule: interval must be positive, got %s", d)
	}
	return s.addCronEntry(id, cron.Every(d), text)
}

// AddCron fires text on a standard five-field cron expression.
func (s *Scheduler) AddCron(id, expr, text string) error {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("schedule: invalid cron expression %q: %w", expr, err)
	}
	return s.addCronEntry(id, sched, text)
}

func (s *Scheduler) addCronEntry(id string, sched cron.Schedule, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cronIDs[id]; exists {
		return fmt.Errorf("schedule: rule %q already exists", id)
	}
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(context.Background(), id, text)
	}))
	s.cronIDs[id] = entryID
	return nil
}

// Remove deletes a rule by id. Unknown ids are a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stepRules, id)
	if entryID, ok := s.cronIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, id)
	}
}

// NoteStep advances step rules by one completed loop step, firing any that
// come due.
func (s *Scheduler) NoteStep(ctx context.Context) {
	type due struct{ id, text string }
	var fired []due

	s.mu.Lock()
	for id, rule := range s.stepRules {
		rule.counter++
		if rule.counter >= rule.every {
			rule.counter = 0
			fired = append(fired, due{id: id, text: rule.text})
		}
	}
	s.mu.Unlock()

	for _, d := range fired {
		s.fire(ctx, d.id, d.text)
	}
}

// NotifyExternalTrigger fires an ad-hoc trigger from outside the scheduler,
// e.g. a webhook or an operator command.
func (s *Scheduler) NotifyExternalTrigger(ctx context.Context, id, text string) {
	s.fire(ctx, id, text)
}

func (s *Scheduler) fire(ctx context.Context, id, text string) {
	if s.bus != nil {
		_, err := s.bus.Emit(ctx, models.Event{
			Type: models.EventSchedulerTriggered,
			Data: map[string]any{"rule": id},
		})
		if err != nil {
			s.logger.Warn("failed to emit scheduler_triggered", "agent_id", s.agentID, "rule", id, "error", err)
		}
	}
	s.inject(ctx, models.NewReminderMessage(ReminderSource, text))
}
