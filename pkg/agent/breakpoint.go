package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/pkg/events"
	"github.com/loomworks/loom/pkg/models"
)

// breakpointManager holds the agent's execution-phase indicator. Every
// transition writes through to the agent metadata before the change event is
// published, so a crash observes at worst the previous state.
type breakpointManager struct {
	bus     *events.Bus
	logger  *slog.Logger
	persist func(context.Context, models.Breakpoint) error

	mu      sync.Mutex
	current models.Breakpoint
}

func newBreakpointManager(initial models.Breakpoint, bus *events.Bus, logger *slog.Logger, persist func(context.Context, models.Breakpoint) error) *breakpointManager {
	if !initial.Valid() {
		initial = models.BreakpointReady
	}
	return &breakpointManager{
		bus:     bus,
		logger:  logger,
		persist: persist,
		current: initial,
	}
}

// Current returns the live breakpoint.
func (b *breakpointManager) Current() models.Breakpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Set transitions to the given state: write-through first, then the
// breakpoint_changed event.
func (b *breakpointManager) Set(ctx context.Context, to models.Breakpoint) error {
	if !to.Valid() {
		return fmt.Errorf("agent: invalid breakpoint %q", to)
	}

	b.mu.Lock()
	from := b.current
	if from == to {
		b.mu.Unlock()
		return nil
	}
	b.current = to
	b.mu.Unlock()

	if err := b.persist(ctx, to); err != nil {
		b.mu.Lock()
		b.current = from
		b.mu.Unlock()
		return fmt.Errorf("agent: persist breakpoint %s: %w", to, err)
	}

	_, err := b.bus.Emit(ctx, models.Event{
		Type: models.EventBreakpointChanged,
		Data: map[string]any{"from": string(from), "to": string(to)},
	})
	if err != nil {
		b.logger.Warn("failed to emit breakpoint_changed", "from", from, "to", to, "error", err)
	}
	return nil
}
