// Package events implements the per-agent event bus: a totally-ordered,
// sequence-numbered, three-channel log persisted through the Store and
// fanned out to live subscribers, with replay from a bookmark.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

// DefaultSubscriberBuffer bounds the in-memory window per live subscriber.
// A subscriber that falls further behind is disconnected; durable events are
// never dropped and can be replayed via Since.
const DefaultSubscriberBuffer = 256

// Bus assigns cursors, persists envelopes, and fans them out. One Bus per
// agent; emit order is the total order.
type Bus struct {
	agentID string
	store   store.Store
	logger  *slog.Logger

	mu       sync.Mutex
	cursor   uint64
	nextSub  int
	subs     map[int]*subscriber
	handlers map[models.EventType]map[int]func(models.Event)
	nextHand int
}

type subscriber struct {
	id       int
	channels map[models.Channel]bool
	ch       chan models.Event
	closed   bool
}

// Config configures a Bus.
type Config struct {
	// StartCursor resumes the cursor after restart; the next emitted event
	// gets StartCursor+1.
	StartCursor uint64

	// Logger receives diagnostics. Defaults to slog.Default().
	Logger *slog.Logger

	// SubscriberBuffer overrides DefaultSubscriberBuffer.
	SubscriberBuffer int
}

// NewBus creates a bus for one agent over the given store.
func NewBus(agentID string, st store.Store, cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		agentID:  agentID,
		store:    st,
		logger:   logger,
		cursor:   cfg.StartCursor,
		subs:     make(map[int]*subscriber),
		handlers: make(map[models.EventType]map[int]func(models.Event)),
	}
}

// Cursor returns the last assigned cursor.
func (b *Bus) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cursor
}

// Emit assigns the next cursor and bookmark to the event, persists it, and
// fans it out to matching live subscribers and registered handlers. The
// channel is derived from the event type when unset.
func (b *Bus) Emit(ctx context.Context, ev models.Event) (models.Event, error) {
	if ev.Channel == "" {
		ev.Channel = models.ChannelFor(ev.Type)
	}
	ev.AgentID = b.agentID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	b.cursor++
	ev.Cursor = b.cursor
	ev.Bookmark = models.Bookmark{Seq: ev.Cursor, Timestamp: ev.Time}
	b.mu.Unlock()

	if err := b.store.AppendEvent(ctx, b.agentID, ev); err != nil {
		return ev, err
	}

	b.mu.Lock()
	var slow []*subscriber
	for _, sub := range b.subs {
		if sub.closed || !sub.channels[ev.Channel] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, sub.id)
	}
	var fns []func(models.Event)
	for _, fn := range b.handlers[ev.Type] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, sub := range slow {
		b.logger.Warn("disconnecting slow event subscriber", "agent_id", b.agentID, "subscriber", sub.id)
		b.emitSlowSubscriberError(ctx, sub.id)
	}
	for _, fn := range fns {
		fn(ev)
	}
	return ev, nil
}

// emitSlowSubscriberError records the disconnect on the monitor channel.
// The disconnected subscriber can reconnect and replay via Since.
func (b *Bus) emitSlowSubscriberError(ctx context.Context, subID int) {
	_, err := b.Emit(ctx, models.Event{
		Type: models.EventError,
		Error: &models.ErrorPayload{
			Severity: models.SeverityWarn,
			Phase:    models.PhaseSystem,
			Message:  "slow event subscriber disconnected",
		},
	})
	if err != nil {
		b.logger.Warn("failed to persist subscriber disconnect event", "error", err)
	}
}

// SubscribeOptions selects which events a subscription sees.
type SubscribeOptions struct {
	// Since replays persisted events after the bookmark before switching to
	// live delivery. Nil subscribes to live events only.
	Since *models.Bookmark

	// Buffer overrides the subscriber buffer size.
	Buffer int
}

// Subscription is a lazy event sequence. Consume Events() until closed, or
// call Close to detach.
type Subscription struct {
	out    chan models.Event
	cancel func()
	once   sync.Once
}

// Events returns the subscription's delivery channel. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan models.Event { return s.out }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.once.Do(s.cancel) }

// Subscribe returns a subscription over the given channels. With Since set,
// persisted events after the bookmark are replayed first and live delivery
// continues seamlessly: the live feed is attached before replay starts and a
// watermark suppresses events already seen during replay, so there are no
// gaps and no duplicates.
func (b *Bus) Subscribe(ctx context.Context, channels []models.Channel, opts SubscribeOptions) (*Subscription, error) {
	if len(channels) == 0 {
		channels = []models.Channel{models.ChannelProgress, models.ChannelControl, models.ChannelMonitor}
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	chanSet := make(map[models.Channel]bool, len(channels))
	for _, ch := range channels {
		chanSet[ch] = true
	}

	b.mu.Lock()
	b.nextSub++
	sub := &subscriber{
		id:       b.nextSub,
		channels: chanSet,
		ch:       make(chan models.Event, buffer),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	var replay []models.Event
	if opts.Since != nil {
		var err error
		replay, err = b.store.ReadEvents(ctx, b.agentID, store.EventFilter{
			Since:    opts.Since,
			Channels: channels,
		})
		if err != nil {
			b.detach(sub)
			return nil, err
		}
	}

	out := make(chan models.Event, buffer)
	done := make(chan struct{})
	s := &Subscription{
		out: out,
		cancel: func() {
			close(done)
			b.detach(sub)
		},
	}

	go func() {
		defer close(out)
		var watermark uint64
		if opts.Since != nil {
			watermark = opts.Since.Seq
		}
		for _, ev := range replay {
			select {
			case out <- ev:
				if ev.Cursor > watermark {
					watermark = ev.Cursor
				}
			case <-done:
				return
			case <-ctx.Done():
				b.detach(sub)
				return
			}
		}
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				if ev.Cursor <= watermark {
					continue
				}
				select {
				case out <- ev:
				case <-done:
					return
				case <-ctx.Done():
					b.detach(sub)
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				b.detach(sub)
				return
			}
		}
	}()

	return s, nil
}

func (b *Bus) detach(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.subs[sub.id]; ok && existing == sub && !sub.closed {
		sub.closed = true
		close(sub.ch)
		delete(b.subs, sub.id)
	}
}

// On registers a synchronous handler for one event type and returns an
// unsubscribe closure. Handlers run on the emitting goroutine and are
// process-scoped: they are not persisted and must be re-registered after
// resume.
func (b *Bus) On(t models.EventType, handler func(models.Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[t] == nil {
		b.handlers[t] = make(map[int]func(models.Event))
	}
	b.nextHand++
	id := b.nextHand
	b.handlers[t][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[t], id)
	}
}

// Close detaches all live subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(b.subs, id)
	}
}
