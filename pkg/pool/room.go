package pool

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// mentionPattern extracts @name mentions from room messages.
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// Room is a named multi-agent conversation surface. Members are pool agents
// under a room-local display name; a message is routed to its @mentions, or
// broadcast to every other member when it mentions nobody.
type Room struct {
	name string
	pool *Pool

	mu      sync.Mutex
	members map[string]string // display name -> agent id
}

// Room returns the named room, creating it if needed.
func (p *Pool) Room(name string) *Room {
	p.mu.Lock()
	defer p.mu.Unlock()
	if room, ok := p.rooms[name]; ok {
		return room
	}
	room := &Room{name: name, pool: p, members: make(map[string]string)}
	p.rooms[name] = room
	return room
}

// Join adds a live agent to the room under a display name.
func (r *Room) Join(displayName, agentID string) error {
	if _, ok := r.pool.Get(agentID); !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, agentID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, taken := r.members[displayName]; taken && existing != agentID {
		return fmt.Errorf("room %s: name %q is taken", r.name, displayName)
	}
	r.members[displayName] = agentID
	return nil
}

// Leave removes a display name from the room.
func (r *Room) Leave(displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, displayName)
}

// Members lists the room's display names in order.
func (r *Room) Members() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.members))
	for name := range r.members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// forget drops any membership held by the given agent id. Called by the
// pool when the agent stops.
func (r *Room) forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, id := range r.members {
		if id == agentID {
			delete(r.members, name)
		}
	}
}

// Say delivers a message into the room on behalf of from. Recipients are
// the @mentioned members, or every member except the sender when nothing is
// mentioned. Delivery enqueues the message on each recipient's loop and
// returns without waiting for their turns.
func (r *Room) Say(ctx context.Context, from, text string) ([]string, error) {
	r.mu.Lock()
	if _, ok := r.members[from]; !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("room %s: %q is not a member", r.name, from)
	}

	var recipients []string
	seen := make(map[string]bool)
	for _, m := range mentionPattern.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if name == from || seen[name] {
			continue
		}
		if _, ok := r.members[name]; ok {
			seen[name] = true
			recipients = append(recipients, name)
		}
	}
	if len(recipients) == 0 {
		for name := range r.members {
			if name != from {
				recipients = append(recipients, name)
			}
		}
	}
	sort.Strings(recipients)

	targets := make(map[string]string, len(recipients))
	for _, name := range recipients {
		targets[name] = r.members[name]
	}
	r.mu.Unlock()

	body := fmt.Sprintf("[from:%s] %s", from, text)
	var delivered []string
	for _, name := range recipients {
		a, ok := r.pool.Get(targets[name])
		if !ok {
			continue
		}
		msg := models.NewTextMessage(models.RoleUser, body)
		msg.Metadata = map[string]any{"loom.room": r.name, "loom.room_from": from}
		a.Inject(ctx, msg)
		delivered = append(delivered, name)
	}
	return delivered, nil
}
