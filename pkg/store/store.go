// Package store defines the abstract persistence contract for agent durable
// state and provides an in-memory implementation. Durable backends live in
// the filestore and sqlitestore subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound indicates the requested agent, snapshot, or media entry
	// does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAgentExists indicates a create collided with an existing agent id.
	ErrAgentExists = errors.New("store: agent already exists")

	// ErrLockHeld indicates the agent lock could not be acquired within the
	// timeout.
	ErrLockHeld = errors.New("store: agent lock held")
)

// EventFilter selects events from an agent's log. A nil Since starts from
// the beginning; Channels empty means all channels.
type EventFilter struct {
	Since    *models.Bookmark
	Channels []models.Channel
	Limit    int
}

// Matches reports whether the filter admits the event.
func (f EventFilter) Matches(ev models.Event) bool {
	if f.Since != nil && ev.Bookmark.Seq <= f.Since.Seq {
		return false
	}
	if len(f.Channels) == 0 {
		return true
	}
	for _, ch := range f.Channels {
		if ev.Channel == ch {
			return true
		}
	}
	return false
}

// Store persists the named maps and logs that make up agent durable state.
// Every operation is identified by agent id and idempotent on retry. After a
// save returns success, a load in any later process must observe the saved
// state or a state reachable by replaying the backend's journal.
type Store interface {
	// Messages: replace-on-write full history.
	SaveMessages(ctx context.Context, agentID string, msgs []models.Message) error
	LoadMessages(ctx context.Context, agentID string) ([]models.Message, error)

	// Tool call records: replace-on-write table.
	SaveToolRecords(ctx context.Context, agentID string, recs []*models.ToolCallRecord) error
	LoadToolRecords(ctx context.Context, agentID string) ([]*models.ToolCallRecord, error)

	// Todo snapshot.
	SaveTodos(ctx context.Context, agentID string, todos []models.TodoItem) error
	LoadTodos(ctx context.Context, agentID string) ([]models.TodoItem, error)

	// Event log: total, ordered append per agent; resumable reads.
	AppendEvent(ctx context.Context, agentID string, ev models.Event) error
	ReadEvents(ctx context.Context, agentID string, f EventFilter) ([]models.Event, error)

	// Snapshots.
	SaveSnapshot(ctx context.Context, agentID string, snap models.Snapshot) error
	LoadSnapshot(ctx context.Context, agentID, snapshotID string) (*models.Snapshot, error)
	ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error)

	// Agent metadata.
	SaveInfo(ctx context.Context, info *models.AgentInfo) error
	LoadInfo(ctx context.Context, agentID string) (*models.AgentInfo, error)

	// Media cache for multimodal retention.
	SaveMedia(ctx context.Context, agentID, mediaID string, data []byte) error
	LoadMedia(ctx context.Context, agentID, mediaID string) ([]byte, error)

	// Pool metadata lives in its own map, outside the agent-id namespace.
	SavePoolMeta(ctx context.Context, meta *models.PoolMeta) error
	LoadPoolMeta(ctx context.Context) (*models.PoolMeta, error)

	// Namespace operations.
	Exists(ctx context.Context, agentID string) (bool, error)
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Locker is the optional distributed-mutex surface. Backends that cannot
// provide a real cross-process lock must say so in their HealthCheck.
type Locker interface {
	// AcquireAgentLock blocks up to timeout for exclusive ownership of the
	// agent id and returns a release closure.
	AcquireAgentLock(ctx context.Context, agentID string, timeout time.Duration) (func(), error)
}

// SessionQuery filters agent listings.
type SessionQuery struct {
	Prefix string
	Limit  int
	Offset int
}

// MessageQuery filters message listings for one agent.
type MessageQuery struct {
	AgentID  string
	Role     models.Role
	Contains string
	Limit    int
	Offset   int
}

// ToolCallQuery filters tool call record listings for one agent.
type ToolCallQuery struct {
	AgentID string
	State   models.ToolCallState
	Name    string
	Limit   int
	Offset  int
}

// Stats aggregates store-wide counts.
type Stats struct {
	Agents    int `json:"agents"`
	Messages  int `json:"messages"`
	Events    int `json:"events"`
	ToolCalls int `json:"tool_calls"`
}

// Health describes a backend's operational state. LockScope is "distributed"
// when AcquireAgentLock is a real cross-process mutex and "process" when it
// only guards within one process.
type Health struct {
	OK        bool   `json:"ok"`
	Backend   string `json:"backend"`
	LockScope string `json:"lock_scope"`
	Detail    string `json:"detail,omitempty"`
}

// Querier is the optional extended query surface.
type Querier interface {
	QuerySessions(ctx context.Context, q SessionQuery) ([]*models.AgentInfo, error)
	QueryMessages(ctx context.Context, q MessageQuery) ([]models.Message, error)
	QueryToolCalls(ctx context.Context, q ToolCallQuery) ([]*models.ToolCallRecord, error)
	AggregateStats(ctx context.Context) (*Stats, error)
	HealthCheck(ctx context.Context) (*Health, error)
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
