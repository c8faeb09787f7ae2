package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Memory is a thread-safe in-memory Store for tests and embedded use.
// Nothing survives the process; the lock it hands out is process-scoped.
type Memory struct {
	mu       sync.RWMutex
	agents   map[string]*agentState
	poolMeta *models.PoolMeta
	locker   *ProcessLocker
}

type agentState struct {
	messages  []models.Message
	records   []*models.ToolCallRecord
	todos     []models.TodoItem
	events    []models.Event
	snapshots map[string]models.Snapshot
	info      *models.AgentInfo
	media     map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents: make(map[string]*agentState),
		locker: NewProcessLocker(),
	}
}

func (s *Memory) state(agentID string) *agentState {
	st, ok := s.agents[agentID]
	if !ok {
		st = &agentState{
			snapshots: make(map[string]models.Snapshot),
			media:     make(map[string][]byte),
		}
		s.agents[agentID] = st
	}
	return st
}

func cloneMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

func cloneRecords(recs []*models.ToolCallRecord) []*models.ToolCallRecord {
	out := make([]*models.ToolCallRecord, len(recs))
	for i, r := range recs {
		cp := *r
		cp.Audit = append([]models.AuditEntry(nil), r.Audit...)
		out[i] = &cp
	}
	return out
}

// SaveMessages replaces the agent's message history.
func (s *Memory) SaveMessages(ctx context.Context, agentID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(agentID).messages = cloneMessages(msgs)
	return nil
}

// LoadMessages returns a copy of the agent's message history.
func (s *Memory) LoadMessages(ctx context.Context, agentID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	return cloneMessages(st.messages), nil
}

// SaveToolRecords replaces the agent's tool call record table.
func (s *Memory) SaveToolRecords(ctx context.Context, agentID string, recs []*models.ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(agentID).records = cloneRecords(recs)
	return nil
}

// LoadToolRecords returns a copy of the agent's tool call records.
func (s *Memory) LoadToolRecords(ctx context.Context, agentID string) ([]*models.ToolCallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	return cloneRecords(st.records), nil
}

// SaveTodos replaces the agent's todo snapshot.
func (s *Memory) SaveTodos(ctx context.Context, agentID string, todos []models.TodoItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(agentID).todos = append([]models.TodoItem(nil), todos...)
	return nil
}

// LoadTodos returns a copy of the agent's todo snapshot.
func (s *Memory) LoadTodos(ctx context.Context, agentID string) ([]models.TodoItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	return append([]models.TodoItem(nil), st.todos...), nil
}

// AppendEvent appends one event to the agent's log.
func (s *Memory) AppendEvent(ctx context.Context, agentID string, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(agentID)
	st.events = append(st.events, ev)
	return nil
}

// ReadEvents returns events matching the filter in log order.
func (s *Memory) ReadEvents(ctx context.Context, agentID string, f EventFilter) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	var out []models.Event
	for _, ev := range st.events {
		if !f.Matches(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// SaveSnapshot stores a snapshot under its id.
func (s *Memory) SaveSnapshot(ctx context.Context, agentID string, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(agentID)
	snap.Messages = cloneMessages(snap.Messages)
	st.snapshots[snap.ID] = snap
	return nil
}

// LoadSnapshot returns a snapshot by id.
func (s *Memory) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	snap, ok := st.snapshots[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	snap.Messages = cloneMessages(snap.Messages)
	return &snap, nil
}

// ListSnapshots returns the agent's snapshots ordered by creation time.
func (s *Memory) ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil, nil
	}
	out := make([]models.Snapshot, 0, len(st.snapshots))
	for _, snap := range st.snapshots {
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveInfo stores the agent metadata record.
func (s *Memory) SaveInfo(ctx context.Context, info *models.AgentInfo) error {
	if info == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *info
	s.state(info.ID).info = &cp
	return nil
}

// LoadInfo returns the agent metadata record.
func (s *Memory) LoadInfo(ctx context.Context, agentID string) (*models.AgentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok || st.info == nil {
		return nil, ErrNotFound
	}
	cp := *st.info
	return &cp, nil
}

// SaveMedia stores raw bytes in the agent's media cache.
func (s *Memory) SaveMedia(ctx context.Context, agentID, mediaID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(agentID).media[mediaID] = append([]byte(nil), data...)
	return nil
}

// LoadMedia returns bytes from the agent's media cache.
func (s *Memory) LoadMedia(ctx context.Context, agentID, mediaID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := st.media[mediaID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// SavePoolMeta stores the pool running-list record.
func (s *Memory) SavePoolMeta(ctx context.Context, meta *models.PoolMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta == nil {
		s.poolMeta = nil
		return nil
	}
	cp := *meta
	cp.Running = append([]string(nil), meta.Running...)
	s.poolMeta = &cp
	return nil
}

// LoadPoolMeta returns the pool running-list record, or nil if unset.
func (s *Memory) LoadPoolMeta(ctx context.Context) (*models.PoolMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.poolMeta == nil {
		return nil, nil
	}
	cp := *s.poolMeta
	cp.Running = append([]string(nil), s.poolMeta.Running...)
	return &cp, nil
}

// Exists reports whether any state is stored for the agent id.
func (s *Memory) Exists(ctx context.Context, agentID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[agentID]
	return ok && st.info != nil, nil
}

// Delete removes all state for the agent id.
func (s *Memory) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, agentID)
	return nil
}

// List returns agent ids with the given prefix, sorted.
func (s *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, st := range s.agents {
		if st.info == nil {
			continue
		}
		if prefix == "" || strings.HasPrefix(id, prefix) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close releases nothing; the memory store has no resources.
func (s *Memory) Close() error { return nil }

// AcquireAgentLock takes the process-scoped lock for the agent id.
func (s *Memory) AcquireAgentLock(ctx context.Context, agentID string, timeout time.Duration) (func(), error) {
	return s.locker.Acquire(ctx, agentID, timeout)
}

// QuerySessions lists agent metadata with prefix filtering and pagination.
func (s *Memory) QuerySessions(ctx context.Context, q SessionQuery) ([]*models.AgentInfo, error) {
	ids, err := s.List(ctx, q.Prefix)
	if err != nil {
		return nil, err
	}
	infos := make([]*models.AgentInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.LoadInfo(ctx, id)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return paginate(infos, q.Limit, q.Offset), nil
}

// QueryMessages lists messages for one agent with role and substring filters.
func (s *Memory) QueryMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	msgs, err := s.LoadMessages(ctx, q.AgentID)
	if err != nil {
		return nil, err
	}
	var out []models.Message
	for _, m := range msgs {
		if q.Role != "" && m.Role != q.Role {
			continue
		}
		if q.Contains != "" && !strings.Contains(m.Text(), q.Contains) {
			continue
		}
		out = append(out, m)
	}
	return paginate(out, q.Limit, q.Offset), nil
}

// QueryToolCalls lists tool call records for one agent with state and name filters.
func (s *Memory) QueryToolCalls(ctx context.Context, q ToolCallQuery) ([]*models.ToolCallRecord, error) {
	recs, err := s.LoadToolRecords(ctx, q.AgentID)
	if err != nil {
		return nil, err
	}
	var out []*models.ToolCallRecord
	for _, r := range recs {
		if q.State != "" && r.State != q.State {
			continue
		}
		if q.Name != "" && r.Name != q.Name {
			continue
		}
		out = append(out, r)
	}
	return paginate(out, q.Limit, q.Offset), nil
}

// AggregateStats counts stored entities across all agents.
func (s *Memory) AggregateStats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Stats{}
	for _, st := range s.agents {
		if st.info != nil {
			stats.Agents++
		}
		stats.Messages += len(st.messages)
		stats.Events += len(st.events)
		stats.ToolCalls += len(st.records)
	}
	return stats, nil
}

// HealthCheck reports the in-memory backend as process-scoped.
func (s *Memory) HealthCheck(ctx context.Context) (*Health, error) {
	return &Health{
		OK:        true,
		Backend:   "memory",
		LockScope: "process",
		Detail:    "state does not survive the process; do not deploy multi-process",
	}, nil
}
