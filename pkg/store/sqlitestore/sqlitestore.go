// Package sqlitestore is a SQLite-backed Store. State maps are key-value
// tables holding JSON documents; the event log is an append-optimized table
// keyed by (agent_id, seq). The database runs in WAL journal mode, so the
// crash-safety contract is delegated to SQLite's own write-ahead log.
//
// The agent lock is per-process only. HealthCheck reports lock_scope
// "process" so embedders do not accidentally deploy this backend
// multi-process.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store is a SQLite implementation of store.Store.
type Store struct {
	db     *sql.DB
	locker *store.ProcessLocker
}

const schema = `
CREATE TABLE IF NOT EXISTS agent_state (
	agent_id TEXT NOT NULL,
	map_name TEXT NOT NULL,
	doc      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, map_name)
);
CREATE TABLE IF NOT EXISTS events (
	agent_id TEXT NOT NULL,
	seq      INTEGER NOT NULL,
	channel  TEXT NOT NULL,
	doc      TEXT NOT NULL,
	PRIMARY KEY (agent_id, seq)
);
CREATE TABLE IF NOT EXISTS snapshots (
	agent_id    TEXT NOT NULL,
	snapshot_id TEXT NOT NULL,
	doc         TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, snapshot_id)
);
CREATE TABLE IF NOT EXISTS media (
	agent_id TEXT NOT NULL,
	media_id TEXT NOT NULL,
	data     BLOB NOT NULL,
	PRIMARY KEY (agent_id, media_id)
);
CREATE TABLE IF NOT EXISTS pool_meta (
	id  INTEGER PRIMARY KEY CHECK (id = 1),
	doc TEXT NOT NULL
);
`

// Open creates or reopens a SQLite store at path. Use ":memory:" for an
// ephemeral database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// A single writer avoids SQLITE_BUSY churn under concurrent agents.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=FULL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db, locker: store.NewProcessLocker()}, nil
}

func (s *Store) saveMap(ctx context.Context, agentID, mapName string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode %s: %w", mapName, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_state (agent_id, map_name, doc, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id, map_name) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		agentID, mapName, string(doc), time.Now().UTC())
	return err
}

func (s *Store) loadMap(ctx context.Context, agentID, mapName string, v any) error {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM agent_state WHERE agent_id = ? AND map_name = ?`,
		agentID, mapName).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(doc), v)
}

// SaveMessages replaces the agent's message history.
func (s *Store) SaveMessages(ctx context.Context, agentID string, msgs []models.Message) error {
	if msgs == nil {
		msgs = []models.Message{}
	}
	return s.saveMap(ctx, agentID, "messages", msgs)
}

// LoadMessages returns the agent's message history.
func (s *Store) LoadMessages(ctx context.Context, agentID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.loadMap(ctx, agentID, "messages", &msgs)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return msgs, err
}

// SaveToolRecords replaces the agent's tool call record table.
func (s *Store) SaveToolRecords(ctx context.Context, agentID string, recs []*models.ToolCallRecord) error {
	if recs == nil {
		recs = []*models.ToolCallRecord{}
	}
	return s.saveMap(ctx, agentID, "tool_records", recs)
}

// LoadToolRecords returns the agent's tool call records.
func (s *Store) LoadToolRecords(ctx context.Context, agentID string) ([]*models.ToolCallRecord, error) {
	var recs []*models.ToolCallRecord
	err := s.loadMap(ctx, agentID, "tool_records", &recs)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return recs, err
}

// SaveTodos replaces the agent's todo snapshot.
func (s *Store) SaveTodos(ctx context.Context, agentID string, todos []models.TodoItem) error {
	if todos == nil {
		todos = []models.TodoItem{}
	}
	return s.saveMap(ctx, agentID, "todos", todos)
}

// LoadTodos returns the agent's todo snapshot.
func (s *Store) LoadTodos(ctx context.Context, agentID string) ([]models.TodoItem, error) {
	var todos []models.TodoItem
	err := s.loadMap(ctx, agentID, "todos", &todos)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return todos, err
}

// AppendEvent appends one envelope to the events table.
func (s *Store) AppendEvent(ctx context.Context, agentID string, ev models.Event) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO events (agent_id, seq, channel, doc) VALUES (?, ?, ?, ?)`,
		agentID, ev.Bookmark.Seq, string(ev.Channel), string(doc))
	return err
}

// ReadEvents returns events matching the filter ordered by sequence.
func (s *Store) ReadEvents(ctx context.Context, agentID string, f store.EventFilter) ([]models.Event, error) {
	query := `SELECT doc FROM events WHERE agent_id = ?`
	args := []any{agentID}
	if f.Since != nil {
		query += ` AND seq > ?`
		args = append(args, f.Since.Seq)
	}
	if len(f.Channels) > 0 {
		query += ` AND channel IN (?` + strings.Repeat(",?", len(f.Channels)-1) + `)`
		for _, ch := range f.Channels {
			args = append(args, string(ch))
		}
	}
	query += ` ORDER BY seq ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(doc), &ev); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SaveSnapshot stores a snapshot row.
func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap models.Snapshot) error {
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sqlitestore: encode snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (agent_id, snapshot_id, doc, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id, snapshot_id) DO UPDATE SET doc = excluded.doc`,
		agentID, snap.ID, string(doc), snap.CreatedAt.UTC())
	return err
}

// LoadSnapshot returns a snapshot by id.
func (s *Store) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (*models.Snapshot, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM snapshots WHERE agent_id = ? AND snapshot_id = ?`,
		agentID, snapshotID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap models.Snapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns the agent's snapshots ordered by creation time.
func (s *Store) ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM snapshots WHERE agent_id = ? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Snapshot
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var snap models.Snapshot
		if err := json.Unmarshal([]byte(doc), &snap); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SaveInfo stores the agent metadata record.
func (s *Store) SaveInfo(ctx context.Context, info *models.AgentInfo) error {
	if info == nil {
		return nil
	}
	return s.saveMap(ctx, info.ID, "info", info)
}

// LoadInfo returns the agent metadata record.
func (s *Store) LoadInfo(ctx context.Context, agentID string) (*models.AgentInfo, error) {
	var info models.AgentInfo
	if err := s.loadMap(ctx, agentID, "info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveMedia stores raw bytes in the agent's media cache.
func (s *Store) SaveMedia(ctx context.Context, agentID, mediaID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media (agent_id, media_id, data) VALUES (?, ?, ?)
		ON CONFLICT (agent_id, media_id) DO UPDATE SET data = excluded.data`,
		agentID, mediaID, data)
	return err
}

// LoadMedia returns bytes from the agent's media cache.
func (s *Store) LoadMedia(ctx context.Context, agentID, mediaID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM media WHERE agent_id = ? AND media_id = ?`,
		agentID, mediaID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return data, err
}

// SavePoolMeta stores the pool running-list record in its own table.
func (s *Store) SavePoolMeta(ctx context.Context, meta *models.PoolMeta) error {
	doc, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pool_meta (id, doc) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc`, string(doc))
	return err
}

// LoadPoolMeta returns the pool running-list record, or nil if unset.
func (s *Store) LoadPoolMeta(ctx context.Context) (*models.PoolMeta, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM pool_meta WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta models.PoolMeta
	if err := json.Unmarshal([]byte(doc), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Exists reports whether the agent has a metadata record.
func (s *Store) Exists(ctx context.Context, agentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_state WHERE agent_id = ? AND map_name = 'info'`,
		agentID).Scan(&n)
	return n > 0, err
}

// Delete removes all state for the agent id.
func (s *Store) Delete(ctx context.Context, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM agent_state WHERE agent_id = ?`,
		`DELETE FROM events WHERE agent_id = ?`,
		`DELETE FROM snapshots WHERE agent_id = ?`,
		`DELETE FROM media WHERE agent_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, agentID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// List returns agent ids with the given prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT agent_id FROM agent_state
		WHERE map_name = 'info' AND agent_id LIKE ? ORDER BY agent_id`,
		prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// AcquireAgentLock takes the process-scoped lock for the agent id. SQLite
// has no server to arbitrate a distributed mutex; the limitation is
// surfaced through HealthCheck.
func (s *Store) AcquireAgentLock(ctx context.Context, agentID string, timeout time.Duration) (func(), error) {
	return s.locker.Acquire(ctx, agentID, timeout)
}

// QuerySessions lists agent metadata with prefix filtering and pagination.
func (s *Store) QuerySessions(ctx context.Context, q store.SessionQuery) ([]*models.AgentInfo, error) {
	ids, err := s.List(ctx, q.Prefix)
	if err != nil {
		return nil, err
	}
	var infos []*models.AgentInfo
	for _, id := range ids {
		info, err := s.LoadInfo(ctx, id)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return paginateInfos(infos, q.Limit, q.Offset), nil
}

func paginateInfos(infos []*models.AgentInfo, limit, offset int) []*models.AgentInfo {
	if offset > 0 {
		if offset >= len(infos) {
			return nil
		}
		infos = infos[offset:]
	}
	if limit > 0 && limit < len(infos) {
		infos = infos[:limit]
	}
	return infos
}

// QueryMessages lists messages for one agent with role and substring filters.
func (s *Store) QueryMessages(ctx context.Context, q store.MessageQuery) ([]models.Message, error) {
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
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

// QueryToolCalls lists tool call records for one agent with filters.
func (s *Store) QueryToolCalls(ctx context.Context, q store.ToolCallQuery) ([]*models.ToolCallRecord, error) {
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
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

// AggregateStats counts stored entities.
func (s *Store) AggregateStats(ctx context.Context) (*store.Stats, error) {
	stats := &store.Stats{}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agent_state WHERE map_name = 'info'`).Scan(&stats.Agents); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&stats.Events); err != nil {
		return nil, err
	}
	ids, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		msgs, err := s.LoadMessages(ctx, id)
		if err == nil {
			stats.Messages += len(msgs)
		}
		recs, err := s.LoadToolRecords(ctx, id)
		if err == nil {
			stats.ToolCalls += len(recs)
		}
	}
	return stats, nil
}

// HealthCheck pings the database and reports process lock scope.
func (s *Store) HealthCheck(ctx context.Context) (*store.Health, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return &store.Health{OK: false, Backend: "sqlite", LockScope: "process", Detail: err.Error()}, nil
	}
	return &store.Health{
		OK:        true,
		Backend:   "sqlite",
		LockScope: "process",
		Detail:    "agent lock is in-memory, single-process only",
	}, nil
}
