// Package filestore is the reference durable Store: one directory per agent,
// each named map a JSON document journaled through a write-ahead file, and
// the event log an append-only JSONL file.
//
// Crash-safety contract: every document write goes to <name>.json.wal first,
// is fsynced, and is then renamed over the target. A crash between WAL write
// and rename is recovered on the next Open by replaying (renaming) intact
// WAL files and discarding torn ones.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
	"github.com/loomworks/loom/pkg/store"
)

const (
	messagesFile = "messages.json"
	recordsFile  = "tool_records.json"
	todosFile    = "todos.json"
	infoFile     = "info.json"
	eventsFile   = "events.jsonl"
	poolMetaFile = "pool_meta.json"
	snapshotsDir = "snapshots"
	mediaDir     = "media"
	walSuffix    = ".wal"
)

// Store is a file-backed implementation of store.Store.
type Store struct {
	root   string
	logger *slog.Logger

	mu     sync.Mutex // serializes writes; reads go through the filesystem
	locker *store.ProcessLocker
}

// Option configures the file store.
type Option func(*Store)

// WithLogger sets the diagnostics logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open creates or reopens a file store rooted at dir, replaying any
// write-ahead files left by a crashed process.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}
	s := &Store{
		root:   dir,
		logger: slog.Default(),
		locker: store.NewProcessLocker(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.recoverWAL(); err != nil {
		return nil, err
	}
	return s, nil
}

// recoverWAL completes or discards write-ahead files from a previous run.
// An intact WAL (valid JSON) is renamed over its target; a torn one is
// removed.
func (s *Store) recoverWAL() error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, walSuffix) {
			return err
		}
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return readErr
		}
		target := strings.TrimSuffix(path, walSuffix)
		if json.Valid(data) {
			s.logger.Warn("replaying write-ahead file", "path", path)
			if renameErr := os.Rename(path, target); renameErr != nil {
				return renameErr
			}
			return syncDir(filepath.Dir(target))
		}
		s.logger.Warn("discarding torn write-ahead file", "path", path)
		return os.Remove(path)
	})
}

func (s *Store) agentDir(agentID string) string {
	return filepath.Join(s.root, "agents", sanitizeID(agentID))
}

// sanitizeID keeps agent ids safe to use as directory names.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

// writeDocument journals data through <path>.wal and renames it into place.
func (s *Store) writeDocument(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("filestore: encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	wal := path + walSuffix
	f, err := os.OpenFile(wal, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(wal, path); err != nil {
		return err
	}
	return syncDir(filepath.Dir(path))
}

func (s *Store) readDocument(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return store.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Best effort: some filesystems reject directory fsync.
	_ = d.Sync()
	return nil
}

// SaveMessages replaces the agent's message history.
func (s *Store) SaveMessages(ctx context.Context, agentID string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msgs == nil {
		msgs = []models.Message{}
	}
	return s.writeDocument(filepath.Join(s.agentDir(agentID), messagesFile), msgs)
}

// LoadMessages returns the agent's message history, or nil if none persisted.
func (s *Store) LoadMessages(ctx context.Context, agentID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.readDocument(filepath.Join(s.agentDir(agentID), messagesFile), &msgs)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return msgs, err
}

// SaveToolRecords replaces the agent's tool call record table.
func (s *Store) SaveToolRecords(ctx context.Context, agentID string, recs []*models.ToolCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recs == nil {
		recs = []*models.ToolCallRecord{}
	}
	return s.writeDocument(filepath.Join(s.agentDir(agentID), recordsFile), recs)
}

// LoadToolRecords returns the agent's tool call records.
func (s *Store) LoadToolRecords(ctx context.Context, agentID string) ([]*models.ToolCallRecord, error) {
	var recs []*models.ToolCallRecord
	err := s.readDocument(filepath.Join(s.agentDir(agentID), recordsFile), &recs)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return recs, err
}

// SaveTodos replaces the agent's todo snapshot.
func (s *Store) SaveTodos(ctx context.Context, agentID string, todos []models.TodoItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if todos == nil {
		todos = []models.TodoItem{}
	}
	return s.writeDocument(filepath.Join(s.agentDir(agentID), todosFile), todos)
}

// LoadTodos returns the agent's todo snapshot.
func (s *Store) LoadTodos(ctx context.Context, agentID string) ([]models.TodoItem, error) {
	var todos []models.TodoItem
	err := s.readDocument(filepath.Join(s.agentDir(agentID), todosFile), &todos)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return todos, err
}

// AppendEvent appends one envelope to the agent's JSONL event log and
// fsyncs it. A torn trailing line from a crash is skipped on read.
func (s *Store) AppendEvent(ctx context.Context, agentID string, ev models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.agentDir(agentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("filestore: encode event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReadEvents returns events matching the filter in append order.
func (s *Store) ReadEvents(ctx context.Context, agentID string, f store.EventFilter) ([]models.Event, error) {
	file, err := os.Open(filepath.Join(s.agentDir(agentID), eventsFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var out []models.Event
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Torn tail from a crash mid-append.
			s.logger.Warn("skipping torn event line", "agent_id", agentID)
			continue
		}
		if !f.Matches(ev) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, scanner.Err()
}

// SaveSnapshot stores a snapshot document under snapshots/<id>.json.
func (s *Store) SaveSnapshot(ctx context.Context, agentID string, snap models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.agentDir(agentID), snapshotsDir, sanitizeID(snap.ID)+".json")
	return s.writeDocument(path, snap)
}

// LoadSnapshot returns a snapshot by id.
func (s *Store) LoadSnapshot(ctx context.Context, agentID, snapshotID string) (*models.Snapshot, error) {
	var snap models.Snapshot
	path := filepath.Join(s.agentDir(agentID), snapshotsDir, sanitizeID(snapshotID)+".json")
	if err := s.readDocument(path, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns the agent's snapshots ordered by creation time.
func (s *Store) ListSnapshots(ctx context.Context, agentID string) ([]models.Snapshot, error) {
	dir := filepath.Join(s.agentDir(agentID), snapshotsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []models.Snapshot
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var snap models.Snapshot
		if err := s.readDocument(filepath.Join(dir, e.Name()), &snap); err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SaveInfo stores the agent metadata record.
func (s *Store) SaveInfo(ctx context.Context, info *models.AgentInfo) error {
	if info == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDocument(filepath.Join(s.agentDir(info.ID), infoFile), info)
}

// LoadInfo returns the agent metadata record.
func (s *Store) LoadInfo(ctx context.Context, agentID string) (*models.AgentInfo, error) {
	var info models.AgentInfo
	if err := s.readDocument(filepath.Join(s.agentDir(agentID), infoFile), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SaveMedia stores raw bytes in the agent's media cache.
func (s *Store) SaveMedia(ctx context.Context, agentID, mediaID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.agentDir(agentID), mediaDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, sanitizeID(mediaID)+".bin")
	wal := path + walSuffix
	if err := os.WriteFile(wal, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(wal, path); err != nil {
		return err
	}
	return syncDir(dir)
}

// LoadMedia returns bytes from the agent's media cache.
func (s *Store) LoadMedia(ctx context.Context, agentID, mediaID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.agentDir(agentID), mediaDir, sanitizeID(mediaID)+".bin"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// SavePoolMeta stores the pool running-list record outside the agent
// namespace.
func (s *Store) SavePoolMeta(ctx context.Context, meta *models.PoolMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeDocument(filepath.Join(s.root, poolMetaFile), meta)
}

// LoadPoolMeta returns the pool running-list record, or nil if unset.
func (s *Store) LoadPoolMeta(ctx context.Context) (*models.PoolMeta, error) {
	var meta models.PoolMeta
	err := s.readDocument(filepath.Join(s.root, poolMetaFile), &meta)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// Exists reports whether the agent has a metadata record on disk.
func (s *Store) Exists(ctx context.Context, agentID string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.agentDir(agentID), infoFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete removes the agent's directory.
func (s *Store) Delete(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.RemoveAll(s.agentDir(agentID))
}

// List returns agent ids with the given prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "agents"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if prefix == "" || strings.HasPrefix(e.Name(), prefix) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close releases nothing; file handles are per-operation.
func (s *Store) Close() error { return nil }

// AcquireAgentLock takes the process-scoped lock for the agent id. The file
// backend does not implement a cross-process mutex; HealthCheck reports the
// limitation.
func (s *Store) AcquireAgentLock(ctx context.Context, agentID string, timeout time.Duration) (func(), error) {
	return s.locker.Acquire(ctx, agentID, timeout)
}

// HealthCheck verifies the root is writable and reports process lock scope.
func (s *Store) HealthCheck(ctx context.Context) (*store.Health, error) {
	probe := filepath.Join(s.root, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return &store.Health{OK: false, Backend: "file", LockScope: "process", Detail: err.Error()}, nil
	}
	os.Remove(probe)
	return &store.Health{
		OK:        true,
		Backend:   "file",
		LockScope: "process",
		Detail:    "agent lock is per-process; do not share the directory across processes",
	}, nil
}
