package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// StoreID is the reserved store id for audit data in the mall.
const StoreID = "_audit"

// Store is the append-only per-user audit store. It is both the storage sink
// and a read-only mall store, so audited history is queried with the regular
// events.get machinery over ":_audit:" stream ids.
type Store struct {
	baseDir string

	mu      sync.Mutex
	handles map[string]*sql.DB
}

// NewStore creates the audit store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Store{baseDir: baseDir, handles: make(map[string]*sql.DB)}, nil
}

func (s *Store) ID() string { return StoreID }

func (s *Store) handle(userID string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.handles[userID]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", filepath.Join(s.baseDir, userID+".sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, m := range []string{
		`PRAGMA journal_mode = WAL`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			stream_ids TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			time REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(time)`,
	} {
		if _, err := db.Exec(m); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("audit db migration: %w", err)
		}
	}
	s.handles[userID] = db
	return db, nil
}

// Write appends one record. Implements Sink.
func (s *Store) Write(ctx context.Context, r *Record) error {
	db, err := s.handle(r.UserID)
	if err != nil {
		return err
	}
	e := newRecordEvent(r)
	streamIDs, err := json.Marshal(e.StreamIDs)
	if err != nil {
		return err
	}
	content, err := json.Marshal(e.Content)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		"INSERT INTO audit_events (id, stream_ids, type, content, time) VALUES (?, ?, ?, ?, ?)",
		e.ID, string(streamIDs), e.Type, string(content), e.Time)
	return err
}

// Close closes every per-user handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for id, db := range s.handles {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.handles, id)
	}
	return firstErr
}

// --- mall.Store read path ---

// GetEvents runs an events query over the user's audit trail.
func (s *Store) GetEvents(ctx context.Context, userID string, q storage.EventsQuery) ([]*storage.Event, error) {
	db, err := s.handle(userID)
	if err != nil {
		return nil, err
	}
	order := "DESC"
	if q.SortAscending {
		order = "ASC"
	}
	rows, err := db.QueryContext(ctx,
		"SELECT id, stream_ids, type, content, time FROM audit_events ORDER BY time "+order)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := storage.NowSeconds()
	var events []*storage.Event
	for rows.Next() {
		var e storage.Event
		var streamIDs, content string
		if err := rows.Scan(&e.ID, &streamIDs, &e.Type, &content, &e.Time); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(streamIDs), &e.StreamIDs); err != nil {
			return nil, err
		}
		var c map[string]any
		if err := json.Unmarshal([]byte(content), &c); err != nil {
			return nil, err
		}
		e.Content = c
		e.Created = e.Time
		e.Modified = e.Time
		if !storage.MatchesEventQuery(&e, &q, now) {
			continue
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetEvent fetches one audit event by id.
func (s *Store) GetEvent(ctx context.Context, userID, id string) (*storage.Event, error) {
	events, err := s.GetEvents(ctx, userID, storage.EventsQuery{})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, nil
}

// GetStreams synthesizes the audit stream list from the recorded events.
func (s *Store) GetStreams(ctx context.Context, userID string, q storage.StreamsQuery) ([]*storage.Stream, error) {
	events, err := s.GetEvents(ctx, userID, storage.EventsQuery{})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	for _, e := range events {
		for _, id := range e.StreamIDs {
			seen[id] = true
		}
	}
	var flat []*storage.Stream
	for id := range seen {
		flat = append(flat, &storage.Stream{ID: id, Name: id})
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i].ID < flat[j].ID })
	return storage.BuildForest(flat, q), nil
}

var errReadOnly = errs.InvalidOperation("The audit store is read-only.", nil)

func (s *Store) CreateStream(context.Context, string, *storage.Stream) error { return errReadOnly }
func (s *Store) UpdateStream(context.Context, string, *storage.Stream) error { return errReadOnly }
func (s *Store) DeleteStream(context.Context, string, string) error          { return errReadOnly }
func (s *Store) CreateEvent(context.Context, string, *storage.Event) error   { return errReadOnly }
func (s *Store) UpdateEvent(context.Context, string, *storage.Event) error   { return errReadOnly }
func (s *Store) DeleteEvent(context.Context, string, string) error           { return errReadOnly }
