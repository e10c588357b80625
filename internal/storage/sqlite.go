package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
)

// SQLiteDatabase implements Database using SQLite.
type SQLiteDatabase struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database and runs migrations.
func NewSQLite(dsn string) (*SQLiteDatabase, error) {
	// For in-memory databases, use shared cache so all connections in the
	// pool see the same data.
	if dsn == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode for better concurrent read/write.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteDatabase{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteDatabase) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL COLLATE NOCASE UNIQUE,
			email TEXT NOT NULL UNIQUE,
			language TEXT NOT NULL DEFAULT 'en',
			password_hash TEXT NOT NULL DEFAULT '',
			invitation_token TEXT NOT NULL DEFAULT '',
			created REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accesses (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'shared',
			device_name TEXT NOT NULL DEFAULT '',
			permissions TEXT NOT NULL DEFAULT '[]',
			expires REAL,
			client_data TEXT NOT NULL DEFAULT '',
			created REAL NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			modified REAL NOT NULL DEFAULT 0,
			modified_by TEXT NOT NULL DEFAULT '',
			deleted REAL,
			integrity TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_accesses_token
			ON accesses(user_id, token) WHERE deleted IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_accesses_deleted ON accesses(deleted)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			token TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			app_id TEXT NOT NULL DEFAULT '',
			created REAL NOT NULL,
			expires REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires)`,
		`CREATE TABLE IF NOT EXISTS streams (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			parent_id TEXT,
			client_data TEXT NOT NULL DEFAULT '',
			trashed INTEGER NOT NULL DEFAULT 0,
			single_activity INTEGER NOT NULL DEFAULT 0,
			created REAL NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			modified REAL NOT NULL DEFAULT 0,
			modified_by TEXT NOT NULL DEFAULT '',
			deleted REAL,
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			stream_ids TEXT NOT NULL DEFAULT '[]',
			type TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT 'null',
			time REAL NOT NULL DEFAULT 0,
			duration REAL NOT NULL DEFAULT 0,
			running INTEGER NOT NULL DEFAULT 0,
			tags TEXT NOT NULL DEFAULT '[]',
			description TEXT NOT NULL DEFAULT '',
			attachments TEXT NOT NULL DEFAULT '[]',
			client_data TEXT NOT NULL DEFAULT '',
			trashed INTEGER NOT NULL DEFAULT 0,
			integrity TEXT NOT NULL DEFAULT '',
			created REAL NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			modified REAL NOT NULL DEFAULT 0,
			modified_by TEXT NOT NULL DEFAULT '',
			deleted REAL,
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_time ON events(user_id, time)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_modified ON events(user_id, modified)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *SQLiteDatabase) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

func (s *SQLiteDatabase) BeginTx(ctx context.Context) (Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// --- Users ---

func (s *SQLiteDatabase) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, language, password_hash, invitation_token, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Email, user.Language, user.PasswordHash, user.InvitationToken, user.Created,
	)
	return mapUserConflict(err, user)
}

func mapUserConflict(err error, user *User) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "users.username"):
		return errs.ItemAlreadyExists("user", map[string]any{"username": user.Username})
	case strings.Contains(msg, "users.email"):
		return errs.ItemAlreadyExists("user", map[string]any{"email": user.Email})
	}
	return err
}

const userColumns = "id, username, email, language, password_hash, invitation_token, created"

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Language, &u.PasswordHash, &u.InvitationToken, &u.Created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteDatabase) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE username = ?", username))
}

func (s *SQLiteDatabase) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id))
}

func (s *SQLiteDatabase) UpdateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, language = ?, password_hash = ?, invitation_token = ? WHERE id = ?`,
		user.Email, user.Language, user.PasswordHash, user.InvitationToken, user.ID,
	)
	return mapUserConflict(err, user)
}

func (s *SQLiteDatabase) DeleteUser(ctx context.Context, userID string) error {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return errs.UnknownResource("user", userID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		"DELETE FROM events WHERE user_id = ?",
		"DELETE FROM streams WHERE user_id = ?",
		"DELETE FROM accesses WHERE user_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE username = ?", user.Username); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", userID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Accesses ---

const accessColumns = `id, token, name, type, device_name, permissions, expires,
	client_data, created, created_by, modified, modified_by, deleted, integrity`

func (s *SQLiteDatabase) CreateAccess(ctx context.Context, userID string, a *Access) error {
	perms, err := json.Marshal(a.Permissions)
	if err != nil {
		return err
	}
	clientData, err := marshalClientData(a.ClientData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accesses (user_id, id, token, name, type, device_name, permissions, expires,
			client_data, created, created_by, modified, modified_by, deleted, integrity)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, a.ID, a.Token, a.Name, a.Type, a.DeviceName, string(perms), a.Expires,
		clientData, a.Created, a.CreatedBy, a.Modified, a.ModifiedBy, a.Deleted, a.Integrity,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errs.ItemAlreadyExists("access", map[string]any{"token": "(hidden)"})
	}
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanAccess(row rowScanner) (*Access, error) {
	var a Access
	var perms, clientData string
	err := row.Scan(&a.ID, &a.Token, &a.Name, &a.Type, &a.DeviceName, &perms, &a.Expires,
		&clientData, &a.Created, &a.CreatedBy, &a.Modified, &a.ModifiedBy, &a.Deleted, &a.Integrity)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &a.Permissions); err != nil {
		return nil, fmt.Errorf("decode access permissions: %w", err)
	}
	if err := unmarshalClientData(clientData, &a.ClientData); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteDatabase) GetAccessByToken(ctx context.Context, userID, token string) (*Access, error) {
	return scanAccess(s.db.QueryRowContext(ctx,
		"SELECT "+accessColumns+" FROM accesses WHERE user_id = ? AND token = ? AND deleted IS NULL",
		userID, token))
}

func (s *SQLiteDatabase) GetAccessByID(ctx context.Context, userID, id string) (*Access, error) {
	return scanAccess(s.db.QueryRowContext(ctx,
		"SELECT "+accessColumns+" FROM accesses WHERE user_id = ? AND id = ?", userID, id))
}

func (s *SQLiteDatabase) FindAccess(ctx context.Context, userID, name, accessType, deviceName string) (*Access, error) {
	return scanAccess(s.db.QueryRowContext(ctx,
		`SELECT `+accessColumns+` FROM accesses
		 WHERE user_id = ? AND name = ? AND type = ? AND device_name = ? AND deleted IS NULL`,
		userID, name, accessType, deviceName))
}

func (s *SQLiteDatabase) ListAccesses(ctx context.Context, userID string, includeDeletions bool) ([]*Access, error) {
	query := "SELECT " + accessColumns + " FROM accesses WHERE user_id = ?"
	if !includeDeletions {
		query += " AND deleted IS NULL"
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY created", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accesses []*Access
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		accesses = append(accesses, a)
	}
	return accesses, rows.Err()
}

func (s *SQLiteDatabase) UpdateAccess(ctx context.Context, userID string, a *Access) error {
	perms, err := json.Marshal(a.Permissions)
	if err != nil {
		return err
	}
	clientData, err := marshalClientData(a.ClientData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accesses SET name = ?, device_name = ?, permissions = ?, expires = ?, client_data = ?,
			modified = ?, modified_by = ?, integrity = ?
		 WHERE user_id = ? AND id = ? AND deleted IS NULL`,
		a.Name, a.DeviceName, string(perms), a.Expires, clientData,
		a.Modified, a.ModifiedBy, a.Integrity, userID, a.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "access", a.ID)
}

func (s *SQLiteDatabase) DeleteAccess(ctx context.Context, userID, id string) error {
	// Reduce to a {id, deleted} stub; the id stays resolvable from audit
	// records.
	res, err := s.db.ExecContext(ctx,
		`UPDATE accesses SET deleted = unixepoch('subsec'), token = '', permissions = '[]',
			client_data = '', integrity = ''
		 WHERE user_id = ? AND id = ? AND deleted IS NULL`,
		userID, id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "access", id)
}

// --- Sessions ---

func (s *SQLiteDatabase) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (token, username, app_id, created, expires) VALUES (?, ?, ?, ?, ?)",
		sess.Token, sess.Username, sess.AppID, sess.Created, sess.Expires,
	)
	return err
}

func (s *SQLiteDatabase) GetSession(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		"SELECT token, username, app_id, created, expires FROM sessions WHERE token = ? AND expires > unixepoch('subsec')",
		token,
	).Scan(&sess.Token, &sess.Username, &sess.AppID, &sess.Created, &sess.Expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteDatabase) TouchSession(ctx context.Context, token string, expires float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET expires = ? WHERE token = ? AND expires > unixepoch('subsec')",
		expires, token,
	)
	return err
}

func (s *SQLiteDatabase) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token)
	return err
}

func (s *SQLiteDatabase) DeleteExpiredSessions(ctx context.Context, now float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires <= ?", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Streams ---

const streamColumns = `id, name, parent_id, client_data, trashed, single_activity,
	created, created_by, modified, modified_by, deleted`

func scanStream(row rowScanner) (*Stream, error) {
	var st Stream
	var clientData string
	err := row.Scan(&st.ID, &st.Name, &st.ParentID, &clientData, &st.Trashed, &st.SingleActivity,
		&st.Created, &st.CreatedBy, &st.Modified, &st.ModifiedBy, &st.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalClientData(clientData, &st.ClientData); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *SQLiteDatabase) loadStreams(ctx context.Context, userID string) ([]*Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE user_id = ? ORDER BY name", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var streams []*Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, err
		}
		streams = append(streams, st)
	}
	return streams, rows.Err()
}

// GetStreams loads the user's flat stream list and assembles the requested
// forest in memory. The per-user stream count is small enough that tree
// filtering is cheaper done here than in SQL.
func (s *SQLiteDatabase) GetStreams(ctx context.Context, userID string, q StreamsQuery) ([]*Stream, error) {
	flat, err := s.loadStreams(ctx, userID)
	if err != nil {
		return nil, err
	}
	return BuildForest(flat, q), nil
}

func (s *SQLiteDatabase) getStreamRow(ctx context.Context, userID, id string) (*Stream, error) {
	return scanStream(s.db.QueryRowContext(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE user_id = ? AND id = ?", userID, id))
}

func (s *SQLiteDatabase) CreateStream(ctx context.Context, userID string, st *Stream) error {
	if st.ParentID != nil {
		parent, err := s.getStreamRow(ctx, userID, *st.ParentID)
		if err != nil {
			return err
		}
		if parent == nil || parent.Deleted != nil {
			return errs.UnknownReferencedResource("stream", *st.ParentID)
		}
	}
	clientData, err := marshalClientData(st.ClientData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO streams (user_id, id, name, parent_id, client_data, trashed, single_activity,
			created, created_by, modified, modified_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, st.ID, st.Name, st.ParentID, clientData, st.Trashed, st.SingleActivity,
		st.Created, st.CreatedBy, st.Modified, st.ModifiedBy,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errs.ItemAlreadyExists("stream", map[string]any{"id": st.ID})
	}
	return err
}

func (s *SQLiteDatabase) UpdateStream(ctx context.Context, userID string, st *Stream) error {
	if st.ParentID != nil {
		if *st.ParentID == st.ID {
			return errs.InvalidOperation("The stream cannot be its own parent.", nil)
		}
		parent, err := s.getStreamRow(ctx, userID, *st.ParentID)
		if err != nil {
			return err
		}
		if parent == nil || parent.Deleted != nil {
			return errs.UnknownReferencedResource("stream", *st.ParentID)
		}
		if err := s.checkNoCycle(ctx, userID, st.ID, *st.ParentID); err != nil {
			return err
		}
	}
	clientData, err := marshalClientData(st.ClientData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET name = ?, parent_id = ?, client_data = ?, trashed = ?, single_activity = ?,
			modified = ?, modified_by = ?
		 WHERE user_id = ? AND id = ? AND deleted IS NULL`,
		st.Name, st.ParentID, clientData, st.Trashed, st.SingleActivity,
		st.Modified, st.ModifiedBy, userID, st.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "stream", st.ID)
}

// checkNoCycle walks up from newParentID and fails if it reaches id.
func (s *SQLiteDatabase) checkNoCycle(ctx context.Context, userID, id, newParentID string) error {
	current := newParentID
	for current != "" {
		if current == id {
			return errs.InvalidOperation("The new parent would create a cycle in the stream tree.", nil)
		}
		st, err := s.getStreamRow(ctx, userID, current)
		if err != nil {
			return err
		}
		if st == nil || st.ParentID == nil {
			return nil
		}
		current = *st.ParentID
	}
	return nil
}

func (s *SQLiteDatabase) DeleteStream(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET deleted = unixepoch('subsec'), name = '', parent_id = NULL,
			client_data = '', trashed = 0, single_activity = 0
		 WHERE user_id = ? AND id = ? AND deleted IS NULL`,
		userID, id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "stream", id)
}

// --- Events ---

const eventColumns = `id, stream_ids, type, content, time, duration, running, tags, description,
	attachments, client_data, trashed, integrity, created, created_by, modified, modified_by, deleted`

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var streamIDs, content, tags, attachments, clientData string
	err := row.Scan(&e.ID, &streamIDs, &e.Type, &content, &e.Time, &e.Duration, &e.Running,
		&tags, &e.Description, &attachments, &clientData, &e.Trashed, &e.Integrity,
		&e.Created, &e.CreatedBy, &e.Modified, &e.ModifiedBy, &e.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(streamIDs), &e.StreamIDs); err != nil {
		return nil, fmt.Errorf("decode event streamIds: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
		return nil, fmt.Errorf("decode event content: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, fmt.Errorf("decode event tags: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &e.Attachments); err != nil {
		return nil, fmt.Errorf("decode event attachments: %w", err)
	}
	if err := unmarshalClientData(clientData, &e.ClientData); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteDatabase) GetEvents(ctx context.Context, userID string, q EventsQuery) ([]*Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE user_id = ?"
	args := []any{userID}

	if q.IncludeDeletions && q.ModifiedSince != nil {
		query += " AND (deleted IS NULL OR modified >= ?)"
		args = append(args, *q.ModifiedSince)
	} else {
		query += " AND deleted IS NULL"
	}
	if q.ModifiedSince != nil {
		query += " AND modified >= ?"
		args = append(args, *q.ModifiedSince)
	}
	if q.SortAscending {
		query += " ORDER BY time ASC"
	} else {
		query += " ORDER BY time DESC"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := nowSeconds()
	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		if e.Deleted != nil {
			events = append(events, &Event{ID: e.ID, Deleted: e.Deleted})
			continue
		}
		if !MatchesEventQuery(e, &q, now) {
			continue
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteDatabase) GetEvent(ctx context.Context, userID, id string) (*Event, error) {
	return scanEvent(s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE user_id = ? AND id = ?", userID, id))
}

func (s *SQLiteDatabase) CreateEvent(ctx context.Context, userID string, e *Event) error {
	streamIDs, content, tags, attachments, clientData, err := encodeEventFields(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (user_id, id, stream_ids, type, content, time, duration, running, tags,
			description, attachments, client_data, trashed, integrity, created, created_by, modified, modified_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, e.ID, streamIDs, e.Type, content, e.Time, e.Duration, e.Running, tags,
		e.Description, attachments, clientData, e.Trashed, e.Integrity,
		e.Created, e.CreatedBy, e.Modified, e.ModifiedBy,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return errs.ItemAlreadyExists("event", map[string]any{"id": e.ID})
	}
	return err
}

func (s *SQLiteDatabase) UpdateEvent(ctx context.Context, userID string, e *Event) error {
	streamIDs, content, tags, attachments, clientData, err := encodeEventFields(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET stream_ids = ?, type = ?, content = ?, time = ?, duration = ?, running = ?,
			tags = ?, description = ?, attachments = ?, client_data = ?, trashed = ?, integrity = ?,
			modified = ?, modified_by = ?
		 WHERE user_id = ? AND id = ? AND deleted IS NULL`,
		streamIDs, e.Type, content, e.Time, e.Duration, e.Running,
		tags, e.Description, attachments, clientData, e.Trashed, e.Integrity,
		e.Modified, e.ModifiedBy, userID, e.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "event", e.ID)
}

func (s *SQLiteDatabase) DeleteEvent(ctx context.Context, userID, id string) error {
	e, err := s.GetEvent(ctx, userID, id)
	if err != nil {
		return err
	}
	if e == nil || e.Deleted != nil {
		return errs.UnknownResource("event", id)
	}
	if !e.Trashed {
		_, err = s.db.ExecContext(ctx,
			"UPDATE events SET trashed = 1, modified = unixepoch('subsec') WHERE user_id = ? AND id = ?",
			userID, id)
		return err
	}
	// Second delete reduces the event to a deletion stub.
	_, err = s.db.ExecContext(ctx,
		`UPDATE events SET deleted = unixepoch('subsec'), stream_ids = '[]', type = '', content = 'null',
			tags = '[]', description = '', attachments = '[]', client_data = '', integrity = '',
			modified = unixepoch('subsec')
		 WHERE user_id = ? AND id = ?`,
		userID, id)
	return err
}

// SingleActivityCheck scans the stream's non-deleted events for an interval
// overlap with the candidate. Callers hold the per-stream lock.
func (s *SQLiteDatabase) SingleActivityCheck(ctx context.Context, userID, streamID string, candidate *Event, excludeID string) (*Event, error) {
	events, err := s.GetEvents(ctx, userID, EventsQuery{
		Streams:       []StreamQueryBlock{{Any: []string{streamID}}},
		SortAscending: true,
	})
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.ID == excludeID {
			continue
		}
		if e.Overlaps(candidate) {
			return e, nil
		}
	}
	return nil, nil
}

// --- helpers ---

func encodeEventFields(e *Event) (streamIDs, content, tags, attachments, clientData string, err error) {
	b, err := json.Marshal(e.StreamIDs)
	if err != nil {
		return
	}
	streamIDs = string(b)
	if b, err = json.Marshal(e.Content); err != nil {
		return
	}
	content = string(b)
	if e.Tags == nil {
		tags = "[]"
	} else {
		if b, err = json.Marshal(e.Tags); err != nil {
			return
		}
		tags = string(b)
	}
	if e.Attachments == nil {
		attachments = "[]"
	} else {
		if b, err = json.Marshal(e.Attachments); err != nil {
			return
		}
		attachments = string(b)
	}
	clientData, err = marshalClientData(e.ClientData)
	return
}

func marshalClientData(data map[string]any) (string, error) {
	if data == nil {
		return "", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalClientData(raw string, into *map[string]any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), into)
}

func requireAffected(res sql.Result, resourceType, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.UnknownResource(resourceType, id)
	}
	return nil
}

// BuildForest assembles a flat stream list into the forest selected by q.
// Shared by the SQLite and PostgreSQL databases.
func BuildForest(flat []*Stream, q StreamsQuery) []*Stream {
	byID := make(map[string]*Stream, len(flat))
	var deletions []*Stream
	excluded := make(map[string]bool, len(q.ExcludeIDs))
	for _, id := range q.ExcludeIDs {
		excluded[id] = true
	}

	for _, st := range flat {
		if st.Deleted != nil {
			if q.IncludeDeletionsSince != nil && *st.Deleted >= *q.IncludeDeletionsSince {
				deletions = append(deletions, &Stream{ID: st.ID, Deleted: st.Deleted})
			}
			continue
		}
		c := *st
		c.Children = nil
		byID[c.ID] = &c
	}

	var roots []*Stream
	for _, st := range sortedStreams(byID) {
		if excluded[st.ID] {
			continue
		}
		if st.Trashed && !q.IncludeTrashed {
			continue
		}
		if st.ParentID == nil {
			roots = append(roots, st)
			continue
		}
		parent, ok := byID[*st.ParentID]
		if !ok {
			// Orphan (parent trashed out or missing): surface at root.
			roots = append(roots, st)
			continue
		}
		parent.Children = append(parent.Children, st)
	}

	var result []*Stream
	switch {
	case q.ID != "" && q.ID != "*":
		if st, ok := byID[q.ID]; ok && !excluded[st.ID] {
			result = []*Stream{st}
		}
	case q.ParentID != "" && q.ParentID != "*":
		if parent, ok := byID[q.ParentID]; ok {
			result = parent.Children
		}
	default:
		result = roots
	}

	targeted := (q.ID != "" && q.ID != "*") || (q.ParentID != "" && q.ParentID != "*")
	if !q.ExpandChildren && targeted {
		for _, st := range result {
			st.Children = nil
		}
	}

	return append(result, deletions...)
}

func sortedStreams(byID map[string]*Stream) []*Stream {
	out := make([]*Stream, 0, len(byID))
	for _, st := range byID {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
