package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
)

// PostgresDatabase implements Database using PostgreSQL.
type PostgresDatabase struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL database and runs migrations.
func NewPostgres(dsn string) (*PostgresDatabase, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresDatabase{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresDatabase) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username CITEXT NOT NULL UNIQUE,
			email TEXT NOT NULL UNIQUE,
			language TEXT NOT NULL DEFAULT 'en',
			password_hash TEXT NOT NULL DEFAULT '',
			invitation_token TEXT NOT NULL DEFAULT '',
			created DOUBLE PRECISION NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accesses (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			token TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'shared',
			device_name TEXT NOT NULL DEFAULT '',
			permissions JSONB NOT NULL DEFAULT '[]',
			expires DOUBLE PRECISION,
			client_data TEXT NOT NULL DEFAULT '',
			created DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			modified DOUBLE PRECISION NOT NULL DEFAULT 0,
			modified_by TEXT NOT NULL DEFAULT '',
			deleted DOUBLE PRECISION,
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
			created DOUBLE PRECISION NOT NULL,
			expires DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires)`,
		`CREATE TABLE IF NOT EXISTS streams (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			parent_id TEXT,
			client_data TEXT NOT NULL DEFAULT '',
			trashed BOOLEAN NOT NULL DEFAULT FALSE,
			single_activity BOOLEAN NOT NULL DEFAULT FALSE,
			created DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			modified DOUBLE PRECISION NOT NULL DEFAULT 0,
			modified_by TEXT NOT NULL DEFAULT '',
			deleted DOUBLE PRECISION,
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			stream_ids JSONB NOT NULL DEFAULT '[]',
			type TEXT NOT NULL DEFAULT '',
			content JSONB NOT NULL DEFAULT 'null',
			time DOUBLE PRECISION NOT NULL DEFAULT 0,
			duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			running BOOLEAN NOT NULL DEFAULT FALSE,
			tags JSONB NOT NULL DEFAULT '[]',
			description TEXT NOT NULL DEFAULT '',
			attachments JSONB NOT NULL DEFAULT '[]',
			client_data TEXT NOT NULL DEFAULT '',
			trashed BOOLEAN NOT NULL DEFAULT FALSE,
			integrity TEXT NOT NULL DEFAULT '',
			created DOUBLE PRECISION NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL DEFAULT '',
			modified DOUBLE PRECISION NOT NULL DEFAULT 0,
			modified_by TEXT NOT NULL DEFAULT '',
			deleted DOUBLE PRECISION,
			PRIMARY KEY (user_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_time ON events(user_id, time)`,
		`CREATE INDEX IF NOT EXISTS idx_events_user_modified ON events(user_id, modified)`,
	}

	// CITEXT needs its extension; fall back to plain TEXT when unavailable.
	if _, err := s.db.Exec(`CREATE EXTENSION IF NOT EXISTS citext`); err != nil {
		migrations[0] = strings.Replace(migrations[0], "CITEXT", "TEXT", 1)
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

func (s *PostgresDatabase) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *PostgresDatabase) Close() error                   { return s.db.Close() }

func (s *PostgresDatabase) BeginTx(ctx context.Context) (Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// --- Users ---

func (s *PostgresDatabase) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, language, password_hash, invitation_token, created)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		user.ID, user.Username, user.Email, user.Language, user.PasswordHash, user.InvitationToken, user.Created,
	)
	return mapPgUserConflict(err, user)
}

func mapPgUserConflict(err error, user *User) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "users_username_key"):
		return errs.ItemAlreadyExists("user", map[string]any{"username": user.Username})
	case strings.Contains(msg, "users_email_key"):
		return errs.ItemAlreadyExists("user", map[string]any{"email": user.Email})
	}
	return err
}

func (s *PostgresDatabase) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE LOWER(username::text) = LOWER($1)", username))
}

func (s *PostgresDatabase) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id = $1", id))
}

func (s *PostgresDatabase) UpdateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = $1, language = $2, password_hash = $3, invitation_token = $4 WHERE id = $5`,
		user.Email, user.Language, user.PasswordHash, user.InvitationToken, user.ID,
	)
	return mapPgUserConflict(err, user)
}

func (s *PostgresDatabase) DeleteUser(ctx context.Context, userID string) error {
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
		"DELETE FROM events WHERE user_id = $1",
		"DELETE FROM streams WHERE user_id = $1",
		"DELETE FROM accesses WHERE user_id = $1",
	} {
		if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE username = $1", user.Username); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = $1", userID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Accesses ---

func (s *PostgresDatabase) CreateAccess(ctx context.Context, userID string, a *Access) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		userID, a.ID, a.Token, a.Name, a.Type, a.DeviceName, string(perms), a.Expires,
		clientData, a.Created, a.CreatedBy, a.Modified, a.ModifiedBy, a.Deleted, a.Integrity,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return errs.ItemAlreadyExists("access", map[string]any{"token": "(hidden)"})
	}
	return err
}

func (s *PostgresDatabase) GetAccessByToken(ctx context.Context, userID, token string) (*Access, error) {
	return scanAccess(s.db.QueryRowContext(ctx,
		"SELECT "+accessColumns+" FROM accesses WHERE user_id = $1 AND token = $2 AND deleted IS NULL",
		userID, token))
}

func (s *PostgresDatabase) GetAccessByID(ctx context.Context, userID, id string) (*Access, error) {
	return scanAccess(s.db.QueryRowContext(ctx,
		"SELECT "+accessColumns+" FROM accesses WHERE user_id = $1 AND id = $2", userID, id))
}

func (s *PostgresDatabase) FindAccess(ctx context.Context, userID, name, accessType, deviceName string) (*Access, error) {
	return scanAccess(s.db.QueryRowContext(ctx,
		`SELECT `+accessColumns+` FROM accesses
		 WHERE user_id = $1 AND name = $2 AND type = $3 AND device_name = $4 AND deleted IS NULL`,
		userID, name, accessType, deviceName))
}

func (s *PostgresDatabase) ListAccesses(ctx context.Context, userID string, includeDeletions bool) ([]*Access, error) {
	query := "SELECT " + accessColumns + " FROM accesses WHERE user_id = $1"
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

func (s *PostgresDatabase) UpdateAccess(ctx context.Context, userID string, a *Access) error {
	perms, err := json.Marshal(a.Permissions)
	if err != nil {
		return err
	}
	clientData, err := marshalClientData(a.ClientData)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE accesses SET name = $1, device_name = $2, permissions = $3, expires = $4, client_data = $5,
			modified = $6, modified_by = $7, integrity = $8
		 WHERE user_id = $9 AND id = $10 AND deleted IS NULL`,
		a.Name, a.DeviceName, string(perms), a.Expires, clientData,
		a.Modified, a.ModifiedBy, a.Integrity, userID, a.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "access", a.ID)
}

func (s *PostgresDatabase) DeleteAccess(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accesses SET deleted = EXTRACT(EPOCH FROM NOW()), token = '', permissions = '[]',
			client_data = '', integrity = ''
		 WHERE user_id = $1 AND id = $2 AND deleted IS NULL`,
		userID, id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "access", id)
}

// --- Sessions ---

func (s *PostgresDatabase) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (token, username, app_id, created, expires) VALUES ($1, $2, $3, $4, $5)",
		sess.Token, sess.Username, sess.AppID, sess.Created, sess.Expires,
	)
	return err
}

func (s *PostgresDatabase) GetSession(ctx context.Context, token string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT token, username, app_id, created, expires FROM sessions
		 WHERE token = $1 AND expires > EXTRACT(EPOCH FROM NOW())`,
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

func (s *PostgresDatabase) TouchSession(ctx context.Context, token string, expires float64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET expires = $1 WHERE token = $2 AND expires > EXTRACT(EPOCH FROM NOW())",
		expires, token,
	)
	return err
}

func (s *PostgresDatabase) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = $1", token)
	return err
}

func (s *PostgresDatabase) DeleteExpiredSessions(ctx context.Context, now float64) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires <= $1", now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Streams ---

func (s *PostgresDatabase) loadStreams(ctx context.Context, userID string) ([]*Stream, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE user_id = $1 ORDER BY name", userID)
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

func (s *PostgresDatabase) GetStreams(ctx context.Context, userID string, q StreamsQuery) ([]*Stream, error) {
	flat, err := s.loadStreams(ctx, userID)
	if err != nil {
		return nil, err
	}
	return BuildForest(flat, q), nil
}

func (s *PostgresDatabase) getStreamRow(ctx context.Context, userID, id string) (*Stream, error) {
	return scanStream(s.db.QueryRowContext(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE user_id = $1 AND id = $2", userID, id))
}

func (s *PostgresDatabase) CreateStream(ctx context.Context, userID string, st *Stream) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		userID, st.ID, st.Name, st.ParentID, clientData, st.Trashed, st.SingleActivity,
		st.Created, st.CreatedBy, st.Modified, st.ModifiedBy,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return errs.ItemAlreadyExists("stream", map[string]any{"id": st.ID})
	}
	return err
}

func (s *PostgresDatabase) UpdateStream(ctx context.Context, userID string, st *Stream) error {
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
		`UPDATE streams SET name = $1, parent_id = $2, client_data = $3, trashed = $4, single_activity = $5,
			modified = $6, modified_by = $7
		 WHERE user_id = $8 AND id = $9 AND deleted IS NULL`,
		st.Name, st.ParentID, clientData, st.Trashed, st.SingleActivity,
		st.Modified, st.ModifiedBy, userID, st.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "stream", st.ID)
}

func (s *PostgresDatabase) checkNoCycle(ctx context.Context, userID, id, newParentID string) error {
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

func (s *PostgresDatabase) DeleteStream(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE streams SET deleted = EXTRACT(EPOCH FROM NOW()), name = '', parent_id = NULL,
			client_data = '', trashed = FALSE, single_activity = FALSE
		 WHERE user_id = $1 AND id = $2 AND deleted IS NULL`,
		userID, id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "stream", id)
}

// --- Events ---

func (s *PostgresDatabase) GetEvents(ctx context.Context, userID string, q EventsQuery) ([]*Event, error) {
	query := "SELECT " + eventColumns + " FROM events WHERE user_id = $1"
	args := []any{userID}

	if q.IncludeDeletions && q.ModifiedSince != nil {
		args = append(args, *q.ModifiedSince)
		query += fmt.Sprintf(" AND (deleted IS NULL OR modified >= $%d)", len(args))
	} else {
		query += " AND deleted IS NULL"
	}
	if q.ModifiedSince != nil {
		args = append(args, *q.ModifiedSince)
		query += fmt.Sprintf(" AND modified >= $%d", len(args))
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

func (s *PostgresDatabase) GetEvent(ctx context.Context, userID, id string) (*Event, error) {
	return scanEvent(s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM events WHERE user_id = $1 AND id = $2", userID, id))
}

func (s *PostgresDatabase) CreateEvent(ctx context.Context, userID string, e *Event) error {
	streamIDs, content, tags, attachments, clientData, err := encodeEventFields(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (user_id, id, stream_ids, type, content, time, duration, running, tags,
			description, attachments, client_data, trashed, integrity, created, created_by, modified, modified_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		userID, e.ID, streamIDs, e.Type, content, e.Time, e.Duration, e.Running, tags,
		e.Description, attachments, clientData, e.Trashed, e.Integrity,
		e.Created, e.CreatedBy, e.Modified, e.ModifiedBy,
	)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return errs.ItemAlreadyExists("event", map[string]any{"id": e.ID})
	}
	return err
}

func (s *PostgresDatabase) UpdateEvent(ctx context.Context, userID string, e *Event) error {
	streamIDs, content, tags, attachments, clientData, err := encodeEventFields(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET stream_ids = $1, type = $2, content = $3, time = $4, duration = $5, running = $6,
			tags = $7, description = $8, attachments = $9, client_data = $10, trashed = $11, integrity = $12,
			modified = $13, modified_by = $14
		 WHERE user_id = $15 AND id = $16 AND deleted IS NULL`,
		streamIDs, e.Type, content, e.Time, e.Duration, e.Running,
		tags, e.Description, attachments, clientData, e.Trashed, e.Integrity,
		e.Modified, e.ModifiedBy, userID, e.ID,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "event", e.ID)
}

func (s *PostgresDatabase) DeleteEvent(ctx context.Context, userID, id string) error {
	e, err := s.GetEvent(ctx, userID, id)
	if err != nil {
		return err
	}
	if e == nil || e.Deleted != nil {
		return errs.UnknownResource("event", id)
	}
	if !e.Trashed {
		_, err = s.db.ExecContext(ctx,
			"UPDATE events SET trashed = TRUE, modified = EXTRACT(EPOCH FROM NOW()) WHERE user_id = $1 AND id = $2",
			userID, id)
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE events SET deleted = EXTRACT(EPOCH FROM NOW()), stream_ids = '[]', type = '', content = 'null',
			tags = '[]', description = '', attachments = '[]', client_data = '', integrity = '',
			modified = EXTRACT(EPOCH FROM NOW())
		 WHERE user_id = $1 AND id = $2`,
		userID, id)
	return err
}

func (s *PostgresDatabase) SingleActivityCheck(ctx context.Context, userID, streamID string, candidate *Event, excludeID string) (*Event, error) {
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
