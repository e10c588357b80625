package storage

import (
	"context"
)

// Database is the persistence interface for the primary document store. It
// holds every per-user collection of the local store: accounts, accesses,
// sessions, streams and events.
type Database interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id string) (*User, error)
	UpdateUser(ctx context.Context, user *User) error
	// DeleteUser cascades over every per-user resource of the store.
	DeleteUser(ctx context.Context, userID string) error

	// Accesses
	CreateAccess(ctx context.Context, userID string, access *Access) error
	GetAccessByToken(ctx context.Context, userID, token string) (*Access, error)
	GetAccessByID(ctx context.Context, userID, id string) (*Access, error)
	// FindAccess matches on (name, type, deviceName) among live accesses;
	// it backs the idempotent personal access creation on login.
	FindAccess(ctx context.Context, userID, name, accessType, deviceName string) (*Access, error)
	ListAccesses(ctx context.Context, userID string, includeDeletions bool) ([]*Access, error)
	UpdateAccess(ctx context.Context, userID string, access *Access) error
	// DeleteAccess keeps a {id, deleted} stub so audit references stay
	// resolvable.
	DeleteAccess(ctx context.Context, userID, id string) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	// GetSession returns nil for missing and for expired sessions.
	GetSession(ctx context.Context, token string) (*Session, error)
	// TouchSession extends the session TTL; racing an expiry is fine, the
	// expired read wins.
	TouchSession(ctx context.Context, token string, expires float64) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now float64) (int64, error)

	// Streams (store-local ids)
	GetStreams(ctx context.Context, userID string, q StreamsQuery) ([]*Stream, error)
	CreateStream(ctx context.Context, userID string, stream *Stream) error
	UpdateStream(ctx context.Context, userID string, stream *Stream) error
	DeleteStream(ctx context.Context, userID, id string) error

	// Events (store-local ids)
	GetEvents(ctx context.Context, userID string, q EventsQuery) ([]*Event, error)
	GetEvent(ctx context.Context, userID, id string) (*Event, error)
	CreateEvent(ctx context.Context, userID string, event *Event) error
	UpdateEvent(ctx context.Context, userID string, event *Event) error
	// DeleteEvent trashes the event on first call and reduces it to a
	// {id, deleted} stub on the second.
	DeleteEvent(ctx context.Context, userID, id string) error

	// SingleActivityCheck reports a conflicting event for the candidate on
	// the given singleActivity stream, excluding excludeID. Callers must
	// hold the per-stream lock for the scan-then-write window.
	SingleActivityCheck(ctx context.Context, userID, streamID string, candidate *Event, excludeID string) (*Event, error)

	// Transactions
	BeginTx(ctx context.Context) (Tx, error)

	// Health / lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a store transaction.
type Tx interface {
	Commit() error
	Rollback() error
}
