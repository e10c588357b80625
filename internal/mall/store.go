package mall

import (
	"context"

	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// Store is one data source multiplexed by the Mall. All ids crossing this
// interface are store-local; the Mall owns prefix translation.
type Store interface {
	ID() string

	GetStreams(ctx context.Context, userID string, q storage.StreamsQuery) ([]*storage.Stream, error)
	CreateStream(ctx context.Context, userID string, stream *storage.Stream) error
	UpdateStream(ctx context.Context, userID string, stream *storage.Stream) error
	DeleteStream(ctx context.Context, userID, id string) error

	GetEvents(ctx context.Context, userID string, q storage.EventsQuery) ([]*storage.Event, error)
	GetEvent(ctx context.Context, userID, id string) (*storage.Event, error)
	CreateEvent(ctx context.Context, userID string, event *storage.Event) error
	UpdateEvent(ctx context.Context, userID string, event *storage.Event) error
	DeleteEvent(ctx context.Context, userID, id string) error
}

// Transactional is implemented by stores that support transactions. Stores
// without it are wrapped in a pass-through stub by NewTransaction.
type Transactional interface {
	BeginTx(ctx context.Context) (storage.Tx, error)
}

// EventsCursor is a lazy sequence of events.
type EventsCursor interface {
	// Next returns the next event, or nil when the sequence is exhausted.
	Next() (*storage.Event, error)
	Close() error
}
