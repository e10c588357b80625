package mall

import (
	"context"
	"fmt"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// localStore adapts the primary document store to the Store interface and
// enforces the single-activity invariant on event writes.
type localStore struct {
	db    storage.Database
	locks *storage.KeyedLocks
}

// NewLocalStore wraps the primary document store.
func NewLocalStore(db storage.Database, locks *storage.KeyedLocks) Store {
	return &localStore{db: db, locks: locks}
}

func (s *localStore) ID() string { return LocalStoreID }

func (s *localStore) GetStreams(ctx context.Context, userID string, q storage.StreamsQuery) ([]*storage.Stream, error) {
	return s.db.GetStreams(ctx, userID, q)
}

func (s *localStore) CreateStream(ctx context.Context, userID string, stream *storage.Stream) error {
	return s.db.CreateStream(ctx, userID, stream)
}

func (s *localStore) UpdateStream(ctx context.Context, userID string, stream *storage.Stream) error {
	return s.db.UpdateStream(ctx, userID, stream)
}

func (s *localStore) DeleteStream(ctx context.Context, userID, id string) error {
	return s.db.DeleteStream(ctx, userID, id)
}

func (s *localStore) GetEvents(ctx context.Context, userID string, q storage.EventsQuery) ([]*storage.Event, error) {
	return s.db.GetEvents(ctx, userID, q)
}

func (s *localStore) GetEvent(ctx context.Context, userID, id string) (*storage.Event, error) {
	return s.db.GetEvent(ctx, userID, id)
}

func (s *localStore) CreateEvent(ctx context.Context, userID string, event *storage.Event) error {
	return s.withSingleActivityGuard(ctx, userID, event, "", func() error {
		return s.db.CreateEvent(ctx, userID, event)
	})
}

func (s *localStore) UpdateEvent(ctx context.Context, userID string, event *storage.Event) error {
	return s.withSingleActivityGuard(ctx, userID, event, event.ID, func() error {
		return s.db.UpdateEvent(ctx, userID, event)
	})
}

func (s *localStore) DeleteEvent(ctx context.Context, userID, id string) error {
	return s.db.DeleteEvent(ctx, userID, id)
}

func (s *localStore) BeginTx(ctx context.Context) (storage.Tx, error) {
	return s.db.BeginTx(ctx)
}

// withSingleActivityGuard takes the per-stream lock for every singleActivity
// stream the event belongs to, scans for overlaps and runs write under the
// locks. Locks are ordered by the (already deduplicated) streamIds slice.
func (s *localStore) withSingleActivityGuard(ctx context.Context, userID string, event *storage.Event, excludeID string, write func() error) error {
	guarded, err := s.singleActivityStreams(ctx, userID, event.StreamIDs)
	if err != nil {
		return err
	}
	for _, streamID := range guarded {
		unlock := s.locks.Lock(storage.StreamKey(userID, streamID))
		defer unlock()

		conflict, err := s.db.SingleActivityCheck(ctx, userID, streamID, event, excludeID)
		if err != nil {
			return err
		}
		if conflict != nil {
			return errs.InvalidOperation(
				fmt.Sprintf("The event overlaps with event %q on single-activity stream %q.", conflict.ID, streamID),
				map[string]any{"conflictingEventId": conflict.ID, "streamId": streamID},
			)
		}
	}
	return write()
}

func (s *localStore) singleActivityStreams(ctx context.Context, userID string, streamIDs []string) ([]string, error) {
	if len(streamIDs) == 0 {
		return nil, nil
	}
	forest, err := s.db.GetStreams(ctx, userID, storage.StreamsQuery{ID: "*", ExpandChildren: true, IncludeTrashed: true})
	if err != nil {
		return nil, err
	}
	flags := make(map[string]bool)
	var walk func([]*storage.Stream)
	walk = func(streams []*storage.Stream) {
		for _, st := range streams {
			flags[st.ID] = st.SingleActivity
			walk(st.Children)
		}
	}
	walk(forest)

	var guarded []string
	for _, id := range streamIDs {
		if flags[id] {
			guarded = append(guarded, id)
		}
	}
	return guarded, nil
}
