package mall

import (
	"context"
	"sort"
	"sync"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// MemoryStore is an in-memory Store, used by plugin scenarios and tests. It
// does not implement Transactional, so the Mall wraps it in a pass-through
// transaction stub.
type MemoryStore struct {
	id string

	mu      sync.RWMutex
	streams map[string]map[string]*storage.Stream
	events  map[string]map[string]*storage.Event
}

// NewMemoryStore creates an empty in-memory store with the given id.
func NewMemoryStore(id string) *MemoryStore {
	return &MemoryStore{
		id:      id,
		streams: make(map[string]map[string]*storage.Stream),
		events:  make(map[string]map[string]*storage.Event),
	}
}

func (m *MemoryStore) ID() string { return m.id }

func (m *MemoryStore) GetStreams(_ context.Context, userID string, q storage.StreamsQuery) ([]*storage.Stream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var flat []*storage.Stream
	for _, st := range m.streams[userID] {
		flat = append(flat, st)
	}
	sort.Slice(flat, func(i, j int) bool { return flat[i].Name < flat[j].Name })
	return storage.BuildForest(flat, q), nil
}

func (m *MemoryStore) CreateStream(_ context.Context, userID string, stream *storage.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.streams[userID] == nil {
		m.streams[userID] = make(map[string]*storage.Stream)
	}
	if _, ok := m.streams[userID][stream.ID]; ok {
		return errs.ItemAlreadyExists("stream", map[string]any{"id": stream.ID})
	}
	if stream.ParentID != nil {
		if _, ok := m.streams[userID][*stream.ParentID]; !ok {
			return errs.UnknownReferencedResource("stream", *stream.ParentID)
		}
	}
	c := *stream
	m.streams[userID][stream.ID] = &c
	return nil
}

func (m *MemoryStore) UpdateStream(_ context.Context, userID string, stream *storage.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.streams[userID][stream.ID]
	if !ok || existing.Deleted != nil {
		return errs.UnknownResource("stream", stream.ID)
	}
	c := *stream
	m.streams[userID][stream.ID] = &c
	return nil
}

func (m *MemoryStore) DeleteStream(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.streams[userID][id]
	if !ok || existing.Deleted != nil {
		return errs.UnknownResource("stream", id)
	}
	now := storage.NowSeconds()
	m.streams[userID][id] = &storage.Stream{ID: id, Deleted: &now}
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, userID string, q storage.EventsQuery) ([]*storage.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := storage.NowSeconds()
	var out []*storage.Event
	for _, e := range m.events[userID] {
		if e.Deleted != nil {
			if q.IncludeDeletions && q.ModifiedSince != nil && e.Modified >= *q.ModifiedSince {
				out = append(out, &storage.Event{ID: e.ID, Deleted: e.Deleted})
			}
			continue
		}
		if !storage.MatchesEventQuery(e, &q, now) {
			continue
		}
		c := *e
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if q.SortAscending {
			return out[i].Time < out[j].Time
		}
		return out[i].Time > out[j].Time
	})
	return out, nil
}

func (m *MemoryStore) GetEvent(_ context.Context, userID, id string) (*storage.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.events[userID][id]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (m *MemoryStore) CreateEvent(_ context.Context, userID string, event *storage.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.events[userID] == nil {
		m.events[userID] = make(map[string]*storage.Event)
	}
	if _, ok := m.events[userID][event.ID]; ok {
		return errs.ItemAlreadyExists("event", map[string]any{"id": event.ID})
	}
	c := *event
	m.events[userID][event.ID] = &c
	return nil
}

func (m *MemoryStore) UpdateEvent(_ context.Context, userID string, event *storage.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.events[userID][event.ID]
	if !ok || existing.Deleted != nil {
		return errs.UnknownResource("event", event.ID)
	}
	c := *event
	m.events[userID][event.ID] = &c
	return nil
}

func (m *MemoryStore) DeleteEvent(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.events[userID][id]
	if !ok || existing.Deleted != nil {
		return errs.UnknownResource("event", id)
	}
	now := storage.NowSeconds()
	if !existing.Trashed {
		existing.Trashed = true
		existing.Modified = now
		return nil
	}
	m.events[userID][id] = &storage.Event{ID: id, Deleted: &now, Modified: now}
	return nil
}
