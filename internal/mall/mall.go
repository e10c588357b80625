// Package mall multiplexes data stores behind a single streams/events
// surface. The primary store is addressed without prefix; every other store
// is addressed by a leading ":<storeId>:" marker on item ids. The Mall owns
// the prefix translation, per-store query splitting and outer sort/limit
// paging, so stores only ever see their own local ids.
package mall

import (
	"context"
	"fmt"
	"sort"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// EventsQuery extends the store-level query with mall-level paging. Stream
// and event ids inside are full ids.
type EventsQuery struct {
	storage.EventsQuery
	Limit int
	Skip  int
}

// Mall is the store multiplexer.
type Mall struct {
	stores map[string]Store
	order  []string
}

// New creates a Mall holding only the given local store.
func New(local Store) *Mall {
	m := &Mall{stores: make(map[string]Store)}
	m.stores[LocalStoreID] = local
	m.order = append(m.order, LocalStoreID)
	return m
}

// Register adds a non-local store. Registration order is the traversal order
// for cross-store listings.
func (m *Mall) Register(s Store) error {
	id := s.ID()
	if id == LocalStoreID {
		return fmt.Errorf("store id %q is reserved", LocalStoreID)
	}
	if !storage.IsValidItemID(id) {
		return fmt.Errorf("invalid store id %q", id)
	}
	if _, ok := m.stores[id]; ok {
		return fmt.Errorf("store %q already registered", id)
	}
	m.stores[id] = s
	m.order = append(m.order, id)
	return nil
}

// StoreIDs returns the registered store ids in registration order.
func (m *Mall) StoreIDs() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

func (m *Mall) store(id string) (Store, error) {
	s, ok := m.stores[id]
	if !ok {
		return nil, errs.UnknownResource("store", id)
	}
	return s, nil
}

// --- Streams ---

// GetStreams resolves a stream query over full ids. A root query with no
// store marker concatenates every store's root forest in registration order.
func (m *Mall) GetStreams(ctx context.Context, userID string, q storage.StreamsQuery) ([]*storage.Stream, error) {
	targetFull := q.ID
	if targetFull == "" {
		targetFull = q.ParentID
	}

	if targetFull == "" || targetFull == "*" {
		var all []*storage.Stream
		for _, storeID := range m.order {
			sq := q
			if sq.ID != "" {
				sq.ID = "*"
			}
			if sq.ParentID != "" {
				sq.ParentID = "*"
			}
			sub, err := m.getStoreStreams(ctx, storeID, userID, sq)
			if err != nil {
				return nil, err
			}
			all = append(all, sub...)
		}
		return all, nil
	}

	storeID, localID := ParseStoreIDAndStoreItemID(targetFull)
	sq := q
	if sq.ID != "" {
		sq.ID = localID
	}
	if sq.ParentID != "" {
		sq.ParentID = localID
	}
	localizeExcludes(&sq, storeID)
	return m.getStoreStreams(ctx, storeID, userID, sq)
}

func localizeExcludes(q *storage.StreamsQuery, storeID string) {
	for i, full := range q.ExcludeIDs {
		sID, localID := ParseStoreIDAndStoreItemID(full)
		if sID == storeID {
			q.ExcludeIDs[i] = localID
		}
	}
}

// GetStoreStreams queries one store's forest, rewriting ids to full ids on
// the way out.
func (m *Mall) GetStoreStreams(ctx context.Context, storeID, userID string, q storage.StreamsQuery) ([]*storage.Stream, error) {
	return m.getStoreStreams(ctx, storeID, userID, q)
}

func (m *Mall) getStoreStreams(ctx context.Context, storeID, userID string, q storage.StreamsQuery) ([]*storage.Stream, error) {
	s, err := m.store(storeID)
	if err != nil {
		return nil, err
	}
	streams, err := s.GetStreams(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	for _, st := range streams {
		fullStream(storeID, st)
	}
	return streams, nil
}

// fullStream rewrites a subtree's ids to full ids in place.
func fullStream(storeID string, st *storage.Stream) {
	st.ID = FullItemID(storeID, st.ID)
	if st.ParentID != nil {
		full := FullItemID(storeID, *st.ParentID)
		st.ParentID = &full
	}
	for _, c := range st.Children {
		fullStream(storeID, c)
	}
}

// CreateStream dispatches a create to the store its ids name. The id and
// parentId must belong to the same store.
func (m *Mall) CreateStream(ctx context.Context, userID string, st *storage.Stream) error {
	storeID, err := m.localizeStream(st)
	if err != nil {
		return err
	}
	defer fullStream(storeID, st)
	s, err := m.store(storeID)
	if err != nil {
		return err
	}
	return s.CreateStream(ctx, userID, st)
}

// UpdateStream dispatches an update, with the same same-store rule as create.
func (m *Mall) UpdateStream(ctx context.Context, userID string, st *storage.Stream) error {
	storeID, err := m.localizeStream(st)
	if err != nil {
		return err
	}
	defer fullStream(storeID, st)
	s, err := m.store(storeID)
	if err != nil {
		return err
	}
	return s.UpdateStream(ctx, userID, st)
}

// DeleteStream dispatches a delete by full id.
func (m *Mall) DeleteStream(ctx context.Context, userID, fullID string) error {
	storeID, localID := ParseStoreIDAndStoreItemID(fullID)
	s, err := m.store(storeID)
	if err != nil {
		return err
	}
	return s.DeleteStream(ctx, userID, localID)
}

// localizeStream rewrites st's ids to store-local form and returns the store
// id, rejecting cross-store id/parentId pairs. On error st is untouched.
func (m *Mall) localizeStream(st *storage.Stream) (string, error) {
	storeID, localID := ParseStoreIDAndStoreItemID(st.ID)
	var parentLocal *string
	if st.ParentID != nil {
		parentStore, local := ParseStoreIDAndStoreItemID(*st.ParentID)
		if parentStore != storeID {
			return "", errs.InvalidRequestStructure(
				fmt.Sprintf("The stream id and parentId reference different stores (%q, %q).", storeID, parentStore))
		}
		if local != RootPseudoStream {
			parentLocal = &local
		}
	}
	st.ID = localID
	st.ParentID = parentLocal
	return storeID, nil
}

// --- Events ---

// GetEvents resolves an events query, splitting it per store and applying
// the outer sort, skip and limit over the merged result.
func (m *Mall) GetEvents(ctx context.Context, userID string, q EventsQuery) ([]*storage.Event, error) {
	cur, err := m.GetStreamedEvents(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []*storage.Event
	for {
		e, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if e == nil {
			return out, nil
		}
		out = append(out, e)
	}
}

// GetStreamedEvents returns a lazy merged sequence over the queried stores.
// Paging is applied here, never by the stores.
func (m *Mall) GetStreamedEvents(ctx context.Context, userID string, q EventsQuery) (EventsCursor, error) {
	perStore, err := m.splitStreamsQuery(q.Streams)
	if err != nil {
		return nil, err
	}

	var cursors []*storeCursor
	for _, storeID := range m.order {
		blocks, queried := perStore[storeID]
		if len(perStore) > 0 && !queried {
			continue
		}
		s, err := m.store(storeID)
		if err != nil {
			return nil, err
		}
		sq := q.EventsQuery
		sq.Streams = blocks
		events, err := s.GetEvents(ctx, userID, sq)
		if err != nil {
			return nil, err
		}
		for _, e := range events {
			fullEvent(storeID, e)
		}
		cursors = append(cursors, &storeCursor{events: events})
	}

	return newMergeCursor(cursors, q.SortAscending, q.Skip, q.Limit), nil
}

// GetEvent fetches one event by full id.
func (m *Mall) GetEvent(ctx context.Context, userID, fullID string) (*storage.Event, error) {
	storeID, localID := ParseStoreIDAndStoreItemID(fullID)
	s, err := m.store(storeID)
	if err != nil {
		return nil, err
	}
	e, err := s.GetEvent(ctx, userID, localID)
	if err != nil || e == nil {
		return nil, err
	}
	fullEvent(storeID, e)
	return e, nil
}

// CreateEvent dispatches a create to the single store all ids agree on.
func (m *Mall) CreateEvent(ctx context.Context, userID string, e *storage.Event) error {
	storeID, err := m.localizeEvent(e)
	if err != nil {
		return err
	}
	defer fullEvent(storeID, e)
	s, err := m.store(storeID)
	if err != nil {
		return err
	}
	return s.CreateEvent(ctx, userID, e)
}

// UpdateEvent dispatches an update with the same single-store rule.
func (m *Mall) UpdateEvent(ctx context.Context, userID string, e *storage.Event) error {
	storeID, err := m.localizeEvent(e)
	if err != nil {
		return err
	}
	defer fullEvent(storeID, e)
	s, err := m.store(storeID)
	if err != nil {
		return err
	}
	return s.UpdateEvent(ctx, userID, e)
}

// DeleteEvent dispatches a delete by full id.
func (m *Mall) DeleteEvent(ctx context.Context, userID, fullID string) error {
	storeID, localID := ParseStoreIDAndStoreItemID(fullID)
	s, err := m.store(storeID)
	if err != nil {
		return err
	}
	return s.DeleteEvent(ctx, userID, localID)
}

// localizeEvent rewrites e's ids to store-local form and returns the store
// id. The event id prefix and every streamIds prefix must agree. On error e
// is untouched.
func (m *Mall) localizeEvent(e *storage.Event) (string, error) {
	storeID := ""
	localID := ""
	if e.ID != "" {
		storeID, localID = ParseStoreIDAndStoreItemID(e.ID)
	}
	localStreamIDs := make([]string, len(e.StreamIDs))
	for i, full := range e.StreamIDs {
		sID, local := ParseStoreIDAndStoreItemID(full)
		if storeID == "" {
			storeID = sID
		}
		if sID != storeID {
			return "", errs.InvalidRequestStructure(
				fmt.Sprintf("The event references streams of different stores (%q, %q).", storeID, sID))
		}
		localStreamIDs[i] = local
	}
	if storeID == "" {
		storeID = LocalStoreID
	}
	if e.ID != "" {
		e.ID = localID
	}
	e.StreamIDs = localStreamIDs
	return storeID, nil
}

// fullEvent rewrites an event's ids to full ids in place.
func fullEvent(storeID string, e *storage.Event) {
	if e.ID != "" {
		e.ID = FullItemID(storeID, e.ID)
	}
	for i, id := range e.StreamIDs {
		e.StreamIDs[i] = FullItemID(storeID, id)
	}
}

// splitStreamsQuery groups AND-blocks by store. An AND-block referencing more
// than one store is rejected. An empty result with non-empty input never
// happens; an empty input means every store is queried.
func (m *Mall) splitStreamsQuery(blocks []storage.StreamQueryBlock) (map[string][]storage.StreamQueryBlock, error) {
	perStore := make(map[string][]storage.StreamQueryBlock)
	for _, b := range blocks {
		storeID := ""
		localize := func(ids []string) ([]string, error) {
			out := make([]string, len(ids))
			for i, full := range ids {
				sID, localID := ParseStoreIDAndStoreItemID(full)
				if storeID == "" {
					storeID = sID
				}
				if sID != storeID {
					return nil, errs.InvalidRequestStructure(
						fmt.Sprintf("A stream query block references streams of different stores (%q, %q).", storeID, sID))
				}
				out[i] = localID
			}
			return out, nil
		}

		var lb storage.StreamQueryBlock
		var err error
		if lb.Any, err = localize(b.Any); err != nil {
			return nil, err
		}
		if lb.All, err = localize(b.All); err != nil {
			return nil, err
		}
		if lb.Not, err = localize(b.Not); err != nil {
			return nil, err
		}
		if storeID == "" {
			storeID = LocalStoreID
		}
		perStore[storeID] = append(perStore[storeID], lb)
	}
	return perStore, nil
}

// --- Streamed merge ---

type storeCursor struct {
	events []*storage.Event
	pos    int
}

func (c *storeCursor) peek() *storage.Event {
	if c.pos >= len(c.events) {
		return nil
	}
	return c.events[c.pos]
}

func (c *storeCursor) advance() { c.pos++ }

// mergeCursor merges per-store time-sorted sequences and applies skip/limit.
type mergeCursor struct {
	cursors   []*storeCursor
	ascending bool
	skip      int
	limit     int
	emitted   int
}

func newMergeCursor(cursors []*storeCursor, ascending bool, skip, limit int) *mergeCursor {
	return &mergeCursor{cursors: cursors, ascending: ascending, skip: skip, limit: limit}
}

func (m *mergeCursor) Next() (*storage.Event, error) {
	for {
		if m.limit > 0 && m.emitted >= m.limit {
			return nil, nil
		}
		best := -1
		for i, c := range m.cursors {
			e := c.peek()
			if e == nil {
				continue
			}
			if best == -1 {
				best = i
				continue
			}
			bt := m.cursors[best].peek().Time
			if (m.ascending && e.Time < bt) || (!m.ascending && e.Time > bt) {
				best = i
			}
		}
		if best == -1 {
			return nil, nil
		}
		e := m.cursors[best].peek()
		m.cursors[best].advance()
		if m.skip > 0 {
			m.skip--
			continue
		}
		m.emitted++
		return e, nil
	}
}

func (m *mergeCursor) Close() error { return nil }

// SortEvents orders events by time according to the given direction. Helper
// for callers assembling their own result sets.
func SortEvents(events []*storage.Event, ascending bool) {
	sort.SliceStable(events, func(i, j int) bool {
		if ascending {
			return events[i].Time < events[j].Time
		}
		return events[i].Time > events[j].Time
	})
}
