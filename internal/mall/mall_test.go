package mall

import (
	"context"
	"errors"
	"testing"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

func TestParseStoreIDAndStoreItemID(t *testing.T) {
	tests := []struct {
		full    string
		storeID string
		localID string
	}{
		{"diary", "local", "diary"},
		{"*", "local", "*"},
		{":dummy:notes", "dummy", "notes"},
		{":dummy:", "dummy", "*"},
		{":system:username", "local", ":system:username"},
		{":_system:active", "local", ":_system:active"},
		{":_audit:access-a1", "_audit", "access-a1"},
	}
	for _, tt := range tests {
		storeID, localID := ParseStoreIDAndStoreItemID(tt.full)
		if storeID != tt.storeID || localID != tt.localID {
			t.Errorf("Parse(%q) = (%q, %q), want (%q, %q)",
				tt.full, storeID, localID, tt.storeID, tt.localID)
		}
	}
}

func TestFullItemID(t *testing.T) {
	tests := []struct {
		storeID string
		localID string
		full    string
	}{
		{"local", "diary", "diary"},
		{"dummy", "notes", ":dummy:notes"},
		{"dummy", "*", ":dummy:"},
	}
	for _, tt := range tests {
		if got := FullItemID(tt.storeID, tt.localID); got != tt.full {
			t.Errorf("FullItemID(%q, %q) = %q, want %q", tt.storeID, tt.localID, got, tt.full)
		}
	}
}

func newTestMall(t *testing.T) (*Mall, string) {
	t.Helper()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	user := &storage.User{ID: "u1", Username: "alice", Email: "alice@example.com", Created: storage.NowSeconds()}
	if err := db.CreateUser(context.Background(), user); err != nil {
		t.Fatal(err)
	}

	m := New(NewLocalStore(db, storage.NewKeyedLocks()))
	if err := m.Register(NewMemoryStore("dummy")); err != nil {
		t.Fatal(err)
	}
	return m, user.ID
}

func TestStreamsAcrossStores(t *testing.T) {
	m, userID := newTestMall(t)
	ctx := context.Background()

	if err := m.CreateStream(ctx, userID, &storage.Stream{ID: "diary", Name: "Diary"}); err != nil {
		t.Fatalf("CreateStream(local): %v", err)
	}
	if err := m.CreateStream(ctx, userID, &storage.Stream{ID: ":dummy:notes", Name: "Notes"}); err != nil {
		t.Fatalf("CreateStream(dummy): %v", err)
	}

	// A root listing concatenates both stores, in registration order.
	all, err := m.GetStreams(ctx, userID, storage.StreamsQuery{ID: "*", ExpandChildren: true})
	if err != nil {
		t.Fatalf("GetStreams: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("root listing: got %d streams, want 2", len(all))
	}
	if all[0].ID != "diary" || all[1].ID != ":dummy:notes" {
		t.Errorf("ids not in registration order or not full: %q, %q", all[0].ID, all[1].ID)
	}

	// Targeted store query with the bare marker denotes the store root.
	dummyOnly, err := m.GetStreams(ctx, userID, storage.StreamsQuery{ParentID: ":dummy:", ExpandChildren: true})
	if err != nil {
		t.Fatalf("GetStreams(:dummy:): %v", err)
	}
	if len(dummyOnly) != 1 || dummyOnly[0].ID != ":dummy:notes" {
		t.Errorf("store root query: got %+v", dummyOnly)
	}

	// A child in the dummy store keeps full ids on the way out.
	parent := ":dummy:notes"
	if err := m.CreateStream(ctx, userID, &storage.Stream{ID: ":dummy:archive", Name: "Archive", ParentID: &parent}); err != nil {
		t.Fatalf("CreateStream(child): %v", err)
	}
	sub, err := m.GetStreams(ctx, userID, storage.StreamsQuery{ID: ":dummy:notes", ExpandChildren: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(sub) != 1 || len(sub[0].Children) != 1 || sub[0].Children[0].ID != ":dummy:archive" {
		t.Errorf("child ids not rewritten: %+v", sub)
	}
	if sub[0].Children[0].ParentID == nil || *sub[0].Children[0].ParentID != ":dummy:notes" {
		t.Errorf("parent id not rewritten: %+v", sub[0].Children[0].ParentID)
	}
}

func TestCrossStoreStreamRejected(t *testing.T) {
	m, userID := newTestMall(t)
	ctx := context.Background()

	parent := "diary"
	st := &storage.Stream{ID: ":dummy:bad", Name: "Bad", ParentID: &parent}
	err := m.CreateStream(ctx, userID, st)
	if !errors.Is(err, errs.Kind(errs.IDInvalidRequestStructure)) {
		t.Fatalf("cross-store parent: got %v, want invalid-request-structure", err)
	}
	// Ids are untouched after the rejection.
	if st.ID != ":dummy:bad" || *st.ParentID != "diary" {
		t.Errorf("stream mutated on rejection: %+v", st)
	}
}

func TestEventsAcrossStores(t *testing.T) {
	m, userID := newTestMall(t)
	ctx := context.Background()

	if err := m.CreateStream(ctx, userID, &storage.Stream{ID: "diary", Name: "Diary"}); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateStream(ctx, userID, &storage.Stream{ID: ":dummy:notes", Name: "Notes"}); err != nil {
		t.Fatal(err)
	}

	mkEvent := func(id, streamID string, time float64) {
		t.Helper()
		err := m.CreateEvent(ctx, userID, &storage.Event{
			ID: id, StreamIDs: []string{streamID}, Type: "note/txt", Time: time,
		})
		if err != nil {
			t.Fatalf("CreateEvent(%s): %v", id, err)
		}
	}
	mkEvent("l1", "diary", 100)
	mkEvent(":dummy:d1", ":dummy:notes", 200)
	mkEvent("l2", "diary", 300)
	mkEvent(":dummy:d2", ":dummy:notes", 400)

	// Merged, descending by default.
	all, err := m.GetEvents(ctx, userID, EventsQuery{})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	wantOrder := []string{":dummy:d2", "l2", ":dummy:d1", "l1"}
	if len(all) != len(wantOrder) {
		t.Fatalf("merged: got %d events, want %d", len(all), len(wantOrder))
	}
	for i, want := range wantOrder {
		if all[i].ID != want {
			t.Errorf("merged[%d] = %s, want %s", i, all[i].ID, want)
		}
	}
	if all[0].StreamIDs[0] != ":dummy:notes" {
		t.Errorf("stream ids not rewritten: %+v", all[0].StreamIDs)
	}

	// Paging happens at the mall level, across stores.
	page, err := m.GetEvents(ctx, userID, EventsQuery{Skip: 1, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "l2" || page[1].ID != ":dummy:d1" {
		t.Errorf("paging: got %+v", page)
	}

	// Stream filter targets one store only.
	dummyOnly, err := m.GetEvents(ctx, userID, EventsQuery{
		EventsQuery: storage.EventsQuery{
			Streams: []storage.StreamQueryBlock{{Any: []string{":dummy:notes"}}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(dummyOnly) != 2 {
		t.Errorf("store-filtered query: got %d events, want 2", len(dummyOnly))
	}
}

func TestCrossStoreEventRejected(t *testing.T) {
	m, userID := newTestMall(t)
	ctx := context.Background()

	err := m.CreateEvent(ctx, userID, &storage.Event{
		StreamIDs: []string{"diary", ":dummy:notes"}, Type: "note/txt", Time: 1,
	})
	if !errors.Is(err, errs.Kind(errs.IDInvalidRequestStructure)) {
		t.Fatalf("cross-store event: got %v, want invalid-request-structure", err)
	}

	// Mixed-store AND-block in a query.
	_, err = m.GetEvents(ctx, userID, EventsQuery{
		EventsQuery: storage.EventsQuery{
			Streams: []storage.StreamQueryBlock{{Any: []string{"diary", ":dummy:notes"}}},
		},
	})
	if !errors.Is(err, errs.Kind(errs.IDInvalidRequestStructure)) {
		t.Fatalf("mixed AND-block: got %v, want invalid-request-structure", err)
	}

	// Id prefix disagreeing with streamIds prefix.
	err = m.CreateEvent(ctx, userID, &storage.Event{
		ID: ":dummy:e1", StreamIDs: []string{"diary"}, Type: "note/txt", Time: 1,
	})
	if !errors.Is(err, errs.Kind(errs.IDInvalidRequestStructure)) {
		t.Fatalf("id/streamIds disagreement: got %v, want invalid-request-structure", err)
	}
}

func TestSingleActivityEnforcedThroughMall(t *testing.T) {
	m, userID := newTestMall(t)
	ctx := context.Background()

	if err := m.CreateStream(ctx, userID, &storage.Stream{ID: "activity", Name: "Activity", SingleActivity: true}); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateEvent(ctx, userID, &storage.Event{
		ID: "e1", StreamIDs: []string{"activity"}, Type: "activity/plain", Time: 100, Duration: 50,
	}); err != nil {
		t.Fatalf("first event: %v", err)
	}

	err := m.CreateEvent(ctx, userID, &storage.Event{
		ID: "e2", StreamIDs: []string{"activity"}, Type: "activity/plain", Time: 120, Duration: 10,
	})
	var typed *errs.Error
	if !errors.As(err, &typed) || typed.ID != errs.IDInvalidOperation {
		t.Fatalf("overlap: got %v, want invalid-operation", err)
	}
	if typed.Data["conflictingEventId"] != "e1" {
		t.Errorf("conflict data: %+v", typed.Data)
	}

	// Disjoint event passes.
	if err := m.CreateEvent(ctx, userID, &storage.Event{
		ID: "e3", StreamIDs: []string{"activity"}, Type: "activity/plain", Time: 200, Duration: 10,
	}); err != nil {
		t.Fatalf("disjoint event: %v", err)
	}
}

func TestTransactionStub(t *testing.T) {
	m, _ := newTestMall(t)
	tx := m.NewTransaction(context.Background())

	// The local store transacts for real.
	localTx, err := tx.ForStore("local")
	if err != nil {
		t.Fatalf("ForStore(local): %v", err)
	}
	if _, ok := localTx.(passthroughTx); ok {
		t.Error("local store must use a real transaction")
	}

	// The memory store cannot transact and gets the stub.
	dummyTx, err := tx.ForStore("dummy")
	if err != nil {
		t.Fatalf("ForStore(dummy): %v", err)
	}
	if _, ok := dummyTx.(passthroughTx); !ok {
		t.Error("memory store must get the pass-through stub")
	}

	// Opening twice reuses the same transaction.
	again, err := tx.ForStore("local")
	if err != nil {
		t.Fatal(err)
	}
	if again != localTx {
		t.Error("per-store transaction not reused")
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
}
