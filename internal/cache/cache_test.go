package cache

import (
	"context"
	"sync"
	"testing"

	"github.com/pryv/open-pryv.io-sub006/internal/access"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// recordingBus captures publishes and listener churn.
type recordingBus struct {
	mu        sync.Mutex
	published []Message
	listeners map[string]int
}

func newRecordingBus() *recordingBus {
	return &recordingBus{listeners: make(map[string]int)}
}

func (b *recordingBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, msg)
	return nil
}

func (b *recordingBus) EnsureListener(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[userID]++
}

func (b *recordingBus) RemoveListener(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, userID)
}

func testLogic(accessID, token string) *access.Logic {
	return access.NewLogic(&storage.Access{
		ID: accessID, Token: token, Type: storage.AccessTypeApp,
	}, nil)
}

func TestStreamsSlot(t *testing.T) {
	c := New(nil)

	if _, ok := c.GetStreams("u1", "local"); ok {
		t.Fatal("empty cache reported a hit")
	}
	forest := []*storage.Stream{{ID: "diary"}}
	c.SetStreams("u1", "local", forest)

	got, ok := c.GetStreams("u1", "local")
	if !ok || len(got) != 1 || got[0].ID != "diary" {
		t.Fatalf("GetStreams: %v %v", got, ok)
	}
	if _, ok := c.GetStreams("u1", "dummy"); ok {
		t.Error("hit on a different store")
	}

	if err := c.UnsetStreams(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.GetStreams("u1", "local"); ok {
		t.Error("slot survived invalidation")
	}
}

func TestUnsetStreamsDropsLogics(t *testing.T) {
	c := New(nil)
	c.SetLogic("u1", testLogic("a1", "tok-1"))

	if err := c.UnsetStreams(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	// Logics embed expanded stream permissions, so they go too.
	if _, ok := c.GetLogicByToken("u1", "tok-1"); ok {
		t.Error("access logic survived a streams invalidation")
	}
}

func TestLogicKeyedBothWays(t *testing.T) {
	c := New(nil)
	c.SetLogic("u1", testLogic("a1", "tok-1"))

	if _, ok := c.GetLogicByAccessID("u1", "a1"); !ok {
		t.Error("miss by access id")
	}
	if _, ok := c.GetLogicByToken("u1", "tok-1"); !ok {
		t.Error("miss by token")
	}

	if err := c.UnsetAccessLogic(context.Background(), "u1", "a1", "tok-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.GetLogicByAccessID("u1", "a1"); ok {
		t.Error("logic survived by id")
	}
	if _, ok := c.GetLogicByToken("u1", "tok-1"); ok {
		t.Error("logic survived by token")
	}
}

func TestUnsetUserDropsUsername(t *testing.T) {
	c := New(nil)
	c.SetUserID("alice", "u1")
	c.SetStreams("u1", "local", nil)

	if err := c.UnsetUser(context.Background(), "alice", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.GetUserID("alice"); ok {
		t.Error("username mapping survived")
	}
	if _, ok := c.GetStreams("u1", "local"); ok {
		t.Error("user data survived")
	}
}

func TestBusInteraction(t *testing.T) {
	bus := newRecordingBus()
	c := New(bus)

	// First cached write creates the listener, once.
	c.SetStreams("u1", "local", nil)
	c.SetLogic("u1", testLogic("a1", "tok-1"))
	if bus.listeners["u1"] != 1 {
		t.Errorf("listener count: got %d, want 1", bus.listeners["u1"])
	}

	// Invalidations publish after applying locally.
	if err := c.UnsetAccessLogic(context.Background(), "u1", "a1", "tok-1"); err != nil {
		t.Fatal(err)
	}
	if len(bus.published) != 1 || bus.published[0].Action != ActionUnsetAccessLogic {
		t.Fatalf("published: %+v", bus.published)
	}

	// UNSET_USER_DATA releases the listener.
	if err := c.UnsetUserData(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := bus.listeners["u1"]; ok {
		t.Error("listener survived UNSET_USER_DATA")
	}
}
