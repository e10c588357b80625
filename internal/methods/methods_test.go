package methods

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pryv/open-pryv.io-sub006/internal/audit"
	"github.com/pryv/open-pryv.io-sub006/internal/cache"
	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/integrity"
	"github.com/pryv/open-pryv.io-sub006/internal/mall"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
	"github.com/pryv/open-pryv.io-sub006/internal/systemstreams"
)

func newTestRegister(t *testing.T) (*Register, *Deps) {
	t.Helper()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	accounts, err := storage.NewUserAccountStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { accounts.Close() })

	locks := storage.NewKeyedLocks()
	deps := &Deps{
		Log:      slog.Default(),
		DB:       db,
		Accounts: accounts,
		Mall:     mall.New(mall.NewLocalStore(db, locks)),
		Cache:    cache.New(nil),
		System:   systemstreams.NewRepository(db, accounts),
		Locks:    locks,
		Audit:    audit.NewRecorder(slog.Default()),
		Settings: Settings{
			TrustedApps:           []string{"*"},
			SessionTTLSeconds:     3600,
			PasswordHistoryLength: 3,
			APIHost:               "api.test",
		},
	}
	return NewRegister(deps), deps
}

func newTestAccount(t *testing.T, deps *Deps, username, password string) *storage.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	u := &storage.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hash),
		Created:      storage.NowSeconds(),
	}
	if err := deps.System.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser(%s): %v", username, err)
	}
	return u
}

func newTestContext(deps *Deps, username, auth string) *MethodContext {
	return NewContext(deps, audit.Source{Name: "test", IP: "127.0.0.1"},
		username, auth, http.Header{}, url.Values{}, "")
}

func newTestStream(t *testing.T, deps *Deps, userID, id string, parentID *string) {
	t.Helper()
	err := deps.Mall.CreateStream(context.Background(), userID, &storage.Stream{
		ID:       id,
		Name:     "Stream " + id,
		ParentID: parentID,
		Created:  storage.NowSeconds(),
		Modified: storage.NowSeconds(),
	})
	if err != nil {
		t.Fatalf("CreateStream(%s): %v", id, err)
	}
}

func newTestAppAccess(t *testing.T, deps *Deps, userID, token string, perms []storage.Permission) *storage.Access {
	t.Helper()
	a := &storage.Access{
		ID:          uuid.New().String(),
		Token:       token,
		Name:        "test-app-" + token,
		Type:        storage.AccessTypeApp,
		Permissions: perms,
		Created:     storage.NowSeconds(),
		Modified:    storage.NowSeconds(),
	}
	if err := deps.DB.CreateAccess(context.Background(), userID, a); err != nil {
		t.Fatal(err)
	}
	return a
}

func login(t *testing.T, reg *Register, deps *Deps, username, password string) string {
	t.Helper()
	mc := newTestContext(deps, username, "")
	r, err := reg.Call(context.Background(), mc, "auth.login", Params{
		"username": username, "password": password, "appId": "test-app",
	})
	if err != nil {
		t.Fatalf("auth.login: %v", err)
	}
	return r["token"].(string)
}

func TestLoginCreatesSessionAndPersonalAccess(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "alice", "secret-pass")
	ctx := context.Background()

	mc := newTestContext(deps, "alice", "")
	r, err := reg.Call(ctx, mc, "auth.login", Params{
		"username": "alice", "password": "secret-pass", "appId": "my-app",
	})
	if err != nil {
		t.Fatalf("auth.login: %v", err)
	}
	token := r["token"].(string)
	if token == "" {
		t.Fatal("no token in result")
	}
	if r["apiEndpoint"] != "https://api.test/alice/" {
		t.Errorf("apiEndpoint: %v", r["apiEndpoint"])
	}

	sess, err := deps.DB.GetSession(ctx, token)
	if err != nil || sess == nil {
		t.Fatalf("session missing: %v %v", sess, err)
	}
	a, err := deps.DB.FindAccess(ctx, user.ID, "my-app", storage.AccessTypePersonal, "")
	if err != nil || a == nil {
		t.Fatalf("personal access missing: %v %v", a, err)
	}
	if a.Token != token {
		t.Error("personal access token not rotated onto the session token")
	}

	// A second login reuses the access, with a fresh token.
	r2, err := reg.Call(ctx, newTestContext(deps, "alice", ""), "auth.login", Params{
		"username": "alice", "password": "secret-pass", "appId": "my-app",
	})
	if err != nil {
		t.Fatal(err)
	}
	if r2["token"] == token {
		t.Error("second login reused the session token")
	}
	a2, err := deps.DB.FindAccess(ctx, user.ID, "my-app", storage.AccessTypePersonal, "")
	if err != nil {
		t.Fatal(err)
	}
	if a2.ID != a.ID {
		t.Error("second login created a second personal access")
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	reg, deps := newTestRegister(t)
	newTestAccount(t, deps, "bob", "right")

	_, err := reg.Call(context.Background(), newTestContext(deps, "bob", ""), "auth.login", Params{
		"username": "bob", "password": "wrong", "appId": "app",
	})
	if !errors.Is(err, errs.Kind(errs.IDInvalidCredentials)) {
		t.Fatalf("got %v, want invalid-credentials", err)
	}
}

func TestLoginRejectsUntrustedOrigin(t *testing.T) {
	reg, deps := newTestRegister(t)
	deps.Settings.TrustedApps = []string{`^https://trusted\.example$`}
	newTestAccount(t, deps, "carol", "pw-carol")

	mc := newTestContext(deps, "carol", "")
	mc.Headers.Set("Origin", "https://evil.example")
	_, err := reg.Call(context.Background(), mc, "auth.login", Params{
		"username": "carol", "password": "pw-carol", "appId": "app",
	})
	if !errors.Is(err, errs.Kind(errs.IDForbidden)) {
		t.Fatalf("got %v, want forbidden", err)
	}

	mc = newTestContext(deps, "carol", "")
	mc.Headers.Set("Origin", "https://trusted.example")
	if _, err := reg.Call(context.Background(), mc, "auth.login", Params{
		"username": "carol", "password": "pw-carol", "appId": "app",
	}); err != nil {
		t.Fatalf("trusted origin rejected: %v", err)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	reg, deps := newTestRegister(t)
	newTestAccount(t, deps, "dave", "pw-dave")
	token := login(t, reg, deps, "dave", "pw-dave")
	ctx := context.Background()

	if _, err := reg.Call(ctx, newTestContext(deps, "dave", token), "auth.logout", Params{}); err != nil {
		t.Fatalf("auth.logout: %v", err)
	}
	sess, err := deps.DB.GetSession(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if sess != nil {
		t.Error("session survived logout")
	}
}

func TestAccessFailureLadder(t *testing.T) {
	reg, deps := newTestRegister(t)
	newTestAccount(t, deps, "erin", "pw-erin")
	ctx := context.Background()

	// Missing token: 401.
	_, err := reg.Call(ctx, newTestContext(deps, "erin", ""), "events.get", Params{})
	typed := errs.Coerce(err)
	if typed.ID != errs.IDInvalidAccessToken || typed.HTTPStatus != http.StatusUnauthorized {
		t.Fatalf("missing token: %v (status %d)", err, typed.HTTPStatus)
	}

	// Unknown token: 403.
	_, err = reg.Call(ctx, newTestContext(deps, "erin", "no-such-token"), "events.get", Params{})
	typed = errs.Coerce(err)
	if typed.ID != errs.IDInvalidAccessToken || typed.HTTPStatus != http.StatusForbidden {
		t.Fatalf("unknown token: %v (status %d)", err, typed.HTTPStatus)
	}
}

// Permission inheritance follows the stream tree and cache invalidation
// makes moves visible.
func TestEventsGetPermissionInheritance(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "frank", "pw-frank")
	ctx := context.Background()

	newTestStream(t, deps, user.ID, "a", nil)
	newTestStream(t, deps, user.ID, "a1", ptr("a"))
	newTestStream(t, deps, user.ID, "b", nil)
	newTestStream(t, deps, user.ID, "t", nil)
	newTestAppAccess(t, deps, user.ID, "app-token", []storage.Permission{
		{StreamID: "a", Level: storage.LevelManage},
	})

	_, err := reg.Call(ctx, newTestContext(deps, "frank", "app-token"), "events.get", Params{
		"streams": []any{"t"},
	})
	if !errors.Is(err, errs.Kind(errs.IDForbidden)) {
		t.Fatalf("t outside a: got %v, want forbidden", err)
	}

	// Move t under a: readable through inheritance.
	moveStream(t, deps, user.ID, "t", ptr("a"))
	if _, err := reg.Call(ctx, newTestContext(deps, "frank", "app-token"), "events.get", Params{
		"streams": []any{"t"},
	}); err != nil {
		t.Fatalf("t under a: %v", err)
	}

	// Move it back out: forbidden again.
	moveStream(t, deps, user.ID, "t", nil)
	_, err = reg.Call(ctx, newTestContext(deps, "frank", "app-token"), "events.get", Params{
		"streams": []any{"t"},
	})
	if !errors.Is(err, errs.Kind(errs.IDForbidden)) {
		t.Fatalf("t moved out: got %v, want forbidden", err)
	}
}

func moveStream(t *testing.T, deps *Deps, userID, id string, parentID *string) {
	t.Helper()
	ctx := context.Background()
	streams, err := deps.Mall.GetStreams(ctx, userID, storage.StreamsQuery{ID: id, IncludeTrashed: true})
	if err != nil || len(streams) == 0 {
		t.Fatalf("load %s: %v", id, err)
	}
	st := streams[0]
	st.ParentID = parentID
	st.Children = nil
	if err := deps.Mall.UpdateStream(ctx, userID, st); err != nil {
		t.Fatal(err)
	}
	if err := deps.Cache.UnsetStreams(ctx, userID); err != nil {
		t.Fatal(err)
	}
}

func ptr(s string) *string { return &s }

func TestEventsRoundTrip(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "grace", "pw-grace")
	token := login(t, reg, deps, "grace", "pw-grace")
	ctx := context.Background()

	newTestStream(t, deps, user.ID, "diary", nil)

	r, err := reg.Call(ctx, newTestContext(deps, "grace", token), "events.create", Params{
		"streamIds": []any{"diary"},
		"type":      "note/txt",
		"content":   "hello",
	})
	if err != nil {
		t.Fatalf("events.create: %v", err)
	}
	created := r["event"].(*storage.Event)
	if created.ID == "" || created.Integrity == "" {
		t.Fatalf("created event incomplete: %+v", created)
	}

	r, err = reg.Call(ctx, newTestContext(deps, "grace", token), "events.get", Params{
		"streams": []any{"diary"},
	})
	if err != nil {
		t.Fatal(err)
	}
	events := r["events"].([]*storage.Event)
	if len(events) != 1 || events[0].ID != created.ID {
		t.Fatalf("events.get: %+v", events)
	}

	// Unfiltered reads include visible account events but never private ones.
	r, err = reg.Call(ctx, newTestContext(deps, "grace", token), "events.get", Params{})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range r["events"].([]*storage.Event) {
		for _, id := range e.StreamIDs {
			if id == ":_system:passwordHash" {
				t.Fatalf("private system event leaked: %+v", e)
			}
		}
	}

	r, err = reg.Call(ctx, newTestContext(deps, "grace", token), "events.getOne", Params{"id": created.ID})
	if err != nil {
		t.Fatal(err)
	}
	if r["event"].(*storage.Event).Content != "hello" {
		t.Errorf("content: %v", r["event"].(*storage.Event).Content)
	}

	// Unknown streams are rejected as references.
	_, err = reg.Call(ctx, newTestContext(deps, "grace", token), "events.create", Params{
		"streamIds": []any{"nope"}, "type": "note/txt",
	})
	if !errors.Is(err, errs.Kind(errs.IDUnknownReferencedResource)) {
		t.Fatalf("unknown stream: got %v", err)
	}
}

func TestEventsRunningDuration(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "heidi", "pw-heidi")
	token := login(t, reg, deps, "heidi", "pw-heidi")
	ctx := context.Background()
	newTestStream(t, deps, user.ID, "activity", nil)

	// Explicit null duration marks the event as running.
	r, err := reg.Call(ctx, newTestContext(deps, "heidi", token), "events.create", Params{
		"streamIds": []any{"activity"},
		"type":      "activity/plain",
		"duration":  nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	e := r["event"].(*storage.Event)
	if !e.Running {
		t.Fatal("event with null duration is not running")
	}

	// Closing it with a finite duration.
	r, err = reg.Call(ctx, newTestContext(deps, "heidi", token), "events.update", Params{
		"id":     e.ID,
		"update": map[string]any{"duration": 60.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	e = r["event"].(*storage.Event)
	if e.Running || e.Duration != 60 {
		t.Fatalf("closed event: running=%v duration=%v", e.Running, e.Duration)
	}
}

func TestEventsDeleteTwoPhase(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "ivan", "pw-ivan")
	token := login(t, reg, deps, "ivan", "pw-ivan")
	ctx := context.Background()
	newTestStream(t, deps, user.ID, "stuff", nil)

	r, err := reg.Call(ctx, newTestContext(deps, "ivan", token), "events.create", Params{
		"streamIds": []any{"stuff"}, "type": "note/txt",
	})
	if err != nil {
		t.Fatal(err)
	}
	id := r["event"].(*storage.Event).ID

	r, err = reg.Call(ctx, newTestContext(deps, "ivan", token), "events.delete", Params{"id": id})
	if err != nil {
		t.Fatal(err)
	}
	if !r["event"].(*storage.Event).Trashed {
		t.Fatal("first delete must trash")
	}

	r, err = reg.Call(ctx, newTestContext(deps, "ivan", token), "events.delete", Params{"id": id})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r["eventDeletion"]; !ok {
		t.Fatal("second delete must return a deletion")
	}
	_, err = reg.Call(ctx, newTestContext(deps, "ivan", token), "events.getOne", Params{"id": id})
	if !errors.Is(err, errs.Kind(errs.IDUnknownResource)) {
		t.Fatalf("deleted event read: got %v", err)
	}
}

func TestStreamsGetFiltersByPermission(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "judy", "pw-judy")
	ctx := context.Background()

	newTestStream(t, deps, user.ID, "home", nil)
	newTestStream(t, deps, user.ID, "kitchen", ptr("home"))
	newTestStream(t, deps, user.ID, "work", nil)
	newTestStream(t, deps, user.ID, "meetings", ptr("work"))
	newTestAppAccess(t, deps, user.ID, "work-token", []storage.Permission{
		{StreamID: "meetings", Level: storage.LevelRead},
	})

	r, err := reg.Call(ctx, newTestContext(deps, "judy", "work-token"), "streams.get", Params{})
	if err != nil {
		t.Fatal(err)
	}
	streams := r["streams"].([]*storage.Stream)
	// The readable subtree is hoisted past its unreadable parent.
	if len(streams) != 1 || streams[0].ID != "meetings" {
		t.Fatalf("streams: %+v", streams)
	}
}

func TestStreamsCRUDWithPersonal(t *testing.T) {
	reg, deps := newTestRegister(t)
	newTestAccount(t, deps, "kim", "pw-kim")
	token := login(t, reg, deps, "kim", "pw-kim")
	ctx := context.Background()

	r, err := reg.Call(ctx, newTestContext(deps, "kim", token), "streams.create", Params{
		"id": "garden", "name": "Garden",
	})
	if err != nil {
		t.Fatalf("streams.create: %v", err)
	}
	st := r["stream"].(*storage.Stream)
	if st.ID != "garden" || st.CreatedBy == "" {
		t.Fatalf("created stream: %+v", st)
	}

	r, err = reg.Call(ctx, newTestContext(deps, "kim", token), "streams.update", Params{
		"id": "garden", "update": map[string]any{"name": "Front Garden"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if r["stream"].(*storage.Stream).Name != "Front Garden" {
		t.Errorf("updated name: %v", r["stream"].(*storage.Stream).Name)
	}

	// Two-phase delete: trash first, then a real deletion.
	r, err = reg.Call(ctx, newTestContext(deps, "kim", token), "streams.delete", Params{"id": "garden"})
	if err != nil {
		t.Fatal(err)
	}
	if !r["stream"].(*storage.Stream).Trashed {
		t.Fatal("first delete must trash")
	}
	r, err = reg.Call(ctx, newTestContext(deps, "kim", token), "streams.delete", Params{"id": "garden"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r["streamDeletion"]; !ok {
		t.Fatal("second delete must return a deletion")
	}
}

func TestStreamsDeleteMergesEvents(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "lena", "pw-lena")
	token := login(t, reg, deps, "lena", "pw-lena")
	ctx := context.Background()

	newTestStream(t, deps, user.ID, "parent", nil)
	newTestStream(t, deps, user.ID, "child", ptr("parent"))
	r, err := reg.Call(ctx, newTestContext(deps, "lena", token), "events.create", Params{
		"streamIds": []any{"child"}, "type": "note/txt",
	})
	if err != nil {
		t.Fatal(err)
	}
	eventID := r["event"].(*storage.Event).ID

	// Trash, then delete without deciding the events' fate: rejected.
	if _, err := reg.Call(ctx, newTestContext(deps, "lena", token), "streams.delete", Params{"id": "child"}); err != nil {
		t.Fatal(err)
	}
	_, err = reg.Call(ctx, newTestContext(deps, "lena", token), "streams.delete", Params{"id": "child"})
	if !errors.Is(err, errs.Kind(errs.IDInvalidParametersFormat)) {
		t.Fatalf("undecided events: got %v", err)
	}

	// Merging moves the event under the parent.
	_, err = reg.Call(ctx, newTestContext(deps, "lena", token), "streams.delete", Params{
		"id": "child", "mergeEventsWithParent": true,
	})
	if err != nil {
		t.Fatal(err)
	}
	e, err := deps.Mall.GetEvent(ctx, user.ID, eventID)
	if err != nil {
		t.Fatal(err)
	}
	if len(e.StreamIDs) != 1 || e.StreamIDs[0] != "parent" {
		t.Fatalf("merged event streams: %v", e.StreamIDs)
	}
}

func TestAccessesCreateWithinOwnScope(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "mona", "pw-mona")
	ctx := context.Background()
	newTestStream(t, deps, user.ID, "health", nil)
	newTestStream(t, deps, user.ID, "other", nil)
	newTestAppAccess(t, deps, user.ID, "app-token", []storage.Permission{
		{StreamID: "health", Level: storage.LevelContribute},
	})

	// Within scope: ok.
	r, err := reg.Call(ctx, newTestContext(deps, "mona", "app-token"), "accesses.create", Params{
		"name": "shared-health",
		"permissions": []any{
			map[string]any{"streamId": "health", "level": "read"},
		},
	})
	if err != nil {
		t.Fatalf("accesses.create: %v", err)
	}
	created := r["access"].(*storage.Access)
	if created.Token == "" || created.Type != storage.AccessTypeShared {
		t.Fatalf("created access: %+v", created)
	}

	// Beyond scope: forbidden.
	_, err = reg.Call(ctx, newTestContext(deps, "mona", "app-token"), "accesses.create", Params{
		"name": "too-wide",
		"permissions": []any{
			map[string]any{"streamId": "other", "level": "read"},
		},
	})
	if !errors.Is(err, errs.Kind(errs.IDForbidden)) {
		t.Fatalf("out of scope: got %v", err)
	}
}

func TestAccessSelfRevoke(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "nina", "pw-nina")
	ctx := context.Background()
	newTestStream(t, deps, user.ID, "data", nil)

	// With selfRevoke forbidden: 403.
	forbidden := newTestAppAccess(t, deps, user.ID, "locked-token", []storage.Permission{
		{StreamID: "data", Level: storage.LevelRead},
		{Feature: storage.FeatureSelfRevoke, Setting: storage.SettingForbidden},
	})
	_, err := reg.Call(ctx, newTestContext(deps, "nina", "locked-token"), "accesses.delete", Params{"id": forbidden.ID})
	if !errors.Is(err, errs.Kind(errs.IDForbidden)) {
		t.Fatalf("selfRevoke forbidden: got %v", err)
	}

	// Without the feature: ok.
	free := newTestAppAccess(t, deps, user.ID, "free-token", []storage.Permission{
		{StreamID: "data", Level: storage.LevelRead},
	})
	r, err := reg.Call(ctx, newTestContext(deps, "nina", "free-token"), "accesses.delete", Params{"id": free.ID})
	if err != nil {
		t.Fatalf("self revoke: %v", err)
	}
	if _, ok := r["accessDeletion"]; !ok {
		t.Fatal("no accessDeletion in result")
	}
}

func TestAccountUpdateKeepsOneActiveFieldEvent(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "olga", "pw-olga")
	token := login(t, reg, deps, "olga", "pw-olga")
	ctx := context.Background()

	r, err := reg.Call(ctx, newTestContext(deps, "olga", token), "account.update", Params{
		"update": map[string]any{"email": "new@example.com"},
	})
	if err != nil {
		t.Fatalf("account.update: %v", err)
	}
	account := r["account"].(map[string]any)
	if account["email"] != "new@example.com" {
		t.Errorf("email: %v", account["email"])
	}

	// The trail keeps prior events, exactly one stays active.
	events, err := deps.DB.GetEvents(ctx, user.ID, storage.EventsQuery{
		Streams: []storage.StreamQueryBlock{{Any: []string{":system:email"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("email events: %d, want 2", len(events))
	}
	active := 0
	for _, e := range events {
		for _, id := range e.StreamIDs {
			if id == systemstreams.ActiveMarker {
				active++
			}
		}
	}
	if active != 1 {
		t.Errorf("active email events: %d, want 1", active)
	}
}

func TestChangePasswordHonorsHistory(t *testing.T) {
	reg, deps := newTestRegister(t)
	newTestAccount(t, deps, "pete", "first-pass")
	token := login(t, reg, deps, "pete", "first-pass")
	ctx := context.Background()

	// Wrong old password.
	_, err := reg.Call(ctx, newTestContext(deps, "pete", token), "account.changePassword", Params{
		"oldPassword": "nope", "newPassword": "second-pass",
	})
	if !errors.Is(err, errs.Kind(errs.IDInvalidCredentials)) {
		t.Fatalf("wrong old password: got %v", err)
	}

	if _, err := reg.Call(ctx, newTestContext(deps, "pete", token), "account.changePassword", Params{
		"oldPassword": "first-pass", "newPassword": "second-pass",
	}); err != nil {
		t.Fatalf("changePassword: %v", err)
	}

	// Reusing a recent password is rejected.
	_, err = reg.Call(ctx, newTestContext(deps, "pete", token), "account.changePassword", Params{
		"oldPassword": "second-pass", "newPassword": "first-pass",
	})
	if !errors.Is(err, errs.Kind(errs.IDInvalidOperation)) {
		t.Fatalf("password reuse: got %v", err)
	}

	// The new password logs in.
	login(t, reg, deps, "pete", "second-pass")
}

func TestGetAccessInfo(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "rita", "pw-rita")
	ctx := context.Background()
	newTestStream(t, deps, user.ID, "x", nil)
	a := newTestAppAccess(t, deps, user.ID, "info-token", []storage.Permission{
		{StreamID: "x", Level: storage.LevelRead},
	})

	r, err := reg.Call(ctx, newTestContext(deps, "rita", "info-token"), "getAccessInfo", Params{})
	if err != nil {
		t.Fatal(err)
	}
	if r["id"] != a.ID || r["type"] != storage.AccessTypeApp {
		t.Errorf("access info: %v", r)
	}
	userInfo := r["user"].(map[string]any)
	if userInfo["username"] != "rita" {
		t.Errorf("user info: %v", userInfo)
	}
}

func TestCallBatch(t *testing.T) {
	reg, deps := newTestRegister(t)
	user := newTestAccount(t, deps, "sam", "pw-sam")
	token := login(t, reg, deps, "sam", "pw-sam")
	ctx := context.Background()
	newTestStream(t, deps, user.ID, "log", nil)

	r, err := reg.Call(ctx, newTestContext(deps, "sam", token), "callBatch", Params{
		"calls": []any{
			map[string]any{"method": "events.create", "params": map[string]any{
				"streamIds": []any{"log"}, "type": "note/txt",
			}},
			map[string]any{"method": "no.such.method", "params": map[string]any{}},
		},
	})
	if err != nil {
		t.Fatalf("callBatch: %v", err)
	}
	results := r["results"].([]Result)
	if len(results) != 2 {
		t.Fatalf("results: %d", len(results))
	}
	if _, ok := results[0]["event"]; !ok {
		t.Errorf("first call: %v", results[0])
	}
	if _, ok := results[1]["error"]; !ok {
		t.Errorf("second call: %v", results[1])
	}
}

func TestUnknownMethod(t *testing.T) {
	reg, deps := newTestRegister(t)
	_, err := reg.Call(context.Background(), newTestContext(deps, "x", ""), "bogus.method", Params{})
	if !errors.Is(err, errs.Kind(errs.IDUnknownResource)) {
		t.Fatalf("got %v, want unknown-resource", err)
	}
}

func newTestAuditStore(t *testing.T, deps *Deps) *audit.Store {
	t.Helper()
	store, err := audit.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	deps.Audit.AddSink(store, audit.NewFilter(nil, nil))
	return store
}

func findAuditRecord(t *testing.T, store *audit.Store, userID, method string) *storage.Event {
	t.Helper()
	events, err := store.GetEvents(context.Background(), userID, storage.EventsQuery{})
	if err != nil {
		t.Fatal(err)
	}
	want := audit.ActionStreamID(method)
	for _, e := range events {
		if containsString(e.StreamIDs, want) {
			return e
		}
	}
	return nil
}

func TestLoginIsAudited(t *testing.T) {
	reg, deps := newTestRegister(t)
	store := newTestAuditStore(t, deps)
	user := newTestAccount(t, deps, "dana", "secret-pass")
	ctx := context.Background()

	login(t, reg, deps, "dana", "secret-pass")

	rec := findAuditRecord(t, store, user.ID, "auth.login")
	if rec == nil {
		t.Fatal("no audit record for auth.login")
	}
	a, err := deps.DB.FindAccess(ctx, user.ID, "test-app", storage.AccessTypePersonal, "")
	if err != nil || a == nil {
		t.Fatalf("personal access missing: %v %v", a, err)
	}
	if !containsString(rec.StreamIDs, audit.AccessStreamID(a.ID)) {
		t.Errorf("record streams %v missing %s", rec.StreamIDs, audit.AccessStreamID(a.ID))
	}
	content, _ := rec.Content.(map[string]any)
	query, _ := content["query"].(map[string]any)
	if query["password"] != "(hidden)" {
		t.Errorf("password in audit query: %v", query["password"])
	}
}

func TestChangePasswordAuditRedactsCredentials(t *testing.T) {
	reg, deps := newTestRegister(t)
	store := newTestAuditStore(t, deps)
	user := newTestAccount(t, deps, "elsa", "old-pass-1")
	token := login(t, reg, deps, "elsa", "old-pass-1")

	_, err := reg.Call(context.Background(), newTestContext(deps, "elsa", token), "account.changePassword", Params{
		"oldPassword": "old-pass-1", "newPassword": "new-pass-2",
	})
	if err != nil {
		t.Fatalf("account.changePassword: %v", err)
	}

	rec := findAuditRecord(t, store, user.ID, "account.changePassword")
	if rec == nil {
		t.Fatal("no audit record for account.changePassword")
	}
	b, err := json.Marshal(rec.Content)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "old-pass-1") || strings.Contains(string(b), "new-pass-2") {
		t.Fatalf("plaintext credentials in audit record: %s", b)
	}
	content, _ := rec.Content.(map[string]any)
	query, _ := content["query"].(map[string]any)
	if query["oldPassword"] != "(hidden)" || query["newPassword"] != "(hidden)" {
		t.Errorf("credentials not masked: %v", query)
	}
}

func TestEventsTrashAuditRecordsIntegrity(t *testing.T) {
	reg, deps := newTestRegister(t)
	store := newTestAuditStore(t, deps)
	user := newTestAccount(t, deps, "finn", "pw-finn")
	token := login(t, reg, deps, "finn", "pw-finn")
	ctx := context.Background()
	newTestStream(t, deps, user.ID, "notes", nil)

	created, err := reg.Call(ctx, newTestContext(deps, "finn", token), "events.create", Params{
		"streamIds": []any{"notes"}, "type": "note/txt", "content": "x",
	})
	if err != nil {
		t.Fatalf("events.create: %v", err)
	}
	e := created["event"].(*storage.Event)

	trashed, err := reg.Call(ctx, newTestContext(deps, "finn", token), "events.delete", Params{"id": e.ID})
	if err != nil {
		t.Fatalf("events.delete: %v", err)
	}
	te := trashed["event"].(*storage.Event)

	rec := findAuditRecord(t, store, user.ID, "events.delete")
	if rec == nil {
		t.Fatal("no audit record for events.delete")
	}
	content, _ := rec.Content.(map[string]any)
	ref, _ := content["record"].(map[string]any)
	if ref["integrity"] != te.Integrity {
		t.Errorf("record integrity: got %v, want %s", ref["integrity"], te.Integrity)
	}
	if ref["key"] != integrity.KeyEvent {
		t.Errorf("record key: got %v, want %s", ref["key"], integrity.KeyEvent)
	}
}
