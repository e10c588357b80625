package systemstreams

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

func newTestRepository(t *testing.T) (*Repository, storage.Database) {
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
	return NewRepository(db, accounts), db
}

func newUser(username string) *storage.User {
	return &storage.User{
		ID:           storage.NewID(),
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: "hash-" + username,
		Created:      storage.NowSeconds(),
	}
}

func TestCreateUserWritesFieldEvents(t *testing.T) {
	r, db := newTestRepository(t)
	ctx := context.Background()

	user := newUser("alice")
	if err := r.CreateUser(ctx, user); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	// The language default kicked in.
	if user.Language != "en" {
		t.Errorf("language default: got %q", user.Language)
	}

	// One active event per populated field.
	events, err := db.GetEvents(ctx, user.ID, storage.EventsQuery{
		Streams: []storage.StreamQueryBlock{{Any: []string{ActiveMarker}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	// username, language, email, passwordHash (no invitationToken set).
	if len(events) != 4 {
		t.Fatalf("active field events: got %d, want 4", len(events))
	}
	for _, e := range events {
		if e.Integrity == "" || !strings.HasPrefix(e.Integrity, "EVENT:") {
			t.Errorf("event %s missing integrity: %q", e.ID, e.Integrity)
		}
	}

	info, err := r.AccountInfo(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info["username"] != "alice" || info["email"] != "alice@example.com" || info["language"] != "en" {
		t.Errorf("AccountInfo: got %+v", info)
	}
	if _, ok := info["passwordHash"]; ok {
		t.Error("private field leaked into account info")
	}
}

func TestCreateUserRequiredFields(t *testing.T) {
	r, _ := newTestRepository(t)

	u := newUser("bob")
	u.Email = ""
	err := r.CreateUser(context.Background(), u)
	if !errors.Is(err, errs.Kind(errs.IDInvalidParametersFormat)) {
		t.Fatalf("missing email: got %v, want invalid-parameters-format", err)
	}
}

func TestUpdateFieldKeepsTrail(t *testing.T) {
	r, db := newTestRepository(t)
	ctx := context.Background()

	user := newUser("carol")
	if err := r.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateField(ctx, user.ID, "email", "new@example.com", "access-1"); err != nil {
		t.Fatalf("UpdateField: %v", err)
	}

	info, err := r.AccountInfo(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info["email"] != "new@example.com" {
		t.Errorf("account info not updated: %+v", info)
	}

	// The user record follows.
	u, err := db.GetUserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if u.Email != "new@example.com" {
		t.Errorf("user record not updated: %q", u.Email)
	}

	// Both events remain, only one is active.
	d, _ := ByField("email")
	all, err := db.GetEvents(ctx, user.ID, storage.EventsQuery{
		Streams: []storage.StreamQueryBlock{{Any: []string{d.StreamID}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("email trail: got %d events, want 2", len(all))
	}
	var activeCount int
	for _, e := range all {
		for _, id := range e.StreamIDs {
			if id == ActiveMarker {
				activeCount++
			}
		}
	}
	if activeCount != 1 {
		t.Errorf("active events: got %d, want 1", activeCount)
	}
}

func TestUpdateFieldRules(t *testing.T) {
	r, _ := newTestRepository(t)
	ctx := context.Background()

	user := newUser("dave")
	if err := r.CreateUser(ctx, user); err != nil {
		t.Fatal(err)
	}

	// username is not editable.
	err := r.UpdateField(ctx, user.ID, "username", "dave2", "access-1")
	if !errors.Is(err, errs.Kind(errs.IDInvalidOperation)) {
		t.Fatalf("edit username: got %v, want invalid-operation", err)
	}

	err = r.UpdateField(ctx, user.ID, "nonsense", "x", "access-1")
	if !errors.Is(err, errs.Kind(errs.IDInvalidParametersFormat)) {
		t.Fatalf("unknown field: got %v, want invalid-parameters-format", err)
	}
}

func TestUniqueConflictCarriesField(t *testing.T) {
	r, _ := newTestRepository(t)
	ctx := context.Background()

	if err := r.CreateUser(ctx, newUser("erin")); err != nil {
		t.Fatal(err)
	}
	frank := newUser("frank")
	if err := r.CreateUser(ctx, frank); err != nil {
		t.Fatal(err)
	}

	err := r.UpdateField(ctx, frank.ID, "email", "erin@example.com", "access-1")
	var typed *errs.Error
	if !errors.As(err, &typed) || typed.ID != errs.IDItemAlreadyExists {
		t.Fatalf("duplicate email: got %v, want item-already-exists", err)
	}
	if typed.Data["email"] != "erin@example.com" {
		t.Errorf("conflict data: got %+v", typed.Data)
	}
}
