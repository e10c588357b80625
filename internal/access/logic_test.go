package access

import (
	"testing"

	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// testForest builds A -> {A1 -> {A1a}, A2}, B.
func testForest() []*storage.Stream {
	return []*storage.Stream{
		{ID: "A", Children: []*storage.Stream{
			{ID: "A1", Children: []*storage.Stream{{ID: "A1a"}}},
			{ID: "A2"},
		}},
		{ID: "B"},
	}
}

func appAccess(perms ...storage.Permission) *storage.Access {
	return &storage.Access{ID: "acc-1", Type: storage.AccessTypeApp, Permissions: perms}
}

func TestDescendantInheritance(t *testing.T) {
	l := NewLogic(appAccess(storage.Permission{StreamID: "A", Level: storage.LevelManage}), testForest())

	for _, id := range []string{"A", "A1", "A1a", "A2"} {
		if !l.CanManageStream(id) {
			t.Errorf("CanManageStream(%s) = false, want true", id)
		}
	}
	if l.CanReadStream("B") {
		t.Error("permission leaked to sibling B")
	}
	if l.CanListStream("B") {
		t.Error("list leaked to sibling B")
	}
}

func TestHigherLevelWins(t *testing.T) {
	// Contribute on the subtree, manage on one child: the child keeps manage.
	l := NewLogic(appAccess(
		storage.Permission{StreamID: "A", Level: storage.LevelContribute},
		storage.Permission{StreamID: "A1", Level: storage.LevelManage},
	), testForest())

	if !l.CanManageStream("A1") || !l.CanManageStream("A1a") {
		t.Error("explicit manage on A1 subtree lost to inherited contribute")
	}
	if l.CanManageStream("A2") {
		t.Error("manage leaked to A2")
	}
	if !l.CanContributeToStream("A2") {
		t.Error("contribute missing on A2")
	}

	// Same permissions in the opposite order must yield the same result.
	l = NewLogic(appAccess(
		storage.Permission{StreamID: "A1", Level: storage.LevelManage},
		storage.Permission{StreamID: "A", Level: storage.LevelContribute},
	), testForest())
	if !l.CanManageStream("A1") {
		t.Error("permission expansion is order-dependent")
	}
}

func TestRootWildcard(t *testing.T) {
	l := NewLogic(appAccess(storage.Permission{StreamID: "*", Level: storage.LevelRead}), testForest())

	if !l.CanReadStream("B") || !l.CanReadStream("A1a") {
		t.Error("root wildcard must cover every stream")
	}
	if l.CanContributeToStream("B") {
		t.Error("wildcard read must not grant contribute")
	}
	// Unknown streams fall back to the wildcard too.
	if !l.CanReadStream("not-in-forest") {
		t.Error("wildcard must cover streams outside the forest")
	}
}

func TestCreateOnly(t *testing.T) {
	l := NewLogic(appAccess(storage.Permission{StreamID: "A", Level: storage.LevelCreateOnly}), testForest())

	if l.CanReadStream("A") {
		t.Error("create-only must not grant read")
	}
	if !l.CanListStream("A") {
		t.Error("create-only must grant list")
	}
	if !l.CanContributeToStream("A") {
		t.Error("create-only must grant contribute")
	}
	if l.CanUpdateStream("A") {
		t.Error("create-only must not grant update")
	}
	if l.CanManageStream("A") {
		t.Error("create-only must not grant manage")
	}
}

func TestVirtualTagRead(t *testing.T) {
	// Stream-only permissions imply read on all tags.
	l := NewLogic(appAccess(storage.Permission{StreamID: "A", Level: storage.LevelManage}), testForest())
	if !l.CanReadTag("anything") {
		t.Error("stream-only access must read all tags")
	}
	if l.CanContributeToTag("anything") {
		t.Error("virtual tag permission must be read-only")
	}

	// Tag-only permissions imply read on all streams.
	l = NewLogic(appAccess(storage.Permission{Tag: "health", Level: storage.LevelContribute}), testForest())
	if !l.CanReadStream("B") {
		t.Error("tag-only access must read all streams")
	}
	if !l.CanContributeToTag("health") {
		t.Error("explicit tag contribute lost")
	}
	if l.CanContributeToTag("other") {
		t.Error("tag permission leaked to other tags")
	}

	// Mixed permissions add no virtual wildcard.
	l = NewLogic(appAccess(
		storage.Permission{StreamID: "A", Level: storage.LevelRead},
		storage.Permission{Tag: "health", Level: storage.LevelRead},
	), testForest())
	if l.CanReadTag("other") {
		t.Error("mixed permissions must not add a virtual tag wildcard")
	}
	if l.CanReadStream("B") {
		t.Error("mixed permissions must not add a virtual stream wildcard")
	}
}

func TestPersonalAccess(t *testing.T) {
	l := NewLogic(&storage.Access{ID: "p1", Type: storage.AccessTypePersonal}, testForest())

	if !l.CanManageStream("A") || !l.CanManageStream("anything") {
		t.Error("personal access must manage everything")
	}
	if !l.CanDeleteAccess(&storage.Access{ID: "other", Type: storage.AccessTypeShared}) {
		t.Error("personal access must delete any access")
	}
	if !l.CanCreateAccess(&storage.Access{Type: storage.AccessTypeApp}) {
		t.Error("personal access must create any access")
	}
}

func TestCanDeleteAccess(t *testing.T) {
	self := appAccess()

	l := NewLogic(self, nil)
	if !l.CanDeleteAccess(self) {
		t.Error("app access must delete itself by default")
	}

	// Self-revocation forbidden by a feature permission.
	forbidden := appAccess(storage.Permission{
		Feature: storage.FeatureSelfRevoke, Setting: storage.SettingForbidden,
	})
	l = NewLogic(forbidden, nil)
	if l.CanDeleteAccess(forbidden) {
		t.Error("selfRevoke=forbidden must block self-deletion")
	}

	// App may delete accesses it created, including via "<id> <caller>".
	l = NewLogic(self, nil)
	if !l.CanDeleteAccess(&storage.Access{ID: "x", Type: storage.AccessTypeShared, CreatedBy: "acc-1"}) {
		t.Error("app must delete accesses it created")
	}
	if !l.CanDeleteAccess(&storage.Access{ID: "y", Type: storage.AccessTypeShared, CreatedBy: "acc-1 caller-7"}) {
		t.Error("createdBy with caller id must still match")
	}
	if l.CanDeleteAccess(&storage.Access{ID: "z", Type: storage.AccessTypeShared, CreatedBy: "acc-2"}) {
		t.Error("app must not delete foreign accesses")
	}

	// Shared may delete only itself.
	shared := &storage.Access{ID: "sh-1", Type: storage.AccessTypeShared}
	l = NewLogic(shared, nil)
	if !l.CanDeleteAccess(shared) {
		t.Error("shared access must delete itself")
	}
	if l.CanDeleteAccess(&storage.Access{ID: "sh-2", Type: storage.AccessTypeShared, CreatedBy: "sh-1"}) {
		t.Error("shared access must not delete others")
	}
}

func TestCanCreateAccess(t *testing.T) {
	this := appAccess(storage.Permission{StreamID: "A", Level: storage.LevelContribute})
	l := NewLogic(this, testForest())

	// Within own permissions, lower or equal level: allowed.
	ok := l.CanCreateAccess(&storage.Access{
		Type:        storage.AccessTypeShared,
		Permissions: []storage.Permission{{StreamID: "A1", Level: storage.LevelRead}},
	})
	if !ok {
		t.Error("app must create a shared access within its permissions")
	}

	// Higher level than own: rejected.
	ok = l.CanCreateAccess(&storage.Access{
		Type:        storage.AccessTypeShared,
		Permissions: []storage.Permission{{StreamID: "A1", Level: storage.LevelManage}},
	})
	if ok {
		t.Error("candidate level above own must be rejected")
	}

	// Stream outside own permissions: rejected.
	ok = l.CanCreateAccess(&storage.Access{
		Type:        storage.AccessTypeShared,
		Permissions: []storage.Permission{{StreamID: "B", Level: storage.LevelRead}},
	})
	if ok {
		t.Error("candidate stream outside own permissions must be rejected")
	}

	// App may only create shared accesses.
	if l.CanCreateAccess(&storage.Access{Type: storage.AccessTypeApp}) {
		t.Error("app must not create app accesses")
	}

	// create-only in this access disqualifies.
	co := NewLogic(appAccess(storage.Permission{StreamID: "A", Level: storage.LevelCreateOnly}), testForest())
	ok = co.CanCreateAccess(&storage.Access{
		Type:        storage.AccessTypeShared,
		Permissions: []storage.Permission{{StreamID: "A", Level: storage.LevelCreateOnly}},
	})
	if ok {
		t.Error("create-only granter must be disqualified")
	}

	// Shared accesses never create.
	sh := NewLogic(&storage.Access{ID: "sh", Type: storage.AccessTypeShared}, nil)
	if sh.CanCreateAccess(&storage.Access{Type: storage.AccessTypeShared}) {
		t.Error("shared access must not create accesses")
	}
}
