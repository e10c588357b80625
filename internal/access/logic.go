// Package access evaluates what an access token may do. A Logic is a pure
// value computed from an access record and the user's stream forest; it holds
// the fully expanded permission maps and answers capability questions.
package access

import (
	"sort"
	"strings"

	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// Wildcard is the root wildcard permission target.
const Wildcard = "*"

// levelWeights orders permission levels. create-only and contribute share a
// weight; create-only is distinguished by the predicates, not by the weight.
var levelWeights = map[string]int{
	storage.LevelRead:       0,
	storage.LevelCreateOnly: 1,
	storage.LevelContribute: 1,
	storage.LevelManage:     2,
}

func weight(level string) int {
	w, ok := levelWeights[level]
	if !ok {
		return -1
	}
	return w
}

// Logic is the expanded permission view of one access over one user's stream
// forest. It keeps no reference to storage; rebuild it when streams or the
// access change.
type Logic struct {
	Access *storage.Access

	streamLevels map[string]string
	tagLevels    map[string]string
	features     map[string]string
}

// NewLogic expands the access permissions against the stream forest.
func NewLogic(a *storage.Access, forest []*storage.Stream) *Logic {
	l := &Logic{
		Access:       a,
		streamLevels: make(map[string]string),
		tagLevels:    make(map[string]string),
		features:     make(map[string]string),
	}

	if a.IsPersonal() {
		l.streamLevels[Wildcard] = storage.LevelManage
		l.tagLevels[Wildcard] = storage.LevelManage
		return l
	}

	descendants := descendantIndex(forest)

	// Ascending level order so that a later, higher permission on the same
	// node wins over an earlier, lower one.
	perms := make([]storage.Permission, len(a.Permissions))
	copy(perms, a.Permissions)
	sort.SliceStable(perms, func(i, j int) bool {
		return weight(perms[i].Level) < weight(perms[j].Level)
	})

	var hasStreamPerm, hasTagPerm bool
	for _, p := range perms {
		switch {
		case p.Feature != "":
			l.features[p.Feature] = p.Setting
		case p.Tag != "":
			hasTagPerm = true
			keepHigher(l.tagLevels, p.Tag, p.Level)
		case p.StreamID != "":
			hasStreamPerm = true
			keepHigher(l.streamLevels, p.StreamID, p.Level)
			if p.StreamID != Wildcard {
				for _, d := range descendants[p.StreamID] {
					keepHigher(l.streamLevels, d, p.Level)
				}
			}
		}
	}

	// Stream-only permissions imply read on all tags, and symmetrically.
	if hasStreamPerm && !hasTagPerm {
		l.tagLevels[Wildcard] = storage.LevelRead
	}
	if hasTagPerm && !hasStreamPerm {
		l.streamLevels[Wildcard] = storage.LevelRead
	}

	return l
}

func keepHigher(m map[string]string, key, level string) {
	if existing, ok := m[key]; ok && weight(existing) >= weight(level) {
		return
	}
	m[key] = level
}

// descendantIndex maps each stream id to the ids of all its descendants.
func descendantIndex(forest []*storage.Stream) map[string][]string {
	idx := make(map[string][]string)
	var walk func(s *storage.Stream) []string
	walk = func(s *storage.Stream) []string {
		var all []string
		for _, c := range s.Children {
			all = append(all, c.ID)
			all = append(all, walk(c)...)
		}
		idx[s.ID] = all
		return all
	}
	for _, s := range forest {
		walk(s)
	}
	return idx
}

// StreamLevel returns the effective level on a stream, falling back to the
// root wildcard, or "" when no permission applies.
func (l *Logic) StreamLevel(streamID string) string {
	if level, ok := l.streamLevels[streamID]; ok {
		return level
	}
	return l.streamLevels[Wildcard]
}

// TagLevel returns the effective level on a tag.
func (l *Logic) TagLevel(tag string) string {
	if level, ok := l.tagLevels[tag]; ok {
		return level
	}
	return l.tagLevels[Wildcard]
}

// FeatureSetting returns the setting of a feature permission, or "".
func (l *Logic) FeatureSetting(feature string) string {
	return l.features[feature]
}

// CanReadStream reports read capability. create-only never grants read.
func (l *Logic) CanReadStream(streamID string) bool {
	level := l.StreamLevel(streamID)
	return weight(level) >= 0 && level != storage.LevelCreateOnly
}

// CanListStream reports whether the stream may appear in listings. Unlike
// read, create-only qualifies: a creator must be able to see the stream it
// creates under.
func (l *Logic) CanListStream(streamID string) bool {
	return weight(l.StreamLevel(streamID)) >= 0
}

// CanContributeToStream reports create capability on a stream.
func (l *Logic) CanContributeToStream(streamID string) bool {
	return weight(l.StreamLevel(streamID)) >= weight(storage.LevelContribute)
}

// CanUpdateStream reports update capability; create-only is excluded.
func (l *Logic) CanUpdateStream(streamID string) bool {
	level := l.StreamLevel(streamID)
	return weight(level) >= weight(storage.LevelContribute) && level != storage.LevelCreateOnly
}

// CanManageStream reports manage capability; create-only is excluded.
func (l *Logic) CanManageStream(streamID string) bool {
	level := l.StreamLevel(streamID)
	return weight(level) >= weight(storage.LevelManage) && level != storage.LevelCreateOnly
}

// CanReadTag reports read capability on a tag.
func (l *Logic) CanReadTag(tag string) bool {
	level := l.TagLevel(tag)
	return weight(level) >= 0 && level != storage.LevelCreateOnly
}

// CanContributeToTag reports create capability on a tag.
func (l *Logic) CanContributeToTag(tag string) bool {
	return weight(l.TagLevel(tag)) >= weight(storage.LevelContribute)
}

// CanDeleteAccess reports whether this access may delete target. Personal
// accesses may delete any. App and shared accesses may delete themselves
// unless self-revocation is forbidden; app accesses may additionally delete
// accesses they created.
func (l *Logic) CanDeleteAccess(target *storage.Access) bool {
	if l.Access.IsPersonal() {
		return true
	}
	if target.ID == l.Access.ID {
		return l.FeatureSetting(storage.FeatureSelfRevoke) != storage.SettingForbidden
	}
	if l.Access.Type == storage.AccessTypeApp {
		return createdByAccess(target, l.Access.ID)
	}
	return false
}

// createdByAccess matches the createdBy stamp, which is either the access id
// or "<accessId> <callerId>".
func createdByAccess(target *storage.Access, accessID string) bool {
	if target.CreatedBy == accessID {
		return true
	}
	return strings.HasPrefix(target.CreatedBy, accessID+" ")
}

// CanCreateAccess reports whether this access may create candidate. Personal
// accesses may create any. App accesses may create shared accesses only, and
// only within their own permissions; create-only levels in this access
// disqualify the whole check.
func (l *Logic) CanCreateAccess(candidate *storage.Access) bool {
	if l.Access.IsPersonal() {
		return true
	}
	if l.Access.Type != storage.AccessTypeApp {
		return false
	}
	if candidate.Type != storage.AccessTypeShared {
		return false
	}
	for _, p := range candidate.Permissions {
		switch {
		case p.StreamID != "":
			own := l.StreamLevel(p.StreamID)
			if own == storage.LevelCreateOnly || weight(own) < weight(p.Level) {
				return false
			}
		case p.Tag != "":
			own := l.TagLevel(p.Tag)
			if own == storage.LevelCreateOnly || weight(own) < weight(p.Level) {
				return false
			}
		}
	}
	return true
}
