// Package storage defines the domain model and the persistence layer for
// accounts, accesses, sessions, streams and events. The primary document
// store has SQLite and PostgreSQL implementations behind the Database
// interface; per-user password history and key/value data live in
// UserAccountStorage.
package storage

import (
	"encoding/json"
	"math"
	"time"
)

// nowSeconds returns the current time as epoch seconds with sub-second
// precision, the unit used for every timestamp in the model.
func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// NowSeconds is nowSeconds for callers outside the package.
func NowSeconds() float64 { return nowSeconds() }

// Access types.
const (
	AccessTypePersonal = "personal"
	AccessTypeApp      = "app"
	AccessTypeShared   = "shared"
)

// Permission levels.
const (
	LevelRead       = "read"
	LevelCreateOnly = "create-only"
	LevelContribute = "contribute"
	LevelManage     = "manage"
)

// Feature permissions.
const (
	FeatureSelfRevoke = "selfRevoke"
	SettingForbidden  = "forbidden"
)

// User is an account holder. Timestamps are seconds since epoch.
type User struct {
	ID              string  `json:"id"`
	Username        string  `json:"username"`
	Email           string  `json:"email"`
	Language        string  `json:"language"`
	PasswordHash    string  `json:"-"`
	InvitationToken string  `json:"-"`
	Created         float64 `json:"created"`
}

// Stream is a node in a user's rooted stream forest.
type Stream struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	ParentID       *string        `json:"parentId"`
	ClientData     map[string]any `json:"clientData,omitempty"`
	Trashed        bool           `json:"trashed,omitempty"`
	SingleActivity bool           `json:"singleActivity,omitempty"`
	Created        float64        `json:"created"`
	CreatedBy      string         `json:"createdBy"`
	Modified       float64        `json:"modified"`
	ModifiedBy     string         `json:"modifiedBy"`
	Children       []*Stream      `json:"children,omitempty"`
	Deleted        *float64       `json:"deleted,omitempty"`
}

// Attachment references a binary blob stored on disk.
type Attachment struct {
	ID        string `json:"id"`
	FileName  string `json:"fileName"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	ReadToken string `json:"readToken,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// Event is a time-stamped record attached to one or more streams of a single
// store. Duration semantics: a running event (open interval) has Running set
// and serializes duration as null; a zero Duration with Running unset is
// instantaneous and the duration field is omitted.
type Event struct {
	ID          string         `json:"id"`
	StreamIDs   []string       `json:"streamIds"`
	Type        string         `json:"type"`
	Content     any            `json:"content,omitempty"`
	Time        float64        `json:"time"`
	Duration    float64        `json:"-"`
	Running     bool           `json:"-"`
	Tags        []string       `json:"tags,omitempty"`
	Description string         `json:"description,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ClientData  map[string]any `json:"clientData,omitempty"`
	Trashed     bool           `json:"trashed,omitempty"`
	Integrity   string         `json:"integrity,omitempty"`
	Created     float64        `json:"created"`
	CreatedBy   string         `json:"createdBy"`
	Modified    float64        `json:"modified"`
	ModifiedBy  string         `json:"modifiedBy"`
	Deleted     *float64       `json:"deleted,omitempty"`
}

// EndTime returns the end of the event's interval. Running events end at
// +Inf, instantaneous events at Time.
func (e *Event) EndTime() float64 {
	if e.Running {
		return math.Inf(1)
	}
	return e.Time + e.Duration
}

// Overlaps reports whether the [Time, EndTime) intervals of two events
// intersect. Instantaneous events overlap when they fall strictly inside
// another event's interval.
func (e *Event) Overlaps(other *Event) bool {
	return e.Time < other.EndTime() && other.Time < e.EndTime()
}

type eventAlias Event

type eventJSON struct {
	eventAlias
	DurationField *float64 `json:"duration,omitempty"`
}

// MarshalJSON encodes duration as null when running and omits it when zero.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{eventAlias: eventAlias(e)}
	if e.Running {
		// json cannot emit an explicit null through omitempty; marshal the
		// alias then splice the field in.
		b, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return spliceNullDuration(b)
	}
	if e.Duration != 0 {
		d := e.Duration
		out.DurationField = &d
	}
	return json.Marshal(out)
}

func spliceNullDuration(b []byte) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m["duration"] = json.RawMessage("null")
	return json.Marshal(m)
}

// UnmarshalJSON distinguishes an explicit null duration (running) from an
// absent or zero one (instantaneous).
func (e *Event) UnmarshalJSON(data []byte) error {
	var out eventJSON
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*e = Event(out.eventAlias)
	var probe struct {
		Duration json.RawMessage `json:"duration"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch {
	case string(probe.Duration) == "null":
		e.Running = true
		e.Duration = 0
	case out.DurationField != nil:
		e.Duration = *out.DurationField
	}
	return nil
}

// Permission is one capability entry of an access: a stream permission
// {streamId, level}, a tag permission {tag, level} or a feature permission
// {feature, setting}.
type Permission struct {
	StreamID string `json:"streamId,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Level    string `json:"level,omitempty"`
	Feature  string `json:"feature,omitempty"`
	Setting  string `json:"setting,omitempty"`
}

// Access is a token plus permissions authorizing one client to act on a
// user's data.
type Access struct {
	ID          string         `json:"id"`
	Token       string         `json:"token,omitempty"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	DeviceName  string         `json:"deviceName,omitempty"`
	Permissions []Permission   `json:"permissions,omitempty"`
	Expires     *float64       `json:"expires,omitempty"`
	ClientData  map[string]any `json:"clientData,omitempty"`
	Created     float64        `json:"created"`
	CreatedBy   string         `json:"createdBy"`
	Modified    float64        `json:"modified"`
	ModifiedBy  string         `json:"modifiedBy"`
	Deleted     *float64       `json:"deleted,omitempty"`
	Integrity   string         `json:"integrity,omitempty"`
}

// IsPersonal reports whether the access is a personal one (implicit
// manage-everything).
func (a *Access) IsPersonal() bool { return a.Type == AccessTypePersonal }

// IsExpired reports whether the access has an expiry in the past.
func (a *Access) IsExpired(now float64) bool {
	return a.Expires != nil && *a.Expires < now
}

// Session maps a personal token to a username/app pair with a TTL.
type Session struct {
	Token    string  `json:"token"`
	Username string  `json:"username"`
	AppID    string  `json:"appId"`
	Created  float64 `json:"created"`
	Expires  float64 `json:"expires"`
}
