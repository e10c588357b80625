// Package systemstreams declares the account fields modelled as system
// streams and keeps the per-field event trail in sync with the user record.
// Each account field lives in its own system stream; the current value is the
// single event also tagged with the active marker stream, previous values
// stay as inactive events for the audit trail.
package systemstreams

import (
	"context"
	"fmt"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/integrity"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

// ActiveMarker is the system stream tagging the currently active event of
// each account field.
const ActiveMarker = ":_system:active"

// Declaration describes one account field and its system stream.
type Declaration struct {
	Field                  string
	StreamID               string
	Type                   string
	IsIndexed              bool
	IsUnique               bool
	IsShown                bool
	IsEditable             bool
	IsRequiredInValidation bool
	Default                any
}

// Declarations is the fixed set of account fields, in a stable order.
var Declarations = []Declaration{
	{
		Field: "username", StreamID: ":system:username", Type: "identifier/string",
		IsIndexed: true, IsUnique: true, IsShown: true,
		IsRequiredInValidation: true,
	},
	{
		Field: "language", StreamID: ":system:language", Type: "language/iso-639-1",
		IsShown: true, IsEditable: true, Default: "en",
	},
	{
		Field: "email", StreamID: ":system:email", Type: "email/string",
		IsIndexed: true, IsUnique: true, IsShown: true, IsEditable: true,
		IsRequiredInValidation: true,
	},
	{
		Field: "passwordHash", StreamID: ":_system:passwordHash", Type: "password-hash/string",
		IsEditable: true,
	},
	{
		Field: "invitationToken", StreamID: ":_system:invitationToken", Type: "token/string",
		IsIndexed: true,
	},
}

// ByField returns the declaration for a field name.
func ByField(field string) (Declaration, bool) {
	for _, d := range Declarations {
		if d.Field == field {
			return d, true
		}
	}
	return Declaration{}, false
}

// Repository maintains account fields as user record plus system-stream
// events.
type Repository struct {
	db       storage.Database
	accounts *storage.UserAccountStorage
}

// NewRepository creates a Repository over the primary store.
func NewRepository(db storage.Database, accounts *storage.UserAccountStorage) *Repository {
	return &Repository{db: db, accounts: accounts}
}

// fieldValue extracts a declared field's value from the user record.
func fieldValue(u *storage.User, field string) string {
	switch field {
	case "username":
		return u.Username
	case "language":
		return u.Language
	case "email":
		return u.Email
	case "passwordHash":
		return u.PasswordHash
	case "invitationToken":
		return u.InvitationToken
	}
	return ""
}

// CreateUser validates required fields, writes the user record and one
// active event per declared field. Unique conflicts surface as
// item-already-exists with the conflicting field in data.
func (r *Repository) CreateUser(ctx context.Context, user *storage.User) error {
	for _, d := range Declarations {
		v := fieldValue(user, d.Field)
		if v == "" {
			if d.IsRequiredInValidation {
				return errs.InvalidParametersFormat(fmt.Sprintf("Missing required field %q.", d.Field))
			}
			if s, ok := d.Default.(string); ok {
				setFieldValue(user, d.Field, s)
			}
		}
	}

	if err := r.db.CreateUser(ctx, user); err != nil {
		return err
	}

	now := storage.NowSeconds()
	for _, d := range Declarations {
		v := fieldValue(user, d.Field)
		if v == "" {
			continue
		}
		if err := r.writeFieldEvent(ctx, user.ID, d, v, now); err != nil {
			return err
		}
	}
	if user.PasswordHash != "" {
		if err := r.accounts.AddPasswordHash(ctx, user.ID, now, user.PasswordHash); err != nil {
			return err
		}
	}
	return nil
}

func setFieldValue(u *storage.User, field, value string) {
	switch field {
	case "username":
		u.Username = value
	case "language":
		u.Language = value
	case "email":
		u.Email = value
	case "passwordHash":
		u.PasswordHash = value
	case "invitationToken":
		u.InvitationToken = value
	}
}

func (r *Repository) writeFieldEvent(ctx context.Context, userID string, d Declaration, value string, now float64) error {
	e := &storage.Event{
		ID:         storage.NewID(),
		StreamIDs:  []string{d.StreamID, ActiveMarker},
		Type:       d.Type,
		Content:    value,
		Time:       now,
		Created:    now,
		CreatedBy:  "system",
		Modified:   now,
		ModifiedBy: "system",
	}
	digest, err := integrity.Event(e)
	if err != nil {
		return err
	}
	e.Integrity = digest
	return r.db.CreateEvent(ctx, userID, e)
}

// UpdateField writes the new value: the user record is updated, the previous
// active event loses the active marker and a fresh active event is appended.
func (r *Repository) UpdateField(ctx context.Context, userID, field, value, authorID string) error {
	d, ok := ByField(field)
	if !ok {
		return errs.InvalidParametersFormat(fmt.Sprintf("Unknown account field %q.", field))
	}
	if !d.IsEditable {
		return errs.InvalidOperation(fmt.Sprintf("Account field %q is not editable.", field), nil)
	}

	user, err := r.db.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return errs.UnknownResource("user", userID)
	}
	setFieldValue(user, field, value)
	if err := r.db.UpdateUser(ctx, user); err != nil {
		// Unique conflicts carry the attempted field/value pair.
		if errs.Coerce(err).ID == errs.IDItemAlreadyExists {
			return errs.ItemAlreadyExists("user", map[string]any{field: value})
		}
		return err
	}

	now := storage.NowSeconds()
	if err := r.deactivateCurrent(ctx, userID, d, authorID, now); err != nil {
		return err
	}
	if err := r.writeFieldEvent(ctx, userID, d, value, now); err != nil {
		return err
	}
	if field == "passwordHash" {
		return r.accounts.AddPasswordHash(ctx, userID, now, value)
	}
	return nil
}

func (r *Repository) deactivateCurrent(ctx context.Context, userID string, d Declaration, authorID string, now float64) error {
	active, err := r.activeFieldEvents(ctx, userID, d.StreamID)
	if err != nil {
		return err
	}
	for _, e := range active {
		e.StreamIDs = withoutID(e.StreamIDs, ActiveMarker)
		e.Modified = now
		e.ModifiedBy = authorID
		digest, err := integrity.Event(e)
		if err != nil {
			return err
		}
		e.Integrity = digest
		if err := r.db.UpdateEvent(ctx, userID, e); err != nil {
			return err
		}
	}
	return nil
}

func withoutID(ids []string, remove string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != remove {
			out = append(out, id)
		}
	}
	return out
}

func (r *Repository) activeFieldEvents(ctx context.Context, userID, streamID string) ([]*storage.Event, error) {
	return r.db.GetEvents(ctx, userID, storage.EventsQuery{
		Streams: []storage.StreamQueryBlock{{Any: []string{streamID}, All: []string{ActiveMarker}}},
	})
}

// AccountInfo returns the shown account fields from the active events.
func (r *Repository) AccountInfo(ctx context.Context, userID string) (map[string]any, error) {
	info := make(map[string]any)
	for _, d := range Declarations {
		if !d.IsShown {
			continue
		}
		active, err := r.activeFieldEvents(ctx, userID, d.StreamID)
		if err != nil {
			return nil, err
		}
		if len(active) > 0 {
			info[d.Field] = active[0].Content
		}
	}
	return info, nil
}
