package methods

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pryv/open-pryv.io-sub006/internal/access"
	"github.com/pryv/open-pryv.io-sub006/internal/audit"
	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/integrity"
	"github.com/pryv/open-pryv.io-sub006/internal/mall"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

func (reg *Register) registerEvents() {
	reg.Register("events.get", reg.stepEventsGet)
	reg.Register("events.getOne", reg.stepEventsGetOne)
	reg.Register("events.create", reg.stepEventsCreate)
	reg.Register("events.update", reg.stepEventsUpdate)
	reg.Register("events.delete", reg.stepEventsDelete)
}

type eventsGetParams struct {
	Streams          any      `json:"streams"`
	Tags             []string `json:"tags"`
	Types            []string `json:"types"`
	FromTime         *float64 `json:"fromTime"`
	ToTime           *float64 `json:"toTime"`
	Running          bool     `json:"running"`
	SortAscending    bool     `json:"sortAscending"`
	Skip             int      `json:"skip" validate:"gte=0"`
	Limit            int      `json:"limit" validate:"gte=0"`
	State            string   `json:"state" validate:"omitempty,oneof=default trashed all"`
	ModifiedSince    *float64 `json:"modifiedSince"`
	IncludeDeletions bool     `json:"includeDeletions"`
}

func (reg *Register) stepEventsGet(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params eventsGetParams
	if err := decodeParams(p, &params); err != nil {
		return err
	}
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}

	blocks, err := parseStreamsParam(params.Streams)
	if err != nil {
		return err
	}
	if err := checkReadableBlocks(l, blocks); err != nil {
		return err
	}
	for _, tag := range params.Tags {
		if !l.CanReadTag(tag) {
			return errs.Forbidden(fmt.Sprintf("You cannot read events with tag %q.", tag))
		}
	}
	if len(blocks) == 0 && !l.Access.IsPersonal() {
		forest, err := mc.Forest(ctx, user.ID)
		if err != nil {
			return err
		}
		readable := readableStreamIDs(l, forest)
		if len(readable) == 0 {
			r["events"] = []*storage.Event{}
			return nil
		}
		blocks = []storage.StreamQueryBlock{{Any: readable}}
	}

	q := mall.EventsQuery{
		EventsQuery: storage.EventsQuery{
			Streams:          blocks,
			Types:            params.Types,
			FromTime:         params.FromTime,
			ToTime:           params.ToTime,
			Running:          params.Running,
			ModifiedSince:    params.ModifiedSince,
			IncludeDeletions: params.IncludeDeletions && params.ModifiedSince != nil,
			IncludeTrashed:   params.State == "trashed" || params.State == "all",
			SortAscending:    params.SortAscending,
		},
		Limit: params.Limit,
		Skip:  params.Skip,
	}
	events, err := reg.deps.Mall.GetEvents(ctx, user.ID, q)
	if err != nil {
		return err
	}

	kept := make([]*storage.Event, 0, len(events))
	var deletions []*storage.Event
	for _, e := range events {
		if e.Deleted != nil {
			deletions = append(deletions, e)
			continue
		}
		if isPrivateEvent(e) {
			continue
		}
		if params.State == "trashed" && !e.Trashed {
			continue
		}
		if len(params.Tags) > 0 && !hasAnyTag(e, params.Tags) {
			continue
		}
		kept = append(kept, e)
	}
	r["events"] = kept
	if q.IncludeDeletions {
		if deletions == nil {
			deletions = []*storage.Event{}
		}
		r["eventDeletions"] = deletions
	}
	return nil
}

type eventGetOneParams struct {
	ID string `json:"id" validate:"required"`
}

func (reg *Register) stepEventsGetOne(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params eventGetOneParams
	if err := decodeParams(p, &params); err != nil {
		return err
	}
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}
	e, err := reg.deps.Mall.GetEvent(ctx, user.ID, params.ID)
	if err != nil {
		return err
	}
	if e == nil || e.Deleted != nil || isPrivateEvent(e) {
		return errs.UnknownResource("event", params.ID)
	}
	if !canReadEvent(l, e) {
		return errs.Forbidden("")
	}
	r["event"] = e
	return nil
}

func isSystemStreamID(id string) bool {
	return strings.HasPrefix(id, ":system:") || strings.HasPrefix(id, ":_system:")
}

// isPrivateEvent reports whether an event lives only in private system
// streams (":_system:" prefix); those never surface through the API.
func isPrivateEvent(e *storage.Event) bool {
	for _, id := range e.StreamIDs {
		if !strings.HasPrefix(id, ":_system:") {
			return false
		}
	}
	return len(e.StreamIDs) > 0
}

func (reg *Register) stepEventsCreate(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}

	e, err := decodeEvent(p)
	if err != nil {
		return err
	}
	if len(e.StreamIDs) == 0 {
		return errs.InvalidParametersFormat("The event must reference at least one stream.")
	}
	if e.Type == "" {
		return errs.InvalidParametersFormat("The event must have a type.")
	}
	if e.ID != "" && !storage.IsValidItemID(e.ID) {
		return errs.InvalidItemID(fmt.Sprintf("The id %q is not a valid item id.", e.ID))
	}
	for _, streamID := range e.StreamIDs {
		if isSystemStreamID(streamID) {
			return errs.InvalidOperation(
				fmt.Sprintf("Stream %q is a system stream: use the account methods instead.", streamID), nil)
		}
		if !l.CanContributeToStream(streamID) {
			return errs.Forbidden(fmt.Sprintf("You cannot create events in stream %q.", streamID))
		}
	}
	if err := reg.checkStreamsExist(ctx, mc, user.ID, e.StreamIDs); err != nil {
		return err
	}

	now := storage.NowSeconds()
	if e.ID == "" {
		e.ID = storage.NewID()
	}
	if e.Time == 0 {
		e.Time = now
	}
	e.Created = now
	e.CreatedBy = mc.TrackingAuthorID()
	e.Modified = now
	e.ModifiedBy = e.CreatedBy
	if err := stampEventIntegrity(e); err != nil {
		return err
	}
	if err := reg.deps.Mall.CreateEvent(ctx, user.ID, e); err != nil {
		return err
	}
	r["event"] = e
	r[resultAuditRef] = &audit.ResourceRef{Integrity: e.Integrity, Key: integrity.KeyEvent}
	return nil
}

type eventUpdateParams struct {
	ID     string         `json:"id" validate:"required"`
	Update map[string]any `json:"update" validate:"required"`
}

func (reg *Register) stepEventsUpdate(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params eventUpdateParams
	if err := decodeParams(p, &params); err != nil {
		return err
	}
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}
	e, err := reg.loadWritableEvent(ctx, user.ID, l, params.ID)
	if err != nil {
		return err
	}

	if err := applyEventUpdate(e, params.Update); err != nil {
		return err
	}
	if len(e.StreamIDs) == 0 {
		return errs.InvalidParametersFormat("The event must reference at least one stream.")
	}
	// New stream targets need write permission too.
	for _, streamID := range e.StreamIDs {
		if isSystemStreamID(streamID) {
			return errs.InvalidOperation(
				fmt.Sprintf("Stream %q is a system stream: use the account methods instead.", streamID), nil)
		}
		if !l.CanUpdateStream(streamID) {
			return errs.Forbidden(fmt.Sprintf("You cannot move events into stream %q.", streamID))
		}
	}
	if err := reg.checkStreamsExist(ctx, mc, user.ID, e.StreamIDs); err != nil {
		return err
	}

	e.Modified = storage.NowSeconds()
	e.ModifiedBy = mc.TrackingAuthorID()
	if err := stampEventIntegrity(e); err != nil {
		return err
	}
	if err := reg.deps.Mall.UpdateEvent(ctx, user.ID, e); err != nil {
		return err
	}
	r["event"] = e
	r[resultAuditRef] = &audit.ResourceRef{Integrity: e.Integrity, Key: integrity.KeyEvent}
	return nil
}

func (reg *Register) stepEventsDelete(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params eventGetOneParams
	if err := decodeParams(p, &params); err != nil {
		return err
	}
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}
	e, err := reg.loadWritableEvent(ctx, user.ID, l, params.ID)
	if err != nil {
		return err
	}

	if !e.Trashed {
		e.Trashed = true
		e.Modified = storage.NowSeconds()
		e.ModifiedBy = mc.TrackingAuthorID()
		if err := stampEventIntegrity(e); err != nil {
			return err
		}
		if err := reg.deps.Mall.UpdateEvent(ctx, user.ID, e); err != nil {
			return err
		}
		r["event"] = e
		r[resultAuditRef] = &audit.ResourceRef{Integrity: e.Integrity, Key: integrity.KeyEvent}
		return nil
	}

	if err := reg.deps.Mall.DeleteEvent(ctx, user.ID, e.ID); err != nil {
		return err
	}
	r["eventDeletion"] = map[string]any{"id": e.ID, "deleted": storage.NowSeconds()}
	return nil
}

// loadWritableEvent fetches an event and checks write permission on every
// stream it is currently in.
func (reg *Register) loadWritableEvent(ctx context.Context, userID string, l *access.Logic, id string) (*storage.Event, error) {
	e, err := reg.deps.Mall.GetEvent(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if e == nil || e.Deleted != nil {
		return nil, errs.UnknownResource("event", id)
	}
	for _, streamID := range e.StreamIDs {
		if isSystemStreamID(streamID) {
			return nil, errs.InvalidOperation(
				fmt.Sprintf("Stream %q is a system stream: use the account methods instead.", streamID), nil)
		}
		if !l.CanUpdateStream(streamID) {
			return nil, errs.Forbidden(fmt.Sprintf("You cannot modify events in stream %q.", streamID))
		}
	}
	return e, nil
}

// checkStreamsExist verifies every referenced stream against the forest.
func (reg *Register) checkStreamsExist(ctx context.Context, mc *MethodContext, userID string, streamIDs []string) error {
	forest, err := mc.Forest(ctx, userID)
	if err != nil {
		return err
	}
	known := make(map[string]bool)
	var walk func([]*storage.Stream)
	walk = func(streams []*storage.Stream) {
		for _, st := range streams {
			known[st.ID] = true
			walk(st.Children)
		}
	}
	walk(forest)
	for _, id := range streamIDs {
		if !known[id] {
			return errs.UnknownReferencedResource("stream", id)
		}
	}
	return nil
}

// canReadEvent checks stream readability with the tag symmetry rule: a tag
// read permission also grants reading events carrying that tag.
func canReadEvent(l *access.Logic, e *storage.Event) bool {
	for _, streamID := range e.StreamIDs {
		if l.CanReadStream(streamID) {
			return true
		}
	}
	for _, tag := range e.Tags {
		if l.CanReadTag(tag) {
			return true
		}
	}
	return false
}

// parseStreamsParam accepts either an array of stream ids (one OR-block) or
// an array of {any, all, not} blocks.
func parseStreamsParam(raw any) ([]storage.StreamQueryBlock, error) {
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errs.InvalidParametersFormat("\"streams\" must be an array of stream ids or query blocks.")
	}
	if len(items) == 0 {
		return nil, nil
	}
	if _, ok := items[0].(string); ok {
		ids := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return nil, errs.InvalidParametersFormat("\"streams\" mixes ids and query blocks.")
			}
			ids = append(ids, s)
		}
		return []storage.StreamQueryBlock{{Any: ids}}, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errs.InvalidRequestStructure(err.Error())
	}
	var blocks []storage.StreamQueryBlock
	if err := json.Unmarshal(b, &blocks); err != nil {
		return nil, errs.InvalidParametersFormat("\"streams\" must be an array of stream ids or query blocks.")
	}
	return blocks, nil
}

// checkReadableBlocks rejects the query when a requested stream is not
// readable by the access. Exclusions (Not) need no permission.
func checkReadableBlocks(l *access.Logic, blocks []storage.StreamQueryBlock) error {
	for _, b := range blocks {
		for _, id := range append(append([]string{}, b.Any...), b.All...) {
			if id == "*" {
				if !l.CanReadStream("*") {
					return errs.Forbidden("You cannot read all streams with the given access.")
				}
				continue
			}
			if !l.CanReadStream(id) {
				return errs.Forbidden(fmt.Sprintf("You cannot read events of stream %q.", id))
			}
		}
	}
	return nil
}

// readableStreamIDs collects the full ids the access can read from a forest.
func readableStreamIDs(l *access.Logic, forest []*storage.Stream) []string {
	var out []string
	var walk func([]*storage.Stream)
	walk = func(streams []*storage.Stream) {
		for _, st := range streams {
			if l.CanReadStream(st.ID) {
				out = append(out, st.ID)
			}
			walk(st.Children)
		}
	}
	walk(forest)
	return out
}

func hasAnyTag(e *storage.Event, tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// decodeEvent maps loose params onto an Event through its JSON codec, which
// keeps the null-duration (running) handling in one place.
func decodeEvent(p Params) (*storage.Event, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errs.InvalidRequestStructure(err.Error())
	}
	var e storage.Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errs.InvalidRequestStructure("The event does not have the expected shape.")
	}
	return &e, nil
}

// applyEventUpdate merges an update map onto an event field by field. The
// duration key is tri-state: absent keeps, null marks running, a number sets
// a finite duration.
func applyEventUpdate(e *storage.Event, update map[string]any) error {
	b, err := json.Marshal(update)
	if err != nil {
		return errs.InvalidRequestStructure(err.Error())
	}
	var fields struct {
		StreamIDs   *[]string       `json:"streamIds"`
		Type        *string         `json:"type"`
		Content     json.RawMessage `json:"content"`
		Time        *float64        `json:"time"`
		Duration    json.RawMessage `json:"duration"`
		Tags        *[]string       `json:"tags"`
		Description *string         `json:"description"`
		ClientData  *map[string]any `json:"clientData"`
		Trashed     *bool           `json:"trashed"`
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		return errs.InvalidRequestStructure("The update does not have the expected shape.")
	}
	if fields.StreamIDs != nil {
		e.StreamIDs = *fields.StreamIDs
	}
	if fields.Type != nil {
		e.Type = *fields.Type
	}
	if _, present := update["content"]; present {
		var content any
		if err := json.Unmarshal(fields.Content, &content); err != nil {
			return errs.InvalidRequestStructure("The update content is not valid JSON.")
		}
		e.Content = content
	}
	if fields.Time != nil {
		e.Time = *fields.Time
	}
	if _, present := update["duration"]; present {
		if string(fields.Duration) == "null" {
			e.Running = true
			e.Duration = 0
		} else {
			var d float64
			if err := json.Unmarshal(fields.Duration, &d); err != nil {
				return errs.InvalidParametersFormat("\"duration\" must be a number or null.")
			}
			e.Running = false
			e.Duration = d
		}
	}
	if fields.Tags != nil {
		e.Tags = *fields.Tags
	}
	if fields.Description != nil {
		e.Description = *fields.Description
	}
	if fields.ClientData != nil {
		e.ClientData = *fields.ClientData
	}
	if fields.Trashed != nil {
		e.Trashed = *fields.Trashed
	}
	return nil
}

func stampEventIntegrity(e *storage.Event) error {
	digest, err := integrity.Event(e)
	if err != nil {
		return err
	}
	e.Integrity = digest
	return nil
}
