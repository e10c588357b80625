package methods

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pryv/open-pryv.io-sub006/internal/access"
	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/mall"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

func (reg *Register) registerStreams() {
	reg.Register("streams.get", reg.stepStreamsGet)
	reg.Register("streams.create", reg.stepStreamsCreate)
	reg.Register("streams.update", reg.stepStreamsUpdate)
	reg.Register("streams.delete", reg.stepStreamsDelete)
}

type streamsGetParams struct {
	ID                    string   `json:"id"`
	ParentID              string   `json:"parentId"`
	State                 string   `json:"state" validate:"omitempty,oneof=default all"`
	IncludeDeletionsSince *float64 `json:"includeDeletionsSince"`
}

func (reg *Register) stepStreamsGet(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params streamsGetParams
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

	q := storage.StreamsQuery{
		ID:                    params.ID,
		ParentID:              params.ParentID,
		ExpandChildren:        true,
		IncludeDeletionsSince: params.IncludeDeletionsSince,
	}
	if q.ID == "" && q.ParentID == "" {
		q.ParentID = "*"
	}
	// Personal tokens see trashed children regardless of state; others only
	// on state=all.
	includeTrashed := params.State == "all" || l.Access.IsPersonal()
	q.IncludeTrashed = includeTrashed

	forest, err := reg.deps.Mall.GetStreams(ctx, user.ID, q)
	if err != nil {
		return err
	}

	var deletions []*storage.Stream
	kept := forest[:0:0]
	for _, st := range forest {
		if st.Deleted != nil {
			deletions = append(deletions, st)
			continue
		}
		kept = append(kept, st)
	}
	kept = listableForest(l, kept)

	r["streams"] = kept
	if params.IncludeDeletionsSince != nil {
		if deletions == nil {
			deletions = []*storage.Stream{}
		}
		r["streamDeletions"] = deletions
	}
	return nil
}

// listableForest prunes a forest to the streams the access can list,
// hoisting permitted subtrees of unreadable parents to the surface level.
func listableForest(l *access.Logic, forest []*storage.Stream) []*storage.Stream {
	var out []*storage.Stream
	for _, st := range forest {
		if l.CanListStream(st.ID) {
			st.Children = listableForest(l, st.Children)
			out = append(out, st)
			continue
		}
		out = append(out, listableForest(l, st.Children)...)
	}
	if out == nil {
		out = []*storage.Stream{}
	}
	return out
}

func (reg *Register) stepStreamsCreate(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}

	st, err := decodeStream(p)
	if err != nil {
		return err
	}
	if st.Name == "" {
		return errs.InvalidParametersFormat("The stream must have a name.")
	}
	if st.ID != "" && !storage.IsValidItemID(st.ID) {
		return errs.InvalidItemID(fmt.Sprintf("The id %q is not a valid item id.", st.ID))
	}
	target := "*"
	if st.ParentID != nil {
		target = *st.ParentID
	}
	if !l.CanManageStream(target) {
		return errs.Forbidden(fmt.Sprintf("You cannot create streams under %q.", target))
	}

	now := storage.NowSeconds()
	if st.ID == "" {
		st.ID = storage.NewID()
	}
	st.Created = now
	st.CreatedBy = mc.TrackingAuthorID()
	st.Modified = now
	st.ModifiedBy = st.CreatedBy
	if err := reg.deps.Mall.CreateStream(ctx, user.ID, st); err != nil {
		return err
	}
	if err := reg.deps.Cache.UnsetStreams(ctx, user.ID); err != nil {
		reg.deps.Log.Warn("cache invalidation failed", "error", err)
	}
	r["stream"] = st
	return nil
}

type streamUpdateParams struct {
	ID     string         `json:"id" validate:"required"`
	Update map[string]any `json:"update" validate:"required"`
}

func (reg *Register) stepStreamsUpdate(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params streamUpdateParams
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
	if !l.CanManageStream(params.ID) {
		return errs.Forbidden(fmt.Sprintf("You cannot modify stream %q.", params.ID))
	}
	st, err := reg.loadStream(ctx, user.ID, params.ID)
	if err != nil {
		return err
	}

	if err := applyStreamUpdate(st, params.Update); err != nil {
		return err
	}
	if st.ParentID != nil && !l.CanManageStream(*st.ParentID) {
		return errs.Forbidden(fmt.Sprintf("You cannot move streams under %q.", *st.ParentID))
	}

	st.Modified = storage.NowSeconds()
	st.ModifiedBy = mc.TrackingAuthorID()
	st.Children = nil
	if err := reg.deps.Mall.UpdateStream(ctx, user.ID, st); err != nil {
		return err
	}
	if err := reg.deps.Cache.UnsetStreams(ctx, user.ID); err != nil {
		reg.deps.Log.Warn("cache invalidation failed", "error", err)
	}
	r["stream"] = st
	return nil
}

type streamDeleteParams struct {
	ID                    string `json:"id" validate:"required"`
	MergeEventsWithParent *bool  `json:"mergeEventsWithParent"`
}

// stepStreamsDelete trashes a live stream; deleting an already trashed one
// requires deciding the fate of the events in its subtree.
func (reg *Register) stepStreamsDelete(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params streamDeleteParams
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
	if !l.CanManageStream(params.ID) {
		return errs.Forbidden(fmt.Sprintf("You cannot delete stream %q.", params.ID))
	}
	st, err := reg.loadStream(ctx, user.ID, params.ID)
	if err != nil {
		return err
	}

	if !st.Trashed {
		st.Trashed = true
		st.Modified = storage.NowSeconds()
		st.ModifiedBy = mc.TrackingAuthorID()
		st.Children = nil
		if err := reg.deps.Mall.UpdateStream(ctx, user.ID, st); err != nil {
			return err
		}
		if err := reg.deps.Cache.UnsetStreams(ctx, user.ID); err != nil {
			reg.deps.Log.Warn("cache invalidation failed", "error", err)
		}
		r["stream"] = st
		return nil
	}

	subtree := collectStreamIDs(st)
	events, err := reg.deps.Mall.GetEvents(ctx, user.ID, mall.EventsQuery{
		EventsQuery: storage.EventsQuery{
			Streams:        []storage.StreamQueryBlock{{Any: subtree}},
			IncludeTrashed: true,
		},
	})
	if err != nil {
		return err
	}
	if len(events) > 0 {
		if params.MergeEventsWithParent == nil {
			return errs.InvalidParametersFormat(
				"There are events in the stream to delete: set \"mergeEventsWithParent\" to decide their fate.")
		}
		if *params.MergeEventsWithParent {
			if st.ParentID == nil {
				return errs.InvalidOperation("Cannot merge events into the parent of a root stream.", nil)
			}
			if err := reg.reparentEvents(ctx, mc, user.ID, events, subtree, *st.ParentID); err != nil {
				return err
			}
		} else {
			for _, e := range events {
				if err := reg.deps.Mall.DeleteEvent(ctx, user.ID, e.ID); err != nil {
					return err
				}
			}
		}
	}

	if err := reg.deps.Mall.DeleteStream(ctx, user.ID, st.ID); err != nil {
		return err
	}
	if err := reg.deps.Cache.UnsetStreams(ctx, user.ID); err != nil {
		reg.deps.Log.Warn("cache invalidation failed", "error", err)
	}
	r["streamDeletion"] = map[string]any{"id": st.ID, "deleted": storage.NowSeconds()}
	return nil
}

// reparentEvents moves events out of a deleted subtree into the parent
// stream, dropping the subtree's ids from their memberships.
func (reg *Register) reparentEvents(ctx context.Context, mc *MethodContext, userID string, events []*storage.Event, subtree []string, parentID string) error {
	gone := make(map[string]bool, len(subtree))
	for _, id := range subtree {
		gone[id] = true
	}
	for _, e := range events {
		kept := e.StreamIDs[:0:0]
		for _, id := range e.StreamIDs {
			if !gone[id] {
				kept = append(kept, id)
			}
		}
		if !containsString(kept, parentID) {
			kept = append(kept, parentID)
		}
		e.StreamIDs = kept
		e.Modified = storage.NowSeconds()
		e.ModifiedBy = mc.TrackingAuthorID()
		if err := stampEventIntegrity(e); err != nil {
			return err
		}
		if err := reg.deps.Mall.UpdateEvent(ctx, userID, e); err != nil {
			return err
		}
	}
	return nil
}

// loadStream fetches one stream subtree by full id.
func (reg *Register) loadStream(ctx context.Context, userID, id string) (*storage.Stream, error) {
	streams, err := reg.deps.Mall.GetStreams(ctx, userID, storage.StreamsQuery{
		ID:             id,
		ExpandChildren: true,
		IncludeTrashed: true,
	})
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 || streams[0].Deleted != nil {
		return nil, errs.UnknownResource("stream", id)
	}
	return streams[0], nil
}

func collectStreamIDs(st *storage.Stream) []string {
	out := []string{st.ID}
	for _, c := range st.Children {
		out = append(out, collectStreamIDs(c)...)
	}
	return out
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func decodeStream(p Params) (*storage.Stream, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errs.InvalidRequestStructure(err.Error())
	}
	var st storage.Stream
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, errs.InvalidRequestStructure("The stream does not have the expected shape.")
	}
	return &st, nil
}

func applyStreamUpdate(st *storage.Stream, update map[string]any) error {
	b, err := json.Marshal(update)
	if err != nil {
		return errs.InvalidRequestStructure(err.Error())
	}
	var fields struct {
		Name           *string         `json:"name"`
		ParentID       *string         `json:"parentId"`
		ClientData     *map[string]any `json:"clientData"`
		Trashed        *bool           `json:"trashed"`
		SingleActivity *bool           `json:"singleActivity"`
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		return errs.InvalidRequestStructure("The update does not have the expected shape.")
	}
	if fields.Name != nil {
		st.Name = *fields.Name
	}
	if _, present := update["parentId"]; present {
		if fields.ParentID == nil || *fields.ParentID == "*" {
			st.ParentID = nil
		} else {
			st.ParentID = fields.ParentID
		}
	}
	if fields.ClientData != nil {
		st.ClientData = *fields.ClientData
	}
	if fields.Trashed != nil {
		st.Trashed = *fields.Trashed
	}
	if fields.SingleActivity != nil {
		st.SingleActivity = *fields.SingleActivity
	}
	return nil
}
