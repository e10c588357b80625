package methods

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pryv/open-pryv.io-sub006/internal/audit"
	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/integrity"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

func (reg *Register) registerAccesses() {
	reg.Register("accesses.get", reg.stepAccessesGet)
	reg.Register("accesses.create", reg.stepAccessesCreate)
	reg.Register("accesses.delete", reg.stepAccessesDelete)
}

type accessesGetParams struct {
	IncludeDeletions bool `json:"includeDeletions"`
	IncludeExpired   bool `json:"includeExpired"`
}

// stepAccessesGet lists accesses: a personal token sees all of them, an app
// token only the ones it created.
func (reg *Register) stepAccessesGet(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params accessesGetParams
	if err := decodeParams(p, &params); err != nil {
		return err
	}
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	if l.Access.Type == storage.AccessTypeShared {
		return errs.Forbidden("Shared accesses cannot list accesses.")
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}

	all, err := reg.deps.DB.ListAccesses(ctx, user.ID, params.IncludeDeletions)
	if err != nil {
		return err
	}

	now := storage.NowSeconds()
	var accesses []*storage.Access
	var deletions []*storage.Access
	for _, a := range all {
		if !l.Access.IsPersonal() && !l.CanDeleteAccess(a) && a.ID != l.Access.ID {
			continue
		}
		if a.Deleted != nil {
			deletions = append(deletions, a)
			continue
		}
		if a.IsExpired(now) && !params.IncludeExpired {
			continue
		}
		accesses = append(accesses, a)
	}
	if accesses == nil {
		accesses = []*storage.Access{}
	}
	r["accesses"] = accesses
	if params.IncludeDeletions {
		if deletions == nil {
			deletions = []*storage.Access{}
		}
		r["accessDeletions"] = deletions
	}
	return nil
}

func (reg *Register) stepAccessesCreate(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}

	a, err := decodeAccess(p)
	if err != nil {
		return err
	}
	if a.Name == "" {
		return errs.InvalidParametersFormat("The access must have a name.")
	}
	if a.Type == "" {
		a.Type = storage.AccessTypeShared
	}
	if a.Type == storage.AccessTypePersonal {
		return errs.InvalidOperation("Personal accesses are created on login, not through the API.", nil)
	}
	if a.Type != storage.AccessTypeApp && a.Type != storage.AccessTypeShared {
		return errs.InvalidParametersFormat(fmt.Sprintf("Unknown access type %q.", a.Type))
	}
	if !l.CanCreateAccess(a) {
		return errs.Forbidden("Your access does not cover the requested permissions.")
	}

	now := storage.NowSeconds()
	if a.ID == "" {
		a.ID = storage.NewID()
	} else if !storage.IsValidItemID(a.ID) {
		return errs.InvalidItemID(fmt.Sprintf("The id %q is not a valid item id.", a.ID))
	}
	if a.Token == "" {
		token, err := storage.NewToken()
		if err != nil {
			return err
		}
		a.Token = token
	}
	a.Created = now
	a.CreatedBy = mc.TrackingAuthorID()
	a.Modified = now
	a.ModifiedBy = a.CreatedBy
	if err := reg.stampAccessIntegrity(a); err != nil {
		return err
	}
	if err := reg.deps.DB.CreateAccess(ctx, user.ID, a); err != nil {
		return err
	}
	r["access"] = a
	r[resultAuditRef] = &audit.ResourceRef{Integrity: a.Integrity, Key: integrity.KeyAccess}
	return nil
}

type accessDeleteParams struct {
	ID string `json:"id" validate:"required"`
}

func (reg *Register) stepAccessesDelete(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params accessDeleteParams
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

	target, err := reg.deps.DB.GetAccessByID(ctx, user.ID, params.ID)
	if err != nil {
		return err
	}
	if target == nil || target.Deleted != nil {
		return errs.UnknownResource("access", params.ID)
	}
	if !l.CanDeleteAccess(target) {
		return errs.Forbidden(fmt.Sprintf("You cannot delete access %q.", params.ID))
	}

	if err := reg.deps.DB.DeleteAccess(ctx, user.ID, target.ID); err != nil {
		return err
	}
	if target.IsPersonal() {
		if err := reg.deps.DB.DeleteSession(ctx, target.Token); err != nil {
			reg.deps.Log.Warn("session cleanup on access delete failed", "error", err)
		}
	}
	if err := reg.deps.Cache.UnsetAccessLogic(ctx, user.ID, target.ID, target.Token); err != nil {
		reg.deps.Log.Warn("cache invalidation failed", "error", err)
	}
	r["accessDeletion"] = map[string]any{"id": target.ID, "deleted": storage.NowSeconds()}
	return nil
}

func decodeAccess(p Params) (*storage.Access, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errs.InvalidRequestStructure(err.Error())
	}
	var a storage.Access
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, errs.InvalidRequestStructure("The access does not have the expected shape.")
	}
	return &a, nil
}
