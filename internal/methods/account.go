package methods

import (
	"context"
	"encoding/json"

	"golang.org/x/crypto/bcrypt"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
)

func (reg *Register) registerAccount() {
	reg.Register("account.get", reg.stepAccountGet)
	reg.Register("account.update", reg.stepAccountUpdate)
	reg.Register("account.changePassword", reg.stepChangePassword)
}

// requirePersonal resolves the access and rejects anything but a personal
// token.
func (mc *MethodContext) requirePersonal(ctx context.Context) error {
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	if !l.Access.IsPersonal() {
		return errs.Forbidden("Account methods require a personal access.")
	}
	return nil
}

func (reg *Register) stepAccountGet(ctx context.Context, mc *MethodContext, _ Params, r Result) error {
	if err := mc.requirePersonal(ctx); err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}
	info, err := reg.deps.System.AccountInfo(ctx, user.ID)
	if err != nil {
		return err
	}
	r["account"] = info
	return nil
}

type accountUpdateParams struct {
	Update map[string]string `json:"update" validate:"required"`
}

func (reg *Register) stepAccountUpdate(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params accountUpdateParams
	if err := decodeParams(p, &params); err != nil {
		return err
	}
	if err := mc.requirePersonal(ctx); err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}

	for field, value := range params.Update {
		if err := reg.deps.System.UpdateField(ctx, user.ID, field, value, mc.TrackingAuthorID()); err != nil {
			return err
		}
	}
	if err := reg.deps.Cache.UnsetUserData(ctx, user.ID); err != nil {
		reg.deps.Log.Warn("cache invalidation failed", "error", err)
	}

	info, err := reg.deps.System.AccountInfo(ctx, user.ID)
	if err != nil {
		return err
	}
	r["account"] = info
	return nil
}

type changePasswordParams struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,min=6"`
}

func (reg *Register) stepChangePassword(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params changePasswordParams
	if err := decodeParams(p, &params); err != nil {
		return err
	}
	if err := mc.requirePersonal(ctx); err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}
	if !verifyPassword(user.PasswordHash, params.OldPassword) {
		return errs.InvalidCredentials("The given password does not match.")
	}

	if n := reg.deps.Settings.PasswordHistoryLength; n > 0 {
		history, err := reg.deps.Accounts.PasswordHistory(ctx, user.ID, n)
		if err != nil {
			return err
		}
		for _, oldHash := range history {
			if verifyPassword(oldHash, params.NewPassword) {
				return errs.InvalidOperation("The new password was already used recently.", nil)
			}
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(params.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := reg.deps.System.UpdateField(ctx, user.ID, "passwordHash", string(hash), mc.TrackingAuthorID()); err != nil {
		return err
	}
	if err := reg.deps.Cache.UnsetUserData(ctx, user.ID); err != nil {
		reg.deps.Log.Warn("cache invalidation failed", "error", err)
	}
	return nil
}

// stepAccessInfo returns the calling access's own description plus the user
// it belongs to.
func stepAccessInfo(ctx context.Context, mc *MethodContext, _ Params, r Result) error {
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}

	b, err := json.Marshal(l.Access)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}
	for k, v := range fields {
		r[k] = v
	}
	r["user"] = map[string]any{"username": user.Username}
	return nil
}
