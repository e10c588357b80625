package methods

import (
	"context"
	"fmt"
	"regexp"

	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/integrity"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
)

func (reg *Register) registerAuth() {
	reg.Register("auth.login", reg.stepTrustedApp, reg.stepLogin)
	reg.Register("auth.logout", reg.stepLogout)
}

type loginParams struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	AppID    string `json:"appId" validate:"required"`
}

// stepTrustedApp matches the caller origin against the trusted-apps
// patterns. "*" trusts everything.
func (reg *Register) stepTrustedApp(_ context.Context, mc *MethodContext, _ Params, _ Result) error {
	origin := mc.Headers.Get("Origin")
	if origin == "" {
		origin = mc.Headers.Get("Referer")
	}
	for _, pattern := range reg.deps.Settings.TrustedApps {
		if pattern == "*" {
			return nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			reg.deps.Log.Warn("invalid trusted app pattern", "pattern", pattern, "error", err)
			continue
		}
		if re.MatchString(origin) {
			return nil
		}
	}
	return errs.Forbidden(fmt.Sprintf("The app origin %q is not trusted.", origin))
}

func (reg *Register) stepLogin(ctx context.Context, mc *MethodContext, p Params, r Result) error {
	var params loginParams
	if err := decodeParams(p, &params); err != nil {
		return err
	}
	if params.Username != mc.Username {
		return errs.InvalidOperation("The username in the request path and body do not match.", nil)
	}

	user, err := mc.User(ctx)
	if err != nil {
		return err
	}
	if !verifyPassword(user.PasswordHash, params.Password) {
		return errs.InvalidCredentials("")
	}

	token, err := storage.NewToken()
	if err != nil {
		return err
	}
	now := storage.NowSeconds()
	sess := &storage.Session{
		Token:    token,
		Username: user.Username,
		AppID:    params.AppID,
		Created:  now,
		Expires:  now + reg.deps.Settings.SessionTTLSeconds,
	}
	if err := reg.deps.DB.CreateSession(ctx, sess); err != nil {
		return err
	}

	a, err := reg.personalAccessForApp(ctx, user.ID, params.AppID, token, now)
	if err != nil {
		return err
	}
	if err := reg.deps.Cache.UnsetAccessLogic(ctx, user.ID, a.ID, a.Token); err != nil {
		reg.deps.Log.Warn("cache invalidation failed", "error", err)
	}
	if err := mc.setAccess(ctx, user.ID, a); err != nil {
		return err
	}

	r["token"] = token
	r["apiEndpoint"] = fmt.Sprintf("https://%s/%s/", reg.deps.Settings.APIHost, user.Username)
	r["preferredLanguage"] = user.Language
	return nil
}

// personalAccessForApp returns the app's personal access, creating it when
// missing and rotating its token onto the new session. A create racing a
// duplicate re-reads the winner and proceeds with it.
func (reg *Register) personalAccessForApp(ctx context.Context, userID, appID, token string, now float64) (*storage.Access, error) {
	unlock := reg.deps.Locks.Lock(storage.ResourceKey(userID, "accesses"))
	defer unlock()

	existing, err := reg.deps.DB.FindAccess(ctx, userID, appID, storage.AccessTypePersonal, "")
	if err != nil {
		return nil, err
	}
	if existing != nil {
		oldToken := existing.Token
		existing.Token = token
		existing.Modified = now
		existing.ModifiedBy = "system"
		if err := reg.stampAccessIntegrity(existing); err != nil {
			return nil, err
		}
		if err := reg.deps.DB.UpdateAccess(ctx, userID, existing); err != nil {
			return nil, err
		}
		if err := reg.deps.Cache.UnsetAccessLogic(ctx, userID, existing.ID, oldToken); err != nil {
			reg.deps.Log.Warn("cache invalidation failed", "error", err)
		}
		return existing, nil
	}

	a := &storage.Access{
		ID:         storage.NewID(),
		Token:      token,
		Name:       appID,
		Type:       storage.AccessTypePersonal,
		Created:    now,
		CreatedBy:  "system",
		Modified:   now,
		ModifiedBy: "system",
	}
	if err := reg.stampAccessIntegrity(a); err != nil {
		return nil, err
	}
	if err := reg.deps.DB.CreateAccess(ctx, userID, a); err != nil {
		if errs.Coerce(err).ID == errs.IDItemAlreadyExists {
			winner, findErr := reg.deps.DB.FindAccess(ctx, userID, appID, storage.AccessTypePersonal, "")
			if findErr != nil {
				return nil, findErr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}
	return a, nil
}

func (reg *Register) stampAccessIntegrity(a *storage.Access) error {
	digest, err := integrity.Access(a)
	if err != nil {
		return err
	}
	a.Integrity = digest
	return nil
}

func (reg *Register) stepLogout(ctx context.Context, mc *MethodContext, _ Params, r Result) error {
	l, err := mc.Access(ctx)
	if err != nil {
		return err
	}
	if !l.Access.IsPersonal() {
		return errs.Forbidden("Only personal accesses can log out.")
	}
	user, err := mc.User(ctx)
	if err != nil {
		return err
	}
	if err := reg.deps.DB.DeleteSession(ctx, l.Access.Token); err != nil {
		return err
	}
	if err := reg.deps.Cache.UnsetAccessLogic(ctx, user.ID, l.Access.ID, l.Access.Token); err != nil {
		reg.deps.Log.Warn("cache invalidation failed", "error", err)
	}
	return nil
}
