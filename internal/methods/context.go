// Package methods implements the API methods as ordered step chains over a
// per-request MethodContext. Method names are dotted ("events.get"); each
// step either fills the result, fails with a typed error aborting the chain,
// or passes through.
package methods

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pryv/open-pryv.io-sub006/internal/access"
	"github.com/pryv/open-pryv.io-sub006/internal/audit"
	"github.com/pryv/open-pryv.io-sub006/internal/cache"
	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/mall"
	"github.com/pryv/open-pryv.io-sub006/internal/storage"
	"github.com/pryv/open-pryv.io-sub006/internal/systemstreams"
)

// Settings groups the method-level configuration.
type Settings struct {
	// TrustedApps are regular expressions matched against the caller origin
	// on auth methods; "*" trusts everything.
	TrustedApps []string
	// SessionTTLSeconds is the session lifetime, renewed on touch.
	SessionTTLSeconds float64
	// PasswordHistoryLength is how many previous passwords a new password is
	// checked against.
	PasswordHistoryLength int
	// APIHost builds apiEndpoint values in auth.login responses.
	APIHost string
}

// Deps are the shared services every method works with.
type Deps struct {
	Log      *slog.Logger
	DB       storage.Database
	Accounts *storage.UserAccountStorage
	Mall     *mall.Mall
	Cache    *cache.Cache
	System   *systemstreams.Repository
	Locks    *storage.KeyedLocks
	Audit    *audit.Recorder
	Settings Settings
}

// MethodContext carries one request through the step chain. User and access
// are resolved lazily, at most once.
type MethodContext struct {
	deps *Deps

	Source   audit.Source
	Username string
	Auth     string
	Headers  http.Header
	Query    url.Values
	TraceID  string

	user     *storage.User
	logic    *access.Logic
	callerID string
	parsed   bool
}

// NewContext builds the context of one request.
func NewContext(deps *Deps, source audit.Source, username, auth string, headers http.Header, query url.Values, traceID string) *MethodContext {
	return &MethodContext{
		deps:     deps,
		Source:   source,
		Username: username,
		Auth:     auth,
		Headers:  headers,
		Query:    query,
		TraceID:  traceID,
	}
}

// User resolves the request's user, through the cache.
func (mc *MethodContext) User(ctx context.Context) (*storage.User, error) {
	if mc.user != nil {
		return mc.user, nil
	}
	if id, ok := mc.deps.Cache.GetUserID(mc.Username); ok {
		u, err := mc.deps.DB.GetUserByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if u != nil {
			mc.user = u
			return u, nil
		}
	}
	u, err := mc.deps.DB.GetUserByUsername(ctx, mc.Username)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, errs.UnknownResource("user", mc.Username)
	}
	mc.deps.Cache.SetUserID(u.Username, u.ID)
	mc.user = u
	return u, nil
}

// token splits the auth string "<token>" or "<token> <callerId>".
func (mc *MethodContext) token() string {
	if !mc.parsed {
		token, caller, _ := strings.Cut(mc.Auth, " ")
		mc.callerID = caller
		mc.parsed = true
		mc.Auth = token
	}
	return mc.Auth
}

// Access resolves the access logic for the request token, walking the
// failure ladder: missing token 401, unknown token 403, expired access
// forbidden, expired personal session 403.
func (mc *MethodContext) Access(ctx context.Context) (*access.Logic, error) {
	if mc.logic != nil {
		return mc.logic, nil
	}
	token := mc.token()
	if token == "" {
		return nil, errs.InvalidAccessToken("The access token is missing: expected an \"Authorization\" header or an \"auth\" query parameter.", http.StatusUnauthorized)
	}
	user, err := mc.User(ctx)
	if err != nil {
		return nil, err
	}

	if l, ok := mc.deps.Cache.GetLogicByToken(user.ID, token); ok {
		if err := mc.checkLive(ctx, l); err != nil {
			return nil, err
		}
		mc.logic = l
		return l, nil
	}

	a, err := mc.deps.DB.GetAccessByToken(ctx, user.ID, token)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errs.InvalidAccessToken("Cannot find access from token.", http.StatusForbidden)
	}

	forest, err := mc.Forest(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	l := access.NewLogic(a, forest)
	if err := mc.checkLive(ctx, l); err != nil {
		return nil, err
	}
	mc.deps.Cache.SetLogic(user.ID, l)
	mc.logic = l
	return l, nil
}

// setAccess installs a just-resolved access on the context, so the rest of
// the call is attributed to it (audit record, Pryv-Access-Id) without a
// second token lookup.
func (mc *MethodContext) setAccess(ctx context.Context, userID string, a *storage.Access) error {
	forest, err := mc.Forest(ctx, userID)
	if err != nil {
		return err
	}
	mc.logic = access.NewLogic(a, forest)
	return nil
}

// checkLive verifies expiry and, for personal accesses, the session.
func (mc *MethodContext) checkLive(ctx context.Context, l *access.Logic) error {
	now := storage.NowSeconds()
	if l.Access.IsExpired(now) {
		return errs.Forbidden("The access has expired.")
	}
	if !l.Access.IsPersonal() {
		return nil
	}
	sess, err := mc.deps.DB.GetSession(ctx, l.Access.Token)
	if err != nil {
		return err
	}
	if sess == nil {
		return errs.InvalidAccessToken("The session has expired.", http.StatusForbidden)
	}
	// Touch is fire-and-forget; racing an expiry is fine.
	token := l.Access.Token
	expires := now + mc.deps.Settings.SessionTTLSeconds
	go func() {
		touchCtx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := mc.deps.DB.TouchSession(touchCtx, token, expires); err != nil {
			mc.deps.Log.Warn("session touch failed", "error", err)
		}
	}()
	return nil
}

// Forest returns the user's full stream forest across all stores, cached per
// store.
func (mc *MethodContext) Forest(ctx context.Context, userID string) ([]*storage.Stream, error) {
	var forest []*storage.Stream
	for _, storeID := range mc.deps.Mall.StoreIDs() {
		if cached, ok := mc.deps.Cache.GetStreams(userID, storeID); ok {
			forest = append(forest, cached...)
			continue
		}
		sub, err := mc.deps.Mall.GetStoreStreams(ctx, storeID, userID, storage.StreamsQuery{
			ID:             "*",
			ExpandChildren: true,
			IncludeTrashed: true,
		})
		if err != nil {
			return nil, err
		}
		mc.deps.Cache.SetStreams(userID, storeID, sub)
		forest = append(forest, sub...)
	}
	return forest, nil
}

// TrackingAuthorID is the value stamped into createdBy/modifiedBy.
func (mc *MethodContext) TrackingAuthorID() string {
	id := ""
	if mc.logic != nil {
		id = mc.logic.Access.ID
	}
	if mc.callerID != "" {
		return id + " " + mc.callerID
	}
	return id
}

// AccessID returns the resolved access id, or "".
func (mc *MethodContext) AccessID() string {
	if mc.logic == nil {
		return ""
	}
	return mc.logic.Access.ID
}

// verifyPassword runs the constant-time bcrypt comparison.
func verifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
