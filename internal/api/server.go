// Package api exposes the methods over HTTP: one route per method under
// /<username>/<resource>, JSON in and out, multipart for event attachment
// uploads.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pryv/open-pryv.io-sub006/internal/audit"
	"github.com/pryv/open-pryv.io-sub006/internal/errs"
	"github.com/pryv/open-pryv.io-sub006/internal/methods"
)

// APIVersion is stamped on every response.
const APIVersion = "1.9.0"

// Config is the HTTP-level configuration.
type Config struct {
	MaxBodyBytes int64
	// AttachmentsRoot is the directory holding uploaded attachment files.
	AttachmentsRoot string
	// SubdomainIgnorePaths lists paths exempt from subdomain-to-path
	// rewriting.
	SubdomainIgnorePaths []string
}

// Server binds the method register to HTTP routes.
type Server struct {
	register     *methods.Register
	deps         *methods.Deps
	logger       *slog.Logger
	mux          *chi.Mux
	cfg          Config
	startTime    time.Time
	maxBodyBytes int64
}

// NewServer creates the API server over a method register.
func NewServer(register *methods.Register, deps *methods.Deps, cfg Config, logger *slog.Logger) *Server {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if len(cfg.SubdomainIgnorePaths) == 0 {
		cfg.SubdomainIgnorePaths = []string{"/system/status", "/metrics"}
	}
	srv := &Server{
		register:     register,
		deps:         deps,
		logger:       logger.With("component", "api"),
		cfg:          cfg,
		startTime:    time.Now(),
		maxBodyBytes: cfg.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(subdomainToPathMiddleware(cfg.SubdomainIgnorePaths))
	mux.Use(apiVersionMiddleware)
	mux.Use(corsMiddleware)
	mux.Use(metricsMiddleware)

	mux.Get("/system/status", srv.handleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Route("/{username}", func(r chi.Router) {
		r.Post("/", srv.bindBody("callBatch"))

		r.Post("/auth/login", srv.bindBody("auth.login"))
		r.Post("/auth/logout", srv.bindBody("auth.logout"))

		r.Get("/events", srv.bindQuery("events.get"))
		r.Post("/events", srv.handleEventsCreate)
		r.Get("/events/{id}", srv.bindID("events.getOne"))
		r.Put("/events/{id}", srv.bindUpdate("events.update"))
		r.Delete("/events/{id}", srv.bindID("events.delete"))
		r.Get("/events/{id}/{fileId}", srv.handleAttachmentGet)

		r.Get("/streams", srv.bindQuery("streams.get"))
		r.Post("/streams", srv.bindBody("streams.create"))
		r.Put("/streams/{id}", srv.bindUpdate("streams.update"))
		r.Delete("/streams/{id}", srv.bindIDWithQuery("streams.delete"))

		r.Get("/accesses", srv.bindQuery("accesses.get"))
		r.Post("/accesses", srv.bindBody("accesses.create"))
		r.Delete("/accesses/{id}", srv.bindID("accesses.delete"))

		r.Get("/account", srv.bindQuery("account.get"))
		r.Put("/account", srv.handleAccountUpdate)
		r.Post("/account/change-password", srv.bindBody("account.changePassword"))

		r.Get("/access-info", srv.bindQuery("getAccessInfo"))
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// call runs one method and writes the response.
func (s *Server) call(w http.ResponseWriter, r *http.Request, method string, p methods.Params) {
	mc := s.newContext(r)
	result, err := s.register.Call(r.Context(), mc, method, p)
	if mc.AccessID() != "" {
		w.Header().Set("Pryv-Access-Id", mc.AccessID())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if strings.HasSuffix(method, ".create") {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (s *Server) newContext(r *http.Request) *methods.MethodContext {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		auth = r.URL.Query().Get("auth")
	}
	auth = strings.TrimPrefix(auth, "Bearer ")
	source := audit.Source{Name: "http", IP: realIP(r)}
	return methods.NewContext(s.deps, source, chi.URLParam(r, "username"), auth,
		r.Header, r.URL.Query(), chimw.GetReqID(r.Context()))
}

func realIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

// bindBody maps a JSON request body onto the method params.
func (s *Server) bindBody(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.decodeBody(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		s.call(w, r, method, p)
	}
}

// bindQuery maps URL query parameters onto the method params.
func (s *Server) bindQuery(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.call(w, r, method, queryToParams(r))
	}
}

// bindID maps the {id} route parameter onto the method params.
func (s *Server) bindID(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.call(w, r, method, methods.Params{"id": chi.URLParam(r, "id")})
	}
}

// bindIDWithQuery is bindID plus query parameters (delete flags).
func (s *Server) bindIDWithQuery(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := queryToParams(r)
		p["id"] = chi.URLParam(r, "id")
		s.call(w, r, method, p)
	}
}

// bindUpdate wraps the JSON body as {id, update}.
func (s *Server) bindUpdate(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := s.decodeBody(w, r)
		if err != nil {
			writeError(w, err)
			return
		}
		update := map[string]any(body)
		if nested, ok := body["update"].(map[string]any); ok {
			update = nested
		}
		s.call(w, r, method, methods.Params{"id": chi.URLParam(r, "id"), "update": update})
	}
}

func (s *Server) handleAccountUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := s.decodeBody(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	update := map[string]any(body)
	if nested, ok := body["update"].(map[string]any); ok {
		update = nested
	}
	s.call(w, r, "account.update", methods.Params{"update": update})
}

// decodeBody reads a JSON body into params. An empty body is an empty map.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request) (methods.Params, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return nil, errs.UnsupportedContentType(ct)
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	p := methods.Params{}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&p); err != nil {
		if err.Error() == "EOF" {
			return p, nil
		}
		return nil, errs.InvalidRequestStructure("The request body is not valid JSON.")
	}
	return p, nil
}

// queryToParams converts URL query values into loose params: repeated keys
// and "[]"-suffixed keys become arrays, JSON literals keep their type.
func queryToParams(r *http.Request) methods.Params {
	p := methods.Params{}
	for key, values := range r.URL.Query() {
		if key == "auth" {
			continue
		}
		isArray := strings.HasSuffix(key, "[]")
		name := strings.TrimSuffix(key, "[]")
		if isArray || len(values) > 1 || name == "streams" || name == "types" || name == "tags" {
			arr := make([]any, len(values))
			for i, v := range values {
				arr[i] = coerceQueryValue(v)
			}
			p[name] = arr
			continue
		}
		p[name] = coerceQueryValue(values[0])
	}
	return p
}

// coerceQueryValue keeps JSON literals typed; everything else is a string.
func coerceQueryValue(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	var f float64
	if err := json.Unmarshal([]byte(v), &f); err == nil {
		return f
	}
	if strings.HasPrefix(v, "{") || strings.HasPrefix(v, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err == nil {
			return parsed
		}
	}
	return v
}

// --- Health ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DB.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	typed := errs.Coerce(err)
	writeJSON(w, typed.HTTPStatus, map[string]any{"error": typed})
}
