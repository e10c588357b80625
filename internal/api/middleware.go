package api

import (
	"net/http"
	"regexp"
	"strings"
)

func apiVersionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("API-Version", APIVersion)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflights with 200 and echoes the requested
// headers; actual responses are fully permissive.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		headers := r.Header.Get("Access-Control-Request-Headers")
		if headers == "" {
			headers = "Content-Type, Authorization"
		}
		w.Header().Set("Access-Control-Allow-Headers", headers)
		w.Header().Set("Access-Control-Expose-Headers", "API-Version, Pryv-Access-Id")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var subdomainRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{3,21}[a-z0-9]$`)

// subdomainToPathMiddleware rewrites "https://alice.domain/events" into
// "/alice/events" so DNS-based and path-based addressing behave the same.
// Paths on the ignore list (health, metrics) pass through untouched.
func subdomainToPathMiddleware(ignorePaths []string) func(http.Handler) http.Handler {
	ignored := make(map[string]bool, len(ignorePaths))
	for _, path := range ignorePaths {
		ignored[path] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ignored[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			label, _, found := strings.Cut(r.Host, ".")
			if !found || !subdomainRe.MatchString(label) {
				next.ServeHTTP(w, r)
				return
			}
			prefix := "/" + label
			if r.URL.Path != prefix && !strings.HasPrefix(r.URL.Path, prefix+"/") {
				r.URL.Path = prefix + r.URL.Path
			}
			next.ServeHTTP(w, r)
		})
	}
}
