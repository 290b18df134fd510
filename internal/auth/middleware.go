package auth

import (
	"net/http"

	authlib "example.com/stepcount/internal/platform/authlib"
)

// DefaultOpenPaths are served without a token.
var DefaultOpenPaths = []string{"/healthz", "/metrics"}

// Middleware enforces bearer-token authentication on incoming requests.
type Middleware struct {
	inner authlib.Middleware
}

// NewMiddleware validates tokens against cfg. Requests for openPaths, or DefaultOpenPaths
// when none are given, pass through unauthenticated.
func NewMiddleware(cfg Config, openPaths ...string) Middleware {
	if len(openPaths) == 0 {
		openPaths = DefaultOpenPaths
	}
	open := make(map[string]struct{}, len(openPaths))
	for _, p := range openPaths {
		open[p] = struct{}{}
	}
	skipper := func(r *http.Request) bool {
		_, ok := open[r.URL.Path]
		return ok
	}
	return Middleware{inner: authlib.NewMiddleware(cfg, skipper)}
}

// Wrap attaches authentication handling to an http.Handler.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return m.inner.Wrap(next)
}
