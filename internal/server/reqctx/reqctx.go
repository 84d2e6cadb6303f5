// Package reqctx holds the per-request values shared by the middleware chain
// and the error responder: the correlation ID and the route label.
package reqctx

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Header carries the correlation ID in both directions.
const Header = "X-Request-ID"

const maxIDLength = 128

type idKey struct{}

// WithID stores id on ctx.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// ID returns the correlation ID stored by WithID, falling back to the one set
// by chi's RequestID middleware. It returns "" when neither is present.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(idKey{}).(string); ok && id != "" {
		return id
	}
	return chimw.GetReqID(ctx)
}

// ValidID reports whether id is safe to echo into headers and logs: 1 to 128
// printable ASCII characters without spaces.
func ValidID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// NewID returns a time-ordered UUID, or a random one if the clock source fails.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// RoutePattern returns the chi route pattern for r so metric labels stay
// bounded. Session hashes and other path parameters never reach a label.
func RoutePattern(r *http.Request) string {
	if r == nil {
		return "/unknown"
	}
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	path := r.URL.Path
	switch {
	case path == "/health" || strings.HasPrefix(path, "/health/"):
		return "/health/*"
	case path == "/version", path == "/metrics", path == "/",
		path == "/join_queue", path == "/zerogpt-test", path == "/humanize":
		return path
	case strings.HasPrefix(path, "/queue_data/"):
		return "/queue_data/{session_hash}"
	case strings.HasPrefix(path, "/queue_result/"):
		return "/queue_result/{session_hash}"
	default:
		return "/unknown"
	}
}
