package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/textgate/textgate/internal/server/reqctx"
)

// RequestID tags each request with a correlation ID and echoes it in the
// X-Request-ID response header. An ID already set by chi or sent by the
// caller is kept when reqctx.ValidID accepts it; otherwise a new UUIDv7 is
// issued.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chimw.GetReqID(r.Context())
		if !reqctx.ValidID(id) {
			id = r.Header.Get(reqctx.Header)
		}
		if !reqctx.ValidID(id) {
			id = reqctx.NewID()
		}

		w.Header().Set(reqctx.Header, id)
		next.ServeHTTP(w, r.WithContext(reqctx.WithID(r.Context(), id)))
	})
}
