package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	apperrors "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/metrics"
	"github.com/textgate/textgate/internal/observability"
	"github.com/textgate/textgate/internal/server/reqctx"
)

// Recovery middleware recovers from panics and logs them. The panic value and
// stack go to the server log only.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			requestID := reqctx.ID(r.Context())
			if observability.ServerLogger != nil {
				observability.ServerLogger.Error("Recovered from panic",
					zap.String("panic", fmt.Sprint(rec)),
					zap.String("stack_trace", string(debug.Stack())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", requestID))
			}
			metrics.RecordPanic()

			env, _ := apperrors.NewInternalError("Internal server error").
				WithCorrelationID(requestID).
				WithSeverity(errors.SeverityCritical)
			apperrors.RespondWithEnvelope(w, r, env)
		}()

		next.ServeHTTP(w, r)
	})
}
