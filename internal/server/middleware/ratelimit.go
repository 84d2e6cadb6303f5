package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/textgate/textgate/internal/core"
	"github.com/textgate/textgate/internal/core/engine"
	"github.com/textgate/textgate/internal/core/store"
	apperrors "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/metrics"
	"github.com/textgate/textgate/internal/observability"
	"github.com/textgate/textgate/internal/server/reqctx"
)

const statsTimeout = 250 * time.Millisecond

// RateLimit admits requests against the limiter bucket of the client
// identity in Category. Rejected requests never reach next.
type RateLimit struct {
	Limiter  *engine.RateLimiter
	Category core.Category
	Stats    store.StatsStore
}

// Handler returns the middleware. It must run after ClientIP.
func (rl RateLimit) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := ClientIdentity(r.Context())
		decision := rl.Limiter.Decide(identity, rl.Category)

		category := string(decision.Key.Category)
		metrics.RecordRateLimitDecision(category, decision.Allowed)
		metrics.SetTrackedKeys(rl.Limiter.Len())
		rl.record(r, decision)

		if decision.Limit.RequestsPerWindow > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(max(decision.Remaining, 0)))
		}

		if !decision.Allowed {
			env, _ := apperrors.NewRateLimitedError(decision.RetryAfter).
				WithContext(map[string]interface{}{
					"client_key": decision.Key.String(),
				})
			apperrors.RespondWithEnvelope(w, r, env)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (rl RateLimit) record(r *http.Request, decision engine.Decision) {
	if rl.Stats == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), statsTimeout)
	defer cancel()

	err := rl.Stats.Record(ctx, store.StatsEvent{
		Key:     decision.Key,
		Allowed: decision.Allowed,
		Route:   reqctx.RoutePattern(r),
		At:      time.Now(),
	})
	if err != nil && observability.ServerLogger != nil {
		observability.ServerLogger.Debug("Failed to record admission stats",
			zap.String("driver", rl.Stats.Driver()),
			zap.Error(err))
	}
}
