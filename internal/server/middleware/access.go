package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/textgate/textgate/internal/errors"
	"github.com/textgate/textgate/internal/observability"
)

type clientContextKey struct{}

// ClientIdentity returns the client address stored by ClientIP, or "".
func ClientIdentity(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	identity, _ := ctx.Value(clientContextKey{}).(string)
	return identity
}

// WithClientIdentity stores identity on ctx.
func WithClientIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, clientContextKey{}, identity)
}

// ClientIP derives the client identity used for rate limiting and the
// allow-list. With trustForwarded the first X-Forwarded-For entry wins, then
// X-Real-IP; otherwise only the connection address is used.
func ClientIP(trustForwarded bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := ResolveClientIP(r, trustForwarded)
			next.ServeHTTP(w, r.WithContext(WithClientIdentity(r.Context(), identity)))
		})
	}
}

// ResolveClientIP returns the client address for r.
func ResolveClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
			return real
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AllowList rejects clients whose identity is not listed. Entries may be
// single addresses or CIDR ranges. An empty list allows everyone.
type AllowList struct {
	addrs    map[string]struct{}
	networks []*net.IPNet
}

// NewAllowList parses entries; blank and unparsable ranges are skipped and
// logged.
func NewAllowList(entries []string) *AllowList {
	list := &AllowList{addrs: make(map[string]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				if observability.ServerLogger != nil {
					observability.ServerLogger.Warn("Ignoring invalid allow-list range",
						zap.String("entry", entry), zap.Error(err))
				}
				continue
			}
			list.networks = append(list.networks, network)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			entry = ip.String()
		}
		list.addrs[entry] = struct{}{}
	}
	return list
}

// Enabled reports whether the list restricts anything.
func (l *AllowList) Enabled() bool {
	return l != nil && (len(l.addrs) > 0 || len(l.networks) > 0)
}

// Allows reports whether identity passes the list.
func (l *AllowList) Allows(identity string) bool {
	if !l.Enabled() {
		return true
	}
	ip := net.ParseIP(identity)
	if ip != nil {
		identity = ip.String()
	}
	if _, ok := l.addrs[identity]; ok {
		return true
	}
	if ip == nil {
		return false
	}
	for _, network := range l.networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Handler answers FORBIDDEN for clients outside the list. It must run after
// ClientIP.
func (l *AllowList) Handler(next http.Handler) http.Handler {
	if !l.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := ClientIdentity(r.Context())
		if !l.Allows(identity) {
			env, _ := apperrors.NewForbiddenError("Client address is not allowed").
				WithContext(map[string]interface{}{"client": identity})
			apperrors.RespondWithEnvelope(w, r, env)
			return
		}
		next.ServeHTTP(w, r)
	})
}
