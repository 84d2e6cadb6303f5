package driver

import (
	"net/http"
	"strings"
)

// skippedHeaders are managed by net/http and never replayed from config.
var skippedHeaders = map[string]struct{}{
	"Content-Length":    {},
	"Connection":        {},
	"Host":              {},
	"Transfer-Encoding": {},
	"Keep-Alive":        {},
	"Upgrade":           {},
}

// ApplyHeaders copies a static header table onto req. Names are
// canonicalized; empty names and transport-managed headers are skipped.
func ApplyHeaders(req *http.Request, headers map[string]string) {
	if req == nil {
		return
	}
	for name, value := range headers {
		name = http.CanonicalHeaderKey(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if _, skip := skippedHeaders[name]; skip {
			continue
		}
		req.Header.Set(name, value)
	}
}
