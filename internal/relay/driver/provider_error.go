package driver

import (
	"fmt"
	"net/http"
)

// ProviderError is returned when an upstream responds with a non-2xx status
// or an unusable body.
//
// RawResponse holds the upstream response body. It never contains request
// headers or cookies.
type ProviderError struct {
	Provider    string
	Operation   string
	StatusCode  int
	Message     string
	RawResponse []byte
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}
	name := e.Provider
	if e.Operation != "" {
		name += " " + e.Operation
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed: status %d: %s", name, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s request failed: %s", name, e.Message)
}

// IsAuth reports whether the upstream rejected our credentials.
func (e *ProviderError) IsAuth() bool {
	return e != nil && (e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden)
}
