package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/textgate/textgate/internal/core/validate"
	"github.com/textgate/textgate/internal/relay/driver"
	"github.com/textgate/textgate/internal/relay/driver/gradio"
)

// Kind is the caller-visible failure class.
type Kind string

const (
	KindInvalidJSON         Kind = "INVALID_JSON"
	KindInvalidShape        Kind = "INVALID_SHAPE"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
)

// Error is returned by Service operations. Message is safe to show callers;
// Reason and Err are for logs.
type Error struct {
	Kind       Kind
	Reason     string
	Message    string
	Fields     []string
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "relay error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Upstream failure reasons.
const (
	ReasonTimeout     = "timeout"
	ReasonCanceled    = "canceled"
	ReasonAuth        = "auth"
	ReasonRateLimited = "rate_limited"
	ReasonUnavailable = "unavailable"
	ReasonRejected    = "rejected"
	ReasonBadResponse = "bad_response"
	ReasonNoSnapshot  = "no_snapshot"
	ReasonNetwork     = "network"
)

func mapValidationError(err error, invalidShapeMessage string) *Error {
	var shape *validate.ShapeError
	switch {
	case errors.As(err, &shape):
		return &Error{Kind: KindInvalidShape, Reason: "missing_fields", Message: invalidShapeMessage, Fields: shape.Fields, Err: err}
	case errors.Is(err, validate.ErrInvalidShape):
		return &Error{Kind: KindInvalidShape, Reason: "missing_fields", Message: invalidShapeMessage, Err: err}
	default:
		return &Error{Kind: KindInvalidJSON, Reason: "parse", Message: "Invalid JSON", Err: err}
	}
}

// mapUpstreamError classifies any driver or context failure. Every outcome is
// UPSTREAM_UNAVAILABLE; Reason distinguishes them in logs and metrics.
func mapUpstreamError(err error, provider, message string) *Error {
	if err == nil {
		return nil
	}
	mapped := &Error{Kind: KindUpstreamUnavailable, Message: message, Provider: provider, Err: err}

	var perr *driver.ProviderError
	if errors.As(err, &perr) && perr != nil {
		mapped.StatusCode = perr.StatusCode
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		mapped.Reason = ReasonTimeout
	case errors.Is(err, context.Canceled):
		mapped.Reason = ReasonCanceled
	case errors.Is(err, gradio.ErrNoSnapshot):
		mapped.Reason = ReasonNoSnapshot
	case perr != nil:
		status := perr.StatusCode
		switch {
		case perr.IsAuth():
			mapped.Reason = ReasonAuth
		case status == http.StatusTooManyRequests:
			mapped.Reason = ReasonRateLimited
		case status >= 500 && status <= 599:
			mapped.Reason = ReasonUnavailable
		case status >= 400 && status <= 499:
			mapped.Reason = ReasonRejected
		default:
			mapped.Reason = ReasonBadResponse
		}
	default:
		mapped.Reason = ReasonNetwork
	}
	return mapped
}
