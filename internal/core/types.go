package core

import (
	"encoding/json"
	"time"
)

// Category selects the quota/window pair a request is counted against.
type Category string

const (
	// CategoryGeneral covers the queue endpoints.
	CategoryGeneral Category = "general"
	// CategoryZeroGPT is the elevated-quota bucket used by the detection endpoint.
	CategoryZeroGPT Category = "zerogpt"
)

// ClientKey identifies a rate-limit bucket.
type ClientKey struct {
	Identity string
	Category Category
}

// NewClientKey builds a key for an identity in a category. An empty category
// is treated as CategoryGeneral.
func NewClientKey(identity string, category Category) ClientKey {
	if category == "" {
		category = CategoryGeneral
	}
	return ClientKey{Identity: identity, Category: category}
}

// String renders the key as "<identity>" for general traffic and
// "<identity>_<category>" for every other category.
func (k ClientKey) String() string {
	if k.Category == "" || k.Category == CategoryGeneral {
		return k.Identity
	}
	return k.Identity + "_" + string(k.Category)
}

// HumanizeRequest is a validated queue-join payload. Body is forwarded to the
// upstream verbatim; field types are not inspected.
type HumanizeRequest struct {
	Body        json.RawMessage
	SessionHash string
}

// ZeroGPTRequest is a validated detection payload.
type ZeroGPTRequest struct {
	InputText string `json:"input_text"`
}

// QueueState is the state of a join/poll cycle.
type QueueState string

const (
	QueueJoining QueueState = "JOINING"
	QueuePolling QueueState = "POLLING"
	QueueDone    QueueState = "DONE"
)

// PolledResult is the last snapshot observed while polling a session.
//
// Complete is false when the attempt budget ran out while the snapshot still
// carried a pending marker; callers must treat such a result as possibly
// incomplete rather than as an error.
type PolledResult struct {
	SessionHash string     `json:"session_hash"`
	State       QueueState `json:"state"`
	Complete    bool       `json:"complete"`
	Attempts    int        `json:"attempts"`
	Failures    int        `json:"failures"`
	Message     string     `json:"message,omitempty"`
	Line        string     `json:"result"`
	ObservedAt  time.Time  `json:"observed_at"`
}
