package engine

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/textgate/textgate/internal/core"
)

// RateLimiter admits requests against a rolling window quota per ClientKey.
//
// It is an approximate sliding-window counter: every call prunes the key's
// window and compares the remaining count with the category quota. State is
// process-local and guarded by a single mutex. Keys are kept in recency order
// so the MaxKeys cap evicts the least recently seen key in constant time.
type RateLimiter struct {
	Limits  map[core.Category]RateLimit
	Clock   func() time.Time
	MaxKeys int

	mu      sync.Mutex
	windows map[core.ClientKey]*list.Element
	// front is the most recently seen key
	recency *list.List
}

type trackedKey struct {
	key    core.ClientKey
	window core.RateWindow
}

// RateLimit represents a rate limit window.
type RateLimit struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Key        core.ClientKey
	Limit      RateLimit
	Remaining  int
	RetryAfter time.Duration
}

// DefaultLimits mirrors the service defaults: 5/min general, 20/min zerogpt.
var DefaultLimits = map[core.Category]RateLimit{
	core.CategoryGeneral: {RequestsPerWindow: 5, WindowDuration: time.Minute},
	core.CategoryZeroGPT: {RequestsPerWindow: 20, WindowDuration: time.Minute},
}

// DefaultMaxKeys caps the number of tracked keys when MaxKeys is unset.
const DefaultMaxKeys = 100000

// NewRateLimiter returns a limiter using the given per-category limits.
// Categories missing from limits fall back to DefaultLimits.
func NewRateLimiter(limits map[core.Category]RateLimit, maxKeys int) *RateLimiter {
	r := &RateLimiter{MaxKeys: maxKeys}
	r.SetLimits(limits)
	return r
}

// Admit records a request for key if the key is under quota.
func (r *RateLimiter) Admit(key core.ClientKey) bool {
	return r.decide(key).Allowed
}

// Decide runs an admission check for identity within category.
func (r *RateLimiter) Decide(identity string, category core.Category) Decision {
	return r.decide(core.NewClientKey(identity, category))
}

func (r *RateLimiter) decide(key core.ClientKey) Decision {
	if r == nil {
		return Decision{Allowed: true, Key: key}
	}

	now := r.now()
	limit := r.getLimit(key.Category)

	r.mu.Lock()
	defer r.mu.Unlock()

	window := r.touchLocked(key)

	count := window.Prune(now, limit.WindowDuration)
	if count >= limit.RequestsPerWindow {
		return Decision{
			Allowed:    false,
			Key:        key,
			Limit:      limit,
			Remaining:  0,
			RetryAfter: limit.WindowDuration,
		}
	}

	window.Entries = append(window.Entries, now)
	return Decision{
		Allowed:   true,
		Key:       key,
		Limit:     limit,
		Remaining: limit.RequestsPerWindow - len(window.Entries),
	}
}

// SetLimits replaces the per-category limits. Non-positive values are ignored
// and the category keeps its default.
func (r *RateLimiter) SetLimits(limits map[core.Category]RateLimit) {
	if r == nil {
		return
	}

	merged := make(map[core.Category]RateLimit, len(DefaultLimits)+len(limits))
	for category, limit := range DefaultLimits {
		merged[category] = limit
	}
	for category, limit := range limits {
		category = core.Category(strings.ToLower(strings.TrimSpace(string(category))))
		if category == "" || limit.RequestsPerWindow <= 0 || limit.WindowDuration <= 0 {
			continue
		}
		merged[category] = limit
	}

	r.mu.Lock()
	r.Limits = merged
	r.mu.Unlock()
}

// Limit returns the effective limit for a category.
func (r *RateLimiter) Limit(category core.Category) RateLimit {
	return r.getLimit(category)
}

// Sweep removes keys whose newest admitted entry has aged out of the window.
// It returns the number of keys removed.
func (r *RateLimiter) Sweep() int {
	if r == nil {
		return 0
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(now)
}

// StartJanitor sweeps idle keys every interval until ctx is cancelled.
func (r *RateLimiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if r == nil || interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.Sweep()
			}
		}
	}()
}

// Len returns the number of tracked keys.
func (r *RateLimiter) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// Snapshot returns a copy of the timestamps currently held for key.
func (r *RateLimiter) Snapshot(key core.ClientKey) []time.Time {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	el, ok := r.windows[key]
	if !ok {
		return nil
	}
	entries := el.Value.(*trackedKey).window.Entries
	out := make([]time.Time, len(entries))
	copy(out, entries)
	return out
}

// touchLocked returns the window for key, marking it most recently seen. A new
// key evicts the least recently seen one when the limiter is full.
func (r *RateLimiter) touchLocked(key core.ClientKey) *core.RateWindow {
	if r.windows == nil {
		r.windows = make(map[core.ClientKey]*list.Element)
		r.recency = list.New()
	}

	if el, ok := r.windows[key]; ok {
		r.recency.MoveToFront(el)
		return &el.Value.(*trackedKey).window
	}

	maxKeys := r.MaxKeys
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	for len(r.windows) >= maxKeys {
		r.removeLocked(r.recency.Back())
	}

	tracked := &trackedKey{key: key}
	r.windows[key] = r.recency.PushFront(tracked)
	return &tracked.window
}

func (r *RateLimiter) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	r.recency.Remove(el)
	delete(r.windows, el.Value.(*trackedKey).key)
}

func (r *RateLimiter) sweepLocked(now time.Time) int {
	if r.recency == nil {
		return 0
	}
	removed := 0
	for el := r.recency.Back(); el != nil; {
		prev := el.Prev()
		tracked := el.Value.(*trackedKey)
		limit := r.limitLocked(tracked.key.Category)
		if tracked.window.Prune(now, limit.WindowDuration) == 0 {
			r.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (r *RateLimiter) getLimit(category core.Category) RateLimit {
	if r == nil {
		return DefaultLimits[core.CategoryGeneral]
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limitLocked(category)
}

func (r *RateLimiter) limitLocked(category core.Category) RateLimit {
	limits := r.Limits
	if limits == nil {
		limits = DefaultLimits
	}
	if category == "" {
		category = core.CategoryGeneral
	}
	if limit, ok := limits[category]; ok {
		return limit
	}
	if limit, ok := limits[core.CategoryGeneral]; ok {
		return limit
	}
	return DefaultLimits[core.CategoryGeneral]
}

func (r *RateLimiter) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now()
}
