package core

import "time"

// RateWindow holds admitted request timestamps for one ClientKey in
// chronological order.
type RateWindow struct {
	Entries []time.Time
}

// Prune drops entries older than window relative to now and returns the
// remaining count.
func (w *RateWindow) Prune(now time.Time, window time.Duration) int {
	if w == nil {
		return 0
	}
	cutoff := now.Add(-window)
	idx := 0
	for idx < len(w.Entries) && !w.Entries[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.Entries = append(w.Entries[:0], w.Entries[idx:]...)
	}
	return len(w.Entries)
}
