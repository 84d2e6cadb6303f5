// Package store records rate-limit admission statistics.
//
// Stats are best-effort: callers log a failed Record and carry on. Limiter
// state itself is never stored here; it lives in process memory.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/textgate/textgate/internal/config"
	"github.com/textgate/textgate/internal/core"
)

const (
	DriverNone   = "none"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// StatsEvent is one admission decision.
type StatsEvent struct {
	Key     core.ClientKey
	Allowed bool

	// Route is the matched route pattern, e.g. "POST /join_queue".
	Route string

	At time.Time
}

// Counters are allowed/denied totals.
type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// StatsStore persists admission statistics.
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
	Totals(ctx context.Context) (Counters, error)
	Driver() string
	Close() error
}

// Open builds the stats store selected by cfg.Driver. The "none" driver
// returns a store that discards everything.
func Open(ctx context.Context, cfg config.StatsConfig) (StatsStore, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverNone:
		return nopStore{}, nil
	case DriverMemory:
		return NewMemoryStatsStore(WithTrackKeys(cfg.TrackKeys)), nil
	case DriverRedis:
		s, err := DialRedisStatsStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported stats driver: %s", cfg.Driver)
	}
}

type nopStore struct{}

func (nopStore) Record(context.Context, StatsEvent) error { return nil }
func (nopStore) Totals(context.Context) (Counters, error) { return Counters{}, nil }
func (nopStore) Driver() string { return DriverNone }
func (nopStore) Close() error { return nil }
