package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/textgate/textgate/internal/config"
)

const redisDialTimeout = 2 * time.Second

// RedisStatsStore counts admissions in Redis hashes:
//
//	<prefix>:total             allowed/denied, never expires
//	<prefix>:minute:<yyyymmddhhmm>  per-minute buckets, expire after ttl
//	<prefix>:route             "<route>:allowed" / "<route>:denied"
//	<prefix>:key:<client key>  per-client counters when trackKeys is set
type RedisStatsStore struct {
	rdb *redis.Client

	prefix    string
	ttl       time.Duration
	trackKeys bool
	owned     bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		if p := strings.Trim(strings.TrimSpace(prefix), ":"); p != "" {
			s.prefix = p
		}
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb *redis.Client, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "textgate:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedisStatsStore connects to the configured Redis and verifies it with a
// PING before returning.
func DialRedisStatsStore(ctx context.Context, cfg config.StatsConfig) (*RedisStatsStore, error) {
	addr := strings.TrimSpace(cfg.Redis.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis stats store: address is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: redisDialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis stats store: %w", err)
	}

	s := NewRedisStatsStore(rdb,
		WithStatsPrefix(cfg.Prefix),
		WithStatsTTL(cfg.TTL),
		WithStatsTrackKeys(cfg.TrackKeys),
	)
	s.owned = true
	return s, nil
}

func (s *RedisStatsStore) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.totalKey(), field, 1)

	bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if route := strings.TrimSpace(ev.Route); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", route+":"+field, 1)
	}

	if s.trackKeys {
		if k := strings.TrimSpace(ev.Key.String()); k != "" {
			keyKey := s.prefix + ":key:" + k
			pipe.HIncrBy(ctx, keyKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, keyKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStatsStore) Totals(ctx context.Context) (Counters, error) {
	if s == nil || s.rdb == nil {
		return Counters{}, nil
	}

	values, err := s.rdb.HGetAll(ctx, s.totalKey()).Result()
	if err != nil {
		return Counters{}, fmt.Errorf("read stats totals: %w", err)
	}

	var out Counters
	if out.Allowed, err = parseCount(values["allowed"]); err != nil {
		return Counters{}, err
	}
	if out.Denied, err = parseCount(values["denied"]); err != nil {
		return Counters{}, err
	}
	return out, nil
}

func (s *RedisStatsStore) Driver() string { return DriverRedis }

// Close releases the client when the store dialed it itself.
func (s *RedisStatsStore) Close() error {
	if s == nil || s.rdb == nil || !s.owned {
		return nil
	}
	return s.rdb.Close()
}

func (s *RedisStatsStore) totalKey() string {
	return s.prefix + ":total"
}

func parseCount(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stats counter %q: %w", raw, err)
	}
	return n, nil
}
