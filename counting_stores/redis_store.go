package counting_stores

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aryangodara/abuse_guard"
	"github.com/redis/go-redis/v9"
)

var (
	_ abuse_guard.Store = &RedisStore{}
)

//go:embed fixed_window.lua
var fixedWindowSource string

var fixedWindowScript = redis.NewScript(fixedWindowSource)

//go:embed decrement.lua
var decrementSource string

var decrementScript = redis.NewScript(decrementSource)

// RedisStore keeps counters, the offender ledger and trend buckets in Redis so
// every service instance shares them.
//
// Keys, relative to the prefix:
//
//	rate:{group}:{identifier}             window counter (string, PEXPIRE)
//	offenders:{group}                     offender ledger (sorted set)
//	offender_trends:{group}:{identifier}  minute bucket -> hits (hash)
//	global_trends:{group}                 minute bucket -> hits (hash)
//	alert_cooldown:{group}:{identifier}   alert dedupe marker (string, PX)
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix namespaces every key (default none).
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a store on top of client. It does not ping: an
// unreachable Redis at startup only means the guard starts degraded.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) counterKey(group abuse_guard.Group, identifier string) string {
	return s.prefix + "rate:" + string(group) + ":" + identifier
}

func (s *RedisStore) offendersKey(group abuse_guard.Group) string {
	return s.prefix + "offenders:" + string(group)
}

func (s *RedisStore) offenderTrendKey(group abuse_guard.Group, identifier string) string {
	return s.prefix + "offender_trends:" + string(group) + ":" + identifier
}

func (s *RedisStore) globalTrendKey(group abuse_guard.Group) string {
	return s.prefix + "global_trends:" + string(group)
}

func (s *RedisStore) cooldownKey(group abuse_guard.Group, identifier string) string {
	return s.prefix + "alert_cooldown:" + string(group) + ":" + identifier
}

// Increment runs INCR, PEXPIRE-if-first and PTTL as one script, so two
// instances racing on the first hit of a window cannot both set the expiry
// or both skip it.
func (s *RedisStore) Increment(ctx context.Context, group abuse_guard.Group, identifier string, window time.Duration) (*abuse_guard.WindowCount, error) {
	key := s.counterKey(group, identifier)

	values, err := fixedWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("error incrementing key %v: %w", key, err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected script reply for key %v: %v", key, values)
	}

	return &abuse_guard.WindowCount{
		Count: values[0],
		TTL:   time.Duration(values[1]) * time.Millisecond,
	}, nil
}

// Decrement runs GET and DECR (or DEL at one) as one script so it never
// recreates an expired counter without an expiry.
func (s *RedisStore) Decrement(ctx context.Context, group abuse_guard.Group, identifier string) error {
	key := s.counterKey(group, identifier)

	if err := decrementScript.Run(ctx, s.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("error decrementing key %v: %w", key, err)
	}

	return nil
}

// RecordOverage bumps the offender score and both trend buckets, refreshing
// their retention, in a single MULTI/EXEC.
func (s *RedisStore) RecordOverage(ctx context.Context, o *abuse_guard.Overage) error {
	offenders := s.offendersKey(o.Group)
	offenderTrend := s.offenderTrendKey(o.Group, o.Identifier)
	globalTrend := s.globalTrendKey(o.Group)
	field := strconv.FormatInt(o.Minute, 10)

	pipe := s.client.TxPipeline()
	pipe.ZIncrBy(ctx, offenders, 1, o.Identifier)
	pipe.Expire(ctx, offenders, o.Retention)
	pipe.HIncrBy(ctx, offenderTrend, field, 1)
	pipe.Expire(ctx, offenderTrend, o.Retention)
	pipe.HIncrBy(ctx, globalTrend, field, 1)
	pipe.Expire(ctx, globalTrend, o.Retention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error recording overage for %v in group %v: %w", o.Identifier, o.Group, err)
	}

	return nil
}

func (s *RedisStore) TopOffenders(ctx context.Context, group abuse_guard.Group, limit int64) ([]abuse_guard.RankedOffender, error) {
	key := s.offendersKey(group)

	zs, err := s.client.ZRevRangeWithScores(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("error reading sorted set %v: %w", key, err)
	}

	offenders := make([]abuse_guard.RankedOffender, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		offenders = append(offenders, abuse_guard.RankedOffender{
			Identifier: member,
			Score:      int64(z.Score),
		})
	}

	return offenders, nil
}

func (s *RedisStore) CountOffenders(ctx context.Context, group abuse_guard.Group) (int64, error) {
	key := s.offendersKey(group)

	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("error counting sorted set %v: %w", key, err)
	}

	return n, nil
}

func (s *RedisStore) OffenderTrend(ctx context.Context, group abuse_guard.Group, identifier string) (map[int64]int64, error) {
	return s.trend(ctx, s.offenderTrendKey(group, identifier))
}

func (s *RedisStore) GlobalTrend(ctx context.Context, group abuse_guard.Group) (map[int64]int64, error) {
	return s.trend(ctx, s.globalTrendKey(group))
}

func (s *RedisStore) trend(ctx context.Context, key string) (map[int64]int64, error) {
	raw, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("error reading hash %v: %w", key, err)
	}

	buckets := make(map[int64]int64, len(raw))
	for field, value := range raw {
		minute, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		buckets[minute] = count
	}

	return buckets, nil
}

func (s *RedisStore) AcquireAlertCooldown(ctx context.Context, group abuse_guard.Group, identifier string, cooldown time.Duration) (bool, error) {
	key := s.cooldownKey(group, identifier)

	ok, err := s.client.SetNX(ctx, key, 1, cooldown).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("error setting cooldown key %v: %w", key, err)
	}

	return ok, nil
}

// Clear drops the window counter and the ledger entry. Missing keys are fine.
func (s *RedisStore) Clear(ctx context.Context, group abuse_guard.Group, identifier string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.counterKey(group, identifier))
	pipe.ZRem(ctx, s.offendersKey(group), identifier)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("error clearing %v in group %v: %w", identifier, group, err)
	}

	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
