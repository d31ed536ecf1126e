package counting_stores

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aryangodara/abuse_guard"
)

var (
	_ abuse_guard.Store = &MemoryStore{}
)

type windowEntry struct {
	count     int64
	expiresAt time.Time
}

type scoreSet struct {
	scores    map[string]int64
	expiresAt time.Time
}

type bucketSet struct {
	buckets   map[int64]int64
	expiresAt time.Time
}

// MemoryStore is an in-process Store with the same semantics as RedisStore.
//
// It is safe for concurrent use, but its state is local to the process: use
// it for tests, local development and single-instance deployments only.
// Expired entries are dropped lazily on access and by Prune.
type MemoryStore struct {
	mu  sync.Mutex
	now func() time.Time

	counters  map[string]*windowEntry
	offenders map[abuse_guard.Group]*scoreSet
	trends    map[string]*bucketSet
	cooldowns map[string]time.Time
}

// NewMemoryStore constructs an empty MemoryStore reading time from now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:       now,
		counters:  make(map[string]*windowEntry),
		offenders: make(map[abuse_guard.Group]*scoreSet),
		trends:    make(map[string]*bucketSet),
		cooldowns: make(map[string]time.Time),
	}
}

func counterKey(group abuse_guard.Group, identifier string) string {
	return string(group) + ":" + identifier
}

func offenderTrendKey(group abuse_guard.Group, identifier string) string {
	return "offender:" + string(group) + ":" + identifier
}

func globalTrendKey(group abuse_guard.Group) string {
	return "global:" + string(group)
}

func (m *MemoryStore) Increment(_ context.Context, group abuse_guard.Group, identifier string, window time.Duration) (*abuse_guard.WindowCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := counterKey(group, identifier)

	e, ok := m.counters[key]
	if !ok || !now.Before(e.expiresAt) {
		e = &windowEntry{expiresAt: now.Add(window)}
		m.counters[key] = e
	}
	e.count++

	return &abuse_guard.WindowCount{
		Count: e.count,
		TTL:   e.expiresAt.Sub(now),
	}, nil
}

func (m *MemoryStore) Decrement(_ context.Context, group abuse_guard.Group, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := counterKey(group, identifier)
	e, ok := m.counters[key]
	if !ok {
		return nil
	}
	if !m.now().Before(e.expiresAt) || e.count <= 1 {
		delete(m.counters, key)
		return nil
	}
	e.count--

	return nil
}

func (m *MemoryStore) RecordOverage(_ context.Context, o *abuse_guard.Overage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expiresAt := now.Add(o.Retention)

	set := m.liveOffenders(o.Group, now)
	if set == nil {
		set = &scoreSet{scores: make(map[string]int64)}
		m.offenders[o.Group] = set
	}
	set.scores[o.Identifier]++
	set.expiresAt = expiresAt

	for _, key := range []string{offenderTrendKey(o.Group, o.Identifier), globalTrendKey(o.Group)} {
		b := m.liveTrend(key, now)
		if b == nil {
			b = &bucketSet{buckets: make(map[int64]int64)}
			m.trends[key] = b
		}
		b.buckets[o.Minute]++
		b.expiresAt = expiresAt
	}

	return nil
}

// TopOffenders orders by score, then by identifier descending, which is how
// Redis orders equal scores in ZREVRANGE.
func (m *MemoryStore) TopOffenders(_ context.Context, group abuse_guard.Group, limit int64) ([]abuse_guard.RankedOffender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.liveOffenders(group, m.now())
	if set == nil {
		return []abuse_guard.RankedOffender{}, nil
	}

	offenders := make([]abuse_guard.RankedOffender, 0, len(set.scores))
	for id, score := range set.scores {
		offenders = append(offenders, abuse_guard.RankedOffender{Identifier: id, Score: score})
	}
	sort.Slice(offenders, func(i, j int) bool {
		if offenders[i].Score != offenders[j].Score {
			return offenders[i].Score > offenders[j].Score
		}
		return offenders[i].Identifier > offenders[j].Identifier
	})

	if limit > 0 && int64(len(offenders)) > limit {
		offenders = offenders[:limit]
	}

	return offenders, nil
}

func (m *MemoryStore) CountOffenders(_ context.Context, group abuse_guard.Group) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.liveOffenders(group, m.now())
	if set == nil {
		return 0, nil
	}
	return int64(len(set.scores)), nil
}

func (m *MemoryStore) OffenderTrend(_ context.Context, group abuse_guard.Group, identifier string) (map[int64]int64, error) {
	return m.trend(offenderTrendKey(group, identifier)), nil
}

func (m *MemoryStore) GlobalTrend(_ context.Context, group abuse_guard.Group) (map[int64]int64, error) {
	return m.trend(globalTrendKey(group)), nil
}

func (m *MemoryStore) trend(key string) map[int64]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int64]int64)
	if b := m.liveTrend(key, m.now()); b != nil {
		for minute, count := range b.buckets {
			out[minute] = count
		}
	}
	return out
}

func (m *MemoryStore) AcquireAlertCooldown(_ context.Context, group abuse_guard.Group, identifier string, cooldown time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := counterKey(group, identifier)
	if until, ok := m.cooldowns[key]; ok && now.Before(until) {
		return false, nil
	}
	m.cooldowns[key] = now.Add(cooldown)
	return true, nil
}

func (m *MemoryStore) Clear(_ context.Context, group abuse_guard.Group, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, counterKey(group, identifier))
	if set, ok := m.offenders[group]; ok {
		delete(set.scores, identifier)
		if len(set.scores) == 0 {
			delete(m.offenders, group)
		}
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

// Prune drops every expired entry.
func (m *MemoryStore) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.counters {
		if !now.Before(e.expiresAt) {
			delete(m.counters, key)
		}
	}
	for group := range m.offenders {
		m.liveOffenders(group, now)
	}
	for key := range m.trends {
		m.liveTrend(key, now)
	}
	for key, until := range m.cooldowns {
		if !now.Before(until) {
			delete(m.cooldowns, key)
		}
	}
}

func (m *MemoryStore) liveOffenders(group abuse_guard.Group, now time.Time) *scoreSet {
	set, ok := m.offenders[group]
	if !ok {
		return nil
	}
	if !now.Before(set.expiresAt) {
		delete(m.offenders, group)
		return nil
	}
	return set
}

func (m *MemoryStore) liveTrend(key string, now time.Time) *bucketSet {
	b, ok := m.trends[key]
	if !ok {
		return nil
	}
	if !now.Before(b.expiresAt) {
		delete(m.trends, key)
		return nil
	}
	return b
}
