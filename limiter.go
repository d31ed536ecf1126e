package abuse_guard

import (
	"context"
	"time"
)

// Group is a coarse route classification with its own quota and window.
type Group string

const (
	GroupAdmin        Group = "admin"
	GroupAuth         Group = "auth"
	GroupAuthStrict   Group = "auth-strict"
	GroupPayments     Group = "payments"
	GroupCrypto       Group = "crypto"
	GroupTransactions Group = "transactions"
	GroupUsers        Group = "users"
	GroupAPI          Group = "api"
	GroupOther        Group = "other"
)

const (
	// OffenderRetention bounds how long offender scores and trend buckets live.
	OffenderRetention = 24 * time.Hour

	trendBucketSize = time.Minute
)

// Policy is the quota applied to one group.
type Policy struct {
	Window  time.Duration
	Max     int64
	Message string
}

// Request defines a request to be counted against a group quota.
type Request struct {
	Group      Group
	Identifier string
	Path       string
	Method     string
	UserAgent  string
}

// Decision is the outcome of CheckAndRecord. It is never stored.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int64
	Window     time.Duration
	RetryAfter time.Duration
	Message    string
	// Degraded is set when the decision was made without the shared store.
	Degraded bool
}

// RetryAfterSeconds is the whole-second retry hint for a denied request.
func (d *Decision) RetryAfterSeconds() int64 {
	return int64(d.RetryAfter / time.Second)
}

// WindowCount is the post-increment state of a window counter.
// TTL is zero or negative when the store could not report it.
type WindowCount struct {
	Count int64
	TTL   time.Duration
}

// Overage is a single quota-exceeding event to be written to the offender
// ledger and both trend series.
type Overage struct {
	Group      Group
	Identifier string
	Minute     int64
	Retention  time.Duration
}

// RankedOffender is a raw offender ledger entry as held by a Store.
type RankedOffender struct {
	Identifier string
	Score      int64
}

// Store is the shared counting store. Every method may block on I/O.
type Store interface {
	// Increment bumps the window counter for (group, identifier). The first
	// increment of a fresh window sets its expiry; later ones must not touch it.
	Increment(ctx context.Context, group Group, identifier string, window time.Duration) (*WindowCount, error)
	// Decrement takes one hit back from a live window counter without touching
	// its expiry. A missing counter stays missing; one dropping to zero is removed.
	Decrement(ctx context.Context, group Group, identifier string) error
	RecordOverage(ctx context.Context, o *Overage) error
	TopOffenders(ctx context.Context, group Group, limit int64) ([]RankedOffender, error)
	CountOffenders(ctx context.Context, group Group) (int64, error)
	// OffenderTrend returns minute bucket -> hit count for one identifier.
	OffenderTrend(ctx context.Context, group Group, identifier string) (map[int64]int64, error)
	GlobalTrend(ctx context.Context, group Group) (map[int64]int64, error)
	// AcquireAlertCooldown reports whether the caller won the right to alert
	// for (group, identifier) during the next cooldown period.
	AcquireAlertCooldown(ctx context.Context, group Group, identifier string, cooldown time.Duration) (bool, error)
	Clear(ctx context.Context, group Group, identifier string) error
	Ping(ctx context.Context) error
}

// minuteBucket returns floor(unixMs / 60000).
func minuteBucket(t time.Time) int64 {
	return t.UnixMilli() / trendBucketSize.Milliseconds()
}
