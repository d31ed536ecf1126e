package abuse_guard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrUnknownGroup is returned by the statistics API for groups without a policy.
var ErrUnknownGroup = errors.New("unknown rate limit group")

const (
	defaultOffenderLimit = 10
	defaultMinutesBack   = 60
)

// Guard counts requests per (group, identifier) in a shared Store and decides
// allow/deny. It holds no per-key state in process; all cross-request and
// cross-instance coordination happens in the store.
type Guard struct {
	store    Store
	policies map[Group]Policy
	groups   []Group

	alerts     AlertTrigger
	dispatcher AlertDispatcher
	publisher  EventPublisher
	reporter   ErrorReporter
	recorder   MetricsRecorder
	logger     *zap.Logger
	now        func() time.Time

	timeout   time.Duration
	workers   int
	queueSize int

	health *health
	tasks  *taskRunner
}

// New creates a Guard enforcing policies on top of store. Close must be
// called to drain background tasks.
func New(store Store, policies map[Group]Policy, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one policy is required")
	}

	g := &Guard{
		store:      store,
		policies:   make(map[Group]Policy, len(policies)),
		alerts:     AlertPolicies{},
		dispatcher: noopDispatcher{},
		publisher:  noopPublisher{},
		reporter:   noopReporter{},
		recorder:   NoOpMetricsRecorder{},
		logger:     zap.NewNop(),
		now:        time.Now,
		timeout:    defaultStoreTimeout,
		workers:    defaultWorkers,
		queueSize:  defaultQueueSize,
		health:     newHealth(),
	}

	for group, p := range policies {
		if p.Window <= 0 || p.Max <= 0 {
			return nil, fmt.Errorf("policy %v must have a positive window and max", group)
		}
		g.policies[group] = p
		g.groups = append(g.groups, group)
	}
	sort.Slice(g.groups, func(i, j int) bool { return g.groups[i] < g.groups[j] })

	for _, opt := range opts {
		opt(g)
	}

	g.tasks = newTaskRunner(g.workers, g.queueSize, defaultTaskTimeout, g.logger)

	return g, nil
}

// Close stops the background workers after draining queued alerts and reports.
func (g *Guard) Close() {
	g.tasks.close()
}

// Policy returns the policy configured for group.
func (g *Guard) Policy(group Group) (Policy, bool) {
	p, ok := g.policies[group]
	return p, ok
}

// Health returns the current degradation state.
func (g *Guard) Health() HealthState {
	return g.health.current()
}

// CheckAndRecord counts one request and returns the decision. It never fails:
// when the store is unreachable the request is allowed.
func (g *Guard) CheckAndRecord(ctx context.Context, req *Request) *Decision {
	policy, ok := g.policies[req.Group]
	if !ok {
		return &Decision{Allowed: true}
	}

	identifier := counterIdentifier(req.Identifier)

	decision := &Decision{
		Allowed: true,
		Limit:   policy.Max,
		Window:  policy.Window,
		Message: policy.Message,
	}

	wc, err := g.increment(ctx, req.Group, identifier, policy.Window)
	if err != nil {
		g.storeFailed(err, "increment", req.Group, identifier)
		g.recorder.Add(MetricFailOpen, 1, map[string]string{"group": string(req.Group)})
		decision.Degraded = true
		return decision
	}

	decision.Count = wc.Count
	exceeded := wc.Count > policy.Max

	if exceeded {
		decision.Allowed = false
		decision.RetryAfter = retryAfter(wc.TTL, policy.Window)

		if err := g.recordOverage(ctx, req.Group, identifier); err != nil {
			g.storeFailed(err, "record_overage", req.Group, identifier)
		}

		g.logger.Warn("rate limit exceeded",
			zap.String("group", string(req.Group)),
			zap.String("identifier", identifier),
			zap.String("path", req.Path),
			zap.String("method", req.Method),
			zap.Int64("count", wc.Count),
			zap.Int64("max", policy.Max),
			zap.Duration("retry_after", decision.RetryAfter),
		)
	}

	g.maybeAlert(req, identifier, wc.Count)

	g.publish(&Event{
		ID:         uuid.NewString(),
		Group:      req.Group,
		Identifier: identifier,
		Count:      wc.Count,
		Exceeded:   exceeded,
		Timestamp:  g.now(),
	})

	outcome := "allow"
	if exceeded {
		outcome = "deny"
	}
	g.recorder.Add(MetricDecision, 1, map[string]string{"group": string(req.Group), "outcome": outcome})

	return decision
}

// Refund takes back, in the background, the hit CheckAndRecord counted for
// req. A lost refund only makes the quota stricter.
func (g *Guard) Refund(req *Request) {
	if _, ok := g.policies[req.Group]; !ok {
		return
	}
	identifier := counterIdentifier(req.Identifier)

	g.tasks.submit("refund", func(ctx context.Context) error {
		ctx, cancel := g.storeContext(ctx)
		defer cancel()

		if err := g.store.Decrement(ctx, req.Group, identifier); err != nil {
			g.storeFailed(err, "decrement", req.Group, identifier)
			return nil
		}
		g.storeRecovered()
		return nil
	})
}

func counterIdentifier(identifier string) string {
	if identifier == "" {
		return ipPrefix + unknownAddress
	}
	return identifier
}

// retryAfter rounds the counter's remaining TTL up to whole seconds, using
// the full window when the store could not report one.
func retryAfter(ttl, window time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = window
	}
	return time.Duration(math.Ceil(ttl.Seconds())) * time.Second
}

func (g *Guard) increment(ctx context.Context, group Group, identifier string, window time.Duration) (*WindowCount, error) {
	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	start := time.Now()
	wc, err := g.store.Increment(ctx, group, identifier, window)
	g.recorder.Observe(MetricStoreLatency, time.Since(start).Seconds(), map[string]string{"op": "increment"})
	if err != nil {
		return nil, err
	}

	g.storeRecovered()
	return wc, nil
}

func (g *Guard) recordOverage(ctx context.Context, group Group, identifier string) error {
	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	return g.store.RecordOverage(ctx, &Overage{
		Group:      group,
		Identifier: identifier,
		Minute:     minuteBucket(g.now()),
		Retention:  OffenderRetention,
	})
}

// storeContext detaches ctx from the caller's cancellation, since a client
// hanging up is not a store fault, and bounds it with the store timeout.
func (g *Guard) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
}

func (g *Guard) storeFailed(err error, op string, group Group, identifier string) {
	if !g.health.fail() {
		g.logger.Debug("shared store still unavailable",
			zap.String("op", op),
			zap.Error(err),
		)
		return
	}

	g.logger.Error("shared store unavailable, failing open",
		zap.String("op", op),
		zap.String("group", string(group)),
		zap.String("identifier", identifier),
		zap.Error(err),
	)

	g.report(err, map[string]string{
		"component":  "rate-limiter",
		"error_type": "store_unavailable",
		"op":         op,
		"group":      string(group),
	})
}

func (g *Guard) storeRecovered() {
	if g.health.succeed() {
		g.logger.Info("shared store reachable again")
	}
}

func (g *Guard) report(err error, tags map[string]string) {
	g.tasks.submit("report", func(context.Context) error {
		g.reporter.Report(err, tags)
		return nil
	})
}

func (g *Guard) maybeAlert(req *Request, identifier string, count int64) {
	policy, ok := g.alerts.Evaluate(req.Group, count)
	if !ok {
		return
	}

	alert := &Alert{
		ID:         uuid.NewString(),
		Group:      req.Group,
		Identifier: identifier,
		Count:      count,
		Path:       req.Path,
		Method:     req.Method,
		UserAgent:  req.UserAgent,
		Severity:   policy.Severity,
		Channels:   policy.Channels,
		Timestamp:  g.now(),
	}

	g.tasks.submit("alert", func(ctx context.Context) error {
		if policy.Cooldown > 0 {
			won, err := g.store.AcquireAlertCooldown(ctx, alert.Group, alert.Identifier, policy.Cooldown)
			if err != nil {
				// without the store we cannot dedupe; over-alerting beats silence
				g.logger.Debug("alert cooldown unavailable", zap.Error(err))
			} else if !won {
				return nil
			}
		}

		if err := g.dispatcher.Dispatch(ctx, alert); err != nil {
			return fmt.Errorf("failed to dispatch alert %v for %v: %w", alert.ID, alert.Identifier, err)
		}
		return nil
	})
}

func (g *Guard) publish(e *Event) {
	defer func() {
		if p := recover(); p != nil {
			g.logger.Error("event publisher panicked", zap.Any("panic", p))
		}
	}()

	g.publisher.Publish(e)
}

// Offender is an entry of the offender leaderboard. Key is the full
// identifier that Clear and OffenderTrend take.
type Offender struct {
	Key        string `json:"key"`
	Identifier string `json:"identifier"`
	Kind       string `json:"type"`
	Count      int64  `json:"count"`
}

// GroupOffenders is a group holding at least one offender.
type GroupOffenders struct {
	Group         Group `json:"group"`
	OffenderCount int64 `json:"offenderCount"`
}

// TrendPoint is one minute bucket.
type TrendPoint struct {
	Minute    int64 `json:"minute"`
	Timestamp int64 `json:"timestamp"`
	Count     int64 `json:"count"`
}

// TopOffenders returns up to limit offenders of group, highest score first.
func (g *Guard) TopOffenders(ctx context.Context, group Group, limit int64) ([]Offender, error) {
	if err := g.knownGroup(group); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultOffenderLimit
	}

	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	ranked, err := g.store.TopOffenders(ctx, group, limit)
	if err != nil {
		g.storeFailed(err, "top_offenders", group, "")
		return nil, fmt.Errorf("failed to fetch offenders for group %v: %w", group, err)
	}
	g.storeRecovered()

	offenders := make([]Offender, 0, len(ranked))
	for _, r := range ranked {
		kind, value := IdentifierKind(r.Identifier)
		offenders = append(offenders, Offender{Key: r.Identifier, Identifier: value, Kind: kind, Count: r.Score})
	}

	return offenders, nil
}

// GroupsWithOffenders lists the configured groups holding at least one
// offender.
func (g *Guard) GroupsWithOffenders(ctx context.Context) ([]GroupOffenders, error) {
	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	groups := make([]GroupOffenders, 0)
	for _, group := range g.groups {
		n, err := g.store.CountOffenders(ctx, group)
		if err != nil {
			g.storeFailed(err, "count_offenders", group, "")
			return nil, fmt.Errorf("failed to count offenders for group %v: %w", group, err)
		}
		if n > 0 {
			groups = append(groups, GroupOffenders{Group: group, OffenderCount: n})
		}
	}
	g.storeRecovered()

	return groups, nil
}

// OffenderTrend returns the per-minute overage counts of one identifier over
// the last minutesBack minutes, oldest first.
func (g *Guard) OffenderTrend(ctx context.Context, group Group, identifier string, minutesBack int64) ([]TrendPoint, error) {
	if err := g.knownGroup(group); err != nil {
		return nil, err
	}

	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	buckets, err := g.store.OffenderTrend(ctx, group, identifier)
	if err != nil {
		g.storeFailed(err, "offender_trend", group, identifier)
		return nil, fmt.Errorf("failed to fetch trend for %v in group %v: %w", identifier, group, err)
	}
	g.storeRecovered()

	return g.trendPoints(buckets, minutesBack), nil
}

// GlobalTrend returns the per-minute overage counts of a whole group over the
// last minutesBack minutes, oldest first.
func (g *Guard) GlobalTrend(ctx context.Context, group Group, minutesBack int64) ([]TrendPoint, error) {
	if err := g.knownGroup(group); err != nil {
		return nil, err
	}

	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	buckets, err := g.store.GlobalTrend(ctx, group)
	if err != nil {
		g.storeFailed(err, "global_trend", group, "")
		return nil, fmt.Errorf("failed to fetch global trend for group %v: %w", group, err)
	}
	g.storeRecovered()

	return g.trendPoints(buckets, minutesBack), nil
}

func (g *Guard) trendPoints(buckets map[int64]int64, minutesBack int64) []TrendPoint {
	if minutesBack <= 0 {
		minutesBack = defaultMinutesBack
	}
	cutoff := minuteBucket(g.now()) - minutesBack

	points := make([]TrendPoint, 0, len(buckets))
	for minute, count := range buckets {
		if minute < cutoff {
			continue
		}
		points = append(points, TrendPoint{
			Minute:    minute,
			Timestamp: minute * trendBucketSize.Milliseconds(),
			Count:     count,
		})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Minute < points[j].Minute })

	return points
}

// Clear removes the identifier's active window counter and its offender
// ranking. Clearing an identifier with nothing recorded is a no-op.
func (g *Guard) Clear(ctx context.Context, group Group, identifier string) error {
	if err := g.knownGroup(group); err != nil {
		return err
	}

	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	if err := g.store.Clear(ctx, group, identifier); err != nil {
		g.storeFailed(err, "clear", group, identifier)
		return fmt.Errorf("failed to clear %v in group %v: %w", identifier, group, err)
	}
	g.storeRecovered()

	g.logger.Info("rate limit cleared",
		zap.String("group", string(group)),
		zap.String("identifier", identifier),
	)
	return nil
}

// Ping checks the shared store and updates the degradation state.
func (g *Guard) Ping(ctx context.Context) error {
	ctx, cancel := g.storeContext(ctx)
	defer cancel()

	if err := g.store.Ping(ctx); err != nil {
		g.storeFailed(err, "ping", "", "")
		return err
	}
	g.storeRecovered()
	return nil
}

func (g *Guard) knownGroup(group Group) error {
	if _, ok := g.policies[group]; !ok {
		return fmt.Errorf("%w: %v", ErrUnknownGroup, strconv.Quote(string(group)))
	}
	return nil
}
