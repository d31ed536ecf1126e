package abuse_guard

import (
	"context"
	"time"
)

// Severity of an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AlertPolicy decides when a group's counter becomes alert-worthy.
type AlertPolicy struct {
	// Threshold is exclusive: a count above it alerts.
	Threshold int64
	Severity  Severity
	// Cooldown suppresses repeat alerts for the same identifier. Zero disables it.
	Cooldown time.Duration
	Channels []string
}

// AlertTrigger evaluates alert-worthiness from the group and the current
// window count only. It is independent of the allow/deny decision and must
// not block.
type AlertTrigger interface {
	Evaluate(group Group, count int64) (AlertPolicy, bool)
}

// AlertPolicies is an AlertTrigger keyed by group. Groups without a policy
// never alert.
type AlertPolicies map[Group]AlertPolicy

func (p AlertPolicies) Evaluate(group Group, count int64) (AlertPolicy, bool) {
	policy, ok := p[group]
	if !ok {
		return AlertPolicy{}, false
	}
	return policy, count > policy.Threshold
}

// DefaultAlertPolicies returns the stock thresholds per group.
func DefaultAlertPolicies() AlertPolicies {
	return AlertPolicies{
		GroupAuth: {
			Threshold: 10,
			Severity:  SeverityCritical,
			Cooldown:  5 * time.Minute,
			Channels:  []string{"email", "sms", "slack", "websocket", "sentry"},
		},
		GroupAuthStrict: {
			Threshold: 8,
			Severity:  SeverityCritical,
			Cooldown:  3 * time.Minute,
			Channels:  []string{"email", "sms", "slack", "teams", "websocket", "sentry"},
		},
		GroupAdmin: {
			Threshold: 20,
			Severity:  SeverityHigh,
			Cooldown:  10 * time.Minute,
			Channels:  []string{"email", "sms", "slack", "websocket", "sentry"},
		},
		GroupPayments: {
			Threshold: 15,
			Severity:  SeverityCritical,
			Cooldown:  5 * time.Minute,
			Channels:  []string{"email", "sms", "slack", "teams", "websocket", "sentry"},
		},
		GroupCrypto: {
			Threshold: 15,
			Severity:  SeverityHigh,
			Cooldown:  10 * time.Minute,
			Channels:  []string{"email", "slack", "websocket", "sentry"},
		},
		GroupTransactions: {
			Threshold: 30,
			Severity:  SeverityMedium,
			Cooldown:  15 * time.Minute,
			Channels:  []string{"email", "slack", "websocket", "sentry"},
		},
		GroupUsers: {
			Threshold: 50,
			Severity:  SeverityMedium,
			Cooldown:  15 * time.Minute,
			Channels:  []string{"email", "websocket", "sentry"},
		},
		GroupAPI: {
			Threshold: 100,
			Severity:  SeverityLow,
			Cooldown:  30 * time.Minute,
			Channels:  []string{"email", "websocket", "sentry"},
		},
		GroupOther: {
			Threshold: 80,
			Severity:  SeverityLow,
			Cooldown:  30 * time.Minute,
			Channels:  []string{"email", "sentry"},
		},
	}
}

// Alert is handed to an AlertDispatcher.
type Alert struct {
	ID         string    `json:"id"`
	Group      Group     `json:"group"`
	Identifier string    `json:"identifier"`
	Count      int64     `json:"count"`
	Path       string    `json:"path,omitempty"`
	Method     string    `json:"method,omitempty"`
	UserAgent  string    `json:"userAgent,omitempty"`
	Severity   Severity  `json:"severity"`
	Channels   []string  `json:"channels,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AlertDispatcher delivers alerts. It is always called from a background
// worker, never from the request path.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, a *Alert) error
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, *Alert) error { return nil }
