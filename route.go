package abuse_guard

import "strings"

// RouteRule maps a path prefix to a group.
type RouteRule struct {
	Prefix string
	Group  Group
}

// DefaultRouteRules is checked in order; admin comes before the general API
// paths.
var DefaultRouteRules = []RouteRule{
	{Prefix: "/api/admin", Group: GroupAdmin},
	{Prefix: "/api/payments", Group: GroupPayments},
	{Prefix: "/api/crypto", Group: GroupCrypto},
	{Prefix: "/api/transactions", Group: GroupTransactions},
	{Prefix: "/api/auth", Group: GroupAuth},
	{Prefix: "/api/users", Group: GroupUsers},
}

// RouteClassifier maps request paths to groups. The first matching prefix
// wins; unmatched paths map to the fallback group.
type RouteClassifier struct {
	rules    []RouteRule
	fallback Group
}

// NewRouteClassifier creates a classifier over rules, falling back to
// GroupOther.
func NewRouteClassifier(rules ...RouteRule) *RouteClassifier {
	return &RouteClassifier{
		rules:    append([]RouteRule(nil), rules...),
		fallback: GroupOther,
	}
}

// Classify returns the group for path.
func (c *RouteClassifier) Classify(path string) Group {
	for _, rule := range c.rules {
		if strings.HasPrefix(path, rule.Prefix) {
			return rule.Group
		}
	}
	return c.fallback
}

var defaultClassifier = NewRouteClassifier(DefaultRouteRules...)

// ClassifyRoute classifies path with DefaultRouteRules.
func ClassifyRoute(path string) Group {
	return defaultClassifier.Classify(path)
}
