package abuse_guard

import "time"

// Preset policies for common endpoint families.
var (
	// StrictPolicy allows 5 attempts per 15 minutes, for login and similar.
	StrictPolicy = Policy{
		Window:  15 * time.Minute,
		Max:     5,
		Message: "Too many login attempts, please try again in 15 minutes.",
	}

	AdminPolicy = Policy{
		Window:  time.Minute,
		Max:     20,
		Message: "Too many admin requests, please slow down.",
	}

	APIPolicy = Policy{
		Window:  time.Minute,
		Max:     100,
		Message: "API rate limit exceeded, please try again later.",
	}
)

// DefaultPolicies returns a policy for every built-in group.
func DefaultPolicies() map[Group]Policy {
	return map[Group]Policy{
		GroupAuthStrict:   StrictPolicy,
		GroupAuth:         StrictPolicy,
		GroupAdmin:        AdminPolicy,
		GroupAPI:          APIPolicy,
		GroupPayments:     {Window: time.Minute, Max: 30, Message: "Too many payment requests, please try again later."},
		GroupCrypto:       {Window: time.Minute, Max: 30, Message: "Too many crypto requests, please try again later."},
		GroupTransactions: {Window: time.Minute, Max: 60},
		GroupUsers:        {Window: time.Minute, Max: 100},
		GroupOther:        APIPolicy,
	}
}
