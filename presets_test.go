package abuse_guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicies_CoverRouteGroups(t *testing.T) {
	policies := DefaultPolicies()
	alerts := DefaultAlertPolicies()

	groups := []Group{GroupOther, GroupAuthStrict, GroupAPI}
	for _, rule := range DefaultRouteRules {
		groups = append(groups, rule.Group)
	}

	for _, group := range groups {
		p, ok := policies[group]
		require.True(t, ok, "no policy for %v", group)
		assert.Positive(t, p.Window)
		assert.Positive(t, p.Max)

		_, ok = alerts[group]
		assert.True(t, ok, "no alert policy for %v", group)
	}

	assert.Equal(t, StrictPolicy, policies[GroupAuthStrict])
	assert.Equal(t, int64(5), StrictPolicy.Max)
}
