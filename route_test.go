package abuse_guard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRoute(t *testing.T) {
	tt := []struct {
		path string
		want Group
	}{
		{"/api/admin/users/1", GroupAdmin},
		{"/api/admin", GroupAdmin},
		{"/api/payments/checkout", GroupPayments},
		{"/api/crypto/swap", GroupCrypto},
		{"/api/transactions?page=2", GroupTransactions},
		{"/api/auth/login", GroupAuth},
		{"/api/users/me", GroupUsers},
		{"/api/invoices", GroupOther},
		{"/", GroupOther},
		{"", GroupOther},
	}

	for _, ts := range tt {
		assert.Equal(t, ts.want, ClassifyRoute(ts.path), ts.path)
	}
}

func TestRouteClassifier_FirstMatchWins(t *testing.T) {
	c := NewRouteClassifier(
		RouteRule{Prefix: "/api/auth", Group: GroupAuth},
		RouteRule{Prefix: "/api/auth/login", Group: GroupAuthStrict},
	)

	assert.Equal(t, GroupAuth, c.Classify("/api/auth/login"))

	c = NewRouteClassifier(
		RouteRule{Prefix: "/api/auth/login", Group: GroupAuthStrict},
		RouteRule{Prefix: "/api/auth", Group: GroupAuth},
	)

	assert.Equal(t, GroupAuthStrict, c.Classify("/api/auth/login"))
	assert.Equal(t, GroupAuth, c.Classify("/api/auth/refresh"))
	assert.Equal(t, GroupOther, c.Classify("/healthz"))
}
