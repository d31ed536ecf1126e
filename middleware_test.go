package abuse_guard_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aryangodara/abuse_guard"
	"github.com/aryangodara/abuse_guard/counting_stores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, config *abuse_guard.GuardConfig) http.Handler {
	t.Helper()

	guard, err := abuse_guard.New(counting_stores.NewMemoryStore(nil), map[abuse_guard.Group]abuse_guard.Policy{
		abuse_guard.GroupAdmin: {Window: time.Minute, Max: 2, Message: "Too many admin requests, please slow down."},
		abuse_guard.GroupAuth:  {Window: 15 * time.Minute, Max: 1},
	})
	require.NoError(t, err)
	t.Cleanup(guard.Close)

	config.Guard = guard
	return abuse_guard.NewHTTPGuardHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}), config)
}

func serve(h http.Handler, path, forwardedFor string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if forwardedFor != "" {
		r.Header.Set("X-Forwarded-For", forwardedFor)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHTTPGuardHandler_DeniesOverQuota(t *testing.T) {
	h := newTestHandler(t, &abuse_guard.GuardConfig{})

	for i := 0; i < 2; i++ {
		w := serve(h, "/api/admin/users", "203.0.113.1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Allow", w.Header().Get("Rate-Limiting-State"))
		assert.Equal(t, "2", w.Header().Get("RateLimit-Limit"))
	}

	w := serve(h, "/api/admin/users", "203.0.113.1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("RateLimit-Remaining"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{
		"error":      "Too many admin requests, please slow down.",
		"retryAfter": float64(60),
		"limit":      float64(2),
		"windowMs":   float64(60000),
	}, body)

	// another client is counted separately
	assert.Equal(t, http.StatusOK, serve(h, "/api/admin/users", "203.0.113.2").Code)
}

func TestHTTPGuardHandler_UnguardedGroupPassesThrough(t *testing.T) {
	h := newTestHandler(t, &abuse_guard.GuardConfig{})

	for i := 0; i < 5; i++ {
		w := serve(h, "/api/invoices", "203.0.113.1")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("RateLimit-Limit"))
	}
}

func TestHTTPGuardHandler_PinnedGroupAndIdentity(t *testing.T) {
	h := newTestHandler(t, &abuse_guard.GuardConfig{
		Group: abuse_guard.GroupAuth,
		Identity: abuse_guard.IdentityProviderFunc(func(r *http.Request) (string, bool) {
			id := r.Header.Get("X-Test-User")
			return id, id != ""
		}),
	})

	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	r.Header.Set("X-Test-User", "42")
	r.Header.Set("X-Forwarded-For", "203.0.113.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)

	// same user from another address shares the counter
	r = httptest.NewRequest(http.MethodPost, "/login", nil)
	r.Header.Set("X-Test-User", "42")
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))

	// the address itself was never counted
	assert.Equal(t, http.StatusOK, serve(h, "/login", "203.0.113.1").Code)
}

func loginHandler(guard *abuse_guard.Guard, skipSuccessful bool) http.Handler {
	return abuse_guard.NewHTTPGuardHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test-Password") != "correct" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("welcome"))
	}), &abuse_guard.GuardConfig{
		Guard:                  guard,
		Group:                  abuse_guard.GroupAdmin,
		SkipSuccessfulRequests: skipSuccessful,
	})
}

func login(h http.Handler, password string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/login", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.1")
	r.Header.Set("X-Test-Password", password)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHTTPGuardHandler_SkipSuccessfulRequests(t *testing.T) {
	guard, server := newRedisGuard(t)
	h := loginHandler(guard, true)
	const key = "rate:admin:ip:203.0.113.1"

	// successful logins are taken back and never reach the quota of 2
	for i := 0; i < 5; i++ {
		w := login(h, "correct")
		require.Equal(t, http.StatusOK, w.Code)
		require.Eventually(t, func() bool { return !server.Exists(key) }, time.Second, 5*time.Millisecond)
	}

	// failed ones stay counted
	assert.Equal(t, http.StatusUnauthorized, login(h, "wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, login(h, "wrong").Code)
	w := login(h, "wrong")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// a denied request never reaches the handler and is not taken back
	assert.Equal(t, http.StatusTooManyRequests, login(h, "correct").Code)
	value, err := server.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "4", value)
	assert.Equal(t, time.Minute, server.TTL(key))
}

func TestHTTPGuardHandler_CountsSuccessfulRequestsByDefault(t *testing.T) {
	guard, server := newRedisGuard(t)
	h := loginHandler(guard, false)

	assert.Equal(t, http.StatusOK, login(h, "correct").Code)
	assert.Equal(t, http.StatusOK, login(h, "correct").Code)
	assert.Equal(t, http.StatusTooManyRequests, login(h, "correct").Code)

	value, err := server.Get("rate:admin:ip:203.0.113.1")
	require.NoError(t, err)
	assert.Equal(t, "3", value)
}

func TestHTTPGuardHandler_DegradedOmitsRateLimitHeaders(t *testing.T) {
	guard, server := newRedisGuard(t)
	h := loginHandler(guard, true)

	server.Close()

	for i := 0; i < 3; i++ {
		w := login(h, "correct")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "welcome", w.Body.String())
		for _, header := range []string{"RateLimit-Limit", "RateLimit-Remaining", "Rate-Limiting-State", "Retry-After"} {
			assert.Empty(t, w.Header().Get(header), header)
		}
	}
	assert.Equal(t, abuse_guard.Degraded, guard.Health())
}
