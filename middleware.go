package abuse_guard

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

var (
	_ http.Handler = &httpGuardHandler{}
)

const (
	rateLimitLimit     = "RateLimit-Limit"
	rateLimitRemaining = "RateLimit-Remaining"
	rateLimitState     = "Rate-Limiting-State"
	retryAfterHeader   = "Retry-After"
)

// GuardConfig holds configuration for the HTTP guard.
type GuardConfig struct {
	Guard *Guard
	// Group pins every request to one group. When empty, Classifier decides.
	Group      Group
	Classifier *RouteClassifier
	Identity   IdentityProvider
	Logger     *zap.Logger
	// SkipSuccessfulRequests takes a hit back when the response status is
	// below 400, so only failed attempts (bad logins, say) use up the quota.
	SkipSuccessfulRequests bool
}

type httpGuardHandler struct {
	handler http.Handler
	config  *GuardConfig
}

// NewHTTPGuardHandler wraps an existing http.Handler and counts every request
// against its group before forwarding it.
func NewHTTPGuardHandler(originalHandler http.Handler, config *GuardConfig) http.Handler {
	if config.Classifier == nil {
		config.Classifier = defaultClassifier
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &httpGuardHandler{
		handler: originalHandler,
		config:  config,
	}
}

// Middleware is NewHTTPGuardHandler in the func(http.Handler) http.Handler form
// routers expect.
func Middleware(config *GuardConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return NewHTTPGuardHandler(next, config)
	}
}

// ServeHTTP counts the request and forwards it if allowed.
func (h *httpGuardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	group := h.config.Group
	if group == "" {
		group = h.config.Classifier.Classify(r.URL.Path)
	}

	req := &Request{
		Group:      group,
		Identifier: IdentifierFromRequest(r, h.config.Identity),
		Path:       r.URL.RequestURI(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
	}
	decision := h.config.Guard.CheckAndRecord(r.Context(), req)

	// no policy for this group, or no store to enforce it: behave as if the
	// guard were not there
	if decision.Limit == 0 || decision.Degraded {
		h.handler.ServeHTTP(w, r)
		return
	}

	remaining := decision.Limit - decision.Count
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set(rateLimitLimit, strconv.FormatInt(decision.Limit, 10))
	w.Header().Set(rateLimitRemaining, strconv.FormatInt(remaining, 10))

	if decision.Allowed {
		w.Header().Set(rateLimitState, "Allow")
		if !h.config.SkipSuccessfulRequests {
			h.handler.ServeHTTP(w, r)
			return
		}

		sw := &statusWriter{ResponseWriter: w}
		h.handler.ServeHTTP(sw, r)
		if sw.status() < http.StatusBadRequest {
			h.config.Guard.Refund(req)
		}
		return
	}

	w.Header().Set(rateLimitState, "Deny")
	w.Header().Set(retryAfterHeader, strconv.FormatInt(decision.RetryAfterSeconds(), 10))
	h.writeDenied(w, decision)
}

type deniedBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
	Limit      int64  `json:"limit"`
	WindowMs   int64  `json:"windowMs"`
}

func (h *httpGuardHandler) writeDenied(w http.ResponseWriter, d *Decision) {
	msg := d.Message
	if msg == "" {
		msg = "Too many requests, please try again later."
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	if err := json.NewEncoder(w).Encode(deniedBody{
		Error:      msg,
		RetryAfter: d.RetryAfterSeconds(),
		Limit:      d.Limit,
		WindowMs:   d.Window.Milliseconds(),
	}); err != nil {
		h.config.Logger.Warn("failed to write body to HTTP request", zap.Error(err))
	}
}

// statusWriter remembers the status code written through it.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
