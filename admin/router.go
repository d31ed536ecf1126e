// Package admin exposes the guard's statistics and administration API over
// HTTP.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aryangodara/abuse_guard"
	"github.com/aryangodara/abuse_guard/observers"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const heartbeatInterval = 15 * time.Second

// Stats is the part of a Guard the admin API reads from.
type Stats interface {
	TopOffenders(ctx context.Context, group abuse_guard.Group, limit int64) ([]abuse_guard.Offender, error)
	GroupsWithOffenders(ctx context.Context) ([]abuse_guard.GroupOffenders, error)
	OffenderTrend(ctx context.Context, group abuse_guard.Group, identifier string, minutesBack int64) ([]abuse_guard.TrendPoint, error)
	GlobalTrend(ctx context.Context, group abuse_guard.Group, minutesBack int64) ([]abuse_guard.TrendPoint, error)
	Clear(ctx context.Context, group abuse_guard.Group, identifier string) error
	Ping(ctx context.Context) error
	Health() abuse_guard.HealthState
}

var _ Stats = &abuse_guard.Guard{}

type handler struct {
	stats  Stats
	hub    *observers.Hub
	logger *zap.Logger
}

// NewRouter mounts the admin routes under /rate-limits. hub may be nil, in
// which case the event stream is not served.
func NewRouter(stats Stats, hub *observers.Hub, logger *zap.Logger) chi.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{stats: stats, hub: hub, logger: logger.Named("admin")}

	r := chi.NewRouter()
	r.Route("/rate-limits", func(r chi.Router) {
		r.Get("/offenders", h.offenders)
		r.Get("/groups", h.groups)
		r.Get("/trends/{group}", h.globalTrend)
		r.Get("/trends/{group}/{identifier}", h.offenderTrend)
		r.Get("/health", h.health)
		if hub != nil {
			r.Get("/events", h.events)
		}
		r.Delete("/{group}/{identifier}", h.clear)
	})

	return r
}

func (h *handler) offenders(w http.ResponseWriter, r *http.Request) {
	group := r.URL.Query().Get("group")
	if group == "" {
		writeError(w, http.StatusBadRequest, "group is required")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	offenders, err := h.stats.TopOffenders(r.Context(), abuse_guard.Group(group), limit)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"group":     group,
		"offenders": offenders,
	})
}

func (h *handler) groups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.stats.GroupsWithOffenders(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (h *handler) globalTrend(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	minutes, err := queryInt(r, "minutes")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := h.stats.GlobalTrend(r.Context(), abuse_guard.Group(group), minutes)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"group": group,
		"trend": points,
	})
}

func (h *handler) offenderTrend(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	identifier, err := identifierParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	minutes, err := queryInt(r, "minutes")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := h.stats.OffenderTrend(r.Context(), abuse_guard.Group(group), identifier, minutes)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"group":      group,
		"identifier": identifier,
		"trend":      points,
	})
}

func (h *handler) clear(w http.ResponseWriter, r *http.Request) {
	group := chi.URLParam(r, "group")
	identifier, err := identifierParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.stats.Clear(r.Context(), abuse_guard.Group(group), identifier); err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cleared":    true,
		"group":      group,
		"identifier": identifier,
	})
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{}

	if err := h.stats.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body["error"] = err.Error()
	}
	body["state"] = h.stats.Health().String()

	writeJSON(w, status, body)
}

// events streams every counted request as server-sent events until the
// client goes away.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := h.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("failed to encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: ratelimit\ndata: %s\n\n", e.ID, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *handler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, abuse_guard.ErrUnknownGroup) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.logger.Error("admin request failed", zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, err.Error())
}

// identifierParam returns the full identifier of the {identifier} segment.
// It is either the key the offenders listing reports (user:42), or the bare
// value plus ?type=user|ip.
func identifierParam(r *http.Request) (string, error) {
	identifier := chi.URLParam(r, "identifier")

	kind := r.URL.Query().Get("type")
	if kind == "" {
		if !abuse_guard.IsQualified(identifier) {
			return "", fmt.Errorf("identifier %q needs a user: or ip: prefix, or a type query parameter", identifier)
		}
		return identifier, nil
	}

	if k, _ := abuse_guard.IdentifierKind(identifier); abuse_guard.IsQualified(identifier) {
		if k != kind {
			return "", fmt.Errorf("identifier %q is not of type %v", identifier, kind)
		}
		return identifier, nil
	}

	qualified, ok := abuse_guard.QualifyIdentifier(kind, identifier)
	if !ok {
		return "", fmt.Errorf("type must be %v or %v", abuse_guard.KindUser, abuse_guard.KindIP)
	}
	return qualified, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%v must be a non-negative integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
