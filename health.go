package abuse_guard

import (
	"context"
	"sync/atomic"
	"time"
)

// HealthState is the degradation state of the shared store.
type HealthState int32

const (
	Healthy HealthState = iota
	Degraded
)

var healthStrings = map[HealthState]string{
	Healthy:  "healthy",
	Degraded: "degraded",
}

func (s HealthState) String() string {
	return healthStrings[s]
}

const (
	minProbeBackoff = 50 * time.Millisecond
	maxProbeBackoff = 2 * time.Second
)

// health tracks Healthy/Degraded. Any store error degrades, the next success
// heals. Neither state is terminal.
type health struct {
	state    atomic.Int32
	degraded chan struct{}
}

func newHealth() *health {
	return &health{degraded: make(chan struct{}, 1)}
}

func (h *health) current() HealthState {
	return HealthState(h.state.Load())
}

// fail reports whether this call moved the state to Degraded.
func (h *health) fail() bool {
	if !h.state.CompareAndSwap(int32(Healthy), int32(Degraded)) {
		return false
	}
	select {
	case h.degraded <- struct{}{}:
	default:
	}
	return true
}

// succeed reports whether this call moved the state back to Healthy.
func (h *health) succeed() bool {
	return h.state.CompareAndSwap(int32(Degraded), int32(Healthy))
}

// Run probes the shared store while it is degraded, backing off
// exponentially between attempts, until ctx is done. Requests keep failing
// open in the meantime; Run only speeds up recovery when traffic is idle.
func (g *Guard) Run(ctx context.Context) error {
	backoff := minProbeBackoff

	for {
		if g.health.current() == Healthy {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-g.health.degraded:
				backoff = minProbeBackoff
				continue
			}
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := g.Ping(ctx); err != nil {
			backoff = min(backoff*2, maxProbeBackoff)
			continue
		}
		backoff = minProbeBackoff
	}
}
