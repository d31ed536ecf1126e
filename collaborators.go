package abuse_guard

import "time"

// Event mirrors one counted request to live observers.
type Event struct {
	ID         string    `json:"id"`
	Group      Group     `json:"group"`
	Identifier string    `json:"identifier"`
	Count      int64     `json:"count"`
	Exceeded   bool      `json:"exceeded"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventPublisher fans events out to observers. Publish is best-effort and
// must not block.
type EventPublisher interface {
	Publish(e *Event)
}

// ErrorReporter is the error-tracking sink. Report is only ever called from a
// background worker.
type ErrorReporter interface {
	Report(err error, tags map[string]string)
}

// MetricsRecorder receives counters and observations from the guard.
type MetricsRecorder interface {
	Add(name string, value float64, tags map[string]string)
	Observe(name string, value float64, tags map[string]string)
}

// Metric names emitted by the guard.
const (
	MetricDecision     = "ratelimit.decision"
	MetricFailOpen     = "ratelimit.fail_open"
	MetricStoreLatency = "ratelimit.store_latency"
)

type noopPublisher struct{}

func (noopPublisher) Publish(*Event) {}

type noopReporter struct{}

func (noopReporter) Report(error, map[string]string) {}

// NoOpMetricsRecorder does nothing, so the hot path never checks for a nil
// recorder.
type NoOpMetricsRecorder struct{}

func (NoOpMetricsRecorder) Add(name string, value float64, tags map[string]string)     {}
func (NoOpMetricsRecorder) Observe(name string, value float64, tags map[string]string) {}
