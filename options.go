package abuse_guard

import (
	"time"

	"go.uber.org/zap"
)

const (
	defaultStoreTimeout = 250 * time.Millisecond
	defaultTaskTimeout  = 5 * time.Second
	defaultWorkers      = 4
	defaultQueueSize    = 256
)

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithAlerts sets the trigger deciding alert-worthiness and the dispatcher
// that delivers alerts.
func WithAlerts(trigger AlertTrigger, dispatcher AlertDispatcher) Option {
	return func(g *Guard) {
		if trigger != nil {
			g.alerts = trigger
		}
		if dispatcher != nil {
			g.dispatcher = dispatcher
		}
	}
}

// WithPublisher sets the observer channel every counted request is mirrored to.
func WithPublisher(p EventPublisher) Option {
	return func(g *Guard) {
		if p != nil {
			g.publisher = p
		}
	}
}

// WithErrorReporter sets the error-tracking sink.
func WithErrorReporter(r ErrorReporter) Option {
	return func(g *Guard) {
		if r != nil {
			g.reporter = r
		}
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r MetricsRecorder) Option {
	return func(g *Guard) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithTimeout bounds every shared-store call (default 250ms).
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithWorkers sizes the background pool used for alerts and error reports.
func WithWorkers(workers, queueSize int) Option {
	return func(g *Guard) {
		if workers > 0 {
			g.workers = workers
		}
		if queueSize > 0 {
			g.queueSize = queueSize
		}
	}
}

// WithClock replaces time.Now, for trend bucketing and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}
