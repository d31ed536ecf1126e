package observers

import (
	"github.com/aryangodara/abuse_guard"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	_ abuse_guard.MetricsRecorder = &PrometheusRecorder{}
)

// PrometheusRecorder maps the guard's metric names onto Prometheus
// collectors. Unknown names are ignored.
type PrometheusRecorder struct {
	decisions    *prometheus.CounterVec
	failOpen     *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec
}

// NewPrometheusRecorder creates the collectors and registers them with reg.
func NewPrometheusRecorder(reg prometheus.Registerer) (*PrometheusRecorder, error) {
	r := &PrometheusRecorder{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "abuse_guard",
				Name:      "decisions_total",
				Help:      "Rate limit decisions by group and outcome.",
			},
			[]string{"group", "outcome"},
		),
		failOpen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "abuse_guard",
				Name:      "fail_open_total",
				Help:      "Requests allowed because the shared store was unavailable.",
			},
			[]string{"group"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "abuse_guard",
				Name:      "store_latency_seconds",
				Help:      "Latency of shared store calls on the request path.",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"op"},
		),
	}

	for _, c := range []prometheus.Collector{r.decisions, r.failOpen, r.storeLatency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *PrometheusRecorder) Add(name string, value float64, tags map[string]string) {
	switch name {
	case abuse_guard.MetricDecision:
		r.decisions.WithLabelValues(tags["group"], tags["outcome"]).Add(value)
	case abuse_guard.MetricFailOpen:
		r.failOpen.WithLabelValues(tags["group"]).Add(value)
	}
}

func (r *PrometheusRecorder) Observe(name string, value float64, tags map[string]string) {
	if name == abuse_guard.MetricStoreLatency {
		r.storeLatency.WithLabelValues(tags["op"]).Observe(value)
	}
}
