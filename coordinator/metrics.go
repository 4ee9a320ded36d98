package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics instruments requests to the master.
type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trialsearch",
				Subsystem: "coordinator",
				Name:      "requests_total",
				Help:      "Requests sent to the master, by endpoint and status.",
			},
			[]string{"endpoint", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trialsearch",
				Subsystem: "coordinator",
				Name:      "request_duration_seconds",
				Help:      "Latency of single requests to the master.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trialsearch",
				Subsystem: "coordinator",
				Name:      "retries_total",
				Help:      "Requests to the master that were retried.",
			},
			[]string{"endpoint"},
		),
	}
}
