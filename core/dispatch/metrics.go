package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	deliveriesSubmitted *prometheus.CounterVec
	stateTransitions    *prometheus.CounterVec
	assignmentLatency   *prometheus.HistogramVec
	preemptionsTotal    prometheus.Counter
	assignRetries       prometheus.Counter
	qualityAlerts       *prometheus.CounterVec
)

func newCollectors() (*prometheus.CounterVec, *prometheus.CounterVec, *prometheus.HistogramVec, prometheus.Counter, prometheus.Counter, *prometheus.CounterVec) {
	sub := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deliveries_submitted_total",
			Help: "Number of accepted delivery requests",
		},
		[]string{"priority"},
	)
	trans := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_state_transitions_total",
			Help: "Lifecycle transitions by target state",
		},
		[]string{"to"},
	)
	lat := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "delivery_assignment_latency_seconds",
			Help:    "Latency from request to committed assignment",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"priority"},
	)
	pre := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_preemptions_total",
			Help: "Reservations taken over by emergency-tier deliveries",
		},
	)
	retry := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "delivery_assignment_retries_total",
			Help: "Assignment attempts deferred to the backoff queue",
		},
	)
	alerts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quality_alerts_total",
			Help: "Quality alerts by severity",
		},
		[]string{"severity"},
	)
	return sub, trans, lat, pre, retry, alerts
}

func init() {
	deliveriesSubmitted, stateTransitions, assignmentLatency, preemptionsTotal, assignRetries, qualityAlerts = newCollectors()
	MustRegisterMetrics(nil)
}

// MustRegisterMetrics registers dispatch metrics on the provided registry.
// If reg is nil, prometheus.DefaultRegisterer is used. Duplicate registration
// is tolerated so tests can construct multiple managers.
func MustRegisterMetrics(reg prometheus.Registerer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		deliveriesSubmitted, stateTransitions, assignmentLatency, preemptionsTotal, assignRetries, qualityAlerts,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}
