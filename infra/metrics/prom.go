package metrics

import (
	coremetrics "github.com/medifleet/dispatch/core/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// PromSink exports delivery and fleet events as Prometheus metrics.
type PromSink struct {
	transitions *prometheus.CounterVec
	alerts      *prometheus.CounterVec
	preemptions prometheus.Counter
	battery     *prometheus.GaugeVec
}

// NewPromSink registers the sink's metrics on the default registerer. The
// Prometheus HTTP endpoint is served separately by the API layer.
func NewPromSink() (coremetrics.MetricsSink, error) {
	return NewPromSinkWithRegistry(prometheus.DefaultRegisterer)
}

// NewPromSinkWithRegistry registers metrics on the provided registerer.
// A nil registerer defaults to the global Prometheus registerer.
func NewPromSinkWithRegistry(reg prometheus.Registerer) (coremetrics.MetricsSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_delivery_transitions_total",
		Help: "Delivery lifecycle transitions seen by the metrics collector",
	}, []string{"to", "priority"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sink_quality_alerts_total",
		Help: "Cold-chain and tamper alerts by severity",
	}, []string{"severity", "kind"})
	preemptions := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sink_preemptions_total",
		Help: "Reservations evicted by emergency-tier deliveries",
	})
	battery := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vehicle_battery_fraction",
		Help: "Last reported battery level per vehicle",
	}, []string{"vehicle_id", "kind"})

	if err := reg.Register(transitions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			transitions = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(alerts); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			alerts = are.ExistingCollector.(*prometheus.CounterVec)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(preemptions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			preemptions = are.ExistingCollector.(prometheus.Counter)
		} else {
			return nil, err
		}
	}
	if err := reg.Register(battery); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			battery = are.ExistingCollector.(*prometheus.GaugeVec)
		} else {
			return nil, err
		}
	}
	return &PromSink{transitions: transitions, alerts: alerts, preemptions: preemptions, battery: battery}, nil
}

// RecordDeliveryTransition increments the transition counter.
func (s *PromSink) RecordDeliveryTransition(ev coremetrics.DeliveryTransition) error {
	s.transitions.WithLabelValues(string(ev.To), ev.Priority.String()).Inc()
	return nil
}

// RecordVehicleState updates the battery gauge.
func (s *PromSink) RecordVehicleState(ev coremetrics.VehicleStateEvent) error {
	s.battery.WithLabelValues(ev.Vehicle.ID, string(ev.Vehicle.Kind)).Set(ev.Vehicle.Battery)
	return nil
}

// RecordQualityAlert increments the alert counter.
func (s *PromSink) RecordQualityAlert(ev coremetrics.QualityAlertEvent) error {
	s.alerts.WithLabelValues(string(ev.Alert.Severity), ev.Alert.Kind).Inc()
	return nil
}

// RecordPreemption increments the preemption counter.
func (s *PromSink) RecordPreemption(coremetrics.PreemptionSample) error {
	s.preemptions.Inc()
	return nil
}
