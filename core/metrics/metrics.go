// Package metrics defines the sink interfaces used to export fleet and
// delivery observability data. Sinks like PromSink and InfluxSink record
// lifecycle transitions, vehicle snapshots and quality alerts, and can be
// combined with NewMultiSink. The factory helpers return a MultiSink
// automatically when multiple sinks are configured.
package metrics

import (
	"time"

	"github.com/medifleet/dispatch/core/model"
)

// DeliveryTransition is one lifecycle step of a delivery.
type DeliveryTransition struct {
	DeliveryID string
	VehicleID  string
	From       model.DeliveryState
	To         model.DeliveryState
	Priority   model.Priority
	Time       time.Time
}

// MetricsSink records delivery lifecycle transitions.
type MetricsSink interface {
	RecordDeliveryTransition(ev DeliveryTransition) error
}

// VehicleStateEvent is a snapshot of a vehicle taken from telemetry.
type VehicleStateEvent struct {
	Vehicle   model.Vehicle
	Component string
	Time      time.Time
}

// VehicleStateRecorder records vehicle state snapshots.
type VehicleStateRecorder interface {
	RecordVehicleState(ev VehicleStateEvent) error
}

// QualityAlertEvent wraps an alert for export.
type QualityAlertEvent struct {
	Alert model.QualityAlert
	Time  time.Time
}

// QualityAlertRecorder records cold-chain and tamper alerts.
type QualityAlertRecorder interface {
	RecordQualityAlert(ev QualityAlertEvent) error
}

// PreemptionSample records an emergency eviction of a reservation.
type PreemptionSample struct {
	WinnerID  string
	EvictedID string
	VehicleID string
	Time      time.Time
}

// PreemptionRecorder records reservation preemptions.
type PreemptionRecorder interface {
	RecordPreemption(ev PreemptionSample) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordDeliveryTransition(DeliveryTransition) error { return nil }
func (NopSink) RecordVehicleState(VehicleStateEvent) error        { return nil }
func (NopSink) RecordQualityAlert(QualityAlertEvent) error        { return nil }
func (NopSink) RecordPreemption(PreemptionSample) error           { return nil }

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordDeliveryTransition forwards the record to all sinks, returning the
// first error encountered.
func (m *MultiSink) RecordDeliveryTransition(ev DeliveryTransition) error {
	for _, s := range m.Sinks {
		if err := s.RecordDeliveryTransition(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordVehicleState forwards vehicle snapshots to capable sinks.
func (m *MultiSink) RecordVehicleState(ev VehicleStateEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(VehicleStateRecorder); ok {
			if err := rec.RecordVehicleState(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordQualityAlert forwards alerts to capable sinks.
func (m *MultiSink) RecordQualityAlert(ev QualityAlertEvent) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(QualityAlertRecorder); ok {
			if err := rec.RecordQualityAlert(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// RecordPreemption forwards preemption samples to capable sinks.
func (m *MultiSink) RecordPreemption(ev PreemptionSample) error {
	for _, s := range m.Sinks {
		if rec, ok := s.(PreemptionRecorder); ok {
			if err := rec.RecordPreemption(ev); err != nil {
				return err
			}
		}
	}
	return nil
}
