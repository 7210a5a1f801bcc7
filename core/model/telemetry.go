package model

import "time"

// TelemetryEvent is one state report from a vehicle. Events are idempotent by
// (VehicleID, Seq); replays and out-of-order arrivals are ignored.
type TelemetryEvent struct {
	VehicleID        string             `json:"vehicle_id"`
	Seq              uint64             `json:"seq"`
	Timestamp        time.Time          `json:"timestamp"`
	Location         GeoPoint           `json:"location"`
	Battery          float64            `json:"battery"`
	SpeedMps         float64            `json:"speed_mps"`
	HeadingDeg       float64            `json:"heading_deg"`
	CompartmentTemps map[string]float64 `json:"compartment_temps,omitempty"`
	// Occupancy transitions reported by compartment sensors.
	CompartmentLoaded   map[string]bool `json:"compartment_loaded,omitempty"`
	TamperedCompartment string          `json:"tampered_compartment,omitempty"`
}

// Validate rejects events that cannot be applied.
func (e TelemetryEvent) Validate() error {
	if e.VehicleID == "" {
		return NewValidationError("telemetry.vehicle_id", "must not be empty")
	}
	if e.Timestamp.IsZero() {
		return NewValidationError("telemetry.timestamp", "must be set")
	}
	if !e.Location.Valid() {
		return NewValidationError("telemetry.location", "outside WGS84 bounds")
	}
	return nil
}

// AlertSeverity grades a quality alert.
type AlertSeverity string

const (
	AlertLow      AlertSeverity = "low"
	AlertMedium   AlertSeverity = "medium"
	AlertHigh     AlertSeverity = "high"
	AlertCritical AlertSeverity = "critical"
)

// Aborts reports whether the severity is high enough to fail a delivery.
func (s AlertSeverity) Aborts() bool { return s == AlertCritical }

// QualityAlert is raised when a compartment leaves the reserved cargo's
// temperature range beyond the grace period, or on tamper detection.
type QualityAlert struct {
	VehicleID     string        `json:"vehicle_id"`
	CompartmentID string        `json:"compartment_id"`
	DeliveryID    string        `json:"delivery_id"`
	Severity      AlertSeverity `json:"severity"`
	Kind          string        `json:"kind"` // temperature_excursion or tamper
	MeasuredC     float64       `json:"measured_c,omitempty"`
	Required      *TempRange    `json:"required,omitempty"`
	At            time.Time     `json:"at"`
}
