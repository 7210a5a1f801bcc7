// Package events defines the payloads published on the internal event bus.
package events

import (
	"time"

	"github.com/medifleet/dispatch/core/model"
)

// DeliveryEvent is published on every lifecycle transition.
type DeliveryEvent struct {
	DeliveryID string
	From       model.DeliveryState
	To         model.DeliveryState
	VehicleID  string
	Priority   model.Priority
	At         time.Time
}

// AlertEvent wraps a quality alert raised by the fleet registry.
type AlertEvent struct {
	Alert model.QualityAlert
}

// PreemptionEvent is published when an emergency-tier delivery evicts a
// lower-priority reservation.
type PreemptionEvent struct {
	WinnerID  string
	EvictedID string
	VehicleID string
	At        time.Time
}

// TelemetryEvent is published for each accepted telemetry report.
type TelemetryEvent struct {
	Event model.TelemetryEvent
}

// RestrictionEvent is published when the airspace picture changes so active
// routes can be re-checked.
type RestrictionEvent struct {
	Restriction model.Restriction
	Removed     bool
}
