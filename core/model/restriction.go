package model

import "time"

// Severity grades a flight or traffic restriction. Prohibited zones are never
// routed through, regardless of delivery priority.
type Severity string

const (
	SeverityAdvisory   Severity = "advisory"
	SeverityRestricted Severity = "restricted"
	SeverityProhibited Severity = "prohibited"
)

// Restriction is a geofenced, optionally time-boxed constraint consulted by
// the constraint evaluator and the router. Restrictions are independent
// entities, not owned by any vehicle or delivery.
type Restriction struct {
	ID       string        `json:"id"`
	Severity Severity      `json:"severity"`
	Center   GeoPoint      `json:"center"`
	RadiusM  float64       `json:"radius_m"`
	From     time.Time     `json:"from,omitempty"`
	Until    time.Time     `json:"until,omitempty"`
	Kinds    []VehicleKind `json:"kinds,omitempty"` // empty applies to all kinds
	Reason   string        `json:"reason,omitempty"`
}

// Active reports whether the restriction applies at time t. Zero bounds mean
// an open-ended window.
func (r Restriction) Active(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		return false
	}
	return true
}

// AppliesTo reports whether the restriction constrains the given vehicle kind.
func (r Restriction) AppliesTo(kind VehicleKind) bool {
	if len(r.Kinds) == 0 {
		return true
	}
	for _, k := range r.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Contains reports whether the point lies inside the geofence.
func (r Restriction) Contains(p GeoPoint) bool {
	return r.Center.DistanceTo(p) <= r.RadiusM
}
