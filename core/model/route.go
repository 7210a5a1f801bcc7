package model

import "time"

// Route is the computed path for one delivery. A route never outlives its
// delivery; it is recomputed in place on re-route triggers.
type Route struct {
	Origin       GeoPoint      `json:"origin"`
	Destination  GeoPoint      `json:"destination"`
	Waypoints    []GeoPoint    `json:"waypoints"`
	DistanceM    float64       `json:"distance_m"`
	Duration     time.Duration `json:"duration"`
	ComputedAt   time.Time     `json:"computed_at"`
	Restrictions []string      `json:"restrictions,omitempty"` // restriction ids that shaped the path
}

// ETA returns the estimated arrival time measured from the route computation.
func (r Route) ETA() time.Time { return r.ComputedAt.Add(r.Duration) }

// Remaining returns the waypoints not yet traveled, given the index of the
// last waypoint passed. Used for incremental re-routing of the suffix.
func (r Route) Remaining(lastPassed int) []GeoPoint {
	if lastPassed < 0 {
		return r.Waypoints
	}
	if lastPassed >= len(r.Waypoints)-1 {
		return nil
	}
	return r.Waypoints[lastPassed:]
}
