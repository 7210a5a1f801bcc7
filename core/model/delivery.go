package model

import "time"

// DeliveryState is one step in the delivery lifecycle.
type DeliveryState string

const (
	StateRequested DeliveryState = "requested"
	StateAssigned  DeliveryState = "assigned"
	StatePreparing DeliveryState = "preparing"
	StateInTransit DeliveryState = "in_transit"
	StateArrived   DeliveryState = "arrived"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
	StateCancelled DeliveryState = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateFailed || s == StateCancelled
}

// Timeline holds the UTC instants at which lifecycle milestones were reached.
type Timeline struct {
	Requested time.Time `json:"requested"`
	Assigned  time.Time `json:"assigned,omitempty"`
	PickedUp  time.Time `json:"picked_up,omitempty"`
	Departed  time.Time `json:"departed,omitempty"`
	Arrived   time.Time `json:"arrived,omitempty"`
	Closed    time.Time `json:"closed,omitempty"` // delivered, failed or cancelled
}

// Delivery is the aggregate root of one delivery request. VehicleID,
// CompartmentID and Route are empty until assignment; ProofID is empty until
// a proof-of-delivery record exists.
type Delivery struct {
	ID            string        `json:"id"`
	Priority      Priority      `json:"priority"`
	Cargo         Cargo         `json:"cargo"`
	Origin        GeoPoint      `json:"origin"`
	Destination   GeoPoint      `json:"destination"`
	VehicleID     string        `json:"vehicle_id,omitempty"`
	CompartmentID string        `json:"compartment_id,omitempty"`
	Route         *Route        `json:"route,omitempty"`
	State         DeliveryState `json:"state"`
	Timeline      Timeline      `json:"timeline"`
	ProofID       string        `json:"proof_id,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CancelWanted  bool          `json:"-"` // cooperative cancellation flag
}

// Assigned reports whether a vehicle currently holds a reservation for the
// delivery.
func (d Delivery) Assigned() bool { return d.VehicleID != "" }
