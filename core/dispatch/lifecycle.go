package dispatch

import (
	"fmt"

	"github.com/medifleet/dispatch/core/model"
)

// transitions is the delivery lifecycle table. Delivered, failed and
// cancelled are terminal; a delivery returns to requested only when its
// reservation is preempted. Illegal transitions are a validation failure, not
// a silent overwrite.
var transitions = map[model.DeliveryState][]model.DeliveryState{
	model.StateRequested: {
		model.StateAssigned,
		model.StateFailed,
		model.StateCancelled,
	},
	model.StateAssigned: {
		model.StatePreparing,
		model.StateRequested, // preempted
		model.StateFailed,
		model.StateCancelled,
	},
	model.StatePreparing: {
		model.StateInTransit,
		model.StateRequested, // preempted
		model.StateFailed,
		model.StateCancelled,
	},
	model.StateInTransit: {
		model.StateArrived,
		model.StateFailed,
		model.StateCancelled, // reached base after a return-to-base cancel
	},
	model.StateArrived: {
		model.StateDelivered,
		model.StateFailed,
	},
	model.StateDelivered: {},
	model.StateFailed:    {},
	model.StateCancelled: {},
}

// CanTransition reports whether from → to is a legal lifecycle step.
func CanTransition(from, to model.DeliveryState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error naming the illegal step, if any.
func ValidateTransition(from, to model.DeliveryState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("dispatch: illegal transition %s -> %s", from, to)
	}
	return nil
}
