package dispatch

import (
	"context"
	"time"

	"github.com/medifleet/dispatch/core/model"
)

// Notifier delivers delivery status changes to the outside world. The sender
// itself is an external collaborator; implementations live in infra.
type Notifier interface {
	NotifyStateChange(d model.Delivery, from model.DeliveryState)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyStateChange(model.Delivery, model.DeliveryState) {}

// RestrictionSource exposes the currently active flight and traffic
// restrictions, fed by the weather/airspace collaborator.
type RestrictionSource interface {
	Active() []model.Restriction
}

// StaticRestrictions is a fixed restriction set, used in tests and tools.
type StaticRestrictions []model.Restriction

func (s StaticRestrictions) Active() []model.Restriction { return s }

// Clearance is an approved emergency airspace request.
type Clearance struct {
	Token   string    `json:"token"`
	Until   time.Time `json:"until"`
	Area    string    `json:"area"`
	Granted bool      `json:"granted"`
}

// ClearanceRequester asks the external airspace authority to lift restricted
// zones for an emergency delivery. The call is asynchronous on the authority
// side; the context carries the timeout after which the route attempt fails
// and is retried or escalated.
type ClearanceRequester interface {
	RequestClearance(ctx context.Context, center model.GeoPoint, radiusM float64, reason string, duration time.Duration) (Clearance, error)
}
