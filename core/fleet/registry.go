// Package fleet holds the authoritative store of vehicle state. All dispatch
// workflows and the telemetry stream serialize on the registry; compartment
// reservation is the one shared mutable operation in the system.
package fleet

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medifleet/dispatch/core/events"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/internal/eventbus"
)

// ErrConflict is returned when a compartment is already reserved. It is
// transient: the dispatcher retries with a different candidate.
var ErrConflict = errors.New("fleet: compartment already reserved")

// ErrNotFound is returned when a vehicle or compartment is unknown.
var ErrNotFound = errors.New("fleet: not found")

// Registry is the single point of truth for vehicle and compartment state.
type Registry interface {
	Upsert(v model.Vehicle) error
	Get(vehicleID string) (model.Vehicle, bool)
	List() []model.Vehicle

	// Reserve atomically claims the compartment for the delivery. Exactly one
	// of two concurrent attempts on the same compartment succeeds.
	Reserve(vehicleID, compartmentID, deliveryID string, reqTemp *model.TempRange) error
	Release(vehicleID, compartmentID string)

	// Preempt atomically replaces the current holder with the winner and
	// returns the evicted delivery id. Preemption and a concurrent normal
	// reservation for the same compartment never both succeed.
	Preempt(vehicleID, compartmentID, winnerID string, reqTemp *model.TempRange) (string, error)

	// HolderOf returns the delivery currently holding the compartment.
	HolderOf(vehicleID, compartmentID string) (string, bool)

	// ApplyTelemetry updates vehicle state from the event. Duplicate or
	// out-of-order events are ignored and the second return is false.
	ApplyTelemetry(ev model.TelemetryEvent) (model.Vehicle, bool)
}

type reservation struct {
	deliveryID   string
	reqTemp      *model.TempRange
	since        time.Time
	excursionAt  time.Time // zero when the compartment is inside range
	excursionHot bool      // alert already raised for the current excursion
}

// MemoryRegistry implements Registry with a single mutex. Snapshot and
// Restore allow state to survive restarts through a storage adapter.
type MemoryRegistry struct {
	mu           sync.Mutex
	vehicles     map[string]model.Vehicle
	reservations map[string]*reservation // key vehicleID + "/" + compartmentID
	grace        time.Duration
	bus          eventbus.EventBus
	alerts       *eventbus.TypedBus[model.QualityAlert]
	now          func() time.Time
}

// NewMemoryRegistry creates a registry. bus may be nil; grace is the period a
// temperature excursion is tolerated before a quality alert is raised.
func NewMemoryRegistry(bus eventbus.EventBus, grace time.Duration) *MemoryRegistry {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &MemoryRegistry{
		vehicles:     map[string]model.Vehicle{},
		reservations: map[string]*reservation{},
		grace:        grace,
		bus:          bus,
		alerts:       eventbus.NewTyped[model.QualityAlert](),
		now:          time.Now,
	}
}

// Alerts exposes the quality-alert fan-out for consumers that only care about
// alerts, such as the facility notifier.
func (r *MemoryRegistry) Alerts() *eventbus.TypedBus[model.QualityAlert] { return r.alerts }

func resKey(vehicleID, compartmentID string) string { return vehicleID + "/" + compartmentID }

// Upsert registers or replaces a vehicle after validation.
func (r *MemoryRegistry) Upsert(v model.Vehicle) error {
	if err := v.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.vehicles[v.ID] = v.Clone()
	r.mu.Unlock()
	return nil
}

// Get returns a deep copy of the vehicle. Dispatch evaluation reads these
// copies outside the registry lock while telemetry keeps mutating the stored
// record, so no handed-out vehicle may alias registry memory.
func (r *MemoryRegistry) Get(vehicleID string) (model.Vehicle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.vehicles[vehicleID]
	if !ok {
		return model.Vehicle{}, false
	}
	return v.Clone(), true
}

// List returns deep copies of all vehicles ordered by id.
func (r *MemoryRegistry) List() []model.Vehicle {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]model.Vehicle, 0, len(r.vehicles))
	for _, v := range r.vehicles {
		res = append(res, v.Clone())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Reserve claims the compartment under the registry lock: the occupancy check
// and the write are one critical section.
func (r *MemoryRegistry) Reserve(vehicleID, compartmentID, deliveryID string, reqTemp *model.TempRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkCompartment(vehicleID, compartmentID); err != nil {
		return err
	}
	key := resKey(vehicleID, compartmentID)
	if _, held := r.reservations[key]; held {
		return ErrConflict
	}
	r.reservations[key] = &reservation{deliveryID: deliveryID, reqTemp: reqTemp, since: r.now()}
	r.setCompartmentHolder(vehicleID, compartmentID, deliveryID)
	return nil
}

// Release frees the compartment. Releasing an unreserved compartment is a
// no-op.
func (r *MemoryRegistry) Release(vehicleID, compartmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reservations, resKey(vehicleID, compartmentID))
	r.setCompartmentHolder(vehicleID, compartmentID, "")
}

// Preempt evicts the current holder in favor of winnerID. The swap happens
// under the same lock as Reserve, so a preemption and a concurrent normal
// reservation cannot both succeed.
func (r *MemoryRegistry) Preempt(vehicleID, compartmentID, winnerID string, reqTemp *model.TempRange) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkCompartment(vehicleID, compartmentID); err != nil {
		return "", err
	}
	key := resKey(vehicleID, compartmentID)
	cur, held := r.reservations[key]
	if !held {
		r.reservations[key] = &reservation{deliveryID: winnerID, reqTemp: reqTemp, since: r.now()}
		r.setCompartmentHolder(vehicleID, compartmentID, winnerID)
		return "", nil
	}
	evicted := cur.deliveryID
	r.reservations[key] = &reservation{deliveryID: winnerID, reqTemp: reqTemp, since: r.now()}
	r.setCompartmentHolder(vehicleID, compartmentID, winnerID)
	return evicted, nil
}

func (r *MemoryRegistry) HolderOf(vehicleID, compartmentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[resKey(vehicleID, compartmentID)]
	if !ok {
		return "", false
	}
	return res.deliveryID, true
}

// checkCompartment validates existence under the caller's lock.
func (r *MemoryRegistry) checkCompartment(vehicleID, compartmentID string) error {
	v, ok := r.vehicles[vehicleID]
	if !ok {
		return fmt.Errorf("%w: vehicle %s", ErrNotFound, vehicleID)
	}
	if _, ok := v.Compartment(compartmentID); !ok {
		return fmt.Errorf("%w: compartment %s on vehicle %s", ErrNotFound, compartmentID, vehicleID)
	}
	return nil
}

// setCompartmentHolder mirrors the reservation onto the vehicle's compartment
// record. Caller holds the lock.
func (r *MemoryRegistry) setCompartmentHolder(vehicleID, compartmentID, deliveryID string) {
	v, ok := r.vehicles[vehicleID]
	if !ok {
		return
	}
	for i := range v.Compartments {
		if v.Compartments[i].ID == compartmentID {
			v.Compartments[i].DeliveryID = deliveryID
			if deliveryID == "" {
				v.Compartments[i].Occupied = false
			}
		}
	}
	r.vehicles[vehicleID] = v
}

// ApplyTelemetry updates vehicle state from the event. Events are idempotent
// by (vehicleID, seq); an event with a sequence number at or below the last
// accepted one, or an older timestamp when sequence numbers are absent, is
// ignored without observable change.
func (r *MemoryRegistry) ApplyTelemetry(ev model.TelemetryEvent) (model.Vehicle, bool) {
	r.mu.Lock()
	v, ok := r.vehicles[ev.VehicleID]
	if !ok {
		r.mu.Unlock()
		return model.Vehicle{}, false
	}
	if ev.Seq > 0 {
		if ev.Seq <= v.LastSeq {
			out := v.Clone()
			r.mu.Unlock()
			return out, false
		}
	} else if ev.Timestamp.UnixNano() <= v.LastTelemetry {
		out := v.Clone()
		r.mu.Unlock()
		return out, false
	}

	v.LastSeq = ev.Seq
	v.LastTelemetry = ev.Timestamp.UnixNano()
	v.Position = ev.Location
	v.Battery = ev.Battery
	v.SpeedMps = ev.SpeedMps
	v.HeadingDeg = ev.HeadingDeg

	var alerts []model.QualityAlert
	for i := range v.Compartments {
		c := &v.Compartments[i]
		if t, ok := ev.CompartmentTemps[c.ID]; ok {
			c.CurrentTempC = t
			if a := r.checkExcursion(ev.VehicleID, c, ev.Timestamp); a != nil {
				alerts = append(alerts, *a)
			}
		}
		if loaded, ok := ev.CompartmentLoaded[c.ID]; ok {
			c.Occupied = loaded
		}
	}
	if ev.TamperedCompartment != "" {
		if res, held := r.reservations[resKey(ev.VehicleID, ev.TamperedCompartment)]; held {
			alerts = append(alerts, model.QualityAlert{
				VehicleID:     ev.VehicleID,
				CompartmentID: ev.TamperedCompartment,
				DeliveryID:    res.deliveryID,
				Severity:      model.AlertCritical,
				Kind:          "tamper",
				At:            ev.Timestamp,
			})
		}
	}
	r.vehicles[ev.VehicleID] = v
	out := v.Clone()
	r.mu.Unlock()

	// Alerts are published outside the lock; subscribers may call back in.
	if r.bus != nil {
		for _, a := range alerts {
			r.bus.Publish(events.AlertEvent{Alert: a})
		}
		r.bus.Publish(events.TelemetryEvent{Event: ev})
	}
	for _, a := range alerts {
		r.alerts.Publish(a)
	}
	return out, true
}

// checkExcursion tracks how long the compartment has been outside the
// reserved cargo's range and emits one alert per excursion once the grace
// period elapses. Caller holds the lock.
func (r *MemoryRegistry) checkExcursion(vehicleID string, c *model.Compartment, at time.Time) *model.QualityAlert {
	res, held := r.reservations[resKey(vehicleID, c.ID)]
	if !held || res.reqTemp == nil {
		return nil
	}
	if res.reqTemp.Contains(c.CurrentTempC) {
		res.excursionAt = time.Time{}
		res.excursionHot = false
		return nil
	}
	if res.excursionAt.IsZero() {
		res.excursionAt = at
		return nil
	}
	if at.Sub(res.excursionAt) < r.grace || res.excursionHot {
		return nil
	}
	res.excursionHot = true
	rt := *res.reqTemp
	return &model.QualityAlert{
		VehicleID:     vehicleID,
		CompartmentID: c.ID,
		DeliveryID:    res.deliveryID,
		Severity:      excursionSeverity(c.CurrentTempC, rt),
		Kind:          "temperature_excursion",
		MeasuredC:     c.CurrentTempC,
		Required:      &rt,
		At:            at,
	}
}

// excursionSeverity grades an excursion by its distance from the allowed band.
func excursionSeverity(tempC float64, want model.TempRange) model.AlertSeverity {
	var off float64
	switch {
	case tempC < want.MinC:
		off = want.MinC - tempC
	case tempC > want.MaxC:
		off = tempC - want.MaxC
	}
	switch {
	case off >= 5:
		return model.AlertCritical
	case off >= 2:
		return model.AlertHigh
	case off >= 0.5:
		return model.AlertMedium
	default:
		return model.AlertLow
	}
}
