// Package dispatch matches delivery requests to vehicles and drives each
// delivery through its lifecycle. All reservation mutations go through the
// fleet registry, which is the serialization point; evaluation and routing
// are side-effect free and run in parallel across requests.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medifleet/dispatch/core/constraint"
	"github.com/medifleet/dispatch/core/events"
	"github.com/medifleet/dispatch/core/fleet"
	"github.com/medifleet/dispatch/core/ledger"
	corelogger "github.com/medifleet/dispatch/core/logger"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/core/monitoring"
	"github.com/medifleet/dispatch/core/routing"
	"github.com/medifleet/dispatch/internal/eventbus"
)

var (
	// ErrUnknownDelivery is returned for an id the manager does not track.
	ErrUnknownDelivery = errors.New("dispatch: unknown delivery")
	// ErrCancelNotAllowed is returned when the lifecycle state forbids
	// cancellation.
	ErrCancelNotAllowed = errors.New("dispatch: cancellation not allowed in current state")
	// ErrProofNotExpected is returned when a proof arrives for a delivery
	// that has not reached the arrived state.
	ErrProofNotExpected = errors.New("dispatch: proof not expected in current state")
)

// Request is an incoming delivery request. Cargo must be built through
// model.NewCargo so impossible combinations are rejected before submission.
type Request struct {
	Cargo       model.Cargo
	Origin      model.GeoPoint
	Destination model.GeoPoint
	Priority    model.Priority
}

type retryState struct {
	attempts int
	next     time.Time
}

// Manager owns the delivery lifecycle.
type Manager struct {
	cfg       Config
	eval      *constraint.Evaluator
	planner   *routing.Planner
	registry  fleet.Registry
	store     ledger.Store
	bus       eventbus.EventBus
	notifier  Notifier
	clearance ClearanceRequester
	restr     RestrictionSource
	log       corelogger.Logger
	now       func() time.Time

	mu          sync.Mutex
	deliveries  map[string]*model.Delivery
	byVehicle   map[string]string
	retries     map[string]*retryState
	proofTimers map[string]*time.Timer
}

// NewManager creates a dispatcher. notifier, clearance and restr may be nil;
// registry, planner, store and bus are required.
func NewManager(cfg Config, eval *constraint.Evaluator, planner *routing.Planner, registry fleet.Registry, store ledger.Store, bus eventbus.EventBus, notifier Notifier, clearance ClearanceRequester, restr RestrictionSource, log corelogger.Logger) (*Manager, error) {
	if eval == nil || planner == nil || registry == nil || store == nil || bus == nil {
		return nil, fmt.Errorf("dispatch: nil parameter provided to NewManager")
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if restr == nil {
		restr = StaticRestrictions(nil)
	}
	return &Manager{
		cfg:         cfg,
		eval:        eval,
		planner:     planner,
		registry:    registry,
		store:       store,
		bus:         bus,
		notifier:    notifier,
		clearance:   clearance,
		restr:       restr,
		log:         log,
		now:         time.Now,
		deliveries:  map[string]*model.Delivery{},
		byVehicle:   map[string]string{},
		retries:     map[string]*retryState{},
		proofTimers: map[string]*time.Timer{},
	}, nil
}

// Submit accepts a delivery request, records it and attempts an immediate
// assignment. Validation failures are rejected outright and never retried.
func (m *Manager) Submit(ctx context.Context, req Request) (model.Delivery, error) {
	if req.Cargo.ID == "" {
		return model.Delivery{}, model.NewValidationError("cargo", "cargo must be constructed before submission")
	}
	if !req.Origin.Valid() || !req.Destination.Valid() {
		return model.Delivery{}, model.NewValidationError("location", "origin and destination must be valid coordinates")
	}
	now := m.now().UTC()
	d := &model.Delivery{
		ID:          uuid.NewString(),
		Priority:    req.Priority,
		Cargo:       req.Cargo,
		Origin:      req.Origin,
		Destination: req.Destination,
		State:       model.StateRequested,
		Timeline:    model.Timeline{Requested: now},
	}
	m.mu.Lock()
	m.deliveries[d.ID] = d
	m.recordLocked(ctx, ledger.Event{
		DeliveryID: d.ID,
		Kind:       ledger.KindStateChange,
		Timestamp:  now,
		Actor:      "dispatcher",
		Detail:     map[string]string{"to": string(model.StateRequested), "priority": d.Priority.String()},
	})
	cp := *d
	m.mu.Unlock()
	deliveriesSubmitted.WithLabelValues(req.Priority.String()).Inc()

	m.tryAssign(ctx, d.ID)
	if out, ok := m.Get(d.ID); ok {
		return out, nil
	}
	return cp, nil
}

// Get returns a copy of the delivery.
func (m *Manager) Get(id string) (model.Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return model.Delivery{}, false
	}
	return *d, true
}

// List returns copies of all tracked deliveries ordered by request time.
func (m *Manager) List() []model.Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Delivery, 0, len(m.deliveries))
	for _, d := range m.deliveries {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timeline.Requested.Before(out[j].Timeline.Requested)
	})
	return out
}

// Restore re-adopts deliveries persisted before a restart. Assigned
// deliveries have their compartment reservations re-established; when the
// vehicle or compartment is no longer available the delivery goes back to
// the queue. Terminal deliveries and ids already tracked are skipped.
func (m *Manager) Restore(ctx context.Context, deliveries []model.Delivery) {
	for _, d := range deliveries {
		if d.State.Terminal() {
			continue
		}
		m.mu.Lock()
		if _, exists := m.deliveries[d.ID]; exists {
			m.mu.Unlock()
			continue
		}
		cp := d
		m.deliveries[d.ID] = &cp
		m.mu.Unlock()

		if d.VehicleID == "" {
			m.scheduleRetry(d.ID)
			continue
		}
		if err := m.registry.Reserve(d.VehicleID, d.CompartmentID, d.ID, d.Cargo.ReqTemp); err != nil {
			m.logf("restore %s: reservation on %s lost: %v", d.ID, d.VehicleID, err)
			m.unassign(ctx, d.ID, "reservation lost across restart")
			continue
		}
		m.mu.Lock()
		m.byVehicle[d.VehicleID] = d.ID
		m.mu.Unlock()
		if d.State == model.StateArrived {
			m.armProofTimer(d.ID)
		}
	}
}

// History returns the ledger trail for a delivery.
func (m *Manager) History(ctx context.Context, id string) ([]ledger.Event, error) {
	return m.store.History(ctx, id)
}

// Run processes bus events and the retry queue until the context is canceled.
func (m *Manager) Run(ctx context.Context) {
	sub := m.bus.Subscribe()
	defer m.bus.Unsubscribe(sub)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			switch ev := e.(type) {
			case events.AlertEvent:
				m.HandleAlert(ctx, ev.Alert)
			case events.TelemetryEvent:
				m.HandleTelemetry(ctx, ev.Event)
			case events.RestrictionEvent:
				m.HandleRestriction(ctx, ev.Restriction)
			}
		case <-ticker.C:
			m.retryDue(ctx)
		}
	}
}

// Close stops outstanding proof timers. The bus is owned by the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.proofTimers {
		t.Stop()
		delete(m.proofTimers, id)
	}
	return nil
}

// routedCandidates caps how many leading candidates get a full route
// computation per assignment pass.
const routedCandidates = 3

// tryAssign runs one assignment pass: evaluate, route, reserve. On failure
// the delivery stays requested and is scheduled for backoff retry; emergency
// priorities additionally attempt preemption.
func (m *Manager) tryAssign(ctx context.Context, id string) {
	m.mu.Lock()
	d, ok := m.deliveries[id]
	if !ok || d.State != model.StateRequested {
		m.mu.Unlock()
		return
	}
	req := *d
	m.mu.Unlock()

	restrictions := m.restr.Active()
	cands, err := m.eval.EligibleVehicles(req.Cargo, req.Origin, req.Destination, m.registry.List())
	if err != nil {
		if req.Priority.IsEmergency() && m.preempt(ctx, id, restrictions) {
			return
		}
		m.logf("delivery %s: %v", id, err)
		m.scheduleRetry(id)
		return
	}

	// Route the leading candidates up front and let route quality order
	// them: the planner prefers lower cost, and within its epsilon the
	// simpler path with fewer waypoints wins.
	type option struct {
		cand  constraint.Candidate
		route model.Route
	}
	var options []option
	rest := cands
	for len(rest) > 0 && len(options) < routedCandidates {
		cand := rest[0]
		rest = rest[1:]
		route, rerr := m.routeFor(ctx, req, cand.Vehicle, restrictions)
		if rerr != nil {
			continue
		}
		options = append(options, option{cand: cand, route: route})
	}
	sort.SliceStable(options, func(i, j int) bool { return m.planner.Better(options[i].route, options[j].route) })

	for _, opt := range options {
		if err := m.registry.Reserve(opt.cand.Vehicle.ID, opt.cand.CompartmentID, id, req.Cargo.ReqTemp); err != nil {
			if errors.Is(err, fleet.ErrConflict) {
				continue // transient, next candidate
			}
			m.logf("delivery %s: reserve: %v", id, err)
			continue
		}
		if m.commitAssignment(ctx, id, opt.cand.Vehicle.ID, opt.cand.CompartmentID, opt.route) {
			return
		}
		m.registry.Release(opt.cand.Vehicle.ID, opt.cand.CompartmentID)
		return
	}

	// Candidates beyond the routed set keep the evaluator's order.
	for _, cand := range rest {
		route, rerr := m.routeFor(ctx, req, cand.Vehicle, restrictions)
		if rerr != nil {
			continue
		}
		if err := m.registry.Reserve(cand.Vehicle.ID, cand.CompartmentID, id, req.Cargo.ReqTemp); err != nil {
			if errors.Is(err, fleet.ErrConflict) {
				continue
			}
			m.logf("delivery %s: reserve: %v", id, err)
			continue
		}
		if m.commitAssignment(ctx, id, cand.Vehicle.ID, cand.CompartmentID, route) {
			return
		}
		m.registry.Release(cand.Vehicle.ID, cand.CompartmentID)
		return
	}
	if req.Priority.IsEmergency() && m.preempt(ctx, id, restrictions) {
		return
	}
	m.scheduleRetry(id)
}

// routeFor computes the candidate's route, escalating to an emergency
// airspace clearance when an emergency-tier delivery is boxed in by
// restricted zones. Clearance lifts restricted cells only; prohibited zones
// are never routed through.
func (m *Manager) routeFor(ctx context.Context, req model.Delivery, v model.Vehicle, restrictions []model.Restriction) (model.Route, error) {
	route, err := m.planner.ComputeRoute(req.Origin, req.Destination, v.Kind, restrictions, req.Priority, v.CruiseSpeedMps)
	if err == nil {
		return route, nil
	}
	if !errors.Is(err, routing.ErrUnreachable) || !req.Priority.IsEmergency() || m.clearance == nil {
		return model.Route{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.clearanceTimeout())
	defer cancel()
	mid := model.GeoPoint{
		Lat: (req.Origin.Lat + req.Destination.Lat) / 2,
		Lon: (req.Origin.Lon + req.Destination.Lon) / 2,
	}
	radius := req.Origin.DistanceTo(req.Destination)/2 + 1000
	cl, cerr := m.clearance.RequestClearance(cctx, mid, radius, "emergency delivery "+req.ID, time.Hour)
	if cerr != nil || !cl.Granted {
		if cerr != nil {
			m.logf("delivery %s: clearance request failed: %v", req.ID, cerr)
		}
		return model.Route{}, err
	}
	return m.planner.ComputeRoute(req.Origin, req.Destination, v.Kind, liftRestricted(restrictions), req.Priority, v.CruiseSpeedMps)
}

// liftRestricted drops restricted-severity zones from the set. Prohibited and
// advisory entries are kept.
func liftRestricted(restrictions []model.Restriction) []model.Restriction {
	out := make([]model.Restriction, 0, len(restrictions))
	for _, r := range restrictions {
		if r.Severity == model.SeverityRestricted {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (m *Manager) commitAssignment(ctx context.Context, id, vehicleID, compartmentID string, route model.Route) bool {
	rt := route
	err := m.transition(ctx, id, model.StateAssigned, "", func(d *model.Delivery) {
		d.VehicleID = vehicleID
		d.CompartmentID = compartmentID
		d.Route = &rt
	})
	if err != nil {
		return false
	}
	m.mu.Lock()
	m.byVehicle[vehicleID] = id
	delete(m.retries, id)
	requested := m.deliveries[id].Timeline.Requested
	prio := m.deliveries[id].Priority
	m.mu.Unlock()
	assignmentLatency.WithLabelValues(prio.String()).Observe(m.now().Sub(requested).Seconds())
	return true
}

// preempt tries to take over a reservation held by a strictly lower-priority
// delivery still in assigned or preparing. The eviction is atomic with
// respect to ordinary reservations via Registry.Preempt. The evicted delivery
// returns to requested and re-enters the retry queue.
func (m *Manager) preempt(ctx context.Context, id string, restrictions []model.Restriction) bool {
	m.mu.Lock()
	winner, ok := m.deliveries[id]
	if !ok || winner.State != model.StateRequested {
		m.mu.Unlock()
		return false
	}
	req := *winner
	type victim struct {
		id            string
		priority      model.Priority
		vehicleID     string
		compartmentID string
	}
	var victims []victim
	for vid, d := range m.deliveries {
		if vid == id {
			continue
		}
		if d.State != model.StateAssigned && d.State != model.StatePreparing {
			continue
		}
		if !req.Priority.Preempts(d.Priority) {
			continue
		}
		victims = append(victims, victim{id: vid, priority: d.Priority, vehicleID: d.VehicleID, compartmentID: d.CompartmentID})
	}
	m.mu.Unlock()
	// Lowest priority loses first; ties broken by id for determinism.
	sort.Slice(victims, func(i, j int) bool {
		if victims[i].priority != victims[j].priority {
			return victims[i].priority < victims[j].priority
		}
		return victims[i].id < victims[j].id
	})

	for _, vic := range victims {
		v, ok := m.registry.Get(vic.vehicleID)
		if !ok {
			continue
		}
		// Get hands back a private copy; clear the victim's hold on it.
		clone := v
		for i := range clone.Compartments {
			if clone.Compartments[i].ID == vic.compartmentID {
				clone.Compartments[i].DeliveryID = ""
				clone.Compartments[i].Occupied = false
			}
		}
		cands, err := m.eval.EligibleVehicles(req.Cargo, req.Origin, req.Destination, []model.Vehicle{clone})
		if err != nil || len(cands) == 0 {
			continue
		}
		route, rerr := m.routeFor(ctx, req, clone, restrictions)
		if rerr != nil {
			continue
		}
		evicted, perr := m.registry.Preempt(vic.vehicleID, cands[0].CompartmentID, id, req.Cargo.ReqTemp)
		if perr != nil {
			continue
		}
		if evicted != "" {
			m.unassign(ctx, evicted, "preempted by "+id)
		}
		if !m.commitAssignment(ctx, id, vic.vehicleID, cands[0].CompartmentID, route) {
			m.registry.Release(vic.vehicleID, cands[0].CompartmentID)
			return false
		}
		preemptionsTotal.Inc()
		m.bus.Publish(events.PreemptionEvent{
			WinnerID:  id,
			EvictedID: evicted,
			VehicleID: vic.vehicleID,
			At:        m.now().UTC(),
		})
		return true
	}
	return false
}

// unassign returns an assigned or preparing delivery to requested after its
// reservation was taken away.
func (m *Manager) unassign(ctx context.Context, id, reason string) {
	m.mu.Lock()
	if d, ok := m.deliveries[id]; ok && d.VehicleID != "" && m.byVehicle[d.VehicleID] == id {
		delete(m.byVehicle, d.VehicleID)
	}
	m.mu.Unlock()
	err := m.transition(ctx, id, model.StateRequested, reason, func(d *model.Delivery) {
		d.VehicleID = ""
		d.CompartmentID = ""
		d.Route = nil
	})
	if err != nil {
		m.logf("unassign %s: %v", id, err)
		return
	}
	m.scheduleRetry(id)
}

// HandleTelemetry advances the assigned delivery's lifecycle from an accepted
// telemetry event: pickup, departure, arrival and the cooperative
// cancellation checkpoint.
func (m *Manager) HandleTelemetry(ctx context.Context, ev model.TelemetryEvent) {
	m.mu.Lock()
	id, ok := m.byVehicle[ev.VehicleID]
	if !ok {
		m.mu.Unlock()
		return
	}
	d := *m.deliveries[id]
	m.mu.Unlock()

	switch d.State {
	case model.StateAssigned:
		if loaded, reported := ev.CompartmentLoaded[d.CompartmentID]; reported && loaded {
			m.recordCustody(ctx, d, ev.VehicleID, "load")
			_ = m.transition(ctx, id, model.StatePreparing, "", nil)
		}
	case model.StatePreparing:
		if ev.Location.DistanceTo(d.Origin) > m.cfg.DepartRadiusM {
			m.recordCustody(ctx, d, ev.VehicleID, "depart")
			_ = m.transition(ctx, id, model.StateInTransit, "", nil)
		}
	case model.StateInTransit:
		dest := d.Destination
		if d.Route != nil {
			dest = d.Route.Destination
		}
		if ev.Location.DistanceTo(dest) <= m.cfg.ArrivalRadiusM {
			if d.CancelWanted {
				m.recordCustody(ctx, d, ev.VehicleID, "return_to_base")
				if err := m.transition(ctx, id, model.StateCancelled, "cancelled mid-route", nil); err == nil {
					m.releaseDelivery(id)
				}
				return
			}
			if err := m.transition(ctx, id, model.StateArrived, "", nil); err == nil {
				m.armProofTimer(id)
			}
		}
	}
}

// HandleRestriction re-plans the untraveled portion of every in-transit
// route after an airspace change. The traveled prefix is kept; only the
// suffix from the vehicle's current position is recomputed. When the new
// picture leaves no path, the current route is kept and the problem is
// surfaced for the operator.
func (m *Manager) HandleRestriction(ctx context.Context, _ model.Restriction) {
	m.mu.Lock()
	var affected []model.Delivery
	for _, d := range m.deliveries {
		if d.State == model.StateInTransit && d.Route != nil {
			affected = append(affected, *d)
		}
	}
	m.mu.Unlock()
	if len(affected) == 0 {
		return
	}
	restrictions := m.restr.Active()
	for _, d := range affected {
		v, ok := m.registry.Get(d.VehicleID)
		if !ok {
			continue
		}
		last := nearestWaypoint(d.Route.Waypoints, v.Position)
		rerouted, err := m.planner.Reroute(*d.Route, last, v.Kind, restrictions, d.Priority, v.CruiseSpeedMps)
		if err != nil {
			m.logf("delivery %s: reroute after airspace change: %v", d.ID, err)
			continue
		}
		m.mu.Lock()
		if cur, ok := m.deliveries[d.ID]; ok && cur.State == model.StateInTransit {
			rt := rerouted
			cur.Route = &rt
			m.recordLocked(ctx, ledger.Event{
				DeliveryID: d.ID,
				Kind:       ledger.KindStateChange,
				Timestamp:  m.now().UTC(),
				Actor:      "dispatcher",
				Detail:     map[string]string{"action": "reroute", "distance_m": fmt.Sprintf("%.0f", rerouted.DistanceM)},
			})
		}
		m.mu.Unlock()
	}
}

func nearestWaypoint(waypoints []model.GeoPoint, pos model.GeoPoint) int {
	best, bestDist := 0, math.Inf(1)
	for i, wp := range waypoints {
		if d := wp.DistanceTo(pos); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// HandleAlert applies a quality alert. The alert is written to the ledger
// before any resulting failure so the audit trail shows cause before effect.
// Only critical severity aborts the delivery; lower grades are surfaced and
// logged.
func (m *Manager) HandleAlert(ctx context.Context, a model.QualityAlert) {
	qualityAlerts.WithLabelValues(string(a.Severity)).Inc()
	if a.DeliveryID == "" {
		return
	}
	m.mu.Lock()
	_, known := m.deliveries[a.DeliveryID]
	if known {
		detail := map[string]string{
			"severity":    string(a.Severity),
			"kind":        a.Kind,
			"compartment": a.CompartmentID,
		}
		if a.Required != nil {
			detail["required"] = a.Required.String()
			detail["measured_c"] = fmt.Sprintf("%.1f", a.MeasuredC)
		}
		m.recordLocked(ctx, ledger.Event{
			DeliveryID: a.DeliveryID,
			Kind:       ledger.KindQualityAlert,
			Timestamp:  a.At.UTC(),
			Actor:      a.VehicleID,
			Detail:     detail,
		})
	}
	m.mu.Unlock()
	if !known {
		return
	}
	if !a.Severity.Aborts() {
		m.logf("quality alert %s on delivery %s (%s): surfaced, not aborting", a.Severity, a.DeliveryID, a.Kind)
		return
	}
	if err := m.transition(ctx, a.DeliveryID, model.StateFailed, "quality alert: "+a.Kind, nil); err != nil {
		m.logf("alert on %s: %v", a.DeliveryID, err)
		return
	}
	m.releaseDelivery(a.DeliveryID)
}

// SubmitProof records the proof-of-delivery evidence and completes the
// delivery. A delivery that has not arrived cannot be proven; one that never
// receives proof fails by timeout, never silently completes.
func (m *Manager) SubmitProof(ctx context.Context, p ledger.Proof) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	d, ok := m.deliveries[p.DeliveryID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownDelivery
	}
	if d.State != model.StateArrived {
		m.mu.Unlock()
		return ErrProofNotExpected
	}
	cp := *d
	m.mu.Unlock()

	m.recordCustody(ctx, cp, p.ReceivedBy, "unload")
	m.mu.Lock()
	proofID := m.recordLocked(ctx, ledger.Event{
		DeliveryID: p.DeliveryID,
		Kind:       ledger.KindProofOfDelivery,
		Timestamp:  p.At.UTC(),
		Actor:      p.ReceivedBy,
		Detail:     map[string]string{"method": p.Method, "reference": p.Reference},
	})
	m.mu.Unlock()

	err := m.transition(ctx, p.DeliveryID, model.StateDelivered, "", func(d *model.Delivery) {
		d.ProofID = proofID
	})
	if err != nil {
		return err
	}
	m.disarmProofTimer(p.DeliveryID)
	m.releaseDelivery(p.DeliveryID)
	return nil
}

// Cancel cancels a delivery. Allowed in requested, assigned and preparing;
// an in_transit delivery is instead turned around with a return-to-base
// route and completes the cancellation at the base checkpoint.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	d, ok := m.deliveries[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownDelivery
	}
	state := d.State
	vehicleID := d.VehicleID
	m.mu.Unlock()

	switch state {
	case model.StateRequested:
		if err := m.transition(ctx, id, model.StateCancelled, "cancelled by requester", nil); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.retries, id)
		m.mu.Unlock()
		return nil
	case model.StateAssigned, model.StatePreparing:
		if err := m.transition(ctx, id, model.StateCancelled, "cancelled by requester", nil); err != nil {
			return err
		}
		m.releaseDelivery(id)
		return nil
	case model.StateInTransit:
		return m.returnToBase(ctx, id, vehicleID)
	default:
		return ErrCancelNotAllowed
	}
}

// returnToBase replaces the remaining route with a path back to the
// vehicle's home and flags the delivery for cooperative cancellation. The
// flag is observed at the next telemetry checkpoint; movement is never
// forcibly interrupted.
func (m *Manager) returnToBase(ctx context.Context, id, vehicleID string) error {
	v, ok := m.registry.Get(vehicleID)
	if !ok {
		return fmt.Errorf("%w: vehicle %s", fleet.ErrNotFound, vehicleID)
	}
	route, err := m.planner.ComputeRoute(v.Position, v.Home, v.Kind, m.restr.Active(), model.PriorityUrgent, v.CruiseSpeedMps)
	if err != nil {
		return fmt.Errorf("return-to-base route: %w", err)
	}
	m.mu.Lock()
	d, ok := m.deliveries[id]
	if !ok || d.State != model.StateInTransit {
		m.mu.Unlock()
		return ErrCancelNotAllowed
	}
	d.CancelWanted = true
	rt := route
	d.Route = &rt
	m.recordLocked(ctx, ledger.Event{
		DeliveryID: id,
		Kind:       ledger.KindStateChange,
		Timestamp:  m.now().UTC(),
		Actor:      "dispatcher",
		Detail:     map[string]string{"action": "return_to_base", "vehicle": vehicleID},
	})
	m.mu.Unlock()
	return nil
}

// transition applies one validated lifecycle step, stamps the timeline,
// writes the ledger entry and fans out notifications.
func (m *Manager) transition(ctx context.Context, id string, to model.DeliveryState, reason string, mutate func(*model.Delivery)) error {
	m.mu.Lock()
	d, ok := m.deliveries[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownDelivery
	}
	from := d.State
	if err := ValidateTransition(from, to); err != nil {
		m.mu.Unlock()
		return err
	}
	d.State = to
	m.stamp(d, to)
	if mutate != nil {
		mutate(d)
	}
	detail := map[string]string{"from": string(from), "to": string(to)}
	if reason != "" {
		detail["reason"] = reason
		if to == model.StateFailed {
			d.FailureReason = reason
		}
	}
	m.recordLocked(ctx, ledger.Event{
		DeliveryID: id,
		Kind:       ledger.KindStateChange,
		Timestamp:  m.now().UTC(),
		Actor:      "dispatcher",
		Detail:     detail,
	})
	cp := *d
	m.mu.Unlock()

	stateTransitions.WithLabelValues(string(to)).Inc()
	m.bus.Publish(events.DeliveryEvent{
		DeliveryID: id,
		From:       from,
		To:         to,
		VehicleID:  cp.VehicleID,
		Priority:   cp.Priority,
		At:         m.now().UTC(),
	})
	m.notifier.NotifyStateChange(cp, from)
	return nil
}

func (m *Manager) stamp(d *model.Delivery, to model.DeliveryState) {
	now := m.now().UTC()
	switch to {
	case model.StateAssigned:
		d.Timeline.Assigned = now
	case model.StatePreparing:
		d.Timeline.PickedUp = now
	case model.StateInTransit:
		d.Timeline.Departed = now
	case model.StateArrived:
		d.Timeline.Arrived = now
	case model.StateDelivered, model.StateFailed, model.StateCancelled:
		d.Timeline.Closed = now
	}
}

// releaseDelivery frees the reservation and vehicle mapping of a delivery
// that reached a terminal state.
func (m *Manager) releaseDelivery(id string) {
	m.mu.Lock()
	d, ok := m.deliveries[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	vehicleID, compartmentID := d.VehicleID, d.CompartmentID
	if vehicleID != "" && m.byVehicle[vehicleID] == id {
		delete(m.byVehicle, vehicleID)
	}
	delete(m.retries, id)
	m.mu.Unlock()
	if vehicleID != "" && compartmentID != "" {
		m.registry.Release(vehicleID, compartmentID)
	}
}

func (m *Manager) armProofTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.proofTimers[id]; exists {
		return
	}
	m.proofTimers[id] = time.AfterFunc(m.cfg.proofTimeout(), func() {
		m.proofTimeout(id)
	})
}

func (m *Manager) disarmProofTimer(id string) {
	m.mu.Lock()
	if t, ok := m.proofTimers[id]; ok {
		t.Stop()
		delete(m.proofTimers, id)
	}
	m.mu.Unlock()
}

// proofTimeout fails an arrived delivery that never produced proof. The
// failure requires manual resolution; the delivery is never silently marked
// delivered.
func (m *Manager) proofTimeout(id string) {
	m.mu.Lock()
	delete(m.proofTimers, id)
	d, ok := m.deliveries[id]
	stillArrived := ok && d.State == model.StateArrived
	m.mu.Unlock()
	if !stillArrived {
		return
	}
	if err := m.transition(context.Background(), id, model.StateFailed, "proof of delivery timeout, manual resolution required", nil); err != nil {
		m.logf("proof timeout %s: %v", id, err)
		return
	}
	monitoring.CaptureException(fmt.Errorf("delivery %s arrived but produced no proof", id), map[string]string{"delivery": id})
	m.releaseDelivery(id)
}

func (m *Manager) recordCustody(ctx context.Context, d model.Delivery, actor, step string) {
	m.mu.Lock()
	m.recordLocked(ctx, ledger.Event{
		DeliveryID: d.ID,
		Kind:       ledger.KindCustodyTransfer,
		Timestamp:  m.now().UTC(),
		Actor:      actor,
		Detail: map[string]string{
			"step":        step,
			"vehicle":     d.VehicleID,
			"compartment": d.CompartmentID,
			"cargo":       d.Cargo.ID,
		},
	})
	m.mu.Unlock()
}

// recordLocked appends to the ledger while holding the manager lock so entry
// order matches decision order. Caller holds m.mu.
func (m *Manager) recordLocked(ctx context.Context, ev ledger.Event) string {
	id, err := m.store.Record(ctx, ev)
	if err != nil {
		m.logf("ledger append %s/%s: %v", ev.DeliveryID, ev.Kind, err)
		monitoring.CaptureException(err, map[string]string{
			"delivery": ev.DeliveryID,
			"kind":     string(ev.Kind),
		})
	}
	return id
}

func (m *Manager) scheduleRetry(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.retries[id]
	if st == nil {
		st = &retryState{}
		m.retries[id] = st
	}
	backoff := m.cfg.retryInterval() << st.attempts
	if max := m.cfg.maxRetryInterval(); backoff > max || backoff <= 0 {
		backoff = max
	}
	st.attempts++
	st.next = m.now().Add(backoff)
	assignRetries.Inc()
}

// retryDue re-attempts assignment for requested deliveries whose backoff has
// elapsed.
func (m *Manager) retryDue(ctx context.Context) {
	now := m.now()
	m.mu.Lock()
	var due []string
	for id, st := range m.retries {
		d, ok := m.deliveries[id]
		if !ok || d.State != model.StateRequested {
			delete(m.retries, id)
			continue
		}
		if !st.next.After(now) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(due)
	for _, id := range due {
		m.tryAssign(ctx, id)
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.log != nil {
		m.log.Warnf(format, args...)
	}
}
