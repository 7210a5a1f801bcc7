package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/medifleet/dispatch/core/constraint"
	"github.com/medifleet/dispatch/core/fleet"
	"github.com/medifleet/dispatch/core/ledger"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/core/routing"
	infraledger "github.com/medifleet/dispatch/infra/ledger"
	"github.com/medifleet/dispatch/internal/eventbus"
)

var (
	hub  = model.GeoPoint{Lat: 48.85, Lon: 2.33}
	dest = model.GeoPoint{Lat: 48.86, Lon: 2.37}
)

func drone(id string, comps ...model.Compartment) model.Vehicle {
	if len(comps) == 0 {
		comps = []model.Compartment{{ID: "c1", TempControl: &model.TempRange{MinC: 2, MaxC: 8}}}
	}
	return model.Vehicle{
		ID:             id,
		Kind:           model.KindDrone,
		Status:         model.StatusAvailable,
		Position:       hub,
		Home:           hub,
		Battery:        0.95,
		MaxPayloadG:    5000,
		MaxRangeM:      60000,
		CruiseSpeedMps: 15,
		Compartments:   comps,
	}
}

func coldCargo(t *testing.T, id string) model.Cargo {
	t.Helper()
	r := model.TempRange{MinC: 2, MaxC: 8}
	c, err := model.NewCargo(id, 500, 400, &r, nil)
	if err != nil {
		t.Fatalf("cargo: %v", err)
	}
	return c
}

type harness struct {
	m        *Manager
	registry *fleet.MemoryRegistry
	store    *infraledger.MemoryStore
	bus      *eventbus.Bus
}

func newHarness(t *testing.T, vehicles ...model.Vehicle) *harness {
	t.Helper()
	bus := eventbus.NewBuffered(64)
	registry := fleet.NewMemoryRegistry(bus, time.Minute)
	for _, v := range vehicles {
		if err := registry.Upsert(v); err != nil {
			t.Fatalf("upsert %s: %v", v.ID, err)
		}
	}
	planner, err := routing.NewPlanner(routing.Config{
		Area:      routing.Area{LatMin: 48.83, LatMax: 48.89, LonMin: 2.30, LonMax: 2.40},
		CellSizeM: 500,
	})
	if err != nil {
		t.Fatalf("planner: %v", err)
	}
	store := infraledger.NewMemoryStore()
	m, err := NewManager(Config{ProofTimeoutSeconds: 1}, constraint.NewEvaluator(constraint.Weights{}, nil), planner, registry, store, bus, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return &harness{m: m, registry: registry, store: store, bus: bus}
}

func (h *harness) submit(t *testing.T, cargoID string, prio model.Priority) model.Delivery {
	t.Helper()
	d, err := h.m.Submit(context.Background(), Request{
		Cargo:       coldCargo(t, cargoID),
		Origin:      hub,
		Destination: dest,
		Priority:    prio,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return d
}

func (h *harness) mustState(t *testing.T, id string, want model.DeliveryState) model.Delivery {
	t.Helper()
	d, ok := h.m.Get(id)
	if !ok {
		t.Fatalf("delivery %s not tracked", id)
	}
	if d.State != want {
		t.Fatalf("delivery %s in state %s, want %s", id, d.State, want)
	}
	return d
}

func TestSubmitAssignsImmediately(t *testing.T) {
	h := newHarness(t, drone("v1"))
	d := h.submit(t, "insulin-1", model.PriorityRoutine)

	got := h.mustState(t, d.ID, model.StateAssigned)
	if got.VehicleID != "v1" || got.CompartmentID != "c1" {
		t.Fatalf("assigned to %s/%s, want v1/c1", got.VehicleID, got.CompartmentID)
	}
	if got.Route == nil || len(got.Route.Waypoints) < 2 {
		t.Fatal("assignment must carry a computed route")
	}
	if holder, ok := h.registry.HolderOf("v1", "c1"); !ok || holder != d.ID {
		t.Fatalf("compartment holder = %q, want %s", holder, d.ID)
	}
	if got.Timeline.Assigned.IsZero() {
		t.Error("assigned timestamp not stamped")
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, drone("v1"))
	_, err := h.m.Submit(context.Background(), Request{
		Cargo:       coldCargo(t, "c"),
		Origin:      model.GeoPoint{Lat: 200},
		Destination: dest,
	})
	if !model.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNoVehicleStaysRequestedAndRetries(t *testing.T) {
	h := newHarness(t) // empty fleet
	d := h.submit(t, "insulin-1", model.PriorityRoutine)
	h.mustState(t, d.ID, model.StateRequested)

	// A vehicle joins; the retry pass picks the request up.
	if err := h.registry.Upsert(drone("v1")); err != nil {
		t.Fatal(err)
	}
	h.m.mu.Lock()
	h.m.retries[d.ID].next = time.Now().Add(-time.Second)
	h.m.mu.Unlock()
	h.m.retryDue(context.Background())
	h.mustState(t, d.ID, model.StateAssigned)
}

func TestEmergencyPreemptsLowerPriority(t *testing.T) {
	h := newHarness(t, drone("v1"))
	routine := h.submit(t, "restock-1", model.PriorityRoutine)
	h.mustState(t, routine.ID, model.StateAssigned)

	urgent := h.submit(t, "blood-1", model.PriorityLifeThreatening)

	got := h.mustState(t, urgent.ID, model.StateAssigned)
	if got.VehicleID != "v1" {
		t.Fatalf("winner assigned to %s, want v1", got.VehicleID)
	}
	evicted := h.mustState(t, routine.ID, model.StateRequested)
	if evicted.VehicleID != "" || evicted.Route != nil {
		t.Error("evicted delivery must drop its vehicle and route")
	}
	if holder, _ := h.registry.HolderOf("v1", "c1"); holder != urgent.ID {
		t.Fatalf("compartment holder = %q, want winner %s", holder, urgent.ID)
	}
	h.m.mu.Lock()
	_, queued := h.m.retries[routine.ID]
	h.m.mu.Unlock()
	if !queued {
		t.Error("evicted delivery must re-enter the retry queue")
	}
}

func TestRouteQualityBreaksCandidateTies(t *testing.T) {
	// The ground vehicle sits at the origin and outranks the drone on the
	// evaluator's proximity score, but a ground-only restricted zone forces
	// its route into a detour. Comparing the candidates' actual routes must
	// pick the drone with the cleaner path.
	ground := model.Vehicle{
		ID:             "g1",
		Kind:           model.KindGround,
		Status:         model.StatusAvailable,
		Position:       hub,
		Home:           hub,
		Battery:        0.95,
		MaxPayloadG:    5000,
		MaxRangeM:      60000,
		CruiseSpeedMps: 15,
		Compartments:   []model.Compartment{{ID: "c1", TempControl: &model.TempRange{MinC: 2, MaxC: 8}}},
	}
	far := drone("v1")
	far.Position = model.GeoPoint{Lat: 48.846, Lon: 2.327}

	bus := eventbus.NewBuffered(64)
	registry := fleet.NewMemoryRegistry(bus, time.Minute)
	for _, v := range []model.Vehicle{ground, far} {
		if err := registry.Upsert(v); err != nil {
			t.Fatalf("upsert %s: %v", v.ID, err)
		}
	}
	planner, err := routing.NewPlanner(routing.Config{
		Area:      routing.Area{LatMin: 48.83, LatMax: 48.89, LonMin: 2.30, LonMax: 2.40},
		CellSizeM: 500,
	})
	if err != nil {
		t.Fatalf("planner: %v", err)
	}
	roadblock := StaticRestrictions{{
		ID:       "roadblock-1",
		Severity: model.SeverityRestricted,
		Center:   model.GeoPoint{Lat: 48.855, Lon: 2.35},
		RadiusM:  1000,
		Kinds:    []model.VehicleKind{model.KindGround},
	}}
	m, err := NewManager(Config{}, constraint.NewEvaluator(constraint.Weights{}, nil), planner,
		registry, infraledger.NewMemoryStore(), bus, nil, nil, roadblock, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	d, err := m.Submit(context.Background(), Request{
		Cargo:       coldCargo(t, "serum-1"),
		Origin:      hub,
		Destination: dest,
		Priority:    model.PriorityUrgent,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got, _ := m.Get(d.ID)
	if got.State != model.StateAssigned {
		t.Fatalf("delivery in state %s, want assigned", got.State)
	}
	if got.VehicleID != "v1" {
		t.Fatalf("expected the drone's direct route to win, got %s", got.VehicleID)
	}
}

func TestEqualPriorityDoesNotPreempt(t *testing.T) {
	h := newHarness(t, drone("v1"))
	first := h.submit(t, "blood-1", model.PriorityLifeThreatening)
	h.mustState(t, first.ID, model.StateAssigned)

	second := h.submit(t, "blood-2", model.PriorityLifeThreatening)
	h.mustState(t, second.ID, model.StateRequested)
	h.mustState(t, first.ID, model.StateAssigned)
}

func telemetry(vehicleID string, seq uint64, at model.GeoPoint) model.TelemetryEvent {
	return model.TelemetryEvent{
		VehicleID: vehicleID,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Location:  at,
		Battery:   0.9,
	}
}

func (h *harness) driveToArrived(t *testing.T, d model.Delivery) {
	t.Helper()
	ctx := context.Background()
	ev := telemetry(d.VehicleID, 1, hub)
	ev.CompartmentLoaded = map[string]bool{d.CompartmentID: true}
	h.m.HandleTelemetry(ctx, ev)
	h.mustState(t, d.ID, model.StatePreparing)

	away := model.GeoPoint{Lat: 48.855, Lon: 2.345}
	h.m.HandleTelemetry(ctx, telemetry(d.VehicleID, 2, away))
	h.mustState(t, d.ID, model.StateInTransit)

	h.m.HandleTelemetry(ctx, telemetry(d.VehicleID, 3, dest))
	h.mustState(t, d.ID, model.StateArrived)
}

func TestTelemetryDrivesLifecycleToDelivered(t *testing.T) {
	h := newHarness(t, drone("v1"))
	d := h.submit(t, "insulin-1", model.PriorityUrgent)
	d = h.mustState(t, d.ID, model.StateAssigned)
	h.driveToArrived(t, d)

	err := h.m.SubmitProof(context.Background(), ledger.Proof{
		DeliveryID: d.ID,
		Method:     "signature",
		Reference:  "sig-9281",
		ReceivedBy: "nurse-osei",
		At:         time.Now(),
	})
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	got := h.mustState(t, d.ID, model.StateDelivered)
	if got.ProofID == "" {
		t.Error("delivered without a proof reference")
	}
	if _, held := h.registry.HolderOf("v1", "c1"); held {
		t.Error("reservation must be released after delivery")
	}

	events, err := h.store.History(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []ledger.EventKind
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	want := []ledger.EventKind{
		ledger.KindStateChange,     // requested
		ledger.KindStateChange,     // assigned
		ledger.KindCustodyTransfer, // load
		ledger.KindStateChange,     // preparing
		ledger.KindCustodyTransfer, // depart
		ledger.KindStateChange,     // in_transit
		ledger.KindStateChange,     // arrived
		ledger.KindCustodyTransfer, // unload
		ledger.KindProofOfDelivery,
		ledger.KindStateChange, // delivered
	}
	if len(kinds) != len(want) {
		t.Fatalf("ledger trail has %d events, want %d: %v", len(kinds), len(want), kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("ledger event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestProofBeforeArrivalRejected(t *testing.T) {
	h := newHarness(t, drone("v1"))
	d := h.submit(t, "insulin-1", model.PriorityRoutine)
	err := h.m.SubmitProof(context.Background(), ledger.Proof{
		DeliveryID: d.ID, Method: "photo", ReceivedBy: "courier",
	})
	if !errors.Is(err, ErrProofNotExpected) {
		t.Fatalf("expected ErrProofNotExpected, got %v", err)
	}
}

func TestProofTimeoutFailsDelivery(t *testing.T) {
	h := newHarness(t, drone("v1"))
	d := h.submit(t, "insulin-1", model.PriorityRoutine)
	d = h.mustState(t, d.ID, model.StateAssigned)
	h.driveToArrived(t, d)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := h.m.Get(d.ID); got.State == model.StateFailed {
			if got.FailureReason == "" {
				t.Error("timeout failure must carry a reason")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("arrived delivery without proof must fail by timeout")
}

func TestCriticalAlertFailsDeliveryAndOrdersLedger(t *testing.T) {
	h := newHarness(t, drone("v1"))
	d := h.submit(t, "plasma-1", model.PriorityUrgent)
	d = h.mustState(t, d.ID, model.StateAssigned)

	req := model.TempRange{MinC: 2, MaxC: 8}
	h.m.HandleAlert(context.Background(), model.QualityAlert{
		VehicleID:     "v1",
		CompartmentID: "c1",
		DeliveryID:    d.ID,
		Severity:      model.AlertCritical,
		Kind:          "temperature_excursion",
		MeasuredC:     14.2,
		Required:      &req,
		At:            time.Now(),
	})

	h.mustState(t, d.ID, model.StateFailed)
	if _, held := h.registry.HolderOf("v1", "c1"); held {
		t.Error("failed delivery must release its compartment")
	}

	events, err := h.store.History(context.Background(), d.ID)
	if err != nil {
		t.Fatal(err)
	}
	alertIdx, failIdx := -1, -1
	for i, e := range events {
		switch {
		case e.Kind == ledger.KindQualityAlert:
			alertIdx = i
		case e.Kind == ledger.KindStateChange && e.Detail["to"] == string(model.StateFailed):
			failIdx = i
		}
	}
	if alertIdx < 0 || failIdx < 0 {
		t.Fatalf("missing alert or failure event in trail: %+v", events)
	}
	if alertIdx > failIdx {
		t.Error("quality alert must be recorded before the failure it causes")
	}
}

func TestLowSeverityAlertDoesNotAbort(t *testing.T) {
	h := newHarness(t, drone("v1"))
	d := h.submit(t, "plasma-1", model.PriorityUrgent)
	h.m.HandleAlert(context.Background(), model.QualityAlert{
		VehicleID: "v1", CompartmentID: "c1", DeliveryID: d.ID,
		Severity: model.AlertMedium, Kind: "temperature_excursion", At: time.Now(),
	})
	h.mustState(t, d.ID, model.StateAssigned)
}

func TestCancelRules(t *testing.T) {
	ctx := context.Background()

	t.Run("requested", func(t *testing.T) {
		h := newHarness(t)
		d := h.submit(t, "c", model.PriorityRoutine)
		if err := h.m.Cancel(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
		h.mustState(t, d.ID, model.StateCancelled)
	})

	t.Run("assigned releases reservation", func(t *testing.T) {
		h := newHarness(t, drone("v1"))
		d := h.submit(t, "c", model.PriorityRoutine)
		if err := h.m.Cancel(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
		h.mustState(t, d.ID, model.StateCancelled)
		if _, held := h.registry.HolderOf("v1", "c1"); held {
			t.Error("cancellation must release the compartment")
		}
	})

	t.Run("in transit returns to base", func(t *testing.T) {
		h := newHarness(t, drone("v1"))
		d := h.submit(t, "c", model.PriorityRoutine)
		d = h.mustState(t, d.ID, model.StateAssigned)
		ev := telemetry("v1", 1, hub)
		ev.CompartmentLoaded = map[string]bool{"c1": true}
		h.m.HandleTelemetry(ctx, ev)
		h.m.HandleTelemetry(ctx, telemetry("v1", 2, model.GeoPoint{Lat: 48.855, Lon: 2.345}))
		h.mustState(t, d.ID, model.StateInTransit)

		if err := h.m.Cancel(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
		got := h.mustState(t, d.ID, model.StateInTransit)
		if got.Route == nil || got.Route.Destination != hub {
			t.Fatal("cancellation mid-route must reroute to base")
		}
		h.m.HandleTelemetry(ctx, telemetry("v1", 3, hub))
		h.mustState(t, d.ID, model.StateCancelled)
	})

	t.Run("terminal rejected", func(t *testing.T) {
		h := newHarness(t)
		d := h.submit(t, "c", model.PriorityRoutine)
		if err := h.m.Cancel(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
		if err := h.m.Cancel(ctx, d.ID); !errors.Is(err, ErrCancelNotAllowed) {
			t.Fatalf("expected ErrCancelNotAllowed, got %v", err)
		}
	})
}

func TestRestrictionChangeReroutesInTransit(t *testing.T) {
	h := newHarness(t, drone("v1"))
	restr := StaticRestrictions{}
	h.m.restr = &restr

	d := h.submit(t, "c", model.PriorityRoutine)
	d = h.mustState(t, d.ID, model.StateAssigned)
	ctx := context.Background()
	ev := telemetry("v1", 1, hub)
	ev.CompartmentLoaded = map[string]bool{"c1": true}
	h.m.HandleTelemetry(ctx, ev)
	h.m.HandleTelemetry(ctx, telemetry("v1", 2, model.GeoPoint{Lat: 48.855, Lon: 2.345}))
	d = h.mustState(t, d.ID, model.StateInTransit)
	before := *d.Route

	zone := model.Restriction{
		ID:       "tfr-9",
		Severity: model.SeverityProhibited,
		Center:   model.GeoPoint{Lat: 48.857, Lon: 2.36},
		RadiusM:  400,
	}
	restr = StaticRestrictions{zone}
	h.m.HandleRestriction(ctx, zone)

	after := h.mustState(t, d.ID, model.StateInTransit)
	if after.Route == nil {
		t.Fatal("route dropped during reroute")
	}
	if after.Route.Destination != before.Destination {
		t.Fatal("reroute must keep the destination")
	}
	for _, wp := range after.Route.Waypoints {
		if wp.DistanceTo(zone.Center) < zone.RadiusM {
			t.Fatalf("rerouted waypoint %+v inside prohibited zone", wp)
		}
	}
}

func TestVehicleFreedAfterFailureServesNextRequest(t *testing.T) {
	h := newHarness(t, drone("v1"))
	first := h.submit(t, "a", model.PriorityRoutine)
	h.mustState(t, first.ID, model.StateAssigned)
	second := h.submit(t, "b", model.PriorityRoutine)
	h.mustState(t, second.ID, model.StateRequested)

	if err := h.m.Cancel(context.Background(), first.ID); err != nil {
		t.Fatal(err)
	}
	h.m.mu.Lock()
	h.m.retries[second.ID].next = time.Now().Add(-time.Second)
	h.m.mu.Unlock()
	h.m.retryDue(context.Background())
	h.mustState(t, second.ID, model.StateAssigned)
}
