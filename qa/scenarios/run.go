package scenarios

import (
	"context"
	"testing"
	"time"

	"github.com/medifleet/dispatch/core/constraint"
	"github.com/medifleet/dispatch/core/dispatch"
	"github.com/medifleet/dispatch/core/fleet"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/core/routing"
	infraledger "github.com/medifleet/dispatch/infra/ledger"
	"github.com/medifleet/dispatch/internal/eventbus"
)

// RunScenario builds an in-process dispatcher, submits every delivery in
// order and checks the expected states and assignments.
func RunScenario(t *testing.T, sc *Scenario) {
	t.Helper()
	bus := eventbus.NewBuffered(64)
	registry := fleet.NewMemoryRegistry(bus, time.Minute)
	for _, def := range sc.Vehicles {
		if err := registry.Upsert(def.ToModel()); err != nil {
			t.Fatalf("vehicle %s: %v", def.ID, err)
		}
	}

	planner, err := routing.NewPlanner(routing.Config{
		Area: routing.Area{
			LatMin: sc.Area.LatMin, LatMax: sc.Area.LatMax,
			LonMin: sc.Area.LonMin, LonMax: sc.Area.LonMax,
		},
		CellSizeM: 500,
	})
	if err != nil {
		t.Fatalf("planner: %v", err)
	}

	restrictions := make(dispatch.StaticRestrictions, 0, len(sc.Restrictions))
	for _, def := range sc.Restrictions {
		restrictions = append(restrictions, def.ToModel())
	}

	mgr, err := dispatch.NewManager(dispatch.Config{}, constraint.NewEvaluator(constraint.Weights{}, nil),
		planner, registry, infraledger.NewMemoryStore(), bus, nil, nil, restrictions, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	defer func() { _ = mgr.Close() }()

	ctx := context.Background()
	byCargoID := map[string]string{}
	for _, def := range sc.Deliveries {
		prio, err := model.ParsePriority(def.Priority)
		if err != nil {
			t.Fatalf("delivery %s: %v", def.Cargo, err)
		}
		var reqTemp *model.TempRange
		if def.Cold {
			reqTemp = &model.TempRange{MinC: 2, MaxC: 8}
		}
		cargo, err := model.NewCargo(def.Cargo, def.WeightG, def.VolumeML, reqTemp, nil)
		if err != nil {
			t.Fatalf("cargo %s: %v", def.Cargo, err)
		}
		d, err := mgr.Submit(ctx, dispatch.Request{
			Cargo:       cargo,
			Origin:      model.GeoPoint{Lat: def.FromLat, Lon: def.FromLon},
			Destination: model.GeoPoint{Lat: def.ToLat, Lon: def.ToLon},
			Priority:    prio,
		})
		if err != nil {
			t.Fatalf("submit %s: %v", def.Cargo, err)
		}
		byCargoID[def.Cargo] = d.ID
	}

	for cargoID, want := range sc.Expected.States {
		d, ok := mgr.Get(byCargoID[cargoID])
		if !ok {
			t.Errorf("scenario %s: delivery for cargo %s not tracked", sc.Name, cargoID)
			continue
		}
		if string(d.State) != want {
			t.Errorf("scenario %s: cargo %s in state %s, want %s", sc.Name, cargoID, d.State, want)
		}
	}
	for cargoID, want := range sc.Expected.Assignments {
		d, _ := mgr.Get(byCargoID[cargoID])
		if d.VehicleID != want {
			t.Errorf("scenario %s: cargo %s assigned to %q, want %q", sc.Name, cargoID, d.VehicleID, want)
		}
	}
}
