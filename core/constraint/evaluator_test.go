package constraint

import (
	"errors"
	"testing"

	"github.com/medifleet/dispatch/core/model"
)

var (
	hub  = model.GeoPoint{Lat: 48.85, Lon: 2.35}
	dest = model.GeoPoint{Lat: 48.86, Lon: 2.37}
)

func drone(id string, comps ...model.Compartment) model.Vehicle {
	return model.Vehicle{
		ID:             id,
		Kind:           model.KindDrone,
		Status:         model.StatusAvailable,
		Position:       hub,
		Home:           hub,
		Battery:        0.9,
		MaxPayloadG:    5000,
		MaxRangeM:      30000,
		CruiseSpeedMps: 15,
		Compartments:   comps,
	}
}

func coldCargo(t *testing.T, minC, maxC float64) model.Cargo {
	t.Helper()
	r := model.TempRange{MinC: minC, MaxC: maxC}
	c, err := model.NewCargo("frozen-plasma", 500, 400, &r, nil)
	if err != nil {
		t.Fatalf("cargo: %v", err)
	}
	return c
}

func TestTemperatureCoverageSelectsOnlyCoveringCompartment(t *testing.T) {
	fridge := drone("v-fridge", model.Compartment{ID: "c1", TempControl: &model.TempRange{MinC: 0, MaxC: 4}})
	freezer := drone("v-freezer", model.Compartment{ID: "c1", TempControl: &model.TempRange{MinC: -25, MaxC: -5}})

	e := NewEvaluator(Weights{}, nil)
	cands, err := e.EligibleVehicles(coldCargo(t, -20, -10), hub, dest, []model.Vehicle{fridge, freezer})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected exactly one candidate, got %d", len(cands))
	}
	if cands[0].Vehicle.ID != "v-freezer" {
		t.Errorf("expected the -25/-5 compartment, got %s", cands[0].Vehicle.ID)
	}
}

func TestNoEligibleVehicleIsExpectedOutcome(t *testing.T) {
	e := NewEvaluator(Weights{}, nil)
	_, err := e.EligibleVehicles(coldCargo(t, -20, -10), hub, dest, nil)
	if !errors.Is(err, ErrNoEligibleVehicle) {
		t.Fatalf("expected ErrNoEligibleVehicle, got %v", err)
	}
}

func TestComplianceErrorSurfaced(t *testing.T) {
	cargo, err := model.NewCargo("oxy", 100, 40, nil, []string{model.FlagControlledSubstance})
	if err != nil {
		t.Fatalf("cargo: %v", err)
	}
	uncertified := drone("v1", model.Compartment{ID: "c1", Security: model.SecuritySealed})
	e := NewEvaluator(Weights{}, nil)
	_, err = e.EligibleVehicles(cargo, hub, dest, []model.Vehicle{uncertified})
	if !errors.Is(err, ErrNoEligibleVehicle) {
		t.Fatalf("expected ErrNoEligibleVehicle, got %v", err)
	}
	var cerr *model.ComplianceError
	if !errors.As(err, &cerr) {
		t.Fatalf("compliance failure must be reported, got %v", err)
	}
	if cerr.VehicleID != "v1" {
		t.Errorf("wrong vehicle in compliance error: %s", cerr.VehicleID)
	}
}

func TestCertifiedVehiclePassesCompliance(t *testing.T) {
	cargo, err := model.NewCargo("oxy", 100, 40, nil, []string{model.FlagControlledSubstance})
	if err != nil {
		t.Fatalf("cargo: %v", err)
	}
	v := drone("v1", model.Compartment{ID: "c1", Security: model.SecuritySealed})
	v.Certifications = []string{model.FlagControlledSubstance}
	e := NewEvaluator(Weights{}, nil)
	cands, err := e.EligibleVehicles(cargo, hub, dest, []model.Vehicle{v})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(cands) != 1 {
		t.Fatalf("expected one candidate, got %d", len(cands))
	}
}

func TestRangeFilterRejectsDepletedBattery(t *testing.T) {
	cargo, err := model.NewCargo("meds", 100, 40, nil, nil)
	if err != nil {
		t.Fatalf("cargo: %v", err)
	}
	low := drone("v-low", model.Compartment{ID: "c1"})
	low.Battery = 0.05 // ~1.5 km of range, trip needs more
	ok := drone("v-ok", model.Compartment{ID: "c1"})

	e := NewEvaluator(Weights{}, nil)
	cands, err := e.EligibleVehicles(cargo, hub, dest, []model.Vehicle{low, ok})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(cands) != 1 || cands[0].Vehicle.ID != "v-ok" {
		t.Fatalf("expected only v-ok, got %+v", cands)
	}
}

func TestMaintenanceHoldAndOccupiedCompartmentFilteredOut(t *testing.T) {
	cargo, err := model.NewCargo("meds", 100, 40, nil, nil)
	if err != nil {
		t.Fatalf("cargo: %v", err)
	}
	held := drone("v-maint", model.Compartment{ID: "c1"})
	held.MaintenanceDue = true
	busy := drone("v-busy", model.Compartment{ID: "c1", DeliveryID: "other"})

	e := NewEvaluator(Weights{}, nil)
	_, err = e.EligibleVehicles(cargo, hub, dest, []model.Vehicle{held, busy})
	if !errors.Is(err, ErrNoEligibleVehicle) {
		t.Fatalf("expected ErrNoEligibleVehicle, got %v", err)
	}
}

func TestSpecializationOutranksDistance(t *testing.T) {
	cargo, err := model.NewCargo("blood", 450, 450, nil, []string{model.FlagBloodProduct})
	if err != nil {
		t.Fatalf("cargo: %v", err)
	}
	plain := drone("v-near", model.Compartment{ID: "c1", Security: model.SecuritySealed})
	plain.Certifications = []string{model.FlagBloodProduct}

	certified := drone("v-blood", model.Compartment{
		ID: "c1", Security: model.SecuritySealed, Certifications: []string{"blood_transport"},
	})
	certified.Certifications = []string{model.FlagBloodProduct}
	certified.Position = model.GeoPoint{Lat: 48.845, Lon: 2.345} // slightly farther

	e := NewEvaluator(Weights{}, nil)
	cands, err := e.EligibleVehicles(cargo, hub, dest, []model.Vehicle{plain, certified})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if cands[0].Vehicle.ID != "v-blood" {
		t.Errorf("blood-certified compartment should rank first, got %s", cands[0].Vehicle.ID)
	}
}

func TestLockerEligibleOnlyAtDestination(t *testing.T) {
	cargo, err := model.NewCargo("meds", 100, 40, nil, nil)
	if err != nil {
		t.Fatalf("cargo: %v", err)
	}
	atDest := model.Vehicle{
		ID: "l-dest", Kind: model.KindLocker, Status: model.StatusAvailable,
		Position: dest, MaxPayloadG: 5000,
		Compartments: []model.Compartment{{ID: "s1"}},
	}
	elsewhere := atDest
	elsewhere.ID = "l-far"
	elsewhere.Position = hub

	e := NewEvaluator(Weights{}, nil)
	cands, err := e.EligibleVehicles(cargo, hub, dest, []model.Vehicle{atDest, elsewhere})
	if err != nil {
		t.Fatalf("eligible: %v", err)
	}
	if len(cands) != 1 || cands[0].Vehicle.ID != "l-dest" {
		t.Fatalf("only the destination locker should qualify, got %+v", cands)
	}
}
