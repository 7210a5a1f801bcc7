// Package constraint decides which vehicles may carry a given cargo and ranks
// them. Evaluation is read-only: many delivery requests can be scored in
// parallel against the same fleet listing.
package constraint

import (
	"errors"
	"math"
	"sort"

	corelogger "github.com/medifleet/dispatch/core/logger"
	"github.com/medifleet/dispatch/core/model"
)

// ErrNoEligibleVehicle is returned when no candidate survives filtering. It
// is an expected outcome the dispatcher handles with backoff, not a bug.
var ErrNoEligibleVehicle = errors.New("constraint: no eligible vehicle")

// Candidate pairs a vehicle with the compartment chosen for the cargo and the
// ranking score.
type Candidate struct {
	Vehicle       model.Vehicle
	CompartmentID string
	Score         float64
}

// Weights tunes the candidate score. Zero values fall back to defaults.
type Weights struct {
	Proximity      float64 `json:"proximity"`
	BatteryMargin  float64 `json:"battery_margin"`
	Specialization float64 `json:"specialization"`
}

// SetDefaults applies the default weighting.
func (w *Weights) SetDefaults() {
	if w.Proximity == 0 {
		w.Proximity = 0.5
	}
	if w.BatteryMargin == 0 {
		w.BatteryMargin = 0.3
	}
	if w.Specialization == 0 {
		w.Specialization = 0.2
	}
}

// Evaluator filters and scores vehicles for cargo assignments.
type Evaluator struct {
	weights Weights
	// rangeReserve is the battery fraction kept in reserve on top of the
	// round trip back to base.
	rangeReserve float64
	// lockerRadiusM bounds how far a stationary locker may sit from the
	// destination and still count as a handoff point.
	lockerRadiusM float64
	log           corelogger.Logger
}

// NewEvaluator builds an evaluator. log may be nil.
func NewEvaluator(w Weights, log corelogger.Logger) *Evaluator {
	w.SetDefaults()
	return &Evaluator{weights: w, rangeReserve: 0.15, lockerRadiusM: 150, log: log}
}

// EligibleVehicles returns candidates able to carry the cargo from origin to
// destination, ordered best first. Vehicles failing only compliance raise a
// ComplianceError; those are reported through the returned error when nothing
// is eligible, never silently dropped.
func (e *Evaluator) EligibleVehicles(cargo model.Cargo, origin, destination model.GeoPoint, vehicles []model.Vehicle) ([]Candidate, error) {
	var (
		out        []Candidate
		compliance []error
	)
	for _, v := range vehicles {
		if v.Status != model.StatusAvailable || v.MaintenanceDue {
			continue
		}
		if cargo.WeightG > v.MaxPayloadG {
			continue
		}
		comp, ok := e.pickCompartment(v, cargo)
		if !ok {
			continue
		}
		if !e.rangeCovers(v, origin, destination) {
			continue
		}
		if cargo.Regulated() {
			if certified, missing := v.Certified(cargo); !certified {
				cerr := &model.ComplianceError{VehicleID: v.ID, Missing: missing}
				compliance = append(compliance, cerr)
				if e.log != nil {
					e.log.Warnf("vehicle %s excluded for cargo %s: %v", v.ID, cargo.ID, cerr)
				}
				continue
			}
		}
		out = append(out, Candidate{
			Vehicle:       v,
			CompartmentID: comp.ID,
			Score:         e.score(v, comp, cargo, origin),
		})
	}
	if len(out) == 0 {
		if len(compliance) > 0 {
			return nil, errors.Join(append([]error{ErrNoEligibleVehicle}, compliance...)...)
		}
		return nil, ErrNoEligibleVehicle
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Vehicle.ID < out[j].Vehicle.ID
	})
	return out, nil
}

// pickCompartment chooses the free compartment that satisfies the cargo. When
// several fit, the tightest temperature control wins so wide-band compartments
// stay free for demanding cargo.
func (e *Evaluator) pickCompartment(v model.Vehicle, cargo model.Cargo) (model.Compartment, bool) {
	var (
		best  model.Compartment
		found bool
	)
	for _, c := range v.Compartments {
		if c.Reserved() || c.Occupied || !c.CanHold(cargo) {
			continue
		}
		if !found || tighter(c, best) {
			best = c
			found = true
		}
	}
	return best, found
}

func tighter(a, b model.Compartment) bool {
	spanOf := func(c model.Compartment) float64 {
		if c.TempControl == nil {
			return math.Inf(1)
		}
		return c.TempControl.MaxC - c.TempControl.MinC
	}
	return spanOf(a) < spanOf(b)
}

// rangeCovers checks the full round trip: current position to pickup, pickup
// to destination, destination back to base, plus the reserve margin. Lockers
// never move; they qualify only as handoff points at the destination.
func (e *Evaluator) rangeCovers(v model.Vehicle, origin, destination model.GeoPoint) bool {
	if v.Kind == model.KindLocker {
		return v.Position.DistanceTo(destination) <= e.lockerRadiusM
	}
	trip := v.Position.DistanceTo(origin) +
		origin.DistanceTo(destination) +
		destination.DistanceTo(v.Home)
	return v.RemainingRangeM()*(1-e.rangeReserve) >= trip
}

func (e *Evaluator) score(v model.Vehicle, comp model.Compartment, cargo model.Cargo, origin model.GeoPoint) float64 {
	proximity := math.Exp(-v.Position.DistanceTo(origin) / 5000)

	margin := 0.0
	if v.MaxRangeM > 0 {
		margin = v.RemainingRangeM() / v.MaxRangeM
	}

	special := 0.0
	if cargo.HasFlag(model.FlagBloodProduct) {
		for _, c := range comp.Certifications {
			if c == "blood_transport" {
				special = 1
				break
			}
		}
	}
	return proximity*e.weights.Proximity + margin*e.weights.BatteryMargin + special*e.weights.Specialization
}
