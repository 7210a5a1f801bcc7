// Package scenarios runs YAML-described dispatch scenarios against an
// in-process manager. A scenario declares a fleet, optional airspace
// restrictions and a sequence of delivery requests, plus the expected
// assignment outcome.
package scenarios

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/medifleet/dispatch/core/model"
)

type VehicleDef struct {
	ID      string  `yaml:"id"`
	Kind    string  `yaml:"kind,omitempty"` // drone, ground or locker; default drone
	Battery float64 `yaml:"battery"`
	Lat     float64 `yaml:"lat"`
	Lon     float64 `yaml:"lon"`
	Cold    bool    `yaml:"cold,omitempty"` // fit a 2-8C compartment
}

func (v VehicleDef) ToModel() model.Vehicle {
	kind := model.VehicleKind(v.Kind)
	if v.Kind == "" {
		kind = model.KindDrone
	}
	comp := model.Compartment{ID: "c1"}
	if v.Cold {
		comp.TempControl = &model.TempRange{MinC: 2, MaxC: 8}
	}
	pos := model.GeoPoint{Lat: v.Lat, Lon: v.Lon}
	return model.Vehicle{
		ID:             v.ID,
		Kind:           kind,
		Status:         model.StatusAvailable,
		Position:       pos,
		Home:           pos,
		Battery:        v.Battery,
		MaxPayloadG:    5000,
		MaxRangeM:      60000,
		CruiseSpeedMps: 15,
		Compartments:   []model.Compartment{comp},
	}
}

type DeliveryDef struct {
	Cargo    string  `yaml:"cargo"`
	WeightG  float64 `yaml:"weight_g"`
	VolumeML float64 `yaml:"volume_ml"`
	Cold     bool    `yaml:"cold,omitempty"`
	Priority string  `yaml:"priority"`
	FromLat  float64 `yaml:"from_lat"`
	FromLon  float64 `yaml:"from_lon"`
	ToLat    float64 `yaml:"to_lat"`
	ToLon    float64 `yaml:"to_lon"`
}

type RestrictionDef struct {
	ID       string  `yaml:"id"`
	Severity string  `yaml:"severity"`
	Lat      float64 `yaml:"lat"`
	Lon      float64 `yaml:"lon"`
	RadiusM  float64 `yaml:"radius_m"`
}

func (r RestrictionDef) ToModel() model.Restriction {
	return model.Restriction{
		ID:       r.ID,
		Severity: model.Severity(r.Severity),
		Center:   model.GeoPoint{Lat: r.Lat, Lon: r.Lon},
		RadiusM:  r.RadiusM,
	}
}

type AreaDef struct {
	LatMin float64 `yaml:"lat_min"`
	LatMax float64 `yaml:"lat_max"`
	LonMin float64 `yaml:"lon_min"`
	LonMax float64 `yaml:"lon_max"`
}

// Expected states are keyed by cargo id; a missing entry is not checked.
type Expected struct {
	States      map[string]string `yaml:"states,omitempty"`
	Assignments map[string]string `yaml:"assignments,omitempty"`
}

type Scenario struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description,omitempty"`
	Area         AreaDef          `yaml:"area,omitempty"`
	Vehicles     []VehicleDef     `yaml:"vehicles"`
	Restrictions []RestrictionDef `yaml:"restrictions,omitempty"`
	Deliveries   []DeliveryDef    `yaml:"deliveries"`
	Expected     Expected         `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if sc.Area == (AreaDef{}) {
		sc.Area = AreaDef{LatMin: 48.83, LatMax: 48.89, LonMin: 2.30, LonMax: 2.40}
	}
	return &sc, nil
}
