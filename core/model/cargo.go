package model

import "time"

// Regulatory flags a cargo item may carry. A vehicle is eligible for flagged
// cargo only when its certifications cover every flag.
const (
	FlagControlledSubstance  = "controlled_substance"
	FlagPrescriptionRequired = "prescription_required"
	FlagBloodProduct         = "blood_product"
)

// SecurityLevel orders compartment locking requirements.
type SecurityLevel int

const (
	SecurityStandard SecurityLevel = iota
	SecuritySealed
	SecurityBiometric
)

// Cargo is an immutable description of one item to deliver. It is referenced,
// never owned, by a Delivery.
type Cargo struct {
	ID            string
	WeightG       float64
	VolumeML      float64
	DeclaredValue float64
	Expiry        time.Time
	Flags         []string
	ReqTemp       *TempRange // nil when the item is not temperature critical
	MinSecurity   SecurityLevel
}

// NewCargo validates and builds a cargo item. Impossible combinations, such as
// a required temperature range no compartment class can hold, fail here rather
// than at assignment time.
func NewCargo(id string, weightG, volumeML float64, reqTemp *TempRange, flags []string) (Cargo, error) {
	if id == "" {
		return Cargo{}, NewValidationError("cargo.id", "must not be empty")
	}
	if weightG <= 0 {
		return Cargo{}, NewValidationError("cargo.weight_g", "must be positive")
	}
	if volumeML <= 0 {
		return Cargo{}, NewValidationError("cargo.volume_ml", "must be positive")
	}
	if reqTemp != nil {
		if err := reqTemp.Validate(); err != nil {
			return Cargo{}, err
		}
	}
	for _, f := range flags {
		switch f {
		case FlagControlledSubstance, FlagPrescriptionRequired, FlagBloodProduct:
		default:
			return Cargo{}, NewValidationError("cargo.flags", "unknown regulatory flag "+f)
		}
	}
	c := Cargo{ID: id, WeightG: weightG, VolumeML: volumeML, Flags: append([]string(nil), flags...)}
	if reqTemp != nil {
		r := *reqTemp
		c.ReqTemp = &r
	}
	return c, nil
}

// HasFlag reports whether the cargo carries the given regulatory flag.
func (c Cargo) HasFlag(flag string) bool {
	for _, f := range c.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Regulated reports whether any regulatory flag is set.
func (c Cargo) Regulated() bool { return len(c.Flags) > 0 }
