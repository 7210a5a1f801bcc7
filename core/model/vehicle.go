package model

import "fmt"

// VehicleKind distinguishes the three classes of delivery assets. A locker is
// a stationary virtual vehicle that only ever holds cargo.
type VehicleKind string

const (
	KindDrone  VehicleKind = "drone"
	KindGround VehicleKind = "ground"
	KindLocker VehicleKind = "locker"
)

// VehicleStatus is the operating state of a vehicle.
type VehicleStatus string

const (
	StatusAvailable   VehicleStatus = "available"
	StatusInTransit   VehicleStatus = "in_transit"
	StatusCharging    VehicleStatus = "charging"
	StatusMaintenance VehicleStatus = "maintenance"
	StatusEmergency   VehicleStatus = "emergency"
)

// Compartment is an individually reservable cargo slot within a vehicle.
type Compartment struct {
	ID             string
	TempControl    *TempRange // nil for ambient-only compartments
	CurrentTempC   float64
	Security       SecurityLevel
	Certifications []string // e.g. "blood_transport"

	// Reservation state, owned by the fleet registry.
	DeliveryID string
	Occupied   bool
}

// Reserved reports whether the compartment is held by a delivery.
func (c Compartment) Reserved() bool { return c.DeliveryID != "" }

// CanHold reports whether the compartment satisfies the cargo's temperature
// and security requirements.
func (c Compartment) CanHold(cargo Cargo) bool {
	if cargo.ReqTemp != nil {
		if c.TempControl == nil || !c.TempControl.Covers(*cargo.ReqTemp) {
			return false
		}
	}
	return c.Security >= cargo.MinSecurity
}

// Vehicle is a fleet asset. It is owned exclusively by the fleet registry and
// mutated only via accepted telemetry events or dispatch commands.
type Vehicle struct {
	ID             string
	Kind           VehicleKind
	Status         VehicleStatus
	Position       GeoPoint
	HeadingDeg     float64
	SpeedMps       float64
	Battery        float64 // fraction of capacity remaining, 0..1
	MaxPayloadG    float64
	MaxRangeM      float64 // range on a full charge
	CruiseSpeedMps float64
	Home           GeoPoint
	Compartments   []Compartment
	Certifications []string
	MaintenanceDue bool

	// Telemetry idempotence watermark.
	LastSeq       uint64
	LastTelemetry int64 // unix nanos of the last accepted event
}

// Validate checks that the vehicle configuration is sound.
func (v Vehicle) Validate() error {
	if v.ID == "" {
		return NewValidationError("vehicle.id", "must not be empty")
	}
	switch v.Kind {
	case KindDrone, KindGround, KindLocker:
	default:
		return NewValidationError("vehicle.kind", fmt.Sprintf("unknown kind %q", v.Kind))
	}
	if v.Kind != KindLocker && v.CruiseSpeedMps <= 0 {
		return NewValidationError("vehicle.cruise_speed", "must be positive for mobile vehicles")
	}
	if v.MaxPayloadG <= 0 {
		return NewValidationError("vehicle.max_payload_g", "must be positive")
	}
	return nil
}

// Clone returns a deep copy of the vehicle. The fleet registry stores and
// hands out clones so callers never share a Compartments backing array with
// the registry's own record.
func (v Vehicle) Clone() Vehicle {
	out := v
	if v.Compartments != nil {
		out.Compartments = make([]Compartment, len(v.Compartments))
		copy(out.Compartments, v.Compartments)
		for i := range out.Compartments {
			if tc := out.Compartments[i].TempControl; tc != nil {
				cp := *tc
				out.Compartments[i].TempControl = &cp
			}
			if certs := out.Compartments[i].Certifications; certs != nil {
				out.Compartments[i].Certifications = append([]string(nil), certs...)
			}
		}
	}
	if v.Certifications != nil {
		out.Certifications = append([]string(nil), v.Certifications...)
	}
	return out
}

// Compartment returns the compartment with the given id, if any.
func (v Vehicle) Compartment(id string) (Compartment, bool) {
	for _, c := range v.Compartments {
		if c.ID == id {
			return c, true
		}
	}
	return Compartment{}, false
}

// RemainingRangeM estimates the distance the vehicle can still travel given
// its battery fraction.
func (v Vehicle) RemainingRangeM() float64 {
	if v.Battery < 0 {
		return 0
	}
	return v.Battery * v.MaxRangeM
}

// Certified reports whether the vehicle's compliance certifications cover all
// of the cargo's regulatory flags. The missing flags are returned for error
// reporting.
func (v Vehicle) Certified(cargo Cargo) (bool, []string) {
	var missing []string
	for _, f := range cargo.Flags {
		found := false
		for _, c := range v.Certifications {
			if c == f {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, f)
		}
	}
	return len(missing) == 0, missing
}
