package model

import "fmt"

// Physical band any known compartment class can hold. A cargo range outside
// this band is rejected at creation time, not at assignment time.
const (
	minControllableC = -80.0
	maxControllableC = 60.0
)

// TempRange is an inclusive temperature band in degrees Celsius.
type TempRange struct {
	MinC float64 `json:"min_c"`
	MaxC float64 `json:"max_c"`
}

// NewTempRange validates and returns a temperature range.
func NewTempRange(minC, maxC float64) (TempRange, error) {
	r := TempRange{MinC: minC, MaxC: maxC}
	if err := r.Validate(); err != nil {
		return TempRange{}, err
	}
	return r, nil
}

// Validate checks ordering and that the range is physically controllable.
func (r TempRange) Validate() error {
	if r.MinC >= r.MaxC {
		return NewValidationError("temp_range", fmt.Sprintf("min %.1f must be below max %.1f", r.MinC, r.MaxC))
	}
	if r.MinC < minControllableC || r.MaxC > maxControllableC {
		return NewValidationError("temp_range", fmt.Sprintf("range [%.1f, %.1f] is outside any controllable band", r.MinC, r.MaxC))
	}
	return nil
}

// Covers reports whether r fully contains other. A compartment may only hold
// temperature-critical cargo when its control range covers the cargo's range.
func (r TempRange) Covers(other TempRange) bool {
	return r.MinC <= other.MinC && r.MaxC >= other.MaxC
}

// Contains reports whether the given temperature lies inside the range.
func (r TempRange) Contains(tempC float64) bool {
	return tempC >= r.MinC && tempC <= r.MaxC
}

func (r TempRange) String() string {
	return fmt.Sprintf("[%.1f°C, %.1f°C]", r.MinC, r.MaxC)
}
