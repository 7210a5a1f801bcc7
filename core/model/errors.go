package model

import (
	"errors"
	"fmt"
)

// ValidationError marks a request or value as malformed. Validation failures
// are rejected immediately and never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ComplianceError reports a vehicle whose certifications do not cover the
// cargo's regulatory flags. It is fatal for that vehicle choice and is never
// overridden automatically.
type ComplianceError struct {
	VehicleID string
	Missing   []string
}

func (e *ComplianceError) Error() string {
	return fmt.Sprintf("compliance: vehicle %s lacks certifications %v", e.VehicleID, e.Missing)
}
