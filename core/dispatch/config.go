package dispatch

import (
	"fmt"
	"time"

	"github.com/medifleet/dispatch/core/constraint"
)

// Config tunes the dispatcher.
type Config struct {
	// RetryInterval is the base delay before a requested delivery is retried
	// after NoEligibleVehicle or an unreachable route. Backoff doubles per
	// attempt up to MaxRetryInterval.
	RetryIntervalSeconds    int `json:"retry_interval_seconds"`
	MaxRetryIntervalSeconds int `json:"max_retry_interval_seconds"`

	// ProofTimeoutSeconds bounds how long an arrived delivery may wait for a
	// proof-of-delivery record before it is flagged failed.
	ProofTimeoutSeconds int `json:"proof_timeout_seconds"`

	// ClearanceTimeoutSeconds bounds the external emergency-airspace call.
	ClearanceTimeoutSeconds int `json:"clearance_timeout_seconds"`

	// ArrivalRadiusM is the proximity at which a vehicle counts as arrived.
	ArrivalRadiusM float64 `json:"arrival_radius_m"`

	// DepartRadiusM is the distance from the pickup point beyond which a
	// loaded vehicle counts as departed.
	DepartRadiusM float64 `json:"depart_radius_m"`

	Weights constraint.Weights `json:"weights"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.RetryIntervalSeconds == 0 {
		c.RetryIntervalSeconds = 5
	}
	if c.MaxRetryIntervalSeconds == 0 {
		c.MaxRetryIntervalSeconds = 300
	}
	if c.ProofTimeoutSeconds == 0 {
		c.ProofTimeoutSeconds = 600
	}
	if c.ClearanceTimeoutSeconds == 0 {
		c.ClearanceTimeoutSeconds = 30
	}
	if c.ArrivalRadiusM == 0 {
		c.ArrivalRadiusM = 30
	}
	if c.DepartRadiusM == 0 {
		c.DepartRadiusM = 100
	}
	c.Weights.SetDefaults()
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.RetryIntervalSeconds < 0 || c.ProofTimeoutSeconds < 0 {
		return fmt.Errorf("dispatch: negative timeout")
	}
	if c.MaxRetryIntervalSeconds < c.RetryIntervalSeconds {
		return fmt.Errorf("dispatch: max retry interval below base interval")
	}
	return nil
}

func (c Config) retryInterval() time.Duration {
	return time.Duration(c.RetryIntervalSeconds) * time.Second
}

func (c Config) maxRetryInterval() time.Duration {
	return time.Duration(c.MaxRetryIntervalSeconds) * time.Second
}

func (c Config) proofTimeout() time.Duration {
	return time.Duration(c.ProofTimeoutSeconds) * time.Second
}

func (c Config) clearanceTimeout() time.Duration {
	return time.Duration(c.ClearanceTimeoutSeconds) * time.Second
}
