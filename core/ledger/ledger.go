// Package ledger defines the append-only compliance and proof-of-delivery
// record. Events are written once and never mutated; corrections are new,
// later-timestamped events referencing the original.
package ledger

import (
	"context"
	"time"

	"github.com/medifleet/dispatch/core/model"
)

// EventKind classifies a ledger entry.
type EventKind string

const (
	KindCustodyTransfer EventKind = "custody_transfer"
	KindQualityCheck    EventKind = "quality_check"
	KindQualityAlert    EventKind = "quality_alert"
	KindProofOfDelivery EventKind = "proof_of_delivery"
	KindStateChange     EventKind = "state_change"
	KindCorrection      EventKind = "correction"
)

// Event is one immutable ledger entry. ID is assigned by the store on Record.
type Event struct {
	ID         string            `json:"id"`
	DeliveryID string            `json:"delivery_id"`
	Kind       EventKind         `json:"kind"`
	Timestamp  time.Time         `json:"timestamp"`
	Actor      string            `json:"actor"` // vehicle id, operator id or "dispatcher"
	Detail     map[string]string `json:"detail,omitempty"`
	// CorrectsID references an earlier event this entry amends. The original
	// is never edited.
	CorrectsID string `json:"corrects_id,omitempty"`
}

// Proof captures the evidence confirming a completed handoff.
type Proof struct {
	DeliveryID string    `json:"delivery_id"`
	Method     string    `json:"method"` // signature, photo, code or biometric
	Reference  string    `json:"reference"`
	ReceivedBy string    `json:"received_by"`
	At         time.Time `json:"at"`
}

// Validate rejects proofs that cannot anchor a delivered state.
func (p Proof) Validate() error {
	if p.DeliveryID == "" {
		return model.NewValidationError("proof.delivery_id", "must not be empty")
	}
	switch p.Method {
	case "signature", "photo", "code", "biometric":
	default:
		return model.NewValidationError("proof.method", "unknown method "+p.Method)
	}
	return nil
}

// Store persists ledger events. Implementations must be append-only: there is
// no update or delete operation, and History returns events in record order.
type Store interface {
	Record(ctx context.Context, ev Event) (string, error)
	History(ctx context.Context, deliveryID string) ([]Event, error)
	Close() error
}
