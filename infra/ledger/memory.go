package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	coreledger "github.com/medifleet/dispatch/core/ledger"
)

// MemoryStore is an in-process ledger used in tests and simulations.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]coreledger.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: map[string][]coreledger.Event{}}
}

func (s *MemoryStore) Record(_ context.Context, ev coreledger.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.events[ev.DeliveryID] = append(s.events[ev.DeliveryID], ev)
	s.mu.Unlock()
	return ev.ID, nil
}

func (s *MemoryStore) History(_ context.Context, deliveryID string) ([]coreledger.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]coreledger.Event(nil), s.events[deliveryID]...), nil
}

func (s *MemoryStore) Close() error { return nil }
