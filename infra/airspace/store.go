// Package airspace tracks active flight and road restrictions and talks to
// the external airspace authority for emergency clearances.
package airspace

import (
	"sync"
	"time"

	"github.com/medifleet/dispatch/core/events"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/internal/eventbus"
)

// Store keeps the current restriction set. Updates arrive from the broker
// feed and from the emergency API; the dispatcher and planner read Active().
type Store struct {
	mu           sync.RWMutex
	restrictions map[string]model.Restriction
	bus          eventbus.EventBus
	now          func() time.Time
}

// NewStore creates an empty store. bus may be nil; when set, every update is
// published so in-flight routes can be re-checked.
func NewStore(bus eventbus.EventBus) *Store {
	return &Store{
		restrictions: map[string]model.Restriction{},
		bus:          bus,
		now:          time.Now,
	}
}

// Put inserts or replaces a restriction.
func (s *Store) Put(r model.Restriction) {
	s.mu.Lock()
	s.restrictions[r.ID] = r
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.Publish(events.RestrictionEvent{Restriction: r})
	}
}

// Remove deletes a restriction by id.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	r, ok := s.restrictions[id]
	if ok {
		delete(s.restrictions, id)
	}
	s.mu.Unlock()
	if ok && s.bus != nil {
		r.Until = s.now().UTC()
		s.bus.Publish(events.RestrictionEvent{Restriction: r, Removed: true})
	}
}

// Active returns the restrictions in effect right now. Expired entries are
// pruned as a side effect.
func (s *Store) Active() []model.Restriction {
	at := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Restriction, 0, len(s.restrictions))
	for id, r := range s.restrictions {
		if !r.Until.IsZero() && r.Until.Before(at) {
			delete(s.restrictions, id)
			continue
		}
		if r.Active(at) {
			out = append(out, r)
		}
	}
	return out
}

// Get returns a restriction by id.
func (s *Store) Get(id string) (model.Restriction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.restrictions[id]
	return r, ok
}
