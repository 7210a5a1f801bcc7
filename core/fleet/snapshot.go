package fleet

import (
	"time"

	"github.com/medifleet/dispatch/core/model"
)

// ReservationRecord is the serializable form of one compartment hold.
type ReservationRecord struct {
	VehicleID     string           `json:"vehicle_id"`
	CompartmentID string           `json:"compartment_id"`
	DeliveryID    string           `json:"delivery_id"`
	ReqTemp       *model.TempRange `json:"req_temp,omitempty"`
	Since         time.Time        `json:"since"`
}

// Snapshot is the full registry state for durable persistence.
type Snapshot struct {
	Vehicles     []model.Vehicle     `json:"vehicles"`
	Reservations []ReservationRecord `json:"reservations"`
	TakenAt      time.Time           `json:"taken_at"`
}

// Snapshot captures the registry state under the lock.
func (r *MemoryRegistry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{TakenAt: r.now().UTC()}
	for _, v := range r.vehicles {
		s.Vehicles = append(s.Vehicles, v.Clone())
	}
	for key, res := range r.reservations {
		vid, cid := splitResKey(key)
		rec := ReservationRecord{VehicleID: vid, CompartmentID: cid, DeliveryID: res.deliveryID, Since: res.since}
		if res.reqTemp != nil {
			rt := *res.reqTemp
			rec.ReqTemp = &rt
		}
		s.Reservations = append(s.Reservations, rec)
	}
	return s
}

// Restore replaces the registry state with the snapshot contents.
func (r *MemoryRegistry) Restore(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vehicles = make(map[string]model.Vehicle, len(s.Vehicles))
	for _, v := range s.Vehicles {
		r.vehicles[v.ID] = v.Clone()
	}
	r.reservations = make(map[string]*reservation, len(s.Reservations))
	for _, rec := range s.Reservations {
		res := &reservation{deliveryID: rec.DeliveryID, since: rec.Since}
		if rec.ReqTemp != nil {
			rt := *rec.ReqTemp
			res.reqTemp = &rt
		}
		r.reservations[resKey(rec.VehicleID, rec.CompartmentID)] = res
	}
}

func splitResKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
