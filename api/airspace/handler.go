// Package airspace exposes emergency airspace management endpoints.
package airspace

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	infairspace "github.com/medifleet/dispatch/infra/airspace"

	"github.com/medifleet/dispatch/core/model"
)

type restrictionRequest struct {
	ID        string              `json:"id,omitempty"`
	Severity  model.Severity      `json:"severity"`
	Center    model.GeoPoint      `json:"center"`
	RadiusM   float64             `json:"radius_m"`
	DurationS int                 `json:"duration_s,omitempty"`
	Kinds     []model.VehicleKind `json:"kinds,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

// Register mounts airspace endpoints on mux. POST declares a restricted or
// prohibited zone effective immediately, DELETE lifts it, GET lists zones in
// effect.
func Register(mux *http.ServeMux, store *infairspace.Store) {
	mux.HandleFunc("POST /api/emergency-airspace", func(w http.ResponseWriter, r *http.Request) {
		var req restrictionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Severity {
		case model.SeverityAdvisory, model.SeverityRestricted, model.SeverityProhibited:
		default:
			http.Error(w, "severity must be advisory, restricted or prohibited", http.StatusBadRequest)
			return
		}
		if req.RadiusM <= 0 {
			http.Error(w, "radius_m must be positive", http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}
		restr := model.Restriction{
			ID:       req.ID,
			Severity: req.Severity,
			Center:   req.Center,
			RadiusM:  req.RadiusM,
			From:     time.Now(),
			Kinds:    req.Kinds,
			Reason:   req.Reason,
		}
		if req.DurationS > 0 {
			restr.Until = restr.From.Add(time.Duration(req.DurationS) * time.Second)
		}
		store.Put(restr)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(restr)
	})

	mux.HandleFunc("DELETE /api/emergency-airspace/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := store.Get(id); !ok {
			http.Error(w, "unknown restriction", http.StatusNotFound)
			return
		}
		store.Remove(id)
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/emergency-airspace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		active := store.Active()
		if active == nil {
			active = []model.Restriction{}
		}
		json.NewEncoder(w).Encode(active)
	})
}
