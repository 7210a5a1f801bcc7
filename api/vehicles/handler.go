// Package vehicles exposes fleet status endpoints.
package vehicles

import (
	"encoding/json"
	"net/http"

	"github.com/medifleet/dispatch/core/fleet"
	"github.com/medifleet/dispatch/core/model"
)

type statusEntry struct {
	model.Vehicle
	ActiveDeliveries map[string]string `json:"active_deliveries,omitempty"` // compartment id -> delivery id
}

// NewStatusHandler returns an HTTP handler exposing vehicle status via
// GET /api/vehicles/status. Optional query filters: status, kind.
func NewStatusHandler(reg fleet.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		statusFilter := r.URL.Query().Get("status")
		kindFilter := r.URL.Query().Get("kind")
		var out []statusEntry
		for _, v := range reg.List() {
			if statusFilter != "" && string(v.Status) != statusFilter {
				continue
			}
			if kindFilter != "" && string(v.Kind) != kindFilter {
				continue
			}
			entry := statusEntry{Vehicle: v}
			for _, c := range v.Compartments {
				if holder, ok := reg.HolderOf(v.ID, c.ID); ok {
					if entry.ActiveDeliveries == nil {
						entry.ActiveDeliveries = map[string]string{}
					}
					entry.ActiveDeliveries[c.ID] = holder
				}
			}
			out = append(out, entry)
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
