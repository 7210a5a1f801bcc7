// Package deliveries exposes the delivery intake and tracking endpoints.
package deliveries

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/medifleet/dispatch/core/dispatch"
	"github.com/medifleet/dispatch/core/ledger"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/pkg/export"
)

type submitRequest struct {
	Cargo struct {
		ID       string           `json:"id"`
		WeightG  float64          `json:"weight_g"`
		VolumeML float64          `json:"volume_ml"`
		ReqTemp  *model.TempRange `json:"req_temp,omitempty"`
		Flags    []string         `json:"flags,omitempty"`
	} `json:"cargo"`
	Origin      model.GeoPoint `json:"origin"`
	Destination model.GeoPoint `json:"destination"`
	Priority    string         `json:"priority"`
}

type deliveryResponse struct {
	model.Delivery
	Trail []ledger.Event `json:"trail,omitempty"`
}

// Register mounts the delivery endpoints on mux. Requests must carry
// "Bearer <token>" when token is non-empty.
func Register(mux *http.ServeMux, mgr *dispatch.Manager, token string) {
	mux.Handle("POST /api/deliveries", authorize(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		prio, err := model.ParsePriority(req.Priority)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cargo, err := model.NewCargo(req.Cargo.ID, req.Cargo.WeightG, req.Cargo.VolumeML, req.Cargo.ReqTemp, req.Cargo.Flags)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		d, err := mgr.Submit(r.Context(), dispatch.Request{
			Cargo:       cargo,
			Origin:      req.Origin,
			Destination: req.Destination,
			Priority:    prio,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if model.IsValidation(err) {
				status = http.StatusUnprocessableEntity
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusCreated, deliveryResponse{Delivery: d})
	})))

	mux.Handle("GET /api/deliveries", authorize(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, mgr.List())
	})))

	mux.Handle("GET /api/deliveries/{id}", authorize(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		d, ok := mgr.Get(id)
		if !ok {
			http.Error(w, "unknown delivery", http.StatusNotFound)
			return
		}
		trail, err := mgr.History(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, deliveryResponse{Delivery: d, Trail: trail})
	})))

	mux.Handle("DELETE /api/deliveries/{id}", authorize(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		err := mgr.Cancel(r.Context(), id)
		switch {
		case err == nil:
			d, _ := mgr.Get(id)
			writeJSON(w, http.StatusOK, deliveryResponse{Delivery: d})
		case errors.Is(err, dispatch.ErrUnknownDelivery):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, dispatch.ErrCancelNotAllowed):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})))

	mux.Handle("GET /api/deliveries/{id}/audit", authorize(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, ok := mgr.Get(id); !ok {
			http.Error(w, "unknown delivery", http.StatusNotFound)
			return
		}
		trail, err := mgr.History(r.Context(), id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if r.URL.Query().Get("format") == "json" {
			w.Header().Set("Content-Type", "application/json")
			if err := export.WriteJSON(w, trail); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+id+`-audit.csv"`)
		if err := export.WriteCSV(w, trail); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})))

	mux.Handle("POST /api/deliveries/{id}/proof", authorize(token, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p ledger.Proof
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		p.DeliveryID = r.PathValue("id")
		if p.At.IsZero() {
			p.At = time.Now().UTC()
		}
		err := mgr.SubmitProof(r.Context(), p)
		switch {
		case err == nil:
			d, _ := mgr.Get(p.DeliveryID)
			writeJSON(w, http.StatusOK, deliveryResponse{Delivery: d})
		case errors.Is(err, dispatch.ErrUnknownDelivery):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, dispatch.ErrProofNotExpected):
			http.Error(w, err.Error(), http.StatusConflict)
		case model.IsValidation(err):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})))
}

func authorize(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
