package vehicles

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medifleet/dispatch/core/fleet"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/internal/eventbus"
)

func newRegistry(t *testing.T, vehicles ...model.Vehicle) *fleet.MemoryRegistry {
	t.Helper()
	reg := fleet.NewMemoryRegistry(eventbus.NewBuffered(8), time.Minute)
	for _, v := range vehicles {
		require.NoError(t, reg.Upsert(v))
	}
	return reg
}

func vehicle(id string, kind model.VehicleKind, status model.VehicleStatus) model.Vehicle {
	return model.Vehicle{
		ID:             id,
		Kind:           kind,
		Status:         status,
		Position:       model.GeoPoint{Lat: 48.85, Lon: 2.33},
		Home:           model.GeoPoint{Lat: 48.85, Lon: 2.33},
		Battery:        0.8,
		MaxPayloadG:    5000,
		MaxRangeM:      60000,
		CruiseSpeedMps: 15,
		Compartments:   []model.Compartment{{ID: "c1"}},
	}
}

func TestStatusListsFleet(t *testing.T) {
	reg := newRegistry(t,
		vehicle("d1", model.KindDrone, model.StatusAvailable),
		vehicle("g1", model.KindGround, model.StatusMaintenance),
	)
	h := NewStatusHandler(reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vehicles/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []statusEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out, 2)
}

func TestStatusFilters(t *testing.T) {
	reg := newRegistry(t,
		vehicle("d1", model.KindDrone, model.StatusAvailable),
		vehicle("g1", model.KindGround, model.StatusMaintenance),
	)
	h := NewStatusHandler(reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vehicles/status?kind=drone", nil))
	var out []statusEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out, 1)
	require.Equal(t, "d1", out[0].ID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vehicles/status?status=maintenance", nil))
	out = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out, 1)
	require.Equal(t, "g1", out[0].ID)
}

func TestStatusShowsActiveDeliveries(t *testing.T) {
	reg := newRegistry(t, vehicle("d1", model.KindDrone, model.StatusAvailable))
	require.NoError(t, reg.Reserve("d1", "c1", "del-9", nil))
	h := NewStatusHandler(reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/vehicles/status", nil))
	var out []statusEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out, 1)
	require.Equal(t, "del-9", out[0].ActiveDeliveries["c1"])
}
