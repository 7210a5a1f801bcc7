package airspace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/medifleet/dispatch/auth"
	"github.com/medifleet/dispatch/core/dispatch"
	"github.com/medifleet/dispatch/core/events"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/internal/eventbus"
)

func TestStorePutActiveRemove(t *testing.T) {
	s := NewStore(nil)
	s.Put(model.Restriction{ID: "tfr-1", Severity: model.SeverityProhibited, RadiusM: 500})
	s.Put(model.Restriction{ID: "wx-1", Severity: model.SeverityRestricted, RadiusM: 2000})

	if got := len(s.Active()); got != 2 {
		t.Fatalf("active = %d, want 2", got)
	}
	s.Remove("tfr-1")
	active := s.Active()
	if len(active) != 1 || active[0].ID != "wx-1" {
		t.Fatalf("unexpected active set: %+v", active)
	}
}

func TestStorePrunesExpired(t *testing.T) {
	s := NewStore(nil)
	s.Put(model.Restriction{ID: "old", RadiusM: 100, Until: time.Now().Add(-time.Hour)})
	s.Put(model.Restriction{ID: "current", RadiusM: 100})
	active := s.Active()
	if len(active) != 1 || active[0].ID != "current" {
		t.Fatalf("expired restriction not pruned: %+v", active)
	}
	if _, ok := s.Get("old"); ok {
		t.Fatal("expired entry must be dropped from the store")
	}
}

func TestStorePublishesUpdates(t *testing.T) {
	bus := eventbus.NewBuffered(4)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	s := NewStore(bus)
	s.Put(model.Restriction{ID: "tfr-1", RadiusM: 500})

	select {
	case ev := <-sub:
		re, ok := ev.(events.RestrictionEvent)
		if !ok || re.Restriction.ID != "tfr-1" || re.Removed {
			t.Fatalf("unexpected event %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no restriction event published")
	}
}

func TestHTTPClearanceClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		var req clearanceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.RadiusM != 1500 {
			t.Errorf("radius = %v", req.RadiusM)
		}
		_ = json.NewEncoder(w).Encode(dispatch.Clearance{
			Token:   "clr-1",
			Until:   time.Now().Add(time.Hour),
			Granted: true,
		})
	}))
	defer srv.Close()

	c := NewHTTPClearanceClient(ClearanceConfig{URL: srv.URL, Token: "tok"})
	cl, err := c.RequestClearance(context.Background(), model.GeoPoint{Lat: 48.85, Lon: 2.35}, 1500, "emergency delivery d-1", time.Hour)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if !cl.Granted || cl.Token != "clr-1" {
		t.Fatalf("unexpected clearance: %+v", cl)
	}
}

func TestHTTPClearanceClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTPClearanceClient(ClearanceConfig{URL: srv.URL})
	if _, err := c.RequestClearance(context.Background(), model.GeoPoint{}, 100, "x", time.Minute); err == nil {
		t.Fatal("expected error on authority failure")
	}
}

func TestAutoGrant(t *testing.T) {
	cl, err := AutoGrant{}.RequestClearance(context.Background(), model.GeoPoint{Lat: 1, Lon: 2}, 100, "dev", time.Minute)
	if err != nil || !cl.Granted {
		t.Fatalf("auto grant must approve: %+v %v", cl, err)
	}
}

func TestHTTPClearanceClientOAuth(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"oauth-tok","token_type":"bearer","expires_in":3600}`))
	}))
	defer tokens.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer oauth-tok" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_ = json.NewEncoder(w).Encode(dispatch.Clearance{Token: "clr-2", Granted: true})
	}))
	defer srv.Close()

	c := NewHTTPClearanceClient(ClearanceConfig{
		URL:   srv.URL,
		OAuth: auth.Conf{ClientID: "svc", ClientSecret: "s", TokenURL: tokens.URL},
	})
	cl, err := c.RequestClearance(context.Background(), model.GeoPoint{Lat: 48.85, Lon: 2.35}, 500, "med corridor", time.Minute)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if cl.Token != "clr-2" {
		t.Fatalf("clearance token = %q", cl.Token)
	}
}
