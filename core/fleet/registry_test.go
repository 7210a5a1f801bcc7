package fleet

import (
	"sync"
	"testing"
	"time"

	"github.com/medifleet/dispatch/core/events"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/internal/eventbus"
)

func testVehicle(id string) model.Vehicle {
	return model.Vehicle{
		ID:             id,
		Kind:           model.KindDrone,
		Status:         model.StatusAvailable,
		MaxPayloadG:    2000,
		MaxRangeM:      20000,
		CruiseSpeedMps: 15,
		Battery:        0.9,
		Compartments: []model.Compartment{
			{ID: "c1", TempControl: &model.TempRange{MinC: -25, MaxC: -5}},
			{ID: "c2"},
		},
	}
}

func TestReserveConflict(t *testing.T) {
	r := NewMemoryRegistry(nil, time.Minute)
	if err := r.Upsert(testVehicle("v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.Reserve("v1", "c1", "d1", nil); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if err := r.Reserve("v1", "c1", "d2", nil); err != ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Other compartments stay reservable.
	if err := r.Reserve("v1", "c2", "d2", nil); err != nil {
		t.Fatalf("independent compartment: %v", err)
	}
	r.Release("v1", "c1")
	if err := r.Reserve("v1", "c1", "d3", nil); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
}

func TestConcurrentReserveExactlyOneWinner(t *testing.T) {
	r := NewMemoryRegistry(nil, time.Minute)
	if err := r.Upsert(testVehicle("v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	const attempts = 64
	var wg sync.WaitGroup
	wins := make(chan int, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := r.Reserve("v1", "c1", "d", nil); err == nil {
				wins <- n
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}

func TestPreemptEvictsHolder(t *testing.T) {
	r := NewMemoryRegistry(nil, time.Minute)
	if err := r.Upsert(testVehicle("v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.Reserve("v1", "c1", "d1", nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	evicted, err := r.Preempt("v1", "c1", "d2", nil)
	if err != nil {
		t.Fatalf("preempt: %v", err)
	}
	if evicted != "d1" {
		t.Fatalf("expected d1 evicted, got %q", evicted)
	}
	if holder, _ := r.HolderOf("v1", "c1"); holder != "d2" {
		t.Fatalf("expected d2 to hold, got %q", holder)
	}
}

func TestTelemetryIdempotence(t *testing.T) {
	r := NewMemoryRegistry(nil, time.Minute)
	if err := r.Upsert(testVehicle("v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ev := model.TelemetryEvent{
		VehicleID: "v1",
		Seq:       5,
		Timestamp: time.Now(),
		Location:  model.GeoPoint{Lat: 48.85, Lon: 2.35},
		Battery:   0.7,
	}
	if _, applied := r.ApplyTelemetry(ev); !applied {
		t.Fatal("first event should apply")
	}
	before, _ := r.Get("v1")
	if _, applied := r.ApplyTelemetry(ev); applied {
		t.Fatal("replayed event must be ignored")
	}
	// Out of order by sequence number.
	stale := ev
	stale.Seq = 3
	stale.Battery = 0.1
	if _, applied := r.ApplyTelemetry(stale); applied {
		t.Fatal("stale event must be ignored")
	}
	after, _ := r.Get("v1")
	if after.Battery != before.Battery || after.LastSeq != before.LastSeq {
		t.Fatalf("state changed on replay: %+v vs %+v", before, after)
	}
}

func TestTemperatureExcursionRaisesAlertAfterGrace(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe()
	r := NewMemoryRegistry(bus, time.Minute)
	if err := r.Upsert(testVehicle("v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	req := model.TempRange{MinC: -20, MaxC: -10}
	if err := r.Reserve("v1", "c1", "d1", &req); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	base := time.Now()
	send := func(seq uint64, at time.Time, temp float64) {
		r.ApplyTelemetry(model.TelemetryEvent{
			VehicleID:        "v1",
			Seq:              seq,
			Timestamp:        at,
			Location:         model.GeoPoint{Lat: 48.85, Lon: 2.35},
			CompartmentTemps: map[string]float64{"c1": temp},
		})
	}
	send(1, base, -3) // excursion starts, within grace
	send(2, base.Add(30*time.Second), -3)
	send(3, base.Add(90*time.Second), -3) // grace elapsed

	var alert *model.QualityAlert
	for done := false; !done; {
		select {
		case e := <-sub:
			if ae, ok := e.(events.AlertEvent); ok {
				alert = &ae.Alert
				done = true
			}
		default:
			done = true
		}
	}
	if alert == nil {
		t.Fatal("expected a quality alert after the grace period")
	}
	if alert.DeliveryID != "d1" || alert.Kind != "temperature_excursion" {
		t.Fatalf("wrong alert: %+v", alert)
	}
	if alert.Severity != model.AlertCritical {
		t.Fatalf("7°C above max should be critical, got %s", alert.Severity)
	}
}

func TestHandedOutVehiclesDoNotAliasStore(t *testing.T) {
	r := NewMemoryRegistry(nil, time.Minute)
	v := testVehicle("v1")
	v.Certifications = []string{"blood_transport"}
	if err := r.Upsert(v); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Mutating the caller's copy after Upsert must not reach the store.
	v.Compartments[0].CurrentTempC = 99
	v.Certifications[0] = "forged"
	got, _ := r.Get("v1")
	if got.Compartments[0].CurrentTempC == 99 || got.Certifications[0] == "forged" {
		t.Fatal("Upsert stored an aliased vehicle")
	}

	// A copy handed out before a telemetry apply must not change under the
	// caller's feet: evaluation reads List results outside the lock while
	// the telemetry stream keeps writing.
	held := r.List()
	r.ApplyTelemetry(model.TelemetryEvent{
		VehicleID:        "v1",
		Seq:              1,
		Timestamp:        time.Now(),
		Location:         model.GeoPoint{Lat: 48.85, Lon: 2.35},
		CompartmentTemps: map[string]float64{"c1": -7},
	})
	if held[0].Compartments[0].CurrentTempC == -7 {
		t.Fatal("telemetry mutated a previously returned vehicle copy")
	}

	// Writes through a returned copy must not reach the store either.
	out, _ := r.Get("v1")
	out.Compartments[0].TempControl.MinC = -100
	fresh, _ := r.Get("v1")
	if fresh.Compartments[0].TempControl.MinC == -100 {
		t.Fatal("Get returned a vehicle sharing compartment state with the store")
	}
}

func TestTamperAlertReachesTypedSubscribers(t *testing.T) {
	r := NewMemoryRegistry(nil, time.Minute)
	if err := r.Upsert(testVehicle("v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.Reserve("v1", "c1", "d1", nil); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	sub := r.Alerts().Subscribe()
	r.ApplyTelemetry(model.TelemetryEvent{
		VehicleID:           "v1",
		Seq:                 1,
		Timestamp:           time.Now(),
		Location:            model.GeoPoint{Lat: 48.85, Lon: 2.35},
		TamperedCompartment: "c1",
	})
	select {
	case a := <-sub:
		if a.DeliveryID != "d1" || a.Kind != "tamper" || a.Severity != model.AlertCritical {
			t.Fatalf("wrong alert: %+v", a)
		}
	default:
		t.Fatal("expected the tamper alert on the typed fan-out")
	}
}

func TestSnapshotRestore(t *testing.T) {
	r := NewMemoryRegistry(nil, time.Minute)
	if err := r.Upsert(testVehicle("v1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	req := model.TempRange{MinC: 2, MaxC: 8}
	if err := r.Reserve("v1", "c1", "d1", &req); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	snap := r.Snapshot()

	fresh := NewMemoryRegistry(nil, time.Minute)
	fresh.Restore(snap)
	if _, ok := fresh.Get("v1"); !ok {
		t.Fatal("vehicle lost across restore")
	}
	if err := fresh.Reserve("v1", "c1", "d2", nil); err != ErrConflict {
		t.Fatalf("reservation lost across restore: %v", err)
	}
}
