package metrics

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/medifleet/dispatch/core/metrics"
	"github.com/medifleet/dispatch/infra/logger"
)

// InfluxSink writes delivery and fleet events to an InfluxDB instance using
// the official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a new sink configured for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback tries to ping the InfluxDB instance and returns a
// NopSink if the health check fails.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.MetricsSink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// Close releases the underlying HTTP client.
func (s *InfluxSink) Close() {
	s.client.Close()
}

// RecordDeliveryTransition writes one lifecycle step as line protocol.
func (s *InfluxSink) RecordDeliveryTransition(ev coremetrics.DeliveryTransition) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("delivery_transition").
		AddTag("delivery_id", ev.DeliveryID).
		AddTag("from", string(ev.From)).
		AddTag("to", string(ev.To)).
		AddTag("priority", ev.Priority.String()).
		AddTag("component", "dispatcher").
		AddField("count", 1)
	if ev.VehicleID != "" {
		p = p.AddTag("vehicle_id", ev.VehicleID)
	}
	p.SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordVehicleState writes a snapshot of a vehicle.
func (s *InfluxSink) RecordVehicleState(ev coremetrics.VehicleStateEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v := ev.Vehicle
	p := write.NewPointWithMeasurement("vehicle_state").
		AddTag("vehicle_id", v.ID).
		AddTag("kind", string(v.Kind)).
		AddTag("status", string(v.Status))
	if ev.Component != "" {
		p = p.AddTag("component", ev.Component)
	}
	p = p.AddField("battery", round3(v.Battery)).
		AddField("lat", v.Position.Lat).
		AddField("lon", v.Position.Lon).
		AddField("range_m", round3(v.RemainingRangeM())).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordQualityAlert writes a cold-chain or tamper alert.
func (s *InfluxSink) RecordQualityAlert(ev coremetrics.QualityAlertEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a := ev.Alert
	p := write.NewPointWithMeasurement("quality_alert").
		AddTag("vehicle_id", a.VehicleID).
		AddTag("compartment_id", a.CompartmentID).
		AddTag("severity", string(a.Severity)).
		AddTag("kind", a.Kind).
		AddTag("component", "fleet_registry")
	if a.DeliveryID != "" {
		p = p.AddTag("delivery_id", a.DeliveryID)
	}
	p = p.AddField("measured_c", round3(a.MeasuredC)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordPreemption writes an emergency reservation eviction.
func (s *InfluxSink) RecordPreemption(ev coremetrics.PreemptionSample) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("reservation_preempted").
		AddTag("winner_id", ev.WinnerID).
		AddTag("vehicle_id", ev.VehicleID).
		AddTag("component", "dispatcher")
	if ev.EvictedID != "" {
		p = p.AddTag("evicted_id", ev.EvictedID)
	}
	p = p.AddField("count", 1).SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
