package metrics

import (
	"context"
	"time"

	"github.com/medifleet/dispatch/core/events"
	coremetrics "github.com/medifleet/dispatch/core/metrics"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/internal/eventbus"
)

// StartEventCollector subscribes to the event bus and forwards fleet and
// delivery events to the sink. It stops when the context is canceled.
func StartEventCollector(ctx context.Context, bus eventbus.EventBus, sink coremetrics.MetricsSink) {
	if bus == nil || sink == nil {
		return
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				switch e := ev.(type) {
				case events.DeliveryEvent:
					_ = sink.RecordDeliveryTransition(coremetrics.DeliveryTransition{
						DeliveryID: e.DeliveryID,
						VehicleID:  e.VehicleID,
						From:       e.From,
						To:         e.To,
						Priority:   e.Priority,
						Time:       e.At,
					})
				case events.AlertEvent:
					if r, ok := sink.(coremetrics.QualityAlertRecorder); ok {
						_ = r.RecordQualityAlert(coremetrics.QualityAlertEvent{Alert: e.Alert, Time: e.Alert.At})
					}
				case events.PreemptionEvent:
					if r, ok := sink.(coremetrics.PreemptionRecorder); ok {
						_ = r.RecordPreemption(coremetrics.PreemptionSample{
							WinnerID:  e.WinnerID,
							EvictedID: e.EvictedID,
							VehicleID: e.VehicleID,
							Time:      e.At,
						})
					}
				}
			}
		}
	}()
}

// StartVehicleSnapshots periodically records every vehicle's state. lister is
// typically the fleet registry.
func StartVehicleSnapshots(ctx context.Context, lister interface{ List() []model.Vehicle }, sink coremetrics.MetricsSink, interval time.Duration) {
	rec, ok := sink.(coremetrics.VehicleStateRecorder)
	if !ok || lister == nil || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				for _, v := range lister.List() {
					_ = rec.RecordVehicleState(coremetrics.VehicleStateEvent{
						Vehicle:   v,
						Component: "fleet_registry",
						Time:      now,
					})
				}
			}
		}
	}()
}
