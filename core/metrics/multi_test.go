package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/medifleet/dispatch/core/model"
)

type captureSink struct {
	transitions []DeliveryTransition
	alerts      []QualityAlertEvent
	err         error
}

func (c *captureSink) RecordDeliveryTransition(ev DeliveryTransition) error {
	if c.err != nil {
		return c.err
	}
	c.transitions = append(c.transitions, ev)
	return nil
}

func (c *captureSink) RecordQualityAlert(ev QualityAlertEvent) error {
	c.alerts = append(c.alerts, ev)
	return nil
}

func TestMultiSinkFanout(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	m := NewMultiSink(a, b)
	ev := DeliveryTransition{
		DeliveryID: "d1",
		From:       model.StateRequested,
		To:         model.StateAssigned,
		Priority:   model.PriorityUrgent,
		Time:       time.Now(),
	}
	if err := m.RecordDeliveryTransition(ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(a.transitions) != 1 || len(b.transitions) != 1 {
		t.Fatalf("both sinks should receive the record: %d/%d", len(a.transitions), len(b.transitions))
	}
}

func TestMultiSinkStopsOnError(t *testing.T) {
	boom := errors.New("sink down")
	a := &captureSink{err: boom}
	b := &captureSink{}
	m := NewMultiSink(a, b)
	if err := m.RecordDeliveryTransition(DeliveryTransition{DeliveryID: "d1"}); !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
	if len(b.transitions) != 0 {
		t.Fatal("later sinks must not receive the record after an error")
	}
}

func TestMultiSinkSkipsIncapableSinks(t *testing.T) {
	a := &captureSink{}
	m := NewMultiSink(a, NopSink{})
	ev := QualityAlertEvent{Alert: model.QualityAlert{DeliveryID: "d1", Severity: model.AlertHigh}}
	if err := m.RecordQualityAlert(ev); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(a.alerts) != 1 {
		t.Fatal("capable sink should receive the alert")
	}
}
