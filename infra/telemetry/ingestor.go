// Package telemetry ingests vehicle state reports, proof-of-delivery
// messages and airspace updates from the MQTT broker and feeds them into the
// fleet registry and dispatcher.
package telemetry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/medifleet/dispatch/core/ledger"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/infra/logger"
	infmqtt "github.com/medifleet/dispatch/infra/mqtt"
)

// Config defines the topics and polling behavior of the ingestor.
type Config struct {
	// Mode is push, pull or hybrid. Push subscribes to StatePrefix/+; pull
	// periodically publishes on RequestTopic and collects responses.
	Mode            string `json:"mode"`
	StatePrefix     string `json:"state_prefix"`
	ProofPrefix     string `json:"proof_prefix"`
	AirspaceTopic   string `json:"airspace_topic"`
	RequestTopic    string `json:"request_topic"`
	ResponsePrefix  string `json:"response_prefix"`
	IntervalSeconds int    `json:"interval_seconds"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
}

// SetDefaults fills the topic layout used by the reference broker setup.
func (c *Config) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "push"
	}
	if c.StatePrefix == "" {
		c.StatePrefix = "medifleet/telemetry"
	}
	if c.ProofPrefix == "" {
		c.ProofPrefix = "medifleet/proof"
	}
	if c.AirspaceTopic == "" {
		c.AirspaceTopic = "medifleet/airspace"
	}
	if c.RequestTopic == "" {
		c.RequestTopic = "medifleet/telemetry-request"
	}
	if c.ResponsePrefix == "" {
		c.ResponsePrefix = "medifleet/telemetry-response"
	}
	if c.IntervalSeconds <= 0 {
		c.IntervalSeconds = 30
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 5
	}
}

// Applier absorbs validated telemetry. The fleet registry implements it.
type Applier interface {
	ApplyTelemetry(ev model.TelemetryEvent) (model.Vehicle, bool)
	List() []model.Vehicle
}

// ProofSink accepts proof-of-delivery evidence. The dispatch manager
// implements it.
type ProofSink interface {
	SubmitProof(ctx context.Context, p ledger.Proof) error
}

// RestrictionSink absorbs airspace updates.
type RestrictionSink interface {
	Put(r model.Restriction)
}

type response struct {
	VehicleID string
	Payload   []byte
	Arrived   time.Time
}

// Ingestor decodes broker messages and routes them to the registry, the
// dispatcher and the airspace store.
type Ingestor struct {
	cfg      Config
	cli      paho.Client
	applier  Applier
	proofs   ProofSink
	airspace RestrictionSink
	log      logger.Logger

	respCh chan response

	accepted    prometheus.Counter
	rejected    prometheus.Counter
	stale       prometheus.Counter
	pollReq     prometheus.Counter
	pollTimeout prometheus.Counter
	lastCollect prometheus.Gauge
}

// NewIngestor connects to MQTT and prepares message routing. proofs and
// airspace may be nil when the corresponding stream is not wired.
func NewIngestor(mqttCfg infmqtt.Config, cfg Config, applier Applier, proofs ProofSink, airspace RestrictionSink) (*Ingestor, error) {
	cfg.SetDefaults()
	cli, err := infmqtt.Connect(mqttCfg, "telemetry")
	if err != nil {
		return nil, err
	}
	ing := newIngestor(cfg, cli, applier, proofs, airspace)
	prometheus.MustRegister(ing.accepted, ing.rejected, ing.stale, ing.pollReq, ing.pollTimeout, ing.lastCollect)
	return ing, nil
}

func newIngestor(cfg Config, cli paho.Client, applier Applier, proofs ProofSink, airspace RestrictionSink) *Ingestor {
	return &Ingestor{
		cfg:      cfg,
		cli:      cli,
		applier:  applier,
		proofs:   proofs,
		airspace: airspace,
		log:      logger.New("telemetry"),
		respCh:   make(chan response, 100),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_events_accepted_total", Help: "Telemetry events applied to the registry"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_events_rejected_total", Help: "Telemetry events failing validation"}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_events_stale_total", Help: "Replayed or out-of-order telemetry events"}),
		pollReq: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_poll_requests_total", Help: "Telemetry poll requests sent"}),
		pollTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_poll_timeout_total", Help: "Vehicles that missed a poll window"}),
		lastCollect: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_last_collect_timestamp_seconds", Help: "Unix timestamp of last accepted event"}),
	}
}

// Start subscribes and runs until the context is done.
func (i *Ingestor) Start(ctx context.Context) {
	mode := strings.ToLower(i.cfg.Mode)
	if mode == "push" || mode == "hybrid" {
		topic := strings.TrimSuffix(i.cfg.StatePrefix, "/") + "/+"
		if token := i.cli.Subscribe(topic, 0, i.onState); token.Wait() && token.Error() != nil {
			i.log.Errorf("subscribe state: %v", token.Error())
		}
	}
	if mode == "pull" || mode == "hybrid" {
		topic := strings.TrimSuffix(i.cfg.ResponsePrefix, "/") + "/+"
		if token := i.cli.Subscribe(topic, 0, i.onResponse); token.Wait() && token.Error() != nil {
			i.log.Errorf("subscribe response: %v", token.Error())
		}
		go i.pollLoop(ctx)
	}
	if i.proofs != nil {
		topic := strings.TrimSuffix(i.cfg.ProofPrefix, "/") + "/+"
		if token := i.cli.Subscribe(topic, 1, i.onProof); token.Wait() && token.Error() != nil {
			i.log.Errorf("subscribe proof: %v", token.Error())
		}
	}
	if i.airspace != nil {
		if token := i.cli.Subscribe(i.cfg.AirspaceTopic, 1, i.onAirspace); token.Wait() && token.Error() != nil {
			i.log.Errorf("subscribe airspace: %v", token.Error())
		}
	}
	<-ctx.Done()
	if i.cli.IsConnected() {
		i.cli.Disconnect(250)
	}
}

func (i *Ingestor) onState(_ paho.Client, msg paho.Message) {
	i.process(msg.Payload(), msg.Topic())
}

func (i *Ingestor) onResponse(_ paho.Client, msg paho.Message) {
	i.respCh <- response{VehicleID: lastSegment(msg.Topic()), Payload: msg.Payload(), Arrived: time.Now()}
}

func lastSegment(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) > 0 {
		return parts[len(parts)-1]
	}
	return ""
}

// process decodes and applies one telemetry payload. Replays are counted but
// not treated as errors; the registry's watermark makes the apply idempotent.
func (i *Ingestor) process(payload []byte, topic string) {
	var ev model.TelemetryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		i.rejected.Inc()
		i.log.Errorf("telemetry decode: %v", err)
		return
	}
	if ev.VehicleID == "" {
		ev.VehicleID = lastSegment(topic)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := ev.Validate(); err != nil {
		i.rejected.Inc()
		i.log.Warnf("telemetry rejected: %v", err)
		return
	}
	// The registry publishes the accepted event on the shared bus; a second
	// publish here would drive the delivery lifecycle twice per report.
	if _, applied := i.applier.ApplyTelemetry(ev); !applied {
		i.stale.Inc()
		return
	}
	i.accepted.Inc()
	i.lastCollect.SetToCurrentTime()
}

func (i *Ingestor) onProof(_ paho.Client, msg paho.Message) {
	var p ledger.Proof
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		i.log.Errorf("proof decode: %v", err)
		return
	}
	if p.DeliveryID == "" {
		p.DeliveryID = lastSegment(msg.Topic())
	}
	if p.At.IsZero() {
		p.At = time.Now().UTC()
	}
	if err := i.proofs.SubmitProof(context.Background(), p); err != nil {
		i.log.Warnf("proof for %s rejected: %v", p.DeliveryID, err)
	}
}

func (i *Ingestor) onAirspace(_ paho.Client, msg paho.Message) {
	var r model.Restriction
	if err := json.Unmarshal(msg.Payload(), &r); err != nil {
		i.log.Errorf("airspace decode: %v", err)
		return
	}
	if r.ID == "" || r.RadiusM <= 0 {
		i.log.Warnf("airspace update missing id or radius, dropped")
		return
	}
	i.airspace.Put(r)
	i.log.Infof("airspace %s updated: %s r=%.0fm", r.ID, r.Severity, r.RadiusM)
}

func (i *Ingestor) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(i.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			i.doPoll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// doPoll requests a fresh report from every vehicle and waits one timeout
// window for the responses. Vehicles that stay silent are counted so the
// operator can spot link problems before a delivery is affected.
func (i *Ingestor) doPoll(ctx context.Context) {
	expected := map[string]struct{}{}
	for _, v := range i.applier.List() {
		expected[v.ID] = struct{}{}
	}
	i.pollReq.Inc()
	token := i.cli.Publish(i.cfg.RequestTopic, 0, false, []byte("poll"))
	token.Wait()
	timeout := time.NewTimer(time.Duration(i.cfg.TimeoutSeconds) * time.Second)
	defer timeout.Stop()
	for {
		select {
		case resp := <-i.respCh:
			i.process(resp.Payload, "")
			delete(expected, resp.VehicleID)
		case <-timeout.C:
			for range expected {
				i.pollTimeout.Inc()
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close disconnects from the broker.
func (i *Ingestor) Close() {
	i.cli.Disconnect(250)
}
