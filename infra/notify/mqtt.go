// Package notify publishes delivery status changes for requesters and
// receiving facilities.
package notify

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/infra/logger"
	infmqtt "github.com/medifleet/dispatch/infra/mqtt"
)

// Config defines where status notifications are published.
type Config struct {
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
	Retain      bool   `json:"retain"`
}

// SetDefaults applies the reference topic layout.
func (c *Config) SetDefaults() {
	if c.TopicPrefix == "" {
		c.TopicPrefix = "medifleet/deliveries"
	}
}

// MQTTNotifier publishes one retained status message per delivery so late
// subscribers see the current state immediately.
type MQTTNotifier struct {
	cfg Config
	cli paho.Client
	log logger.Logger
}

// NewMQTTNotifier connects to the broker with its own client session.
func NewMQTTNotifier(mqttCfg infmqtt.Config, cfg Config) (*MQTTNotifier, error) {
	cfg.SetDefaults()
	cli, err := infmqtt.Connect(mqttCfg, "notify")
	if err != nil {
		return nil, err
	}
	return &MQTTNotifier{cfg: cfg, cli: cli, log: logger.New("notifier")}, nil
}

type statusMessage struct {
	DeliveryID string    `json:"delivery_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	VehicleID  string    `json:"vehicle_id,omitempty"`
	Priority   string    `json:"priority"`
	Reason     string    `json:"reason,omitempty"`
	ETA        time.Time `json:"eta,omitempty"`
	At         time.Time `json:"at"`
}

// NotifyStateChange publishes the transition on the delivery's status topic.
// Publishing is fire and forget; a broker outage must not stall dispatching.
func (n *MQTTNotifier) NotifyStateChange(d model.Delivery, from model.DeliveryState) {
	msg := statusMessage{
		DeliveryID: d.ID,
		From:       string(from),
		To:         string(d.State),
		VehicleID:  d.VehicleID,
		Priority:   d.Priority.String(),
		Reason:     d.FailureReason,
		At:         time.Now().UTC(),
	}
	if d.Route != nil && d.State == model.StateInTransit {
		msg.ETA = d.Route.ETA()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		n.log.Errorf("encode notification: %v", err)
		return
	}
	topic := strings.TrimSuffix(n.cfg.TopicPrefix, "/") + "/" + d.ID + "/status"
	token := n.cli.Publish(topic, n.cfg.QoS, n.cfg.Retain, payload)
	go func() {
		if token.Wait() && token.Error() != nil {
			n.log.Errorf("publish notification for %s: %v", d.ID, token.Error())
		}
	}()
}

// ForwardAlerts publishes quality alerts on the delivery's alert topic until
// the channel closes or the context ends. Facilities subscribe here to follow
// cold-chain incidents for their shipments without consuming the full
// telemetry stream.
func (n *MQTTNotifier) ForwardAlerts(ctx context.Context, alerts <-chan model.QualityAlert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-alerts:
			if !ok {
				return
			}
			if a.DeliveryID == "" {
				// Idle-vehicle excursion; there is no delivery topic for it.
				continue
			}
			payload, err := json.Marshal(a)
			if err != nil {
				n.log.Errorf("encode alert: %v", err)
				continue
			}
			topic := strings.TrimSuffix(n.cfg.TopicPrefix, "/") + "/" + a.DeliveryID + "/alerts"
			token := n.cli.Publish(topic, n.cfg.QoS, false, payload)
			go func(id string) {
				if token.Wait() && token.Error() != nil {
					n.log.Errorf("publish alert for %s: %v", id, token.Error())
				}
			}(a.DeliveryID)
		}
	}
}

// Close disconnects from the broker.
func (n *MQTTNotifier) Close() {
	if n.cli != nil && n.cli.IsConnected() {
		n.cli.Disconnect(250)
	}
}
