package wake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTT publishes wake messages to a per-device topic. Devices that keep a
// lightweight broker subscription alive hear it even when their relay
// websocket is down. No push token needed.
type MQTT struct {
	client      mqtt.Client
	topicPrefix string
}

func NewMQTT(brokerURL, username, password, topicPrefix string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("remoteeye-relay-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(10 * time.Second)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", brokerURL, err)
	}

	return &MQTT{client: client, topicPrefix: topicPrefix}, nil
}

func (m *MQTT) Name() string { return "mqtt" }

// Topic returns the wake topic for a device.
func (m *MQTT) Topic(deviceID string) string {
	return m.topicPrefix + deviceID
}

type mqttWakeMessage struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	CommandID string `json:"commandId,omitempty"`
	Action    string `json:"action,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (m *MQTT) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(mqttWakeMessage{
		Type:      string(n.Kind),
		DeviceID:  n.DeviceID,
		CommandID: n.CommandID,
		Action:    n.Action,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	token := m.client.Publish(m.Topic(n.DeviceID), 1, false, payload)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if !token.WaitTimeout(time.Until(deadline)) {
		return fmt.Errorf("mqtt: publish to %s timed out", m.Topic(n.DeviceID))
	}
	return token.Error()
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
