package agent

import (
	"context"
	"errors"

	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/mqtt"
)

// MQTTBus adapts the MQTT client to Bus. Each Connect builds a fresh client
// with library reconnection disabled, so session recovery stays with the
// agent state machine.
type MQTTBus struct {
	cfg    config.MQTTConfig
	client *mqtt.Client
	logger mqtt.Logger
	onLost func(err error)
}

// NewMQTTBus creates a bus adapter for the given broker settings.
func NewMQTTBus(cfg config.MQTTConfig) *MQTTBus {
	cfg.Reconnect.Disabled = true
	return &MQTTBus{cfg: cfg}
}

// SetLogger sets the logger passed to each MQTT client.
func (b *MQTTBus) SetLogger(logger mqtt.Logger) {
	b.logger = logger
}

// SetOnLost sets a callback run when a session drops without Disconnect
// being called. It applies to sessions opened after the call.
func (b *MQTTBus) SetOnLost(callback func(err error)) {
	b.onLost = callback
}

// Connect opens a new session with clientID as the MQTT client identifier.
func (b *MQTTBus) Connect(ctx context.Context, clientID string) error {
	b.Disconnect()

	cfg := b.cfg
	cfg.Broker.ClientID = clientID
	client, err := mqtt.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	if b.logger != nil {
		client.SetLogger(b.logger)
	}
	if b.onLost != nil {
		client.SetOnDisconnect(b.onLost)
	}
	b.client = client
	return nil
}

// Publish sends payload at the configured QoS.
func (b *MQTTBus) Publish(topic string, payload []byte) error {
	if b.client == nil {
		return mqtt.ErrNotConnected
	}
	return b.client.Publish(topic, payload, b.client.DefaultQoS(), false)
}

// Subscribe delivers each payload on topic to handler.
func (b *MQTTBus) Subscribe(topic string, handler func(payload []byte)) error {
	if b.client == nil {
		return mqtt.ErrNotConnected
	}
	if handler == nil {
		return errors.New("agent: nil handler")
	}
	return b.client.Subscribe(topic, b.client.DefaultQoS(), func(_ string, payload []byte) error {
		handler(payload)
		return nil
	})
}

// Connected reports whether the current session is alive.
func (b *MQTTBus) Connected() bool {
	return b.client != nil && b.client.IsConnected()
}

// Disconnect closes the current session, if any.
func (b *MQTTBus) Disconnect() {
	if b.client == nil {
		return
	}
	_ = b.client.Close() //nolint:errcheck // Session is being discarded
	b.client = nil
}
