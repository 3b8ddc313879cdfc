// Package ingest routes device-to-registry bus traffic.
//
// Each inbound message is decoded by the protocol codec. Malformed payloads
// are logged and dropped; nothing is retried. Registrations go to the
// registry. Heartbeats and telemetry update the device's last activity, and
// telemetry is then fanned out to every configured reading sink.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/iotdash-core/internal/device"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// defaultHandleTimeout bounds the work done for one message.
const defaultHandleTimeout = 5 * time.Second

// Registry is the part of the device registry ingest drives.
type Registry interface {
	Register(ctx context.Context, id string, meta device.Metadata) (device.Device, error)
	RecordActivity(ctx context.Context, id string, at time.Time) error
}

// ReadingSink receives every decoded telemetry reading.
type ReadingSink interface {
	RecordReading(ctx context.Context, r protocol.SensorReading) error
}

// Subscriber is the bus subscription surface.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Unsubscriber removes bus subscriptions.
type Unsubscriber interface {
	HasSubscription(topic string) bool
	Unsubscribe(topic string) error
}

// Logger is the logging interface used by the Ingestor.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Ingestor handles registration, heartbeat and telemetry messages.
type Ingestor struct {
	registry Registry
	sinks    []ReadingSink
	topics   protocol.Topics
	logger   Logger
	now      func() time.Time
	timeout  time.Duration
}

// New creates an ingestor feeding registry and sinks.
func New(registry Registry, sinks ...ReadingSink) *Ingestor {
	return &Ingestor{
		registry: registry,
		sinks:    sinks,
		logger:   noopLogger{},
		now:      time.Now,
		timeout:  defaultHandleTimeout,
	}
}

// SetLogger sets the logger for the ingestor.
func (i *Ingestor) SetLogger(logger Logger) {
	i.logger = logger
}

// AddSink appends a reading sink. It must be called before Subscribe.
func (i *Ingestor) AddSink(sink ReadingSink) {
	i.sinks = append(i.sinks, sink)
}

func (i *Ingestor) deviceTopics() []string {
	return []string{
		i.topics.Register(),
		i.topics.AllTelemetry(),
		i.topics.AllHeartbeats(),
	}
}

// Subscribe registers the ingestor for registration, telemetry and
// heartbeat topics of all devices.
func (i *Ingestor) Subscribe(sub Subscriber, qos byte) error {
	for _, topic := range i.deviceTopics() {
		if err := sub.Subscribe(topic, qos, i.HandleMessage); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
	}
	return nil
}

// Unsubscribe stops delivery of device traffic. Topics that are not
// subscribed are skipped; every topic is attempted even if one fails.
func (i *Ingestor) Unsubscribe(sub Unsubscriber) error {
	var errs []error
	for _, topic := range i.deviceTopics() {
		if !sub.HasSubscription(topic) {
			continue
		}
		if err := sub.Unsubscribe(topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribing from %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

// HandleMessage processes one bus message. Malformed input is logged and
// dropped with a nil return; only downstream failures are returned.
func (i *Ingestor) HandleMessage(topic string, payload []byte) error {
	receivedAt := i.now().UTC()

	route, err := protocol.ParseTopic(topic)
	if err != nil {
		i.drop(topic, err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()

	switch route.Kind {
	case protocol.KindRegistration:
		err = i.handleRegistration(ctx, payload)
	case protocol.KindTelemetry:
		err = i.handleTelemetry(ctx, route.DeviceID, payload, receivedAt)
	case protocol.KindHeartbeat:
		err = i.handleHeartbeat(ctx, route.DeviceID, payload, receivedAt)
	default:
		// Control topics are registry-to-device only.
		return nil
	}

	if errors.Is(err, protocol.ErrMalformedPayload) || errors.Is(err, device.ErrInvalidDevice) {
		i.drop(topic, err)
		return nil
	}
	return err
}

func (i *Ingestor) handleRegistration(ctx context.Context, payload []byte) error {
	reg, err := protocol.DecodeRegistration(payload)
	if err != nil {
		return err
	}
	if _, err := i.registry.Register(ctx, reg.DeviceID, device.MetadataFromRegistration(reg)); err != nil {
		return fmt.Errorf("registering %s: %w", reg.DeviceID, err)
	}
	return nil
}

func (i *Ingestor) handleHeartbeat(ctx context.Context, topicID string, payload []byte, receivedAt time.Time) error {
	hb, err := protocol.DecodeHeartbeat(payload)
	if err != nil {
		return err
	}
	if err := checkAddressee(topicID, hb.DeviceID); err != nil {
		return err
	}
	if err := i.registry.RecordActivity(ctx, topicID, receivedAt); err != nil {
		return fmt.Errorf("recording heartbeat for %s: %w", topicID, err)
	}
	return nil
}

func (i *Ingestor) handleTelemetry(ctx context.Context, topicID string, payload []byte, receivedAt time.Time) error {
	tel, err := protocol.DecodeTelemetry(payload)
	if err != nil {
		return err
	}
	if err := checkAddressee(topicID, tel.DeviceID); err != nil {
		return err
	}

	if err := i.registry.RecordActivity(ctx, topicID, receivedAt); err != nil {
		// The reading is still stored; activity is retried by the next message.
		i.logger.Error("recording telemetry activity failed", "device_id", topicID, "error", err)
	}

	reading := tel.Reading(receivedAt)
	if reading.TemperatureSubstituted || reading.HumiditySubstituted {
		i.logger.Debug("telemetry carries fallback values",
			"device_id", topicID,
			"substituted", tel.Substituted,
		)
	}

	var errs []error
	for _, sink := range i.sinks {
		if err := sink.RecordReading(ctx, reading); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("storing telemetry for %s: %w", topicID, errors.Join(errs...))
	}
	return nil
}

// checkAddressee rejects payloads naming a device other than the topic's.
func checkAddressee(topicID, payloadID string) error {
	if topicID != payloadID {
		return fmt.Errorf("%w: topic device %q does not match payload device %q",
			protocol.ErrMalformedPayload, topicID, payloadID)
	}
	return nil
}

func (i *Ingestor) drop(topic string, err error) {
	i.logger.Warn("dropping malformed message", "topic", topic, "error", err)
}
