// Package command validates operator commands and publishes them to devices.
//
// Dispatch checks, in order, that the device is registered, that it declared
// the capability the command needs, and that the value is acceptable. Only
// then is the command encoded and published to the device's control topic.
// Publishing is fire-and-forget: there is no acknowledgement and no retry.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/iotdash-core/internal/device"
	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// Errors returned by Dispatch. None of them is retried.
var (
	ErrUnknownDevice      = errors.New("command: unknown device")
	ErrUnsupportedCommand = errors.New("command: unsupported command")
	ErrInvalidValue       = errors.New("command: invalid value")
	ErrPublishFailed      = errors.New("command: publish failed")
)

// Registry resolves device IDs for the router.
type Registry interface {
	GetDevice(ctx context.Context, id string) (device.Device, error)
}

// Publisher sends a payload on a topic.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Recorder stores the history of published commands.
type Recorder interface {
	RecordCommand(ctx context.Context, c protocol.ControlCommand) error
}

// Logger is the logging interface used by the Router.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Router turns operator intent into published commands.
type Router struct {
	registry  Registry
	publisher Publisher
	recorder  Recorder
	qos       byte
	topics    protocol.Topics
	logger    Logger
	now       func() time.Time
	newID     func() string
}

// NewRouter creates a router that publishes with the given QoS.
// recorder may be nil when command history is not kept.
func NewRouter(registry Registry, publisher Publisher, recorder Recorder, qos byte) *Router {
	return &Router{
		registry:  registry,
		publisher: publisher,
		recorder:  recorder,
		qos:       qos,
		logger:    noopLogger{},
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	r.logger = logger
}

// Dispatch validates and publishes one command.
//
// value may be a bool or "ON"/"OFF" (case-insensitive) for LED, and any
// integral number for FAN_SPEED; fan speeds outside 0–100 are clamped.
// The returned record carries the value actually sent.
func (r *Router) Dispatch(ctx context.Context, deviceID string, commandType protocol.CommandType, value any) (protocol.ControlCommand, error) {
	dev, err := r.registry.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			return protocol.ControlCommand{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		return protocol.ControlCommand{}, fmt.Errorf("looking up device: %w", err)
	}

	commandType = protocol.CommandType(strings.ToUpper(string(commandType)))
	if _, known := protocol.RequiredCapability(commandType); !known {
		return protocol.ControlCommand{}, fmt.Errorf("%w: %q", ErrUnsupportedCommand, commandType)
	}
	if !dev.Supports(commandType) {
		return protocol.ControlCommand{}, fmt.Errorf("%w: %s does not declare the capability for %s",
			ErrUnsupportedCommand, deviceID, commandType)
	}

	cmd, err := buildCommand(commandType, value, r.now().UTC())
	if err != nil {
		return protocol.ControlCommand{}, err
	}

	if err := r.publisher.Publish(r.topics.Control(deviceID), protocol.EncodeCommand(cmd), r.qos, false); err != nil {
		return protocol.ControlCommand{}, fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	record := cmd.Record(r.newID(), deviceID)
	r.logger.Info("command published",
		"device_id", deviceID,
		"command_type", cmd.Type,
		"value", record.Value,
	)

	if r.recorder != nil {
		if err := r.recorder.RecordCommand(ctx, record); err != nil {
			// The command is already on the wire; history is best-effort.
			r.logger.Warn("recording command failed", "device_id", deviceID, "error", err)
		}
	}
	return record, nil
}

func buildCommand(t protocol.CommandType, value any, at time.Time) (protocol.Command, error) {
	switch t {
	case protocol.CommandLED:
		on, err := ledValue(value)
		if err != nil {
			return protocol.Command{}, err
		}
		return protocol.NewLEDCommand(on, at), nil
	case protocol.CommandFanSpeed:
		speed, err := fanSpeedValue(value)
		if err != nil {
			return protocol.Command{}, err
		}
		return protocol.NewFanSpeedCommand(speed, at), nil
	default:
		return protocol.Command{}, fmt.Errorf("%w: %q", ErrUnsupportedCommand, t)
	}
}

func ledValue(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case protocol.LEDOn:
			return true, nil
		case protocol.LEDOff:
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: LED expects ON, OFF or a boolean, got %v", ErrInvalidValue, value)
}

func fanSpeedValue(value any) (int, error) {
	var f float64
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		f = float64(v)
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: FAN_SPEED %q is not a number", ErrInvalidValue, v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: FAN_SPEED expects an integer, got %T", ErrInvalidValue, value)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: FAN_SPEED expects an integer, got %v", ErrInvalidValue, f)
	}
	// Clamp before converting so huge values cannot overflow int.
	return int(math.Max(math.Min(f, protocol.MaxFanSpeed), protocol.MinFanSpeed)), nil
}
