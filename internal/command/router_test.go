package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/iotdash-core/internal/device"
	"github.com/nerrad567/iotdash-core/internal/protocol"
)

type mockRegistry struct {
	devices map[string]device.Device
}

func (m *mockRegistry) GetDevice(_ context.Context, id string) (device.Device, error) {
	d, ok := m.devices[id]
	if !ok {
		return device.Device{}, device.ErrDeviceNotFound
	}
	return d, nil
}

type published struct {
	topic   string
	payload []byte
	qos     byte
}

type mockPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (m *mockPublisher) Publish(topic string, payload []byte, qos byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, published{topic, payload, qos})
	return nil
}

type mockRecorder struct {
	records []protocol.ControlCommand
	err     error
}

func (m *mockRecorder) RecordCommand(_ context.Context, c protocol.ControlCommand) error {
	m.records = append(m.records, c)
	return m.err
}

func newTestRouter() (*Router, *mockPublisher, *mockRecorder) {
	reg := &mockRegistry{devices: map[string]device.Device{
		"full": {ID: "full", Status: device.StatusOnline, Capabilities: protocol.Capabilities{
			protocol.CapLEDControl: true,
			protocol.CapFanControl: true,
		}},
		"sensor-only": {ID: "sensor-only", Status: device.StatusOnline, Capabilities: protocol.Capabilities{
			protocol.CapTemperature: true,
		}},
		"offline": {ID: "offline", Status: device.StatusOffline, Capabilities: protocol.Capabilities{
			protocol.CapLEDControl: true,
		}},
	}}
	pub := &mockPublisher{}
	rec := &mockRecorder{}
	r := NewRouter(reg, pub, rec, 0)
	r.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	r.newID = func() string { return "cmd-1" }
	return r, pub, rec
}

func TestRouter_DispatchValidation(t *testing.T) {
	tests := []struct {
		name        string
		deviceID    string
		commandType protocol.CommandType
		value       any
		wantErr     error
	}{
		{"unknown device", "ghost", protocol.CommandLED, "ON", ErrUnknownDevice},
		{"unknown device checked before command", "ghost", "REBOOT", nil, ErrUnknownDevice},
		{"unsupported type", "full", "REBOOT", true, ErrUnsupportedCommand},
		{"undeclared capability", "sensor-only", protocol.CommandFanSpeed, 50, ErrUnsupportedCommand},
		{"capability checked before value", "sensor-only", protocol.CommandLED, "maybe", ErrUnsupportedCommand},
		{"led garbage", "full", protocol.CommandLED, "DIM", ErrInvalidValue},
		{"led number", "full", protocol.CommandLED, 1, ErrInvalidValue},
		{"fan fractional", "full", protocol.CommandFanSpeed, 50.5, ErrInvalidValue},
		{"fan string", "full", protocol.CommandFanSpeed, "fast", ErrInvalidValue},
		{"fan bool", "full", protocol.CommandFanSpeed, true, ErrInvalidValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, pub, rec := newTestRouter()
			_, err := r.Dispatch(context.Background(), tt.deviceID, tt.commandType, tt.value)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Dispatch() error = %v, want %v", err, tt.wantErr)
			}
			if len(pub.msgs) != 0 || len(rec.records) != 0 {
				t.Error("rejected command must not be published or recorded")
			}
		})
	}
}

func TestRouter_DispatchPublishes(t *testing.T) {
	tests := []struct {
		name        string
		commandType protocol.CommandType
		value       any
		wantValue   string
		wantOn      bool
		wantSpeed   int
	}{
		{"led on string", protocol.CommandLED, "ON", "ON", true, 0},
		{"led off lowercase", protocol.CommandLED, "off", "OFF", false, 0},
		{"led bool", protocol.CommandLED, true, "ON", true, 0},
		{"lowercase type", "led", "ON", "ON", true, 0},
		{"fan int", protocol.CommandFanSpeed, 75, "75", false, 75},
		{"fan float integral", protocol.CommandFanSpeed, 40.0, "40", false, 40},
		{"fan json number", protocol.CommandFanSpeed, json.Number("60"), "60", false, 60},
		{"fan clamped high", protocol.CommandFanSpeed, 150, "100", false, 100},
		{"fan clamped low", protocol.CommandFanSpeed, -20, "0", false, 0},
		{"fan huge float", protocol.CommandFanSpeed, 1e300, "100", false, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, pub, rec := newTestRouter()
			got, err := r.Dispatch(context.Background(), "full", tt.commandType, tt.value)
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if got.Value != tt.wantValue || got.ID != "cmd-1" || got.DeviceID != "full" {
				t.Errorf("record = %+v, want value %s", got, tt.wantValue)
			}
			if len(pub.msgs) != 1 {
				t.Fatalf("published %d messages, want 1", len(pub.msgs))
			}
			msg := pub.msgs[0]
			if msg.topic != "iot/dashboard/full/control" || msg.qos != 0 {
				t.Errorf("published to %s qos %d", msg.topic, msg.qos)
			}

			decoded, err := protocol.DecodeCommand(msg.payload)
			if err != nil {
				t.Fatalf("DecodeCommand() error = %v", err)
			}
			if decoded.On != tt.wantOn || decoded.Speed != tt.wantSpeed {
				t.Errorf("decoded = %+v", decoded)
			}
			if len(rec.records) != 1 || rec.records[0] != got {
				t.Errorf("recorded = %+v, want %+v", rec.records, got)
			}
		})
	}
}

func TestRouter_OfflineDeviceStillDispatched(t *testing.T) {
	r, pub, _ := newTestRouter()
	if _, err := r.Dispatch(context.Background(), "offline", protocol.CommandLED, "ON"); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(pub.msgs) != 1 {
		t.Error("commands to an offline device are published without delivery guarantee")
	}
}

func TestRouter_PublishFailure(t *testing.T) {
	r, pub, rec := newTestRouter()
	pub.err = errors.New("not connected")

	_, err := r.Dispatch(context.Background(), "full", protocol.CommandLED, "ON")
	if !errors.Is(err, ErrPublishFailed) {
		t.Errorf("Dispatch() error = %v, want ErrPublishFailed", err)
	}
	if len(rec.records) != 0 {
		t.Error("failed publish must not be recorded")
	}
}

func TestRouter_RecorderFailureIsNotFatal(t *testing.T) {
	r, pub, rec := newTestRouter()
	rec.err = errors.New("disk full")

	if _, err := r.Dispatch(context.Background(), "full", protocol.CommandLED, "ON"); err != nil {
		t.Errorf("Dispatch() error = %v, want nil", err)
	}
	if len(pub.msgs) != 1 {
		t.Error("command should be published")
	}
}

func TestRouter_NilRecorder(t *testing.T) {
	reg := &mockRegistry{devices: map[string]device.Device{
		"d": {ID: "d", Capabilities: protocol.Capabilities{protocol.CapLEDControl: true}},
	}}
	r := NewRouter(reg, &mockPublisher{}, nil, 1)
	got, err := r.Dispatch(context.Background(), "d", protocol.CommandLED, false)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if got.ID == "" {
		t.Error("record should carry a generated id")
	}
}
