package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type registrationWire struct {
	DeviceID     *string         `json:"device_id"`
	DeviceName   *string         `json:"device_name"`
	DeviceType   *string         `json:"device_type"`
	Location     *string         `json:"location,omitempty"`
	Capabilities map[string]bool `json:"capabilities"`
}

type telemetryWire struct {
	DeviceID    *string   `json:"device_id"`
	Temperature *float64  `json:"temperature,omitempty"`
	Humidity    *float64  `json:"humidity,omitempty"`
	Substituted []Channel `json:"substituted,omitempty"`
	Timestamp   *wireTime `json:"timestamp,omitempty"`
}

type heartbeatWire struct {
	DeviceID  *string   `json:"device_id"`
	Status    *string   `json:"status"`
	Timestamp *wireTime `json:"timestamp,omitempty"`
}

type commandWire struct {
	CommandType *string         `json:"command_type"`
	Value       json.RawMessage `json:"value"`
	Timestamp   *wireTime       `json:"timestamp,omitempty"`

	// Command is the key older dashboards used for command_type.
	Command *string `json:"command,omitempty"`
}

// EncodeRegistration renders r as a registration payload.
func EncodeRegistration(r Registration) []byte {
	caps := make(map[string]bool, len(r.Capabilities))
	for k, v := range r.Capabilities {
		caps[string(k)] = v
	}
	return mustMarshal(registrationWire{
		DeviceID:     &r.DeviceID,
		DeviceName:   &r.DeviceName,
		DeviceType:   &r.DeviceType,
		Location:     &r.Location,
		Capabilities: caps,
	})
}

// DecodeRegistration parses a registration payload.
//
// device_id, device_name and device_type are required. location defaults to
// empty and capabilities to the empty set.
func DecodeRegistration(payload []byte) (Registration, error) {
	var w registrationWire
	if err := unmarshal(payload, &w); err != nil {
		return Registration{}, err
	}

	id, err := requireDeviceID(w.DeviceID)
	if err != nil {
		return Registration{}, err
	}
	if w.DeviceName == nil || *w.DeviceName == "" {
		return Registration{}, missing("device_name")
	}
	if w.DeviceType == nil || *w.DeviceType == "" {
		return Registration{}, missing("device_type")
	}

	r := Registration{
		DeviceID:     id,
		DeviceName:   *w.DeviceName,
		DeviceType:   *w.DeviceType,
		Capabilities: make(Capabilities, len(w.Capabilities)),
	}
	if w.Location != nil {
		r.Location = *w.Location
	}
	for k, v := range w.Capabilities {
		r.Capabilities[Capability(k)] = v
	}
	return r, nil
}

// EncodeTelemetry renders t as a telemetry payload. Non-finite values are
// written as absent readings.
//
// Timestamps are written in UTC as RFC 3339 with nanoseconds, so a decoded
// Telemetry carries the same instant in UTC with no monotonic clock reading.
// Compare round-tripped timestamps with time.Time.Equal.
func EncodeTelemetry(t Telemetry) []byte {
	return mustMarshal(telemetryWire{
		DeviceID:    &t.DeviceID,
		Temperature: finite(t.Temperature),
		Humidity:    finite(t.Humidity),
		Substituted: t.Substituted,
		Timestamp:   optionalTime(t.Timestamp),
	})
}

// DecodeTelemetry parses a telemetry payload. Only device_id is required.
func DecodeTelemetry(payload []byte) (Telemetry, error) {
	var w telemetryWire
	if err := unmarshal(payload, &w); err != nil {
		return Telemetry{}, err
	}

	id, err := requireDeviceID(w.DeviceID)
	if err != nil {
		return Telemetry{}, err
	}

	for _, ch := range w.Substituted {
		if ch != ChannelTemperature && ch != ChannelHumidity {
			return Telemetry{}, fmt.Errorf("%w: unknown substituted channel %q", ErrMalformedPayload, ch)
		}
	}

	return Telemetry{
		DeviceID:    id,
		Temperature: w.Temperature,
		Humidity:    w.Humidity,
		Substituted: w.Substituted,
		Timestamp:   w.Timestamp.time(),
	}, nil
}

// EncodeHeartbeat renders h as a heartbeat payload. An empty status is
// written as "online".
func EncodeHeartbeat(h Heartbeat) []byte {
	status := h.Status
	if status == "" {
		status = HeartbeatOnline
	}
	return mustMarshal(heartbeatWire{
		DeviceID:  &h.DeviceID,
		Status:    &status,
		Timestamp: optionalTime(h.Timestamp),
	})
}

// DecodeHeartbeat parses a heartbeat payload. device_id is required and
// status must be "online".
func DecodeHeartbeat(payload []byte) (Heartbeat, error) {
	var w heartbeatWire
	if err := unmarshal(payload, &w); err != nil {
		return Heartbeat{}, err
	}

	id, err := requireDeviceID(w.DeviceID)
	if err != nil {
		return Heartbeat{}, err
	}
	if w.Status == nil {
		return Heartbeat{}, missing("status")
	}
	if !strings.EqualFold(*w.Status, HeartbeatOnline) {
		return Heartbeat{}, fmt.Errorf("%w: unsupported status %q", ErrMalformedPayload, *w.Status)
	}

	return Heartbeat{
		DeviceID:  id,
		Status:    HeartbeatOnline,
		Timestamp: w.Timestamp.time(),
	}, nil
}

// EncodeCommand renders c as a command payload.
func EncodeCommand(c Command) []byte {
	typ := string(c.Type)
	var value any
	switch c.Type {
	case CommandLED:
		value = c.ValueString()
	case CommandFanSpeed:
		value = ClampFanSpeed(c.Speed)
	}
	raw := mustMarshal(value)
	return mustMarshal(commandWire{
		CommandType: &typ,
		Value:       raw,
		Timestamp:   optionalTime(c.Timestamp),
	})
}

// DecodeCommand parses a command payload.
//
// LED accepts "ON"/"OFF" (any case) or a JSON boolean. FAN_SPEED accepts an
// integral JSON number and is clamped to [0, 100].
func DecodeCommand(payload []byte) (Command, error) {
	var w commandWire
	if err := unmarshal(payload, &w); err != nil {
		return Command{}, err
	}

	typ := w.CommandType
	if typ == nil {
		typ = w.Command
	}
	if typ == nil || *typ == "" {
		return Command{}, missing("command_type")
	}
	if len(w.Value) == 0 || bytes.Equal(w.Value, []byte("null")) {
		return Command{}, missing("value")
	}

	cmd := Command{Type: CommandType(*typ), Timestamp: w.Timestamp.time()}

	switch cmd.Type {
	case CommandLED:
		on, err := decodeLEDValue(w.Value)
		if err != nil {
			return Command{}, err
		}
		cmd.On = on
	case CommandFanSpeed:
		speed, err := decodeFanSpeed(w.Value)
		if err != nil {
			return Command{}, err
		}
		cmd.Speed = speed
	default:
		return Command{}, fmt.Errorf("%w: unsupported command_type %q", ErrMalformedPayload, *typ)
	}

	return cmd, nil
}

func decodeLEDValue(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, fmt.Errorf("%w: LED value must be \"ON\" or \"OFF\"", ErrMalformedPayload)
	}
	switch strings.ToUpper(s) {
	case LEDOn:
		return true, nil
	case LEDOff:
		return false, nil
	default:
		return false, fmt.Errorf("%w: LED value must be \"ON\" or \"OFF\", got %q", ErrMalformedPayload, s)
	}
}

func decodeFanSpeed(raw json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("%w: FAN_SPEED value must be a number", ErrMalformedPayload)
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: FAN_SPEED value must be an integer, got %v", ErrMalformedPayload, f)
	}
	f = math.Max(MinFanSpeed, math.Min(MaxFanSpeed, f))
	return int(f), nil
}

func unmarshal(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return nil
}

func requireDeviceID(id *string) (string, error) {
	if id == nil {
		return "", missing("device_id")
	}
	if err := ValidateDeviceID(*id); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return *id, nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformedPayload, field)
}

func finite(v *float64) *float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return nil
	}
	return v
}

// mustMarshal encodes values whose shape cannot fail json.Marshal.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: encoding %T: %v", v, err))
	}
	return b
}

// wireTime is a timestamp that tolerates the formats devices send.
type wireTime time.Time

// naiveLayouts are ISO 8601 forms without an offset, read as UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func optionalTime(t time.Time) *wireTime {
	if t.IsZero() {
		return nil
	}
	w := wireTime(t.UTC())
	return &w
}

func (w *wireTime) time() time.Time {
	if w == nil {
		return time.Time{}
	}
	return time.Time(*w)
}

func (w wireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(w).UTC().Format(time.RFC3339Nano))
}

func (w *wireTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}

	var secs float64
	if err := json.Unmarshal(b, &secs); err == nil {
		// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is exclusive.
		if secs < math.MinInt64 || secs >= math.MaxInt64 {
			return fmt.Errorf("timestamp %g is out of range", secs)
		}
		whole, frac := math.Modf(secs)
		*w = wireTime(time.Unix(int64(whole), int64(frac*1e9)).UTC())
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp must be a string or number")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		*w = wireTime(t.UTC())
		return nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			*w = wireTime(t)
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}
