package protocol

import (
	"strconv"
	"time"
)

// Capability names a feature a device declares at registration.
type Capability string

// Known capabilities. Devices may declare others; unknown names are kept.
const (
	CapTemperature Capability = "temperature"
	CapHumidity    Capability = "humidity"
	CapLEDControl  Capability = "led_control"
	CapFanControl  Capability = "fan_control"
)

// Capabilities is the set of booleans a device declares.
// A capability absent from the map or set to false is not supported.
type Capabilities map[Capability]bool

// Has reports whether c is declared and true.
func (cs Capabilities) Has(c Capability) bool {
	return cs[c]
}

// Clone returns an independent copy. A nil set clones to an empty set.
func (cs Capabilities) Clone() Capabilities {
	out := make(Capabilities, len(cs))
	for k, v := range cs {
		out[k] = v
	}
	return out
}

// CommandType is the closed set of commands a registry can send.
type CommandType string

// Supported command types.
const (
	CommandLED      CommandType = "LED"
	CommandFanSpeed CommandType = "FAN_SPEED"
)

// commandCapabilities maps each command to the capability it requires.
var commandCapabilities = map[CommandType]Capability{
	CommandLED:      CapLEDControl,
	CommandFanSpeed: CapFanControl,
}

// RequiredCapability returns the capability a device must declare to accept t.
// ok is false for command types outside the supported set.
func RequiredCapability(t CommandType) (c Capability, ok bool) {
	c, ok = commandCapabilities[t]
	return c, ok
}

// Fan speed bounds as a percentage.
const (
	MinFanSpeed = 0
	MaxFanSpeed = 100
)

// LED wire values.
const (
	LEDOn  = "ON"
	LEDOff = "OFF"
)

// ClampFanSpeed limits v to [MinFanSpeed, MaxFanSpeed].
func ClampFanSpeed(v int) int {
	return min(max(v, MinFanSpeed), MaxFanSpeed)
}

// Registration announces a device and its metadata.
type Registration struct {
	DeviceID     string
	DeviceName   string
	DeviceType   string
	Location     string
	Capabilities Capabilities
}

// Channel names a telemetry measurement.
type Channel string

// Telemetry channels.
const (
	ChannelTemperature Channel = "temperature"
	ChannelHumidity    Channel = "humidity"
)

// Telemetry carries one round of sensor readings.
//
// A nil value means the channel was not read. Substituted lists channels
// whose value is an agent fallback rather than a fresh measurement.
type Telemetry struct {
	DeviceID    string
	Temperature *float64
	Humidity    *float64
	Substituted []Channel
	// Timestamp is the device clock; zero when the device sent none.
	Timestamp time.Time
}

// IsSubstituted reports whether ch carries a fallback value.
func (t Telemetry) IsSubstituted(ch Channel) bool {
	for _, s := range t.Substituted {
		if s == ch {
			return true
		}
	}
	return false
}

// HeartbeatOnline is the only status a device reports about itself.
const HeartbeatOnline = "online"

// Heartbeat is a periodic liveness signal.
type Heartbeat struct {
	DeviceID  string
	Status    string
	Timestamp time.Time
}

// Command is an instruction for one device. The addressee is carried by the
// topic, not the payload.
//
// On is meaningful for CommandLED, Speed for CommandFanSpeed.
type Command struct {
	Type      CommandType
	On        bool
	Speed     int
	Timestamp time.Time
}

// NewLEDCommand builds an LED command.
func NewLEDCommand(on bool, at time.Time) Command {
	return Command{Type: CommandLED, On: on, Timestamp: at}
}

// NewFanSpeedCommand builds a FAN_SPEED command, clamping speed.
func NewFanSpeedCommand(speed int, at time.Time) Command {
	return Command{Type: CommandFanSpeed, Speed: ClampFanSpeed(speed), Timestamp: at}
}

// ValueString renders the command value as stored in history: "ON", "OFF"
// or the decimal fan speed.
func (c Command) ValueString() string {
	switch c.Type {
	case CommandLED:
		if c.On {
			return LEDOn
		}
		return LEDOff
	case CommandFanSpeed:
		return strconv.Itoa(c.Speed)
	default:
		return ""
	}
}

// SensorReading is a stored telemetry sample.
type SensorReading struct {
	DeviceID               string    `json:"device_id"`
	Temperature            *float64  `json:"temperature,omitempty"`
	Humidity               *float64  `json:"humidity,omitempty"`
	TemperatureSubstituted bool      `json:"temperature_substituted,omitempty"`
	HumiditySubstituted    bool      `json:"humidity_substituted,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
	ReceivedAt             time.Time `json:"received_at"`
}

// Reading converts a decoded Telemetry into a SensorReading received at
// receivedAt. A telemetry without a device timestamp takes receivedAt.
func (t Telemetry) Reading(receivedAt time.Time) SensorReading {
	ts := t.Timestamp
	if ts.IsZero() {
		ts = receivedAt
	}
	return SensorReading{
		DeviceID:               t.DeviceID,
		Temperature:            t.Temperature,
		Humidity:               t.Humidity,
		TemperatureSubstituted: t.IsSubstituted(ChannelTemperature),
		HumiditySubstituted:    t.IsSubstituted(ChannelHumidity),
		Timestamp:              ts.UTC(),
		ReceivedAt:             receivedAt.UTC(),
	}
}

// ControlCommand is a stored record of a published command.
type ControlCommand struct {
	ID          string      `json:"id"`
	DeviceID    string      `json:"device_id"`
	CommandType CommandType `json:"command_type"`
	Value       string      `json:"value"`
	IssuedAt    time.Time   `json:"issued_at"`
}

// Record builds the history record for c sent to deviceID.
func (c Command) Record(id, deviceID string) ControlCommand {
	return ControlCommand{
		ID:          id,
		DeviceID:    deviceID,
		CommandType: c.Type,
		Value:       c.ValueString(),
		IssuedAt:    c.Timestamp.UTC(),
	}
}
