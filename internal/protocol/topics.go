package protocol

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every device bus topic.
const TopicPrefix = "iot/dashboard"

// Topic suffixes for per-device topics.
const (
	suffixSensors = "sensors"
	suffixStatus  = "status"
	suffixControl = "control"
)

// maxDeviceIDLength bounds IDs so topics stay well under broker limits.
const maxDeviceIDLength = 128

// Topics provides builders for device bus topics.
//
//	topics := protocol.Topics{}
//	topics.Telemetry("ESP32_SENSOR_001")
//	// Returns: "iot/dashboard/ESP32_SENSOR_001/sensors"
type Topics struct{}

// Register returns the shared registration topic.
func (Topics) Register() string {
	return TopicPrefix + "/register"
}

// Telemetry returns the topic a device publishes sensor readings to.
func (Topics) Telemetry(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, deviceID, suffixSensors)
}

// Heartbeat returns the topic a device publishes liveness to.
func (Topics) Heartbeat(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, deviceID, suffixStatus)
}

// Control returns the topic a device receives commands on.
func (Topics) Control(deviceID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, deviceID, suffixControl)
}

// AllTelemetry returns a wildcard matching every device's telemetry topic.
func (t Topics) AllTelemetry() string {
	return t.Telemetry("+")
}

// AllHeartbeats returns a wildcard matching every device's heartbeat topic.
func (t Topics) AllHeartbeats() string {
	return t.Heartbeat("+")
}

// Kind identifies which message a topic carries.
type Kind int

// Message kinds carried on the bus.
const (
	KindUnknown Kind = iota
	KindRegistration
	KindTelemetry
	KindHeartbeat
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindRegistration:
		return "registration"
	case KindTelemetry:
		return "telemetry"
	case KindHeartbeat:
		return "heartbeat"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Route is a parsed device bus topic.
type Route struct {
	Kind Kind
	// DeviceID is empty for the registration topic.
	DeviceID string
}

// ParseTopic maps a concrete (non-wildcard) topic to its message kind.
func ParseTopic(topic string) (Route, error) {
	if topic == (Topics{}).Register() {
		return Route{Kind: KindRegistration}, nil
	}

	rest, ok := strings.CutPrefix(topic, TopicPrefix+"/")
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	deviceID, suffix, ok := strings.Cut(rest, "/")
	if !ok || ValidateDeviceID(deviceID) != nil {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	var kind Kind
	switch suffix {
	case suffixSensors:
		kind = KindTelemetry
	case suffixStatus:
		kind = KindHeartbeat
	case suffixControl:
		kind = KindCommand
	default:
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownTopic, topic)
	}

	return Route{Kind: kind, DeviceID: deviceID}, nil
}

// ValidateDeviceID reports whether id can be used as a single topic level.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(id) > maxDeviceIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidDeviceID, maxDeviceIDLength)
	}
	if strings.ContainsAny(id, "/+#\x00") {
		return fmt.Errorf("%w: %q contains a topic metacharacter", ErrInvalidDeviceID, id)
	}
	return nil
}
