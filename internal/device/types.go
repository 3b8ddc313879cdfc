package device

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// Status is a device's position in the lifecycle.
type Status string

const (
	// StatusUnknown marks an ID that has never completed registration.
	// Devices in this state are not visible through the registry.
	StatusUnknown Status = "unknown"

	// StatusRegistered is set by every registration.
	StatusRegistered Status = "registered"

	// StatusOnline means activity was seen within the offline timeout.
	StatusOnline Status = "online"

	// StatusOffline means the heartbeat monitor found the device stale.
	StatusOffline Status = "offline"
)

// ParseStatus maps a case-insensitive name to a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusUnknown, StatusRegistered, StatusOnline, StatusOffline:
		return st, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Metadata is the part of a Device that a registration overwrites.
type Metadata struct {
	Name         string
	Type         string
	Location     string
	Capabilities protocol.Capabilities
}

// MetadataFromRegistration extracts the registry metadata from a decoded
// registration message.
func MetadataFromRegistration(r protocol.Registration) Metadata {
	return Metadata{
		Name:         r.DeviceName,
		Type:         r.DeviceType,
		Location:     r.Location,
		Capabilities: r.Capabilities,
	}
}

// Device is the registry's record of one field device.
type Device struct {
	ID           string                `json:"device_id"`
	Name         string                `json:"name"`
	Type         string                `json:"device_type"`
	Location     string                `json:"location"`
	Capabilities protocol.Capabilities `json:"capabilities"`

	Status Status `json:"status"`

	// RegisteredAt is set by the first registration and never changes.
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DeepCopy creates an independent copy of the Device. The capability map is
// cloned so modifications to the copy do not affect the original.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Capabilities = d.Capabilities.Clone()
	return &cpy
}

// Supports reports whether the device declared the capability that t
// requires. Unsupported command types are never supported.
func (d *Device) Supports(t protocol.CommandType) bool {
	c, ok := protocol.RequiredCapability(t)
	return ok && d.Capabilities.Has(c)
}

// EventType classifies a registry change.
type EventType string

const (
	// EventRegistered is emitted for every successful registration.
	EventRegistered EventType = "registered"

	// EventStatusChanged is emitted when activity or staleness moves a
	// registered device to a different status.
	EventStatusChanged EventType = "status_changed"
)

// Event describes one committed registry change.
type Event struct {
	Type     EventType
	Device   Device
	Previous Status
}

// Observer receives registry events. It is called with the device's lock
// held, so it must not block or call back into the registry.
type Observer func(Event)

// Stats summarises the registry for monitoring.
type Stats struct {
	TotalDevices int
	ByStatus     map[Status]int
}
