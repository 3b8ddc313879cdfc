package protocol

import "errors"

var (
	// ErrMalformedPayload is returned when a payload cannot be decoded into
	// its message kind.
	ErrMalformedPayload = errors.New("protocol: malformed payload")

	// ErrUnknownTopic is returned when a topic is outside the device bus layout.
	ErrUnknownTopic = errors.New("protocol: unknown topic")

	// ErrInvalidDeviceID is returned for IDs that cannot form a topic level.
	ErrInvalidDeviceID = errors.New("protocol: invalid device id")
)
