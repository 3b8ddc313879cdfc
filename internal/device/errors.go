package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID has not registered.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDevice is returned when a device ID or metadata is unusable.
	ErrInvalidDevice = errors.New("device: invalid")

	// ErrInvalidStatus is returned when a status value is not recognised.
	ErrInvalidStatus = errors.New("device: invalid status")
)
