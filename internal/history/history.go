// Package history stores sensor readings and issued commands in SQLite.
//
// Both tables are append-only. Readings are returned in arrival order;
// commands newest first. A Pruner removes rows older than the configured
// retention.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// ErrDeviceIDRequired is returned when a query or write omits the device ID.
var ErrDeviceIDRequired = errors.New("history: device id is required")

// ReadingStats summarises the stored readings of one device.
type ReadingStats struct {
	DeviceID string                  `json:"device_id"`
	Count    int64                   `json:"total_data_points"`
	Latest   *protocol.SensorReading `json:"latest,omitempty"`
}

// ReadingStore persists telemetry readings.
//
// Implementations must be thread-safe and use UTC timestamps.
type ReadingStore interface {
	// RecordReading appends one reading.
	RecordReading(ctx context.Context, r protocol.SensorReading) error

	// GetReadings returns readings received after since, oldest first.
	GetReadings(ctx context.Context, deviceID string, since time.Time, limit int) ([]protocol.SensorReading, error)

	// GetStats returns the reading count and the most recently received reading.
	GetStats(ctx context.Context, deviceID string) (ReadingStats, error)

	// PruneReadings deletes readings received more than olderThan ago.
	PruneReadings(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CommandStore persists the record of published commands.
type CommandStore interface {
	RecordCommand(ctx context.Context, c protocol.ControlCommand) error

	// GetCommands returns recent commands for a device, newest first.
	GetCommands(ctx context.Context, deviceID string, limit int) ([]protocol.ControlCommand, error)

	PruneCommands(ctx context.Context, olderThan time.Duration) (int64, error)
}
