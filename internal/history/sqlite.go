package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/iotdash-core/internal/infrastructure/database"
	"github.com/nerrad567/iotdash-core/internal/protocol"
)

const (
	defaultReadingLimit = 1000
	maxReadingLimit     = 10000

	defaultCommandLimit = 50
	maxCommandLimit     = 200
)

// SQLiteStore implements ReadingStore and CommandStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a history store on an open, migrated connection.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// RecordReading appends a reading to sensor_readings.
func (s *SQLiteStore) RecordReading(ctx context.Context, r protocol.SensorReading) error {
	if r.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	received := r.ReceivedAt
	if received.IsZero() {
		received = s.now()
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = received
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (
			device_id, temperature, humidity,
			temperature_substituted, humidity_substituted,
			timestamp, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.DeviceID,
		nullFloat(r.Temperature),
		nullFloat(r.Humidity),
		boolToInt(r.TemperatureSubstituted),
		boolToInt(r.HumiditySubstituted),
		database.FormatTime(ts),
		database.FormatTime(received),
	)
	if err != nil {
		return fmt.Errorf("inserting sensor reading: %w", err)
	}
	return nil
}

// GetReadings returns readings for a device received after since, in
// arrival order.
func (s *SQLiteStore) GetReadings(ctx context.Context, deviceID string, since time.Time, limit int) ([]protocol.SensorReading, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	limit = clampLimit(limit, defaultReadingLimit, maxReadingLimit)

	// The newest rows within the window are kept when the limit truncates.
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, temperature, humidity, temperature_substituted,
			humidity_substituted, timestamp, received_at
		FROM (
			SELECT * FROM sensor_readings
			WHERE device_id = ? AND received_at > ?
			ORDER BY id DESC
			LIMIT ?
		)
		ORDER BY id ASC`,
		deviceID,
		database.FormatTime(since),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sensor readings: %w", err)
	}
	defer rows.Close()

	readings := make([]protocol.SensorReading, 0)
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sensor readings: %w", err)
	}
	return readings, nil
}

// GetStats returns the number of stored readings and the latest arrival.
func (s *SQLiteStore) GetStats(ctx context.Context, deviceID string) (ReadingStats, error) {
	if deviceID == "" {
		return ReadingStats{}, ErrDeviceIDRequired
	}
	stats := ReadingStats{DeviceID: deviceID}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sensor_readings WHERE device_id = ?", deviceID,
	).Scan(&stats.Count); err != nil {
		return ReadingStats{}, fmt.Errorf("counting sensor readings: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, temperature, humidity, temperature_substituted,
			humidity_substituted, timestamp, received_at
		FROM sensor_readings
		WHERE device_id = ?
		ORDER BY id DESC
		LIMIT 1`, deviceID)
	latest, err := scanReading(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return ReadingStats{}, err
	default:
		stats.Latest = &latest
	}
	return stats, nil
}

// PruneReadings deletes readings received more than olderThan ago.
func (s *SQLiteStore) PruneReadings(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.prune(ctx, "DELETE FROM sensor_readings WHERE received_at < ?", olderThan)
}

// RecordCommand appends a published command to control_commands.
func (s *SQLiteStore) RecordCommand(ctx context.Context, c protocol.ControlCommand) error {
	if c.DeviceID == "" {
		return ErrDeviceIDRequired
	}
	if c.ID == "" {
		return fmt.Errorf("command id is required")
	}
	issued := c.IssuedAt
	if issued.IsZero() {
		issued = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO control_commands (id, device_id, command_type, value, issued_at) VALUES (?, ?, ?, ?, ?)",
		c.ID,
		c.DeviceID,
		string(c.CommandType),
		c.Value,
		database.FormatTime(issued),
	)
	if err != nil {
		return fmt.Errorf("inserting control command: %w", err)
	}
	return nil
}

// GetCommands returns recent commands for a device, newest first
// (default 50, max 200).
func (s *SQLiteStore) GetCommands(ctx context.Context, deviceID string, limit int) ([]protocol.ControlCommand, error) {
	if deviceID == "" {
		return nil, ErrDeviceIDRequired
	}
	limit = clampLimit(limit, defaultCommandLimit, maxCommandLimit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, command_type, value, issued_at
		FROM control_commands
		WHERE device_id = ?
		ORDER BY issued_at DESC, rowid DESC
		LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying control commands: %w", err)
	}
	defer rows.Close()

	commands := make([]protocol.ControlCommand, 0, limit)
	for rows.Next() {
		var c protocol.ControlCommand
		var commandType, issuedAt string
		if err := rows.Scan(&c.ID, &c.DeviceID, &commandType, &c.Value, &issuedAt); err != nil {
			return nil, fmt.Errorf("scanning control command: %w", err)
		}
		c.CommandType = protocol.CommandType(commandType)
		if c.IssuedAt, err = database.ParseTime(issuedAt); err != nil {
			return nil, fmt.Errorf("parsing issued_at: %w", err)
		}
		commands = append(commands, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating control commands: %w", err)
	}
	return commands, nil
}

// PruneCommands deletes commands issued more than olderThan ago.
func (s *SQLiteStore) PruneCommands(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.prune(ctx, "DELETE FROM control_commands WHERE issued_at < ?", olderThan)
}

func (s *SQLiteStore) prune(ctx context.Context, query string, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := database.FormatTime(s.now().Add(-olderThan))
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return rowsAffected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReading(scanner rowScanner) (protocol.SensorReading, error) {
	var r protocol.SensorReading
	var temp, hum sql.NullFloat64
	var tempSub, humSub int
	var ts, received string

	if err := scanner.Scan(&r.DeviceID, &temp, &hum, &tempSub, &humSub, &ts, &received); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("scanning sensor reading: %w", err)
	}

	if temp.Valid {
		r.Temperature = &temp.Float64
	}
	if hum.Valid {
		r.Humidity = &hum.Float64
	}
	r.TemperatureSubstituted = tempSub != 0
	r.HumiditySubstituted = humSub != 0

	var err error
	if r.Timestamp, err = database.ParseTime(ts); err != nil {
		return r, fmt.Errorf("parsing timestamp: %w", err)
	}
	if r.ReceivedAt, err = database.ParseTime(received); err != nil {
		return r, fmt.Errorf("parsing received_at: %w", err)
	}
	return r, nil
}

func clampLimit(limit, def, maxLimit int) int {
	if limit <= 0 {
		return def
	}
	return min(limit, maxLimit)
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
