package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/iotdash-core/internal/infrastructure/database"
	"github.com/nerrad567/iotdash-core/internal/protocol"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// Upsert inserts a device or overwrites its metadata, status and
	// last_seen. An existing registered_at is never changed.
	Upsert(ctx context.Context, device *Device) error

	// UpdateActivity sets status and last_seen.
	UpdateActivity(ctx context.Context, id string, status Status, lastSeen time.Time) error

	// UpdateStatus sets status only.
	UpdateStatus(ctx context.Context, id string, status Status) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with migrations applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

const selectDevice = `
	SELECT device_id, device_name, device_type, location, capabilities,
		status, last_seen, registered_at, updated_at
	FROM devices`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, selectDevice+" WHERE device_id = ?", id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices ordered by ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, selectDevice+" ORDER BY device_id")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Upsert inserts or overwrites a device, preserving registered_at.
func (r *SQLiteRepository) Upsert(ctx context.Context, d *Device) error {
	caps := d.Capabilities
	if caps == nil {
		caps = protocol.Capabilities{}
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("marshalling capabilities: %w", err)
	}

	registeredAt := d.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = r.now()
	}
	updatedAt := d.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (
			device_id, device_name, device_type, location, capabilities,
			status, last_seen, registered_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name  = excluded.device_name,
			device_type  = excluded.device_type,
			location     = excluded.location,
			capabilities = excluded.capabilities,
			status       = excluded.status,
			last_seen    = excluded.last_seen,
			updated_at   = excluded.updated_at`,
		d.ID,
		d.Name,
		d.Type,
		d.Location,
		string(capsJSON),
		string(d.Status),
		database.NullTime(d.LastSeen),
		database.FormatTime(registeredAt),
		database.FormatTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}
	return nil
}

// UpdateActivity sets status and last_seen for an existing device.
func (r *SQLiteRepository) UpdateActivity(ctx context.Context, id string, status Status, lastSeen time.Time) error {
	return r.update(ctx,
		"UPDATE devices SET status = ?, last_seen = ?, updated_at = ? WHERE device_id = ?",
		string(status), database.NullTime(lastSeen), database.FormatTime(r.now()), id,
	)
}

// UpdateStatus sets status for an existing device.
func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	return r.update(ctx,
		"UPDATE devices SET status = ?, updated_at = ? WHERE device_id = ?",
		string(status), database.FormatTime(r.now()), id,
	)
}

func (r *SQLiteRepository) update(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var capsJSON, status, registeredAt, updatedAt string
	var lastSeen sql.NullString

	if err := scanner.Scan(
		&d.ID,
		&d.Name,
		&d.Type,
		&d.Location,
		&capsJSON,
		&status,
		&lastSeen,
		&registeredAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	d.Status = Status(status)

	var err error
	if d.LastSeen, err = database.ParseNullTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", err)
	}
	if d.RegisteredAt, err = database.ParseTime(registeredAt); err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}
	if d.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if err := json.Unmarshal([]byte(capsJSON), &d.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshalling capabilities: %w", err)
	}
	if d.Capabilities == nil {
		d.Capabilities = protocol.Capabilities{}
	}

	return &d, nil
}
