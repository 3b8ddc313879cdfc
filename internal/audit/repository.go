// Package audit records operator actions taken through the API.
//
// Each registration or command an operator triggers is appended to the
// audit_logs table with the token subject that authorised it. Device
// traffic arriving over MQTT is not audited; it has its own history.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/iotdash-core/internal/infrastructure/database"
)

// Actions recorded by the API.
const (
	ActionRegister = "register"
	ActionCommand  = "command"
)

// SourceAPI marks entries written by the operator API.
const SourceAPI = "api"

// Page size limits for List.
const (
	defaultLimit = 50
	maxLimit     = 200
)

// ErrInvalidEntry is returned by Create for an entry without an action or source.
var ErrInvalidEntry = errors.New("audit: action and source are required")

// Entry is a single audit trail record.
type Entry struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	DeviceID string `json:"device_id,omitempty"`
	// Subject is the token subject, empty when the API runs without auth.
	Subject   string         `json:"subject,omitempty"`
	Source    string         `json:"source"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	Action   string
	DeviceID string
	Limit    int // default 50, max 200
	Offset   int
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository stores and lists audit entries.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository keeps audit entries in SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates an audit repository on db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// Create inserts e. ID and CreatedAt are filled in when empty.
func (r *SQLiteRepository) Create(ctx context.Context, e *Entry) error {
	if e.Action == "" || e.Source == "" {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = "aud-" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC()
	}

	var details sql.NullString
	if e.Details != nil {
		b, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshalling audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, device_id, subject, source, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Action, nullable(e.DeviceID), nullable(e.Subject),
		e.Source, details, database.FormatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// List returns entries matching filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM audit_logs " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := `SELECT id, action, device_id, subject, source, details, created_at
		FROM audit_logs ` + where + ` ORDER BY created_at DESC, id LIMIT ? OFFSET ?` //nolint:gosec // WHERE built from parameterised conditions
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var (
		e                         Entry
		deviceID, subject, detail sql.NullString
		createdAt                 string
	)
	if err := rows.Scan(&e.ID, &e.Action, &deviceID, &subject, &e.Source, &detail, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.DeviceID = deviceID.String
	e.Subject = subject.String

	if detail.Valid && detail.String != "" {
		var details map[string]any
		if json.Unmarshal([]byte(detail.String), &details) == nil {
			e.Details = details
		}
	}

	t, err := database.ParseTime(createdAt)
	if err != nil {
		return Entry{}, err
	}
	e.CreatedAt = t
	return e, nil
}
