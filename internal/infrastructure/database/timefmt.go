package database

import (
	"database/sql"
	"fmt"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp.
// Fixed width keeps lexical order equal to time order in SQL comparisons.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// NullTime renders t for a nullable column; the zero time is stored as NULL.
func NullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: FormatTime(t), Valid: true}
}

// ParseTime reads a stored timestamp. It also accepts RFC 3339 and SQLite's
// CURRENT_TIMESTAMP form for rows written by hand.
func ParseTime(value string) (time.Time, error) {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, time.DateTime} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing stored timestamp %q", value)
}

// ParseNullTime is ParseTime for nullable columns.
func ParseNullTime(value sql.NullString) (time.Time, error) {
	if !value.Valid || value.String == "" {
		return time.Time{}, nil
	}
	return ParseTime(value.String)
}
