package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/database"
	_ "github.com/nerrad567/iotdash-core/migrations" // Registers embedded schema
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestCreate_FillsDefaults(t *testing.T) {
	repo := setupRepo(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	e := &Entry{
		Action:   ActionCommand,
		DeviceID: "sensor-1",
		Subject:  "alice",
		Source:   SourceAPI,
		Details:  map[string]any{"command_type": "LED", "value": "ON"},
	}
	if err := repo.Create(context.Background(), e); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if e.ID == "" || e.CreatedAt != fixed {
		t.Errorf("defaults not filled: id %q at %v", e.ID, e.CreatedAt)
	}

	res, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 1 || len(res.Entries) != 1 {
		t.Fatalf("List() = %+v, want one entry", res)
	}
	got := res.Entries[0]
	if got.ID != e.ID || got.Subject != "alice" || got.DeviceID != "sensor-1" || !got.CreatedAt.Equal(fixed) {
		t.Errorf("entry = %+v", got)
	}
	if got.Details["value"] != "ON" {
		t.Errorf("details = %v", got.Details)
	}
}

func TestCreate_Invalid(t *testing.T) {
	repo := setupRepo(t)
	for _, e := range []*Entry{{Source: SourceAPI}, {Action: ActionRegister}} {
		if err := repo.Create(context.Background(), e); !errors.Is(err, ErrInvalidEntry) {
			t.Errorf("Create(%+v) error = %v, want ErrInvalidEntry", e, err)
		}
	}
}

func TestList_FilterAndPaging(t *testing.T) {
	ctx := context.Background()
	repo := setupRepo(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	seed := []Entry{
		{Action: ActionRegister, DeviceID: "a"},
		{Action: ActionCommand, DeviceID: "a"},
		{Action: ActionCommand, DeviceID: "b"},
		{Action: ActionCommand, DeviceID: "a"},
	}
	for i := range seed {
		e := seed[i]
		e.Source = SourceAPI
		e.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := repo.Create(ctx, &e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name      string
		filter    Filter
		wantTotal int
		wantLen   int
	}{
		{"all", Filter{}, 4, 4},
		{"by action", Filter{Action: ActionCommand}, 3, 3},
		{"by device", Filter{DeviceID: "a"}, 3, 3},
		{"both", Filter{Action: ActionCommand, DeviceID: "a"}, 2, 2},
		{"paged", Filter{Limit: 2, Offset: 3}, 4, 1},
		{"no match", Filter{DeviceID: "ghost"}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.wantTotal || len(res.Entries) != tt.wantLen {
				t.Errorf("List() total %d len %d, want %d %d", res.Total, len(res.Entries), tt.wantTotal, tt.wantLen)
			}
			if res.Entries == nil {
				t.Error("Entries must be empty, not nil")
			}
		})
	}

	res, _ := repo.List(ctx, Filter{})
	if !res.Entries[0].CreatedAt.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("first entry at %v, want newest", res.Entries[0].CreatedAt)
	}
}

func TestList_ClampsLimit(t *testing.T) {
	repo := setupRepo(t)
	for _, tt := range []struct{ in, want int }{{0, defaultLimit}, {-1, defaultLimit}, {1000, maxLimit}, {7, 7}} {
		res, err := repo.List(context.Background(), Filter{Limit: tt.in})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if res.Limit != tt.want {
			t.Errorf("Limit %d -> %d, want %d", tt.in, res.Limit, tt.want)
		}
	}
}
