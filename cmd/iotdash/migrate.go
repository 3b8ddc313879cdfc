package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/nerrad567/iotdash-core/internal/infrastructure/config"
	"github.com/nerrad567/iotdash-core/internal/infrastructure/database"
)

const migrateUsage = "usage: iotdash migrate status|up|down [-steps N]"

// runMigrate manages the schema of the configured database outside of
// normal startup.
func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(migrateUsage)
	}
	action, rest := args[0], args[1:]

	fs := flag.NewFlagSet("migrate "+action, flag.ContinueOnError)
	fs.SetOutput(out)
	steps := fs.Int("steps", 1, "number of migrations to roll back")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close() //nolint:errcheck // Process is exiting

	switch action {
	case "status":
		return printMigrationStatus(ctx, db, out)

	case "up":
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		return printMigrationStatus(ctx, db, out)

	case "down":
		if *steps < 1 {
			return errors.New("migrate down: -steps must be at least 1")
		}
		for range *steps {
			if err := db.MigrateDown(ctx); err != nil {
				return fmt.Errorf("rolling back migration: %w", err)
			}
		}
		return printMigrationStatus(ctx, db, out)

	default:
		return fmt.Errorf("unknown migrate action %q; %s", action, migrateUsage)
	}
}

func printMigrationStatus(ctx context.Context, db *database.DB, out io.Writer) error {
	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading migration status: %w", err)
	}
	for _, r := range applied {
		fmt.Fprintf(out, "applied  %s  %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(out, "pending  %s  %s\n", m.Version, m.Name)
	}
	return nil
}
