// Package database provides SQLite connectivity for the registry.
//
// This package manages:
//   - Database connection with WAL mode for concurrent reads
//   - Schema migrations embedded in the binary
//   - Fixed-width timestamp encoding shared by every repository
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns must be nullable or carry a default,
// and every .up.sql file has a matching .down.sql.
package database
