// Package database provides SQLite connection management and schema
// migrations for Poster Fleet Core.
//
// The fleet database is a single SQLite file holding device records and
// their embedded command queues. SQLite's single-writer model, combined
// with a one-connection pool, gives every store operation the per-call
// atomicity the registry layer depends on.
//
// Migrations are embedded into the binary via the migrations package and
// applied on startup:
//
//	db, err := database.Open(database.Config{Path: "data/fleetcore.db", WALMode: true, BusyTimeout: 5})
//	if err != nil { ... }
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil { ... }
package database
