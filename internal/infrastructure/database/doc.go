// Package database opens the bridge's SQLite file and keeps its schema
// current.
//
// Two tables live here: velbus_modules (the module registry with the last
// known state of every channel) and velbus_command_log (commands the bridge
// executed). Both are created by the migrations package, whose SQL files are
// embedded into the binary and registered in MigrationsFS.
//
// Migrations only move forward. Each is a YYYYMMDD_HHMMSS_name.up.sql file
// applied in its own transaction; the matching .down.sql file is kept for an
// operator rolling back by hand. HealthCheck fails while any migration is
// pending, and the validate command reports the schema version through a
// read-only open.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	applied, err := db.Migrate(ctx)
package database
