package store

import (
	"database/sql"
	"fmt"

	"mnemo/internal/logging"
)

// migration defines a single additive schema change. Migrations only add
// columns; tables are created by the base schema.
type migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists columns added after the base schema shipped.
var pendingMigrations = []migration{
	// Episodic archival flag (added with the consolidation pipeline)
	{"episodic_memories", "archived", "INTEGER NOT NULL DEFAULT 0"},
	// Summary fallback provenance lives inside source_data; superseded flag
	// was promoted to a real column for the unique-active-scope query.
	{"memory_summaries", "superseded", "INTEGER NOT NULL DEFAULT 0"},
	// Alias reinforcement tracking
	{"entity_aliases", "usage_count", "INTEGER NOT NULL DEFAULT 1"},
}

// runMigrations applies additive migrations for databases created by older
// builds. Missing tables and already-present columns are skipped quietly.
func runMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "runMigrations")
	defer timer.Stop()

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			logging.StoreDebug("Table missing, skipping migration: %s.%s", m.Table, m.Column)
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			logging.Get(logging.CategoryStore).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		logging.Store("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}
	if applied > 0 {
		logging.Store("Schema migrations complete (%d applied)", applied)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
