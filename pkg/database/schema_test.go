package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// TestSchema validates that a fresh database carries every table and index,
// and that reopening an existing file leaves the schema untouched.
//
// IMPORTANT: update the expected tables and indexes when the schema changes.
func TestSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.db")

	for pass := 1; pass <= 2; pass++ {
		db, err := Open(path)
		if err != nil {
			t.Fatalf("pass %d: failed to open database: %v", pass, err)
		}
		db.Close()
	}

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open raw connection: %v", err)
	}
	defer raw.Close()

	tables := []string{"Identity", "Command", "Room", "RoomBan", "FollowedRoom", "History", "schema_migrations"}
	for _, table := range tables {
		var count int
		err := raw.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to check table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s not found", table)
		}
	}

	indexes := []string{"idx_room_owner", "idx_followed_room", "idx_history_room_time"}
	for _, index := range indexes {
		var count int
		err := raw.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to check index %s: %v", index, err)
		}
		if count != 1 {
			t.Errorf("Index %s not found", index)
		}
	}

	var versions int
	if err := raw.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", SchemaVersion).Scan(&versions); err != nil {
		t.Fatalf("Failed to read schema_migrations: %v", err)
	}
	if versions != 1 {
		t.Errorf("expected exactly one schema_migrations row for version %d, got %d", SchemaVersion, versions)
	}
}
