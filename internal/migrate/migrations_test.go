package migrate

import (
	"testing"

	"bugline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	v1, err := Version(conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v1 < 1 {
		t.Fatalf("version = %d after migrate, want >= 1", v1)
	}

	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v2, err := Version(conn)
	if err != nil {
		t.Fatalf("version after rerun: %v", err)
	}
	if v2 != v1 {
		t.Fatalf("version changed on rerun: %d -> %d", v1, v2)
	}

	// The schema is usable after migration.
	if _, err := conn.Exec(
		`INSERT INTO users(id,name,role,created_at) VALUES('u1','U','admin','2025-01-01T00:00:00Z')`,
	); err != nil {
		t.Fatalf("insert into migrated schema: %v", err)
	}
}
