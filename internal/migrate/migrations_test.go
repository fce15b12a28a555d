package migrate_test

import (
	"context"
	"testing"

	"fleetinspect/internal/db"
	"fleetinspect/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := migrate.Migrate(conn); err != nil {
			t.Fatalf("migrate pass %d: %v", i, err)
		}
	}
	v, err := migrate.Version(ctx, conn)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if v != 1 {
		t.Fatalf("expected schema version 1, got %d", v)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO cache_entries(key,value,checksum,size_bytes,stored_at,expires_at) VALUES ('k','1','x',1,0,1)`); err != nil {
		t.Fatalf("cache_entries missing: %v", err)
	}
}
