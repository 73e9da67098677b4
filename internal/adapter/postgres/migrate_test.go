package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/oleksiy-perepelytsya/ids-ai/internal/adapter/postgres"
)

// TestMigrationUpDown applies every migration, rolls them all back, then
// re-applies them, proving each Down section works.
func TestMigrationUpDown(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	const totalMigrations = 1

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("RunMigrations (up): %v", err)
	}
	if v, err := postgres.MigrationVersion(ctx, dsn); err != nil || v != totalMigrations {
		t.Fatalf("after up: version %d, err %v", v, err)
	}

	if err := postgres.RollbackMigrations(ctx, dsn, totalMigrations); err != nil {
		t.Fatalf("RollbackMigrations: %v", err)
	}
	if v, err := postgres.MigrationVersion(ctx, dsn); err != nil || v != 0 {
		t.Fatalf("after rollback: version %d, err %v", v, err)
	}

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("RunMigrations (re-up): %v", err)
	}
	if v, err := postgres.MigrationVersion(ctx, dsn); err != nil || v != totalMigrations {
		t.Fatalf("after re-up: version %d, err %v", v, err)
	}
}
