package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"
)

var memSeq atomic.Int64

// OpenTestDB returns a migrated, private in-memory SQLite database that is
// closed when the test ends.
func OpenTestDB(t testing.TB) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:academy_test_%d?mode=memory&cache=shared&_foreign_keys=on", memSeq.Add(1))
	db, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := Migrate(context.Background(), db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
