package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsBothDrivers(t *testing.T) {
	for _, driver := range []string{"mysql", "sqlite3"} {
		ms, err := LoadMigrations(driver)
		require.NoError(t, err, driver)
		require.NotEmpty(t, ms, driver)
		assert.Equal(t, 1, ms[0].Version)
		assert.Equal(t, "init", ms[0].Name)
	}
	_, err := LoadMigrations("oracle")
	assert.Error(t, err)
}

func TestSplitStatements(t *testing.T) {
	src := "-- header\nCREATE TABLE a (x INT);\n\nCREATE TABLE b (\n  y INT\n);\n"
	stmts := splitStatements(src)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
	assert.Contains(t, stmts[1], "CREATE TABLE b")
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := OpenTestDB(t)
	require.NoError(t, Migrate(context.Background(), db, "sqlite3"))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n))
	assert.Equal(t, 1, n)

	for _, table := range []string{"users", "classes", "cart_items", "payments", "enrollments", "enrollment_classes"} {
		_, err := db.Exec(`SELECT COUNT(*) FROM ` + table)
		assert.NoError(t, err, table)
	}
}
