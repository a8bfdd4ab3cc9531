//go:build integration

package integration_test

import (
	"database/sql"
	"os"
	"testing"

	"github.com/getpup/pupsourcing-durable/store/sqldb"
	_ "github.com/lib/pq"
)

var tables = sqldb.PrefixedTableConfig("it_durable")

// getTestDB returns a database connection for integration tests.
// It reads the DATABASE_URL environment variable and skips the test if not set.
func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

// setupTables creates the executor tables.
func setupTables(t *testing.T, db *sql.DB) {
	t.Helper()

	if _, err := db.Exec(sqldb.MigrationUp(sqldb.Postgres, tables)); err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}
}

// cleanupTables truncates the executor tables. Errors are logged but don't fail the test.
func cleanupTables(t *testing.T, db *sql.DB) {
	t.Helper()

	for _, table := range []string{tables.AssignmentsTable, tables.HostsTable, tables.RevisionsTable, tables.MetadataTable, tables.OplogTable} {
		if _, err := db.Exec("TRUNCATE " + table + " CASCADE"); err != nil {
			t.Logf("warning: failed to truncate %s: %v", table, err)
		}
	}
}

// teardownTables drops the executor tables. Errors are logged but don't fail the test.
func teardownTables(t *testing.T, db *sql.DB) {
	t.Helper()

	if _, err := db.Exec(sqldb.MigrationDown(tables)); err != nil {
		t.Logf("warning: failed to drop tables: %v", err)
	}
}
