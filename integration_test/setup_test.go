//go:build integration

package integration_test

import (
	"testing"
)

// TestSetupHelpers validates that the integration test helper functions work correctly.
// This test requires a PostgreSQL database to be available via DATABASE_URL.
func TestSetupHelpers(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	setupTables(t, db)
	defer teardownTables(t, db)

	if _, err := db.Exec("INSERT INTO " + tables.HostsTable + " (id, revision_id, state, last_heartbeat, started_at) VALUES ('h', 'r', 'pending', 0, 0)"); err != nil {
		t.Fatalf("failed to insert host: %v", err)
	}

	cleanupTables(t, db)

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + tables.HostsTable).Scan(&count); err != nil {
		t.Fatalf("failed to query hosts table after cleanup: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 rows in hosts table after cleanup, got %d", count)
	}
}
