package sqldb

import (
	"fmt"
	"regexp"
	"strings"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// TableConfig configures the table names used by the store.
type TableConfig struct {
	// OplogTable stores one row per oplog entry.
	OplogTable string

	// MetadataTable caches worker metadata.
	MetadataTable string

	// RevisionsTable stores shard table revisions.
	RevisionsTable string

	// HostsTable stores executor host membership.
	HostsTable string

	// AssignmentsTable stores shard owners per revision.
	AssignmentsTable string
}

// DefaultTableConfig returns the default table configuration.
func DefaultTableConfig() TableConfig {
	return PrefixedTableConfig("durable")
}

// PrefixedTableConfig returns table names sharing a prefix.
func PrefixedTableConfig(prefix string) TableConfig {
	return TableConfig{
		OplogTable:       prefix + "_oplog",
		MetadataTable:    prefix + "_worker_metadata",
		RevisionsTable:   prefix + "_shard_revisions",
		HostsTable:       prefix + "_hosts",
		AssignmentsTable: prefix + "_shard_assignments",
	}
}

// Validate ensures every table name is a safe SQL identifier.
func (c TableConfig) Validate() error {
	names := map[string]string{
		"OplogTable":       c.OplogTable,
		"MetadataTable":    c.MetadataTable,
		"RevisionsTable":   c.RevisionsTable,
		"HostsTable":       c.HostsTable,
		"AssignmentsTable": c.AssignmentsTable,
	}
	for _, field := range []string{"OplogTable", "MetadataTable", "RevisionsTable", "HostsTable", "AssignmentsTable"} {
		name := names[field]
		if name == "" {
			return fmt.Errorf("%s cannot be empty", field)
		}
		if !identifierRegex.MatchString(name) {
			return fmt.Errorf("%s must start with a letter and contain only letters, numbers, and underscores (got: %s)", field, name)
		}
	}
	return nil
}

// MigrationUp returns the SQL creating the store's tables for the dialect.
// Timestamps are stored as Unix nanoseconds so the schema is identical across dialects.
func MigrationUp(d Dialect, c TableConfig) string {
	key := d.keyType()
	var b strings.Builder

	fmt.Fprintf(&b, `-- Oplog entries, one row per index. The primary key forbids overwriting an index.
CREATE TABLE IF NOT EXISTS %s (
    account_id %s NOT NULL,
    component_id %s NOT NULL,
    worker_name %s NOT NULL,
    oplog_index BIGINT NOT NULL,
    entry %s NOT NULL,
    PRIMARY KEY (account_id, component_id, worker_name, oplog_index)
);

`, c.OplogTable, key, key, key, d.blobType())

	fmt.Fprintf(&b, `-- Enumeration walks the Create entries of a component.
CREATE INDEX %sidx_%s_component ON %s (component_id, oplog_index, worker_name);

`, ifNotExists(d), c.OplogTable, c.OplogTable)

	fmt.Fprintf(&b, `-- Worker metadata cache derived from the oplog.
CREATE TABLE IF NOT EXISTS %s (
    account_id %s NOT NULL,
    component_id %s NOT NULL,
    worker_name %s NOT NULL,
    status_index BIGINT NOT NULL,
    metadata %s NOT NULL,
    PRIMARY KEY (account_id, component_id, worker_name)
);

`, c.MetadataTable, key, key, key, d.blobType())

	fmt.Fprintf(&b, `-- Shard table revisions. The highest seq is active.
CREATE TABLE IF NOT EXISTS %s (
    id %s NOT NULL PRIMARY KEY,
    seq BIGINT NOT NULL,
    number_of_shards INTEGER NOT NULL,
    created_at BIGINT NOT NULL
);

`, c.RevisionsTable, key)

	fmt.Fprintf(&b, `-- Executor host membership.
CREATE TABLE IF NOT EXISTS %s (
    id %s NOT NULL PRIMARY KEY,
    revision_id %s NOT NULL,
    state %s NOT NULL,
    last_heartbeat BIGINT NOT NULL,
    started_at BIGINT NOT NULL
);

`, c.HostsTable, key, key, key)

	fmt.Fprintf(&b, `-- Shard owners per revision.
CREATE TABLE IF NOT EXISTS %s (
    revision_id %s NOT NULL,
    shard_id BIGINT NOT NULL,
    host_id %s NOT NULL,
    PRIMARY KEY (revision_id, shard_id)
);
`, c.AssignmentsTable, key, key)

	return b.String()
}

// MigrationDown returns the SQL dropping the store's tables.
func MigrationDown(c TableConfig) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %s;
DROP TABLE IF EXISTS %s;
DROP TABLE IF EXISTS %s;
DROP TABLE IF EXISTS %s;
DROP TABLE IF EXISTS %s;
`, c.AssignmentsTable, c.HostsTable, c.RevisionsTable, c.MetadataTable, c.OplogTable)
}

// MySQL has no CREATE INDEX IF NOT EXISTS.
func ifNotExists(d Dialect) string {
	if d == MySQL {
		return ""
	}
	return "IF NOT EXISTS "
}

// statements splits a migration into individual statements for drivers that reject multi-statement execs.
func statements(migration string) []string {
	var out []string
	for _, stmt := range strings.Split(migration, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			out = append(out, strings.Join(lines, "\n"))
		}
	}
	return out
}
