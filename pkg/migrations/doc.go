// Package migrations writes SQL migration files for the durable executor's tables.
// It generates the oplog, worker metadata and shard coordination schema for PostgreSQL,
// MySQL/MariaDB and SQLite, for teams that apply migrations with their own tooling
// instead of letting the store create its tables on startup.
package migrations
