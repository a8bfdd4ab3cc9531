// Package sqldb implements the oplog, metadata and shard stores on database/sql
// for PostgreSQL, MySQL and SQLite.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/store"
)

// Store is a SQL implementation of store.OplogStore, store.MetadataStore and store.ShardStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	tables  TableConfig
	clock   clock.Clock
}

var (
	_ store.OplogStore    = (*Store)(nil)
	_ store.MetadataStore = (*Store)(nil)
	_ store.ShardStore    = (*Store)(nil)
)

// New creates a store with default table names.
func New(db *sql.DB, dialect Dialect) *Store {
	return NewWithConfig(db, dialect, DefaultTableConfig())
}

// NewWithConfig creates a store with custom table names.
func NewWithConfig(db *sql.DB, dialect Dialect, tables TableConfig) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		tables:  tables,
		clock:   clock.New(),
	}
}

// WithClock replaces the clock used for heartbeat and revision timestamps.
func (s *Store) WithClock(c clock.Clock) *Store {
	s.clock = c
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Open opens a database for the dialect and applies the schema.
// SQLite connections are limited to a single writer and configured for WAL.
func Open(ctx context.Context, dialect Dialect, dsn string, tables TableConfig) (*Store, error) {
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("invalid table configuration: %w", err)
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply pragmas: %w", err)
		}
	}

	s := NewWithConfig(db, dialect, tables)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// Migrate creates the store's tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range statements(MigrationUp(s.dialect, s.tables)) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			if s.dialect == MySQL && strings.Contains(err.Error(), "Duplicate key name") {
				continue
			}
			return fmt.Errorf("failed to apply migration: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(q string, args ...any) string {
	return s.dialect.rebind(fmt.Sprintf(q, args...))
}

func workerKey(w durable.OwnedWorkerID) []any {
	return []any{string(w.AccountID), w.WorkerID.ComponentID.String(), w.WorkerID.WorkerName}
}

// Append stores records at consecutive indexes starting at first.
func (s *Store) Append(ctx context.Context, worker durable.OwnedWorkerID, first durable.OplogIndex, records [][]byte) (err error) {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var last sql.NullInt64
	q := s.query(`SELECT MAX(oplog_index) FROM %s WHERE account_id = ? AND component_id = ? AND worker_name = ?`, s.tables.OplogTable)
	if err := tx.QueryRowContext(ctx, q, workerKey(worker)...).Scan(&last); err != nil {
		return fmt.Errorf("failed to read oplog tail: %w", err)
	}
	if expected := durable.OplogIndex(last.Int64).Next(); first != expected {
		return fmt.Errorf("append at %d, expected %d: %w", first, expected, store.ErrIndexConflict)
	}

	insert := s.query(`INSERT INTO %s (account_id, component_id, worker_name, oplog_index, entry) VALUES (?, ?, ?, ?, ?)`, s.tables.OplogTable)
	for i, data := range records {
		args := append(workerKey(worker), int64(first)+int64(i), data)
		if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
			if s.dialect.isUniqueViolation(err) {
				return fmt.Errorf("append at %d: %w", int64(first)+int64(i), store.ErrIndexConflict)
			}
			return fmt.Errorf("failed to append oplog entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("append at %d: %w", first, store.ErrIndexConflict)
		}
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// ReadRange returns the records with from <= index <= to.
func (s *Store) ReadRange(ctx context.Context, worker durable.OwnedWorkerID, from, to durable.OplogIndex) (records []store.Record, err error) {
	q := s.query(`SELECT oplog_index, entry FROM %s
		WHERE account_id = ? AND component_id = ? AND worker_name = ? AND oplog_index >= ? AND oplog_index <= ?
		ORDER BY oplog_index`, s.tables.OplogTable)

	rows, err := s.db.QueryContext(ctx, q, append(workerKey(worker), int64(from), int64(to))...)
	if err != nil {
		return nil, fmt.Errorf("failed to read oplog: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var idx int64
		var data []byte
		if err := rows.Scan(&idx, &data); err != nil {
			return nil, fmt.Errorf("failed to scan oplog entry: %w", err)
		}
		records = append(records, store.Record{Index: durable.OplogIndex(idx), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating oplog: %w", err)
	}

	return records, nil
}

// LastIndex returns the index of the last stored record.
func (s *Store) LastIndex(ctx context.Context, worker durable.OwnedWorkerID) (durable.OplogIndex, error) {
	var last sql.NullInt64
	q := s.query(`SELECT MAX(oplog_index) FROM %s WHERE account_id = ? AND component_id = ? AND worker_name = ?`, s.tables.OplogTable)
	if err := s.db.QueryRowContext(ctx, q, workerKey(worker)...).Scan(&last); err != nil {
		return durable.NoneIndex, fmt.Errorf("failed to read oplog tail: %w", err)
	}
	return durable.OplogIndex(last.Int64), nil
}

// Scan returns workers of a component ordered by worker name, using their Create entries.
func (s *Store) Scan(ctx context.Context, component durable.ComponentID, cursor uint64, count int) (next uint64, workers []durable.OwnedWorkerID, err error) {
	if count <= 0 {
		count = 100
	}
	q := s.query(`SELECT account_id, worker_name FROM %s
		WHERE component_id = ? AND oplog_index = ?
		ORDER BY worker_name, account_id
		LIMIT ? OFFSET ?`, s.tables.OplogTable)

	rows, err := s.db.QueryContext(ctx, q, component.String(), int64(durable.InitialIndex), count+1, int64(cursor))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to scan workers: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	for rows.Next() {
		var account, name string
		if err := rows.Scan(&account, &name); err != nil {
			return 0, nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		workers = append(workers, durable.OwnedWorkerID{
			AccountID: durable.AccountID(account),
			WorkerID:  durable.WorkerID{ComponentID: component, WorkerName: name},
		})
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("error iterating workers: %w", err)
	}

	if len(workers) > count {
		return cursor + uint64(count), workers[:count], nil
	}
	return 0, workers, nil
}

// GetMetadata returns the cached metadata of a worker.
func (s *Store) GetMetadata(ctx context.Context, worker durable.OwnedWorkerID) (durable.WorkerMetadata, error) {
	q := s.query(`SELECT metadata FROM %s WHERE account_id = ? AND component_id = ? AND worker_name = ?`, s.tables.MetadataTable)

	var data []byte
	err := s.db.QueryRowContext(ctx, q, workerKey(worker)...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return durable.WorkerMetadata{}, durable.ErrWorkerNotFound
	}
	if err != nil {
		return durable.WorkerMetadata{}, fmt.Errorf("failed to get metadata: %w", err)
	}

	var md durable.WorkerMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return durable.WorkerMetadata{}, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return md, nil
}

// PutMetadata stores the metadata of a worker.
func (s *Store) PutMetadata(ctx context.Context, md durable.WorkerMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	q := s.dialect.rebind(s.dialect.upsert(s.tables.MetadataTable,
		[]string{"account_id", "component_id", "worker_name"},
		[]string{"status_index", "metadata"}))

	args := append(workerKey(md.WorkerID), int64(md.LastKnownStatus.OplogIndex), data)
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to put metadata: %w", err)
	}
	return nil
}

// UpdateStatus replaces the cached status if it covers a later oplog index.
func (s *Store) UpdateStatus(ctx context.Context, worker durable.OwnedWorkerID, status durable.WorkerStatusRecord) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin status update: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q := s.query(`SELECT metadata FROM %s WHERE account_id = ? AND component_id = ? AND worker_name = ?`, s.tables.MetadataTable)
	var data []byte
	err = tx.QueryRowContext(ctx, q, workerKey(worker)...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return durable.ErrWorkerNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get metadata: %w", err)
	}

	var md durable.WorkerMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}
	if status.OplogIndex < md.LastKnownStatus.OplogIndex {
		return tx.Commit()
	}
	md.LastKnownStatus = status

	if data, err = json.Marshal(md); err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	update := s.query(`UPDATE %s SET status_index = ?, metadata = ? WHERE account_id = ? AND component_id = ? AND worker_name = ?`, s.tables.MetadataTable)
	args := append([]any{int64(status.OplogIndex), data}, workerKey(worker)...)
	if _, err := tx.ExecContext(ctx, update, args...); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update: %w", err)
	}
	return nil
}
