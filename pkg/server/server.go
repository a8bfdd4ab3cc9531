// Package server builds a worker executor from functional options.
//
// It is the entry point for applications embedding the executor: pick a store (a database
// handle or a custom executor.Store), register components and run the returned runner.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	durable "github.com/getpup/pupsourcing-durable"
	"github.com/getpup/pupsourcing-durable/component"
	"github.com/getpup/pupsourcing-durable/durability"
	"github.com/getpup/pupsourcing-durable/executor"
	"github.com/getpup/pupsourcing-durable/hostfn"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store/sqldb"
	"github.com/getpup/pupsourcing-durable/worker"
	"github.com/getpup/pupsourcing/es"
)

// Re-export core types from root package
type (
	// OwnedWorkerID is a worker id qualified by its account.
	OwnedWorkerID = durable.OwnedWorkerID

	// WorkerMetadata is the externally visible state of a worker.
	WorkerMetadata = durable.WorkerMetadata

	// CreateWorkerRequest describes a worker to create.
	CreateWorkerRequest = durable.CreateWorkerRequest

	// HostID identifies an executor in the shard table.
	HostID = shard.HostID
)

const defaultTablePrefix = "durable"

// Option configures a server.
type Option func(*config)

type config struct {
	host              HostID
	db                *sql.DB
	dialect           sqldb.Dialect
	store             executor.Store
	components        component.Service
	keyValue          hostfn.KeyValue
	runner            executor.Runner
	tables            sqldb.TableConfig
	persistenceLevel  durability.PersistenceLevel
	assumeIdempotence bool
	suspendThreshold  time.Duration
	retry             worker.RetryPolicy
	maxActiveWorkers  int
	numberOfShards    int
	heartbeatInterval time.Duration
	staleHostTimeout  time.Duration
	pollInterval      time.Duration
	shutdownTimeout   time.Duration
	metricsAddr       string
	clock             clock.Clock
	logger            es.Logger
	metricsEnabled    *bool
}

// New creates a runner with the given options.
//
// Required options:
//   - WithHost: id of this executor
//   - WithDatabase or WithStore: where oplogs, metadata and the shard table live
//   - WithComponents: the components workers run
//
// Optional configuration (with defaults):
//   - WithNumberOfShards: shards of the first revision (default: 1024)
//   - WithHeartbeatInterval: interval between heartbeats (default: 5s)
//   - WithStaleHostTimeout: duration after which a host is considered dead (default: 30s)
//   - WithPollInterval: how often the shard table is checked (default: 1s)
//   - WithPersistenceLevel: oplog persistence (default: smart)
//   - WithRetryPolicy: recovery after traps (default: 3 attempts)
//   - WithTablePrefix: table prefix of the SQL store (default: durable)
//   - WithLogger: logger for observability (default: nil)
//   - WithMetricsEnabled: enable Prometheus metrics (default: true)
//   - WithExecutor: custom runner, all other options are ignored
//
// Example:
//
//	runner, err := server.New(
//	    server.WithHost("executor-1"),
//	    server.WithDatabase(db, sqldb.Postgres),
//	    server.WithComponents(registry),
//	)
//
// Returns an error if any required option is missing.
func New(opts ...Option) (executor.Runner, error) {
	cfg := &config{
		tables:            sqldb.PrefixedTableConfig(defaultTablePrefix),
		numberOfShards:    1024,
		heartbeatInterval: 5 * time.Second,
		staleHostTimeout:  30 * time.Second,
		pollInterval:      1 * time.Second,
		persistenceLevel:  durability.Smart,
		retry: worker.RetryPolicy{
			MaxAttempts: 3,
			MinDelay:    100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.runner != nil {
		return cfg.runner, nil
	}

	if cfg.host == "" {
		return nil, fmt.Errorf("host is required: use WithHost option")
	}
	if cfg.store == nil && cfg.db == nil {
		return nil, fmt.Errorf("store is required: use WithDatabase or WithStore option")
	}
	if cfg.components == nil {
		return nil, fmt.Errorf("components are required: use WithComponents option")
	}

	if cfg.store == nil {
		if err := cfg.tables.Validate(); err != nil {
			return nil, fmt.Errorf("invalid table configuration: %w", err)
		}
		s := sqldb.NewWithConfig(cfg.db, cfg.dialect, cfg.tables)
		if cfg.clock != nil {
			s = s.WithClock(cfg.clock)
		}
		cfg.store = s
	}

	e, err := executor.New(executor.Config{
		Host:              cfg.host,
		Store:             cfg.store,
		Components:        cfg.components,
		KeyValue:          cfg.keyValue,
		PersistenceLevel:  cfg.persistenceLevel,
		AssumeIdempotence: cfg.assumeIdempotence,
		SuspendThreshold:  cfg.suspendThreshold,
		Retry:             cfg.retry,
		MaxActiveWorkers:  cfg.maxActiveWorkers,
		NumberOfShards:    cfg.numberOfShards,
		HeartbeatInterval: cfg.heartbeatInterval,
		StaleHostTimeout:  cfg.staleHostTimeout,
		PollInterval:      cfg.pollInterval,
		ShutdownTimeout:   cfg.shutdownTimeout,
		MetricsAddr:       cfg.metricsAddr,
		Clock:             cfg.clock,
		Logger:            cfg.logger,
		MetricsEnabled:    cfg.metricsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}
	return e, nil
}

// WithHost sets the id this executor registers under.
func WithHost(host HostID) Option {
	return func(c *config) {
		c.host = host
	}
}

// WithDatabase stores oplogs, metadata and the shard table in a SQL database.
// The schema must exist; see RunMigrations.
func WithDatabase(db *sql.DB, dialect sqldb.Dialect) Option {
	return func(c *config) {
		c.db = db
		c.dialect = dialect
	}
}

// WithStore sets a custom store. It takes precedence over WithDatabase.
func WithStore(s executor.Store) Option {
	return func(c *config) {
		c.store = s
	}
}

// WithComponents sets the components workers run.
func WithComponents(components component.Service) Option {
	return func(c *config) {
		c.components = components
	}
}

// WithKeyValue sets the store behind the key-value host functions.
func WithKeyValue(kv hostfn.KeyValue) Option {
	return func(c *config) {
		c.keyValue = kv
	}
}

// WithTablePrefix sets the table prefix of the SQL store, e.g. "exec" for exec_oplog.
func WithTablePrefix(prefix string) Option {
	return func(c *config) {
		c.tables = sqldb.PrefixedTableConfig(prefix)
	}
}

// WithPersistenceLevel sets what the oplog records.
func WithPersistenceLevel(level durability.PersistenceLevel) Option {
	return func(c *config) {
		c.persistenceLevel = level
	}
}

// WithAssumeIdempotence treats remote writes as safe to repeat after a crash.
func WithAssumeIdempotence(assume bool) Option {
	return func(c *config) {
		c.assumeIdempotence = assume
	}
}

// WithSuspendThreshold sets the longest sleep served in memory.
func WithSuspendThreshold(d time.Duration) Option {
	return func(c *config) {
		c.suspendThreshold = d
	}
}

// WithRetryPolicy sets how workers recover after traps.
func WithRetryPolicy(policy worker.RetryPolicy) Option {
	return func(c *config) {
		c.retry = policy
	}
}

// WithMaxActiveWorkers caps the number of workers held in memory.
func WithMaxActiveWorkers(n int) Option {
	return func(c *config) {
		c.maxActiveWorkers = n
	}
}

// WithNumberOfShards sets the shard count used when this executor creates the first revision.
func WithNumberOfShards(n int) Option {
	return func(c *config) {
		c.numberOfShards = n
	}
}

// WithHeartbeatInterval sets the interval between heartbeats.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *config) {
		c.heartbeatInterval = interval
	}
}

// WithStaleHostTimeout sets the duration after which a host is considered dead.
func WithStaleHostTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.staleHostTimeout = timeout
	}
}

// WithPollInterval sets how often the shard table is checked.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		c.pollInterval = interval
	}
}

// WithShutdownTimeout bounds stopping the loaded workers.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(c *config) {
		c.shutdownTimeout = timeout
	}
}

// WithMetricsAddr serves /metrics and /healthz on the address while the runner is active.
func WithMetricsAddr(addr string) Option {
	return func(c *config) {
		c.metricsAddr = addr
	}
}

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		c.clock = clk
	}
}

// WithLogger sets the logger for observability.
func WithLogger(logger es.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetricsEnabled enables or disables Prometheus metrics collection.
func WithMetricsEnabled(enabled bool) Option {
	return func(c *config) {
		c.metricsEnabled = &enabled
	}
}

// WithExecutor sets a custom runner.
// Use this if you want to provide your own implementation of executor.Runner.
func WithExecutor(runner executor.Runner) Option {
	return func(c *config) {
		c.runner = runner
	}
}

// RunMigrations creates the executor tables with default names.
//
// This should typically be run once during application deployment or startup.
//
// To run migrations with a custom table prefix, use RunMigrationsWithTablePrefix.
func RunMigrations(ctx context.Context, db *sql.DB, dialect sqldb.Dialect) error {
	return RunMigrationsWithTablePrefix(ctx, db, dialect, defaultTablePrefix)
}

// RunMigrationsWithTablePrefix creates the executor tables named after the prefix.
// Use this if you specified a custom prefix via WithTablePrefix.
func RunMigrationsWithTablePrefix(ctx context.Context, db *sql.DB, dialect sqldb.Dialect, prefix string) error {
	tables := sqldb.PrefixedTableConfig(prefix)
	if err := tables.Validate(); err != nil {
		return fmt.Errorf("invalid table configuration: %w", err)
	}
	if err := sqldb.NewWithConfig(db, dialect, tables).Migrate(ctx); err != nil {
		return fmt.Errorf("failed to execute migrations: %w", err)
	}
	return nil
}
