package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/getpup/pupsourcing-durable/component"
	"github.com/getpup/pupsourcing-durable/config"
	"github.com/getpup/pupsourcing-durable/durability"
	"github.com/getpup/pupsourcing-durable/executor"
	"github.com/getpup/pupsourcing-durable/logging"
	"github.com/getpup/pupsourcing-durable/pkg/server"
	"github.com/getpup/pupsourcing-durable/shard"
	"github.com/getpup/pupsourcing-durable/store/memory"
	"github.com/getpup/pupsourcing-durable/store/sqldb"
	"github.com/getpup/pupsourcing-durable/worker"
	"github.com/getpup/pupsourcing/es"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions

	// Components overrides the built-in demo registry (for embedding and testing).
	Components component.Service

	// NewRunner allows overriding how the runner is built (for testing).
	// If nil, defaults to server.New.
	NewRunner func(opts ...server.Option) (executor.Runner, error)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the executor until interrupted",
		Long: `Join the shard table, serve the workers of the shards this host owns and
heartbeat until SIGINT or SIGTERM.

Example:
  worker-executor serve --config executor.toml
  worker-executor serve --host-id executor-1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}

	zl, err := logging.NewZap(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = zl.Sync() }()
	logger := logging.NewZapLogger(zl.With(zap.String("host", cfg.HostID)))

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error(ctx, "error closing store", "error", err)
		}
	}()

	components := opts.Components
	if components == nil {
		components = demoRegistry()
	}

	newRunner := opts.NewRunner
	if newRunner == nil {
		newRunner = server.New
	}
	runner, err := newRunner(runnerOptions(cfg, st, components, logger)...)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info(ctx, "received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info(ctx, "executor starting", "storage", cfg.Storage.Driver, "shards", cfg.Shards.Count)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("executor stopped: %w", err)
	}
	return nil
}

// openStore opens the configured store. The returned func releases it.
func openStore(ctx context.Context, cfg config.StorageConfig) (executor.Store, func() error, error) {
	if cfg.Driver == "memory" {
		return memory.New(), func() error { return nil }, nil
	}

	dialect, err := sqldb.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, nil, err
	}
	st, err := sqldb.Open(ctx, dialect, cfg.DSN, sqldb.PrefixedTableConfig(cfg.TablePrefix))
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func runnerOptions(cfg config.Config, st executor.Store, components component.Service, logger es.Logger) []server.Option {
	opts := []server.Option{
		server.WithHost(shard.HostID(cfg.HostID)),
		server.WithStore(st),
		server.WithComponents(components),
		server.WithLogger(logger),
		server.WithNumberOfShards(cfg.Shards.Count),
		server.WithHeartbeatInterval(cfg.Shards.HeartbeatInterval.Duration),
		server.WithStaleHostTimeout(cfg.Shards.StaleTimeout.Duration),
		server.WithPollInterval(cfg.Shards.PollInterval.Duration),
		server.WithPersistenceLevel(durability.PersistenceLevel(cfg.Worker.PersistenceLevel)),
		server.WithAssumeIdempotence(cfg.Worker.AssumeIdempotence),
		server.WithMaxActiveWorkers(cfg.Worker.MaxActiveWorkers),
		server.WithSuspendThreshold(cfg.Worker.SuspendThreshold.Duration),
		server.WithRetryPolicy(worker.RetryPolicy{
			MaxAttempts: cfg.Worker.Retry.MaxAttempts,
			MinDelay:    cfg.Worker.Retry.MinDelay.Duration,
			MaxDelay:    cfg.Worker.Retry.MaxDelay.Duration,
			Multiplier:  cfg.Worker.Retry.Multiplier,
		}),
		server.WithMetricsEnabled(cfg.Metrics.Enabled),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, server.WithMetricsAddr(cfg.Metrics.Addr))
	}
	return opts
}
