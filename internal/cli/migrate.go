package cli

import (
	"database/sql"
	"fmt"

	"github.com/getpup/pupsourcing-durable/pkg/server"
	"github.com/getpup/pupsourcing-durable/store/sqldb"
	"github.com/spf13/cobra"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	Print bool
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the executor tables in the configured database",
		Long: `Create the oplog, worker metadata and shard table tables of the configured
SQL storage driver. Existing tables are left untouched.

Example:
  worker-executor migrate --config executor.toml
  worker-executor migrate --config executor.toml --print > schema.sql`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Print, "print", false, "print the schema instead of applying it")

	return cmd
}

func runMigrate(opts *MigrateOptions, cmd *cobra.Command) error {
	// The host id is irrelevant for migrations.
	rootOpts := *opts.RootOptions
	if rootOpts.HostID == "" {
		rootOpts.HostID = "migrate"
	}
	cfg, err := loadConfig(&rootOpts)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == "memory" {
		return fmt.Errorf("migrate requires a SQL storage driver, got %q", cfg.Storage.Driver)
	}

	dialect, err := sqldb.ParseDialect(cfg.Storage.Driver)
	if err != nil {
		return err
	}
	tables := sqldb.PrefixedTableConfig(cfg.Storage.TablePrefix)

	if opts.Print {
		_, err := fmt.Fprint(cmd.OutOrStdout(), sqldb.MigrationUp(dialect, tables))
		return err
	}

	db, err := sql.Open(dialect.DriverName(), cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := server.RunMigrationsWithTablePrefix(cmd.Context(), db, dialect, cfg.Storage.TablePrefix); err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied to %s (prefix %s)\n", dialect, cfg.Storage.TablePrefix)
	return err
}
