// Command migrate-gen generates SQL migration files for the durable executor's tables.
//
// Usage:
//
//	go run github.com/getpup/pupsourcing-durable/cmd/migrate-gen --output migrations --filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/pupsourcing-durable/cmd/migrate-gen --output migrations
//
// Generate migrations for different database adapters:
//
//	go run github.com/getpup/pupsourcing-durable/cmd/migrate-gen --adapter postgres --output migrations
//	go run github.com/getpup/pupsourcing-durable/cmd/migrate-gen --adapter mysql --output migrations
//	go run github.com/getpup/pupsourcing-durable/cmd/migrate-gen --adapter sqlite --output migrations
//
// Customize table names and write a down migration:
//
//	go run github.com/getpup/pupsourcing-durable/cmd/migrate-gen --prefix tenant_a --down
package main

import (
	"fmt"
	"os"

	"github.com/getpup/pupsourcing-durable/pkg/migrations"
	"github.com/getpup/pupsourcing-durable/store/sqldb"
	"github.com/spf13/cobra"
)

type options struct {
	adapter        string
	outputFolder   string
	outputFilename string
	prefix         string
	down           bool
}

func newCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "migrate-gen",
		Short: "Generate SQL migration files for the executor tables",
		Example: `  migrate-gen --adapter sqlite --output migrations
  migrate-gen --prefix tenant_a --down`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.adapter, "adapter", "postgres", "database adapter: postgres, mysql, or sqlite")
	flags.StringVar(&opts.outputFolder, "output", "migrations", "output folder for migration file")
	flags.StringVar(&opts.outputFilename, "filename", "", "output filename (default: timestamp-based)")
	flags.StringVar(&opts.prefix, "prefix", "durable", "prefix of every table name")
	flags.BoolVar(&opts.down, "down", false, "also write a down migration")

	return cmd
}

func run(opts *options, cmd *cobra.Command) error {
	dialect, err := sqldb.ParseDialect(opts.adapter)
	if err != nil {
		return err
	}

	config := migrations.DefaultConfig()
	config.OutputFolder = opts.outputFolder
	config.TablePrefix = opts.prefix
	config.IncludeDown = opts.down
	if opts.outputFilename != "" {
		config.OutputFilename = opts.outputFilename
	}

	if err := migrations.Generate(dialect, &config); err != nil {
		return fmt.Errorf("failed to generate migration: %w", err)
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Generated %s migration: %s/%s\n", dialect, config.OutputFolder, config.OutputFilename)
	return err
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
