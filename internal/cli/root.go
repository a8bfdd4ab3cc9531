// Package cli implements the worker-executor command line.
package cli

import (
	"fmt"

	"github.com/getpup/pupsourcing-durable/config"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	HostID     string
}

// NewRootCommand creates the root command of the worker executor.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "worker-executor",
		Short: "Durable worker executor",
		Long: `Runs durable workers whose every side effect is recorded in an oplog,
so a worker can be replayed to its exact state after a crash or a shard move.`,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&opts.HostID, "host-id", "", "host id, overrides host_id from the config file")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		var err error
		if cfg, err = config.Read(opts.ConfigPath); err != nil {
			return config.Config{}, err
		}
	}
	if opts.HostID != "" {
		cfg.HostID = opts.HostID
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
