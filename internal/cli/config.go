package cli

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command, which prints the effective configuration.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "config",
		Short:         "Print the effective configuration as TOML",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
}
