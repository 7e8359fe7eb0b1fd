package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	var (
		flags thresholdFlags
		save  bool
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := g.logger()
			cfg := g.loadConfig(logger)
			if err := flags.apply(cmd.Flags(), &cfg); err != nil {
				return err
			}

			if save {
				if err := cfg.Save(g.configPath); err != nil {
					return err
				}
				logger.WithField("path", g.configPath).Info("Configuration saved")
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(cfg)
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().BoolVar(&save, "save", false, "write the effective configuration to --config")
	return cmd
}
