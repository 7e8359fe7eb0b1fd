// Command perfmon hosts the responsiveness monitor around a simulated
// primary context and reports the stalls and jank it detects.
package main

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/danpilch/perfmon/pkg/config"
	"github.com/danpilch/perfmon/pkg/monitor"
)

type globalOptions struct {
	configPath string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:           "perfmon",
		Short:         "In-process stall and jank monitor",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", defaultConfigPath(), "path to the JSON configuration file")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newRunCmd(g),
		newBenchCmd(g),
		newConfigCmd(g),
		newStacksCmd(g),
	)
	return root
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "perfmon.json"
	}
	return filepath.Join(dir, "perfmon", "config.json")
}

// loadConfig reads the configuration file. A parse error is reported and the
// defaults are used.
func (g *globalOptions) loadConfig(logger *logrus.Logger) config.Config {
	cfg, err := config.Load(g.configPath)
	switch {
	case errors.Is(err, config.ErrOutOfRange):
		logger.WithError(err).Warn("Out-of-range configuration values reset")
	case err != nil:
		logger.WithError(err).WithField("path", g.configPath).Warn("Using default configuration")
	}
	if g.debug {
		cfg.DebugMode = true
	}
	return cfg
}

func (g *globalOptions) logger() *logrus.Logger {
	return monitor.NewLogger(g.debug)
}
