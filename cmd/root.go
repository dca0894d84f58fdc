package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recipe-extract/internal/config"
)

// cfg is set by the root pre-run before any subcommand body runs.
var cfg *config.Config

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "recipe-extract",
	Short: "Route recipe URLs to the cheapest extraction that works",
	Long: `recipe-extract pulls structured recipes out of web pages.

Each domain keeps a running record of which strategy and model pair
succeeds there; new requests follow that record and fall back to an
HTML pass when the first attempt fails or comes back thin. Anonymous
sessions and free users are held to daily quotas, and every attempt
is priced against effective-dated per-token rates.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadRuntime(cmd.Name(), logLevel)
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
}

// loadRuntime reads configuration, installs the global logger and checks
// the settings the named command depends on.
func loadRuntime(command, level string) (*config.Config, error) {
	c, err := config.Load()
	if err != nil {
		return nil, eris.Wrap(err, "cmd: load config")
	}
	if level != "" {
		c.Log.Level = level
	}
	if err := config.InitLogger(c.Log); err != nil {
		return nil, eris.Wrap(err, "cmd: init logger")
	}
	if err := c.Validate(command); err != nil {
		return nil, eris.Wrapf(err, "cmd: %s", command)
	}
	zap.L().Debug("cmd: runtime ready",
		zap.String("command", command),
		zap.String("store", c.Store.Driver),
	)
	return c, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
