// Package main is the entry point for the IVI engine daemon and its
// operator commands.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/notmainstreet/ivi-engine/internal/config"
	"github.com/notmainstreet/ivi-engine/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ivid",
	Short: "IVI coordination engine",
	Long: `ivid runs the IVI coordination kernel: proposal intake, per-domain
event spines, the commit cycle and the content publishing pipeline.

Configuration is read from --config, then $IVI_CONFIG, then ./ivi.toml.
Built-in defaults apply when none of these exist.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		c, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if verbose {
			c.LogLevel = "debug"
		}
		l, err := logging.New(c.LogLevel, c.LogDevelopment)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ivid %s (commit=%s, built=%s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the TOML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd, serveCmd, publishCmd, ingestCmd, replayCmd)
}

// loadConfig falls back to defaults only when no file was asked for
// explicitly and the default path does not exist.
func loadConfig(flag string) (*config.Config, error) {
	path := config.ResolvePath(flag)
	explicit := flag != "" || os.Getenv(config.EnvPath) != ""
	if !explicit {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
	}
	c, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return c, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
