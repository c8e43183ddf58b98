// Package main is the entry point for the x-monitor CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/niernejun2001/x-monitor-pro/internal/conf"
)

var (
	// Global flags
	verbose bool
	envFile string

	// Set up by the root command before any subcommand runs
	cfg    *conf.Config
	logger *zap.Logger
)

// rootCmd is the base command
var rootCmd = &cobra.Command{
	Use:   "xmonitor",
	Short: "X monitor - watch threads and notifications, reply and DM from one browser",
	Long: `xmonitor drives a single Chromium session logged into X.

It scans registered tweet threads and the notifications page for
candidate replies, filters and deduplicates them, and lets the
operator reply and follow up with a direct message.

Run "xmonitor run" to start monitoring. The other commands edit the
saved state and refuse to change it while a monitor is running.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envErr := godotenv.Load(envFile)
		if envErr != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("failed to load %s: %w", envFile, envErr)
		}

		cfg = conf.LoadFromEnv()
		if err := cfg.Validate(); err != nil {
			return err
		}

		var err error
		logger, err = newLogger(cfg, verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if envErr != nil {
			logger.Debug("no env file loaded, using environment", zap.String("path", envFile))
		}
		if t := cfg.Templates; t != nil && t.LoadError != nil {
			logger.Warn("templates file ignored, using defaults",
				zap.String("path", t.Source), zap.Error(t.LoadError))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// newLogger builds the process logger: JSON in production, console otherwise
func newLogger(c *conf.Config, debug bool) (*zap.Logger, error) {
	var zc zap.Config
	if c.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if debug {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")

	rootCmd.AddCommand(
		runCmd,
		statusCmd,
		taskCmd,
		resultsCmd,
		replyCmd,
		accountCmd,
		notifyCmd,
		headlessCmd,
		llmCmd,
		templatesCmd,
		historyCmd,
		diagnosticsCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
