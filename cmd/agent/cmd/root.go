// Package cmd provides the CLI commands for the skyway agent.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/softcane/skyway-agent/internal/config"
)

var (
	// Global flags
	dryRun  bool
	verbose bool
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Skyway Agent - elastic cloud nodes for batch clusters",
	Long: `Skyway Agent watches a batch scheduler cluster and provisions cloud nodes
for pending work, releasing them again when they fall idle.

Every node is paid for by an account budget. Scale-up never commits more
than the account's rate cap.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", true,
		"Shadow mode: log create and destroy calls without executing them (set --dry-run=false for active mode)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable verbose logging output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Path to configuration file (default: config/default.yaml)")
}

// setupLogging configures structured JSON logging using slog.
func setupLogging() error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	handler := slog.NewJSONHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	return nil
}

// IsDryRun returns whether dry-run mode is enabled.
func IsDryRun() bool {
	return dryRun
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = "config/default.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
