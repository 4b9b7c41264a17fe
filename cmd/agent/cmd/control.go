package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/softcane/skyway-agent/internal/supervisor"
)

var stopTimeout time.Duration

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the run state of the service",
	Long: `Status reads the run descriptor. A service whose process is gone
without having written a stopped descriptor is reported as failed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := descriptorStore()
		if err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), store)
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause reconciliation without stopping the process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStatus(cmd.OutOrStdout(), supervisor.StatusPaused)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStatus(cmd.OutOrStdout(), supervisor.StatusRunning)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running service and wait for it to exit",
	Long: `Stop sends SIGTERM to the supervisor. A tick in progress finishes its
provider calls before the process exits.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := descriptorStore()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), stopTimeout)
		defer cancel()
		if err := store.Stop(ctx); err != nil {
			return err
		}
		return printStatus(cmd.OutOrStdout(), store)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, pauseCmd, resumeCmd, stopCmd)
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 10*time.Minute,
		"How long to wait for the service to exit")
}

func descriptorStore() (*supervisor.DescriptorStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return supervisor.NewDescriptorStore(cfg.Service.RunDescriptorPath), nil
}

func setStatus(w io.Writer, status supervisor.Status) error {
	store, err := descriptorStore()
	if err != nil {
		return err
	}
	if err := store.SetStatus(status); err != nil {
		return err
	}
	return printStatus(w, store)
}

func printStatus(w io.Writer, store *supervisor.DescriptorStore) error {
	d, err := store.Status()
	if errors.Is(err, supervisor.ErrNoDescriptor) {
		fmt.Fprintf(w, "%-10s %s\n", "STATUS", "never started")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%-10s %s\n", "STATUS", d.Status)
	fmt.Fprintf(w, "%-10s %d\n", "PID", d.PID)
	fmt.Fprintf(w, "%-10s %s\n", "UPDATED", d.Update.UTC().Format(time.RFC3339))
	return nil
}
