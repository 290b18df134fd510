// Package cli defines the Cobra commands of stepctl, the device-side step tracker.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"example.com/stepcount/internal/client"
	"example.com/stepcount/internal/config"
	"example.com/stepcount/internal/localstore"
)

var version = "dev" // set via ldflags at build time

type rootOptions struct {
	configPath string
}

// NewRootCommand builds stepctl with every subcommand attached.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "stepctl",
		Short: "Count steps on this device and sync them to the step API",
		Long: `stepctl turns motion readings into a daily step count, saves it to the
step API and keeps an offline queue for whatever could not be delivered.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "stepcount.yaml", "device configuration file")

	root.AddCommand(newTrackCommand(opts))
	root.AddCommand(newFlushCommand(opts))
	root.AddCommand(newExportCommand(opts))
	root.AddCommand(newLeaderboardCommand(opts))
	root.AddCommand(newTokenCommand())
	return root
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *rootOptions) device() (*config.Device, error) {
	return config.LoadDevice(o.configPath)
}

func apiClient(cfg *config.Device) *client.Client {
	return client.New(cfg.API.URL, cfg.API.Token, client.WithTimeout(cfg.API.Timeout))
}

func openQueue(cfg *config.Device) (*localstore.Queue, error) {
	q, err := localstore.Open(cfg.QueuePath)
	if err != nil {
		return nil, fmt.Errorf("opening offline queue: %w", err)
	}
	return q, nil
}

func commandContext(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}
