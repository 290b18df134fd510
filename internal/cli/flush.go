package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/stepcount/internal/reconcile"
)

func newFlushCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send queued records and sessions to the step API once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.device()
			if err != nil {
				return err
			}
			queue, err := openQueue(cfg)
			if err != nil {
				return err
			}
			defer queue.Close()

			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()

			reconciler := reconcile.New(apiClient(cfg), queue)
			report, err := reconciler.Flush(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Flushed %d entries, %d failed\n", report.Succeeded(), report.Failed())
			for _, res := range report.Results {
				if res.Err != nil {
					fmt.Fprintf(out, "  %-8s %s: %v\n", res.Entry.Kind, res.Entry.Key(), res.Err)
				}
			}
			waited, err := reconciler.PendingSince(ctx, time.Now())
			if err != nil {
				return err
			}
			if waited > 0 {
				fmt.Fprintf(out, "Oldest queued entry has waited %s\n", waited.Round(time.Second))
			}
			return nil
		},
	}
}
