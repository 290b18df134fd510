package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/export"
)

func newExportCommand(opts *rootOptions) *cobra.Command {
	var (
		start  string
		end    string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write daily step records to a Parquet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.device()
			if err != nil {
				return err
			}

			endDate := domain.DateOf(time.Now())
			if end != "" {
				if endDate, err = domain.ParseDate(end); err != nil {
					return err
				}
			}
			startDate := endDate.AddDays(-29)
			if start != "" {
				if startDate, err = domain.ParseDate(start); err != nil {
					return err
				}
			}

			ctx, cancel := commandContext(cmd, time.Minute)
			defer cancel()

			records, err := apiClient(cfg).FetchRange(ctx, cfg.UserID, startDate, endDate)
			if err != nil {
				return fmt.Errorf("fetching records: %w", err)
			}

			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			if err := export.WriteDailyRecords(f, records); err != nil {
				f.Close()
				return fmt.Errorf("writing %s: %w", output, err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d records (%s to %s) to %s\n", len(records), startDate, endDate, output)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day (YYYY-MM-DD), default 30 days before --end")
	cmd.Flags().StringVar(&end, "end", "", "last day (YYYY-MM-DD), default today")
	cmd.Flags().StringVarP(&output, "output", "o", "steps.parquet", "output file")
	return cmd
}
