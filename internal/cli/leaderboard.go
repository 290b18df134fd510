package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"example.com/stepcount/internal/leaderboard"
)

func newLeaderboardCommand(opts *rootOptions) *cobra.Command {
	var period string
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the global leaderboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.device()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd, 30*time.Second)
			defer cancel()

			board, err := apiClient(cfg).Leaderboard(ctx, period, cfg.UserID)
			if err != nil {
				return err
			}
			printBoard(cmd, board)
			return nil
		},
	}
	cmd.Flags().StringVarP(&period, "period", "p", leaderboard.PeriodWeekly, "daily, weekly or monthly")
	return cmd
}

func printBoard(cmd *cobra.Command, board leaderboard.Board) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Leaderboard (%s)\n", board.Period)
	for _, e := range board.Entries {
		fmt.Fprintf(out, "  %3d  %-24s %8d steps  %7.2f km\n", e.Rank, e.Name, e.StepCount, e.Distance)
	}
	if board.UserRank != nil {
		fmt.Fprintf(out, "Your rank: %d\n", *board.UserRank)
	} else {
		fmt.Fprintln(out, "Your rank: unranked")
	}
}
