package cmd

import (
	"context"
	"fmt"

	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/internal/components/chrono"
	"bidaggregator/internal/ingest"
	"bidaggregator/internal/savedsearch"

	"github.com/spf13/cobra"
)

var (
	watchIngest      string
	watchAwards      string
	watchNoSavedRuns bool
)

func init() {
	watchCmd.Flags().StringVar(&watchIngest, "ingest", "@hourly", "Cron spec for ingest runs.")
	watchCmd.Flags().StringVar(&watchAwards, "awards", "", "Cron spec for fetching the latest award diffs, empty to skip.")
	watchCmd.Flags().BoolVar(&watchNoSavedRuns, "no-saved-searches", false, "Do not run saved searches after each ingest.")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay in the foreground and ingest on a schedule until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())
		ctx := cmd.Context()

		queries, err := v.Config.SourceQueries(v.Clock.Location())
		if err != nil {
			return err
		}
		p, err := pipeline(v)
		if err != nil {
			return err
		}
		m := matcher(v)

		sched := chrono.NewScheduler(v.Tel, v.Clock.Location())
		err = sched.Add(ctx, "ingest", watchIngest, func(ctx context.Context) {
			report := p.RunIngest(ctx, ingest.Request{Queries: queries})
			printReport(report)
			if watchNoSavedRuns {
				return
			}
			matches, err := m.Run(ctx, savedsearch.RunRequest{InsertedIDs: report.InsertedIDs})
			if err != nil {
				fmt.Println("saved searches:", err)
				return
			}
			printMatches(matches)
		})
		if err != nil {
			return err
		}
		if watchAwards != "" {
			err = sched.Add(ctx, "awards", watchAwards, func(ctx context.Context) {
				printReport(p.RunAwards(ctx, ingest.AwardRequest{Latest: 1}))
			})
			if err != nil {
				return err
			}
		}

		fmt.Printf("watching, ingest on %q (Ctrl+C to stop)\n", watchIngest)
		sched.Run(ctx)
		return nil
	},
}
