package cmd

import (
	"fmt"

	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/cmd/bidagg/utils"
	"bidaggregator/internal/ingest"
	"bidaggregator/internal/sources/award"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	awardListLimit  int
	awardListRemote bool
	awardLatest     int
)

func init() {
	awardListCmd.Flags().IntVar(&awardListLimit, "limit", 50, "Maximum number of awards to show.")
	awardListCmd.Flags().BoolVar(&awardListRemote, "remote", false, "List the downloadable archives instead.")
	awardFetchCmd.Flags().IntVar(&awardLatest, "latest", 1, "Number of newest daily diffs to fetch when no file is named.")

	awardCmd.AddCommand(awardListCmd, awardFetchCmd)
	rootCmd.AddCommand(awardCmd)
}

var awardCmd = &cobra.Command{
	Use:   "award",
	Short: "Successful bid (award) open data.",
}

var awardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored awards, or the downloadable archives with --remote.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())

		if awardListRemote {
			cfg := v.Config.Sources.Award
			client := award.New(award.Options{ListURL: cfg.ListURL, DownloadURL: cfg.DownloadURL, Limiter: v.Limiter}, v.Tel)
			files, err := client.ListAvailableFiles(cmd.Context())
			if err != nil {
				return err
			}
			t := utils.NewTable()
			t.AppendHeader(table.Row{"Kind", "File"})
			for _, name := range files.Yearly {
				t.AppendRow(table.Row{"yearly", name})
			}
			for _, name := range award.LatestDiffs(files, -1) {
				t.AppendRow(table.Row{"diff", name})
			}
			t.Render()
			return nil
		}

		awards, err := v.Store.ListAwards(cmd.Context(), awardListLimit)
		if err != nil {
			return err
		}
		t := utils.NewTable()
		t.AppendHeader(table.Row{"Case", "Awarded", "Amount", "Winner", "Title"})
		for _, a := range awards {
			t.AppendRow(table.Row{
				a.CaseNumber,
				utils.Date(a.AwardDate),
				fmt.Sprintf("¥%d", a.AwardAmount),
				utils.Trunc(a.WinnerName, 24),
				utils.Trunc(a.Title, 50),
			})
		}
		t.Render()
		return nil
	},
}

var awardFetchCmd = &cobra.Command{
	Use:   "fetch [file...]",
	Short: "Download award archives and store their records.",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := globals.Get(cmd.Context())
		p, err := pipeline(v)
		if err != nil {
			return err
		}
		report := p.RunAwards(cmd.Context(), ingest.AwardRequest{Files: args, Latest: awardLatest})
		printReport(report)
		return nil
	},
}
