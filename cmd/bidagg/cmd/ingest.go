package cmd

import (
	"fmt"
	"os"
	"time"

	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/cmd/bidagg/utils"
	"bidaggregator/internal/ingest"
	"bidaggregator/internal/savedsearch"
	"bidaggregator/internal/sources"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	ingestQuery           queryFlags
	ingestSources         []string
	ingestNoSavedSearch   bool
	fullIngestQuery       queryFlags
	fullIngestResume      bool
	fullIngestSavedSearch bool
)

func init() {
	ingestQuery.register(ingestCmd)
	ingestCmd.Flags().StringSliceVar(&ingestSources, "source", []string{"all"}, "Sources to read: api, scrape or all.")
	ingestCmd.Flags().BoolVar(&ingestNoSavedSearch, "no-saved-searches", false, "Do not run saved searches afterwards.")
	rootCmd.AddCommand(ingestCmd)

	fullIngestQuery.register(fullIngestCmd)
	fullIngestCmd.Flags().BoolVar(&fullIngestResume, "resume", false, "Continue after the last checkpointed day.")
	fullIngestCmd.Flags().BoolVar(&fullIngestSavedSearch, "saved-searches", false, "Run saved searches afterwards.")
	rootCmd.AddCommand(fullIngestCmd)
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch new notices from every source, then run due saved searches.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())

		queries, err := ingestQuery.queries(v)
		if err != nil {
			return err
		}
		kinds, err := parseSources(ingestSources)
		if err != nil {
			return err
		}
		p, err := pipeline(v)
		if err != nil {
			return err
		}

		report := p.RunIngest(cmd.Context(), ingest.Request{Queries: queries, Sources: kinds})
		printReport(report)

		if !ingestNoSavedSearch {
			runSavedSearches(cmd, v, savedsearch.RunRequest{InsertedIDs: report.InsertedIDs})
		}
		return nil
	},
}

var fullIngestCmd = &cobra.Command{
	Use:   "full-ingest",
	Short: "Crawl a date range completely, splitting it under the search API's result cap.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())

		queries, err := fullIngestQuery.queries(v)
		if err != nil {
			return err
		}
		query := sources.Query{}
		if len(queries) > 0 {
			query = queries[0]
		}
		p, err := pipeline(v)
		if err != nil {
			return err
		}

		report := p.RunFullIngest(cmd.Context(), ingest.FullRequest{Query: query, Resume: fullIngestResume})
		printReport(report)

		if fullIngestSavedSearch {
			runSavedSearches(cmd, v, savedsearch.RunRequest{InsertedIDs: report.InsertedIDs})
		}
		return nil
	},
}

func printReport(report ingest.Report) {
	fmt.Printf("run %s (%s) %s\n", report.RunID, report.Kind, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

	t := utils.NewTable()
	t.AppendHeader(table.Row{"Source", "Pages", "Fetched", "Inserted", "Updated", "Unchanged", "Rejected", "Errors"})
	for _, s := range report.Sources {
		row := table.Row{s.Source, s.Pages, s.Fetched, s.Inserted, s.Updated, s.Unchanged, s.Rejected, s.Errors}
		if s.Skipped {
			row[1] = "skipped"
		}
		t.AppendRow(row)
	}
	total := report.Totals()
	t.AppendFooter(table.Row{"total", total.Pages, total.Fetched, total.Inserted, total.Updated, total.Unchanged, total.Rejected, total.Errors})
	t.Render()

	for _, s := range report.Sources {
		if len(s.Ranges) > 0 {
			fmt.Printf("%s: split into %d ranges\n", s.Source, len(s.Ranges))
		}
		for _, overflow := range s.Overflows {
			fmt.Printf("%s: %s\n", s.Source, overflow)
		}
		for _, note := range s.Notes {
			fmt.Printf("%s: %s\n", s.Source, note)
		}
		for _, message := range s.ErrorMessages {
			fmt.Fprintf(os.Stderr, "%s: %s\n", s.Source, message)
		}
	}
}

func runSavedSearches(cmd *cobra.Command, v *globals.Value, req savedsearch.RunRequest) {
	report, err := matcher(v).Run(cmd.Context(), req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "saved searches:", err)
		return
	}
	printMatches(report)
}

func printMatches(report savedsearch.Report) {
	if len(report.Results) == 0 {
		fmt.Println("no saved searches were due")
		return
	}
	t := utils.NewTable()
	t.AppendHeader(table.Row{"Saved search", "Hits", "Notified", "Status"})
	for _, r := range report.Results {
		status := r.NotifyStatus
		if r.Err != nil {
			status = "error: " + r.Err.Error()
		}
		if status == "" {
			status = "-"
		}
		t.AppendRow(table.Row{r.Search, len(r.Items), fmt.Sprint(r.Notified), status})
	}
	t.Render()
}
