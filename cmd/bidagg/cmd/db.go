package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/cmd/bidagg/utils"
	"bidaggregator/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func init() {
	dbCmd.AddCommand(dbInitCmd, dbStatsCmd)
	rootCmd.AddCommand(dbCmd)
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance.",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database schema.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())
		// schema creation is idempotent, setup already ran it
		if err := v.Store.Init(cmd.Context()); err != nil {
			return err
		}
		location := v.Config.Database.File
		if location == "" {
			location = v.Config.Database.Url
		}
		fmt.Printf("database ready at %s\n", location)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())
		stats, err := v.Store.Stats(cmd.Context())
		if err != nil {
			return err
		}

		t := utils.NewTable()
		t.AppendHeader(table.Row{"Table", "Rows"})
		t.AppendRow(table.Row{"bids", stats.Bids})
		sources := make([]string, 0, len(stats.BidsBySource))
		for source := range stats.BidsBySource {
			sources = append(sources, source)
		}
		sort.Strings(sources)
		for _, source := range sources {
			t.AppendRow(table.Row{"  " + source, stats.BidsBySource[source]})
		}
		t.AppendRow(table.Row{"awards", stats.Awards})
		t.AppendRow(table.Row{"raw fetches", stats.RawFetches})
		t.AppendRow(table.Row{"saved searches", stats.SavedSearches})
		t.AppendRow(table.Row{"saved search runs", stats.SavedSearchRuns})
		t.AppendRow(table.Row{"ingest runs", stats.IngestRuns})
		t.AppendFooter(table.Row{"last seen", utils.Timestamp(stats.LastSeenAt)})
		t.Render()

		usage, err := v.Config.Database.DiskUsage(cmd.Context())
		switch {
		case errors.Is(err, store.ErrNotLocal):
		case err != nil:
			fmt.Fprintln(os.Stderr, "disk usage:", err)
		default:
			fmt.Printf("%s: %s free of %s (%.1f%% used)\n",
				usage.Path, humanize.IBytes(usage.Free), humanize.IBytes(usage.Total), usage.UsedPercent)
		}
		return nil
	},
}
