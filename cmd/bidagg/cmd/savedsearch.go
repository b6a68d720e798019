package cmd

import (
	"errors"
	"fmt"
	"time"

	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/cmd/bidagg/utils"
	"bidaggregator/internal/bid"
	"bidaggregator/internal/savedsearch"
	"bidaggregator/internal/store"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	addFlags    predicateFlags
	addSchedule string
	addOnlyNew  bool
	addDisabled bool

	runForce  bool
	runWindow time.Duration
)

func init() {
	addFlags.register(savedSearchAddCmd, 0, false)
	savedSearchAddCmd.Flags().StringVar(&addSchedule, "schedule", string(bid.ScheduleDaily), "Schedule: daily, hourly or none.")
	savedSearchAddCmd.Flags().BoolVar(&addOnlyNew, "only-new", true, "Only notify notices first seen since the last run.")
	savedSearchAddCmd.Flags().BoolVar(&addDisabled, "disabled", false, "Create the saved search disabled.")

	savedSearchRunCmd.Flags().BoolVar(&runForce, "force", false, "Run searches that are not due or disabled.")
	savedSearchRunCmd.Flags().DurationVar(&runWindow, "window", 0, "Only-new window, since the last run when zero.")

	savedSearchCmd.AddCommand(savedSearchAddCmd, savedSearchListCmd, savedSearchRunCmd, savedSearchDeleteCmd, savedSearchHistoryCmd)
	rootCmd.AddCommand(savedSearchCmd)
}

var savedSearchCmd = &cobra.Command{
	Use:     "saved-search",
	Aliases: []string{"ss"},
	Short:   "Manage saved searches.",
}

var savedSearchAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Save a search.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := globals.Get(cmd.Context())
		p, err := addFlags.predicate(v)
		if err != nil {
			return err
		}
		schedule := bid.Schedule(addSchedule)
		if addSchedule == "none" {
			schedule = bid.ScheduleNone
		}

		id, err := v.Store.CreateSavedSearch(cmd.Context(), bid.SavedSearch{
			Name:      args[0],
			Predicate: p,
			Schedule:  schedule,
			OnlyNew:   addOnlyNew,
			Enabled:   !addDisabled,
		})
		if err != nil {
			return err
		}
		fmt.Printf("saved search %q created (id %d)\n", args[0], id)
		return nil
	},
}

var savedSearchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved searches.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())
		searches, err := v.Store.ListSavedSearches(cmd.Context(), false)
		if err != nil {
			return err
		}

		t := utils.NewTable()
		t.AppendHeader(table.Row{"Name", "Schedule", "Only new", "Enabled", "Last run", "Predicate"})
		for _, s := range searches {
			predicate, err := json.Marshal(s.Predicate)
			if err != nil {
				return err
			}
			schedule := string(s.Schedule)
			if schedule == "" {
				schedule = "none"
			}
			t.AppendRow(table.Row{s.Name, schedule, s.OnlyNew, s.Enabled, utils.Timestamp(s.LastRunAt), string(predicate)})
		}
		t.Render()
		return nil
	},
}

var savedSearchRunCmd = &cobra.Command{
	Use:   "run [name...]",
	Short: "Run due saved searches, or the named ones, and notify their matches.",
	RunE: func(cmd *cobra.Command, args []string) error {
		v := globals.Get(cmd.Context())
		runSavedSearches(cmd, v, savedsearch.RunRequest{
			Names:     args,
			Force:     runForce,
			RunWindow: runWindow,
		})
		return nil
	},
}

var savedSearchDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a saved search and its run history.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := globals.Get(cmd.Context())
		deleted, err := v.Store.DeleteSavedSearch(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !deleted {
			return fmt.Errorf("no saved search named %q", args[0])
		}
		fmt.Printf("saved search %q deleted\n", args[0])
		return nil
	},
}

var savedSearchHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "Show the runs of a saved search.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := globals.Get(cmd.Context())
		search, err := v.Store.GetSavedSearch(cmd.Context(), args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no saved search named %q", args[0])
		}
		if err != nil {
			return err
		}
		runs, err := v.Store.ListSavedSearchRuns(cmd.Context(), search.ID)
		if err != nil {
			return err
		}

		t := utils.NewTable()
		t.AppendHeader(table.Row{"Run", "At", "Status", "Hits", "Channels", "Notify", "Error"})
		for _, run := range runs {
			message := run.Error
			if message == "" {
				message = run.NotifyError
			}
			t.AppendRow(table.Row{
				run.ID,
				utils.Timestamp(run.RunAt),
				run.Status,
				run.HitCount,
				fmt.Sprint(run.NotifiedChannels),
				run.NotifyStatus,
				utils.Trunc(message, 60),
			})
		}
		t.Render()
		return nil
	},
}
