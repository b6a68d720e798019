package cmd

import (
	"errors"
	"fmt"
	"os"

	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/internal/bid"

	"github.com/spf13/cobra"
)

func init() {
	notifyCmd.AddCommand(notifyTestCmd)
	rootCmd.AddCommand(notifyCmd)
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Notification channels.",
}

var notifyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send the newest stored notices to every configured recipient.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())
		recipients := v.Config.Notify.Recipients()
		if len(recipients) == 0 {
			return errors.New("no recipients configured, set SLACK_WEBHOOK_URL or NOTIFY_EMAIL with SMTP_*")
		}

		items, err := v.Store.QueryBids(cmd.Context(), bid.Predicate{Order: bid.OrderNewest, Limit: 3})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			now := v.Clock.Now()
			items = []bid.Bid{{
				Source:        bid.SourceAPI,
				Title:         "bidagg test notification",
				Organization:  bid.UnknownOrganization,
				PublishedDate: bid.Day(now),
			}}
		}

		dispatcher := notifier(v)
		for _, r := range recipients {
			err := dispatcher.Send(cmd.Context(), r.Channel, r.Address, "[bidagg] test", items)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			fmt.Printf("sent %d items via %s\n", len(items), r.Channel)
		}
		return nil
	},
}
