package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/cmd/bidagg/utils"
	"bidaggregator/internal/bid"

	"github.com/goccy/go-json"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	searchFlags  predicateFlags
	exportFlags  predicateFlags
	exportFormat string
	exportOut    string
)

func init() {
	searchFlags.register(searchCmd, 50, true)
	rootCmd.AddCommand(searchCmd)

	exportFlags.register(exportCmd, 0, true)
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "csv", "Output format: csv or json.")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file, stdout when empty.")
	rootCmd.AddCommand(exportCmd)
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search stored notices.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())
		p, err := searchFlags.predicate(v)
		if err != nil {
			return err
		}

		bids, err := v.Store.QueryBids(cmd.Context(), p)
		if err != nil {
			return err
		}
		total, err := v.Store.CountBids(cmd.Context(), p)
		if err != nil {
			return err
		}

		t := utils.NewTable()
		t.AppendHeader(table.Row{"ID", "Source", "Published", "Deadline", "Organization", "Title"})
		for _, b := range bids {
			t.AppendRow(table.Row{
				b.ID,
				b.Source,
				utils.Date(b.PublishedDate),
				utils.DatePtr(b.Deadline),
				utils.Trunc(b.Organization, 24),
				utils.Trunc(b.Title, 60),
			})
		}
		t.Render()
		fmt.Printf("%d of %d results\n", len(bids), total)
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored notices as csv or json.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := globals.Get(cmd.Context())
		p, err := exportFlags.predicate(v)
		if err != nil {
			return err
		}
		if exportFormat != "csv" && exportFormat != "json" {
			return fmt.Errorf("unknown format %q, expected csv or json", exportFormat)
		}

		bids, err := v.Store.QueryBids(cmd.Context(), p)
		if err != nil {
			return err
		}

		var out io.Writer = os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}

		if exportFormat == "json" {
			err = writeJSON(out, bids)
		} else {
			err = writeCSV(out, bids)
		}
		if err != nil {
			return err
		}
		if exportOut != "" {
			fmt.Fprintf(os.Stderr, "exported %d notices to %s\n", len(bids), exportOut)
		}
		return nil
	},
}

var csvHeader = []string{
	"id", "source", "case_number", "title", "organization", "org_code",
	"procurement_type", "item_category", "published_date", "deadline",
	"detail_url", "document_urls", "region", "description",
	"first_seen_at", "last_seen_at",
}

func optionalDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(bid.DateLayout)
}

func writeCSV(w io.Writer, bids []bid.Bid) error {
	out := csv.NewWriter(w)
	if err := out.Write(csvHeader); err != nil {
		return err
	}
	for _, b := range bids {
		published := ""
		if !b.PublishedDate.IsZero() {
			published = b.PublishedDate.Format(bid.DateLayout)
		}
		err := out.Write([]string{
			strconv.FormatInt(b.ID, 10),
			string(b.Source),
			b.CaseNumber,
			b.Title,
			b.Organization,
			b.OrgCode,
			b.ProcurementType,
			b.ItemCategory,
			published,
			optionalDate(b.Deadline),
			b.DetailURL,
			strings.Join(b.DocumentURLs, " "),
			b.Region,
			b.Description,
			b.FirstSeenAt.Format(time.RFC3339),
			b.LastSeenAt.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

type exportedBid struct {
	ID              int64          `json:"id"`
	Source          bid.SourceKind `json:"source"`
	CaseNumber      string         `json:"case_number,omitempty"`
	Title           string         `json:"title"`
	Organization    string         `json:"organization"`
	OrgCode         string         `json:"org_code,omitempty"`
	ProcurementType string         `json:"procurement_type,omitempty"`
	ItemCategory    string         `json:"item_category,omitempty"`
	PublishedDate   string         `json:"published_date,omitempty"`
	Deadline        string         `json:"deadline,omitempty"`
	DetailURL       string         `json:"detail_url,omitempty"`
	DocumentURLs    []string       `json:"document_urls"`
	Region          string         `json:"region,omitempty"`
	Description     string         `json:"description,omitempty"`
	RawFingerprint  string         `json:"raw_fingerprint"`
	FirstSeenAt     time.Time      `json:"first_seen_at"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
}

func writeJSON(w io.Writer, bids []bid.Bid) error {
	out := make([]exportedBid, len(bids))
	for i, b := range bids {
		e := exportedBid{
			ID:              b.ID,
			Source:          b.Source,
			CaseNumber:      b.CaseNumber,
			Title:           b.Title,
			Organization:    b.Organization,
			OrgCode:         b.OrgCode,
			ProcurementType: b.ProcurementType,
			ItemCategory:    b.ItemCategory,
			Deadline:        optionalDate(b.Deadline),
			DetailURL:       b.DetailURL,
			DocumentURLs:    b.DocumentURLs,
			Region:          b.Region,
			Description:     b.Description,
			RawFingerprint:  b.RawFingerprint,
			FirstSeenAt:     b.FirstSeenAt,
			LastSeenAt:      b.LastSeenAt,
		}
		if !b.PublishedDate.IsZero() {
			e.PublishedDate = b.PublishedDate.Format(bid.DateLayout)
		}
		if e.DocumentURLs == nil {
			e.DocumentURLs = []string{}
		}
		out[i] = e
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
