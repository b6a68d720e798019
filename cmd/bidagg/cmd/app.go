package cmd

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/internal/bid"
	"bidaggregator/internal/ingest"
	"bidaggregator/internal/normalize"
	"bidaggregator/internal/notify"
	"bidaggregator/internal/savedsearch"
	"bidaggregator/internal/sources"
	"bidaggregator/internal/sources/award"
	"bidaggregator/internal/sources/kkj"
	"bidaggregator/internal/sources/pportal"

	"github.com/spf13/cobra"
)

func connectors(v *globals.Value) ([]sources.Connector, error) {
	cfg := v.Config.Sources
	var out []sources.Connector

	if !cfg.Kkj.Disabled {
		client, err := kkj.New(kkj.Options{BaseURL: cfg.Kkj.BaseURL, Limiter: v.Limiter}, v.Tel)
		if err != nil {
			return nil, err
		}
		out = append(out, client)
	}
	if !cfg.Pportal.Disabled {
		client, err := pportal.New(pportal.Options{
			BaseURL:          cfg.Pportal.BaseURL,
			Limiter:          v.Limiter,
			ProcurementTypes: cfg.Pportal.ProcurementTypes,
		}, v.Tel)
		if err != nil {
			return nil, err
		}
		out = append(out, client)
	}
	out = append(out, award.New(award.Options{
		ListURL:     cfg.Award.ListURL,
		DownloadURL: cfg.Award.DownloadURL,
		Limiter:     v.Limiter,
	}, v.Tel))
	return out, nil
}

func pipeline(v *globals.Value) (*ingest.Pipeline, error) {
	conns, err := connectors(v)
	if err != nil {
		return nil, fmt.Errorf("create connectors: %w", err)
	}
	return ingest.New(v.Config.Ingest.Pipeline(), ingest.Deps{
		Connectors: conns,
		Store:      v.Store,
		Normalizer: normalize.New(v.Clock.Location()),
		Clock:      v.Clock,
		Telemetry:  v.Tel,
	}), nil
}

func notifier(v *globals.Value) notify.Dispatcher {
	return notify.NewDispatcher(map[string]notify.Sender{
		notify.ChannelSlack: notify.NewSlack(&http.Client{Timeout: 30 * time.Second}),
		notify.ChannelEmail: notify.NewEmail(v.Config.Notify.Smtp),
	})
}

func matcher(v *globals.Value) *savedsearch.Matcher {
	return savedsearch.New(savedsearch.Config{
		Recipients: v.Config.Notify.Recipients(),
		MaxItems:   v.Config.Notify.MaxItems,
	}, savedsearch.Deps{
		Store:     v.Store,
		Notifier:  notifier(v),
		Clock:     v.Clock,
		Telemetry: v.Tel,
	})
}

// queryFlags are the upstream search flags shared by the ingest commands.
type queryFlags struct {
	name          string
	keyword       string
	organization  string
	lgCode        string
	category      string
	procedureType string
	from          string
	to            string
}

func (f *queryFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.name, "name", "", "Query name, keys the resume checkpoint.")
	flags.StringVarP(&f.keyword, "keyword", "k", "", "Keyword to search for.")
	flags.StringVar(&f.organization, "org", "", "Organization name.")
	flags.StringVar(&f.lgCode, "lg-code", "", "Local government code.")
	flags.StringVar(&f.category, "category", "", "Item category.")
	flags.StringVar(&f.procedureType, "procedure-type", "", "Procedure type.")
	flags.StringVar(&f.from, "from", "", "First publication date, YYYY-MM-DD.")
	flags.StringVar(&f.to, "to", "", "Last publication date, YYYY-MM-DD.")
}

func (f queryFlags) set() bool {
	return f.keyword != "" || f.organization != "" || f.lgCode != "" ||
		f.category != "" || f.procedureType != "" || f.from != "" || f.to != ""
}

// queries returns the flag query when any flag is set, the configured
// queries otherwise.
func (f queryFlags) queries(v *globals.Value) ([]sources.Query, error) {
	loc := v.Clock.Location()
	if !f.set() {
		return v.Config.SourceQueries(loc)
	}

	q := sources.Query{
		Name:          f.name,
		Keyword:       f.keyword,
		Organization:  f.organization,
		LGCode:        f.lgCode,
		Category:      f.category,
		ProcedureType: f.procedureType,
	}
	if f.from != "" || f.to != "" {
		r, err := dateRange(f.from, f.to, v)
		if err != nil {
			return nil, err
		}
		q.Range = r
	}
	return []sources.Query{q}, nil
}

// dateRange fills a missing end with today and a missing start with the
// end.
func dateRange(from, to string, v *globals.Value) (bid.DateRange, error) {
	loc := v.Clock.Location()
	end := bid.Day(v.Clock.Now())
	if to != "" {
		t, err := bid.ParseDate(to, loc)
		if err != nil {
			return bid.DateRange{}, err
		}
		end = t
	}
	start := end
	if from != "" {
		t, err := bid.ParseDate(from, loc)
		if err != nil {
			return bid.DateRange{}, err
		}
		start = t
	}
	r := bid.NewDateRange(start, end)
	if !r.Valid() {
		return bid.DateRange{}, fmt.Errorf("--to %s is before --from %s", to, from)
	}
	return r, nil
}

// predicateFlags are the store query flags shared by search, export and
// saved searches.
type predicateFlags struct {
	keyword      string
	from         string
	to           string
	organization string
	source       string
	order        string
	limit        int
	offset       int
}

func (f *predicateFlags) register(cmd *cobra.Command, limit int, paging bool) {
	flags := cmd.Flags()
	flags.StringVarP(&f.keyword, "keyword", "k", "", "Keyword in the title or description.")
	flags.StringVar(&f.from, "from", "", "Published on or after, YYYY-MM-DD.")
	flags.StringVar(&f.to, "to", "", "Published on or before, YYYY-MM-DD.")
	flags.StringVar(&f.organization, "org", "", "Organization name contains.")
	flags.StringVar(&f.source, "source", "all", "Source: api, scrape or all.")
	flags.StringVar(&f.order, "order", string(bid.OrderNewest), "Order: newest or deadline.")
	if paging {
		flags.IntVar(&f.limit, "limit", limit, "Maximum number of results, 0 for all.")
		flags.IntVar(&f.offset, "offset", 0, "Results to skip.")
	}
}

func (f predicateFlags) predicate(v *globals.Value) (bid.Predicate, error) {
	loc := v.Clock.Location()
	p := bid.Predicate{
		Keyword:      strings.TrimSpace(f.keyword),
		Organization: strings.TrimSpace(f.organization),
		Order:        bid.Order(f.order),
		Limit:        f.limit,
		Offset:       f.offset,
	}
	if f.source != "all" {
		p.Source = bid.SourceKind(f.source)
	}
	if f.from != "" {
		t, err := bid.ParseDate(f.from, loc)
		if err != nil {
			return p, err
		}
		p.From = &t
	}
	if f.to != "" {
		t, err := bid.ParseDate(f.to, loc)
		if err != nil {
			return p, err
		}
		p.To = &t
	}
	return p, p.Validate()
}

func parseSources(values []string) ([]bid.SourceKind, error) {
	var out []bid.SourceKind
	for _, value := range values {
		if value == "all" {
			return nil, nil
		}
		kind := bid.SourceKind(value)
		if !kind.Valid() || kind == bid.SourceAward {
			return nil, fmt.Errorf("unknown source %q, expected api, scrape or all", value)
		}
		out = append(out, kind)
	}
	return out, nil
}
