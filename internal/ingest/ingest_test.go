package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/chrono"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/normalize"
	"bidaggregator/internal/rangesplit"
	"bidaggregator/internal/sources"
	"bidaggregator/internal/sources/award"
	"bidaggregator/internal/sources/pportal"
	"bidaggregator/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var jst = mustLocation("Asia/Tokyo")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

func day(value string) time.Time {
	t, err := time.ParseInLocation(bid.DateLayout, value, jst)
	if err != nil {
		panic(err)
	}
	return t
}

// apiConnector serves perDay records for every day of its range and caps
// responses like the public search API.
type apiConnector struct {
	days   bid.DateRange
	perDay map[string]int
	cap    int

	mutex sync.Mutex
	// failures maps a range start to the number of fetches to fail.
	failures map[string]int
	fetched  []bid.DateRange
	probes   atomic.Int32
}

func newAPIConnector(days bid.DateRange, perDay int, cap int) *apiConnector {
	c := &apiConnector{days: days, perDay: map[string]int{}, cap: cap, failures: map[string]int{}}
	for d := days.From; !d.After(days.To); d = rangesplit.AddDays(d, 1) {
		c.perDay[d.Format(bid.DateLayout)] = perDay
	}
	return c
}

func (c *apiConnector) Kind() bid.SourceKind { return bid.SourceAPI }
func (c *apiConnector) Cap() int             { return c.cap }

func (c *apiConnector) within(q sources.Query) []string {
	r := c.days
	if q.Range.Valid() {
		r = q.Range
	}
	var out []string
	for d := r.From; !d.After(r.To); d = rangesplit.AddDays(d, 1) {
		out = append(out, d.Format(bid.DateLayout))
	}
	return out
}

func (c *apiConnector) Count(_ context.Context, q sources.Query) (int, error) {
	c.probes.Add(1)
	total := 0
	for _, d := range c.within(q) {
		total += c.perDay[d]
	}
	return total, nil
}

func (c *apiConnector) FetchPage(ctx context.Context, q sources.Query, _ string) (sources.Page, error) {
	c.mutex.Lock()
	c.fetched = append(c.fetched, q.Range)
	if q.Range.Valid() {
		key := q.Range.From.Format(bid.DateLayout)
		if c.failures[key] > 0 {
			c.failures[key]--
			c.mutex.Unlock()
			return sources.Page{}, fmt.Errorf("fetch: %w", bid.ErrTransientNetwork)
		}
	}
	c.mutex.Unlock()

	page := sources.Page{TotalCount: 0, Raw: []byte(`{}`), ContentType: "application/json", Status: 200}
	for _, d := range c.within(q) {
		for i := 0; i < c.perDay[d]; i++ {
			page.TotalCount++
			if len(page.Records) == c.cap {
				continue
			}
			page.Records = append(page.Records, sources.RawRecord{Fields: map[string]string{
				"Key":              fmt.Sprintf("%s-%03d", d, i),
				"ProjectName":      fmt.Sprintf("案件 %s %d", d, i),
				"OrganizationName": "国土交通省",
				"CftIssueDate":     d,
			}})
		}
	}
	if page.TotalCount > c.cap {
		return page, &bid.ResultCapExceededError{Total: page.TotalCount, Cap: c.cap}
	}
	return page, nil
}

// scrapeConnector serves fixed pages keyed by page token.
type scrapeConnector struct {
	pages   map[string]sources.Page
	errs    map[string]error
	details map[string]sources.RawRecord
	detailN atomic.Int32
}

func (c *scrapeConnector) Kind() bid.SourceKind { return bid.SourceScrape }

func (c *scrapeConnector) FetchPage(_ context.Context, _ sources.Query, token string) (sources.Page, error) {
	if err, ok := c.errs[token]; ok {
		return sources.Page{}, err
	}
	return c.pages[token], nil
}

func (c *scrapeConnector) FetchDetail(_ context.Context, detailURL string) (sources.RawRecord, error) {
	c.detailN.Add(1)
	detail, ok := c.details[detailURL]
	if !ok {
		return sources.RawRecord{}, errors.New("no such detail")
	}
	return detail, nil
}

func listing(caseNumber, title, detailURL string) sources.RawRecord {
	return sources.RawRecord{Fields: map[string]string{
		pportal.FieldCaseNumber:   caseNumber,
		pportal.FieldTitle:        title,
		pportal.FieldOrganization: "防衛省",
		pportal.FieldPublishStart: "2024/05/01",
		pportal.FieldPublishEnd:   "2024/05/20",
		pportal.FieldDetailURL:    detailURL,
	}}
}

type fixture struct {
	store *store.Store
	clock *chrono.Manual
	tel   *telemetry.Recorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	database, err := store.Config{File: ":memory:"}.Open()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := chrono.NewManual(time.Date(2024, 5, 31, 6, 0, 0, 0, jst))
	tel := telemetry.NewRecorder()
	s := store.New(database, clock, tel)
	require.NoError(t, s.Init(context.Background()))
	return fixture{store: s, clock: clock, tel: tel}
}

func (f fixture) pipeline(config Config, connectors ...sources.Connector) *Pipeline {
	return New(config, Deps{
		Connectors: connectors,
		Store:      f.store,
		Normalizer: normalize.New(jst),
		Clock:      f.clock,
		Telemetry:  f.tel,
	})
}

func TestRunIngestIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conn := newAPIConnector(bid.NewDateRange(day("2024-05-01"), day("2024-05-03")), 5, 1000)
	p := f.pipeline(Config{}, conn)
	query := sources.Query{Keyword: "清掃"}

	first := p.RunIngest(ctx, Request{Queries: []sources.Query{query}})
	require.NoError(t, first.Err())
	require.NotEmpty(t, first.RunID)
	api, ok := first.Source(bid.SourceAPI)
	require.True(t, ok)
	require.Equal(t, 15, api.Fetched)
	require.Equal(t, 15, api.Inserted)
	require.Len(t, first.InsertedIDs, 15)

	before, err := f.store.QueryBids(ctx, bid.Predicate{})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	second := p.RunIngest(ctx, Request{Queries: []sources.Query{query}})
	api, _ = second.Source(bid.SourceAPI)
	require.Equal(t, 0, api.Inserted)
	require.Equal(t, 0, api.Updated)
	require.Equal(t, 15, api.Unchanged)
	require.Empty(t, second.InsertedIDs)
	require.NotEqual(t, first.RunID, second.RunID)

	after, err := f.store.QueryBids(ctx, bid.Predicate{})
	require.NoError(t, err)
	require.Len(t, after, len(before))
	firstSeen := map[int64]time.Time{}
	for _, b := range before {
		firstSeen[b.ID] = b.FirstSeenAt
	}
	for _, b := range after {
		require.True(t, firstSeen[b.ID].Equal(b.FirstSeenAt), "first_seen of %d moved", b.ID)
		require.True(t, b.LastSeenAt.After(b.FirstSeenAt))
	}

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.IngestRuns)
}

func TestRunIngestStructuralDrift(t *testing.T) {
	f := newFixture(t)
	scrape := &scrapeConnector{
		pages: map[string]sources.Page{
			"": {
				Records: []sources.RawRecord{
					listing("0000000001", "電子計算機の賃貸借", ""),
					listing("0000000002", "庁舎清掃業務", ""),
					{Fields: map[string]string{pportal.FieldCaseNumber: "0000000003"}},
				},
				NextPageToken: "2",
				TotalCount:    -1,
			},
		},
		errs: map[string]error{
			"2": &bid.StructuralDriftError{PageID: "2", Reason: "result table missing"},
		},
	}
	api := newAPIConnector(bid.NewDateRange(day("2024-05-01"), day("2024-05-01")), 3, 1000)
	p := f.pipeline(Config{}, scrape, api)

	report := p.RunIngest(context.Background(), Request{Queries: []sources.Query{{Keyword: "清掃"}}})

	got, ok := report.Source(bid.SourceScrape)
	require.True(t, ok)
	require.Equal(t, 1, got.Errors)
	require.Equal(t, 1, got.Pages)
	require.Equal(t, 2, got.Inserted)
	require.Equal(t, 1, got.Rejected)
	require.True(t, bid.IsStructuralDrift(got.Err()))
	require.Len(t, got.ErrorMessages, 1)

	other, _ := report.Source(bid.SourceAPI)
	require.Equal(t, 0, other.Errors)
	require.Equal(t, 3, other.Inserted)

	require.Error(t, report.Err())
	require.Equal(t, 5, report.Totals().Inserted)
	require.NotEmpty(t, f.tel.Find(telemetry.LevelWarning, report_pipeline_fetch_page))
}

func TestRunIngestSkipsDriftedMiddlePage(t *testing.T) {
	f := newFixture(t)
	scrape := &scrapeConnector{
		pages: map[string]sources.Page{
			"":  {Records: []sources.RawRecord{listing("0000000001", "電子計算機の賃貸借", "")}, NextPageToken: "2"},
			"3": {Records: []sources.RawRecord{listing("0000000003", "庁舎清掃業務", "")}},
		},
		errs: map[string]error{
			"2": &bid.StructuralDriftError{PageID: "2", Reason: "rows are missing mandatory columns", NextPageToken: "3"},
		},
	}
	p := f.pipeline(Config{}, scrape)

	report := p.RunIngest(context.Background(), Request{Queries: []sources.Query{{Keyword: "清掃"}}})

	got, _ := report.Source(bid.SourceScrape)
	require.Equal(t, 1, got.Errors)
	require.Equal(t, 2, got.Pages)
	require.Equal(t, 2, got.Inserted)
	require.True(t, bid.IsStructuralDrift(got.Err()))
}

func TestRunIngestSources(t *testing.T) {
	f := newFixture(t)
	scrape := &scrapeConnector{pages: map[string]sources.Page{
		"": {Records: []sources.RawRecord{listing("0000000001", "庁舎清掃業務", "")}},
	}}
	api := newAPIConnector(bid.NewDateRange(day("2024-05-01"), day("2024-05-01")), 3, 1000)
	p := f.pipeline(Config{}, scrape, api)

	report := p.RunIngest(context.Background(), Request{Sources: []bid.SourceKind{bid.SourceScrape}})
	require.Len(t, report.Sources, 1)
	require.Equal(t, bid.SourceScrape, report.Sources[0].Source)
	require.Empty(t, api.fetched)
}

// keywordConnector refuses queries without a keyword like the search API.
type keywordConnector struct {
	*apiConnector
}

func (c keywordConnector) ValidateQuery(q sources.Query) error {
	if q.Keyword == "" {
		return errors.New("keyword is required")
	}
	return nil
}

func (c keywordConnector) FetchPage(ctx context.Context, q sources.Query, token string) (sources.Page, error) {
	if err := c.ValidateQuery(q); err != nil {
		return sources.Page{}, err
	}
	return c.apiConnector.FetchPage(ctx, q, token)
}

func TestRunIngestWithoutQueries(t *testing.T) {
	f := newFixture(t)
	scrape := &scrapeConnector{pages: map[string]sources.Page{
		"": {Records: []sources.RawRecord{listing("0000000001", "庁舎清掃業務", "")}},
	}}
	api := keywordConnector{newAPIConnector(bid.NewDateRange(day("2024-05-01"), day("2024-05-01")), 3, 1000)}
	p := f.pipeline(Config{}, scrape, api)

	report := p.RunIngest(context.Background(), Request{})
	require.NoError(t, report.Err())

	skipped, ok := report.Source(bid.SourceAPI)
	require.True(t, ok)
	require.True(t, skipped.Skipped)
	require.Equal(t, 0, skipped.Errors)
	require.Len(t, skipped.Notes, 1)
	require.Contains(t, skipped.Notes[0], "keyword is required")
	require.Empty(t, api.fetched)

	scraped, _ := report.Source(bid.SourceScrape)
	require.False(t, scraped.Skipped)
	require.Equal(t, 1, scraped.Inserted)

	// a configured query the source refuses is still an error
	report = p.RunIngest(context.Background(), Request{Queries: []sources.Query{{Organization: "国土交通省"}}})
	refused, _ := report.Source(bid.SourceAPI)
	require.False(t, refused.Skipped)
	require.Equal(t, 1, refused.Errors)
}

func TestRunIngestSplitsCappedQuery(t *testing.T) {
	f := newFixture(t)
	days := bid.NewDateRange(day("2024-05-01"), day("2024-05-30"))
	conn := newAPIConnector(days, 80, 1000)
	p := f.pipeline(Config{StoreRaw: true}, conn)

	report := p.RunIngest(context.Background(), Request{Queries: []sources.Query{{Keyword: "清掃", Range: days}}})
	require.NoError(t, report.Err())

	api, _ := report.Source(bid.SourceAPI)
	require.Equal(t, 2400, api.Inserted)
	require.Len(t, api.Ranges, 4)
	require.Empty(t, api.Overflows)
	total := 0
	for _, r := range api.Ranges {
		require.LessOrEqual(t, r.Count, 1000)
		total += r.Count
	}
	require.Equal(t, 2400, total)
	require.Equal(t, "2024-05-01/2024-05-08", api.Ranges[0].Range.String())
	require.Equal(t, "2024-05-24/2024-05-30", api.Ranges[3].Range.String())

	count, err := f.store.CountBids(context.Background(), bid.Predicate{Source: bid.SourceAPI})
	require.NoError(t, err)
	require.Equal(t, 2400, count)

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	// one page per leaf, the capped probe page is not applied
	require.Equal(t, 4, stats.RawFetches)
}

func TestRunIngestKeepsOverflowDay(t *testing.T) {
	f := newFixture(t)
	days := bid.NewDateRange(day("2024-05-01"), day("2024-05-02"))
	conn := newAPIConnector(days, 10, 1000)
	conn.perDay["2024-05-02"] = 1500
	p := f.pipeline(Config{}, conn)

	report := p.RunIngest(context.Background(), Request{Queries: []sources.Query{{Keyword: "清掃", Range: days}}})
	api, _ := report.Source(bid.SourceAPI)
	require.Equal(t, 0, api.Errors)
	require.Equal(t, 1010, api.Inserted)
	require.Len(t, api.Overflows, 1)
	require.Equal(t, 1500, api.Overflows[0].Count)
	require.Equal(t, "2024-05-02", api.Overflows[0].Day.From.Format(bid.DateLayout))
}

func TestRunFullIngestResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	days := bid.NewDateRange(day("2024-05-01"), day("2024-05-30"))
	conn := newAPIConnector(days, 80, 1000)
	conn.failures["2024-05-16"] = 1
	p := f.pipeline(Config{}, conn)
	req := FullRequest{Query: sources.Query{Name: "cleaning", Keyword: "清掃", Range: days}}

	first := p.RunFullIngest(ctx, req)
	api, _ := first.Source(bid.SourceAPI)
	require.Equal(t, 1, api.Errors)
	require.Equal(t, 1200, api.Inserted)
	require.ErrorIs(t, api.Err(), bid.ErrTransientNetwork)

	checkpoint, ok, err := f.store.GetCheckpoint(ctx, bid.SourceAPI, "cleaning")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2024-05-01", checkpoint.RangeFrom.Format(bid.DateLayout))
	require.Equal(t, "2024-05-15", checkpoint.RangeEnd.Format(bid.DateLayout))

	conn.fetched = nil
	req.Resume = true
	second := p.RunFullIngest(ctx, req)
	api, _ = second.Source(bid.SourceAPI)
	require.NoError(t, api.Err())
	require.Equal(t, 1200, api.Inserted)
	require.Equal(t, 0, api.Unchanged)
	for _, r := range conn.fetched {
		require.False(t, r.From.Before(day("2024-05-16")), "refetched %s", r)
	}

	third := p.RunFullIngest(ctx, req)
	api, _ = third.Source(bid.SourceAPI)
	require.True(t, api.Skipped)
	require.Equal(t, 0, api.Fetched)

	count, err := f.store.CountBids(ctx, bid.Predicate{})
	require.NoError(t, err)
	require.Equal(t, 2400, count)
}

func TestRunFullIngestDefaultRange(t *testing.T) {
	f := newFixture(t)
	conn := newAPIConnector(bid.NewDateRange(day("2024-05-01"), day("2024-05-31")), 1, 1000)
	p := f.pipeline(Config{DefaultLookbackDays: 7}, conn)

	report := p.RunFullIngest(context.Background(), FullRequest{Query: sources.Query{Keyword: "清掃"}})
	api, _ := report.Source(bid.SourceAPI)
	require.Equal(t, 7, api.Inserted)
	require.Len(t, api.Ranges, 1)
	require.Equal(t, "2024-05-25/2024-05-31", api.Ranges[0].Range.String())
	require.Equal(t, 7, api.Ranges[0].Count)
	require.Equal(t, 0, api.Errors)
	require.Equal(t, []string{`query "default" names no date range, searched the last 7 days 2024-05-25/2024-05-31`}, api.Notes)
	require.NotEmpty(t, f.tel.Find(telemetry.LevelWarning, report_pipeline_lookback))

	checkpoint, ok, err := f.store.GetCheckpoint(context.Background(), bid.SourceAPI, DefaultQueryKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2024-05-31", checkpoint.RangeEnd.Format(bid.DateLayout))
}

func TestRunIngestDetailBudget(t *testing.T) {
	f := newFixture(t)
	incomplete := func(caseNumber, detailURL string) sources.RawRecord {
		raw := listing(caseNumber, "庁舎清掃業務 "+caseNumber, detailURL)
		delete(raw.Fields, pportal.FieldPublishEnd)
		return raw
	}
	scrape := &scrapeConnector{
		pages: map[string]sources.Page{
			"": {Records: []sources.RawRecord{
				incomplete("0000000001", "https://example.test/1"),
				incomplete("0000000002", "https://example.test/2"),
			}},
		},
		details: map[string]sources.RawRecord{
			"https://example.test/1": {Fields: map[string]string{pportal.FieldDeadline: "2024/05/28"}},
			"https://example.test/2": {Fields: map[string]string{pportal.FieldDeadline: "2024/05/29"}},
		},
	}
	p := f.pipeline(Config{DetailFetch: true, MaxDetails: 1}, scrape)

	report := p.RunIngest(context.Background(), Request{})
	require.NoError(t, report.Err())
	require.EqualValues(t, 1, scrape.detailN.Load())

	bids, err := f.store.QueryBids(context.Background(), bid.Predicate{Order: bid.OrderDeadline})
	require.NoError(t, err)
	require.Len(t, bids, 2)
	deadlines := []string{}
	for _, b := range bids {
		if b.Deadline == nil {
			deadlines = append(deadlines, "")
			continue
		}
		deadlines = append(deadlines, b.Deadline.Format(bid.DateLayout))
	}
	require.Empty(t, cmp.Diff([]string{"2024-05-28", ""}, deadlines))
}

type awardConnector struct {
	files   sources.Files
	records map[string][]bid.AwardRecord
	mutex   sync.Mutex
	got     []string
}

func (c *awardConnector) Kind() bid.SourceKind { return bid.SourceAward }

func (c *awardConnector) FetchPage(context.Context, sources.Query, string) (sources.Page, error) {
	return sources.Page{}, errors.New("not used")
}

func (c *awardConnector) ListAvailableFiles(context.Context) (sources.Files, error) {
	return c.files, nil
}

func (c *awardConnector) Download(_ context.Context, filename string) ([]bid.AwardRecord, error) {
	c.mutex.Lock()
	c.got = append(c.got, filename)
	c.mutex.Unlock()
	records, ok := c.records[filename]
	if !ok {
		return nil, errors.New("no such file")
	}
	return records, nil
}

func TestRunAwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	older := award.DiffFilename(day("2024-05-08"))
	newer := award.DiffFilename(day("2024-05-09"))
	conn := &awardConnector{
		files: sources.Files{Diff: []string{older, newer}},
		records: map[string][]bid.AwardRecord{
			newer: {
				{CaseNumber: "1001", Title: "庁舎清掃業務", AwardDate: day("2024-05-09"), AwardAmount: 1200000},
				{CaseNumber: "1002", Title: "電子計算機の賃貸借", AwardDate: day("2024-05-09"), AwardAmount: 9800000},
			},
		},
	}
	api := newAPIConnector(bid.NewDateRange(day("2024-05-01"), day("2024-05-01")), 1, 1000)
	p := f.pipeline(Config{}, api, conn)

	report := p.RunAwards(ctx, AwardRequest{})
	require.NoError(t, report.Err())
	require.Equal(t, []string{newer}, conn.got)
	got, ok := report.Source(bid.SourceAward)
	require.True(t, ok)
	require.Equal(t, 2, got.Inserted)
	require.Empty(t, api.fetched)

	report = p.RunAwards(ctx, AwardRequest{Files: []string{newer, "missing.zip"}})
	got, _ = report.Source(bid.SourceAward)
	require.Equal(t, 2, got.Unchanged)
	require.Equal(t, 1, got.Errors)

	awards, err := f.store.ListAwards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, awards, 2)
}

func TestRunIngestCancelled(t *testing.T) {
	f := newFixture(t)
	conn := newAPIConnector(bid.NewDateRange(day("2024-05-01"), day("2024-05-01")), 3, 1000)
	p := f.pipeline(Config{}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := p.RunIngest(ctx, Request{Queries: []sources.Query{{Keyword: "a"}, {Keyword: "b"}}})
	api, _ := report.Source(bid.SourceAPI)
	require.Equal(t, 0, api.Inserted)
	require.ErrorIs(t, api.Err(), context.Canceled)

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, stats.Bids)
	require.Equal(t, 1, stats.IngestRuns)
}
