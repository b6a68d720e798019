package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/chrono"
	"bidaggregator/internal/components/telemetry"

	"github.com/google/go-cmp/cmp"
	"github.com/mazen160/go-random"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *Store
	clock *chrono.Manual
	tel   *telemetry.Recorder
	loc   *time.Location
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	database, err := Config{File: ":memory:"}.Open()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := chrono.NewManual(time.Date(2024, 5, 10, 9, 0, 0, 0, loc))
	tel := telemetry.NewRecorder()
	store := New(database, clock, tel)
	require.NoError(t, store.Init(context.Background()))
	// init is idempotent
	require.NoError(t, store.Init(context.Background()))
	return fixture{store: store, clock: clock, tel: tel, loc: loc}
}

func (f fixture) date(t *testing.T, value string) time.Time {
	t.Helper()
	d, err := bid.ParseDate(value, f.loc)
	require.NoError(t, err)
	return d
}

func (f fixture) randomBid(t *testing.T, source bid.SourceKind) bid.Bid {
	t.Helper()
	caseNumber, err := random.String(12)
	require.NoError(t, err)
	title, err := random.String(16)
	require.NoError(t, err)
	return bid.Bid{
		Source:          source,
		CaseNumber:      caseNumber,
		Title:           "案件 " + title,
		Organization:    "国土交通省",
		ProcurementType: "一般競争入札",
		PublishedDate:   f.date(t, "2024-05-01"),
		RawFingerprint:  fmt.Sprintf("%064s", caseNumber),
	}
}

func TestUpsertBatchOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deadline := f.date(t, "2024-05-20")
	first := f.randomBid(t, bid.SourceAPI)
	first.Deadline = &deadline
	first.DocumentURLs = []string{"https://example.test/a.pdf", "https://example.test/b.pdf"}
	second := f.randomBid(t, bid.SourceAPI)

	results, err := f.store.UpsertBatch(ctx, []bid.Bid{first, second})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, bid.OutcomeInserted, results[0].Outcome)
	require.Equal(t, bid.OutcomeInserted, results[1].Outcome)
	firstSeen := f.clock.Now()

	stored, err := f.store.GetBid(ctx, results[0].ID)
	require.NoError(t, err)
	expected := first
	expected.ID = results[0].ID
	expected.FirstSeenAt = firstSeen
	expected.LastSeenAt = firstSeen
	if diff := cmp.Diff(expected, stored, cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })); diff != "" {
		t.Fatal(diff)
	}

	// same content again: only last_seen moves
	f.clock.Advance(time.Hour)
	results, err = f.store.UpsertBatch(ctx, []bid.Bid{first, second})
	require.NoError(t, err)
	require.Equal(t, bid.OutcomeUnchanged, results[0].Outcome)
	require.Equal(t, bid.OutcomeUnchanged, results[1].Outcome)

	stored, err = f.store.GetBid(ctx, results[0].ID)
	require.NoError(t, err)
	require.True(t, stored.FirstSeenAt.Equal(firstSeen))
	require.True(t, stored.LastSeenAt.Equal(firstSeen.Add(time.Hour)))

	// a changed deadline is an update, first_seen stays
	f.clock.Advance(time.Hour)
	later := f.date(t, "2024-05-27")
	changed := first
	changed.Deadline = &later
	results, err = f.store.UpsertBatch(ctx, []bid.Bid{changed})
	require.NoError(t, err)
	require.Equal(t, bid.OutcomeUpdated, results[0].Outcome)

	stored, err = f.store.GetBid(ctx, results[0].ID)
	require.NoError(t, err)
	require.Equal(t, "2024-05-27", stored.Deadline.Format(bid.DateLayout))
	require.True(t, stored.FirstSeenAt.Equal(firstSeen))

	count, err := f.store.CountBids(ctx, bid.Predicate{})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestUpsertBatchNaturalKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	api := f.randomBid(t, bid.SourceAPI)
	scrape := api
	scrape.Source = bid.SourceScrape
	// same case number from another source is another row
	keyless := f.randomBid(t, bid.SourceScrape)
	keyless.CaseNumber = ""

	results, err := f.store.UpsertBatch(ctx, []bid.Bid{api, scrape, keyless, keyless})
	require.NoError(t, err)
	require.Equal(t, bid.OutcomeInserted, results[0].Outcome)
	require.Equal(t, bid.OutcomeInserted, results[1].Outcome)
	require.Equal(t, bid.OutcomeInserted, results[2].Outcome)
	require.Equal(t, bid.OutcomeUnchanged, results[3].Outcome)
	require.Equal(t, results[2].ID, results[3].ID)

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Bids)
	require.Equal(t, 1, stats.BidsBySource["api"])
	require.Equal(t, 2, stats.BidsBySource["scrape"])
}

func TestUpsertBatchCancelled(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.store.UpsertBatch(ctx, []bid.Bid{f.randomBid(t, bid.SourceAPI)})
	require.Error(t, err)

	count, err := f.store.CountBids(context.Background(), bid.Predicate{})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestQueryBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d1 := f.date(t, "2024-05-15")
	d2 := f.date(t, "2024-05-12")
	bids := []bid.Bid{
		{Source: bid.SourceAPI, CaseNumber: "1", Title: "庁舎清掃業務", Organization: "国土交通省", PublishedDate: f.date(t, "2024-05-01"), Deadline: &d1, RawFingerprint: "a"},
		{Source: bid.SourceAPI, CaseNumber: "2", Title: "システム保守", Organization: "デジタル庁", PublishedDate: f.date(t, "2024-05-03"), RawFingerprint: "b", Description: "清掃を含む"},
		{Source: bid.SourceScrape, Title: "警備業務", Organization: "環境省", PublishedDate: f.date(t, "2024-04-20"), Deadline: &d2, RawFingerprint: "c"},
		{Source: bid.SourceScrape, Title: "100%再生紙", Organization: "環境省", RawFingerprint: "d"},
	}
	results, err := f.store.UpsertBatch(ctx, bids)
	require.NoError(t, err)

	titles := func(p bid.Predicate) []string {
		t.Helper()
		out, err := f.store.QueryBids(ctx, p)
		require.NoError(t, err)
		var titles []string
		for _, b := range out {
			titles = append(titles, b.Title)
		}
		return titles
	}

	from := f.date(t, "2024-04-25")
	testCases := []struct {
		name      string
		predicate bid.Predicate
		expected  []string
	}{
		{
			name:      "keyword matches title and description",
			predicate: bid.Predicate{Keyword: "清掃"},
			expected:  []string{"システム保守", "庁舎清掃業務"},
		},
		{
			name:      "deadline order puts unknown deadlines last",
			predicate: bid.Predicate{Order: bid.OrderDeadline},
			expected:  []string{"警備業務", "庁舎清掃業務", "システム保守", "100%再生紙"},
		},
		{
			name:      "published range",
			predicate: bid.Predicate{From: &from},
			expected:  []string{"システム保守", "庁舎清掃業務"},
		},
		{
			name:      "organization and source",
			predicate: bid.Predicate{Organization: "環境", Source: bid.SourceScrape, Order: bid.OrderDeadline},
			expected:  []string{"警備業務", "100%再生紙"},
		},
		{
			name:      "percent is literal",
			predicate: bid.Predicate{Keyword: "100%"},
			expected:  []string{"100%再生紙"},
		},
		{
			name:      "ids and exclusions",
			predicate: bid.Predicate{IDs: []int64{results[0].ID, results[1].ID}, ExcludeIDs: []int64{results[1].ID}},
			expected:  []string{"庁舎清掃業務"},
		},
		{
			name:      "empty id set matches nothing",
			predicate: bid.Predicate{IDs: []int64{}},
			expected:  nil,
		},
		{
			name:      "limit and offset",
			predicate: bid.Predicate{Order: bid.OrderDeadline, Limit: 2, Offset: 1},
			expected:  []string{"庁舎清掃業務", "システム保守"},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, titles(tc.predicate))
		})
	}

	_, err = f.store.QueryBids(ctx, bid.Predicate{Order: "oldest"})
	require.Error(t, err)

	// id sets far beyond the bound-variable limit
	many := make([]int64, 40000)
	for i := range many {
		many[i] = int64(i + 1000)
	}
	require.Equal(t, []string{"庁舎清掃業務"}, titles(bid.Predicate{IDs: append(many, results[0].ID)}))
	require.Equal(t, []string{"100%再生紙"}, titles(bid.Predicate{ExcludeIDs: append(many, results[0].ID, results[1].ID, results[2].ID)}))

	f.clock.Advance(time.Hour)
	since := f.clock.Now()
	fresh, err := f.store.UpsertBatch(ctx, []bid.Bid{f.randomBid(t, bid.SourceAPI)})
	require.NoError(t, err)
	recent, err := f.store.QueryBids(ctx, bid.Predicate{FirstSeenSince: &since})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, fresh[0].ID, recent[0].ID)
}

func TestUpsertAwards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	award := bid.AwardRecord{
		CaseNumber:  "0000000000000999001",
		Title:       "複合機保守",
		AwardDate:   time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		AwardAmount: 1234568,
		OrgCode:     "020",
		WinnerName:  "株式会社サンプル",
	}
	outcomes, err := f.store.UpsertAwards(ctx, []bid.AwardRecord{award})
	require.NoError(t, err)
	require.Equal(t, []bid.Outcome{bid.OutcomeInserted}, outcomes)

	outcomes, err = f.store.UpsertAwards(ctx, []bid.AwardRecord{award})
	require.NoError(t, err)
	require.Equal(t, []bid.Outcome{bid.OutcomeUnchanged}, outcomes)

	award.AwardAmount = 1300000
	outcomes, err = f.store.UpsertAwards(ctx, []bid.AwardRecord{award})
	require.NoError(t, err)
	require.Equal(t, []bid.Outcome{bid.OutcomeUpdated}, outcomes)

	awards, err := f.store.ListAwards(ctx, 10)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	require.Equal(t, int64(1300000), awards[0].AwardAmount)
	require.Equal(t, "2024-05-10", awards[0].AwardDate.Format(bid.DateLayout))
}

func TestCheckpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ok, err := f.store.GetCheckpoint(ctx, bid.SourceAPI, "default")
	require.NoError(t, err)
	require.False(t, ok)

	for _, end := range []string{"2024-04-15", "2024-04-30"} {
		require.NoError(t, f.store.SaveCheckpoint(ctx, bid.Checkpoint{
			Source:    bid.SourceAPI,
			QueryKey:  "default",
			RangeFrom: f.date(t, "2024-04-01"),
			RangeEnd:  f.date(t, end),
		}))
	}
	checkpoint, ok, err := f.store.GetCheckpoint(ctx, bid.SourceAPI, "default")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, checkpoint.RangeEnd.Equal(f.date(t, "2024-04-30")))

	require.NoError(t, f.store.ClearCheckpoint(ctx, bid.SourceAPI, "default"))
	_, ok, err = f.store.GetCheckpoint(ctx, bid.SourceAPI, "default")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSavedSearchHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	from := f.date(t, "2024-05-01")
	search := bid.SavedSearch{
		Name:      "清掃",
		Predicate: bid.Predicate{Keyword: "清掃", From: &from, Order: bid.OrderDeadline},
		Schedule:  bid.ScheduleDaily,
		OnlyNew:   true,
		Enabled:   true,
	}
	id, err := f.store.CreateSavedSearch(ctx, search)
	require.NoError(t, err)
	_, err = f.store.CreateSavedSearch(ctx, search)
	require.ErrorIs(t, err, ErrSavedSearchExists)
	_, err = f.store.CreateSavedSearch(ctx, bid.SavedSearch{Name: "bad", Schedule: "weekly"})
	require.Error(t, err)

	loaded, err := f.store.GetSavedSearch(ctx, "清掃")
	require.NoError(t, err)
	require.Equal(t, id, loaded.ID)
	require.Equal(t, search.Predicate.Keyword, loaded.Predicate.Keyword)
	require.True(t, loaded.Predicate.From.Equal(from))
	require.True(t, loaded.LastRunAt.IsZero())

	results, err := f.store.UpsertBatch(ctx, []bid.Bid{f.randomBid(t, bid.SourceAPI)})
	require.NoError(t, err)
	hit, err := f.store.GetBid(ctx, results[0].ID)
	require.NoError(t, err)

	runAt := f.clock.Now()
	runID, err := f.store.StartSavedSearchRun(ctx, loaded, runAt)
	require.NoError(t, err)
	require.NoError(t, f.store.RecordHits(ctx, runID, []bid.Bid{hit}, runAt))
	for _, status := range []string{NotifyStatusFailed, NotifyStatusOK} {
		require.NoError(t, f.store.RecordNotification(ctx, Notification{
			RunID:     runID,
			Channel:   "slack",
			Recipient: "#bids",
			Status:    status,
			DedupeKey: "key",
			At:        runAt,
		}))
	}
	require.NoError(t, f.store.MarkHitsNotified(ctx, runID, runAt))
	require.NoError(t, f.store.FinishSavedSearchRun(ctx, SavedSearchRun{
		ID:               runID,
		SavedSearchID:    id,
		RunAt:            runAt,
		HitCount:         1,
		Status:           RunStatusOK,
		NotifiedChannels: []string{"slack:#bids"},
		NotifyStatus:     NotifyStatusOK,
	}))

	other, err := f.store.UpsertBatch(ctx, []bid.Bid{f.randomBid(t, bid.SourceAPI)})
	require.NoError(t, err)
	unseen, err := f.store.QueryBids(ctx, bid.Predicate{ExcludeHitsOf: id})
	require.NoError(t, err)
	require.Len(t, unseen, 1)
	require.Equal(t, other[0].ID, unseen[0].ID)
	unseen, err = f.store.QueryBids(ctx, bid.Predicate{ExcludeHitsOf: id + 1})
	require.NoError(t, err)
	require.Len(t, unseen, 2)

	notifications, err := f.store.ListNotifications(ctx, runID)
	require.NoError(t, err)
	require.Len(t, notifications, 1)
	require.Equal(t, NotifyStatusOK, notifications[0].Status)
	require.Equal(t, 2, notifications[0].Attempts)

	runs, err := f.store.ListSavedSearchRuns(ctx, id)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, []string{"slack:#bids"}, runs[0].NotifiedChannels)

	loaded, err = f.store.GetSavedSearch(ctx, "清掃")
	require.NoError(t, err)
	require.True(t, loaded.LastRunAt.Equal(runAt))

	list, err := f.store.ListSavedSearches(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 1)

	deleted, err := f.store.DeleteSavedSearch(ctx, "清掃")
	require.NoError(t, err)
	require.True(t, deleted)
	deleted, err = f.store.DeleteSavedSearch(ctx, "清掃")
	require.NoError(t, err)
	require.False(t, deleted)
	_, err = f.store.GetSavedSearch(ctx, "清掃")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRawFetchAndRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fp := RequestFingerprint(bid.SourceAPI, map[string]string{"Query": "清掃", "Count": "1000", "LG_Code": ""})
	require.Equal(t, fp, RequestFingerprint(bid.SourceAPI, map[string]string{"Count": "1000", "Query": "清掃"}))
	require.NotEqual(t, fp, RequestFingerprint(bid.SourceScrape, map[string]string{"Count": "1000", "Query": "清掃"}))

	require.NoError(t, f.store.SaveRawFetch(ctx, RawFetch{
		Source:             bid.SourceAPI,
		RequestFingerprint: fp,
		Status:             200,
		ContentType:        "application/xml",
		Payload:            []byte("<Results/>"),
	}))
	require.NoError(t, f.store.StartIngestRun(ctx, "run-1", "ingest", f.clock.Now()))
	require.NoError(t, f.store.FinishIngestRun(ctx, "run-1", f.clock.Now(), map[string]int{"inserted": 3}))

	stats, err := f.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.RawFetches)
	require.Equal(t, 1, stats.IngestRuns)
	require.True(t, stats.LastSeenAt.IsZero())
}

func TestOpenFileAndDiskUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "bidagg.db")
	config := Config{File: path}

	database, err := config.Open()
	require.NoError(t, err)
	defer database.Close()

	store := New(database, chrono.NewManual(time.Now()), telemetry.NewRecorder())
	require.NoError(t, store.Init(context.Background()))

	usage, err := config.DiskUsage(context.Background())
	require.NoError(t, err)
	require.Equal(t, filepath.Dir(path), usage.Path)
	require.NotZero(t, usage.Total)

	_, err = Config{File: ":memory:"}.DiskUsage(context.Background())
	require.ErrorIs(t, err, ErrNotLocal)
	_, err = Config{Url: "libsql://bids.example.test"}.DiskUsage(context.Background())
	require.ErrorIs(t, err, ErrNotLocal)
}
