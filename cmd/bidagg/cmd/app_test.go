package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"bidaggregator/cmd/bidagg/config"
	"bidaggregator/cmd/bidagg/globals"
	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/chrono"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func testValue(t *testing.T) *globals.Value {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return &globals.Value{
		Config: config.Config{Queries: []config.QueryConfig{{Name: "configured", Keyword: "清掃"}}},
		Clock:  chrono.NewManual(time.Date(2024, 5, 10, 9, 0, 0, 0, loc)),
	}
}

func TestParseSources(t *testing.T) {
	kinds, err := parseSources([]string{"api", "scrape"})
	require.NoError(t, err)
	require.Equal(t, []bid.SourceKind{bid.SourceAPI, bid.SourceScrape}, kinds)

	kinds, err = parseSources([]string{"all"})
	require.NoError(t, err)
	require.Nil(t, kinds)

	_, err = parseSources([]string{"award"})
	require.Error(t, err)
}

func TestQueryFlags(t *testing.T) {
	v := testValue(t)

	queries, err := queryFlags{}.queries(v)
	require.NoError(t, err)
	require.Equal(t, "configured", queries[0].Name)

	queries, err = queryFlags{keyword: "警備", from: "2024-05-01"}.queries(v)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	require.Equal(t, "警備", queries[0].Keyword)
	require.Equal(t, "2024-05-01/2024-05-10", queries[0].Range.String())

	_, err = queryFlags{from: "2024-05-11", to: "2024-05-01"}.queries(v)
	require.Error(t, err)
}

func TestPredicateFlags(t *testing.T) {
	v := testValue(t)

	p, err := predicateFlags{keyword: " 清掃 ", source: "api", order: "deadline", from: "2024-05-01", limit: 10}.predicate(v)
	require.NoError(t, err)
	require.Equal(t, "清掃", p.Keyword)
	require.Equal(t, bid.SourceAPI, p.Source)
	require.Equal(t, bid.OrderDeadline, p.Order)
	require.Equal(t, "2024-05-01", p.From.Format(bid.DateLayout))
	require.Equal(t, 10, p.Limit)

	p, err = predicateFlags{source: "all", order: "newest"}.predicate(v)
	require.NoError(t, err)
	require.Empty(t, p.Source)

	_, err = predicateFlags{source: "all", order: "oldest"}.predicate(v)
	require.Error(t, err)
}

func exportFixture() []bid.Bid {
	deadline := time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC)
	seen := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	return []bid.Bid{
		{
			ID:            1,
			Source:        bid.SourceAPI,
			CaseNumber:    "kkj-001",
			Title:         "庁舎清掃業務, 本館",
			Organization:  "国土交通省",
			PublishedDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
			Deadline:      &deadline,
			DocumentURLs:  []string{"https://example.test/a.pdf", "https://example.test/b.pdf"},
			FirstSeenAt:   seen,
			LastSeenAt:    seen,
		},
		{ID: 2, Source: bid.SourceScrape, Title: "電子計算機の賃貸借", Organization: "防衛省", FirstSeenAt: seen, LastSeenAt: seen},
	}
}

func TestWriteCSV(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeCSV(&out, exportFixture()))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "id,source,case_number,title"))
	require.Contains(t, lines[1], `"庁舎清掃業務, 本館"`)
	require.Contains(t, lines[1], "2024-05-01,2024-05-20")
	require.Contains(t, lines[1], "https://example.test/a.pdf https://example.test/b.pdf")
	require.True(t, strings.HasPrefix(lines[2], "2,scrape,,電子計算機の賃貸借,防衛省,,,,,,"))
}

func TestWriteJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeJSON(&out, exportFixture()))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	require.Equal(t, "2024-05-20", decoded[0]["deadline"])
	require.Equal(t, []any{}, decoded[1]["document_urls"])
	require.NotContains(t, decoded[1], "deadline")
}
