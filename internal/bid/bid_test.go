package bid

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNaturalKey(t *testing.T) {
	require.Equal(t, "case:0000000000000123456", Bid{CaseNumber: "0000000000000123456", RawFingerprint: "abc"}.NaturalKey())
	require.Equal(t, "fp:abc", Bid{RawFingerprint: "abc"}.NaturalKey())
}

func TestSameContent(t *testing.T) {
	deadline := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	base := Bid{
		Title:         "庁舎清掃業務",
		Organization:  "国土交通省",
		PublishedDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		Deadline:      &deadline,
		DocumentURLs:  []string{"https://example.test/a.pdf"},
	}

	same := base
	same.ID = 10
	same.FirstSeenAt = time.Now()
	require.True(t, base.SameContent(same))

	extended := base
	later := deadline.AddDate(0, 0, 7)
	extended.Deadline = &later
	require.False(t, base.SameContent(extended))

	noDeadline := base
	noDeadline.Deadline = nil
	require.False(t, base.SameContent(noDeadline))

	moreDocs := base
	moreDocs.DocumentURLs = append([]string{}, base.DocumentURLs...)
	moreDocs.DocumentURLs = append(moreDocs.DocumentURLs, "https://example.test/b.pdf")
	require.False(t, base.SameContent(moreDocs))
}

func TestDateRange(t *testing.T) {
	r := NewDateRange(
		time.Date(2024, 4, 1, 15, 0, 0, 0, time.UTC),
		time.Date(2024, 4, 30, 1, 0, 0, 0, time.UTC),
	)
	require.Equal(t, 30, r.Days())
	require.True(t, r.Valid())
	require.Equal(t, "2024-04-01/2024-04-30", r.String())

	single := NewDateRange(r.From, r.From)
	require.Equal(t, 1, single.Days())

	require.False(t, DateRange{From: r.To, To: r.From}.Valid())
}

func TestErrorTaxonomy(t *testing.T) {
	wrapped := fmt.Errorf("page 3: %w", &StructuralDriftError{PageID: "3", Reason: "no result table"})
	require.True(t, IsStructuralDrift(wrapped))
	require.False(t, IsRejected(wrapped))

	var capErr *ResultCapExceededError
	require.True(t, errors.As(fmt.Errorf("kkj: %w", &ResultCapExceededError{Total: 2400, Cap: 1000}), &capErr))
	require.Equal(t, 2400, capErr.Total)
}

func TestPredicateValidate(t *testing.T) {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, -1)

	require.NoError(t, Predicate{}.Validate())
	require.NoError(t, Predicate{Order: OrderDeadline, Source: SourceScrape}.Validate())
	require.Error(t, Predicate{Order: "oldest"}.Validate())
	require.Error(t, Predicate{Source: "rss"}.Validate())
	require.Error(t, Predicate{From: &from, To: &to}.Validate())
}

func TestScheduleCronSpec(t *testing.T) {
	require.Equal(t, "@hourly", ScheduleHourly.CronSpec())
	require.Equal(t, "@daily", ScheduleDaily.CronSpec())
	require.Empty(t, ScheduleNone.CronSpec())
	require.False(t, Schedule("weekly").Valid())
}
