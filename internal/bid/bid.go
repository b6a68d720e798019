// Package bid holds the canonical, source-agnostic records the aggregator
// stores and matches against.
package bid

import (
	"slices"
	"time"
)

// SourceKind tags where a record came from. Connectors are chosen by this
// tag, never by inspecting their concrete type.
type SourceKind string

const (
	SourceAPI    SourceKind = "api"
	SourceScrape SourceKind = "scrape"
	SourceAward  SourceKind = "award"
)

func (k SourceKind) Valid() bool {
	switch k {
	case SourceAPI, SourceScrape, SourceAward:
		return true
	}
	return false
}

// DateLayout is the layout used for every date-only value.
const DateLayout = "2006-01-02"

// UnknownOrganization is stored when a record names no organization.
const UnknownOrganization = "不明"

type Bid struct {
	// ID is the store row id, zero until persisted.
	ID int64

	Source          SourceKind
	CaseNumber      string
	Title           string
	Organization    string
	OrgCode         string
	ProcurementType string
	ItemCategory    string
	// PublishedDate is zero when the source did not provide one.
	PublishedDate time.Time
	Deadline      *time.Time
	DetailURL     string
	DocumentURLs  []string
	Region        string
	Description   string

	RawFingerprint string

	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// NaturalKey is the dedup key within Source: the case number when one is
// usable, the fingerprint otherwise.
func (b Bid) NaturalKey() string {
	if b.CaseNumber != "" {
		return "case:" + b.CaseNumber
	}
	return "fp:" + b.RawFingerprint
}

// SameContent reports whether every mutable field of b equals the one in o.
// Identity and bookkeeping timestamps are ignored.
func (b Bid) SameContent(o Bid) bool {
	return b.Title == o.Title &&
		b.Organization == o.Organization &&
		b.OrgCode == o.OrgCode &&
		b.ProcurementType == o.ProcurementType &&
		b.ItemCategory == o.ItemCategory &&
		sameDate(b.PublishedDate, o.PublishedDate) &&
		sameDatePtr(b.Deadline, o.Deadline) &&
		b.DetailURL == o.DetailURL &&
		slices.Equal(b.DocumentURLs, o.DocumentURLs) &&
		b.Region == o.Region &&
		b.Description == o.Description &&
		b.RawFingerprint == o.RawFingerprint
}

func sameDate(a, b time.Time) bool {
	if a.IsZero() || b.IsZero() {
		return a.IsZero() == b.IsZero()
	}
	return a.Format(DateLayout) == b.Format(DateLayout)
}

func sameDatePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return sameDate(*a, *b)
}

// Outcome is the result of upserting one record.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// UpsertResult pairs the persisted row id with what the upsert did to it.
type UpsertResult struct {
	ID      int64
	Outcome Outcome
}

type AwardRecord struct {
	CaseNumber string
	Title      string
	AwardDate  time.Time
	// AwardAmount is in whole yen.
	AwardAmount     int64
	ProcurementType string
	OrgCode         string
	WinnerName      string
	CorporateNumber string

	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

func (a AwardRecord) SameContent(o AwardRecord) bool {
	return a.Title == o.Title &&
		sameDate(a.AwardDate, o.AwardDate) &&
		a.AwardAmount == o.AwardAmount &&
		a.ProcurementType == o.ProcurementType &&
		a.OrgCode == o.OrgCode &&
		a.WinnerName == o.WinnerName &&
		a.CorporateNumber == o.CorporateNumber
}

// DateRange is an inclusive range of whole days.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func NewDateRange(from, to time.Time) DateRange {
	return DateRange{From: Day(from), To: Day(to)}
}

// Days is the number of calendar days covered, at least 1 for a valid range.
func (r DateRange) Days() int {
	from := time.Date(r.From.Year(), r.From.Month(), r.From.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(r.To.Year(), r.To.Month(), r.To.Day(), 0, 0, 0, 0, time.UTC)
	return int(to.Sub(from).Hours()/24) + 1
}

func (r DateRange) Valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && !Day(r.To).Before(Day(r.From))
}

func (r DateRange) String() string {
	return r.From.Format(DateLayout) + "/" + r.To.Format(DateLayout)
}

// SavedSearch is an operator-defined query re-evaluated after ingestion.
type SavedSearch struct {
	ID        int64
	Name      string
	Predicate Predicate
	Schedule  Schedule
	OnlyNew   bool
	Enabled   bool
	LastRunAt time.Time
	CreatedAt time.Time
}

type Schedule string

const (
	ScheduleNone   Schedule = ""
	ScheduleHourly Schedule = "hourly"
	ScheduleDaily  Schedule = "daily"
)

// CronSpec is the robfig/cron descriptor of the schedule, empty for none.
func (s Schedule) CronSpec() string {
	switch s {
	case ScheduleHourly:
		return "@hourly"
	case ScheduleDaily:
		return "@daily"
	}
	return ""
}

func (s Schedule) Valid() bool {
	switch s {
	case ScheduleNone, ScheduleHourly, ScheduleDaily:
		return true
	}
	return false
}

// Checkpoint is the end of the last contiguous range completed for a query.
type Checkpoint struct {
	Source    SourceKind
	QueryKey  string
	RangeFrom time.Time
	RangeEnd  time.Time
	UpdatedAt time.Time
}
