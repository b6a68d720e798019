// Package savedsearch re-evaluates saved searches against the store and
// hands their matches to the notifier.
package savedsearch

import (
	"context"
	"fmt"
	"slices"
	"time"

	"bidaggregator/internal/assert"
	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/chrono"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/notify"
	"bidaggregator/internal/store"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("bidaggregator/internal/savedsearch")

const (
	report_matcher_list     = "matcher.list"
	report_matcher_schedule = "matcher.schedule"
	report_matcher_query    = "matcher.query"
	report_matcher_history  = "matcher.history"
	report_matcher_notify   = "matcher.notify"
	report_matcher_hits     = "matcher.hits"
)

// DefaultWindow is the only-new window of a search that never ran when
// matching is not tied to an ingestion run.
const DefaultWindow = 24 * time.Hour

type Store interface {
	ListSavedSearches(ctx context.Context, enabledOnly bool) ([]bid.SavedSearch, error)
	QueryBids(ctx context.Context, p bid.Predicate) ([]bid.Bid, error)
	StartSavedSearchRun(ctx context.Context, search bid.SavedSearch, at time.Time) (int64, error)
	FinishSavedSearchRun(ctx context.Context, run store.SavedSearchRun) error
	RecordHits(ctx context.Context, runID int64, bids []bid.Bid, at time.Time) error
	MarkHitsNotified(ctx context.Context, runID int64, at time.Time) error
	RecordNotification(ctx context.Context, n store.Notification) error
}

// Recipient is one notification destination.
type Recipient struct {
	Channel string
	Address string
}

type Config struct {
	Recipients []Recipient
	// MaxItems caps the items of one notification.
	MaxItems int
}

type Deps struct {
	Store     Store
	Notifier  notify.Notifier
	Clock     chrono.API
	Telemetry telemetry.API
}

type Matcher struct {
	config   Config
	store    Store
	notifier notify.Notifier
	clock    chrono.API
	tel      telemetry.API
}

func New(config Config, deps Deps) *Matcher {
	assert.NotNil(deps.Store)
	assert.NotNil(deps.Clock)
	if config.MaxItems <= 0 {
		config.MaxItems = notify.DefaultMaxItems
	}
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.SlogAPI{}
	}
	return &Matcher{
		config:   config,
		store:    deps.Store,
		notifier: deps.Notifier,
		clock:    deps.Clock,
		tel:      telemetry.NewScopedAPI("savedsearch", tel),
	}
}

type RunRequest struct {
	// Now is the evaluation time, the clock's when zero.
	Now time.Time
	// InsertedIDs are the bids an ingestion run just inserted. They bound
	// only-new searches that never ran. When nil, matching is not tied to
	// a run and falls back to a first-seen window.
	InsertedIDs []int64
	// RunWindow is the first-seen window used without InsertedIDs. Zero
	// means since the search's last run.
	RunWindow time.Duration
	// Names restricts the run to the named searches, which run regardless
	// of their schedule.
	Names []string
	// Force runs searches that are not due or disabled.
	Force bool
}

type Result struct {
	Search       string
	RunID        int64
	Items        []bid.Bid
	Notified     []string
	NotifyStatus string
	Err          error
}

type Report struct {
	Results []Result
	// Skipped lists searches that were not due.
	Skipped []string
}

// Err combines the failures of every search.
func (r Report) Err() error {
	var errs *multierror.Error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", res.Search, res.Err))
		}
	}
	return errs.ErrorOrNil()
}

func (m *Matcher) selected(search bid.SavedSearch, req RunRequest, now time.Time) (bool, error) {
	named := slices.Contains(req.Names, search.Name)
	if len(req.Names) > 0 && !named {
		return false, nil
	}
	if !search.Enabled && !req.Force {
		return false, nil
	}
	if named || req.Force {
		return true, nil
	}
	spec := search.Schedule.CronSpec()
	if spec == "" {
		return false, nil
	}
	return chrono.Due(spec, search.LastRunAt, now)
}

// Run evaluates every selected search. Failures of one search or one
// recipient are recorded and never stop the others.
func (m *Matcher) Run(ctx context.Context, req RunRequest) (Report, error) {
	ctx, span := tracer.Start(ctx, "Run")
	defer span.End()

	now := req.Now
	if now.IsZero() {
		now = m.clock.Now()
	}

	searches, err := m.store.ListSavedSearches(ctx, false)
	if err != nil {
		m.tel.ReportBroken(report_matcher_list, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Report{}, fmt.Errorf("list saved searches: %w", err)
	}

	report := Report{}
	for _, search := range searches {
		ok, err := m.selected(search, req, now)
		if err != nil {
			m.tel.ReportWarning(report_matcher_schedule, err, search.Name)
			report.Results = append(report.Results, Result{Search: search.Name, Err: err})
			continue
		}
		if !ok {
			report.Skipped = append(report.Skipped, search.Name)
			continue
		}
		report.Results = append(report.Results, m.runOne(ctx, search, req, now))
	}
	return report, nil
}

// predicate narrows the saved predicate to what this run may notify.
//
// Only-new searches never see a bid they already hit. Beyond that, a search
// that ran before sees everything first seen since its last run, so bids
// inserted by ingest runs it was not due for are still delivered. A search
// that never ran sees the inserts of the current ingest run, or the
// first-seen window when it is not tied to one.
func (m *Matcher) predicate(search bid.SavedSearch, req RunRequest, now time.Time) bid.Predicate {
	p := search.Predicate
	p.Limit = m.config.MaxItems
	p.Offset = 0
	if !search.OnlyNew {
		return p
	}
	p.ExcludeHitsOf = search.ID

	switch {
	case req.InsertedIDs != nil && search.LastRunAt.IsZero():
		p.IDs = append([]int64{}, req.InsertedIDs...)
	case req.InsertedIDs != nil:
		since := search.LastRunAt
		p.FirstSeenSince = &since
	default:
		since := now.Add(-DefaultWindow)
		switch {
		case req.RunWindow > 0:
			since = now.Add(-req.RunWindow)
		case !search.LastRunAt.IsZero():
			since = search.LastRunAt
		}
		p.FirstSeenSince = &since
	}
	return p
}

func (m *Matcher) runOne(ctx context.Context, search bid.SavedSearch, req RunRequest, now time.Time) Result {
	ctx, span := tracer.Start(ctx, "runOne")
	defer span.End()
	span.SetAttributes(attribute.String("search", search.Name))

	result := Result{Search: search.Name}
	runID, err := m.store.StartSavedSearchRun(ctx, search, now)
	if err != nil {
		m.tel.ReportBroken(report_matcher_history, err, search.Name)
		result.Err = fmt.Errorf("start run: %w", err)
		return result
	}
	result.RunID = runID
	run := store.SavedSearchRun{ID: runID, SavedSearchID: search.ID, RunAt: now, Status: store.RunStatusOK}

	finish := func() {
		err := m.store.FinishSavedSearchRun(context.WithoutCancel(ctx), run)
		if err != nil {
			m.tel.ReportBroken(report_matcher_history, err, search.Name)
			result.Err = multierror.Append(result.Err, fmt.Errorf("finish run: %w", err)).ErrorOrNil()
		}
	}

	items, err := m.match(ctx, search, req, now)
	if err != nil {
		m.tel.ReportWarning(report_matcher_query, err, search.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		run.Status = store.RunStatusFailed
		run.Error = err.Error()
		result.Err = err
		finish()
		return result
	}
	result.Items = items
	run.HitCount = len(items)
	m.tel.ReportCount(report_matcher_hits+"."+search.Name, int64(len(items)))

	if err := m.store.RecordHits(ctx, runID, items, now); err != nil {
		m.tel.ReportWarning(report_matcher_history, err, search.Name)
	}
	if len(items) > 0 {
		m.notify(ctx, search, runID, items, now, &run, &result)
	}
	finish()
	return result
}

func (m *Matcher) match(ctx context.Context, search bid.SavedSearch, req RunRequest, now time.Time) ([]bid.Bid, error) {
	items, err := m.store.QueryBids(ctx, m.predicate(search, req, now))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return items, nil
}

// Title is the heading of a notification for a search.
func Title(search bid.SavedSearch, n int) string {
	if search.OnlyNew {
		return fmt.Sprintf("[%s] 新着案件 %d件", search.Name, n)
	}
	return fmt.Sprintf("[%s] 該当案件 %d件", search.Name, n)
}

func (m *Matcher) notify(ctx context.Context, search bid.SavedSearch, runID int64, items []bid.Bid, now time.Time, run *store.SavedSearchRun, result *Result) {
	if m.notifier == nil || len(m.config.Recipients) == 0 {
		m.tel.ReportWarning(report_matcher_notify, "no recipients configured", search.Name)
		return
	}

	title := Title(search, len(items))
	var errs *multierror.Error
	delivered := 0
	for _, recipient := range m.config.Recipients {
		err := m.notifier.Send(ctx, recipient.Channel, recipient.Address, title, items)
		status := store.NotifyStatusOK
		message := ""
		if err != nil {
			m.tel.ReportWarning(report_matcher_notify, err, search.Name, recipient.Channel)
			errs = multierror.Append(errs, err)
			status = store.NotifyStatusFailed
			message = err.Error()
		} else {
			delivered++
			if !slices.Contains(result.Notified, recipient.Channel) {
				result.Notified = append(result.Notified, recipient.Channel)
			}
		}

		err = m.store.RecordNotification(context.WithoutCancel(ctx), store.Notification{
			RunID:     runID,
			Channel:   recipient.Channel,
			Recipient: recipient.Address,
			Status:    status,
			Error:     message,
			DedupeKey: notify.DedupeKey(search.ID, runID, recipient.Channel, recipient.Address),
			At:        now,
		})
		if err != nil {
			m.tel.ReportWarning(report_matcher_history, err, search.Name)
		}
	}

	switch {
	case delivered == len(m.config.Recipients):
		result.NotifyStatus = store.NotifyStatusOK
	case delivered == 0:
		result.NotifyStatus = store.NotifyStatusFailed
	default:
		result.NotifyStatus = store.NotifyStatusPartial
	}
	run.NotifiedChannels = result.Notified
	run.NotifyStatus = result.NotifyStatus
	if err := errs.ErrorOrNil(); err != nil {
		run.NotifyError = err.Error()
	}

	if delivered > 0 {
		if err := m.store.MarkHitsNotified(ctx, runID, now); err != nil {
			m.tel.ReportWarning(report_matcher_history, err, search.Name)
		}
	}
}
