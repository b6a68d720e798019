// Package ingest drives connectors through normalization into the store.
// Sources run concurrently, each source pages through its queries in order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bidaggregator/internal/assert"
	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/chrono"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/normalize"
	"bidaggregator/internal/rangesplit"
	"bidaggregator/internal/sources"
	"bidaggregator/internal/sources/award"
	"bidaggregator/internal/sources/pportal"
	"bidaggregator/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("bidaggregator/internal/ingest")

const (
	report_pipeline_fetch_page = "pipeline.fetch-page"
	report_pipeline_detail     = "pipeline.fetch-detail"
	report_pipeline_upsert     = "pipeline.upsert"
	report_pipeline_raw_fetch  = "pipeline.raw-fetch"
	report_pipeline_split      = "pipeline.split"
	report_pipeline_checkpoint = "pipeline.checkpoint"
	report_pipeline_run        = "pipeline.run"
	report_pipeline_rejected   = "pipeline.rejected"
	report_pipeline_lookback   = "pipeline.lookback"
)

const (
	KindIngest     = "ingest"
	KindFullIngest = "full-ingest"
	KindAwards     = "awards"
)

// DefaultQueryKey keys the checkpoint of an unnamed query.
const DefaultQueryKey = "default"

// Store is the subset of *store.Store the pipeline writes through.
type Store interface {
	UpsertBatch(ctx context.Context, bids []bid.Bid) ([]bid.UpsertResult, error)
	UpsertAwards(ctx context.Context, awards []bid.AwardRecord) ([]bid.Outcome, error)
	GetCheckpoint(ctx context.Context, source bid.SourceKind, queryKey string) (bid.Checkpoint, bool, error)
	SaveCheckpoint(ctx context.Context, checkpoint bid.Checkpoint) error
	SaveRawFetch(ctx context.Context, raw store.RawFetch) error
	StartIngestRun(ctx context.Context, id, kind string, startedAt time.Time) error
	FinishIngestRun(ctx context.Context, id string, finishedAt time.Time, report any) error
}

type Config struct {
	// MaxPages bounds the pages read per query.
	MaxPages int
	// DetailFetch enables lazy detail fetches for listings missing fields.
	DetailFetch bool
	// MaxDetails bounds detail fetches per source and run, 0 is unbounded.
	MaxDetails int
	// StoreRaw keeps every fetched payload in raw_fetch.
	StoreRaw    bool
	SplitFanout int
	// DefaultLookbackDays is the range searched when a capped query names
	// none.
	DefaultLookbackDays int
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.SplitFanout <= 0 {
		c.SplitFanout = rangesplit.DefaultFanout
	}
	if c.DefaultLookbackDays <= 0 {
		c.DefaultLookbackDays = 30
	}
	return c
}

type Deps struct {
	Connectors []sources.Connector
	Store      Store
	Normalizer normalize.Normalizer
	Clock      chrono.API
	Telemetry  telemetry.API
}

type Pipeline struct {
	config     Config
	connectors []sources.Connector
	store      Store
	normalizer normalize.Normalizer
	clock      chrono.API
	tel        telemetry.API
	splitter   rangesplit.Splitter
}

func New(config Config, deps Deps) *Pipeline {
	assert.NotNil(deps.Store)
	assert.NotNil(deps.Clock)
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.SlogAPI{}
	}
	config = config.withDefaults()

	return &Pipeline{
		config:     config,
		connectors: deps.Connectors,
		store:      deps.Store,
		normalizer: deps.Normalizer,
		clock:      deps.Clock,
		tel:        telemetry.NewScopedAPI("ingest", tel),
		splitter: rangesplit.New(rangesplit.Options{
			Fanout:    config.SplitFanout,
			Telemetry: tel,
		}),
	}
}

// Request selects the queries and sources of an incremental run. No
// sources means every bid source.
type Request struct {
	Queries []sources.Query
	Sources []bid.SourceKind
}

func (r Request) wants(kind bid.SourceKind) bool {
	if kind == bid.SourceAward {
		return false
	}
	if len(r.Sources) == 0 {
		return true
	}
	for _, s := range r.Sources {
		if s == kind {
			return true
		}
	}
	return false
}

// sourceRun is the state of one source during one run. It is only touched
// by the goroutine running the source.
type sourceRun struct {
	conn    sources.Connector
	report  *SourceReport
	details int
}

func (p *Pipeline) begin(ctx context.Context, kind string) Report {
	report := Report{
		RunID:     uuid.NewString(),
		Kind:      kind,
		StartedAt: p.clock.Now(),
	}
	err := p.store.StartIngestRun(context.WithoutCancel(ctx), report.RunID, kind, report.StartedAt)
	if err != nil {
		p.tel.ReportWarning(report_pipeline_run, err)
	}
	return report
}

func (p *Pipeline) finish(ctx context.Context, report *Report, results *collector) {
	results.build(report)
	report.FinishedAt = p.clock.Now()

	for _, s := range report.Sources {
		prefix := "pipeline." + string(s.Source)
		p.tel.ReportCount(prefix+".fetched", int64(s.Fetched))
		p.tel.ReportCount(prefix+".inserted", int64(s.Inserted))
		p.tel.ReportCount(prefix+".updated", int64(s.Updated))
		p.tel.ReportCount(prefix+".unchanged", int64(s.Unchanged))
		p.tel.ReportCount(prefix+".rejected", int64(s.Rejected))
		p.tel.ReportCount(prefix+".errors", int64(s.Errors))
	}

	// the run is recorded even when the caller gave up on it
	err := p.store.FinishIngestRun(context.WithoutCancel(ctx), report.RunID, report.FinishedAt, report)
	if err != nil {
		p.tel.ReportWarning(report_pipeline_run, err)
	}
}

// RunIngest fetches every query from every selected source. Source failures
// are recorded in the report, it never fails as a whole.
func (p *Pipeline) RunIngest(ctx context.Context, req Request) Report {
	ctx, span := tracer.Start(ctx, "RunIngest")
	defer span.End()

	report := p.begin(ctx, KindIngest)
	results := newCollector()
	queries := req.Queries
	if len(queries) == 0 {
		queries = []sources.Query{{}}
	}

	group := errgroup.Group{}
	for _, conn := range p.connectors {
		conn := conn
		if !req.wants(conn.Kind()) {
			continue
		}
		run := &sourceRun{conn: conn, report: results.source(conn.Kind())}
		if len(req.Queries) == 0 && p.refusesEmptyQuery(run) {
			continue
		}
		group.Go(func() error {
			ctx, span := tracer.Start(ctx, "ingestSource")
			defer span.End()
			span.SetAttributes(attribute.String("source", string(conn.Kind())))

			for _, q := range queries {
				if ctx.Err() != nil {
					run.report.fail(ctx.Err())
					break
				}
				p.ingestQuery(ctx, run, q, results)
			}
			if run.report.Errors > 0 {
				span.SetStatus(codes.Error, fmt.Sprintf("%d errors", run.report.Errors))
			}
			return nil
		})
	}
	_ = group.Wait()

	p.finish(ctx, &report, results)
	return report
}

func (p *Pipeline) ingestQuery(ctx context.Context, run *sourceRun, q sources.Query, results *collector) {
	token := ""
	for i := 0; i < p.config.MaxPages; i++ {
		page, err := run.conn.FetchPage(ctx, q, token)

		var capErr *bid.ResultCapExceededError
		if errors.As(err, &capErr) {
			capped, ok := run.conn.(sources.CappedConnector)
			if ok && i == 0 {
				p.ingestSplit(ctx, run, capped, q, results)
				return
			}
			p.tel.ReportWarning(report_pipeline_fetch_page, capErr, run.conn.Kind())
			err = nil
		}
		if next, ok := p.skipDrift(run, token, err); ok {
			token = next
			continue
		}
		if err != nil {
			p.tel.ReportWarning(report_pipeline_fetch_page, err, run.conn.Kind(), token)
			run.report.fail(fmt.Errorf("fetch page %q: %w", token, err))
			return
		}

		err = p.applyPage(ctx, run, q, token, page, results)
		if err != nil {
			return
		}
		if page.NextPageToken == "" {
			return
		}
		token = page.NextPageToken
	}
}

// refusesEmptyQuery skips a source that cannot search without a query when
// none is configured.
func (p *Pipeline) refusesEmptyQuery(run *sourceRun) bool {
	validator, ok := run.conn.(sources.QueryValidator)
	if !ok {
		return false
	}
	err := validator.ValidateQuery(sources.Query{})
	if err == nil {
		return false
	}
	p.tel.ReportDebug("no queries configured, skipping source", run.conn.Kind(), err)
	run.report.Skipped = true
	run.report.note("skipped, no queries configured: %v", err)
	return true
}

// skipDrift records a page whose layout could not be parsed and returns
// the token of the page after it, when the pager was still readable.
func (p *Pipeline) skipDrift(run *sourceRun, token string, err error) (string, bool) {
	next, ok := bid.DriftNextPage(err)
	if !ok || next == token {
		return "", false
	}
	p.tel.ReportWarning(report_pipeline_fetch_page, err, run.conn.Kind(), token)
	run.report.fail(fmt.Errorf("skip page %q: %w", token, err))
	return next, true
}

// lookback is the range a capped query without one searches.
func (p *Pipeline) lookback() bid.DateRange {
	now := p.clock.Now()
	return bid.NewDateRange(rangesplit.AddDays(now, -(p.config.DefaultLookbackDays-1)), now)
}

// queryRange is the range a capped query covers. The lookback used for a
// query without one is noted in the report.
func (p *Pipeline) queryRange(run *sourceRun, q sources.Query) bid.DateRange {
	if q.Range.Valid() {
		return bid.NewDateRange(q.Range.From, q.Range.To)
	}
	r := p.lookback()
	p.tel.ReportWarning(report_pipeline_lookback, errors.New("query names no date range"), run.conn.Kind(), queryKey(q), r.String())
	run.report.note("query %q names no date range, searched the last %d days %s", queryKey(q), p.config.DefaultLookbackDays, r)
	return r
}

func (p *Pipeline) split(ctx context.Context, run *sourceRun, conn sources.CappedConnector, q sources.Query, r bid.DateRange) (rangesplit.Result, error) {
	probe := func(ctx context.Context, r bid.DateRange) (int, error) {
		sub := q
		sub.Range = r
		return conn.Count(ctx, sub)
	}
	result, err := p.splitter.Split(ctx, r, probe, conn.Cap())
	if err != nil {
		p.tel.ReportWarning(report_pipeline_split, err, r.String())
		run.report.fail(fmt.Errorf("split %s: %w", r, err))
		return rangesplit.Result{}, err
	}
	run.report.Ranges = append(run.report.Ranges, result.Ranges...)
	run.report.Overflows = append(run.report.Overflows, result.Overflows...)
	return result, nil
}

func (p *Pipeline) ingestSplit(ctx context.Context, run *sourceRun, conn sources.CappedConnector, q sources.Query, results *collector) {
	result, err := p.split(ctx, run, conn, q, p.queryRange(run, q))
	if err != nil {
		return
	}
	for _, leaf := range result.Ranges {
		if p.fetchLeaf(ctx, run, q, leaf.Range, results) != nil {
			return
		}
	}
}

// fetchLeaf reads one split range. A range that is still capped is a
// single-day overflow already recorded by the splitter, its truncated rows
// are kept.
func (p *Pipeline) fetchLeaf(ctx context.Context, run *sourceRun, q sources.Query, r bid.DateRange, results *collector) error {
	sub := q
	sub.Range = r

	token := ""
	for i := 0; i < p.config.MaxPages; i++ {
		page, err := run.conn.FetchPage(ctx, sub, token)
		var capErr *bid.ResultCapExceededError
		if errors.As(err, &capErr) {
			p.tel.ReportDebug("keeping capped range", r.String(), capErr.Total, capErr.Cap)
			err = nil
		}
		if next, ok := p.skipDrift(run, token, err); ok {
			token = next
			continue
		}
		if err != nil {
			p.tel.ReportWarning(report_pipeline_fetch_page, err, run.conn.Kind(), r.String())
			err = fmt.Errorf("fetch range %s: %w", r, err)
			run.report.fail(err)
			return err
		}

		err = p.applyPage(ctx, run, sub, token, page, results)
		if err != nil {
			return err
		}
		if page.NextPageToken == "" {
			return nil
		}
		token = page.NextPageToken
	}
	return nil
}

func requestParams(q sources.Query, token string) map[string]string {
	params := map[string]string{
		"keyword":        q.Keyword,
		"organization":   q.Organization,
		"lg_code":        q.LGCode,
		"category":       q.Category,
		"procedure_type": q.ProcedureType,
		"page":           token,
	}
	if q.Range.Valid() {
		params["range"] = q.Range.String()
	}
	return params
}

// applyPage normalizes and stores one page as a single batch. Only store
// failures are returned, they end the current query.
func (p *Pipeline) applyPage(ctx context.Context, run *sourceRun, q sources.Query, token string, page sources.Page, results *collector) error {
	kind := run.conn.Kind()
	run.report.Pages++
	run.report.Fetched += len(page.Records)

	if p.config.StoreRaw && page.Raw != nil {
		err := p.store.SaveRawFetch(ctx, store.RawFetch{
			Source:             kind,
			RequestFingerprint: store.RequestFingerprint(kind, requestParams(q, token)),
			Status:             page.Status,
			ContentType:        page.ContentType,
			Payload:            page.Raw,
		})
		if err != nil {
			p.tel.ReportWarning(report_pipeline_raw_fetch, err, kind)
		}
	}

	bids := make([]bid.Bid, 0, len(page.Records))
	for _, raw := range page.Records {
		raw = p.withDetail(ctx, run, raw)
		b, err := p.normalizer.Normalize(raw, kind)
		if err != nil {
			run.report.Rejected++
			p.tel.ReportDebug(report_pipeline_rejected, kind, raw.PageID, err)
			continue
		}
		bids = append(bids, b)
	}
	if len(bids) == 0 {
		return nil
	}

	upserted, err := p.store.UpsertBatch(ctx, bids)
	if err != nil {
		p.tel.ReportBroken(report_pipeline_upsert, err, kind)
		err = fmt.Errorf("upsert page %q: %w", token, err)
		run.report.fail(err)
		return err
	}
	for _, res := range upserted {
		run.report.count(res.Outcome)
		if res.Outcome == bid.OutcomeInserted {
			results.addInserted(res.ID)
		}
	}
	return nil
}

// withDetail merges the detail page into a listing that lacks fields, within
// the configured budget. A failed detail fetch keeps the listing as is.
func (p *Pipeline) withDetail(ctx context.Context, run *sourceRun, raw sources.RawRecord) sources.RawRecord {
	if !p.config.DetailFetch || !normalize.NeedsDetail(raw) {
		return raw
	}
	conn, ok := run.conn.(sources.DetailConnector)
	if !ok {
		return raw
	}
	if p.config.MaxDetails > 0 && run.details >= p.config.MaxDetails {
		return raw
	}
	run.details++

	detailURL := raw.Get(pportal.FieldDetailURL)
	detail, err := conn.FetchDetail(ctx, detailURL)
	if err != nil {
		p.tel.ReportWarning(report_pipeline_detail, err, detailURL)
		return raw
	}
	return normalize.MergeDetail(raw, detail)
}

// FullRequest asks for a complete crawl of one query over its date range,
// split under the cap of every capped source.
type FullRequest struct {
	Query sources.Query
	// Resume continues after the last checkpointed day.
	Resume bool
}

func queryKey(q sources.Query) string {
	if q.Name == "" {
		return DefaultQueryKey
	}
	return q.Name
}

// RunFullIngest crawls the query range leaf by leaf on every capped source,
// checkpointing after each completed leaf.
func (p *Pipeline) RunFullIngest(ctx context.Context, req FullRequest) Report {
	ctx, span := tracer.Start(ctx, "RunFullIngest")
	defer span.End()

	report := p.begin(ctx, KindFullIngest)
	results := newCollector()

	group := errgroup.Group{}
	for _, conn := range p.connectors {
		capped, ok := conn.(sources.CappedConnector)
		if !ok || conn.Kind() == bid.SourceAward {
			continue
		}
		run := &sourceRun{conn: conn, report: results.source(conn.Kind())}
		group.Go(func() error {
			p.fullIngestSource(ctx, run, capped, req, results)
			return nil
		})
	}
	_ = group.Wait()

	p.finish(ctx, &report, results)
	return report
}

func (p *Pipeline) fullIngestSource(ctx context.Context, run *sourceRun, conn sources.CappedConnector, req FullRequest, results *collector) {
	q := req.Query
	full := p.queryRange(run, q)
	key := queryKey(q)
	r := full

	if req.Resume {
		checkpoint, ok, err := p.store.GetCheckpoint(ctx, conn.Kind(), key)
		if err != nil {
			run.report.fail(fmt.Errorf("read checkpoint: %w", err))
			return
		}
		if ok && checkpoint.RangeFrom.Format(bid.DateLayout) == full.From.Format(bid.DateLayout) {
			from := rangesplit.AddDays(checkpoint.RangeEnd, 1)
			if from.After(full.To) {
				run.report.Skipped = true
				run.report.note("resumed past the end of %s", full)
				return
			}
			if from.After(full.From) {
				r = bid.NewDateRange(from, full.To)
			}
			p.tel.ReportDebug("resuming from checkpoint", key, r.String())
		}
	}

	result, err := p.split(ctx, run, conn, q, r)
	if err != nil {
		return
	}
	for _, leaf := range result.Ranges {
		if ctx.Err() != nil {
			run.report.fail(ctx.Err())
			return
		}
		if leaf.Count > 0 {
			if p.fetchLeaf(ctx, run, q, leaf.Range, results) != nil {
				return
			}
		}

		err := p.store.SaveCheckpoint(ctx, bid.Checkpoint{
			Source:    conn.Kind(),
			QueryKey:  key,
			RangeFrom: full.From,
			RangeEnd:  leaf.Range.To,
		})
		if err != nil {
			p.tel.ReportWarning(report_pipeline_checkpoint, err, key)
			run.report.fail(fmt.Errorf("save checkpoint: %w", err))
			return
		}
	}
}

// AwardRequest selects award archives. No files means the Latest newest
// daily diffs, at least one.
type AwardRequest struct {
	Files  []string
	Latest int
}

// RunAwards downloads award archives and upserts their records.
func (p *Pipeline) RunAwards(ctx context.Context, req AwardRequest) Report {
	ctx, span := tracer.Start(ctx, "RunAwards")
	defer span.End()

	report := p.begin(ctx, KindAwards)
	results := newCollector()

	for _, conn := range p.connectors {
		awards, ok := conn.(sources.AwardConnector)
		if !ok {
			continue
		}
		p.ingestAwards(ctx, awards, req, results.source(conn.Kind()))
	}

	p.finish(ctx, &report, results)
	return report
}

func (p *Pipeline) ingestAwards(ctx context.Context, conn sources.AwardConnector, req AwardRequest, report *SourceReport) {
	files := req.Files
	if len(files) == 0 {
		available, err := conn.ListAvailableFiles(ctx)
		if err != nil {
			p.tel.ReportWarning(report_pipeline_fetch_page, err, conn.Kind())
			report.fail(fmt.Errorf("list award files: %w", err))
			return
		}
		files = award.LatestDiffs(available, max(req.Latest, 1))
	}

	for _, name := range files {
		records, err := conn.Download(ctx, name)
		if err != nil {
			p.tel.ReportWarning(report_pipeline_fetch_page, err, name)
			report.fail(fmt.Errorf("download %s: %w", name, err))
			continue
		}
		report.Pages++
		report.Fetched += len(records)
		if len(records) == 0 {
			continue
		}

		outcomes, err := p.store.UpsertAwards(ctx, records)
		if err != nil {
			p.tel.ReportBroken(report_pipeline_upsert, err, name)
			report.fail(fmt.Errorf("upsert %s: %w", name, err))
			return
		}
		for _, outcome := range outcomes {
			report.count(outcome)
		}
	}
}
