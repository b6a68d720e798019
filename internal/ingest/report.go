package ingest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/rangesplit"

	"github.com/hashicorp/go-multierror"
)

// SourceReport counts what one source did during a run.
type SourceReport struct {
	Source    bid.SourceKind `json:"source"`
	Pages     int            `json:"pages"`
	Fetched   int            `json:"fetched"`
	Inserted  int            `json:"inserted"`
	Updated   int            `json:"updated"`
	Unchanged int            `json:"unchanged"`
	Rejected  int            `json:"rejected"`
	Errors    int            `json:"errors"`

	Ranges    []rangesplit.Range                    `json:"ranges,omitempty"`
	Overflows []bid.CapExceededAtMinimumGranularity `json:"overflows,omitempty"`
	// Skipped is set when the source had nothing to do, Notes say why.
	Skipped       bool     `json:"skipped,omitempty"`
	ErrorMessages []string `json:"error_messages,omitempty"`
	// Notes are conditions worth reporting that are not errors.
	Notes []string `json:"notes,omitempty"`

	errs *multierror.Error
}

func (r *SourceReport) fail(err error) {
	r.Errors++
	r.errs = multierror.Append(r.errs, err)
	r.ErrorMessages = append(r.ErrorMessages, err.Error())
}

func (r *SourceReport) note(format string, args ...any) {
	r.Notes = append(r.Notes, fmt.Sprintf(format, args...))
}

func (r *SourceReport) count(outcome bid.Outcome) {
	switch outcome {
	case bid.OutcomeInserted:
		r.Inserted++
	case bid.OutcomeUpdated:
		r.Updated++
	case bid.OutcomeUnchanged:
		r.Unchanged++
	}
}

// Err combines every error the source accumulated, nil when there were none.
func (r SourceReport) Err() error {
	return r.errs.ErrorOrNil()
}

// Report is the outcome of a run. It is always returned, source failures
// are recorded in it rather than raised.
type Report struct {
	RunID      string         `json:"run_id"`
	Kind       string         `json:"kind"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Sources    []SourceReport `json:"sources"`
	// InsertedIDs are the bids first seen during this run.
	InsertedIDs []int64 `json:"inserted_ids"`
}

// Totals sums the per-source counters.
func (r Report) Totals() SourceReport {
	var total SourceReport
	for _, s := range r.Sources {
		total.Pages += s.Pages
		total.Fetched += s.Fetched
		total.Inserted += s.Inserted
		total.Updated += s.Updated
		total.Unchanged += s.Unchanged
		total.Rejected += s.Rejected
		total.Errors += s.Errors
	}
	return total
}

// Source returns the report of one source.
func (r Report) Source(kind bid.SourceKind) (SourceReport, bool) {
	for _, s := range r.Sources {
		if s.Source == kind {
			return s, true
		}
	}
	return SourceReport{}, false
}

// Err combines the errors of every source.
func (r Report) Err() error {
	var errs *multierror.Error
	for _, s := range r.Sources {
		if err := s.Err(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", s.Source, err))
		}
	}
	return errs.ErrorOrNil()
}

func (r Report) String() string {
	lines := []string{}
	for _, s := range r.Sources {
		lines = append(lines, fmt.Sprintf(
			"%s: pages=%d fetched=%d inserted=%d updated=%d unchanged=%d rejected=%d errors=%d",
			s.Source, s.Pages, s.Fetched, s.Inserted, s.Updated, s.Unchanged, s.Rejected, s.Errors,
		))
	}
	return strings.Join(lines, "\n")
}

// collector gathers source reports from concurrent workers.
type collector struct {
	mutex    sync.Mutex
	sources  map[bid.SourceKind]*SourceReport
	inserted []int64
}

func newCollector() *collector {
	return &collector{sources: map[bid.SourceKind]*SourceReport{}}
}

func (c *collector) source(kind bid.SourceKind) *SourceReport {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	report, ok := c.sources[kind]
	if !ok {
		report = &SourceReport{Source: kind}
		c.sources[kind] = report
	}
	return report
}

func (c *collector) addInserted(ids ...int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.inserted = append(c.inserted, ids...)
}

func (c *collector) build(report *Report) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, s := range c.sources {
		report.Sources = append(report.Sources, *s)
	}
	sort.Slice(report.Sources, func(i, j int) bool {
		return report.Sources[i].Source < report.Sources[j].Source
	})
	// non-nil even when empty, saved searches read nil as "not tied to a run"
	report.InsertedIDs = make([]int64, len(c.inserted))
	copy(report.InsertedIDs, c.inserted)
	sort.Slice(report.InsertedIDs, func(i, j int) bool {
		return report.InsertedIDs[i] < report.InsertedIDs[j]
	})
}
