// Package rangesplit partitions a date range into sub-ranges whose result
// counts fit under a server-side cap.
package rangesplit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/telemetry"

	"golang.org/x/sync/errgroup"
)

const report_splitter_overflow = "splitter.overflow"

// DefaultFanout bounds the number of probes in flight.
const DefaultFanout = 4

// Probe returns the number of results the upstream holds for a range.
type Probe func(ctx context.Context, r bid.DateRange) (int, error)

// Range is one leaf of the split together with its probed count.
type Range struct {
	Range bid.DateRange
	Count int
}

// Result lists the leaves ordered by start date. They are disjoint,
// contiguous and cover the input range exactly.
type Result struct {
	Ranges []Range
	// Overflows are single days whose count still exceeds the cap. They are
	// also present in Ranges and will be fetched capped.
	Overflows []bid.CapExceededAtMinimumGranularity
}

// Total sums the probed counts of every leaf.
func (r Result) Total() int {
	total := 0
	for _, l := range r.Ranges {
		total += l.Count
	}
	return total
}

type Options struct {
	Fanout    int
	Telemetry telemetry.API
}

type Splitter struct {
	fanout int
	tel    telemetry.API
}

func New(opts Options) Splitter {
	if opts.Fanout <= 0 {
		opts.Fanout = DefaultFanout
	}
	var tel telemetry.API = telemetry.NewSlogAPI(nil)
	if opts.Telemetry != nil {
		tel = opts.Telemetry
	}
	return Splitter{
		fanout: opts.Fanout,
		tel:    telemetry.NewScopedAPI("rangesplit", tel),
	}
}

// Split bisects r at its midpoint day until every piece probes at or under
// limit or is a single day. When r itself fits, the result is exactly r.
//
// The split proceeds one level at a time so the probes of a level run
// concurrently under the fanout bound.
func (s Splitter) Split(ctx context.Context, r bid.DateRange, probe Probe, limit int) (Result, error) {
	if !r.Valid() {
		return Result{}, fmt.Errorf("rangesplit: invalid range %s", r)
	}
	if limit <= 0 {
		return Result{}, fmt.Errorf("rangesplit: cap must be positive, got %d", limit)
	}

	var result Result
	pending := []bid.DateRange{bid.NewDateRange(r.From, r.To)}

	for len(pending) > 0 {
		counts, err := s.probeAll(ctx, pending, probe)
		if err != nil {
			return Result{}, err
		}

		var next []bid.DateRange
		for i, current := range pending {
			count := counts[i]
			switch {
			case count <= limit:
				result.Ranges = append(result.Ranges, Range{Range: current, Count: count})
			case current.Days() == 1:
				overflow := bid.CapExceededAtMinimumGranularity{Day: current, Count: count, Cap: limit}
				s.tel.ReportWarning(report_splitter_overflow, overflow.String())
				result.Ranges = append(result.Ranges, Range{Range: current, Count: count})
				result.Overflows = append(result.Overflows, overflow)
			default:
				left, right := Bisect(current)
				next = append(next, left, right)
			}
		}
		pending = next
	}

	sort.Slice(result.Ranges, func(i, j int) bool {
		return result.Ranges[i].Range.From.Before(result.Ranges[j].Range.From)
	})
	sort.Slice(result.Overflows, func(i, j int) bool {
		return result.Overflows[i].Day.From.Before(result.Overflows[j].Day.From)
	})
	return result, nil
}

func (s Splitter) probeAll(ctx context.Context, ranges []bid.DateRange, probe Probe) ([]int, error) {
	counts := make([]int, len(ranges))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.fanout)
	for i, r := range ranges {
		i, r := i, r
		group.Go(func() error {
			count, err := probe(groupCtx, r)
			if err != nil {
				return fmt.Errorf("rangesplit: probe %s: %w", r, err)
			}
			s.tel.ReportDebug("probed", r.String(), count)
			counts[i] = count
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return counts, nil
}

// Bisect splits a range of at least two days at its midpoint day. The left
// half takes the extra day of an odd-length range.
func Bisect(r bid.DateRange) (bid.DateRange, bid.DateRange) {
	days := r.Days()
	mid := AddDays(r.From, (days-1)/2)
	return bid.DateRange{From: r.From, To: mid},
		bid.DateRange{From: AddDays(mid, 1), To: r.To}
}

// AddDays moves a day forward by n calendar days in its own location.
func AddDays(day time.Time, n int) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d+n, 0, 0, 0, 0, day.Location())
}

// Split runs a Splitter with default options.
func Split(ctx context.Context, r bid.DateRange, probe Probe, limit int) (Result, error) {
	return New(Options{}).Split(ctx, r, probe, limit)
}
