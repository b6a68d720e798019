package chrono

import (
	"context"
	"fmt"
	"time"

	"bidaggregator/internal/components/telemetry"

	"github.com/robfig/cron/v3"
)

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Due reports whether a job with the given cron spec (e.g. "@hourly") that
// last ran at lastRun has a scheduled activation at or before now. A zero
// lastRun is always due.
func Due(spec string, lastRun, now time.Time) (bool, error) {
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return false, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if lastRun.IsZero() {
		return true, nil
	}
	next := schedule.Next(lastRun.In(now.Location()))
	return !next.After(now), nil
}

// Scheduler runs named jobs on cron specs in the clock's timezone. A job
// whose previous activation is still running skips its turn.
type Scheduler struct {
	cron *cron.Cron
	tel  telemetry.API
}

func NewScheduler(tel telemetry.API, location *time.Location) *Scheduler {
	tel = telemetry.NewScopedAPI("scheduler", tel)
	logger := cronLogger{tel: tel}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLocation(location),
			cron.WithLogger(logger),
			cron.WithChain(cron.SkipIfStillRunning(logger)),
		),
		tel: tel,
	}
}

// Add registers job under spec. The job receives the context passed to Run.
func (s *Scheduler) Add(ctx context.Context, name, spec string, job func(context.Context)) error {
	_, err := s.cron.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		s.tel.ReportDebug("job.start", name)
		job(ctx)
		s.tel.ReportDebug("job.done", name)
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

// Run starts the scheduler and blocks until ctx is done and running jobs
// have returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

// Next returns the next activation of every registered job.
func (s *Scheduler) Next() []time.Time {
	entries := s.cron.Entries()
	out := make([]time.Time, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Next)
	}
	return out
}

type cronLogger struct {
	tel telemetry.API
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.tel.ReportDebug("cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.tel.ReportBroken("cron", fmt.Errorf("%s: %w", msg, err), keysAndValues)
}
