package snapshot

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives the cron-scheduled end-of-day writer, stale-intraday
// pruning, and the nightly backfill sweep, all on a single robfig/cron
// instance.
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
	jobs   *Jobs
}

func New(logger *zap.Logger, jobs *Jobs) *Scheduler {
	return &Scheduler{cron: cron.New(), logger: logger, jobs: jobs}
}

// Start registers the jobs and starts the cron scheduler: EOD writer
// shortly after the close of the US trading day, backfill and pruning
// once daily overnight.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("5 21 * * 1-5", func() { s.runJob(ctx, "eod_writer", s.jobs.WriteEndOfDay) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("30 22 * * *", func() { s.runJob(ctx, "backfill", s.jobs.Backfill) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("0 3 * * *", func() { s.runJob(ctx, "prune_stale_intraday", s.jobs.PruneStaleIntraday) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("snapshot: scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	s.logger.Info("snapshot: running scheduled job", zap.String("job", name))
	if err := fn(ctx); err != nil {
		s.logger.Warn("snapshot: scheduled job failed", zap.String("job", name), zap.Error(err))
	}
}

// IsMarketHours reports whether t falls within the US regular trading
// session (09:30-16:00 America/New_York, Monday-Friday). Holidays are not
// modeled, only weekend suppression; callers that need to skip holidays
// too must check that separately before inserting a row.
func IsMarketHours(t time.Time) bool {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	local := t.In(loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, loc)
	closeTime := time.Date(local.Year(), local.Month(), local.Day(), 16, 0, 0, 0, loc)
	return !local.Before(open) && !local.After(closeTime)
}
