// Package scheduler wires up the cron job that periodically triggers a full
// scrape of every region.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"channelscope/channel-service/internal/scraper"
)

// Runner starts a full scrape. *scraper.Orchestrator satisfies it.
type Runner interface {
	StartFullScraping(ctx context.Context, opts scraper.Options) (*scraper.ScrapeResult, error)
}

// Scheduler wraps robfig/cron and manages the scrape loop.
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	spec    string
	opts    scraper.Options
	onStart bool
	logger  *slog.Logger
}

// New creates a Scheduler firing on spec (standard cron or "@every 24h").
// With onStart set, one scrape also runs as soon as Start is called.
func New(runner Runner, spec string, opts scraper.Options, onStart bool, logger *slog.Logger) *Scheduler {
	logger = logger.With(slog.String("component", "scheduler"))
	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		runner:  runner,
		spec:    spec,
		opts:    opts,
		onStart: onStart,
		logger:  logger,
	}
}

// Start registers the job and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.runScrape(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info("cron started", slog.String("spec", s.spec))

	if s.onStart {
		go s.runScrape(ctx)
	}
	return nil
}

// Stop halts the schedule and waits for a running job to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("cron stopped")
}

func (s *Scheduler) runScrape(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Info("scheduled scrape started")

	res, err := s.runner.StartFullScraping(ctx, s.opts)
	switch {
	case errors.Is(err, scraper.ErrAlreadyRunning):
		s.logger.Info("scrape already in flight, skipping tick")
		return
	case err != nil:
		s.logger.Error("scheduled scrape failed", slog.String("err", err.Error()))
		return
	}
	s.logger.Info("scheduled scrape finished",
		slog.String("sessionId", res.SessionID),
		slog.String("status", string(res.Status)),
		slog.Int("errors", len(res.Progress.Errors)),
	)
}
