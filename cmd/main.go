// channel-service
//
// Harvests the public partner-locator API region by region, reconciles the
// results against the persisted channel roster and records every lifecycle
// transition (discovered, updated, deactivated, reactivated).
//
// Exposes a REST API for run control and roster reads, runs a cron-driven
// full scrape, and publishes lifecycle and progress events to Redis when
// REDIS_URL is set.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"channelscope/channel-service/internal/api"
	"channelscope/channel-service/internal/config"
	"channelscope/channel-service/internal/db"
	"channelscope/channel-service/internal/events"
	"channelscope/channel-service/internal/reconcile"
	"channelscope/channel-service/internal/region"
	"channelscope/channel-service/internal/scheduler"
	"channelscope/channel-service/internal/scraper"
	"channelscope/channel-service/internal/store"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("channel-service exited", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// ── Config ──────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := config.SetupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Store ───────────────────────────────────────────────────────────────
	var (
		st     store.Store
		health db.Checks
	)
	switch cfg.StoreDriver {
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		st = store.NewMemory()
	default:
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			return err
		}
		pool, err := db.NewPostgresPool(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		st = store.NewPostgres(pool)
		health = append(health, db.NewPoolChecker(pool))
	}

	// ── Redis ───────────────────────────────────────────────────────────────
	var publisher events.Publisher = events.Nop{}
	if cfg.RedisURL != "" {
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, logger)
		if err != nil {
			return err
		}
		defer rdb.Close()
		publisher = events.NewRedisPublisher(rdb, logger)
		health = append(health, db.NewRedisChecker(rdb))
	}

	// ── Pipeline ────────────────────────────────────────────────────────────
	catalogue := region.Default()
	fetcher := scraper.NewFetcher(scraper.FetcherConfig{
		UserAgent:     cfg.Scrape.UserAgent,
		Timeout:       cfg.Scrape.Timeout,
		RatePerSecond: cfg.Scrape.RatePerSecond,
		Burst:         cfg.Scrape.RateBurst,
	}, logger)
	regionScraper := scraper.NewRegionScraper(catalogue, fetcher, scraper.NewParser(catalogue, logger), scraper.RegionScraperConfig{
		BaseURL:      cfg.Scrape.BaseURL,
		RequestDelay: cfg.Scrape.RequestDelay,
		Retry:        scraper.RetryPolicy{MaxRetries: cfg.Scrape.MaxRetries, Jitter: 250 * time.Millisecond},
	}, logger)
	orch := scraper.NewOrchestrator(scraper.OrchestratorConfig{
		Catalogue:  catalogue,
		Runner:     regionScraper,
		Reconciler: reconcile.New(st, publisher, logger),
		Store:      st,
		Publisher:  publisher,
	}, logger)

	// ── Scheduler ───────────────────────────────────────────────────────────
	if cfg.Scrape.Cron != "" {
		sched := scheduler.New(orch, cfg.Scrape.Cron, scraper.Options{MaxConcurrency: cfg.Scrape.MaxConcurrency}, cfg.Scrape.OnStart, logger)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()
	} else {
		logger.Info("scheduled scraping disabled")
	}

	// ── HTTP server ─────────────────────────────────────────────────────────
	h := api.NewHandler(api.Config{
		Orchestrator: orch,
		Store:        st,
		Catalogue:    catalogue,
		Health:       health,
		BaseContext:  ctx,
		Version:      version,
	}, logger)

	// Incremental and manual runs answer synchronously, hence the long
	// write timeout.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      h.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", srv.Addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// ── Graceful shutdown ───────────────────────────────────────────────────
	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	if orch.Stop() {
		logger.Info("in-flight run cancelled")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("shutdown: %w", err)
	}
	// Runs started by POST /scrape or on start are detached from the server.
	// The store and Redis defers must not fire before their session closes.
	orch.Stop()
	if err := orch.Wait(shutdownCtx); err != nil {
		logger.Error("run still in flight at shutdown", slog.String("err", err.Error()))
	}
	if serveErr != nil {
		return serveErr
	}
	logger.Info("stopped")
	return nil
}
