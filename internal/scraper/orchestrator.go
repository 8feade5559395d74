package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"channelscope/channel-service/internal/events"
	"channelscope/channel-service/internal/metrics"
	"channelscope/channel-service/internal/model"
	"channelscope/channel-service/internal/reconcile"
	"channelscope/channel-service/internal/region"
	"channelscope/channel-service/internal/store"
)

const defaultMaxConcurrency = 3

// RegionRunner scrapes one region. *RegionScraper satisfies it.
type RegionRunner interface {
	ScrapeRegion(ctx context.Context, r model.Region) (RegionResult, error)
	Delay() time.Duration
}

// Reconciler applies a merged batch. *reconcile.Reconciler satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, b reconcile.Batch) (reconcile.Result, error)
}

// ProgressFunc receives progress notifications. Calls are serialised.
type ProgressFunc func(events.Progress)

// Options tunes a scraping run. Zero values pick the defaults; a nil
// RetryFailedRegions means true. OnStarted is called once the session
// exists, before any region runs.
type Options struct {
	Regions            []model.Region         `json:"regions"`
	MaxConcurrency     int                    `json:"maxConcurrency"`
	RetryFailedRegions *bool                  `json:"retryFailedRegions"`
	OnProgress         ProgressFunc           `json:"-"`
	OnStarted          func(sessionID string) `json:"-"`
}

func (o Options) retry() bool {
	return o.RetryFailedRegions == nil || *o.RetryFailedRegions
}

// ScrapeResult is the outcome of one run. It always carries the final
// status and every isolated error.
type ScrapeResult struct {
	SessionID    string                `json:"sessionId"`
	DataSource   model.DataSource      `json:"dataSource"`
	Status       model.SessionStatus   `json:"status"`
	Progress     model.SessionProgress `json:"progress"`
	ErrorMessage string                `json:"errorMessage,omitempty"`
	StartedAt    time.Time             `json:"startedAt"`
	CompletedAt  time.Time             `json:"completedAt"`
}

// Status is a snapshot of the single-flight slot.
type Status struct {
	IsRunning        bool             `json:"isRunning"`
	CurrentSessionID string           `json:"currentSessionId,omitempty"`
	DataSource       model.DataSource `json:"dataSource,omitempty"`
	StartedAt        *time.Time       `json:"startedAt,omitempty"`
}

// Orchestrator runs full, incremental and manual harvesting runs. At most
// one run is in flight per instance.
type Orchestrator struct {
	catalogue  *region.Catalogue
	runner     RegionRunner
	reconciler Reconciler
	store      store.Store
	publisher  events.Publisher
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time

	mu        sync.Mutex
	running   bool
	stopped   bool
	cancel    context.CancelFunc
	idle      chan struct{}
	sessionID string
	source    model.DataSource
	startedAt time.Time
}

// OrchestratorConfig collects the Orchestrator dependencies.
type OrchestratorConfig struct {
	Catalogue  *region.Catalogue
	Runner     RegionRunner
	Reconciler Reconciler
	Store      store.Store
	// Publisher defaults to events.Nop.
	Publisher events.Publisher
	// Sleep waits between batches. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if cfg.Publisher == nil {
		cfg.Publisher = events.Nop{}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &Orchestrator{
		catalogue:  cfg.Catalogue,
		runner:     cfg.Runner,
		reconciler: cfg.Reconciler,
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		logger:     logger.With(slog.String("component", "orchestrator")),
		sleep:      cfg.Sleep,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Status reports whether a run is in flight.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{IsRunning: o.running, CurrentSessionID: o.sessionID}
	if o.running {
		st.DataSource = o.source
		at := o.startedAt
		st.StartedAt = &at
	}
	return st
}

// Stop cancels the in-flight run. The run's session completes as failed
// and reconciliation is skipped. Returns false when nothing was running.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return false
	}
	o.stopped = true
	o.cancel()
	o.logger.Info("stop requested", slog.String("sessionId", o.sessionID))
	return true
}

func (o *Orchestrator) acquire(ctx context.Context, source model.DataSource) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	o.running = true
	o.stopped = false
	o.cancel = cancel
	o.idle = make(chan struct{})
	o.sessionID = ""
	o.source = source
	o.startedAt = o.now()
	metrics.ScrapeRunning.Set(1)
	return runCtx, nil
}

func (o *Orchestrator) setSession(id string) {
	o.mu.Lock()
	o.sessionID = id
	o.mu.Unlock()
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancel()
	o.running = false
	o.sessionID = ""
	o.cancel = nil
	close(o.idle)
	metrics.ScrapeRunning.Set(0)
}

// Wait blocks until no run holds the slot or ctx is done. Call it after
// Stop so the session is closed before the store goes away.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) wasStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// StartFullScraping scrapes the requested regions (all by default),
// reconciles the merged harvest once and closes the session.
func (o *Orchestrator) StartFullScraping(ctx context.Context, opts Options) (*ScrapeResult, error) {
	return o.scrape(ctx, model.SourceFullScraping, opts)
}

// IncrementalScrapeRegion scrapes a single region under an
// incremental_scraping session.
func (o *Orchestrator) IncrementalScrapeRegion(ctx context.Context, r model.Region, opts Options) (*ScrapeResult, error) {
	opts.Regions = []model.Region{r}
	return o.scrape(ctx, model.SourceIncrementalScraping, opts)
}

func (o *Orchestrator) scrape(ctx context.Context, source model.DataSource, opts Options) (*ScrapeResult, error) {
	if len(opts.Regions) == 0 {
		opts.Regions = o.catalogue.All()
	}
	for _, r := range opts.Regions {
		if _, ok := o.catalogue.Lookup(r); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownRegion, r)
		}
	}
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = defaultMaxConcurrency
	}
	retry := opts.retry()
	opts.RetryFailedRegions = &retry
	metadata, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode run options: %w", err)
	}

	runCtx, err := o.acquire(ctx, source)
	if err != nil {
		return nil, err
	}
	defer o.release()

	run, err := o.open(ctx, source, metadata, opts.OnProgress)
	if err != nil {
		return nil, err
	}
	run.progress.TotalRegions = len(opts.Regions)

	o.logger.Info("scraping started",
		slog.String("sessionId", run.session.ID),
		slog.String("source", string(source)),
		slog.Int("regions", len(opts.Regions)),
		slog.Int("maxConcurrency", opts.MaxConcurrency),
	)
	if opts.OnStarted != nil {
		opts.OnStarted(run.session.ID)
	}

	failed := o.runPass(runCtx, run, opts.Regions, opts.MaxConcurrency, retry)
	if len(failed) > 0 && retry && runCtx.Err() == nil {
		o.logger.Info("retrying failed regions", slog.Int("regions", len(failed)))
		again := make([]model.Region, 0, len(failed))
		for _, f := range failed {
			again = append(again, f.region)
		}
		o.runPass(runCtx, run, again, opts.MaxConcurrency, false)
	}

	if runCtx.Err() != nil {
		return o.abort(ctx, run, runCtx.Err())
	}

	// Merge in requested region order. An id listed by two regions keeps the
	// record of the region requested first.
	var records []model.ChannelRecord
	scope := store.Scope{SkipCountries: map[model.Region][]string{}}
	for _, r := range opts.Regions {
		res, ok := run.results[r]
		if !ok {
			continue
		}
		records = append(records, res.Channels...)
		scope.Regions = append(scope.Regions, res.Region)
		if failed := res.FailedCountries(); len(failed) > 0 {
			scope.SkipCountries[res.Region] = failed
		}
	}

	return o.finish(ctx, runCtx, run, records, scope)
}

// ProcessManualChannelData validates caller-supplied records and reconciles
// them under a manual_input session. Manual input never deactivates.
func (o *Orchestrator) ProcessManualChannelData(ctx context.Context, records []model.ChannelRecord, metadata json.RawMessage) (*ScrapeResult, error) {
	runCtx, err := o.acquire(ctx, model.SourceManualInput)
	if err != nil {
		return nil, err
	}
	defer o.release()

	run, err := o.open(ctx, model.SourceManualInput, metadata, nil)
	if err != nil {
		return nil, err
	}

	now := o.now()
	valid := make([]model.ChannelRecord, 0, len(records))
	for _, rec := range records {
		err := ValidateRecord(rec)
		if _, ok := o.catalogue.Lookup(rec.Region); err == nil && !ok {
			err = &ValidationError{Field: "region", ExternalID: rec.ExternalID, Msg: fmt.Sprintf("unknown region %q", rec.Region)}
		}
		if err != nil {
			run.progress.Errors = append(run.progress.Errors, model.RunError{
				ExternalID: rec.ExternalID,
				Error:      err.Error(),
				At:         now,
			})
			continue
		}
		if rec.PartnerType != model.PartnerMaster {
			rec.PartnerType = model.PartnerSimple
		}
		if rec.CountryCode == "" {
			rec.CountryCode = o.catalogue.CountryCode(rec.Region, rec.CountryState)
		}
		if rec.ScrapedAt.IsZero() {
			rec.ScrapedAt = now
		}
		valid = append(valid, rec)
	}
	run.progress.ChannelsFound = len(valid)

	return o.finish(ctx, runCtx, run, valid, store.Scope{})
}

// runState is the bookkeeping of one run. Fields are guarded by mu while
// regions of a batch are scraped concurrently.
type runState struct {
	mu         sync.Mutex
	session    model.Session
	progress   model.SessionProgress
	results    map[model.Region]RegionResult
	onProgress ProgressFunc
}

type regionFailure struct {
	region model.Region
	err    error
	result *RegionResult
}

func (o *Orchestrator) open(ctx context.Context, source model.DataSource, metadata json.RawMessage, onProgress ProgressFunc) (*runState, error) {
	sess, err := o.store.CreateSession(ctx, source, metadata)
	if err != nil {
		return nil, &SessionError{Op: "create", Err: err}
	}
	o.setSession(sess.ID)
	return &runState{
		session:    sess,
		progress:   model.SessionProgress{Errors: []model.RunError{}},
		results:    make(map[model.Region]RegionResult),
		onProgress: onProgress,
	}, nil
}

// runPass scrapes regions in batches of maxConcurrency and returns the
// regions that failed. With deferFailures set, failed regions are not
// recorded so a retry pass can take them over.
func (o *Orchestrator) runPass(ctx context.Context, run *runState, regions []model.Region, maxConcurrency int, deferFailures bool) []regionFailure {
	var failures []regionFailure
	for start := 0; start < len(regions); start += maxConcurrency {
		if ctx.Err() != nil {
			break
		}
		end := min(start+maxConcurrency, len(regions))

		var wg sync.WaitGroup
		for _, r := range regions[start:end] {
			wg.Add(1)
			go func(r model.Region) {
				defer wg.Done()
				res, err := o.scrapeRegionSafely(ctx, r)
				if ctx.Err() != nil {
					return
				}
				res.Region = r

				run.mu.Lock()
				defer run.mu.Unlock()
				failed := err != nil || (len(res.Errors) > 0 && len(res.SucceededCountries) == 0)
				if failed {
					f := regionFailure{region: r, err: err}
					if err == nil {
						f.result = &res
					}
					failures = append(failures, f)
					if deferFailures {
						return
					}
					o.recordFailure(run, f)
				} else {
					o.recordSuccess(run, res)
				}
				o.notify(ctx, run, events.ProgressRegionCompleted, r, "")
			}(r)
		}
		wg.Wait()

		if end < len(regions) {
			if err := o.sleep(ctx, o.runner.Delay()); err != nil {
				break
			}
		}
	}
	return failures
}

func (o *Orchestrator) scrapeRegionSafely(ctx context.Context, r model.Region) (res RegionResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("region scrape panicked", slog.String("region", string(r)), slog.Any("panic", p))
			err = fmt.Errorf("region %s panicked: %v", r, p)
		}
	}()
	return o.runner.ScrapeRegion(ctx, r)
}

// recordSuccess and recordFailure must be called with run.mu held.
func (o *Orchestrator) recordSuccess(run *runState, res RegionResult) {
	now := o.now()
	run.results[res.Region] = res
	run.progress.ProcessedRegions++
	run.progress.ChannelsFound += len(res.Channels)
	for _, ce := range res.Errors {
		run.progress.Errors = append(run.progress.Errors, model.RunError{
			Region:  res.Region,
			Country: ce.Country,
			Error:   ce.Err.Error(),
			At:      now,
		})
	}
}

func (o *Orchestrator) recordFailure(run *runState, f regionFailure) {
	now := o.now()
	run.progress.ProcessedRegions++
	if f.result != nil {
		for _, ce := range f.result.Errors {
			run.progress.Errors = append(run.progress.Errors, model.RunError{
				Region:  f.region,
				Country: ce.Country,
				Error:   ce.Err.Error(),
				At:      now,
			})
		}
		return
	}
	run.progress.Errors = append(run.progress.Errors, model.RunError{
		Region: f.region,
		Error:  f.err.Error(),
		At:     now,
	})
	o.logger.Warn("region failed", slog.String("region", string(f.region)), slog.String("err", f.err.Error()))
}

// notify must be called with run.mu held.
func (o *Orchestrator) notify(ctx context.Context, run *runState, typ string, r model.Region, status model.SessionStatus) {
	ev := events.Progress{
		Type:      typ,
		SessionID: run.session.ID,
		Region:    r,
		Status:    status,
		Progress:  cloneProgress(run.progress),
		At:        o.now(),
	}
	if typ == events.ProgressRegionCompleted {
		if err := o.store.UpdateSessionProgress(context.WithoutCancel(ctx), run.session.ID, ev.Progress); err != nil {
			o.logger.Warn("update session progress failed", slog.String("sessionId", run.session.ID), slog.String("err", err.Error()))
		}
	}
	if run.onProgress != nil {
		run.onProgress(ev)
	}
	o.publisher.PublishProgress(ctx, ev)
}

func (o *Orchestrator) finish(ctx, runCtx context.Context, run *runState, records []model.ChannelRecord, scope store.Scope) (*ScrapeResult, error) {
	res, err := o.reconciler.Reconcile(runCtx, reconcile.Batch{
		SessionID: run.session.ID,
		Records:   records,
		Scope:     scope,
	})

	run.mu.Lock()
	run.progress.NewChannels = res.New
	run.progress.UpdatedChannels = res.Updated
	run.progress.ReactivatedChannels = res.Reactivated
	run.progress.DeactivatedChannels = res.Deactivated
	now := o.now()
	for _, re := range res.Errors {
		run.progress.Errors = append(run.progress.Errors, model.RunError{
			ExternalID: re.ExternalID,
			Error:      re.Err.Error(),
			At:         now,
		})
	}
	run.mu.Unlock()

	if err != nil {
		if runCtx.Err() != nil {
			return o.abort(ctx, run, runCtx.Err())
		}
		return o.close(ctx, run, model.SessionFailed, err.Error())
	}

	status := model.SessionCompleted
	if len(run.progress.Errors) > 0 {
		status = model.SessionCompletedWithErrors
	}
	return o.close(ctx, run, status, "")
}

// abort closes a run that was cancelled before reconciliation finished.
func (o *Orchestrator) abort(ctx context.Context, run *runState, cause error) (*ScrapeResult, error) {
	msg := cause.Error()
	if o.wasStopped() || errors.Is(cause, ErrStopped) {
		msg = ErrStopped.Error()
	}
	o.logger.Warn("run aborted", slog.String("sessionId", run.session.ID), slog.String("reason", msg))
	return o.close(ctx, run, model.SessionFailed, msg)
}

func (o *Orchestrator) close(ctx context.Context, run *runState, status model.SessionStatus, errMsg string) (*ScrapeResult, error) {
	ctx = context.WithoutCancel(ctx)

	run.mu.Lock()
	defer run.mu.Unlock()

	var msgPtr *string
	if errMsg != "" {
		msgPtr = &errMsg
	}
	result := &ScrapeResult{
		SessionID:    run.session.ID,
		DataSource:   run.session.DataSource,
		Status:       status,
		Progress:     cloneProgress(run.progress),
		ErrorMessage: errMsg,
		StartedAt:    run.session.StartedAt,
		CompletedAt:  o.now(),
	}

	sess, err := o.store.CompleteSession(ctx, run.session.ID, status, run.progress, msgPtr)
	if err != nil {
		o.logger.Error("complete session failed", slog.String("sessionId", run.session.ID), slog.String("err", err.Error()))
		return result, &SessionError{Op: "complete", Err: err}
	}
	if sess.CompletedAt != nil {
		result.CompletedAt = *sess.CompletedAt
	}

	metrics.Sessions.WithLabelValues(string(run.session.DataSource), string(status)).Inc()
	o.notify(ctx, run, events.ProgressScrapingCompleted, "", status)
	o.logger.Info("run finished",
		slog.String("sessionId", run.session.ID),
		slog.String("status", string(status)),
		slog.Int("channelsFound", run.progress.ChannelsFound),
		slog.Int("new", run.progress.NewChannels),
		slog.Int("updated", run.progress.UpdatedChannels),
		slog.Int("reactivated", run.progress.ReactivatedChannels),
		slog.Int("deactivated", run.progress.DeactivatedChannels),
		slog.Int("errors", len(run.progress.Errors)),
		slog.Duration("took", result.CompletedAt.Sub(result.StartedAt)),
	)
	return result, nil
}

func cloneProgress(p model.SessionProgress) model.SessionProgress {
	out := p
	out.Errors = append([]model.RunError{}, p.Errors...)
	return out
}
