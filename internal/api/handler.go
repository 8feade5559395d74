// Package api implements the HTTP control and read surface of the channel
// service.
//
// Routes:
//
//	GET  /health                          → liveness + store check
//	GET  /metrics                         → Prometheus exposition
//	POST /scrape                          → start a full scrape (async, 202)
//	POST /scrape/stop                     → cancel the in-flight run
//	GET  /scrape/status                   → single-flight slot snapshot
//	POST /scrape/regions/{region}         → incremental scrape of one region
//	POST /channels/manual                 → reconcile caller-supplied records
//	GET  /channels                        → roster with activity decoration
//	GET  /channels/stats                  → lifecycle summary
//	GET  /channels/{externalId}           → one channel
//	GET  /channels/{externalId}/events    → lifecycle history of one channel
//	GET  /events                          → recent lifecycle events
//	GET  /sessions                        → scrape sessions, newest first
//	GET  /sessions/{id}                   → one session
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"channelscope/channel-service/internal/lifecycle"
	"channelscope/channel-service/internal/metrics"
	"channelscope/channel-service/internal/model"
	"channelscope/channel-service/internal/region"
	"channelscope/channel-service/internal/scraper"
	"channelscope/channel-service/internal/store"
)

const (
	maxBodyBytes = 8 << 20
	maxListLimit = 1000
)

// Orchestrator is the run control used by the handlers.
// *scraper.Orchestrator satisfies it.
type Orchestrator interface {
	StartFullScraping(ctx context.Context, opts scraper.Options) (*scraper.ScrapeResult, error)
	IncrementalScrapeRegion(ctx context.Context, r model.Region, opts scraper.Options) (*scraper.ScrapeResult, error)
	ProcessManualChannelData(ctx context.Context, records []model.ChannelRecord, metadata json.RawMessage) (*scraper.ScrapeResult, error)
	Stop() bool
	Status() scraper.Status
}

// Checker reports backend health. *db.PoolChecker satisfies it.
type Checker interface {
	Check(ctx context.Context) error
}

// Config collects the Handler dependencies.
type Config struct {
	Orchestrator Orchestrator
	Store        store.Store
	Catalogue    *region.Catalogue
	// Health is optional; without it /health only reports liveness.
	Health Checker
	// BaseContext bounds asynchronous runs started over HTTP. Cancelling it
	// stops them. Defaults to context.Background().
	BaseContext context.Context
	Version     string
}

// Handler holds shared dependencies.
type Handler struct {
	orch      Orchestrator
	store     store.Store
	catalogue *region.Catalogue
	health    Checker
	baseCtx   context.Context
	version   string
	sessions  *sessionCache
	logger    *slog.Logger
	now       func() time.Time
}

// NewHandler returns a configured Handler.
func NewHandler(cfg Config, logger *slog.Logger) *Handler {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &Handler{
		orch:      cfg.Orchestrator,
		store:     cfg.Store,
		catalogue: cfg.Catalogue,
		health:    cfg.Health,
		baseCtx:   cfg.BaseContext,
		version:   cfg.Version,
		sessions:  newSessionCache(256, time.Hour),
		logger:    logger.With(slog.String("component", "api")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Routes returns the chi router with every route and the metrics middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", h.healthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/scrape", func(r chi.Router) {
		r.Post("/", h.startScrape)
		r.Post("/stop", h.stopScrape)
		r.Get("/status", h.scrapeStatus)
		r.Post("/regions/{region}", h.scrapeRegion)
	})

	r.Route("/channels", func(r chi.Router) {
		r.Get("/", h.listChannels)
		r.Post("/manual", h.manualChannels)
		r.Get("/stats", h.channelStats)
		r.Get("/{externalId}", h.getChannel)
		r.Get("/{externalId}/events", h.channelEvents)
	})

	r.Get("/events", h.listEvents)
	r.Get("/sessions", h.listSessions)
	r.Get("/sessions/{id}", h.getSession)
	return r
}

// ─── Health ───────────────────────────────────────────────────────────────────

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "ok",
		"service": "channel-service",
		"version": h.version,
	}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Check(ctx); err != nil {
			body["status"] = "unavailable"
			body["error"] = err.Error()
			jsonStatus(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	jsonOK(w, body)
}

// ─── Scrape control ───────────────────────────────────────────────────────────

type scrapeRequest struct {
	Regions            []string `json:"regions"`
	MaxConcurrency     int      `json:"maxConcurrency"`
	RetryFailedRegions *bool    `json:"retryFailedRegions"`
}

type startOutcome struct {
	sessionID string
	err       error
}

func (h *Handler) startScrape(w http.ResponseWriter, r *http.Request) {
	var body scrapeRequest
	if err := decodeOptional(r, &body); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts, err := h.options(body)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The first of OnStarted or an early error wins.
	started := make(chan startOutcome, 1)
	var once sync.Once
	report := func(o startOutcome) { once.Do(func() { started <- o }) }
	opts.OnStarted = func(id string) { report(startOutcome{sessionID: id}) }

	go func() {
		res, err := h.orch.StartFullScraping(h.baseCtx, opts)
		if err != nil {
			report(startOutcome{err: err})
			if !errors.Is(err, scraper.ErrAlreadyRunning) {
				h.logger.Error("full scrape failed", slog.String("err", err.Error()))
			}
			return
		}
		h.logger.Info("full scrape finished",
			slog.String("sessionId", res.SessionID),
			slog.String("status", string(res.Status)),
		)
	}()

	select {
	case out := <-started:
		if out.err != nil {
			h.writeError(w, out.err)
			return
		}
		jsonStatus(w, http.StatusAccepted, map[string]string{
			"sessionId": out.sessionID,
			"status":    string(model.SessionRunning),
		})
	case <-r.Context().Done():
	}
}

func (h *Handler) stopScrape(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, map[string]bool{"stopped": h.orch.Stop()})
}

func (h *Handler) scrapeStatus(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, h.orch.Status())
}

func (h *Handler) scrapeRegion(w http.ResponseWriter, r *http.Request) {
	reg, err := h.catalogue.Parse(chi.URLParam(r, "region"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var body scrapeRequest
	if err := decodeOptional(r, &body); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	body.Regions = nil
	opts, err := h.options(body)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Detached from the request so a dropped client does not abort the run.
	res, err := h.orch.IncrementalScrapeRegion(context.WithoutCancel(r.Context()), reg, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonOK(w, res)
}

func (h *Handler) manualChannels(w http.ResponseWriter, r *http.Request) {
	var records []model.ChannelRecord
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&records); err != nil {
		jsonError(w, "body must be a JSON array of channel records", http.StatusBadRequest)
		return
	}
	if len(records) == 0 {
		jsonError(w, "no records supplied", http.StatusBadRequest)
		return
	}

	metadata, _ := json.Marshal(map[string]any{
		"source":  "http",
		"records": len(records),
	})
	res, err := h.orch.ProcessManualChannelData(context.WithoutCancel(r.Context()), records, metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonOK(w, res)
}

func (h *Handler) options(body scrapeRequest) (scraper.Options, error) {
	opts := scraper.Options{
		MaxConcurrency:     body.MaxConcurrency,
		RetryFailedRegions: body.RetryFailedRegions,
	}
	if body.MaxConcurrency < 0 {
		return opts, fmt.Errorf("maxConcurrency must be positive")
	}
	for _, s := range body.Regions {
		reg, err := h.catalogue.Parse(s)
		if err != nil {
			return opts, err
		}
		opts.Regions = append(opts.Regions, reg)
	}
	return opts, nil
}

// ─── Channels ─────────────────────────────────────────────────────────────────

// channelView is a channel decorated with read-side lifecycle fields.
type channelView struct {
	model.Channel
	ActivityStatus lifecycle.ActivityStatus `json:"activityStatus"`
	LifespanDays   int                      `json:"lifespanDays"`
}

func (h *Handler) view(ch model.Channel, now time.Time) channelView {
	return channelView{
		Channel:        ch,
		ActivityStatus: lifecycle.Activity(ch, now),
		LifespanDays:   lifecycle.LifespanDays(ch, now),
	}
}

func (h *Handler) channelFilter(r *http.Request) (store.ChannelFilter, error) {
	q := r.URL.Query()
	f := store.ChannelFilter{
		CountryState: q.Get("countryState"),
		CountryCode:  q.Get("countryCode"),
	}
	if s := q.Get("region"); s != "" {
		reg, err := h.catalogue.Parse(s)
		if err != nil {
			return f, err
		}
		f.Region = reg
	}
	if s := q.Get("partnerType"); s != "" {
		pt := model.PartnerType(s)
		if pt != model.PartnerMaster && pt != model.PartnerSimple {
			return f, fmt.Errorf("partnerType must be master or simple, got %q", s)
		}
		f.PartnerType = pt
	}
	if s := q.Get("active"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return f, fmt.Errorf("active must be a boolean, got %q", s)
		}
		f.Active = &b
	}
	return f, nil
}

func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	f, err := h.channelFilter(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0, maxListLimit)
	if err != nil {
		jsonError(w, "limit: "+err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := intParam(q.Get("offset"), 0, -1)
	if err != nil {
		jsonError(w, "offset: "+err.Error(), http.StatusBadRequest)
		return
	}

	var activity lifecycle.ActivityStatus
	if s := q.Get("activityStatus"); s != "" {
		if activity, err = lifecycle.ParseActivityStatus(s); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	// Activity is derived at read time, so its filter pages in memory.
	if activity == "" {
		f.Limit, f.Offset = limit, offset
	}

	channels, err := h.store.ListChannels(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}

	now := h.now()
	out := make([]channelView, 0, len(channels))
	skipped := 0
	for _, ch := range channels {
		v := h.view(ch, now)
		if activity != "" {
			if v.ActivityStatus != activity {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		out = append(out, v)
	}
	jsonOK(w, out)
}

func (h *Handler) channelStats(w http.ResponseWriter, r *http.Request) {
	f, err := h.channelFilter(r)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	channels, err := h.store.ListChannels(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonOK(w, lifecycle.Summarize(channels, h.now()))
}

func (h *Handler) getChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := h.store.GetChannel(r.Context(), chi.URLParam(r, "externalId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonOK(w, h.view(ch, h.now()))
}

func (h *Handler) channelEvents(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalId")
	if _, err := h.store.GetChannel(r.Context(), externalID); err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := intParam(r.URL.Query().Get("limit"), 0, maxListLimit)
	if err != nil {
		jsonError(w, "limit: "+err.Error(), http.StatusBadRequest)
		return
	}
	evs, err := h.store.ListLifecycleEvents(r.Context(), store.EventFilter{ExternalID: externalID, Limit: limit})
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonOK(w, evs)
}

// ─── Events & sessions ────────────────────────────────────────────────────────

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	days, err := intParam(q.Get("days"), 7, 366)
	if err != nil {
		jsonError(w, "days: "+err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"), 0, maxListLimit)
	if err != nil {
		jsonError(w, "limit: "+err.Error(), http.StatusBadRequest)
		return
	}
	f := store.EventFilter{
		SessionID: q.Get("sessionId"),
		Limit:     limit,
	}
	if days > 0 {
		f.Since = h.now().Add(-time.Duration(days) * 24 * time.Hour)
	}
	if s := q.Get("type"); s != "" {
		if f.Type, err = lifecycle.ParseEventType(s); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	evs, err := h.store.ListLifecycleEvents(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonOK(w, evs)
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), 0, maxListLimit)
	if err != nil {
		jsonError(w, "limit: "+err.Error(), http.StatusBadRequest)
		return
	}
	f := store.SessionFilter{
		Status:     model.SessionStatus(q.Get("status")),
		DataSource: model.DataSource(q.Get("source")),
		Limit:      limit,
	}
	sessions, err := h.store.ListSessions(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonOK(w, sessions)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s, ok := h.sessions.get(id); ok {
		jsonOK(w, s)
		return
	}
	s, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.sessions.put(s)
	jsonOK(w, s)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// writeError maps domain errors to HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var vErr *scraper.ValidationError
	switch {
	case errors.Is(err, scraper.ErrAlreadyRunning):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		jsonError(w, "not found", http.StatusNotFound)
	case errors.Is(err, scraper.ErrUnknownRegion), errors.As(err, &vErr):
		jsonError(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("request failed", slog.String("err", err.Error()))
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeOptional decodes a JSON body into v; an empty body leaves v as is.
func decodeOptional(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// intParam parses a non-negative integer query value. maxVal < 0 means unbounded.
func intParam(s string, def, maxVal int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("must be a non-negative integer, got %q", s)
	}
	if maxVal >= 0 && n > maxVal {
		return 0, fmt.Errorf("must be <= %d", maxVal)
	}
	return n, nil
}
