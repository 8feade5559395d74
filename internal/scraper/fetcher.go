package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"channelscope/channel-service/internal/metrics"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	maxBodyBytes     = 10 << 20
)

// FetcherConfig configures a Fetcher. Zero values pick the defaults.
type FetcherConfig struct {
	UserAgent string
	Timeout   time.Duration
	// RatePerSecond caps request throughput across all goroutines sharing
	// the fetcher. Zero or negative disables the limiter.
	RatePerSecond float64
	Burst         int
	Client        *http.Client
}

// Fetcher performs GET requests against the partner-locator API.
// It is safe for concurrent use; one instance is shared by all region scrapers.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	userAgent string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewFetcher constructs a Fetcher with a shared HTTP client and token bucket.
func NewFetcher(cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Fetcher{
		client:    cfg.Client,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		userAgent: cfg.UserAgent,
		timeout:   cfg.Timeout,
		logger:    logger.With(slog.String("component", "fetcher")),
	}
}

// Fetch performs one GET and returns the response body.
//
// Errors are *TimeoutError when the per-request timeout fires, *NetworkError
// for transport failures and *HTTPError for non-2xx statuses. If ctx is
// cancelled the context error is returned as is.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			metrics.FetchRequests.WithLabelValues("cancelled").Inc()
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := f.client.Do(req)
	metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, f.classify(ctx, reqCtx, rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, f.classify(ctx, reqCtx, rawURL, err)
	}
	if len(body) > maxBodyBytes {
		metrics.FetchRequests.WithLabelValues("network").Inc()
		return nil, &NetworkError{URL: rawURL, Err: fmt.Errorf("response body exceeds %d bytes", maxBodyBytes)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		outcome := "http_5xx"
		if resp.StatusCode < 500 {
			outcome = "http_4xx"
		}
		metrics.FetchRequests.WithLabelValues(outcome).Inc()
		f.logger.Debug("upstream returned error status",
			slog.String("url", rawURL),
			slog.Int("status", resp.StatusCode),
		)
		return nil, &HTTPError{URL: rawURL, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	metrics.FetchRequests.WithLabelValues("ok").Inc()
	return body, nil
}

func (f *Fetcher) classify(ctx, reqCtx context.Context, rawURL string, err error) error {
	if ctx.Err() != nil {
		metrics.FetchRequests.WithLabelValues("cancelled").Inc()
		return ctx.Err()
	}
	var netErr net.Error
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		metrics.FetchRequests.WithLabelValues("timeout").Inc()
		return &TimeoutError{URL: rawURL, Timeout: f.timeout}
	}
	metrics.FetchRequests.WithLabelValues("network").Inc()
	return &NetworkError{URL: rawURL, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
