package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"channelscope/channel-service/internal/metrics"
	"channelscope/channel-service/internal/model"
	"channelscope/channel-service/internal/region"
)

// DefaultBaseURL is the public partner-locator search endpoint.
const DefaultBaseURL = "https://www.ui.com/api/v1/search/distributors"

// Getter fetches a URL body. *Fetcher satisfies it.
type Getter interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

// CountryError records one country that could not be scraped after retries.
type CountryError struct {
	Country string
	Err     error
}

func (e CountryError) Error() string {
	return fmt.Sprintf("country %s: %v", e.Country, e.Err)
}

// RegionResult is the outcome of scraping every country of one region.
type RegionResult struct {
	Region             model.Region
	Channels           []model.ChannelRecord
	Errors             []CountryError
	SucceededCountries []string
	// Cancelled is set when the context was done before every country was
	// attempted. Channels then holds the partial harvest.
	Cancelled bool
}

// FailedCountries lists the countries in Errors.
func (r RegionResult) FailedCountries() []string {
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Country)
	}
	return out
}

// RegionScraperConfig configures a RegionScraper.
type RegionScraperConfig struct {
	BaseURL      string
	RequestDelay time.Duration
	Retry        RetryPolicy
	// Sleep waits between countries. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RegionScraper scrapes the countries of a region one after another.
type RegionScraper struct {
	catalogue *region.Catalogue
	getter    Getter
	parser    *Parser
	cfg       RegionScraperConfig
	logger    *slog.Logger
}

// NewRegionScraper constructs a RegionScraper.
func NewRegionScraper(catalogue *region.Catalogue, getter Getter, parser *Parser, cfg RegionScraperConfig, logger *slog.Logger) *RegionScraper {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	return &RegionScraper{
		catalogue: catalogue,
		getter:    getter,
		parser:    parser,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "region_scraper")),
	}
}

// Delay is the configured pause between upstream requests.
func (s *RegionScraper) Delay() time.Duration { return s.cfg.RequestDelay }

// ScrapeRegion fetches and parses every country of region r in catalogue
// order. Per-country failures are isolated into RegionResult.Errors.
func (s *RegionScraper) ScrapeRegion(ctx context.Context, r model.Region) (RegionResult, error) {
	info, ok := s.catalogue.Lookup(r)
	if !ok {
		return RegionResult{}, fmt.Errorf("%w: %q", ErrUnknownRegion, r)
	}

	res := RegionResult{Region: r}
	for i, country := range info.Countries {
		if ctx.Err() != nil {
			res.Cancelled = true
			break
		}

		records, err := s.scrapeCountry(ctx, info, country)
		switch {
		case err == nil:
			res.Channels = append(res.Channels, records...)
			res.SucceededCountries = append(res.SucceededCountries, country)
			s.logger.Debug("country scraped",
				slog.String("region", string(r)),
				slog.String("country", country),
				slog.Int("channels", len(records)),
			)
		case ctx.Err() != nil:
			res.Cancelled = true
		default:
			res.Errors = append(res.Errors, CountryError{Country: country, Err: err})
			s.logger.Warn("country scrape failed",
				slog.String("region", string(r)),
				slog.String("country", country),
				slog.String("err", err.Error()),
			)
		}
		if res.Cancelled {
			break
		}

		if i < len(info.Countries)-1 && s.cfg.RequestDelay > 0 {
			if err := s.cfg.Sleep(ctx, s.cfg.RequestDelay); err != nil {
				res.Cancelled = true
				break
			}
		}
	}

	metrics.RegionScrapes.WithLabelValues(string(r), regionOutcome(res)).Inc()
	return res, nil
}

func (s *RegionScraper) scrapeCountry(ctx context.Context, info region.Info, country string) ([]model.ChannelRecord, error) {
	q := url.Values{}
	q.Set("region", info.APICode)
	q.Set("country", country)
	target := s.cfg.BaseURL + "?" + q.Encode()

	var records []model.ChannelRecord
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		body, err := s.getter.Fetch(ctx, target)
		if err != nil {
			return err
		}
		records, err = s.parser.Parse(body, info.Code, country)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("scrape %s/%s: %w", info.Code, country, err)
	}
	return records, nil
}

func regionOutcome(res RegionResult) string {
	switch {
	case res.Cancelled:
		return "cancelled"
	case len(res.Errors) == 0:
		return "ok"
	case len(res.SucceededCountries) == 0:
		return "failed"
	default:
		return "partial"
	}
}

// IsCancellation reports whether err stems from context cancellation or a
// caller-initiated stop.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped)
}
