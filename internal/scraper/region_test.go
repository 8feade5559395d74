package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelscope/channel-service/internal/model"
	"channelscope/channel-service/internal/region"
)

// fakeGetter serves canned bodies keyed by the country query parameter.
type fakeGetter struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  []string
}

func (g *fakeGetter) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	country := u.Query().Get("country")

	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, rawURL)
	if err := g.errs[country]; err != nil {
		return nil, err
	}
	return []byte(g.bodies[country]), nil
}

func (g *fakeGetter) count(country string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, c := range g.calls {
		u, _ := url.Parse(c)
		if u.Query().Get("country") == country {
			n++
		}
	}
	return n
}

func noSleep(context.Context, time.Duration) error { return nil }

func usaCatalogue(states ...string) *region.Catalogue {
	return region.New(region.Info{Code: model.RegionUSA, APICode: "usa", Countries: states, Country: "US"})
}

func TestScrapeRegion_IsolatesCountryFailures(t *testing.T) {
	getter := &fakeGetter{
		bodies: map[string]string{
			"CA": `{"results":[
				{"id":"ca-1","name":"One","address":"A"},
				{"id":"ca-2","name":"Two","address":"B"},
				{"id":"ca-3","name":"Three"}
			]}`,
		},
		errs: map[string]error{
			"TX": &HTTPError{URL: "x", StatusCode: 500},
		},
	}
	cat := usaCatalogue("CA", "TX")
	s := NewRegionScraper(cat, getter, NewParser(cat, discard), RegionScraperConfig{
		BaseURL: "http://upstream.test/search",
		Retry:   RetryPolicy{MaxRetries: 3, Sleep: noSleep},
		Sleep:   noSleep,
	}, discard)

	res, err := s.ScrapeRegion(context.Background(), model.RegionUSA)
	require.NoError(t, err)

	assert.False(t, res.Cancelled)
	require.Len(t, res.Channels, 2)
	assert.Equal(t, "ca-1", res.Channels[0].ExternalID)
	assert.Equal(t, "US", res.Channels[0].CountryCode)
	assert.Equal(t, []string{"CA"}, res.SucceededCountries)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "TX", res.Errors[0].Country)
	assert.Equal(t, []string{"TX"}, res.FailedCountries())

	var httpErr *HTTPError
	assert.ErrorAs(t, res.Errors[0].Err, &httpErr)
	assert.Equal(t, 1, getter.count("CA"))
	assert.Equal(t, 4, getter.count("TX"), "one attempt plus three retries")
}

func TestScrapeRegion_BuildsQuery(t *testing.T) {
	getter := &fakeGetter{bodies: map[string]string{"AU": `{"results":[]}`}}
	cat := region.New(region.Info{Code: model.RegionOceania, APICode: "aus-nzl", Countries: []string{"AU"}})
	s := NewRegionScraper(cat, getter, NewParser(cat, discard), RegionScraperConfig{
		BaseURL: "http://upstream.test/search",
		Sleep:   noSleep,
	}, discard)

	_, err := s.ScrapeRegion(context.Background(), model.RegionOceania)
	require.NoError(t, err)
	require.Len(t, getter.calls, 1)

	u, err := url.Parse(getter.calls[0])
	require.NoError(t, err)
	assert.Equal(t, "upstream.test", u.Host)
	assert.Equal(t, "/search", u.Path)
	assert.Equal(t, "aus-nzl", u.Query().Get("region"))
	assert.Equal(t, "AU", u.Query().Get("country"))
}

func TestScrapeRegion_DelaysBetweenCountriesOnly(t *testing.T) {
	getter := &fakeGetter{bodies: map[string]string{}}
	cat := usaCatalogue("CA", "FL", "IL")

	var slept []time.Duration
	s := NewRegionScraper(cat, getter, NewParser(cat, discard), RegionScraperConfig{
		RequestDelay: 2 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}, discard)

	_, err := s.ScrapeRegion(context.Background(), model.RegionUSA)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, slept)
	assert.Equal(t, 2*time.Second, s.Delay())
}

func TestScrapeRegion_UnknownRegion(t *testing.T) {
	cat := usaCatalogue("CA")
	s := NewRegionScraper(cat, &fakeGetter{}, NewParser(cat, discard), RegionScraperConfig{}, discard)

	_, err := s.ScrapeRegion(context.Background(), model.RegionAfrica)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownRegion)
}

func TestScrapeRegion_CancelledMidway(t *testing.T) {
	getter := &fakeGetter{bodies: map[string]string{
		"CA": `{"results":[{"id":"1","name":"N","address":"A"}]}`,
	}}
	cat := usaCatalogue("CA", "FL", "IL")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewRegionScraper(cat, getter, NewParser(cat, discard), RegionScraperConfig{
		RequestDelay: time.Second,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}, discard)

	res, err := s.ScrapeRegion(ctx, model.RegionUSA)
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Len(t, res.Channels, 1, "partial harvest is kept")
	assert.Empty(t, res.Errors, "cancellation is not a country failure")
	assert.Equal(t, 0, getter.count("FL"))
}

func TestScrapeRegion_MalformedPayloadIsCountryError(t *testing.T) {
	getter := &fakeGetter{bodies: map[string]string{"CA": `{"results":`}}
	cat := usaCatalogue("CA")
	s := NewRegionScraper(cat, getter, NewParser(cat, discard), RegionScraperConfig{
		Retry: RetryPolicy{MaxRetries: 1, Sleep: noSleep},
		Sleep: noSleep,
	}, discard)

	res, err := s.ScrapeRegion(context.Background(), model.RegionUSA)
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Empty(t, res.SucceededCountries)
	assert.Equal(t, 2, getter.count("CA"))
}

func TestScrapeRegion_ErrorBodyIsCountryError(t *testing.T) {
	getter := &fakeGetter{bodies: map[string]string{
		"CA": `{"results":[{"id":"1","name":"N","address":"A"}]}`,
		"TX": `{"error":"rate limited"}`,
	}}
	cat := usaCatalogue("CA", "TX")
	s := NewRegionScraper(cat, getter, NewParser(cat, discard), RegionScraperConfig{
		Retry: RetryPolicy{MaxRetries: 2, Sleep: noSleep},
		Sleep: noSleep,
	}, discard)

	res, err := s.ScrapeRegion(context.Background(), model.RegionUSA)
	require.NoError(t, err)
	assert.Equal(t, []string{"CA"}, res.SucceededCountries)
	assert.Equal(t, []string{"TX"}, res.FailedCountries())
	assert.ErrorIs(t, res.Errors[0].Err, ErrNoPartnerList)
	assert.Equal(t, 3, getter.count("TX"), "retried like any other failed request")
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(fmt.Errorf("wrap: %w", ErrStopped)))
	assert.False(t, IsCancellation(errors.New("boom")))
	assert.False(t, IsCancellation(context.DeadlineExceeded))
}
