package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelscope/channel-service/internal/model"
	"channelscope/channel-service/internal/scraper"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingRunner struct {
	calls atomic.Int32
	err   error
	ran   chan struct{}
}

func (r *countingRunner) StartFullScraping(context.Context, scraper.Options) (*scraper.ScrapeResult, error) {
	r.calls.Add(1)
	defer func() { r.ran <- struct{}{} }()
	if r.err != nil {
		return nil, r.err
	}
	return &scraper.ScrapeResult{SessionID: "s1", Status: model.SessionCompleted}, nil
}

func TestScheduler_RunsOnStart(t *testing.T) {
	runner := &countingRunner{ran: make(chan struct{}, 4)}
	s := New(runner, "@every 1h", scraper.Options{}, true, discard)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case <-runner.ran:
	case <-time.After(2 * time.Second):
		t.Fatal("scrape did not run on start")
	}
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestScheduler_NoRunWithoutOnStart(t *testing.T) {
	runner := &countingRunner{ran: make(chan struct{}, 4)}
	s := New(runner, "@every 1h", scraper.Options{}, false, discard)
	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Zero(t, runner.calls.Load())
}

func TestScheduler_BadSpec(t *testing.T) {
	s := New(&countingRunner{}, "every so often", scraper.Options{}, false, discard)
	assert.Error(t, s.Start(context.Background()))
}

func TestScheduler_SkipsWhenAlreadyRunning(t *testing.T) {
	runner := &countingRunner{err: scraper.ErrAlreadyRunning, ran: make(chan struct{}, 1)}
	s := New(runner, "@every 1h", scraper.Options{}, false, discard)

	s.runScrape(context.Background())
	<-runner.ran
	assert.Equal(t, int32(1), runner.calls.Load())
}

func TestScheduler_CancelledContextSkips(t *testing.T) {
	runner := &countingRunner{ran: make(chan struct{}, 1)}
	s := New(runner, "@every 1h", scraper.Options{}, false, discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.runScrape(ctx)
	assert.Zero(t, runner.calls.Load())
}
