package scraper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleep struct {
	delays []time.Duration
}

func (r *recordedSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	rs := &recordedSleep{}
	p := RetryPolicy{MaxRetries: 3, Sleep: rs.sleep}

	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rs.delays)
}

func TestRetry_ExhaustsBudgetAndReturnsLastError(t *testing.T) {
	rs := &recordedSleep{}
	p := RetryPolicy{MaxRetries: 3, Sleep: rs.sleep}

	calls := 0
	last := &HTTPError{StatusCode: 503}
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 4 {
			return last
		}
		return errors.New("earlier")
	})
	assert.Equal(t, 4, calls, "MaxRetries+1 attempts")
	assert.Same(t, last, err, "final failure propagates unmodified")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, rs.delays)
}

func TestRetry_ZeroValueSingleAttempt(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_CancellationStopsPendingRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxRetries: 5, Sleep: func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}}

	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_DoesNotRetryCancelled(t *testing.T) {
	calls := 0
	err := RetryPolicy{MaxRetries: 3, Sleep: func(context.Context, time.Duration) error { return nil }}.
		Do(context.Background(), func(context.Context) error {
			calls++
			return context.Canceled
		})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetry_AlreadyCancelledNeverCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RetryPolicy{MaxRetries: 3}.Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRetry_CustomBackoffAndJitter(t *testing.T) {
	rs := &recordedSleep{}
	p := RetryPolicy{
		MaxRetries: 2,
		Backoff:    func(int) time.Duration { return 10 * time.Millisecond },
		Jitter:     5 * time.Millisecond,
		Sleep:      rs.sleep,
	}
	_ = p.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	require.Len(t, rs.delays, 2)
	for _, d := range rs.delays {
		assert.GreaterOrEqual(t, d, 10*time.Millisecond)
		assert.Less(t, d, 15*time.Millisecond)
	}
}
