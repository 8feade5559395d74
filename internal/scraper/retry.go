package scraper

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy retries a failing operation with exponential backoff.
// The zero value performs a single attempt.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff returns the delay before retry n (0-based). Defaults to 2^n seconds.
	Backoff func(n int) time.Duration
	// Jitter adds up to this much random delay to every backoff.
	Jitter time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error
}

// ExponentialBackoff is the default backoff: 1s, 2s, 4s, ...
func ExponentialBackoff(n int) time.Duration {
	return time.Duration(1<<n) * time.Second
}

// Do calls fn until it succeeds, the retry budget is spent, or ctx is done.
// The last error from fn is returned unmodified. Cancellation errors are
// never retried.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := p.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return err
			}
			return cerr
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil || attempt >= p.MaxRetries {
			return err
		}

		d := backoff(attempt)
		if p.Jitter > 0 {
			d += rand.N(p.Jitter)
		}
		if serr := sleep(ctx, d); serr != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
