package retry

import (
	"context"
	"math"
	"time"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Policy bounds attempts and spaces them with exponential backoff. The wait
// after failed attempt n (1-based) is BaseDelay * Multiplier^n.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Retryable reports whether an error may be retried. Nil retries nothing.
	Retryable func(error) bool
	Sleep     Sleeper
}

// Notice describes a scheduled retry.
type Notice struct {
	Attempt     int
	MaxAttempts int
	Wait        time.Duration
	Err         error
}

// Delay returns the wait after failed attempt n.
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt)))
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. onRetry runs before each wait; returning an
// error from it aborts with that error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error, onRetry func(Notice) error) error {
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	var err error
	for attempt := 1; attempt <= max; attempt++ {
		err = fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if attempt == max || p.Retryable == nil || !p.Retryable(err) || ctx.Err() != nil {
			return err
		}
		n := Notice{Attempt: attempt, MaxAttempts: max, Wait: p.Delay(attempt), Err: err}
		if onRetry != nil {
			if hookErr := onRetry(n); hookErr != nil {
				return hookErr
			}
		}
		if serr := sleep(ctx, n.Wait); serr != nil {
			return serr
		}
	}
	return err
}

// SleepContext is a Sleeper backed by a timer.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
