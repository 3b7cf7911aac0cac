package retry

import (
	"context"
	"errors"
	"time"
)

// Backoff retries calls to a failing collaborator. It is separate from
// contract retries: a call that returns an error never produced an output to
// validate, so it does not consume an attempt of the step.
type Backoff struct {
	// Attempts is the total number of calls. Values below 1 mean 1.
	Attempts int
	// Initial is the delay after the first failure; it doubles up to Max.
	Initial time.Duration
	Max     time.Duration
	// ShouldRetry overrides the default classification. By default every
	// error except context cancelation is retried.
	ShouldRetry func(error) bool
}

// DefaultBackoff is three calls starting at 100ms.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 3, Initial: 100 * time.Millisecond, Max: 2 * time.Second}
}

// Do calls fn until it succeeds, the attempts are used up, the error is not
// retryable or ctx is done. It returns the number of calls made and the last
// error.
func (b Backoff) Do(ctx context.Context, fn func(context.Context) error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	attempts := normalizedAttempts(b.Attempts)
	var lastErr error
	for call := 1; call <= attempts; call++ {
		err := fn(ctx)
		if err == nil {
			return call, nil
		}
		lastErr = err
		if call == attempts || !b.shouldRetry(ctx, err) {
			return call, lastErr
		}
		if err := sleep(ctx, b.Delay(call)); err != nil {
			return call, lastErr
		}
	}
	return attempts, lastErr
}

// Delay returns the wait after the given failed call.
func (b Backoff) Delay(call int) time.Duration {
	if b.Initial <= 0 {
		return 0
	}
	d := b.Initial
	for i := 1; i < call; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

func (b Backoff) shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if b.ShouldRetry != nil {
		return b.ShouldRetry(err)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func normalizedAttempts(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
