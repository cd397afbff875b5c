// Package retry provides exponential backoff and circuit breaker
// patterns for the Brain round trip.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// ── Permanent errors ─────────────────────────────────────────────────

// PermanentError marks a failure that another attempt cannot fix, such
// as a Brain answer that does not decode.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.  A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err has been marked as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// ── Backoff ──────────────────────────────────────────────────────────

// Backoff retries an operation with exponentially growing waits.  The
// zero value makes exactly one attempt.
type Backoff struct {
	// Attempts is the total number of tries including the first.
	// Zero or one means no retries.
	Attempts int
	// Initial is the wait after the first failure (default 200ms).
	Initial time.Duration
	// Max caps a single wait (default 2s).
	Max time.Duration
	// Multiplier grows the wait each attempt (default 2).
	Multiplier float64
	// Jitter spreads each wait by ±25% so sessions that failed together
	// do not retry together.
	Jitter bool
	// Retryable classifies failures.  When nil every error that is not
	// [Permanent] is retried.
	Retryable func(error) bool
	// OnRetry is called before each wait with the attempt that just
	// failed.
	OnRetry func(attempt int, err error)
}

// Tries returns a jittered backoff allowing n extra attempts after the
// first, starting at initial.
func Tries(n int, initial time.Duration) *Backoff {
	return &Backoff{
		Attempts:   n + 1,
		Initial:    initial,
		Max:        2 * time.Second,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Do calls fn until it succeeds, fails permanently, runs out of
// attempts, or ctx ends.  It returns the last error fn produced,
// unwrapped from any [PermanentError], so callers see their own error
// types.  A cancelled wait returns the previous failure when there was
// one.
func (b *Backoff) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if b == nil {
		return unwrapPermanent(fn(ctx, 1))
	}
	wait := orDuration(b.Initial, 200*time.Millisecond)
	ceiling := orDuration(b.Max, 2*time.Second)
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if IsPermanent(err) || attempt >= b.Attempts || !b.retryable(err) {
			return unwrapPermanent(err)
		}
		if b.OnRetry != nil {
			b.OnRetry(attempt, err)
		}

		if !sleep(ctx, b.spread(wait)) {
			return err
		}
		wait = time.Duration(float64(wait) * mult)
		if wait > ceiling {
			wait = ceiling
		}
	}
}

func (b *Backoff) retryable(err error) bool {
	return b.Retryable == nil || b.Retryable(err)
}

func (b *Backoff) spread(d time.Duration) time.Duration {
	if !b.Jitter {
		return d
	}
	return addJitter(d)
}

// addJitter returns d ±25%, never below a millisecond.
func addJitter(d time.Duration) time.Duration {
	quarter := int64(d) / 4
	if quarter <= 0 {
		return max(d, time.Millisecond)
	}
	j := d + time.Duration(rand.Int64N(2*quarter+1)-quarter)
	return max(j, time.Millisecond)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func unwrapPermanent(err error) error {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
