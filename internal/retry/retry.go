// Package retry provides the single retry policy used at collaborator
// boundaries (source downloads, target API calls).
//
// The policy is exponential backoff with full jitter and a delay cap.
// Business logic never retries on its own; it calls through a Policy so
// backoff behavior stays uniform across the codebase.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter randomizes each delay in [delay/2, delay) when set.
	Jitter bool
}

// Default returns the policy used by the HTTP clients: 4 attempts,
// 250ms base, 5s cap, jittered.
func Default() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
	}
}

// Permanent wraps an error to tell Do that retrying cannot help
// (e.g. HTTP 4xx responses other than 429).
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }

func (p *Permanent) Unwrap() error { return p.Err }

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var p *Permanent
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the attempt
// budget is exhausted, or ctx is cancelled. The returned error is the
// last error from fn, wrapped with the attempt count when retries ran out.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, attempt); err != nil {
				return err
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// sleep waits out the backoff for the given attempt number (1-based for
// the first retry), honoring ctx cancellation.
func (p Policy) sleep(ctx context.Context, attempt int) error {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter {
		half := delay / 2
		delay = half + time.Duration(rand.Int63n(int64(half)+1))
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
