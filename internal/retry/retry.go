package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twinmind/twinmind-engine/internal/transcribe"
)

// ErrRetriesExhausted matches every *ExhaustedError.
var ErrRetriesExhausted = errors.New("retries exhausted")

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Policy bounds how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single wait. Zero means uncapped.
	MaxDelay time.Duration
	// Retryable decides whether a failure may be retried. Defaults to
	// transcribe.IsRetryable.
	Retryable func(error) bool
	// OnRetry is called before each wait with the failed attempt (0-based).
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

func (p Policy) normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Retryable == nil {
		p.Retryable = transcribe.IsRetryable
	}
	return p
}

// Delay returns the wait after failed attempt n (0-based): 2^n * BaseDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalize()
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && (d <= 0 || d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

// Execute runs op until it succeeds, fails with a non-retryable error, the
// attempts run out, or ctx is done. Waits never block other goroutines.
// A non-retryable error is returned unchanged.
func Execute[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalize()
	var zero T

	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !p.Retryable(err) {
			return zero, err
		}
		last = err

		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}
