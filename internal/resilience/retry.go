package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how often a failed call is re-attempted.
type RetryPolicy struct {
	// Retries is the number of attempts after the first one. Zero disables
	// retrying.
	Retries int
	// Delay is the base backoff; it doubles after every failed attempt.
	Delay time.Duration
}

// Permanent marks err as not worth retrying. Do returns it unchanged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Do runs fn until it succeeds, returns a Permanent error, the context is
// done, or the retry budget is spent. It returns the number of attempts made
// and the last error.
func Do(ctx context.Context, p RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	delay := p.Delay
	if delay <= 0 {
		delay = time.Millisecond
	}
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := retry.WithMaxRetries(uint64(retries), retry.NewExponential(delay))

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return err
		}
		return retry.RetryableError(err)
	})
	return attempts, err
}
