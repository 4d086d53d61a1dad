package syncclient

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how often and how fast a request is retried.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// JitterFn returns extra delay added to each backoff. Nil disables jitter.
	JitterFn func(time.Duration) time.Duration
}

// DefaultRetryPolicy retries twice with jittered exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  2,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  10 * time.Second,
		JitterFn: func(d time.Duration) time.Duration {
			return time.Duration(rand.Int64N(int64(d)/2 + 1))
		},
	}
}

// permanentError stops Retry at once.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes fn until it succeeds, returns a permanent error, the
// policy runs out, or ctx is done.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempt := 0
	backoff := policy.BaseBackoff

	for {
		err := fn()
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}

		attempt++
		if attempt > policy.MaxRetries {
			return err
		}

		delay := backoff
		if policy.JitterFn != nil {
			delay += policy.JitterFn(backoff)
		}
		if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			backoff *= 2
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
