package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry defaults.
const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 8 * time.Second
	DefaultMultiplier      = 2.0
)

// RetryPolicy configures exponential backoff with jitter. MaxRetries counts
// retries, so a delivery makes at most MaxRetries+1 attempts.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = DefaultInitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultMaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the retrier stops immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// AttemptFunc performs one attempt. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

// Retrier runs an operation until it succeeds, fails permanently, runs out of
// attempts or the context ends. Attempts never overlap.
type Retrier struct {
	policy RetryPolicy
	notify func(attempt int, err error, next time.Duration)
}

// NewRetrier returns a retrier for policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{policy: policy.withDefaults()}
}

// OnRetry registers a hook called before each backoff sleep.
func (r *Retrier) OnRetry(fn func(attempt int, err error, next time.Duration)) *Retrier {
	r.notify = fn
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() RetryPolicy { return r.policy }

// Do runs fn and returns how many attempts were made together with the last
// attempt's error, or nil on success. A context that ends before the first
// attempt yields zero attempts.
func (r *Retrier) Do(ctx context.Context, fn AttemptFunc) (int, error) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     r.policy.InitialInterval,
		RandomizationFactor: r.policy.Jitter,
		Multiplier:          r.policy.Multiplier,
		MaxInterval:         r.policy.MaxInterval,
	}

	attempts := 0
	var lastErr error
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.policy.MaxRetries + 1)),
		backoff.WithMaxElapsedTime(0),
	}
	if r.notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			r.notify(attempts, err, next)
		}))
	}

	if err := context.Cause(ctx); err != nil {
		return 0, err
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		if err := fn(ctx, attempts); err != nil {
			lastErr = err
			if IsPermanent(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, opts...)

	var wrapped *backoff.PermanentError
	if errors.As(err, &wrapped) {
		err = wrapped.Unwrap()
	}
	// Cancellation during a backoff sleep reports the attempt's own failure.
	if err != nil && lastErr != nil && ctx.Err() != nil && errors.Is(err, context.Cause(ctx)) {
		err = lastErr
	}
	return attempts, err
}
