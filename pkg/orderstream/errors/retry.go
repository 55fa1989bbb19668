package errors

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds the in-process retries of one consumer call.
type RetryPolicy struct {
	// Attempts is the total number of calls, the first one included.
	Attempts int

	// Backoff is the wait before the second call. Each later wait is
	// multiplied by Multiplier and capped at MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	Multiplier float64

	// Jitter spreads each wait by up to this fraction either way.
	Jitter float64

	// Retryable decides whether a failure earns another call.
	// Default: IsRetryable.
	Retryable func(error) bool
}

// DefaultRetry is the policy pubsub subscriptions start from.
var DefaultRetry = RetryPolicy{
	Attempts:   3,
	Backoff:    100 * time.Millisecond,
	MaxBackoff: 5 * time.Second,
	Multiplier: 2,
	Jitter:     0.1,
}

// WithRetryable returns a copy of p using fn as its retryability check.
func (p RetryPolicy) WithRetryable(fn func(error) bool) RetryPolicy {
	p.Retryable = fn
	return p
}

// wait returns the pause after the given number of failed calls.
func (p RetryPolicy) wait(failed int) time.Duration {
	d := float64(p.Backoff)
	for i := 1; i < failed; i++ {
		if p.Multiplier > 0 {
			d *= p.Multiplier
		}
		if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
			d = float64(p.MaxBackoff)
			break
		}
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(d)
}

// Attempt reports how a Retry call ended.
type Attempt struct {
	// Calls is the number of times fn ran.
	Calls int

	// Elapsed covers every call and wait.
	Elapsed time.Duration

	// Err is nil on success, otherwise the last failure wrapped in a
	// CategorizedError carrying the call count.
	Err error
}

// Retry calls fn until it succeeds, fails with a non-retryable error, ctx
// ends, or the policy's attempts are spent.
func Retry(ctx context.Context, p RetryPolicy, fn func(context.Context) error) Attempt {
	start := time.Now()
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	done := func(calls int, err error, note string) Attempt {
		out := Attempt{Calls: calls, Elapsed: time.Since(start)}
		if err != nil {
			out.Err = &CategorizedError{Err: err, Category: Categorize(err), Retries: calls, Context: note}
		}
		return out
	}

	for calls := 1; ; calls++ {
		if err := ctx.Err(); err != nil {
			return done(calls-1, err, "context cancelled")
		}
		err := fn(ctx)
		switch {
		case err == nil:
			return done(calls, nil, "")
		case !retryable(err):
			return done(calls, err, "")
		case calls >= p.Attempts:
			return done(calls, err, "retries exhausted")
		}

		timer := time.NewTimer(p.wait(calls))
		select {
		case <-ctx.Done():
			timer.Stop()
			return done(calls, ctx.Err(), "context cancelled during backoff")
		case <-timer.C:
		}
	}
}
