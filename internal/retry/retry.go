// Package retry implements named retry policies on top of
// github.com/cenkalti/backoff. Only errors marked transient are retried.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/banshee-data/landcover.report/internal/monitoring"
	"github.com/banshee-data/landcover.report/internal/timeutil"
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as a transient service error. nil stays nil.
func Transient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// Policy retries transient failures at a fixed interval. MaxRetries of zero
// means retry until the operation succeeds, fails permanently, or ctx ends.
type Policy struct {
	Name       string
	Interval   time.Duration
	MaxRetries int
	Clock      timeutil.Clock
}

// Do runs op under the policy and returns its final error.
func (p *Policy) Do(ctx context.Context, op func() error) error {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.Interval)
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxRetries))
	}
	b = backoff.WithContext(b, ctx)

	clock := p.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	attempts := 0
	wrapped := func() error {
		attempts++
		err := op()
		if err == nil || IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		monitoring.Logf("[Retry] %s: attempt %d failed: %v; retrying in %s", p.Name, attempts, err, next)
	}
	return backoff.RetryNotifyWithTimer(wrapped, b, notify, &clockTimer{clock: clock})
}

// clockTimer drives backoff waits from a timeutil.Clock.
type clockTimer struct {
	clock timeutil.Clock
	c     <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.c = t.clock.After(d) }
func (t *clockTimer) Stop()                 {}
func (t *clockTimer) C() <-chan time.Time   { return t.c }
