package main

import (
	"context"
	"math"
	"time"
)

// RecoveryStrategy runs between failed attempts to put the flow back into a
// retryable state, e.g. a soft refresh of the current page or a hard
// re-navigation to the entry point.
type RecoveryStrategy func(ctx context.Context) error

// BackoffPolicy is a bounded retry executor with escalating waits and
// per-attempt recovery strategies. It never propagates failure as an error:
// callers get the zero value and false after the last attempt.
type BackoffPolicy struct {
	Base       time.Duration
	Growth     float64
	Cap        time.Duration
	Multiplier float64
	Logger     Logger
}

// NewBackoffPolicy returns a policy with the engine defaults: 2s base,
// doubling, capped at 60s.
func NewBackoffPolicy(logger Logger) *BackoffPolicy {
	return &BackoffPolicy{
		Base:       2 * time.Second,
		Growth:     2.0,
		Cap:        60 * time.Second,
		Multiplier: 1.0,
		Logger:     logger,
	}
}

// delayFor computes the wait preceding the given attempt (attempt 0 never
// waits).
func (p *BackoffPolicy) delayFor(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1.0
	}
	d := time.Duration(float64(p.Base) * math.Pow(p.Growth, float64(attempt-1)) * mult)
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

func (p *BackoffPolicy) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Log(format, args...)
	}
}

// ExecuteBackoff runs op up to maxAttempts times under the policy. Attempt 0
// runs immediately; attempt n first waits the escalating delay, then runs the
// recovery strategy indexed by n-1 (clamped to the last one) before retrying.
// The first attempt for which op reports ok wins. Exhaustion returns the zero
// value and false; every attempt outcome is logged under label.
func ExecuteBackoff[T any](ctx context.Context, p *BackoffPolicy, label string, maxAttempts int, op func(ctx context.Context) (T, bool), recoveries []RecoveryStrategy) (T, bool) {
	var zero T

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.delayFor(attempt)
			p.logf("%s: attempt %d/%d failed, waiting %v before retry", label, attempt, maxAttempts, delay)

			select {
			case <-ctx.Done():
				p.logf("%s: aborted while waiting: %v", label, ctx.Err())
				return zero, false
			case <-time.After(delay):
			}

			if len(recoveries) > 0 {
				idx := attempt - 1
				if idx >= len(recoveries) {
					idx = len(recoveries) - 1
				}
				if err := recoveries[idx](ctx); err != nil {
					p.logf("%s: recovery strategy %d failed: %v", label, idx, err)
				}
			}
		}

		result, ok := op(ctx)
		if ok {
			if attempt > 0 {
				p.logf("%s: succeeded on attempt %d/%d", label, attempt+1, maxAttempts)
			}
			return result, true
		}
	}

	p.logf("%s: all %d attempts exhausted", label, maxAttempts)
	return zero, false
}
