// Package retry implements the UpstreamTransient recovery policy the
// orchestrator applies to Lightning invoice creation and M-Pesa dispatch
// (rate fetches are not retried through it): exponential
// backoff with jitter, bounded by a maximum attempt count, after which the
// caller treats the error as retry-budget-exhausted and routes the
// transaction to FAILED or REFUNDING.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrBudgetExhausted is returned by Do when every attempt has failed.
var ErrBudgetExhausted = errors.New("retry: attempt budget exhausted")

// Policy configures the backoff schedule. JitterFraction, when positive,
// applies a +/-fraction jitter band around the computed backoff instead of
// the zero-value's full jitter (uniform between 0 and the backoff).
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterFraction float64
}

// DefaultPolicy mirrors the bridge's default upstream retry budget: 4
// attempts, doubling from 200ms, capped at 5s, with full jitter.
var DefaultPolicy = Policy{MaxAttempts: 4, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}

// OrchestratorPolicy is the retry schedule the orchestrator applies to its
// own outbound side effects — invoice creation, M-Pesa dispatch, refund
// requests: base 200ms, factor 2, +/-20% jitter, capped at 30s,
// 5 attempts.
var OrchestratorPolicy = Policy{MaxAttempts: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: 30 * time.Second, JitterFraction: 0.2}

// delay returns the jittered backoff before attempt n (0-indexed).
func (p Policy) delay(n int) time.Duration {
	backoff := float64(p.BaseDelay) * math.Pow(2, float64(n))
	if backoff > float64(p.MaxDelay) {
		backoff = float64(p.MaxDelay)
	}
	if p.JitterFraction <= 0 {
		return time.Duration(rand.Int63n(int64(backoff) + 1))
	}
	band := backoff * p.JitterFraction
	jittered := backoff - band + rand.Float64()*2*band
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}

// Do calls fn until it succeeds, the policy's attempt budget is exhausted,
// or ctx is cancelled. It returns the last error wrapped with
// ErrBudgetExhausted once attempts run out.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.delay(attempt - 1)):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return errors.Join(ErrBudgetExhausted, lastErr)
}
