package engine

import (
	"context"
	"math"
	"time"
)

// Default retry settings.
const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 10 * time.Second
	DefaultMaxAttempts = 3
)

// RetryPolicy decides whether and when a failed call is re-issued. It knows
// nothing about the call itself and is applied uniformly to every request.
type RetryPolicy struct {
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration `yaml:"base_delay" validate:"gte=0"`

	// Multiplier grows the delay after every further failure.
	Multiplier float64 `yaml:"multiplier" validate:"gte=1"`

	// MaxDelay caps a single wait.
	MaxDelay time.Duration `yaml:"max_delay" validate:"gte=0"`

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1"`

	// MaxElapsed gives up once this much time has passed since the first
	// attempt. Zero means no limit.
	MaxElapsed time.Duration `yaml:"max_elapsed" validate:"gte=0"`
}

// DefaultRetryPolicy returns the documented defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   DefaultBaseDelay,
		Multiplier:  DefaultMultiplier,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// RetryDecision is the outcome of RetryPolicy.Decide.
type RetryDecision struct {
	// Retry is false for GiveUp.
	Retry bool

	// After is the wait before the next attempt.
	After time.Duration
}

// GiveUp is the decision to stop retrying.
var GiveUp = RetryDecision{}

// RetryAfter is the decision to retry after d.
func RetryAfter(d time.Duration) RetryDecision {
	return RetryDecision{Retry: true, After: d}
}

// Decide returns the decision for an error of the given kind after attempt
// attempts (1-based) and elapsed time since the first attempt.
func (p RetryPolicy) Decide(kind ErrorKind, attempt int, elapsed time.Duration) RetryDecision {
	if !kind.Retryable() {
		return GiveUp
	}
	if attempt >= p.MaxAttempts {
		return GiveUp
	}

	delay := p.Backoff(attempt)
	if p.MaxElapsed > 0 && elapsed+delay > p.MaxElapsed {
		return GiveUp
	}
	return RetryAfter(delay)
}

// Backoff returns base * multiplier^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// RetryNotify is called before every backoff wait with the number of the
// attempt that just failed.
type RetryNotify func(attempt int, err error, wait time.Duration)

// Retrier applies a RetryPolicy around a call. The zero value is not usable;
// build one with NewRetrier.
type Retrier struct {
	policy RetryPolicy
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier for the given policy.
func NewRetrier(policy RetryPolicy) *Retrier {
	return &Retrier{
		policy: policy,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Policy returns the policy in use.
func (r *Retrier) Policy() RetryPolicy {
	return r.policy
}

// Do runs fn until it succeeds, the policy gives up, or ctx is done. It
// returns the number of retries performed and the last error.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error, notify RetryNotify) (int, error) {
	start := r.now()
	retries := 0

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return retries, nil
		}
		if ctx.Err() != nil {
			return retries, ctx.Err()
		}

		decision := r.policy.Decide(KindOf(err), attempt, r.now().Sub(start))
		if !decision.Retry {
			return retries, err
		}

		if notify != nil {
			notify(attempt, err, decision.After)
		}
		if err := r.sleep(ctx, decision.After); err != nil {
			return retries, err
		}
		retries++
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
