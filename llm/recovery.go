package llm

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RecoveryPolicy wraps provider Generate calls with the two failure
// handling mechanisms, checked in this order:
//
//  1. Connection-error recovery: at most one extra attempt per call site.
//     If the provider implements TransportRebuilder and the rebuild
//     succeeds, Generate is retried exactly once; any further connection
//     error propagates. This mechanism never loops and never consumes
//     the backoff budget.
//  2. Bounded backoff retry: status and timeout errors are retried up to
//     MaxRetries times with exponential backoff. A status error never
//     triggers the transport-rebuild hook.
type RecoveryPolicy struct {
	MaxRetries        int     // backoff retry budget (not counting the initial attempt)
	BaseDelay         float64 // initial delay in seconds
	MaxDelay          float64 // maximum delay between retries
	BackoffMultiplier float64 // exponential backoff factor
	Jitter            bool    // add random jitter to prevent thundering herd
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// DefaultRecoveryPolicy returns the default policy used by the engine.
func DefaultRecoveryPolicy(maxRetries int) RecoveryPolicy {
	return RecoveryPolicy{
		MaxRetries:        maxRetries,
		BaseDelay:         1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay calculates the backoff delay for attempt n (0-indexed).
func (p RecoveryPolicy) Delay(attempt int) time.Duration {
	delay := math.Min(p.BaseDelay*math.Pow(p.BackoffMultiplier, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		// +/- 50% jitter
		delay = delay * (0.5 + rand.Float64())
	}
	return time.Duration(delay * float64(time.Second))
}

// Generate performs provider.Generate under the recovery policy.
func (p RecoveryPolicy) Generate(ctx context.Context, provider Provider, req GenerateRequest, onEvent StreamHandler) (*StepResult, error) {
	// The rebuild hook fires at most once per Generate call site,
	// regardless of how many backoff retries happen around it.
	rebuilt := false

	attempt := func() (*StepResult, error) {
		result, err := provider.Generate(ctx, req, onEvent)
		if err == nil || !IsConnectionError(err) || rebuilt {
			return result, err
		}
		rb, ok := provider.(TransportRebuilder)
		if !ok {
			return nil, err
		}
		rebuilt = true
		if rerr := rb.RebuildTransport(ctx); rerr != nil {
			return nil, err
		}
		return provider.Generate(ctx, req, onEvent)
	}

	result, err := attempt()
	if err == nil {
		return result, nil
	}

	for n := 0; n < p.MaxRetries; n++ {
		if !IsRetryable(err) {
			return nil, err
		}

		delay := p.Delay(n)
		if p.OnRetry != nil {
			p.OnRetry(err, n+1, delay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		result, err = attempt()
		if err == nil {
			return result, nil
		}
	}

	return nil, err
}
