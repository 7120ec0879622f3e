// Package retry runs operations under a bounded exponential-backoff policy
package retry

import (
	"context"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFactor randomizes each delay by up to this fraction, 0 disables jitter
	JitterFactor float64
}

// DefaultPolicy is a sensible default retry policy
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	JitterFactor:   0.25,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// Always treats every error as transient
func Always(error) bool { return true }

// OnRetryFunc is called before each retry with the attempt that just failed
type OnRetryFunc func(attempt int, err error)

// Do executes fn with retries according to the policy. It returns nil on the
// first success, the first non-transient error, or the last error once
// attempts are exhausted. Cancelling ctx aborts the wait between attempts.
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	_, err := DoCounted(ctx, policy, isTransient, nil, fn)
	return err
}

// DoCounted is Do that also reports how many attempts were made
func DoCounted(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, onRetry OnRetryFunc, fn func() error) (int, error) {
	if isTransient == nil {
		isTransient = Always
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	builder := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && isTransient(err)
		}).
		WithMaxRetries(maxAttempts - 1).
		ReturnLastFailure()

	if policy.InitialBackoff > 0 {
		maxBackoff := policy.MaxBackoff
		if maxBackoff < policy.InitialBackoff {
			maxBackoff = policy.InitialBackoff
		}
		builder = builder.WithBackoff(policy.InitialBackoff, maxBackoff)
		if policy.JitterFactor > 0 {
			builder = builder.WithJitterFactor(policy.JitterFactor)
		}
	}

	attempts := 0
	err := failsafe.With[any](builder.Build()).
		WithContext(ctx).
		Run(func() error {
			attempts++
			err := fn()
			if err != nil && onRetry != nil && attempts < maxAttempts && isTransient(err) {
				onRetry(attempts, err)
			}
			return err
		})
	return attempts, err
}
