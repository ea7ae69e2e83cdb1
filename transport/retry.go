package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = 5 * time.Second
)

// RetryPolicy bounds a polling loop: Attempts tries, Delay apart, with
// Jitter as a randomization factor in [0, 1).
type RetryPolicy struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	Jitter   float64       `yaml:"jitter"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: DefaultRetryAttempts,
		Delay:    DefaultRetryDelay,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	b.MaxInterval = p.Delay
	b.Multiplier = 1
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Retry calls op until it succeeds, the attempts are exhausted or ctx is
// done. It returns the last error of op, or ctx.Err() on cancellation.
// Wrap an error with backoff.Permanent to stop early.
func (p RetryPolicy) Retry(ctx context.Context, op func(attempt int) error) error {
	var attempt int
	return backoff.Retry(func() error {
		attempt++
		return op(attempt)
	}, p.backOff(ctx))
}
