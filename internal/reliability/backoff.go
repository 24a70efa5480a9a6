package reliability

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a retry schedule. It is passed to every component that
// retries so the schedule can be swapped in tests.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the randomization factor, 0 disables it
	Jitter float64
	// MaxRetries caps the number of retries after the first attempt, 0 means unlimited
	MaxRetries uint64
}

// ConnectPolicy is used when establishing pooled sessions
func ConnectPolicy(retries int, delay time.Duration) Policy {
	return Policy{
		InitialInterval: delay,
		MaxInterval:     delay * 8,
		Multiplier:      2.0,
		MaxRetries:      uint64(retries),
	}
}

// ReconnectPolicy is used by long-lived watchers; it never gives up
func ReconnectPolicy(initial, max time.Duration) Policy {
	return Policy{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      2.0,
		Jitter:          0.25,
	}
}

// NewBackOff returns a fresh backoff.BackOff following the policy
func (p Policy) NewBackOff() backoff.BackOff {
	initial := p.InitialInterval
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	max := p.MaxInterval
	if max < initial {
		max = initial
	}
	multiplier := p.Multiplier
	if multiplier < 1.0 {
		multiplier = 1.0
	}

	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initial),
		backoff.WithMaxInterval(max),
		backoff.WithMultiplier(multiplier),
		backoff.WithRandomizationFactor(p.Jitter),
		backoff.WithMaxElapsedTime(0),
	)
	if p.MaxRetries > 0 {
		return backoff.WithMaxRetries(b, p.MaxRetries)
	}
	return b
}

// Retry runs op until it succeeds, returns a non-retryable error, the
// policy is exhausted or ctx is done. notify is called before each wait.
func (p Policy) Retry(ctx context.Context, op func() error, notify func(err error, wait time.Duration)) error {
	b := backoff.WithContext(p.NewBackOff(), ctx)
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, notify)
}
