package ushelf

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Bounded exponential backoff for remote operations. Operations are retried
// on transient and unclassified errors; permanent errors (see IsPermanent) and
// cancellation stop immediately.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
}

// Read Retries, RetryInitial and RetryMax options
func NewRetryPolicy(options *Options) (RetryPolicy, error) {
	p := DefaultRetryPolicy
	var err error
	if p.MaxAttempts, err = options.GetInt("Retries", p.MaxAttempts); err != nil {
		return p, err
	}
	if p.InitialInterval, err = options.GetDuration("RetryInitial", p.InitialInterval); err != nil {
		return p, err
	}
	if p.MaxInterval, err = options.GetDuration("RetryMax", p.MaxInterval); err != nil {
		return p, err
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p, nil
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Run fn until it succeeds, fails permanently, or attempts are exhausted
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := fn(ctx)
		if err != nil && (IsPermanent(err) || ctx.Err() != nil) {
			return backoff.Permanent(err)
		}
		return err
	}, p.backOff(ctx), func(err error, next time.Duration) {
		logrus.WithFields(logrus.Fields{"op": op, "attempt": attempt}).Warnf("retrying in %v: %v", next.Round(time.Millisecond), err)
	})
}
