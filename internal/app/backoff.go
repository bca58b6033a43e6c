package app

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/CraftWorksMC/Chora-sub000/internal/domain"
)

// Backoff is an exponential retry policy. Only errors classified retryable
// are retried; MaxRetries counts retries after the first attempt.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Factor     float64
	MaxRetries int
}

// SyncBackoff returns the policy for library page fetches
func SyncBackoff(config domain.SyncConfig) Backoff {
	return Backoff{
		Base:       config.RetryBaseDelay,
		Max:        config.RetryMaxDelay,
		Factor:     2,
		MaxRetries: config.MaxRetries,
	}
}

// DownloadBackoff returns the policy for track downloads
func DownloadBackoff(config domain.DownloadConfig) Backoff {
	return Backoff{
		Base:       config.RetryDelay,
		Max:        config.RetryMaxDelay,
		Factor:     2,
		MaxRetries: config.MaxRetries,
	}
}

// exponential builds the un-jittered interval sequence of b
func (b Backoff) exponential() *backoff.ExponentialBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Base
	exp.RandomizationFactor = 0
	exp.Multiplier = b.Factor
	if exp.Multiplier < 1 {
		exp.Multiplier = 1
	}
	exp.MaxInterval = b.Max
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = time.Duration(math.MaxInt64)
	}
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// Delay returns the wait before retry number n (1-based)
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 || b.Base <= 0 {
		return 0
	}
	exp := b.exponential()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = exp.NextBackOff()
	}
	return d
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or
// MaxRetries retries are used up. onRetry, if set, runs before each wait.
// Cancelling ctx ends the wait and returns ctx.Err().
func (b Backoff) Retry(ctx context.Context, fn func(attempt int) error, onRetry func(retry int, err error, wait time.Duration)) error {
	retries := b.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b.exponential(), uint64(retries)), ctx)

	attempt := 0
	operation := func() error {
		err := fn(attempt)
		attempt++
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case !domain.IsRetryable(err):
			return backoff.Permanent(err)
		}
		return err
	}

	var notify backoff.Notify
	if onRetry != nil {
		notify = func(err error, wait time.Duration) {
			onRetry(attempt, err, wait)
		}
	}
	return backoff.RetryNotify(operation, policy, notify)
}
