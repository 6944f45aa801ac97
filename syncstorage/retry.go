package syncstorage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/breez/sync-storage/store"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the retries of idempotent reads after a transient
// backend error.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	Attempts: 3,
	Initial:  20 * time.Millisecond,
	Max:      500 * time.Millisecond,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	b.Reset()
	retries := uint64(0)
	if p.Attempts > 1 {
		retries = uint64(p.Attempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// read runs fn and retries it while it fails with store.ErrUnavailable.
func read[T any](ctx context.Context, p RetryPolicy, logger *slog.Logger, op string, fn func() (T, error)) (T, error) {
	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, store.ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, p.backOff(ctx), func(err error, wait time.Duration) {
		logger.Warn("retrying read", "op", op, "wait", wait, "error", err)
	})
}

// commitBackOff spaces out attempts of the commit loop after conflicts. The
// jitter keeps competing writers from colliding in lockstep.
func commitBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

func sleep(ctx context.Context, b backoff.BackOff) error {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		if err := ctx.Err(); err != nil {
			return err
		}
		return store.ErrConflict
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
