package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrTooManyAttempts = errors.New("transaction retries exhausted")

type TxFunc func(ctx context.Context, tx Tx) error

type TxOptions struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

type TxOption func(*TxOptions)

func WithMaxAttempts(attempts int) TxOption {
	return func(o *TxOptions) {
		if attempts > 0 {
			o.MaxAttempts = attempts
		}
	}
}

func WithRetryInterval(initial, max time.Duration) TxOption {
	return func(o *TxOptions) {
		o.InitialInterval = initial
		o.MaxInterval = max
	}
}

func defaultTxOptions() TxOptions {
	return TxOptions{
		MaxAttempts:     5,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
	}
}

// RunTransaction runs fn in a fresh transaction and commits it. When the
// commit (or a read inside fn) reports ErrConflict the whole function is run
// again against current data, up to MaxAttempts times. Any other error aborts
// immediately. fn must not keep state across attempts.
func RunTransaction(ctx context.Context, store Store, fn TxFunc, opts ...TxOption) error {
	options := defaultTxOptions()
	for _, opt := range opts {
		opt(&options)
	}

	attempt := func() error {
		tx, err := store.Begin(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		if err := fn(ctx, tx); err != nil {
			_ = tx.Rollback(ctx)
			return retryable(err)
		}

		if err := tx.Commit(ctx); err != nil {
			_ = tx.Rollback(ctx)
			return retryable(err)
		}

		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = options.InitialInterval
	b.MaxInterval = options.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(options.MaxAttempts-1)), ctx)

	err := backoff.Retry(attempt, policy)
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("%w after %d attempts: %w", ErrTooManyAttempts, options.MaxAttempts, err)
	}

	return err
}

func retryable(err error) error {
	if errors.Is(err, ErrConflict) {
		return err
	}
	return backoff.Permanent(err)
}
