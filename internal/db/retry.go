package db

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Retrying retries failed store operations with linear backoff.  ErrNotFound
// is a result, not a failure, and is returned immediately.
type Retrying struct {
	inner    Store
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
}

// NewRetrying wraps inner.  attempts below 1 is treated as 1.
func NewRetrying(inner Store, attempts int, backoff time.Duration, log zerolog.Logger) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{inner: inner, attempts: attempts, backoff: backoff, log: log}
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.do(ctx, "get", key, func() error {
		v, err := r.inner.Get(ctx, key)
		out = v
		return err
	})
	return out, err
}

func (r *Retrying) Put(ctx context.Context, key string, value []byte) error {
	return r.do(ctx, "put", key, func() error { return r.inner.Put(ctx, key, value) })
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, func() error { return r.inner.Delete(ctx, key) })
}

func (r *Retrying) Close() error { return r.inner.Close() }

func (r *Retrying) do(ctx context.Context, op, key string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = fn()
		if err == nil || errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt == r.attempts {
			break
		}
		r.log.Warn().Err(err).Str("op", op).Str("key", key).Int("attempt", attempt).Msg("store operation failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * r.backoff):
		}
	}
	return err
}
