package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chat-sync/internal/apperr"
)

// RetryPolicy bounds how often a failed write is attempted again.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying wraps a Store and retries writes that fail with a network
// error. Reads and subscriptions pass through unchanged.
type Retrying struct {
	Store
	policy RetryPolicy
	log    *zap.Logger
}

func WithRetry(s Store, p RetryPolicy, log *zap.Logger) *Retrying {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 100 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Retrying{Store: s, policy: p, log: log}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval
	b.MaxElapsedTime = 0

	attempt := func() error {
		err := fn()
		if err != nil && !apperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Debug("retrying store write", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx), notify)
}

func (r *Retrying) Put(ctx context.Context, collection, id string, doc Document) error {
	return r.do(ctx, "put", func() error { return r.Store.Put(ctx, collection, id, doc) })
}

func (r *Retrying) Create(ctx context.Context, collection, id string, doc Document) (bool, error) {
	var created bool
	err := r.do(ctx, "create", func() error {
		var err error
		created, err = r.Store.Create(ctx, collection, id, doc)
		return err
	})
	return created, err
}

func (r *Retrying) Update(ctx context.Context, collection, id string, u Update) error {
	return r.do(ctx, "update", func() error { return r.Store.Update(ctx, collection, id, u) })
}

func (r *Retrying) Delete(ctx context.Context, collection, id string) error {
	return r.do(ctx, "delete", func() error { return r.Store.Delete(ctx, collection, id) })
}

func (r *Retrying) DeleteWhere(ctx context.Context, q Query) (int, error) {
	var n int
	err := r.do(ctx, "delete_where", func() error {
		var err error
		n, err = r.Store.DeleteWhere(ctx, q)
		return err
	})
	return n, err
}
