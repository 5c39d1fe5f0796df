package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// RetryConfig bounds the exponential backoff used by RetryingStore.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      3,
	}
}

// RetryingStore retries transient failures of the wrapped store.
// ErrNotFound is returned immediately.
type RetryingStore struct {
	next Store
	cfg  RetryConfig
}

func NewRetryingStore(next Store, cfg RetryConfig) *RetryingStore {
	return &RetryingStore{next: next, cfg: cfg}
}

func (r *RetryingStore) Create(ctx context.Context, contentKey, roomID string) (*Record, error) {
	var rec *Record
	err := r.retry(ctx, "create", roomID, func() error {
		var err error
		rec, err = r.next.Create(ctx, contentKey, roomID)
		return err
	})
	return rec, err
}

func (r *RetryingStore) Get(ctx context.Context, roomID string) (*Record, error) {
	var rec *Record
	err := r.retry(ctx, "get", roomID, func() error {
		var err error
		rec, err = r.next.Get(ctx, roomID)
		return err
	})
	return rec, err
}

func (r *RetryingStore) SetParticipantCount(ctx context.Context, roomID string, n int) error {
	return r.retry(ctx, "set_participant_count", roomID, func() error {
		return r.next.SetParticipantCount(ctx, roomID, n)
	})
}

func (r *RetryingStore) MarkMatched(ctx context.Context, roomID string, matchedAt time.Time) error {
	return r.retry(ctx, "mark_matched", roomID, func() error {
		return r.next.MarkMatched(ctx, roomID, matchedAt)
	})
}

func (r *RetryingStore) Deactivate(ctx context.Context, roomID, reason string) error {
	return r.retry(ctx, "deactivate", roomID, func() error {
		return r.next.Deactivate(ctx, roomID, reason)
	})
}

func (r *RetryingStore) SweepExpire(ctx context.Context) (int, error) {
	var n int
	err := r.retry(ctx, "sweep_expire", "", func() error {
		var err error
		n, err = r.next.SweepExpire(ctx)
		return err
	})
	return n, err
}

func (r *RetryingStore) retry(ctx context.Context, op, roomID string, fn func() error) error {
	operation := func() error {
		err := fn()
		if errors.Is(err, ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(r.cfg.InitialInterval),
				backoff.WithMaxInterval(r.cfg.MaxInterval),
			),
			r.cfg.MaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		log.Warn().
			Err(err).
			Str("op", op).
			Str("room_id", roomID).
			Dur("next_attempt_in", d).
			Msg("retrying knot store call")
	})
}
