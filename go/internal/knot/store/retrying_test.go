package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	Store
	failures int
	calls    int
	err      error
}

func (f *flakyStore) Deactivate(ctx context.Context, roomID, reason string) error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyStore) Get(ctx context.Context, roomID string) (*Record, error) {
	f.calls++
	return nil, ErrNotFound
}

func fastRetry() RetryConfig {
	return RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxRetries: 3}
}

func TestRetryingStore_RetriesTransientErrors(t *testing.T) {
	inner := &flakyStore{failures: 2, err: errors.New("connection reset")}
	s := NewRetryingStore(inner, fastRetry())

	require.NoError(t, s.Deactivate(context.Background(), "room", "user_left"))
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingStore_GivesUp(t *testing.T) {
	inner := &flakyStore{failures: 10, err: errors.New("connection reset")}
	s := NewRetryingStore(inner, fastRetry())

	err := s.Deactivate(context.Background(), "room", "user_left")
	require.Error(t, err)
	assert.Equal(t, 4, inner.calls, "initial attempt plus MaxRetries")
}

func TestRetryingStore_NotFoundIsPermanent(t *testing.T) {
	inner := &flakyStore{}
	s := NewRetryingStore(inner, fastRetry())

	_, err := s.Get(context.Background(), "room")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, inner.calls)
}

func TestRetryingStore_StopsOnCancelledContext(t *testing.T) {
	inner := &flakyStore{failures: 10, err: errors.New("connection reset")}
	s := NewRetryingStore(inner, RetryConfig{InitialInterval: time.Second, MaxInterval: time.Second, MaxRetries: 5})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Deactivate(ctx, "room", "user_left")
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}
