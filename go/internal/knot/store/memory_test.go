package store

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock, 30*time.Minute)

	rec, err := s.Create(ctx, "star-42", "knot_star-42_abcdef12_1700000000")
	require.NoError(t, err)
	assert.True(t, rec.IsActive)
	assert.Equal(t, 1, rec.ParticipantCount)
	assert.Equal(t, clock.Now().Add(30*time.Minute), rec.ExpiresAt)

	clock.Advance(10 * time.Minute)
	matchedAt := clock.Now()
	require.NoError(t, s.SetParticipantCount(ctx, rec.RoomID, 2))
	require.NoError(t, s.MarkMatched(ctx, rec.RoomID, matchedAt))

	got, err := s.Get(ctx, rec.RoomID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ParticipantCount)
	require.NotNil(t, got.MatchedAt)
	assert.Equal(t, matchedAt.Add(30*time.Minute), got.ExpiresAt, "expiry is measured from the match")

	require.NoError(t, s.Deactivate(ctx, rec.RoomID, "user_left"))
	require.NoError(t, s.Deactivate(ctx, rec.RoomID, "partner_left"))

	snap, ok := s.Snapshot(rec.RoomID)
	require.True(t, ok)
	assert.False(t, snap.IsActive)
	assert.Equal(t, "user_left", snap.EndReason, "first deactivation wins")
}

func TestMemoryStore_GetTreatsExpiredAsAbsent(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock, time.Minute)

	_, err := s.Create(ctx, "k", "room-1")
	require.NoError(t, err)

	_, err = s.Get(ctx, "room-1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = s.Get(ctx, "room-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_SweepExpire(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock, time.Minute)

	_, _ = s.Create(ctx, "k", "old-1")
	_, _ = s.Create(ctx, "k", "old-2")
	_, _ = s.Create(ctx, "k", "closed")
	require.NoError(t, s.Deactivate(ctx, "closed", "user_left"))

	clock.Advance(30 * time.Second)
	_, _ = s.Create(ctx, "k", "fresh")

	clock.Advance(30 * time.Second)
	n, err := s.SweepExpire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	snap, _ := s.Snapshot("old-1")
	assert.False(t, snap.IsActive)
	assert.Equal(t, SweepReason, snap.EndReason)

	snap, _ = s.Snapshot("fresh")
	assert.True(t, snap.IsActive)

	n, err = s.SweepExpire(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_UpdatesUnparseableRoom(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(clockwork.NewFakeClock(), time.Minute)

	assert.ErrorIs(t, s.SetParticipantCount(ctx, "nope", 2), ErrNotFound)
	assert.ErrorIs(t, s.MarkMatched(ctx, "nope", time.Now()), ErrNotFound)
	assert.ErrorIs(t, s.Deactivate(ctx, "nope", "user_left"), ErrNotFound)

	_, ok := s.Snapshot("nope")
	assert.False(t, ok)
}

const lateRoom = "knot_star-42_abcdef12_1700000000"

func TestMemoryStore_MatchBeforeCreate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock, 30*time.Minute)

	matchedAt := clock.Now()
	require.NoError(t, s.SetParticipantCount(ctx, lateRoom, 2))
	require.NoError(t, s.MarkMatched(ctx, lateRoom, matchedAt))

	clock.Advance(time.Second)
	rec, err := s.Create(ctx, "star-42", lateRoom)
	require.NoError(t, err)

	assert.Equal(t, "star-42", rec.ContentKey)
	assert.True(t, rec.IsActive)
	assert.Equal(t, 2, rec.ParticipantCount)
	require.NotNil(t, rec.MatchedAt)
	assert.Equal(t, matchedAt, *rec.MatchedAt)
	assert.Equal(t, matchedAt.Add(30*time.Minute), rec.ExpiresAt)

	snap, ok := s.Snapshot(lateRoom)
	require.True(t, ok)
	assert.Equal(t, *rec, snap)
}

func TestMemoryStore_DeactivateBeforeCreate(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock, 30*time.Minute)

	require.NoError(t, s.Deactivate(ctx, lateRoom, "user_left"))

	rec, err := s.Create(ctx, "star-42", lateRoom)
	require.NoError(t, err)
	assert.False(t, rec.IsActive, "a late create does not reopen a closed room")
	assert.Equal(t, "user_left", rec.EndReason)

	n, err := s.SweepExpire(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStore_CreateKeepsExistingRecord(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := NewMemoryStore(clock, time.Minute)

	first, err := s.Create(ctx, "star-42", lateRoom)
	require.NoError(t, err)
	require.NoError(t, s.SetParticipantCount(ctx, lateRoom, 2))

	clock.Advance(10 * time.Second)
	again, err := s.Create(ctx, "star-42", lateRoom)
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.Equal(t, 2, again.ParticipantCount)
}
