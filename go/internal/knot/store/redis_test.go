package store

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionKey(t *testing.T) {
	assert.Equal(t, "knot:session:knot_star_abcdef12_1700000000", sessionKey("knot_star_abcdef12_1700000000"))
}

func TestExpiryScoreKeepsMilliseconds(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Less(t, expiryScore(base), expiryScore(base.Add(400*time.Millisecond)))
	assert.Equal(t, float64(base.UnixMilli()), expiryScore(base))
}

func TestRedisStore_TTLCoversRetention(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewRedisStore(nil, clock, 30*time.Minute, time.Hour)

	rec := &Record{ExpiresAt: clock.Now().Add(30 * time.Minute)}
	assert.Equal(t, 90*time.Minute, s.ttl(rec))

	rec.ExpiresAt = clock.Now().Add(-2 * time.Hour)
	assert.Equal(t, time.Second, s.ttl(rec), "ttl never drops below one second")
}

func TestDeactivateMutator(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := &Record{IsActive: true}

	assert.True(t, deactivate(at, "expired")(rec))
	assert.False(t, rec.IsActive)
	assert.Equal(t, "expired", rec.EndReason)
	assert.Equal(t, at, *rec.EndedAt)

	assert.False(t, deactivate(at.Add(time.Hour), "user_left")(rec))
	assert.Equal(t, "expired", rec.EndReason)
}

func TestExpireMutator(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		rec       Record
		changed   bool
		endReason string
	}{
		{
			name:      "active past expiry",
			rec:       Record{IsActive: true, ExpiresAt: now.Add(-time.Millisecond)},
			changed:   true,
			endReason: SweepReason,
		},
		{
			name:      "active at expiry",
			rec:       Record{IsActive: true, ExpiresAt: now},
			changed:   true,
			endReason: SweepReason,
		},
		{
			name: "active expiring later in the same second",
			rec:  Record{IsActive: true, ExpiresAt: now.Add(500 * time.Millisecond)},
		},
		{
			name: "extended by a match after it was indexed",
			rec:  Record{IsActive: true, ExpiresAt: now.Add(30 * time.Minute)},
		},
		{
			name:      "already closed",
			rec:       Record{IsActive: false, ExpiresAt: now.Add(-time.Hour), EndReason: "user_left"},
			endReason: "user_left",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tt.rec
			assert.Equal(t, tt.changed, expire(now)(&rec))
			assert.Equal(t, tt.endReason, rec.EndReason)
			assert.Equal(t, tt.rec.IsActive && !tt.changed, rec.IsActive)
		})
	}
}

func TestSeed(t *testing.T) {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rec, err := seed("knot_star_42_abcdef12_1700000000", at, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "star_42", rec.ContentKey)
	assert.Equal(t, at, rec.CreatedAt)
	assert.Equal(t, at.Add(time.Minute), rec.ExpiresAt)
	assert.True(t, rec.IsActive)
	assert.Equal(t, 1, rec.ParticipantCount)

	_, err = seed("room-1", at, time.Minute)
	assert.ErrorIs(t, err, ErrNotFound)
}

// newRedisTestStore connects to the server named by KNOT_TEST_REDIS_ADDR and
// skips the test when it is unset.
func newRedisTestStore(t *testing.T) (*RedisStore, *redis.Client, *clockwork.FakeClock) {
	t.Helper()
	addr := os.Getenv("KNOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set KNOT_TEST_REDIS_ADDR to run redis store tests")
	}

	client, err := NewRedisClient(addr, "", 0, 4)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	clock := clockwork.NewFakeClock()
	return NewRedisStore(client, clock, time.Minute, time.Hour), client, clock
}

func testRoomID(t *testing.T, client *redis.Client) string {
	t.Helper()
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	roomID := "knot_star_" + random + "_1700000000"
	t.Cleanup(func() {
		ctx := context.Background()
		client.Del(ctx, sessionKey(roomID))
		client.ZRem(ctx, activeIndexKey, roomID)
	})
	return roomID
}

func TestRedisStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, client, clock := newRedisTestStore(t)
	roomID := testRoomID(t, client)

	rec, err := s.Create(ctx, "star", roomID)
	require.NoError(t, err)
	assert.True(t, rec.IsActive)

	score, err := client.ZScore(ctx, activeIndexKey, roomID).Result()
	require.NoError(t, err)
	assert.Equal(t, expiryScore(rec.ExpiresAt), score)

	clock.Advance(10 * time.Second)
	matchedAt := clock.Now().UTC()
	require.NoError(t, s.SetParticipantCount(ctx, roomID, 2))
	require.NoError(t, s.MarkMatched(ctx, roomID, matchedAt))

	got, err := s.Get(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ParticipantCount)
	assert.True(t, matchedAt.Add(time.Minute).Equal(got.ExpiresAt))

	require.NoError(t, s.Deactivate(ctx, roomID, "user_left"))
	_, err = client.ZScore(ctx, activeIndexKey, roomID).Result()
	assert.ErrorIs(t, err, redis.Nil, "closed records leave the active index")

	clock.Advance(time.Minute)
	_, err = s.Get(ctx, roomID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_SweepExpire(t *testing.T) {
	ctx := context.Background()
	s, client, clock := newRedisTestStore(t)
	due := testRoomID(t, client)
	matched := testRoomID(t, client)

	_, err := s.Create(ctx, "star", due)
	require.NoError(t, err)
	_, err = s.Create(ctx, "star", matched)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, s.MarkMatched(ctx, matched, clock.Now()))

	clock.Advance(30*time.Second + 500*time.Millisecond)
	n, err := s.SweepExpire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var rec Record
	data, err := client.Get(ctx, sessionKey(due)).Bytes()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.False(t, rec.IsActive)
	assert.Equal(t, SweepReason, rec.EndReason)

	got, err := s.Get(ctx, matched)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestRedisStore_SweepDropsEvictedIndexEntries(t *testing.T) {
	ctx := context.Background()
	s, client, clock := newRedisTestStore(t)
	roomID := testRoomID(t, client)

	_, err := s.Create(ctx, "star", roomID)
	require.NoError(t, err)
	require.NoError(t, client.Del(ctx, sessionKey(roomID)).Err())

	clock.Advance(time.Minute)
	n, err := s.SweepExpire(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = client.ZScore(ctx, activeIndexKey, roomID).Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestRedisStore_WritesInAnyOrder(t *testing.T) {
	ctx := context.Background()
	s, client, clock := newRedisTestStore(t)

	t.Run("match before create", func(t *testing.T) {
		roomID := testRoomID(t, client)
		matchedAt := clock.Now().UTC()
		require.NoError(t, s.SetParticipantCount(ctx, roomID, 2))
		require.NoError(t, s.MarkMatched(ctx, roomID, matchedAt))

		rec, err := s.Create(ctx, "star", roomID)
		require.NoError(t, err)
		assert.True(t, rec.IsActive)
		assert.Equal(t, 2, rec.ParticipantCount)
		require.NotNil(t, rec.MatchedAt)
		assert.True(t, matchedAt.Add(time.Minute).Equal(rec.ExpiresAt))
	})

	t.Run("deactivate before create", func(t *testing.T) {
		roomID := testRoomID(t, client)
		require.NoError(t, s.Deactivate(ctx, roomID, "user_left"))

		rec, err := s.Create(ctx, "star", roomID)
		require.NoError(t, err)
		assert.False(t, rec.IsActive)
		assert.Equal(t, "user_left", rec.EndReason)

		_, err = client.ZScore(ctx, activeIndexKey, roomID).Result()
		assert.ErrorIs(t, err, redis.Nil)
	})
}
