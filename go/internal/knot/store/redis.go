package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const activeIndexKey = "knot:sessions:active"

// RedisStore keeps each record as JSON under knot:session:{room_id} and
// indexes active records in a sorted set scored by expiry.
type RedisStore struct {
	client    *redis.Client
	clock     clockwork.Clock
	duration  time.Duration
	retention time.Duration
}

// NewRedisStore creates a RedisStore. Records are kept for retention after
// their expiry before Redis evicts them.
func NewRedisStore(client *redis.Client, clock clockwork.Clock, duration, retention time.Duration) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisStore{
		client:    client,
		clock:     clock,
		duration:  duration,
		retention: retention,
	}
}

// NewRedisClient connects and pings.
func NewRedisClient(addr, password string, dbIndex, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbIndex,
		PoolSize: poolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func sessionKey(roomID string) string {
	return fmt.Sprintf("knot:session:%s", roomID)
}

// expiryScore is the index score for an expiry, in unix milliseconds.
func expiryScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *RedisStore) ttl(rec *Record) time.Duration {
	ttl := rec.ExpiresAt.Sub(s.clock.Now()) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStore) Create(ctx context.Context, contentKey, roomID string) (*Record, error) {
	now := s.clock.Now().UTC()
	rec, _, err := s.update(ctx, roomID, func() (*Record, error) {
		return newRecord(contentKey, roomID, now, s.duration), nil
	}, func(*Record) bool { return false })
	if err != nil {
		return nil, fmt.Errorf("failed to create knot session %s: %w", roomID, err)
	}
	return rec, nil
}

func (s *RedisStore) Get(ctx context.Context, roomID string) (*Record, error) {
	data, err := s.client.Get(ctx, sessionKey(roomID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get knot session %s: %w", roomID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if rec.Expired(s.clock.Now()) {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *RedisStore) SetParticipantCount(ctx context.Context, roomID string, n int) error {
	_, _, err := s.update(ctx, roomID, s.seeder(roomID, s.clock.Now().UTC()), func(rec *Record) bool {
		rec.ParticipantCount = n
		return true
	})
	return err
}

func (s *RedisStore) MarkMatched(ctx context.Context, roomID string, matchedAt time.Time) error {
	matchedAt = matchedAt.UTC()
	_, _, err := s.update(ctx, roomID, s.seeder(roomID, matchedAt), func(rec *Record) bool {
		rec.MatchedAt = &matchedAt
		rec.ExpiresAt = matchedAt.Add(s.duration)
		return true
	})
	return err
}

func (s *RedisStore) Deactivate(ctx context.Context, roomID, reason string) error {
	now := s.clock.Now().UTC()
	_, _, err := s.update(ctx, roomID, s.seeder(roomID, now), deactivate(now, reason))
	return err
}

func (s *RedisStore) SweepExpire(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	due, err := s.client.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan active index: %w", err)
	}

	count := 0
	for _, roomID := range due {
		_, changed, err := s.update(ctx, roomID, nil, expire(now))
		if errors.Is(err, ErrNotFound) {
			// record evicted; drop the dangling index entry
			if err := s.client.ZRem(ctx, activeIndexKey, roomID).Err(); err != nil {
				log.Warn().Err(err).Str("room_id", roomID).Msg("failed to drop dangling knot index entry")
			}
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("room_id", roomID).Msg("failed to expire knot session record")
			continue
		}
		if changed {
			count++
		}
	}
	return count, nil
}

func (s *RedisStore) seeder(roomID string, at time.Time) func() (*Record, error) {
	return func() (*Record, error) {
		return seed(roomID, at, s.duration)
	}
}

// update applies fn under WATCH and rewrites the record and its index entry.
// A missing record is built by init, or gives ErrNotFound when init is nil.
// fn returns false to leave an existing record unchanged. It returns the
// record as stored and whether this call wrote it.
func (s *RedisStore) update(ctx context.Context, roomID string, init func() (*Record, error), fn func(*Record) bool) (*Record, bool, error) {
	key := sessionKey(roomID)
	var (
		stored  Record
		changed bool
	)

	txf := func(tx *redis.Tx) error {
		changed = false
		var rec *Record
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if init == nil {
				return ErrNotFound
			}
			if rec, err = init(); err != nil {
				return err
			}
			fn(rec)
		case err != nil:
			return err
		default:
			rec = &Record{}
			if err := json.Unmarshal(data, rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if !fn(rec) {
				stored = *rec
				return nil
			}
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl(rec))
			if rec.IsActive {
				pipe.ZAdd(ctx, activeIndexKey, &redis.Z{Score: expiryScore(rec.ExpiresAt), Member: roomID})
			} else {
				pipe.ZRem(ctx, activeIndexKey, roomID)
			}
			return nil
		})
		if err == nil {
			stored = *rec
			changed = true
		}
		return err
	}

	const maxRetries = 3
	for i := 0; i < maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return nil, false, ErrNotFound
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to update knot session %s: %w", roomID, err)
		}
		return &stored, changed, nil
	}
	return nil, false, fmt.Errorf("failed to update knot session %s: %w", roomID, redis.TxFailedErr)
}
