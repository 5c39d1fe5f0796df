package store

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SweepReason is recorded on records closed by SweepExpire.
const SweepReason = "expired"

// MemoryStore keeps records in a map. Used when no database is configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	clock    clockwork.Clock
	duration time.Duration
}

// NewMemoryStore creates a MemoryStore whose records expire duration after creation or match.
func NewMemoryStore(clock clockwork.Clock, duration time.Duration) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		records:  make(map[string]*Record),
		clock:    clock,
		duration: duration,
	}
}

func (s *MemoryStore) Create(_ context.Context, contentKey, roomID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[roomID]
	if !ok {
		rec = newRecord(contentKey, roomID, s.clock.Now(), s.duration)
		s.records[roomID] = rec
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, roomID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[roomID]
	if !ok || rec.Expired(s.clock.Now()) {
		return nil, ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) SetParticipantCount(_ context.Context, roomID string, n int) error {
	return s.upsert(roomID, s.clock.Now(), func(rec *Record) bool {
		rec.ParticipantCount = n
		return true
	})
}

func (s *MemoryStore) MarkMatched(_ context.Context, roomID string, matchedAt time.Time) error {
	return s.upsert(roomID, matchedAt, func(rec *Record) bool {
		rec.MatchedAt = &matchedAt
		rec.ExpiresAt = matchedAt.Add(s.duration)
		return true
	})
}

func (s *MemoryStore) Deactivate(_ context.Context, roomID, reason string) error {
	now := s.clock.Now()
	return s.upsert(roomID, now, deactivate(now, reason))
}

func (s *MemoryStore) SweepExpire(_ context.Context) (int, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	sweep := expire(now)
	for _, rec := range s.records {
		if sweep(rec) {
			count++
		}
	}
	return count, nil
}

// Snapshot returns the stored record regardless of expiry.
func (s *MemoryStore) Snapshot(roomID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[roomID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// upsert applies fn to the room's record, seeding it at at when missing.
func (s *MemoryStore) upsert(roomID string, at time.Time, fn func(*Record) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[roomID]
	if !ok {
		seeded, err := seed(roomID, at, s.duration)
		if err != nil {
			return err
		}
		rec = seeded
		s.records[roomID] = rec
	}
	fn(rec)
	return nil
}
