// Package store persists knot session records. The in-memory session
// registry stays authoritative for live decisions; records here are an
// audit and read model fed by best-effort writes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/unsentlabs/unsent/go/internal/knot/roomid"
)

// ErrNotFound is returned for records that do not exist or whose expiry has passed.
var ErrNotFound = errors.New("knot session record not found")

// Record is the durable view of one knot session.
type Record struct {
	RoomID           string     `json:"room_id"`
	ContentKey       string     `json:"content_key"`
	CreatedAt        time.Time  `json:"created_at"`
	MatchedAt        *time.Time `json:"matched_at,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	IsActive         bool       `json:"is_active"`
	ParticipantCount int        `json:"participant_count"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	EndReason        string     `json:"end_reason,omitempty"`
}

// Expired reports whether the record's expiry has passed at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store is the persistence adapter consumed by the gateway and the sweeper.
//
// Writes for one room may land in any order. Create keeps a record that
// already exists. SetParticipantCount and MarkMatched seed a missing record
// from the room id, and Deactivate on a missing record leaves an inactive
// one behind so a late Create cannot revive the room. Room ids that do not
// parse give ErrNotFound.
type Store interface {
	Create(ctx context.Context, contentKey, roomID string) (*Record, error)
	// Get returns ErrNotFound for missing records and for records past their expiry.
	Get(ctx context.Context, roomID string) (*Record, error)
	SetParticipantCount(ctx context.Context, roomID string, n int) error
	// MarkMatched moves the expiry to matchedAt + duration.
	MarkMatched(ctx context.Context, roomID string, matchedAt time.Time) error
	Deactivate(ctx context.Context, roomID, reason string) error
	// SweepExpire marks every active record past its expiry inactive and
	// returns how many were changed.
	SweepExpire(ctx context.Context) (int, error)
}

// seed builds the record a room has before anything but its id is known.
func seed(roomID string, at time.Time, duration time.Duration) (*Record, error) {
	contentKey, err := roomid.ContentKey(roomID)
	if err != nil {
		return nil, ErrNotFound
	}
	return newRecord(contentKey, roomID, at, duration), nil
}

func newRecord(contentKey, roomID string, at time.Time, duration time.Duration) *Record {
	return &Record{
		RoomID:           roomID,
		ContentKey:       contentKey,
		CreatedAt:        at,
		ExpiresAt:        at.Add(duration),
		IsActive:         true,
		ParticipantCount: 1,
	}
}

// deactivate closes an active record. It leaves inactive records alone.
func deactivate(at time.Time, reason string) func(*Record) bool {
	return func(rec *Record) bool {
		if !rec.IsActive {
			return false
		}
		rec.IsActive = false
		rec.EndedAt = &at
		rec.EndReason = reason
		return true
	}
}

// expire closes a record only while it is active and past its expiry at now.
func expire(now time.Time) func(*Record) bool {
	closeAt := deactivate(now, SweepReason)
	return func(rec *Record) bool {
		if !rec.Expired(now) {
			return false
		}
		return closeAt(rec)
	}
}
