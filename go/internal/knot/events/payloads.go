package events

import (
	"encoding/json"
	"time"
)

// Lifecycle payloads shared between the gateway, the sweeper and the publisher.

// EndReason says why a knot ended.
type EndReason string

const (
	// ReasonTimeExpired is used when a room's countdown runs out.
	ReasonTimeExpired EndReason = "time_expired"
	// ReasonExpired is used when the sweeper finds a room past its deadline.
	ReasonExpired EndReason = "expired"
	// ReasonUserLeft is used when a member sends leave_knot.
	ReasonUserLeft EndReason = "user_left"
	// ReasonPartnerLeft is used when a member disconnects.
	ReasonPartnerLeft EndReason = "partner_left"
)

func (r EndReason) Valid() bool {
	switch r {
	case ReasonTimeExpired, ReasonExpired, ReasonUserLeft, ReasonPartnerLeft:
		return true
	}
	return false
}

// Type names a lifecycle event on the event stream.
type Type string

const (
	TypeKnotWaiting Type = "KnotWaiting"
	TypeKnotStarted Type = "KnotStarted"
	TypeKnotEnded   Type = "KnotEnded"
)

// Subject returns the stream subject for the event type.
func (t Type) Subject(prefix string) string {
	switch t {
	case TypeKnotWaiting:
		return prefix + ".waiting"
	case TypeKnotStarted:
		return prefix + ".started"
	case TypeKnotEnded:
		return prefix + ".ended"
	default:
		return prefix + ".unknown"
	}
}

// Lifecycle is the envelope published for every room lifecycle change.
type Lifecycle struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"room_id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// KnotWaitingPayload is the payload for a KnotWaiting event
type KnotWaitingPayload struct {
	RoomID     string    `json:"room_id"`
	ContentKey string    `json:"content_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// KnotStartedPayload is the payload for a KnotStarted event
type KnotStartedPayload struct {
	RoomID      string    `json:"room_id"`
	ContentKey  string    `json:"content_key"`
	MatchedAt   time.Time `json:"matched_at"`
	DurationSec int       `json:"duration_sec"`
}

// KnotEndedPayload is the payload for a KnotEnded event
type KnotEndedPayload struct {
	RoomID     string    `json:"room_id"`
	ContentKey string    `json:"content_key"`
	Reason     EndReason `json:"reason"`
	WasActive  bool      `json:"was_active"`
	EndedAt    time.Time `json:"ended_at"`
	// LengthSec is the matched time in seconds, zero for rooms that never matched.
	LengthSec int `json:"length_sec"`
}
