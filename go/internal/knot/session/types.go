package session

import (
	"errors"
	"fmt"
	"time"
)

// DefaultDuration is how long an active knot lasts.
const DefaultDuration = 1800 * time.Second

var (
	// ErrAlreadyInSession is returned when a connection that already occupies a room asks for another.
	ErrAlreadyInSession = errors.New("already in session")
	// ErrInvalidContentKey is returned when the content key cannot anchor a match.
	ErrInvalidContentKey = errors.New("invalid content key")
)

// State is the lifecycle state of a room
type State string

const (
	StateWaiting State = "waiting"
	StateActive  State = "active"
	StateEnded   State = "ended"
)

// Session is a snapshot of one room. The Manager owns the live copy.
type Session struct {
	RoomID     string        `json:"room_id"`
	ContentKey string        `json:"content_key"`
	Members    []string      `json:"members"`
	State      State         `json:"state"`
	CreatedAt  time.Time     `json:"created_at"`
	MatchedAt  time.Time     `json:"matched_at,omitzero"`
	Duration   time.Duration `json:"duration"`
}

// Remaining returns the time left at now. Waiting rooms report their full duration.
func (s Session) Remaining(now time.Time) time.Duration {
	if s.State != StateActive || s.MatchedAt.IsZero() {
		return s.Duration
	}
	remaining := s.Duration - now.Sub(s.MatchedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports now - MatchedAt >= Duration. Only active rooms can expire this way.
func (s Session) Expired(now time.Time) bool {
	if s.State != StateActive || s.MatchedAt.IsZero() {
		return false
	}
	return now.Sub(s.MatchedAt) >= s.Duration
}

// HasMember reports whether connectionID is in the room.
func (s Session) HasMember(connectionID string) bool {
	for _, m := range s.Members {
		if m == connectionID {
			return true
		}
	}
	return false
}

// Partners returns the members other than connectionID.
func (s Session) Partners(connectionID string) []string {
	var out []string
	for _, m := range s.Members {
		if m != connectionID {
			out = append(out, m)
		}
	}
	return out
}

func (s *Session) clone() Session {
	c := *s
	c.Members = append([]string(nil), s.Members...)
	return c
}

// MatchStatus is the outcome of MatchOrCreate.
type MatchStatus int

const (
	MatchRejected MatchStatus = iota
	MatchCreated
	MatchJoined
)

func (m MatchStatus) String() string {
	switch m {
	case MatchCreated:
		return "created"
	case MatchJoined:
		return "joined"
	case MatchRejected:
		return "rejected"
	default:
		return fmt.Sprintf("MatchStatus(%d)", int(m))
	}
}

// MatchResult describes what MatchOrCreate did.
type MatchResult struct {
	Status  MatchStatus
	RoomID  string
	Session Session
}

// Departure describes the room a connection left.
type Departure struct {
	RoomID    string
	Remaining []string
	// State is the room state at the time of departure.
	State State
}

// RemainingCount is the number of members left in the room after the departure.
func (d Departure) RemainingCount() int {
	return len(d.Remaining)
}

// Stats counts rooms by state.
type Stats struct {
	Waiting     int `json:"waiting"`
	Active      int `json:"active"`
	Connections int `json:"connections"`
}
