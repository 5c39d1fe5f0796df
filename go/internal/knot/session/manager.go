package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/roomid"
)

// Manager is the in-memory registry of rooms, the per-content waiting queue
// and the connection index. Every operation runs under one mutex.
type Manager struct {
	mu sync.Mutex

	rooms   map[string]*Session     // room id -> session
	waiting map[string]*queue.Queue // content key -> FIFO of waiting room ids
	conns   map[string]string       // connection id -> room id

	ids      *roomid.Allocator
	clock    clockwork.Clock
	duration time.Duration
}

// NewManager creates an empty registry. A zero duration falls back to DefaultDuration.
func NewManager(clock clockwork.Clock, duration time.Duration) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Manager{
		rooms:    make(map[string]*Session),
		waiting:  make(map[string]*queue.Queue),
		conns:    make(map[string]string),
		ids:      roomid.NewAllocator(clock),
		clock:    clock,
		duration: duration,
	}
}

// Duration is the configured session length.
func (m *Manager) Duration() time.Duration {
	return m.duration
}

// MatchOrCreate matches connectionID into the oldest waiting room for
// contentKey, or opens a new waiting room when there is none.
func (m *Manager) MatchOrCreate(contentKey, connectionID string) (MatchResult, error) {
	if err := roomid.ValidateContentKey(contentKey); err != nil {
		return MatchResult{Status: MatchRejected}, fmt.Errorf("%w: %v", ErrInvalidContentKey, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.conns[connectionID]; ok {
		return MatchResult{Status: MatchRejected, RoomID: existing}, ErrAlreadyInSession
	}

	if room := m.popWaiting(contentKey); room != nil {
		room.Members = append(room.Members, connectionID)
		room.State = StateActive
		room.MatchedAt = m.clock.Now()
		m.conns[connectionID] = room.RoomID

		log.Debug().
			Str("room_id", room.RoomID).
			Str("content_key", contentKey).
			Str("connection_id", connectionID).
			Msg("connection joined waiting room")

		return MatchResult{Status: MatchJoined, RoomID: room.RoomID, Session: room.clone()}, nil
	}

	id, err := m.ids.New(contentKey)
	if err != nil {
		return MatchResult{Status: MatchRejected}, fmt.Errorf("%w: %v", ErrInvalidContentKey, err)
	}
	room := &Session{
		RoomID:     id,
		ContentKey: contentKey,
		Members:    []string{connectionID},
		State:      StateWaiting,
		CreatedAt:  m.clock.Now(),
		Duration:   m.duration,
	}
	m.rooms[id] = room
	m.conns[connectionID] = id

	q, ok := m.waiting[contentKey]
	if !ok {
		q = queue.New()
		m.waiting[contentKey] = q
	}
	q.Add(id)

	log.Debug().
		Str("room_id", id).
		Str("content_key", contentKey).
		Str("connection_id", connectionID).
		Msg("created waiting room")

	return MatchResult{Status: MatchCreated, RoomID: id, Session: room.clone()}, nil
}

// popWaiting returns the oldest valid waiting room for contentKey. Entries
// that no longer point at a single-member waiting room are dropped.
func (m *Manager) popWaiting(contentKey string) *Session {
	q, ok := m.waiting[contentKey]
	if !ok {
		return nil
	}
	defer func() {
		if q.Length() == 0 {
			delete(m.waiting, contentKey)
		}
	}()

	for q.Length() > 0 {
		id := q.Remove().(string)
		room, ok := m.rooms[id]
		if !ok || room.State != StateWaiting || len(room.Members) != 1 {
			log.Warn().Str("room_id", id).Msg("skipping stale waiting room")
			continue
		}
		return room
	}
	return nil
}

// Leave removes connectionID from its room. Unknown connections are a no-op.
func (m *Manager) Leave(connectionID string) Departure {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.conns[connectionID]
	if !ok {
		return Departure{}
	}
	delete(m.conns, connectionID)

	room, ok := m.rooms[id]
	if !ok {
		return Departure{RoomID: id}
	}

	members := room.Members[:0]
	for _, member := range room.Members {
		if member != connectionID {
			members = append(members, member)
		}
	}
	room.Members = members

	if room.State == StateWaiting {
		m.dequeue(room.ContentKey, id)
	}

	return Departure{
		RoomID:    id,
		Remaining: append([]string(nil), room.Members...),
		State:     room.State,
	}
}

// RoomOf returns the room a connection currently occupies.
func (m *Manager) RoomOf(connectionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.conns[connectionID]
	return id, ok
}

// Get returns a snapshot of the room.
func (m *Manager) Get(roomID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return Session{}, false
	}
	return room.clone(), true
}

// End marks the room ended and evicts it from every index. It returns the
// final snapshot and true only for the call that removed the room.
func (m *Manager) End(roomID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return Session{}, false
	}

	if room.State == StateWaiting {
		m.dequeue(room.ContentKey, roomID)
	}
	room.State = StateEnded
	for _, member := range room.Members {
		if m.conns[member] == roomID {
			delete(m.conns, member)
		}
	}
	delete(m.rooms, roomID)

	return room.clone(), true
}

// ExpiredActive returns the active rooms whose duration has elapsed at now.
func (m *Manager) ExpiredActive(now time.Time) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	for _, room := range m.rooms {
		if room.Expired(now) {
			out = append(out, room.clone())
		}
	}
	sortByCreation(out)
	return out
}

// StaleWaiting returns waiting rooms created more than timeout before now.
func (m *Manager) StaleWaiting(now time.Time, timeout time.Duration) []Session {
	if timeout <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Session
	for _, room := range m.rooms {
		if room.State == StateWaiting && now.Sub(room.CreatedAt) >= timeout {
			out = append(out, room.clone())
		}
	}
	sortByCreation(out)
	return out
}

// Stats counts rooms by state.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{Connections: len(m.conns)}
	for _, room := range m.rooms {
		switch room.State {
		case StateWaiting:
			stats.Waiting++
		case StateActive:
			stats.Active++
		}
	}
	return stats
}

// Rooms returns snapshots of every room, oldest first.
func (m *Manager) Rooms() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.rooms))
	for _, room := range m.rooms {
		out = append(out, room.clone())
	}
	sortByCreation(out)
	return out
}

// WaitingLen is the number of queued room ids for contentKey.
func (m *Manager) WaitingLen(contentKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.waiting[contentKey]; ok {
		return q.Length()
	}
	return 0
}

// dequeue drops roomID from the waiting queue of contentKey. Caller holds mu.
func (m *Manager) dequeue(contentKey, roomID string) {
	q, ok := m.waiting[contentKey]
	if !ok {
		return
	}

	kept := queue.New()
	for i := 0; i < q.Length(); i++ {
		if id := q.Get(i).(string); id != roomID {
			kept.Add(id)
		}
	}
	if kept.Length() == 0 {
		delete(m.waiting, contentKey)
		return
	}
	m.waiting[contentKey] = kept
}

func sortByCreation(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
