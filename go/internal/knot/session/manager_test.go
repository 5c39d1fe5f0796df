package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eapache/queue"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() (*Manager, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC))
	return NewManager(clock, DefaultDuration), clock
}

func TestMatchOrCreate_FirstCallerWaits(t *testing.T) {
	m, clock := newTestManager()

	res, err := m.MatchOrCreate("star-42", "conn-a")
	require.NoError(t, err)
	assert.Equal(t, MatchCreated, res.Status)

	room, ok := m.Get(res.RoomID)
	require.True(t, ok)
	assert.Equal(t, StateWaiting, room.State)
	assert.Equal(t, []string{"conn-a"}, room.Members)
	assert.Equal(t, clock.Now(), room.CreatedAt)
	assert.True(t, room.MatchedAt.IsZero())
	assert.Equal(t, 1, m.WaitingLen("star-42"))
}

func TestMatchOrCreate_SecondCallerJoins(t *testing.T) {
	m, clock := newTestManager()

	first, err := m.MatchOrCreate("star-42", "conn-a")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	second, err := m.MatchOrCreate("star-42", "conn-b")
	require.NoError(t, err)

	assert.Equal(t, MatchJoined, second.Status)
	assert.Equal(t, first.RoomID, second.RoomID)

	room, ok := m.Get(first.RoomID)
	require.True(t, ok)
	assert.Equal(t, StateActive, room.State)
	assert.Equal(t, []string{"conn-a", "conn-b"}, room.Members)
	assert.Equal(t, clock.Now(), room.MatchedAt)
	assert.Equal(t, 0, m.WaitingLen("star-42"))
}

func TestMatchOrCreate_DifferentContentDoesNotMatch(t *testing.T) {
	m, _ := newTestManager()

	a, err := m.MatchOrCreate("star-1", "conn-a")
	require.NoError(t, err)
	b, err := m.MatchOrCreate("star-2", "conn-b")
	require.NoError(t, err)

	assert.Equal(t, MatchCreated, b.Status)
	assert.NotEqual(t, a.RoomID, b.RoomID)
}

func TestMatchOrCreate_RejectsConnectionAlreadyInSession(t *testing.T) {
	m, _ := newTestManager()

	first, err := m.MatchOrCreate("star-42", "conn-a")
	require.NoError(t, err)
	before := m.Stats()

	res, err := m.MatchOrCreate("star-42", "conn-a")
	assert.ErrorIs(t, err, ErrAlreadyInSession)
	assert.Equal(t, MatchRejected, res.Status)

	assert.Equal(t, before, m.Stats())
	assert.Equal(t, 1, m.WaitingLen("star-42"))
	room, ok := m.Get(first.RoomID)
	require.True(t, ok)
	assert.Equal(t, []string{"conn-a"}, room.Members)
}

func TestMatchOrCreate_RejectsEmptyContentKey(t *testing.T) {
	m, _ := newTestManager()

	res, err := m.MatchOrCreate("", "conn-a")
	assert.ErrorIs(t, err, ErrInvalidContentKey)
	assert.Equal(t, MatchRejected, res.Status)
	_, ok := m.RoomOf("conn-a")
	assert.False(t, ok)
}

func TestMatchOrCreate_ThirdCallerGetsNewRoom(t *testing.T) {
	m, _ := newTestManager()

	a, _ := m.MatchOrCreate("star-42", "conn-a")
	_, _ = m.MatchOrCreate("star-42", "conn-b")
	c, err := m.MatchOrCreate("star-42", "conn-c")
	require.NoError(t, err)

	assert.Equal(t, MatchCreated, c.Status)
	assert.NotEqual(t, a.RoomID, c.RoomID)

	room, _ := m.Get(a.RoomID)
	assert.Len(t, room.Members, 2)
}

// injectWaiting enqueues a waiting room directly. Two waiting rooms for one
// key cannot be produced through MatchOrCreate alone.
func injectWaiting(m *Manager, roomID, contentKey, connectionID string, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms[roomID] = &Session{
		RoomID:     roomID,
		ContentKey: contentKey,
		Members:    []string{connectionID},
		State:      StateWaiting,
		CreatedAt:  createdAt,
		Duration:   m.duration,
	}
	m.conns[connectionID] = roomID
	q, ok := m.waiting[contentKey]
	if !ok {
		q = queue.New()
		m.waiting[contentKey] = q
	}
	q.Add(roomID)
}

func TestMatchOrCreate_FIFOByCreation(t *testing.T) {
	m, clock := newTestManager()

	first, err := m.MatchOrCreate("star-42", "conn-a")
	require.NoError(t, err)
	clock.Advance(time.Second)
	injectWaiting(m, "knot_star-42_0000beef_1", "star-42", "conn-b", clock.Now())

	res, err := m.MatchOrCreate("star-42", "conn-c")
	require.NoError(t, err)
	assert.Equal(t, first.RoomID, res.RoomID)

	res, err = m.MatchOrCreate("star-42", "conn-d")
	require.NoError(t, err)
	assert.Equal(t, "knot_star-42_0000beef_1", res.RoomID)
}

func TestMatchOrCreate_SkipsStaleQueueEntries(t *testing.T) {
	m, clock := newTestManager()

	injectWaiting(m, "knot_star-42_deadbeef_1", "star-42", "conn-x", clock.Now())
	// the room vanishes without its queue entry being cleaned up
	m.mu.Lock()
	delete(m.rooms, "knot_star-42_deadbeef_1")
	delete(m.conns, "conn-x")
	m.mu.Unlock()

	res, err := m.MatchOrCreate("star-42", "conn-a")
	require.NoError(t, err)
	assert.Equal(t, MatchCreated, res.Status)
	assert.NotEqual(t, "knot_star-42_deadbeef_1", res.RoomID)
	assert.Equal(t, 1, m.WaitingLen("star-42"))
}

func TestLeave_WaitingRoomIsDequeued(t *testing.T) {
	m, _ := newTestManager()

	res, _ := m.MatchOrCreate("star-42", "conn-a")

	dep := m.Leave("conn-a")
	assert.Equal(t, res.RoomID, dep.RoomID)
	assert.Equal(t, 0, dep.RemainingCount())
	assert.Equal(t, StateWaiting, dep.State)
	assert.Equal(t, 0, m.WaitingLen("star-42"))

	// next caller must not be matched into the abandoned room
	next, err := m.MatchOrCreate("star-42", "conn-b")
	require.NoError(t, err)
	assert.Equal(t, MatchCreated, next.Status)
	assert.NotEqual(t, res.RoomID, next.RoomID)
}

func TestLeave_ActiveRoomReportsPartner(t *testing.T) {
	m, _ := newTestManager()

	res, _ := m.MatchOrCreate("star-42", "conn-a")
	_, _ = m.MatchOrCreate("star-42", "conn-b")

	dep := m.Leave("conn-a")
	assert.Equal(t, res.RoomID, dep.RoomID)
	assert.Equal(t, []string{"conn-b"}, dep.Remaining)
	assert.Equal(t, StateActive, dep.State)

	_, ok := m.RoomOf("conn-a")
	assert.False(t, ok)
	id, ok := m.RoomOf("conn-b")
	assert.True(t, ok)
	assert.Equal(t, res.RoomID, id)
}

func TestLeave_UnknownConnectionIsNoop(t *testing.T) {
	m, _ := newTestManager()

	dep := m.Leave("ghost")
	assert.Equal(t, "", dep.RoomID)
	assert.Equal(t, 0, dep.RemainingCount())

	// twice in a row
	_, _ = m.MatchOrCreate("star-42", "conn-a")
	m.Leave("conn-a")
	dep = m.Leave("conn-a")
	assert.Equal(t, "", dep.RoomID)
}

func TestBothMembersLeave_RoomFullyEvicted(t *testing.T) {
	m, _ := newTestManager()

	res, _ := m.MatchOrCreate("star-42", "conn-a")
	_, _ = m.MatchOrCreate("star-42", "conn-b")

	m.Leave("conn-a")
	dep := m.Leave("conn-b")
	assert.Equal(t, 0, dep.RemainingCount())

	_, removed := m.End(res.RoomID)
	assert.True(t, removed)

	_, ok := m.Get(res.RoomID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.WaitingLen("star-42"))
	assert.Equal(t, Stats{}, m.Stats())
}

func TestEnd_IsIdempotent(t *testing.T) {
	m, _ := newTestManager()

	res, _ := m.MatchOrCreate("star-42", "conn-a")
	_, _ = m.MatchOrCreate("star-42", "conn-b")

	final, removed := m.End(res.RoomID)
	require.True(t, removed)
	assert.Equal(t, StateEnded, final.State)
	assert.ElementsMatch(t, []string{"conn-a", "conn-b"}, final.Members)

	_, removed = m.End(res.RoomID)
	assert.False(t, removed)

	for _, conn := range []string{"conn-a", "conn-b"} {
		_, ok := m.RoomOf(conn)
		assert.False(t, ok)
	}

	_, removed = m.End("knot_nope_00000000_1")
	assert.False(t, removed)
}

func TestEnd_WaitingRoomLeavesQueue(t *testing.T) {
	m, _ := newTestManager()

	res, _ := m.MatchOrCreate("star-42", "conn-a")
	m.End(res.RoomID)

	assert.Equal(t, 0, m.WaitingLen("star-42"))
	_, ok := m.RoomOf("conn-a")
	assert.False(t, ok)
}

func TestExpiredActive(t *testing.T) {
	m, clock := newTestManager()

	res, _ := m.MatchOrCreate("star-42", "conn-a")
	clock.Advance(time.Minute)
	_, _ = m.MatchOrCreate("star-42", "conn-b")
	_, _ = m.MatchOrCreate("star-7", "conn-c")

	clock.Advance(DefaultDuration - time.Second)
	assert.Empty(t, m.ExpiredActive(clock.Now()))

	clock.Advance(time.Second)
	expired := m.ExpiredActive(clock.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, res.RoomID, expired[0].RoomID)
}

func TestStaleWaiting(t *testing.T) {
	m, clock := newTestManager()

	res, _ := m.MatchOrCreate("star-42", "conn-a")

	assert.Empty(t, m.StaleWaiting(clock.Now(), 10*time.Minute))
	clock.Advance(10 * time.Minute)
	stale := m.StaleWaiting(clock.Now(), 10*time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, res.RoomID, stale[0].RoomID)

	assert.Nil(t, m.StaleWaiting(clock.Now(), 0))
}

func TestSession_RemainingAndExpired(t *testing.T) {
	matched := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Session{State: StateActive, MatchedAt: matched, Duration: 30 * time.Minute}

	assert.Equal(t, 30*time.Minute, s.Remaining(matched))
	assert.Equal(t, 5*time.Minute, s.Remaining(matched.Add(25*time.Minute)))
	assert.Equal(t, time.Duration(0), s.Remaining(matched.Add(31*time.Minute)))

	assert.False(t, s.Expired(matched.Add(30*time.Minute-time.Nanosecond)))
	assert.True(t, s.Expired(matched.Add(30*time.Minute)))

	waiting := Session{State: StateWaiting, Duration: 30 * time.Minute}
	assert.Equal(t, 30*time.Minute, waiting.Remaining(matched))
	assert.False(t, waiting.Expired(matched.Add(time.Hour)))
}

func TestSession_MatchedAtOmittedUntilMatch(t *testing.T) {
	m, _ := newTestManager()

	res, err := m.MatchOrCreate("star", "conn-a")
	require.NoError(t, err)
	raw, err := json.Marshal(res.Session)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "matched_at")

	res, err = m.MatchOrCreate("star", "conn-b")
	require.NoError(t, err)
	raw, err = json.Marshal(res.Session)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, res.Session.MatchedAt.Format(time.RFC3339Nano), decoded["matched_at"])
}

func TestConcurrentMatching_NeverMoreThanTwo(t *testing.T) {
	m, _ := newTestManager()

	const callers = 200
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.MatchOrCreate("star-42", fmt.Sprintf("conn-%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	stats := m.Stats()
	assert.Equal(t, callers, stats.Connections)
	assert.Equal(t, callers/2, stats.Active)
	assert.Equal(t, 0, stats.Waiting)

	for _, room := range m.Rooms() {
		assert.Len(t, room.Members, 2, "room %s", room.RoomID)
	}
}
