package countdown

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/session"
)

const idlePollDuration = 5 * time.Second

// Clock is the interface we use for time operations.
// In production, use clockwork.NewRealClock(). In tests, a FakeClock.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) clockwork.Timer
}

// RoomState is consulted before every emission; a room that is gone or no
// longer active silently stops its countdown.
type RoomState interface {
	Get(roomID string) (session.Session, bool)
}

// Notifier receives countdown notifications.
type Notifier interface {
	TimerUpdate(roomID string, remaining time.Duration)
	TimerWarning(roomID string, mark, remaining time.Duration)
	// Expire is called from a worker once a room's duration has elapsed.
	Expire(ctx context.Context, roomID string)
}

// Config holds countdown cadence settings
type Config struct {
	TickInterval time.Duration
	Warnings     []time.Duration
	Workers      int
}

// DefaultConfig ticks every 30s and warns at 5 and 1 minutes remaining.
func DefaultConfig() Config {
	return Config{
		TickInterval: 30 * time.Second,
		Warnings:     []time.Duration{5 * time.Minute, time.Minute},
		Workers:      4,
	}
}

type expiry struct {
	roomID    string
	matchedAt time.Time
}

// Scheduler runs the countdown of every active room from a single loop.
type Scheduler struct {
	cfg    Config
	clock  Clock
	rooms  RoomState
	notify Notifier

	mu    sync.Mutex
	tasks map[string]*task
	queue taskHeap

	wakeCh     chan struct{}
	workCh     chan expiry
	instanceID string
}

// NewScheduler creates a scheduler. Run must be called for it to fire.
func NewScheduler(cfg Config, clock Clock, rooms RoomState, notify Notifier) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		cfg:        cfg,
		clock:      clock,
		rooms:      rooms,
		notify:     notify,
		tasks:      make(map[string]*task),
		wakeCh:     make(chan struct{}, 1),
		workCh:     make(chan expiry, cfg.Workers*2),
		instanceID: uuid.New().String()[:8],
	}
}

// Start begins the countdown for a room that just became active. Repeated
// calls for the same room and match time are ignored.
func (s *Scheduler) Start(roomID string, matchedAt time.Time, duration time.Duration) {
	s.mu.Lock()
	if existing, ok := s.tasks[roomID]; ok {
		if existing.matchedAt.Equal(matchedAt) {
			s.mu.Unlock()
			log.Debug().Str("room_id", roomID).Msg("skipping duplicate countdown start")
			return
		}
		heap.Remove(&s.queue, existing.index)
	}

	t := newTask(roomID, matchedAt, duration, s.cfg.TickInterval, s.cfg.Warnings)
	s.tasks[roomID] = t
	heap.Push(&s.queue, t)
	s.mu.Unlock()

	log.Debug().
		Str("room_id", roomID).
		Time("expires_at", t.expiresAt).
		Msg("countdown scheduled")

	s.wake()
}

// Cancel drops the countdown of a room. Safe to call for unknown rooms.
func (s *Scheduler) Cancel(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(roomID)
}

func (s *Scheduler) cancelLocked(roomID string) {
	t, ok := s.tasks[roomID]
	if !ok {
		return
	}
	if t.index >= 0 {
		heap.Remove(&s.queue, t.index)
	}
	delete(s.tasks, roomID)
	log.Debug().Str("room_id", roomID).Msg("cancelled countdown")
}

// Pending is the number of rooms with a running countdown.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run fires due countdowns until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Str("instance", s.instanceID).
		Int("workers", s.cfg.Workers).
		Msg("countdown scheduler started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go s.worker(workerCtx, &wg, i)
	}

	defer func() {
		cancelWorkers()
		close(s.workCh)
		wg.Wait()
		log.Info().Str("instance", s.instanceID).Msg("countdown scheduler stopped")
	}()

	timer := s.clock.NewTimer(idlePollDuration)
	defer timer.Stop()

	for {
		next, ok := s.advance(ctx, s.clock.Now())

		wait := idlePollDuration
		if ok {
			wait = next.Sub(s.clock.Now())
			if wait <= 0 {
				continue
			}
		}

		stopAndDrainTimer(timer)
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-timer.Chan():
		case <-s.wakeCh:
		}
	}
}

// advance fires every task due at now and returns the next due time.
func (s *Scheduler) advance(ctx context.Context, now time.Time) (time.Time, bool) {
	var (
		emits   []emission
		expired []expiry
	)

	s.mu.Lock()
	for s.queue.Len() > 0 {
		t := s.queue[0]
		if t.due().After(now) {
			break
		}
		out, done := t.fire(now)
		emits = append(emits, out...)
		if done {
			heap.Pop(&s.queue)
			delete(s.tasks, t.roomID)
			expired = append(expired, expiry{roomID: t.roomID, matchedAt: t.matchedAt})
			continue
		}
		heap.Fix(&s.queue, 0)
	}
	var next time.Time
	hasNext := s.queue.Len() > 0
	if hasNext {
		next = s.queue[0].due()
	}
	s.mu.Unlock()

	for _, e := range emits {
		if !s.stillActive(e.roomID, e.matchedAt) {
			s.Cancel(e.roomID)
			continue
		}
		switch e.kind {
		case emitTick:
			s.notify.TimerUpdate(e.roomID, e.remaining)
		case emitWarning:
			s.notify.TimerWarning(e.roomID, e.mark, e.remaining)
		}
	}

	for _, exp := range expired {
		select {
		case s.workCh <- exp:
			log.Debug().Str("room_id", exp.roomID).Msg("countdown expired - enqueued for processing")
		case <-ctx.Done():
			return next, hasNext
		}
	}

	return next, hasNext
}

func (s *Scheduler) stillActive(roomID string, matchedAt time.Time) bool {
	room, ok := s.rooms.Get(roomID)
	return ok && room.State == session.StateActive && room.MatchedAt.Equal(matchedAt)
}

// worker handles natural expiry off the scheduling loop
func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case exp, ok := <-s.workCh:
			if !ok {
				return
			}
			s.handleExpiry(ctx, exp)
		}
	}
}

func (s *Scheduler) handleExpiry(ctx context.Context, exp expiry) {
	if !s.stillActive(exp.roomID, exp.matchedAt) {
		log.Debug().Str("room_id", exp.roomID).Msg("room ended before expiry, nothing to do")
		return
	}

	log.Info().
		Str("room_id", exp.roomID).
		Str("instance", s.instanceID).
		Msg("countdown expired")

	s.notify.Expire(ctx, exp.roomID)
}

// stopAndDrainTimer safely stops a timer and drains its channel
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
