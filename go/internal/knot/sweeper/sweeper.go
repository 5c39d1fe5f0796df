// Package sweeper reconciles the durable store and the in-memory registry on
// a fixed interval, independent of connection events.
package sweeper

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/events"
	"github.com/unsentlabs/unsent/go/internal/knot/metrics"
	"github.com/unsentlabs/unsent/go/internal/knot/session"
)

// Expirer closes durable records whose expiry has passed.
type Expirer interface {
	SweepExpire(ctx context.Context) (int, error)
}

// Registry is the read side of the session manager the sweeper scans.
type Registry interface {
	ExpiredActive(now time.Time) []session.Session
	StaleWaiting(now time.Time, timeout time.Duration) []session.Session
}

// Terminator ends a room and notifies whoever is left in it. It reports
// whether this call ended the room.
type Terminator interface {
	EndSession(ctx context.Context, roomID string, reason events.EndReason) bool
}

type Config struct {
	Interval time.Duration
	// WaitingTimeout ends rooms that have waited this long for a partner. Zero disables it.
	WaitingTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:       60 * time.Second,
		WaitingTimeout: session.DefaultDuration,
	}
}

// Result counts what one pass changed.
type Result struct {
	StoreExpired   int
	ActiveExpired  int
	WaitingExpired int
}

type Sweeper struct {
	cfg      Config
	clock    clockwork.Clock
	store    Expirer
	registry Registry
	ender    Terminator
}

func New(cfg Config, clock clockwork.Clock, store Expirer, registry Registry, ender Terminator) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Sweeper{
		cfg:      cfg,
		clock:    clock,
		store:    store,
		registry: registry,
		ender:    ender,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", s.cfg.Interval).
		Dur("waiting_timeout", s.cfg.WaitingTimeout).
		Msg("session sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("session sweeper stopped")
			return nil
		case <-ticker.Chan():
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single reconciliation pass. Store failures are logged
// and do not stop the in-memory pass.
func (s *Sweeper) SweepOnce(ctx context.Context) Result {
	var res Result
	metrics.SweepRuns.Inc()

	n, err := s.store.SweepExpire(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("sweep_expire").Inc()
		log.Error().Err(err).Msg("failed to expire durable session records")
	} else {
		res.StoreExpired = n
		metrics.SweepExpired.WithLabelValues("store").Add(float64(n))
	}

	now := s.clock.Now()
	for _, room := range s.registry.ExpiredActive(now) {
		if s.ender.EndSession(ctx, room.RoomID, events.ReasonExpired) {
			res.ActiveExpired++
			log.Info().
				Str("room_id", room.RoomID).
				Time("matched_at", room.MatchedAt).
				Msg("sweeper expired active session")
		}
	}
	metrics.SweepExpired.WithLabelValues("active").Add(float64(res.ActiveExpired))

	for _, room := range s.registry.StaleWaiting(now, s.cfg.WaitingTimeout) {
		if s.ender.EndSession(ctx, room.RoomID, events.ReasonExpired) {
			res.WaitingExpired++
			log.Info().
				Str("room_id", room.RoomID).
				Time("created_at", room.CreatedAt).
				Msg("sweeper expired waiting room")
		}
	}
	metrics.SweepExpired.WithLabelValues("waiting").Add(float64(res.WaitingExpired))

	if res != (Result{}) {
		log.Info().
			Int("store_expired", res.StoreExpired).
			Int("active_expired", res.ActiveExpired).
			Int("waiting_expired", res.WaitingExpired).
			Msg("sweep completed")
	}
	return res
}
