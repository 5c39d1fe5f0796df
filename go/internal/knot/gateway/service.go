package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/countdown"
	"github.com/unsentlabs/unsent/go/internal/knot/publisher"
	"github.com/unsentlabs/unsent/go/internal/knot/session"
	"github.com/unsentlabs/unsent/go/internal/knot/store"
	"github.com/unsentlabs/unsent/go/internal/knot/sweeper"
)

// Config holds configuration for the knot gateway service
type Config struct {
	SessionDuration  time.Duration
	ConnectionConfig ConnectionConfig
	Countdown        countdown.Config
	Sweeper          sweeper.Config
}

// DefaultConfig returns default configuration for the knot gateway
func DefaultConfig() Config {
	return Config{
		SessionDuration:  session.DefaultDuration,
		ConnectionConfig: DefaultConnectionConfig(),
		Countdown:        countdown.DefaultConfig(),
		Sweeper:          sweeper.DefaultConfig(),
	}
}

// Service wires the session manager, countdown scheduler, sweeper and
// websocket transport together.
type Service struct {
	sessions          *session.Manager
	connectionManager *ConnectionManager
	gateway           *Gateway
	scheduler         *countdown.Scheduler
	sweeper           *sweeper.Sweeper
	wsHandler         *WebSocketHandler
	store             store.Store
}

// NewService creates a new knot gateway service
func NewService(cfg Config, st store.Store, pub publisher.Publisher, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	sessions := session.NewManager(clock, cfg.SessionDuration)
	cm := NewConnectionManager(cfg.ConnectionConfig)
	gw := NewGateway(sessions, st, pub, cm, clock)
	sched := countdown.NewScheduler(cfg.Countdown, clock, sessions, gw)
	gw.countdown = sched
	cm.SetHandler(gw)

	return &Service{
		sessions:          sessions,
		connectionManager: cm,
		gateway:           gw,
		scheduler:         sched,
		sweeper:           sweeper.New(cfg.Sweeper, clock, st, sessions, gw),
		wsHandler:         NewWebSocketHandler(cm, sessions, sched),
		store:             st,
	}
}

// Start runs the connection manager, countdown scheduler and sweeper until
// ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting knot gateway service")

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.connectionManager.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := s.scheduler.Run(ctx); err != nil {
			log.Error().Err(err).Msg("countdown scheduler failed")
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.sweeper.Run(ctx); err != nil {
			log.Error().Err(err).Msg("session sweeper failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("knot gateway service shutting down")
	wg.Wait()
	log.Info().Msg("knot gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("knot gateway routes registered")
}

// Sessions exposes the registry for read-only admin views.
func (s *Service) Sessions() *session.Manager {
	return s.sessions
}

// Store returns the durable store the service writes to.
func (s *Service) Store() store.Store {
	return s.store
}

// Connections is the number of open websocket connections.
func (s *Service) Connections() int {
	return s.connectionManager.Count()
}

// PendingCountdowns is the number of scheduled countdowns.
func (s *Service) PendingCountdowns() int {
	return s.scheduler.Pending()
}

// Sweep runs one reconciliation pass immediately.
func (s *Service) Sweep(ctx context.Context) sweeper.Result {
	return s.sweeper.SweepOnce(ctx)
}
