package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/unsentlabs/unsent/go/internal/dbconfig"
	"github.com/unsentlabs/unsent/go/internal/knot/admin"
	"github.com/unsentlabs/unsent/go/internal/knot/config"
	"github.com/unsentlabs/unsent/go/internal/knot/countdown"
	"github.com/unsentlabs/unsent/go/internal/knot/gateway"
	"github.com/unsentlabs/unsent/go/internal/knot/publisher"
	"github.com/unsentlabs/unsent/go/internal/knot/store"
	"github.com/unsentlabs/unsent/go/internal/knot/sweeper"
)

func setupLogging(cfg *config.Config) {
	if cfg.Log.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Log.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// setupStore opens the configured backend and wraps it with retries. The
// returned func releases its connections.
func setupStore(cfg *config.Config, clock clockwork.Clock) (store.Store, func(), error) {
	retry := store.RetryConfig{
		InitialInterval: cfg.Store.Retry.InitialInterval,
		MaxInterval:     cfg.Store.Retry.MaxInterval,
		MaxRetries:      cfg.Store.Retry.MaxRetries,
	}

	switch cfg.Store.Backend {
	case config.StorePostgres:
		database, err := setupDatabase()
		if err != nil {
			return nil, nil, err
		}
		st := store.NewPostgresStore(database, clock, cfg.Session.Duration)
		return store.NewRetryingStore(st, retry), func() { database.Close() }, nil

	case config.StoreRedis:
		client, err := store.NewRedisClient(cfg.Store.Redis.Address, cfg.Store.Redis.Password, cfg.Store.Redis.DB, cfg.Store.Redis.PoolSize)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", cfg.Store.Redis.Address).Int("db", cfg.Store.Redis.DB).Msg("connected to redis")
		st := store.NewRedisStore(client, clock, cfg.Session.Duration, cfg.Store.Redis.Retention)
		return store.NewRetryingStore(st, retry), func() { client.Close() }, nil

	default:
		return store.NewMemoryStore(clock, cfg.Session.Duration), func() {}, nil
	}
}

func setupDatabase() (*sql.DB, error) {
	dbCfg := dbconfig.NewConfigFromEnv()

	database, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	dbCfg.ApplyPool(database)
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("connected to database")
	return database, nil
}

// setupPublisher connects to JetStream when NATS is configured and falls
// back to dropping lifecycle events otherwise.
func setupPublisher(ctx context.Context, cfg *config.Config) (publisher.Publisher, error) {
	if cfg.Events.NATSURL == "" {
		log.Info().Msg("NATS_URL not set, lifecycle events disabled")
		return publisher.Noop{}, nil
	}

	jsCfg := publisher.DefaultJetStreamConfig()
	jsCfg.URL = cfg.Events.NATSURL
	jsCfg.StreamName = cfg.Events.StreamName
	jsCfg.SubjectPrefix = cfg.Events.SubjectPrefix

	js, err := publisher.NewJetStreamPublisher(ctx, jsCfg)
	if err != nil {
		return nil, err
	}
	return publisher.NewMetricPublisher(js), nil
}

func setupGateway(cfg *config.Config, st store.Store, pub publisher.Publisher, clock clockwork.Clock) *gateway.Service {
	connCfg := gateway.DefaultConnectionConfig()
	connCfg.CheckOrigin = gateway.OriginChecker(cfg.Server.AllowedOrigins)

	return gateway.NewService(gateway.Config{
		SessionDuration:  cfg.Session.Duration,
		ConnectionConfig: connCfg,
		Countdown: countdown.Config{
			TickInterval: cfg.Countdown.TickInterval,
			Warnings:     cfg.Countdown.Warnings,
			Workers:      cfg.Countdown.Workers,
		},
		Sweeper: sweeper.Config{
			Interval:       cfg.Sweeper.Interval,
			WaitingTimeout: cfg.WaitingTimeout(),
		},
	}, st, pub, clock)
}

func setupServer(cfg *config.Config, svc *gateway.Service, clock clockwork.Clock) *http.Server {
	mux := http.NewServeMux()

	svc.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})

	if cfg.Server.AdminEnabled {
		adminService := admin.NewService(svc.Sessions(), svc.Store(), svc, clock)
		mux.Handle(admin.NewAdminServiceHandler(adminService))
		log.Info().Str("service", admin.ServiceName).Msg("admin service registered")
	}

	handler := gateway.CORSMiddleware(cfg.Server.AllowedOrigins, mux)

	// Setup HTTP/2 server
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}
