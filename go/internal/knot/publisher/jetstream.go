package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/events"
)

// Message headers set on every lifecycle event.
const (
	HeaderEventType = "Knot-Event-Type"
	HeaderRoomID    = "Knot-Room-ID"
)

// JetStreamConfig describes the connection and the KNOT_EVENTS stream.
type JetStreamConfig struct {
	URL           string
	StreamName    string
	SubjectPrefix string

	MaxReconnects  int
	ReconnectWait  time.Duration
	PublishTimeout time.Duration

	// Stream limits. DuplicateWindow bounds Nats-Msg-Id dedupe.
	MaxAge          time.Duration
	MaxMsgs         int64
	Replicas        int
	DuplicateWindow time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		URL:             nats.DefaultURL,
		StreamName:      "KNOT_EVENTS",
		SubjectPrefix:   "knot.events",
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		PublishTimeout:  3 * time.Second,
		MaxAge:          72 * time.Hour,
		MaxMsgs:         -1,
		Replicas:        1,
		DuplicateWindow: 10 * time.Minute,
	}
}

// JetStreamPublisher writes lifecycle events to a JetStream stream, one
// subject per event type.
type JetStreamPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	config JetStreamConfig
}

// NewJetStreamPublisher connects, then creates or reconciles the stream.
func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("knot-gateway"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Str("stream", cfg.StreamName).Msg("lost NATS connection, lifecycle events will fail until reconnect")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	p := &JetStreamPublisher{nc: nc, js: js, config: cfg}
	if err := p.ensureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *JetStreamPublisher) streamConfig() jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        p.config.StreamName,
		Description: "Knot session lifecycle events",
		Subjects:    []string{p.config.SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		Storage:     jetstream.FileStorage,
		MaxAge:      p.config.MaxAge,
		MaxMsgs:     p.config.MaxMsgs,
		Replicas:    p.config.Replicas,
		Duplicates:  p.config.DuplicateWindow,
	}
}

// ensureStream creates the stream when it is missing and updates it when
// its subjects or limits drifted from the configuration.
func (p *JetStreamPublisher) ensureStream(ctx context.Context) error {
	want := p.streamConfig()

	stream, err := p.js.Stream(ctx, want.Name)
	switch {
	case errors.Is(err, jetstream.ErrStreamNotFound):
		if _, err := p.js.CreateStream(ctx, want); err != nil {
			return fmt.Errorf("create stream %s: %w", want.Name, err)
		}
		log.Info().Str("stream", want.Name).Strs("subjects", want.Subjects).Msg("knot event stream created")
		return nil
	case err != nil:
		return fmt.Errorf("look up stream %s: %w", want.Name, err)
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("stream %s info: %w", want.Name, err)
	}
	if isStreamConfigEqual(info.Config, want) {
		return nil
	}
	if _, err := p.js.UpdateStream(ctx, want); err != nil {
		return fmt.Errorf("update stream %s: %w", want.Name, err)
	}
	log.Info().Str("stream", want.Name).Msg("knot event stream reconfigured")
	return nil
}

// Publish sends event and waits for the stream ack. The event id doubles as
// the Nats-Msg-Id, so a retried publish is stored once.
func (p *JetStreamPublisher) Publish(ctx context.Context, event events.Lifecycle) error {
	if p.config.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.PublishTimeout)
		defer cancel()
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event.Type, err)
	}

	msg := nats.NewMsg(event.Type.Subject(p.config.SubjectPrefix))
	msg.Data = body
	msg.Header.Set(HeaderEventType, string(event.Type))
	msg.Header.Set(HeaderRoomID, event.RoomID)

	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(event.ID),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish %s for room %s: %w", event.Type, event.RoomID, err)
	}

	log.Debug().
		Str("room_id", event.RoomID).
		Str("event_type", string(event.Type)).
		Uint64("stream_seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("lifecycle event stored")
	return nil
}

// Close drains pending publishes before closing the connection.
func (p *JetStreamPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

// isStreamConfigEqual compares the fields this publisher manages.
func isStreamConfigEqual(have, want jetstream.StreamConfig) bool {
	return have.Name == want.Name &&
		slices.Equal(have.Subjects, want.Subjects) &&
		have.Storage == want.Storage &&
		have.MaxAge == want.MaxAge &&
		have.MaxMsgs == want.MaxMsgs &&
		have.Replicas == want.Replicas &&
		have.Duplicates == want.Duplicates
}
