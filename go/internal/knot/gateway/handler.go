package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/countdown"
	"github.com/unsentlabs/unsent/go/internal/knot/events"
	"github.com/unsentlabs/unsent/go/internal/knot/metrics"
	"github.com/unsentlabs/unsent/go/internal/knot/publisher"
	"github.com/unsentlabs/unsent/go/internal/knot/roomid"
	"github.com/unsentlabs/unsent/go/internal/knot/session"
	"github.com/unsentlabs/unsent/go/internal/knot/store"
)

// Error messages sent to clients
const (
	msgInvalidMessage   = "Invalid message"
	msgUnknownEvent     = "Unknown event type"
	msgContentKey       = "content_key is required"
	msgAlreadyInSession = "Already in a session"
	msgSessionNotFound  = "Session not found"
	msgNotInSession     = "Not in that session"
	msgPartnerLeft      = "Partner left the session."
)

// Sender delivers events to connections.
type Sender interface {
	Send(event *Event, connIDs ...string)
}

// Countdown schedules per-room countdowns.
type Countdown interface {
	Start(roomID string, matchedAt time.Time, duration time.Duration)
	Cancel(roomID string)
	Pending() int
}

// Gateway translates client events into session manager calls and session
// changes into client notifications. It holds no room state of its own.
type Gateway struct {
	sessions  *session.Manager
	countdown Countdown
	store     store.Store
	publisher publisher.Publisher
	sender    Sender
	clock     clockwork.Clock

	storeTimeout time.Duration
}

func NewGateway(sessions *session.Manager, st store.Store, pub publisher.Publisher, sender Sender, clock clockwork.Clock) *Gateway {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if pub == nil {
		pub = publisher.Noop{}
	}
	return &Gateway{
		sessions:     sessions,
		store:        st,
		publisher:    pub,
		sender:       sender,
		clock:        clock,
		storeTimeout: 5 * time.Second,
	}
}

// OnConnect greets a new connection with its id.
func (g *Gateway) OnConnect(connID string) {
	g.send(EventConnected, "", ConnectedPayload{ConnectionID: connID}, connID)
}

// OnMessage dispatches one client message.
func (g *Gateway) OnMessage(connID string, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Debug().Err(err).Str("connection_id", connID).Msg("malformed client message")
		g.sendError(connID, msgInvalidMessage)
		return
	}
	metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case EventRequestKnot:
		var data RequestKnotData
		if err := msg.Decode(&data); err != nil {
			g.sendError(connID, msgInvalidMessage)
			return
		}
		g.RequestKnot(connID, data.Key())

	case EventLeaveKnot:
		var data RoomData
		if err := msg.Decode(&data); err != nil {
			g.sendError(connID, msgInvalidMessage)
			return
		}
		g.LeaveKnot(connID, data.RoomID)

	case EventGetSessionInfo:
		var data RoomData
		if err := msg.Decode(&data); err != nil {
			g.sendError(connID, msgInvalidMessage)
			return
		}
		g.SessionInfo(connID, data.RoomID)

	case EventChatMessage:
		var data ChatMessageData
		if err := msg.Decode(&data); err != nil {
			g.sendError(connID, msgInvalidMessage)
			return
		}
		g.relay(connID, data.RoomID, EventChatMessage, func(roomID string) any {
			return RelayedChatPayload{
				RoomID:    roomID,
				SenderID:  connID,
				Message:   data.Message,
				Timestamp: g.clock.Now().UnixMilli(),
			}
		})

	case EventDrawEvent:
		var data DrawEventData
		if err := msg.Decode(&data); err != nil {
			g.sendError(connID, msgInvalidMessage)
			return
		}
		g.relay(connID, data.RoomID, EventDrawEvent, func(roomID string) any {
			return RelayedDrawPayload{RoomID: roomID, SenderID: connID, DrawingData: data.DrawingData}
		})

	default:
		g.sendError(connID, msgUnknownEvent)
	}
}

// OnDisconnect runs the leave path for a closed connection.
func (g *Gateway) OnDisconnect(connID string) {
	dep := g.sessions.Leave(connID)
	if dep.RoomID == "" {
		return
	}
	log.Info().
		Str("connection_id", connID).
		Str("room_id", dep.RoomID).
		Msg("member disconnected")
	g.finishDeparture(dep, events.ReasonPartnerLeft)
}

// RequestKnot matches connID into a waiting room for contentKey or opens one.
func (g *Gateway) RequestKnot(connID, contentKey string) {
	res, err := g.sessions.MatchOrCreate(contentKey, connID)
	if err != nil {
		metrics.MatchOutcomes.WithLabelValues(session.MatchRejected.String()).Inc()
		switch {
		case errors.Is(err, session.ErrAlreadyInSession):
			g.sendError(connID, msgAlreadyInSession)
		case errors.Is(err, session.ErrInvalidContentKey):
			g.sendError(connID, msgContentKey)
		default:
			log.Error().Err(err).Str("connection_id", connID).Msg("match failed")
			g.sendError(connID, err.Error())
		}
		return
	}
	metrics.MatchOutcomes.WithLabelValues(res.Status.String()).Inc()

	room := res.Session
	switch res.Status {
	case session.MatchCreated:
		g.send(EventWaitingForPartner, room.RoomID, WaitingForPartnerPayload{
			RoomID:     room.RoomID,
			ContentKey: room.ContentKey,
		}, connID)

		g.persist("create", room.RoomID, func(ctx context.Context) error {
			_, err := g.store.Create(ctx, room.ContentKey, room.RoomID)
			return err
		})
		g.publish(room.RoomID, events.TypeKnotWaiting, events.KnotWaitingPayload{
			RoomID:     room.RoomID,
			ContentKey: room.ContentKey,
			CreatedAt:  room.CreatedAt,
		})

	case session.MatchJoined:
		if g.countdown != nil {
			g.countdown.Start(room.RoomID, room.MatchedAt, room.Duration)
		}

		g.send(EventKnotStarted, room.RoomID, KnotStartedPayload{
			RoomID:     room.RoomID,
			ContentKey: room.ContentKey,
			Duration:   countdown.Seconds(room.Duration),
			MatchedAt:  room.MatchedAt,
		}, room.Members...)

		log.Info().
			Str("room_id", room.RoomID).
			Str("content_key", room.ContentKey).
			Msg("knot started")

		g.persist("set_participant_count", room.RoomID, func(ctx context.Context) error {
			return g.store.SetParticipantCount(ctx, room.RoomID, len(room.Members))
		})
		g.persist("mark_matched", room.RoomID, func(ctx context.Context) error {
			return g.store.MarkMatched(ctx, room.RoomID, room.MatchedAt)
		})
		g.publish(room.RoomID, events.TypeKnotStarted, events.KnotStartedPayload{
			RoomID:      room.RoomID,
			ContentKey:  room.ContentKey,
			MatchedAt:   room.MatchedAt,
			DurationSec: countdown.Seconds(room.Duration),
		})
	}
	g.recordRoomCounts()
}

// LeaveKnot removes connID from its room. roomID is optional; when given it
// must name the caller's current room.
func (g *Gateway) LeaveKnot(connID, roomID string) {
	if roomID != "" {
		if current, ok := g.sessions.RoomOf(connID); ok && current != roomID {
			g.sendError(connID, msgNotInSession)
			return
		}
	}

	dep := g.sessions.Leave(connID)
	g.send(EventLeftKnot, dep.RoomID, LeftKnotPayload{RoomID: dep.RoomID}, connID)
	if dep.RoomID == "" {
		return
	}
	log.Info().
		Str("connection_id", connID).
		Str("room_id", dep.RoomID).
		Msg("member left knot")
	g.finishDeparture(dep, events.ReasonUserLeft)
}

// finishDeparture tells a remaining partner once and ends the room.
func (g *Gateway) finishDeparture(dep session.Departure, reason events.EndReason) {
	for _, partner := range dep.Remaining {
		g.send(EventPartnerLeft, dep.RoomID, PartnerLeftPayload{
			RoomID:      dep.RoomID,
			CanContinue: false,
			Message:     msgPartnerLeft,
		}, partner)
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.storeTimeout)
	defer cancel()
	g.EndSession(ctx, dep.RoomID, reason)
}

// SessionInfo reports the remaining time of a room. An empty roomID means
// the caller's current room.
func (g *Gateway) SessionInfo(connID, roomID string) {
	if roomID == "" {
		current, ok := g.sessions.RoomOf(connID)
		if !ok {
			g.sendError(connID, msgSessionNotFound)
			return
		}
		roomID = current
	}
	if err := roomid.Validate(roomID); err != nil {
		g.sendError(connID, msgSessionNotFound)
		return
	}

	room, ok := g.sessions.Get(roomID)
	if !ok {
		g.sendError(connID, msgSessionNotFound)
		return
	}

	remaining := room.Remaining(g.clock.Now())
	g.send(EventSessionInfo, roomID, SessionInfoPayload{
		RoomID:             roomID,
		RemainingSeconds:   countdown.Seconds(remaining),
		RemainingFormatted: countdown.Format(remaining),
		ParticipantCount:   len(room.Members),
		IsActive:           room.State == session.StateActive,
	}, connID)
}

// relay forwards a chat or drawing event to the sender's partner. Events
// from connections outside an active room are dropped.
func (g *Gateway) relay(connID, roomID string, eventType EventType, payload func(roomID string) any) {
	current, ok := g.sessions.RoomOf(connID)
	if !ok || (roomID != "" && roomID != current) {
		log.Debug().Str("connection_id", connID).Str("event_type", string(eventType)).Msg("dropping relay from connection outside room")
		return
	}
	room, ok := g.sessions.Get(current)
	if !ok || room.State != session.StateActive {
		return
	}
	g.send(eventType, current, payload(current), room.Partners(connID)...)
}

func (g *Gateway) send(eventType EventType, roomID string, payload any, connIDs ...string) {
	if len(connIDs) == 0 {
		return
	}
	event, err := NewEvent(eventType, roomID, payload, g.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to build event")
		return
	}
	g.sender.Send(event, connIDs...)
}

func (g *Gateway) sendError(connID, message string) {
	g.send(EventError, "", ErrorPayload{Message: message}, connID)
}

// persist runs a best-effort store write. Failures are logged and never
// change the in-memory decision.
func (g *Gateway) persist(op, roomID string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), g.storeTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		metrics.StoreErrors.WithLabelValues(op).Inc()
		log.Error().Err(err).Str("op", op).Str("room_id", roomID).Msg("knot store write failed")
	}
}

func (g *Gateway) publish(roomID string, eventType events.Type, payload any) {
	ev, err := publisher.NewLifecycle(roomID, eventType, payload, g.clock.Now())
	if err != nil {
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to build lifecycle event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.storeTimeout)
	defer cancel()
	if err := g.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("room_id", roomID).Str("event_type", string(eventType)).Msg("failed to publish lifecycle event")
	}
}

func (g *Gateway) recordRoomCounts() {
	stats := g.sessions.Stats()
	metrics.RecordRoomCounts(stats.Waiting, stats.Active)
	if g.countdown != nil {
		metrics.CountdownsPending.Set(float64(g.countdown.Pending()))
	}
}
