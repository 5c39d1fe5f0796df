package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/countdown"
	"github.com/unsentlabs/unsent/go/internal/knot/events"
	"github.com/unsentlabs/unsent/go/internal/knot/metrics"
	"github.com/unsentlabs/unsent/go/internal/knot/session"
	"github.com/unsentlabs/unsent/go/internal/knot/store"
)

var endMessages = map[events.EndReason]string{
	events.ReasonTimeExpired: "Time is up. The knot has been untied.",
	events.ReasonExpired:     "This session has expired.",
	events.ReasonUserLeft:    msgPartnerLeft,
	events.ReasonPartnerLeft: msgPartnerLeft,
}

// EndSession ends the room, stops its countdown, tells the members still in
// it and closes the durable record. Only the call that actually ended the
// room does any of this; later calls return false.
func (g *Gateway) EndSession(ctx context.Context, roomID string, reason events.EndReason) bool {
	final, ok := g.sessions.End(roomID)
	if !ok {
		return false
	}
	if g.countdown != nil {
		g.countdown.Cancel(roomID)
	}

	g.send(EventSessionEnded, roomID, SessionEndedPayload{
		RoomID:  roomID,
		Reason:  string(reason),
		Message: endMessages[reason],
	}, final.Members...)

	now := g.clock.Now()
	wasActive := !final.MatchedAt.IsZero()
	length := time.Duration(0)
	if wasActive {
		length = now.Sub(final.MatchedAt)
		if length > final.Duration {
			length = final.Duration
		}
		metrics.SessionLength.Observe(length.Seconds())
	}
	metrics.SessionsEnded.WithLabelValues(string(reason)).Inc()

	log.Info().
		Str("room_id", roomID).
		Str("reason", string(reason)).
		Int("members_notified", len(final.Members)).
		Msg("knot ended")

	if err := g.store.Deactivate(ctx, roomID, string(reason)); err != nil && !isNotFound(err) {
		metrics.StoreErrors.WithLabelValues("deactivate").Inc()
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to deactivate knot session record")
	}

	g.publish(roomID, events.TypeKnotEnded, events.KnotEndedPayload{
		RoomID:     roomID,
		ContentKey: final.ContentKey,
		Reason:     reason,
		WasActive:  wasActive,
		EndedAt:    now,
		LengthSec:  countdown.Seconds(length),
	})
	g.recordRoomCounts()
	return true
}

// TimerUpdate sends the periodic countdown tick to the room's members.
func (g *Gateway) TimerUpdate(roomID string, remaining time.Duration) {
	room, ok := g.activeRoom(roomID)
	if !ok {
		return
	}
	g.send(EventTimerUpdate, roomID, TimerUpdatePayload{
		RoomID:             roomID,
		RemainingSeconds:   countdown.Seconds(remaining),
		RemainingFormatted: countdown.Format(remaining),
	}, room.Members...)
}

// TimerWarning sends a one-shot threshold warning to the room's members.
func (g *Gateway) TimerWarning(roomID string, mark, remaining time.Duration) {
	room, ok := g.activeRoom(roomID)
	if !ok {
		return
	}
	g.send(EventTimerWarning, roomID, TimerWarningPayload{
		RoomID:           roomID,
		Message:          warningMessage(mark),
		RemainingSeconds: countdown.Seconds(remaining),
	}, room.Members...)
}

// Expire ends a room whose countdown ran out.
func (g *Gateway) Expire(ctx context.Context, roomID string) {
	g.EndSession(ctx, roomID, events.ReasonTimeExpired)
}

func (g *Gateway) activeRoom(roomID string) (session.Session, bool) {
	room, ok := g.sessions.Get(roomID)
	if !ok || room.State != session.StateActive {
		return session.Session{}, false
	}
	return room, true
}

func warningMessage(mark time.Duration) string {
	if mark >= time.Minute && mark%time.Minute == 0 {
		minutes := int(mark / time.Minute)
		if minutes == 1 {
			return "1 minute remaining"
		}
		return fmt.Sprintf("%d minutes remaining", minutes)
	}
	return fmt.Sprintf("%d seconds remaining", countdown.Seconds(mark))
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
