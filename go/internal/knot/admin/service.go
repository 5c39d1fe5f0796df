package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"connectrpc.com/connect"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/unsentlabs/unsent/go/internal/knot/countdown"
	"github.com/unsentlabs/unsent/go/internal/knot/roomid"
	"github.com/unsentlabs/unsent/go/internal/knot/session"
	"github.com/unsentlabs/unsent/go/internal/knot/store"
)

// Rooms is the read side of the session registry.
type Rooms interface {
	Get(roomID string) (session.Session, bool)
	Rooms() []session.Session
	Stats() session.Stats
}

// Records reads durable session records.
type Records interface {
	Get(ctx context.Context, roomID string) (*store.Record, error)
}

// Runtime reports transport and scheduler counters.
type Runtime interface {
	Connections() int
	PendingCountdowns() int
}

// Service is the read-only admin API over live rooms and stored records.
type Service struct {
	rooms   Rooms
	records Records
	runtime Runtime
	clock   clockwork.Clock
}

func NewService(rooms Rooms, records Records, runtime Runtime, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		rooms:   rooms,
		records: records,
		runtime: runtime,
		clock:   clock,
	}
}

// GetRoom returns the live view of one room.
func (s *Service) GetRoom(ctx context.Context, req *connect.Request[GetRoomRequest]) (*connect.Response[GetRoomResponse], error) {
	roomID := req.Msg.RoomID
	if err := roomid.Validate(roomID); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	room, ok := s.rooms.Get(roomID)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("room %s not found", roomID))
	}

	return connect.NewResponse(&GetRoomResponse{Room: s.view(room)}), nil
}

// ListRooms returns live rooms ordered by creation time.
func (s *Service) ListRooms(ctx context.Context, req *connect.Request[ListRoomsRequest]) (*connect.Response[ListRoomsResponse], error) {
	state := session.State(req.Msg.State)
	switch state {
	case "", session.StateWaiting, session.StateActive:
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown state %q", req.Msg.State))
	}

	rooms := s.rooms.Rooms()
	sort.SliceStable(rooms, func(i, j int) bool {
		return rooms[i].CreatedAt.Before(rooms[j].CreatedAt)
	})

	views := make([]RoomView, 0, len(rooms))
	for _, room := range rooms {
		if state != "" && room.State != state {
			continue
		}
		if req.Msg.ContentKey != "" && room.ContentKey != req.Msg.ContentKey {
			continue
		}
		views = append(views, s.view(room))
	}

	return connect.NewResponse(&ListRoomsResponse{Rooms: views}), nil
}

// GetRecord returns the durable record of a room until it passes its expiry.
func (s *Service) GetRecord(ctx context.Context, req *connect.Request[GetRecordRequest]) (*connect.Response[GetRecordResponse], error) {
	roomID := req.Msg.RoomID
	if err := roomid.Validate(roomID); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	rec, err := s.records.Get(ctx, roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("record %s not found", roomID))
		}
		log.Error().Err(err).Str("room_id", roomID).Msg("failed to read knot session record")
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	return connect.NewResponse(&GetRecordResponse{Record: RecordView{
		RoomID:           rec.RoomID,
		ContentKey:       rec.ContentKey,
		CreatedAt:        rec.CreatedAt,
		MatchedAt:        rec.MatchedAt,
		ExpiresAt:        rec.ExpiresAt,
		IsActive:         rec.IsActive,
		ParticipantCount: rec.ParticipantCount,
		EndedAt:          rec.EndedAt,
		EndReason:        rec.EndReason,
	}}), nil
}

// Stats reports room, connection and countdown counters.
func (s *Service) Stats(ctx context.Context, req *connect.Request[StatsRequest]) (*connect.Response[StatsResponse], error) {
	stats := s.rooms.Stats()
	res := &StatsResponse{
		WaitingRooms:   stats.Waiting,
		ActiveRooms:    stats.Active,
		IndexedMembers: stats.Connections,
	}
	if s.runtime != nil {
		res.Connections = s.runtime.Connections()
		res.PendingCountdowns = s.runtime.PendingCountdowns()
	}
	return connect.NewResponse(res), nil
}

func (s *Service) view(room session.Session) RoomView {
	remaining := room.Remaining(s.clock.Now())
	v := RoomView{
		RoomID:             room.RoomID,
		ContentKey:         room.ContentKey,
		State:              string(room.State),
		ParticipantCount:   len(room.Members),
		CreatedAt:          room.CreatedAt,
		RemainingSeconds:   countdown.Seconds(remaining),
		RemainingFormatted: countdown.Format(remaining),
	}
	if !room.MatchedAt.IsZero() {
		matchedAt := room.MatchedAt
		v.MatchedAt = &matchedAt
	}
	return v
}
