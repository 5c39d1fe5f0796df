package admin

import "time"

// RoomView is the admin projection of a live room. Connection ids are not exposed.
type RoomView struct {
	RoomID             string     `json:"room_id"`
	ContentKey         string     `json:"content_key"`
	State              string     `json:"state"`
	ParticipantCount   int        `json:"participant_count"`
	CreatedAt          time.Time  `json:"created_at"`
	MatchedAt          *time.Time `json:"matched_at,omitempty"`
	RemainingSeconds   int        `json:"remaining_seconds"`
	RemainingFormatted string     `json:"remaining_formatted"`
}

type GetRoomRequest struct {
	RoomID string `json:"room_id"`
}

type GetRoomResponse struct {
	Room RoomView `json:"room"`
}

type ListRoomsRequest struct {
	// ContentKey filters to one content key when set.
	ContentKey string `json:"content_key,omitempty"`
	// State filters to waiting or active rooms when set.
	State string `json:"state,omitempty"`
}

type ListRoomsResponse struct {
	Rooms []RoomView `json:"rooms"`
}

type GetRecordRequest struct {
	RoomID string `json:"room_id"`
}

type RecordView struct {
	RoomID           string     `json:"room_id"`
	ContentKey       string     `json:"content_key"`
	CreatedAt        time.Time  `json:"created_at"`
	MatchedAt        *time.Time `json:"matched_at,omitempty"`
	ExpiresAt        time.Time  `json:"expires_at"`
	IsActive         bool       `json:"is_active"`
	ParticipantCount int        `json:"participant_count"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
	EndReason        string     `json:"end_reason,omitempty"`
}

type GetRecordResponse struct {
	Record RecordView `json:"record"`
}

type StatsRequest struct{}

type StatsResponse struct {
	WaitingRooms      int `json:"waiting_rooms"`
	ActiveRooms       int `json:"active_rooms"`
	IndexedMembers    int `json:"indexed_members"`
	Connections       int `json:"connections"`
	PendingCountdowns int `json:"pending_countdowns"`
}
