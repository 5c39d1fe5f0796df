package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType names a websocket event, inbound or outbound.
type EventType string

// Inbound client events
const (
	EventRequestKnot    EventType = "request_knot"
	EventLeaveKnot      EventType = "leave_knot"
	EventGetSessionInfo EventType = "get_session_info"
	EventChatMessage    EventType = "chat_message"
	EventDrawEvent      EventType = "draw_event"
)

// Outbound server events
const (
	EventConnected         EventType = "connected"
	EventWaitingForPartner EventType = "waiting_for_partner"
	EventKnotStarted       EventType = "knot_started"
	EventLeftKnot          EventType = "left_knot"
	EventPartnerLeft       EventType = "partner_left"
	EventSessionInfo       EventType = "session_info"
	EventError             EventType = "error"
	EventTimerUpdate       EventType = "timer_update"
	EventTimerWarning      EventType = "timer_warning"
	EventSessionEnded      EventType = "session_ended"
)

// Event is the envelope for every message sent to a client.
type Event struct {
	Type      EventType       `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEvent builds an outbound event around payload.
func NewEvent(eventType EventType, roomID string, payload any, at time.Time) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Event{
		Type:      eventType,
		RoomID:    roomID,
		Timestamp: at.UTC(),
		Data:      data,
	}, nil
}

// ClientMessage is the envelope for every message a client sends.
type ClientMessage struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the message data into v. Missing data decodes as an empty object.
func (m ClientMessage) Decode(v any) error {
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Inbound payloads

type RequestKnotData struct {
	ContentKey string `json:"content_key"`
	// StarID is accepted from older clients.
	StarID string `json:"star_id,omitempty"`
}

func (d RequestKnotData) Key() string {
	if key := strings.TrimSpace(d.ContentKey); key != "" {
		return key
	}
	return strings.TrimSpace(d.StarID)
}

type RoomData struct {
	RoomID string `json:"room_id,omitempty"`
}

type ChatMessageData struct {
	RoomID  string `json:"room_id,omitempty"`
	Message string `json:"message"`
}

type DrawEventData struct {
	RoomID      string          `json:"room_id,omitempty"`
	DrawingData json.RawMessage `json:"drawing_data"`
}

// Outbound payloads

type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

type WaitingForPartnerPayload struct {
	RoomID     string `json:"room_id"`
	ContentKey string `json:"content_key"`
}

type KnotStartedPayload struct {
	RoomID     string    `json:"room_id"`
	ContentKey string    `json:"content_key"`
	Duration   int       `json:"duration"`
	MatchedAt  time.Time `json:"matched_at"`
}

type LeftKnotPayload struct {
	RoomID string `json:"room_id,omitempty"`
}

type PartnerLeftPayload struct {
	RoomID      string `json:"room_id"`
	CanContinue bool   `json:"can_continue"`
	Message     string `json:"message"`
}

type SessionInfoPayload struct {
	RoomID             string `json:"room_id"`
	RemainingSeconds   int    `json:"remaining_seconds"`
	RemainingFormatted string `json:"remaining_formatted"`
	ParticipantCount   int    `json:"participant_count"`
	IsActive           bool   `json:"is_active"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type TimerUpdatePayload struct {
	RoomID             string `json:"room_id"`
	RemainingSeconds   int    `json:"remaining_seconds"`
	RemainingFormatted string `json:"remaining_formatted"`
}

type TimerWarningPayload struct {
	RoomID           string `json:"room_id"`
	Message          string `json:"message"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

type SessionEndedPayload struct {
	RoomID  string `json:"room_id"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type RelayedChatPayload struct {
	RoomID   string `json:"room_id"`
	SenderID string `json:"sender_id"`
	Message  string `json:"message"`
	// Timestamp is unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

type RelayedDrawPayload struct {
	RoomID      string          `json:"room_id"`
	SenderID    string          `json:"sender_id"`
	DrawingData json.RawMessage `json:"drawing_data"`
}
