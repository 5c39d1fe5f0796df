package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type KnotSession struct {
	RoomID           string         `json:"room_id"`
	ContentKey       string         `json:"content_key"`
	CreatedAt        time.Time      `json:"created_at"`
	MatchedAt        sql.NullTime   `json:"matched_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	IsActive         bool           `json:"is_active"`
	ParticipantCount int16          `json:"participant_count"`
	EndedAt          sql.NullTime   `json:"ended_at"`
	EndReason        sql.NullString `json:"end_reason"`
}

type KnotSessionEvent struct {
	ID        uuid.UUID             `json:"id"`
	RoomID    string                `json:"room_id"`
	EventType string                `json:"event_type"`
	Detail    pqtype.NullRawMessage `json:"detail"`
	CreatedAt time.Time             `json:"created_at"`
}
