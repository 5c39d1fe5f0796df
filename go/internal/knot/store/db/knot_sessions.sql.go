// source: knot_sessions.sql

package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const createKnotSession = `-- name: CreateKnotSession :one
INSERT INTO knot_sessions (room_id, content_key, created_at, expires_at, is_active, participant_count)
VALUES ($1, $2, $3, $4, TRUE, 1)
ON CONFLICT (room_id) DO NOTHING
RETURNING room_id, content_key, created_at, matched_at, expires_at, is_active, participant_count, ended_at, end_reason
`

type CreateKnotSessionParams struct {
	RoomID     string    `json:"room_id"`
	ContentKey string    `json:"content_key"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (q *Queries) CreateKnotSession(ctx context.Context, arg CreateKnotSessionParams) (KnotSession, error) {
	row := q.db.QueryRowContext(ctx, createKnotSession,
		arg.RoomID,
		arg.ContentKey,
		arg.CreatedAt,
		arg.ExpiresAt,
	)
	var i KnotSession
	err := row.Scan(
		&i.RoomID,
		&i.ContentKey,
		&i.CreatedAt,
		&i.MatchedAt,
		&i.ExpiresAt,
		&i.IsActive,
		&i.ParticipantCount,
		&i.EndedAt,
		&i.EndReason,
	)
	return i, err
}

const seedKnotSession = `-- name: SeedKnotSession :execrows
INSERT INTO knot_sessions (room_id, content_key, created_at, expires_at, is_active, participant_count)
VALUES ($1, $2, $3, $4, TRUE, 1)
ON CONFLICT (room_id) DO NOTHING
`

type SeedKnotSessionParams struct {
	RoomID     string    `json:"room_id"`
	ContentKey string    `json:"content_key"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (q *Queries) SeedKnotSession(ctx context.Context, arg SeedKnotSessionParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, seedKnotSession,
		arg.RoomID,
		arg.ContentKey,
		arg.CreatedAt,
		arg.ExpiresAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const insertEndedKnotSession = `-- name: InsertEndedKnotSession :execrows
INSERT INTO knot_sessions (room_id, content_key, created_at, expires_at, is_active, participant_count, ended_at, end_reason)
VALUES ($1, $2, $3, $4, FALSE, 1, $5, $6)
ON CONFLICT (room_id) DO NOTHING
`

type InsertEndedKnotSessionParams struct {
	RoomID     string         `json:"room_id"`
	ContentKey string         `json:"content_key"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	EndedAt    sql.NullTime   `json:"ended_at"`
	EndReason  sql.NullString `json:"end_reason"`
}

func (q *Queries) InsertEndedKnotSession(ctx context.Context, arg InsertEndedKnotSessionParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, insertEndedKnotSession,
		arg.RoomID,
		arg.ContentKey,
		arg.CreatedAt,
		arg.ExpiresAt,
		arg.EndedAt,
		arg.EndReason,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getKnotSession = `-- name: GetKnotSession :one
SELECT room_id, content_key, created_at, matched_at, expires_at, is_active, participant_count, ended_at, end_reason
FROM knot_sessions
WHERE room_id = $1
`

func (q *Queries) GetKnotSession(ctx context.Context, roomID string) (KnotSession, error) {
	row := q.db.QueryRowContext(ctx, getKnotSession, roomID)
	var i KnotSession
	err := row.Scan(
		&i.RoomID,
		&i.ContentKey,
		&i.CreatedAt,
		&i.MatchedAt,
		&i.ExpiresAt,
		&i.IsActive,
		&i.ParticipantCount,
		&i.EndedAt,
		&i.EndReason,
	)
	return i, err
}

const getLiveKnotSession = `-- name: GetLiveKnotSession :one
SELECT room_id, content_key, created_at, matched_at, expires_at, is_active, participant_count, ended_at, end_reason
FROM knot_sessions
WHERE room_id = $1 AND expires_at > $2
`

type GetLiveKnotSessionParams struct {
	RoomID string    `json:"room_id"`
	Now    time.Time `json:"now"`
}

func (q *Queries) GetLiveKnotSession(ctx context.Context, arg GetLiveKnotSessionParams) (KnotSession, error) {
	row := q.db.QueryRowContext(ctx, getLiveKnotSession, arg.RoomID, arg.Now)
	var i KnotSession
	err := row.Scan(
		&i.RoomID,
		&i.ContentKey,
		&i.CreatedAt,
		&i.MatchedAt,
		&i.ExpiresAt,
		&i.IsActive,
		&i.ParticipantCount,
		&i.EndedAt,
		&i.EndReason,
	)
	return i, err
}

const setKnotParticipantCount = `-- name: SetKnotParticipantCount :execrows
UPDATE knot_sessions SET participant_count = $2 WHERE room_id = $1
`

type SetKnotParticipantCountParams struct {
	RoomID           string `json:"room_id"`
	ParticipantCount int16  `json:"participant_count"`
}

func (q *Queries) SetKnotParticipantCount(ctx context.Context, arg SetKnotParticipantCountParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, setKnotParticipantCount, arg.RoomID, arg.ParticipantCount)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const markKnotMatched = `-- name: MarkKnotMatched :execrows
UPDATE knot_sessions SET matched_at = $2, expires_at = $3 WHERE room_id = $1
`

type MarkKnotMatchedParams struct {
	RoomID    string       `json:"room_id"`
	MatchedAt sql.NullTime `json:"matched_at"`
	ExpiresAt time.Time    `json:"expires_at"`
}

func (q *Queries) MarkKnotMatched(ctx context.Context, arg MarkKnotMatchedParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, markKnotMatched, arg.RoomID, arg.MatchedAt, arg.ExpiresAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const deactivateKnotSession = `-- name: DeactivateKnotSession :execrows
UPDATE knot_sessions
SET is_active = FALSE, ended_at = $2, end_reason = $3
WHERE room_id = $1 AND is_active
`

type DeactivateKnotSessionParams struct {
	RoomID    string         `json:"room_id"`
	EndedAt   sql.NullTime   `json:"ended_at"`
	EndReason sql.NullString `json:"end_reason"`
}

func (q *Queries) DeactivateKnotSession(ctx context.Context, arg DeactivateKnotSessionParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, deactivateKnotSession, arg.RoomID, arg.EndedAt, arg.EndReason)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const expireKnotSessions = `-- name: ExpireKnotSessions :many
UPDATE knot_sessions
SET is_active = FALSE, ended_at = $1, end_reason = $2
WHERE is_active AND expires_at <= $1
RETURNING room_id
`

type ExpireKnotSessionsParams struct {
	Now       sql.NullTime   `json:"now"`
	EndReason sql.NullString `json:"end_reason"`
}

func (q *Queries) ExpireKnotSessions(ctx context.Context, arg ExpireKnotSessionsParams) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, expireKnotSessions, arg.Now, arg.EndReason)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var room_id string
		if err := rows.Scan(&room_id); err != nil {
			return nil, err
		}
		items = append(items, room_id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertKnotSessionEvent = `-- name: InsertKnotSessionEvent :exec
INSERT INTO knot_session_events (id, room_id, event_type, detail, created_at)
VALUES ($1, $2, $3, $4, $5)
`

type InsertKnotSessionEventParams struct {
	ID        uuid.UUID             `json:"id"`
	RoomID    string                `json:"room_id"`
	EventType string                `json:"event_type"`
	Detail    pqtype.NullRawMessage `json:"detail"`
	CreatedAt time.Time             `json:"created_at"`
}

func (q *Queries) InsertKnotSessionEvent(ctx context.Context, arg InsertKnotSessionEventParams) error {
	_, err := q.db.ExecContext(ctx, insertKnotSessionEvent,
		arg.ID,
		arg.RoomID,
		arg.EventType,
		arg.Detail,
		arg.CreatedAt,
	)
	return err
}
