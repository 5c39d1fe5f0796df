package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/unsentlabs/unsent/go/internal/knot/store/db"
	"github.com/unsentlabs/unsent/go/internal/sqlutil"
)

// Audit event types written to knot_session_events.
const (
	AuditCreated     = "created"
	AuditMatched     = "matched"
	AuditDeactivated = "deactivated"
	AuditExpired     = "expired"
)

// PostgresStore persists records in the knot_sessions table and appends an
// audit row to knot_session_events on every lifecycle change.
type PostgresStore struct {
	sqlDB    *sql.DB
	queries  *db.Queries
	clock    clockwork.Clock
	duration time.Duration
}

func NewPostgresStore(sqlDB *sql.DB, clock clockwork.Clock, duration time.Duration) *PostgresStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresStore{
		sqlDB:    sqlDB,
		queries:  db.New(sqlDB),
		clock:    clock,
		duration: duration,
	}
}

func (s *PostgresStore) Create(ctx context.Context, contentKey, roomID string) (*Record, error) {
	now := s.clock.Now().UTC()

	var row db.KnotSession
	err := sqlutil.Run(ctx, s.sqlDB, s.queries.WithTx, func(q *db.Queries) error {
		var err error
		row, err = q.CreateKnotSession(ctx, db.CreateKnotSessionParams{
			RoomID:     roomID,
			ContentKey: contentKey,
			CreatedAt:  now,
			ExpiresAt:  now.Add(s.duration),
		})
		if errors.Is(err, sql.ErrNoRows) {
			// a later write for this room got there first
			row, err = q.GetKnotSession(ctx, roomID)
			return err
		}
		if err != nil {
			return err
		}
		return s.audit(ctx, q, roomID, AuditCreated, map[string]any{"content_key": contentKey}, now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create knot session %s: %w", roomID, err)
	}
	return recordFromRow(row), nil
}

func (s *PostgresStore) Get(ctx context.Context, roomID string) (*Record, error) {
	row, err := s.queries.GetLiveKnotSession(ctx, db.GetLiveKnotSessionParams{
		RoomID: roomID,
		Now:    s.clock.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get knot session %s: %w", roomID, err)
	}
	return recordFromRow(row), nil
}

func (s *PostgresStore) SetParticipantCount(ctx context.Context, roomID string, n int) error {
	err := sqlutil.Run(ctx, s.sqlDB, s.queries.WithTx, func(q *db.Queries) error {
		if err := s.ensure(ctx, q, roomID, s.clock.Now().UTC()); err != nil {
			return err
		}
		affected, err := q.SetKnotParticipantCount(ctx, db.SetKnotParticipantCountParams{
			RoomID:           roomID,
			ParticipantCount: int16(n),
		})
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set participant count for %s: %w", roomID, err)
	}
	return nil
}

func (s *PostgresStore) MarkMatched(ctx context.Context, roomID string, matchedAt time.Time) error {
	matchedAt = matchedAt.UTC()
	expiresAt := matchedAt.Add(s.duration)

	err := sqlutil.Run(ctx, s.sqlDB, s.queries.WithTx, func(q *db.Queries) error {
		if err := s.ensure(ctx, q, roomID, matchedAt); err != nil {
			return err
		}
		affected, err := q.MarkKnotMatched(ctx, db.MarkKnotMatchedParams{
			RoomID:    roomID,
			MatchedAt: sqlutil.ToSqlTime(&matchedAt),
			ExpiresAt: expiresAt,
		})
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNotFound
		}
		return s.audit(ctx, q, roomID, AuditMatched, map[string]any{"expires_at": expiresAt}, matchedAt)
	})
	if err != nil {
		return fmt.Errorf("failed to mark knot session %s matched: %w", roomID, err)
	}
	return nil
}

func (s *PostgresStore) Deactivate(ctx context.Context, roomID, reason string) error {
	now := s.clock.Now().UTC()

	err := sqlutil.Run(ctx, s.sqlDB, s.queries.WithTx, func(q *db.Queries) error {
		affected, err := q.DeactivateKnotSession(ctx, db.DeactivateKnotSessionParams{
			RoomID:    roomID,
			EndedAt:   sqlutil.ToSqlTime(&now),
			EndReason: sqlutil.ToSqlString(&reason),
		})
		if err != nil {
			return err
		}
		if affected == 0 {
			affected, err = s.insertEnded(ctx, q, roomID, reason, now)
			if err != nil {
				return err
			}
		}
		// already inactive: nothing to audit
		if affected == 0 {
			return nil
		}
		return s.audit(ctx, q, roomID, AuditDeactivated, map[string]any{"reason": reason}, now)
	})
	if err != nil {
		return fmt.Errorf("failed to deactivate knot session %s: %w", roomID, err)
	}
	return nil
}

func (s *PostgresStore) SweepExpire(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	reason := SweepReason

	var expired []string
	err := sqlutil.Run(ctx, s.sqlDB, s.queries.WithTx, func(q *db.Queries) error {
		var err error
		expired, err = q.ExpireKnotSessions(ctx, db.ExpireKnotSessionsParams{
			Now:       sqlutil.ToSqlTime(&now),
			EndReason: sqlutil.ToSqlString(&reason),
		})
		if err != nil {
			return err
		}
		for _, roomID := range expired {
			if err := s.audit(ctx, q, roomID, AuditExpired, nil, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired knot sessions: %w", err)
	}

	if len(expired) > 0 {
		log.Debug().Int("count", len(expired)).Msg("expired knot session records")
	}
	return len(expired), nil
}

// ensure seeds the row for roomID when no create has landed yet.
func (s *PostgresStore) ensure(ctx context.Context, q *db.Queries, roomID string, at time.Time) error {
	_, err := q.GetKnotSession(ctx, roomID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	rec, err := seed(roomID, at, s.duration)
	if err != nil {
		return err
	}
	inserted, err := q.SeedKnotSession(ctx, db.SeedKnotSessionParams{
		RoomID:     roomID,
		ContentKey: rec.ContentKey,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
	})
	if err != nil || inserted == 0 {
		return err
	}
	return s.audit(ctx, q, roomID, AuditCreated, map[string]any{"content_key": rec.ContentKey}, at)
}

// insertEnded writes an inactive row for a room closed before its create
// landed. It reports zero rows when the room already has a row.
func (s *PostgresStore) insertEnded(ctx context.Context, q *db.Queries, roomID, reason string, at time.Time) (int64, error) {
	_, err := q.GetKnotSession(ctx, roomID)
	if err == nil {
		return 0, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	rec, err := seed(roomID, at, s.duration)
	if err != nil {
		return 0, err
	}
	return q.InsertEndedKnotSession(ctx, db.InsertEndedKnotSessionParams{
		RoomID:     roomID,
		ContentKey: rec.ContentKey,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
		EndedAt:    sqlutil.ToSqlTime(&at),
		EndReason:  sqlutil.ToSqlString(&reason),
	})
}

func (s *PostgresStore) audit(ctx context.Context, q *db.Queries, roomID, eventType string, detail map[string]any, at time.Time) error {
	params := db.InsertKnotSessionEventParams{
		ID:        uuid.New(),
		RoomID:    roomID,
		EventType: eventType,
		CreatedAt: at,
	}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("failed to marshal audit detail: %w", err)
		}
		params.Detail = pqtype.NullRawMessage{RawMessage: raw, Valid: true}
	}
	return q.InsertKnotSessionEvent(ctx, params)
}

func recordFromRow(row db.KnotSession) *Record {
	return &Record{
		RoomID:           row.RoomID,
		ContentKey:       row.ContentKey,
		CreatedAt:        row.CreatedAt,
		MatchedAt:        sqlutil.FromSqlTime(row.MatchedAt),
		ExpiresAt:        row.ExpiresAt,
		IsActive:         row.IsActive,
		ParticipantCount: int(row.ParticipantCount),
		EndedAt:          sqlutil.FromSqlTime(row.EndedAt),
		EndReason:        sqlutil.FromSqlString(row.EndReason, ""),
	}
}
