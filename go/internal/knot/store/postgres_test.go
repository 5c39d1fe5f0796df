package store

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unsentlabs/unsent/go/internal/knot/store/db"
)

func TestRecordFromRow(t *testing.T) {
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	matched := created.Add(time.Minute)

	rec := recordFromRow(db.KnotSession{
		RoomID:           "knot_star_abcdef12_1704110400",
		ContentKey:       "star",
		CreatedAt:        created,
		MatchedAt:        sql.NullTime{Time: matched, Valid: true},
		ExpiresAt:        matched.Add(30 * time.Minute),
		IsActive:         true,
		ParticipantCount: 2,
	})

	assert.Equal(t, "star", rec.ContentKey)
	require.NotNil(t, rec.MatchedAt)
	assert.Equal(t, matched, *rec.MatchedAt)
	assert.Nil(t, rec.EndedAt)
	assert.Empty(t, rec.EndReason)
	assert.Equal(t, 2, rec.ParticipantCount)
}

func TestSchemaEmbedded(t *testing.T) {
	entries, err := db.Schema.ReadDir("schema")
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ddl, err := db.Schema.ReadFile("schema/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(ddl), "knot_sessions")
	assert.Contains(t, string(ddl), "knot_session_events")
}
