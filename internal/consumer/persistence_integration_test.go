//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/stepcount/internal/platform/pgtest"
)

func TestPersistenceHandlerLogsEachOffsetOnce(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.New(t)

	handler := NewPersistenceHandler(pool)
	received := time.Date(2026, 4, 20, 18, 30, 0, 0, time.UTC)

	first := Message{
		EventType:     "steps.daily_recorded",
		UserID:        "user-123",
		SchemaID:      42,
		SchemaSubject: "steps_daily-value",
		Topic:         "steps_daily",
		Offset:        5,
		Payload:       json.RawMessage(`{"user_id":"user-123","date":"2026-04-20","step_count":8547}`),
		Timestamp:     received,
	}
	require.NoError(t, handler.Handle(ctx, first))

	// Redelivery after a missed commit carries the same position.
	replay := first
	replay.Payload = json.RawMessage(`{"user_id":"user-123","date":"2026-04-20","step_count":1}`)
	require.NoError(t, handler.Handle(ctx, replay))

	next := first
	next.Offset = 6
	next.Payload = json.RawMessage(`{"user_id":"user-123","date":"2026-04-20","step_count":9012}`)
	require.NoError(t, handler.Handle(ctx, next))

	rows, err := pool.Query(ctx, `SELECT record_offset, payload->>'step_count', received_at FROM step_event_log ORDER BY record_offset`)
	require.NoError(t, err)
	defer rows.Close()

	type logged struct {
		offset   int64
		steps    string
		received time.Time
	}
	var got []logged
	for rows.Next() {
		var l logged
		require.NoError(t, rows.Scan(&l.offset, &l.steps, &l.received))
		got = append(got, l)
	}
	require.NoError(t, rows.Err())

	require.Len(t, got, 2)
	require.Equal(t, int64(5), got[0].offset)
	require.Equal(t, "8547", got[0].steps, "the first delivery wins")
	require.True(t, received.Equal(got[0].received))
	require.Equal(t, int64(6), got[1].offset)
	require.Equal(t, "9012", got[1].steps)
}
