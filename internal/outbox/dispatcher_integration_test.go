//go:build integration

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/stepcount/internal/platform/events"
	"example.com/stepcount/internal/platform/pgtest"
)

const testTopic = "steps_daily"

func TestDispatcherPublishesMessages(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.New(t)

	userID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, userID, events.TypeStepsDailyRecorded))

	producer := &stubProducer{}
	registry := &stubRegistry{id: 42}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(eventsDelivered.WithLabelValues(testTopic, events.TypeStepsDailyRecorded))
	beforeHistogram := histogramSampleCount(t)

	claimed, err := dispatcher.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	require.Len(t, producer.writes, 1)
	require.Equal(t, testTopic, producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 1)
	require.Equal(t, userID, headerMap(producer.writes[0].messages[0].Headers)[HeaderUserID])

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(eventsDelivered.WithLabelValues(testTopic, events.TypeStepsDailyRecorded)), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDispatcherRoutesMessagesToDLQOnFailure(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.New(t)

	userID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, userID, events.TypeStepsDailyRecorded))

	producer := &stubProducer{err: errors.New("kafka write failed")}
	dispatcher := NewDispatcher(pool, producer, &stubRegistry{id: 7}, 10*time.Millisecond, 5)

	beforeDLQ := testutil.ToFloat64(eventsDeadLettered.WithLabelValues(testTopic, events.TypeStepsDailyRecorded))

	claimed, err := dispatcher.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	require.InDelta(t, beforeDLQ+1, testutil.ToFloat64(eventsDeadLettered.WithLabelValues(testTopic, events.TypeStepsDailyRecorded)), 0.0001)

	var dlqCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq WHERE user_id = $1`, userID).Scan(&dlqCount))
	require.Equal(t, 1, dlqCount)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDispatcherCachesSchemaIDsAcrossBatch(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.New(t)

	require.NotZero(t, seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeStepsDailyRecorded))
	require.NotZero(t, seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeStepsDailyRecorded))

	producer := &stubProducer{}
	registry := &stubRegistry{id: 21}
	dispatcher := NewDispatcher(pool, producer, registry, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(eventsDelivered.WithLabelValues(testTopic, events.TypeStepsDailyRecorded))

	claimed, err := dispatcher.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, claimed)

	require.Len(t, producer.writes, 1)
	require.Len(t, producer.writes[0].messages, 2)
	require.Len(t, registry.calls, 1, "schema registry should be invoked once due to cache")
	require.InDelta(t, beforeDelivered+2, testutil.ToFloat64(eventsDelivered.WithLabelValues(testTopic, events.TypeStepsDailyRecorded)), 0.0001)
}

func TestDispatchersDoNotShareClaimedRows(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.New(t)

	require.NotZero(t, seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeStepsDailyRecorded))

	slow := &gatedProducer{started: make(chan struct{}), release: make(chan struct{})}
	first := NewDispatcher(pool, slow, &stubRegistry{id: 3}, 10*time.Millisecond, 5)

	type outcome struct {
		claimed int
		err     error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		n, err := first.dispatchOnce(ctx)
		firstDone <- outcome{n, err}
	}()
	<-slow.started

	other := &stubProducer{}
	second := NewDispatcher(pool, other, &stubRegistry{id: 3}, 10*time.Millisecond, 5)
	claimed, err := second.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, claimed, "row is still leased to the first dispatcher")
	require.Empty(t, other.writes)

	close(slow.release)
	res := <-firstDone
	require.NoError(t, res.err)
	require.Equal(t, 1, res.claimed)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)
}

func TestDispatcherReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.New(t)

	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeStepsDailyRecorded)
	_, err := pool.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() - INTERVAL '10 minutes' WHERE event_id = $1`, eventID)
	require.NoError(t, err)

	producer := &stubProducer{}
	patient := NewDispatcher(pool, producer, &stubRegistry{id: 4}, 10*time.Millisecond, 5, WithClaimLease(time.Hour))
	claimed, err := patient.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, claimed)

	expired := NewDispatcher(pool, producer, &stubRegistry{id: 4}, 10*time.Millisecond, 5, WithClaimLease(time.Minute))
	claimed, err = expired.dispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, claimed)
	require.Len(t, producer.writes, 1)
}

// gatedProducer blocks the first write until release is closed.
type gatedProducer struct {
	stubProducer
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.stubProducer.WriteMessages(ctx, topic, msgs...)
}

func TestDLQManagerRequeuesAndQuarantines(t *testing.T) {
	ctx := context.Background()
	pool := pgtest.New(t)

	userID := uuid.NewString()
	require.NotZero(t, seedOutbox(t, ctx, pool, userID, events.TypeStepsDailyRecorded))

	failing := NewDispatcher(pool, &stubProducer{err: errors.New("broker down")}, &stubRegistry{id: 1}, 10*time.Millisecond, 5)
	_, err := failing.dispatchOnce(ctx)
	require.NoError(t, err)

	requeued := dlqOutcomes.WithLabelValues(outcomeRequeued, testTopic, events.TypeStepsDailyRecorded)
	beforeRequeued := testutil.ToFloat64(requeued)

	manager := NewDLQManager(pool, 1, time.Minute)
	processed, err := manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.InDelta(t, beforeRequeued+1, testutil.ToFloat64(requeued), 0.0001)

	var pending int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL AND user_id = $1`, userID).Scan(&pending))
	require.Equal(t, 1, pending, "entry is back in the outbox")

	var remaining int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox_dlq`).Scan(&remaining))
	require.Zero(t, remaining)

	// An entry that already used its retries is quarantined instead.
	_, err = pool.Exec(ctx,
		`INSERT INTO outbox_dlq (user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count, next_retry_at)
         VALUES ($1, 99, $2, $3, '{}'::jsonb, 'broker down', 'daily_steps', $1, $4, $1, 1, NOW())`,
		userID, events.TypeStepsDailyRecorded, testTopic, testTopic+"-value")
	require.NoError(t, err)

	processed, err = manager.RunOnce(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, processed)

	var reason string
	require.NoError(t, pool.QueryRow(ctx, `SELECT quarantine_reason FROM outbox_dlq WHERE event_id = 99`).Scan(&reason))
	require.Equal(t, QuarantineReason, reason)
	require.Equal(t, 1.0, testutil.ToFloat64(dlqEntries.WithLabelValues("quarantined")))
	require.Zero(t, testutil.ToFloat64(dlqEntries.WithLabelValues("waiting")))
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID, eventType string) int64 {
	t.Helper()

	payloadBytes, err := json.Marshal(events.StepsDailyRecorded{
		UserID:     userID,
		Date:       "2026-04-20",
		StepCount:  8547,
		RecordedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	row := pool.QueryRow(ctx,
		`INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         RETURNING event_id`,
		userID,
		"daily_steps",
		userID+":2026-04-20",
		eventType,
		testTopic,
		testTopic+"-value",
		userID,
		payloadBytes,
	)

	var eventID int64
	require.NoError(t, row.Scan(&eventID))
	return eventID
}
