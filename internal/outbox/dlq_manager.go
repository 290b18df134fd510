package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Defaults applied when the manager is built with zero values.
const (
	DefaultDLQMaxRetries = 5
	DefaultDLQBaseDelay  = time.Minute
	maxDLQBackoff        = time.Hour
)

// QuarantineReason is stored on entries that exhausted their retries.
const QuarantineReason = "retry limit reached"

// DLQManager moves dead-lettered events back into the outbox with exponential backoff and
// quarantines the ones that keep failing.
type DLQManager struct {
	pool       *pgxpool.Pool
	maxRetries int
	baseDelay  time.Duration
}

// NewDLQManager constructs a DLQManager.
func NewDLQManager(pool *pgxpool.Pool, maxRetries int, baseDelay time.Duration) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = DefaultDLQMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultDLQBaseDelay
	}
	return &DLQManager{pool: pool, maxRetries: maxRetries, baseDelay: baseDelay}
}

// dlqEntry is an outbox_dlq row. Field order matches dueQuery.
type dlqEntry struct {
	ID            int64
	UserID        string
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

const dueQuery = `
SELECT dlq_id, user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
  FROM outbox_dlq
 WHERE quarantined_at IS NULL
   AND (next_retry_at IS NULL OR next_retry_at <= NOW())
 ORDER BY created_at
 LIMIT $1`

// RunOnce handles up to batchSize due entries and returns how many went back into the
// outbox. Per-entry failures are joined into the error without stopping the pass.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	rows, err := m.pool.Query(ctx, dueQuery, batchSize)
	if err != nil {
		return 0, fmt.Errorf("load due dlq entries: %w", err)
	}
	due, err := pgx.CollectRows(rows, pgx.RowToStructByPos[dlqEntry])
	if err != nil {
		return 0, fmt.Errorf("load due dlq entries: %w", err)
	}

	requeued := 0
	var errs []error
	for _, entry := range due {
		outcome, err := m.settle(ctx, entry)
		if err != nil {
			errs = append(errs, fmt.Errorf("dlq entry %d: %w", entry.ID, err))
			continue
		}
		recordDLQOutcome(entry, outcome)
		if outcome == outcomeRequeued {
			requeued++
		}
	}
	updateDLQGauges(ctx, m.pool)
	return requeued, errors.Join(errs...)
}

// settle quarantines, requeues or reschedules one entry in a single transaction and returns
// the outcome applied.
func (m *DLQManager) settle(ctx context.Context, entry dlqEntry) (string, error) {
	outcome := outcomeRequeued
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if entry.RetryCount >= m.maxRetries {
			outcome = outcomeQuarantined
			_, err := tx.Exec(ctx,
				`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
				QuarantineReason, entry.ID)
			return err
		}

		requeueErr := pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
			return requeue(ctx, sp, entry)
		})
		if requeueErr == nil {
			_, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
			return err
		}

		outcome = outcomeRetry
		_, err := tx.Exec(ctx, `
            UPDATE outbox_dlq
               SET retry_count = retry_count + 1,
                   last_attempt_at = NOW(),
                   next_retry_at = NOW() + $1::interval,
                   reason = $2
             WHERE dlq_id = $3`,
			backoffDelay(m.baseDelay, entry.RetryCount+1), requeueErr.Error(), entry.ID)
		return err
	})
	return outcome, err
}

// requeue inserts the entry as a new outbox row.
func requeue(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return errors.New("entry has no schema subject")
	}
	_, err := tx.Exec(ctx, `
        INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		entry.UserID, entry.AggregateType, entry.AggregateID, entry.EventType,
		entry.Topic, entry.SchemaSubject, entry.PartitionKey, entry.Payload,
	)
	return err
}

// backoffDelay is base doubled per prior attempt, capped at one hour.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt && delay < maxDLQBackoff; i++ {
		delay *= 2
	}
	if delay <= 0 || delay > maxDLQBackoff {
		return maxDLQBackoff
	}
	return delay
}
