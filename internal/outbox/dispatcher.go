// Package outbox delivers step events recorded alongside daily records to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(context.Context, string, ...kafka.Message) error
}

type schemaRegistrar interface {
	EnsureSchema(context.Context, string, string) (int, error)
}

// Message is an outbox row claimed for delivery. Field order matches claimQuery.
type Message struct {
	EventID       int64
	UserID        string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	SchemaSubject string
	PartitionKey  string
	Payload       json.RawMessage
}

// Dispatcher polls the outbox table and publishes unpublished rows to Kafka. A claim
// stamps claimed_at and holds the rows for the claim lease, so several API replicas can
// dispatch concurrently without publishing the same row twice. Rows whose lease ran out
// before they were marked published are claimed again.
type Dispatcher struct {
	pool         *pgxpool.Pool
	producer     messageWriter
	registry     schemaRegistrar
	logger       *log.Logger
	pollInterval time.Duration
	batchSize    int
	claimLease   time.Duration
	now          func() time.Time

	schemaMu  sync.Mutex
	schemaIDs map[string]int

	done chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the dispatcher logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClaimLease sets how long claimed rows stay reserved for this dispatcher. It should
// comfortably exceed the time a batch takes to publish.
func WithClaimLease(lease time.Duration) Option {
	return func(d *Dispatcher) {
		if lease > 0 {
			d.claimLease = lease
		}
	}
}

// DefaultClaimLease is the claim lease used when none is configured.
const DefaultClaimLease = time.Minute

// NewDispatcher constructs a Dispatcher. Non-positive intervals and batch sizes fall back to
// one second and 100 rows.
func NewDispatcher(pool *pgxpool.Pool, producer messageWriter, registry schemaRegistrar, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	d := &Dispatcher{
		pool:         pool,
		producer:     producer,
		registry:     registry,
		logger:       log.New(os.Stdout, "outbox ", log.LstdFlags|log.Lshortfile),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		claimLease:   DefaultClaimLease,
		now:          time.Now,
		schemaIDs:    make(map[string]int),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run dispatches batches until ctx is cancelled. A full batch is followed immediately by the
// next one; otherwise the dispatcher waits for the poll interval.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := d.dispatchOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("dispatch: %v", err)
		}
		if err == nil && n == d.batchSize {
			timer.Reset(0)
			continue
		}
		timer.Reset(d.pollInterval)
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// dispatchOnce claims one batch and either publishes it or dead-letters it. Either way the
// rows leave the outbox. It returns the number of rows claimed.
func (d *Dispatcher) dispatchOnce(ctx context.Context) (int, error) {
	started := d.now()

	claimed, err := d.claim(ctx)
	if err != nil {
		return 0, fmt.Errorf("claim outbox rows: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}
	defer func() { batchDuration.Observe(time.Since(started).Seconds()) }()
	batchEvents.Observe(float64(len(claimed)))

	if pubErr := d.publish(ctx, claimed); pubErr != nil {
		d.logger.Printf("publish failed, dead-lettering %d events: %v", len(claimed), pubErr)
		if err := d.deadLetter(ctx, claimed, pubErr.Error()); err != nil {
			return len(claimed), fmt.Errorf("dead-letter batch: %w", err)
		}
		return len(claimed), nil
	}

	if _, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, eventIDs(claimed)); err != nil {
		return len(claimed), fmt.Errorf("mark published: %w", err)
	}
	recordDelivered(claimed)
	return len(claimed), nil
}

const claimQuery = `
UPDATE outbox SET claimed_at = NOW()
 WHERE event_id IN (
        SELECT event_id FROM outbox
         WHERE published_at IS NULL
           AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $2))
         ORDER BY event_id
         LIMIT $1
           FOR UPDATE SKIP LOCKED)
RETURNING event_id, user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload`

func (d *Dispatcher) claim(ctx context.Context) ([]Message, error) {
	rows, err := d.pool.Query(ctx, claimQuery, d.batchSize, d.claimLease.Seconds())
	if err != nil {
		return nil, err
	}
	claimed, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Message])
	if err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].EventID < claimed[j].EventID })
	return claimed, nil
}

// publish frames every message and writes one Kafka batch per topic, in the order topics
// first appear.
func (d *Dispatcher) publish(ctx context.Context, messages []Message) error {
	var topics []string
	byTopic := make(map[string][]kafka.Message)

	for _, msg := range messages {
		record, err := d.toKafka(ctx, msg)
		if err != nil {
			return err
		}
		if _, seen := byTopic[msg.Topic]; !seen {
			topics = append(topics, msg.Topic)
		}
		byTopic[msg.Topic] = append(byTopic[msg.Topic], record)
	}

	for _, topic := range topics {
		if err := d.producer.WriteMessages(ctx, topic, byTopic[topic]...); err != nil {
			return fmt.Errorf("write %s: %w", topic, err)
		}
	}
	return nil
}

func (d *Dispatcher) toKafka(ctx context.Context, msg Message) (kafka.Message, error) {
	schema, ok := schemaFor(msg.EventType)
	if !ok {
		return kafka.Message{}, fmt.Errorf("no schema registered for event type %q", msg.EventType)
	}
	schemaID, err := d.schemaID(ctx, msg.SchemaSubject, schema)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(msg.PartitionKey),
		Value: encodeWireFormat(schemaID, msg.Payload),
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(msg.EventType)},
			{Key: HeaderUserID, Value: []byte(msg.UserID)},
			{Key: HeaderSchemaSubject, Value: []byte(msg.SchemaSubject)},
		},
		Time: d.now().UTC(),
	}, nil
}

// schemaID resolves the subject's schema id once per dispatcher.
func (d *Dispatcher) schemaID(ctx context.Context, subject, schema string) (int, error) {
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()

	if id, ok := d.schemaIDs[subject]; ok {
		return id, nil
	}
	id, err := d.registry.EnsureSchema(ctx, subject, schema)
	if err != nil {
		return 0, fmt.Errorf("ensure schema %s: %w", subject, err)
	}
	d.schemaIDs[subject] = id
	return id, nil
}

// deadLetter copies the batch into outbox_dlq and marks it published in one transaction, so
// a row is never both retried by the dispatcher and by the DLQ manager.
func (d *Dispatcher) deadLetter(ctx context.Context, messages []Message, reason string) error {
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, msg := range messages {
			batch.Queue(`
                INSERT INTO outbox_dlq (user_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, next_retry_at)
                VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10, NOW())`,
				msg.UserID, msg.EventID, msg.EventType, msg.Topic, msg.Payload, reason,
				msg.AggregateType, msg.AggregateID, msg.SchemaSubject, msg.PartitionKey,
			)
		}
		batch.Queue(`UPDATE outbox SET published_at = NOW() WHERE event_id = ANY($1)`, eventIDs(messages))
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return err
	}
	recordDeadLettered(messages)
	return nil
}

func eventIDs(messages []Message) []int64 {
	ids := make([]int64, len(messages))
	for i, msg := range messages {
		ids[i] = msg.EventID
	}
	return ids
}
