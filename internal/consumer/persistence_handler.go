package consumer

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PersistenceHandler appends every consumed event to step_event_log. A redelivered message
// maps to the same (topic, partition, offset) and is stored once.
type PersistenceHandler struct {
	pool *pgxpool.Pool
}

// NewPersistenceHandler constructs a handler backed by the provided pool.
func NewPersistenceHandler(pool *pgxpool.Pool) *PersistenceHandler {
	return &PersistenceHandler{pool: pool}
}

// Handle stores the event payload.
func (h *PersistenceHandler) Handle(ctx context.Context, msg Message) error {
	_, err := h.pool.Exec(ctx, `
        INSERT INTO step_event_log (event_type, user_id, schema_id, schema_subject, topic, partition, record_offset, payload, received_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (topic, partition, record_offset) DO NOTHING`,
		msg.EventType,
		msg.UserID,
		msg.SchemaID,
		msg.SchemaSubject,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		msg.Payload,
		msg.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("log %s event %s/%d@%d: %w", msg.EventType, msg.Topic, msg.Partition, msg.Offset, err)
	}
	return nil
}
