package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Message is a step event decoded from a Kafka record.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Timestamp     time.Time
	EventType     string
	UserID        string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Handler consumes decoded messages. A returned error leaves the message uncommitted.
type Handler interface {
	Handle(context.Context, Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Chain runs every handler in order, even after one fails, and joins their errors.
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		errs := make([]error, 0, len(handlers))
		for _, h := range handlers {
			errs = append(errs, h.Handle(ctx, msg))
		}
		return errors.Join(errs...)
	})
}
