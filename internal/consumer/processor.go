// Package consumer reads step events published by the outbox dispatcher and hands them to
// handlers.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/stepcount/internal/outbox"
)

const defaultFetchBackoff = time.Second

// Reader is the part of *kafka.Reader the processor uses.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithFetchBackoff sets the pause after a failed fetch.
func WithFetchBackoff(d time.Duration) Option {
	return func(p *Processor) {
		p.fetchBackoff = d
	}
}

// WithHandlerAttempts sets how many times a record is handed to the handler before the
// processor gives up on it. Values below one mean one.
func WithHandlerAttempts(n int) Option {
	return func(p *Processor) {
		p.handlerAttempts = max(n, 1)
	}
}

// Processor fetches records one at a time and commits each once its handler succeeded.
// Records that cannot be decoded are committed and skipped. A record whose handler keeps
// failing is left uncommitted, but consumer group offsets are per partition, so the next
// successful commit on that partition moves past it.
type Processor struct {
	reader          Reader
	handler         Handler
	logger          *log.Logger
	fetchBackoff    time.Duration
	handlerAttempts int
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:          reader,
		handler:         handler,
		logger:          log.New(log.Writer(), "[consumer] ", log.LstdFlags|log.Lshortfile),
		fetchBackoff:    defaultFetchBackoff,
		handlerAttempts: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes records until ctx is done and returns the context error.
func (p *Processor) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		record, err := p.reader.FetchMessage(ctx)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			p.logger.Printf("fetch: %v", err)
			p.pause(ctx)
			continue
		}
		p.process(ctx, record)
	}
	return ctx.Err()
}

func (p *Processor) process(ctx context.Context, record kafka.Message) {
	msg, err := decodeMessage(record)
	if err != nil {
		p.logger.Printf("skip undecodable record %s/%d@%d: %v", record.Topic, record.Partition, record.Offset, err)
		recordDecodeError(record.Topic)
		p.commit(ctx, record)
		return
	}

	started := time.Now()
	err = p.handle(ctx, msg)
	observeHandled(msg, time.Since(started), err)
	if err != nil {
		// Not committed, but only a restart before the next commit on this partition
		// redelivers it.
		p.logger.Printf("giving up on %s user=%s offset=%d: %v", msg.EventType, msg.UserID, msg.Offset, err)
		return
	}
	p.commit(ctx, record)
}

func (p *Processor) handle(ctx context.Context, msg Message) error {
	var err error
	for attempt := 1; attempt <= p.handlerAttempts; attempt++ {
		if err = p.handler.Handle(ctx, msg); err == nil {
			return nil
		}
		if attempt < p.handlerAttempts {
			p.logger.Printf("handle %s offset=%d attempt %d: %v", msg.EventType, msg.Offset, attempt, err)
			p.pause(ctx)
			if ctx.Err() != nil {
				return errors.Join(err, ctx.Err())
			}
		}
	}
	return err
}

func (p *Processor) commit(ctx context.Context, record kafka.Message) {
	if err := p.reader.CommitMessages(ctx, record); err != nil {
		p.logger.Printf("commit %s/%d@%d: %v", record.Topic, record.Partition, record.Offset, err)
	}
}

func (p *Processor) pause(ctx context.Context) {
	if p.fetchBackoff <= 0 {
		return
	}
	t := time.NewTimer(p.fetchBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func decodeMessage(record kafka.Message) (Message, error) {
	schemaID, body, err := outbox.DecodeWireFormat(record.Value)
	if err != nil {
		return Message{}, err
	}

	headers := make(map[string]string, len(record.Headers))
	for _, h := range record.Headers {
		headers[h.Key] = string(h.Value)
	}
	eventType := headers[outbox.HeaderEventType]
	if eventType == "" {
		return Message{}, errors.New("missing event_type header")
	}
	if !json.Valid(body) {
		return Message{}, fmt.Errorf("payload is not valid JSON (%d bytes)", len(body))
	}

	return Message{
		Topic:         record.Topic,
		Partition:     record.Partition,
		Offset:        record.Offset,
		Timestamp:     record.Time,
		EventType:     eventType,
		UserID:        headers[outbox.HeaderUserID],
		SchemaSubject: headers[outbox.HeaderSchemaSubject],
		SchemaID:      schemaID,
		Payload:       json.RawMessage(append([]byte(nil), body...)),
	}, nil
}
