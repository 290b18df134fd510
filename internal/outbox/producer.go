package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducer keeps one synchronous writer per topic. Messages are partitioned by key
// hash, so every event of a user lands on the same partition in outbox order.
type KafkaProducer struct {
	brokers      []string
	batchTimeout time.Duration
	compression  kafka.Compression

	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

// ProducerOption configures a KafkaProducer.
type ProducerOption func(*KafkaProducer)

// WithBatchTimeout bounds how long a writer waits to fill a batch.
func WithBatchTimeout(d time.Duration) ProducerOption {
	return func(p *KafkaProducer) {
		if d > 0 {
			p.batchTimeout = d
		}
	}
}

// WithCompression overrides the Snappy default.
func WithCompression(c kafka.Compression) ProducerOption {
	return func(p *KafkaProducer) {
		p.compression = c
	}
}

// NewKafkaProducer creates a KafkaProducer.
func NewKafkaProducer(brokers []string, opts ...ProducerOption) *KafkaProducer {
	p := &KafkaProducer{
		brokers:      brokers,
		batchTimeout: 10 * time.Millisecond,
		compression:  kafka.Snappy,
		writers:      make(map[string]*kafka.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WriteMessages writes msgs to topic and waits for every in-sync replica.
func (p *KafkaProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	return p.writerForTopic(topic).WriteMessages(ctx, msgs...)
}

func (p *KafkaProducer) writerForTopic(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  p.compression,
		BatchTimeout: p.batchTimeout,
	}
	p.writers[topic] = w
	return w
}

// Close flushes and releases every writer.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}
