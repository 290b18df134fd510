package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Message outcomes.
const (
	resultProcessed    = "processed"
	resultHandlerError = "handler_error"
	resultDecodeError  = "decode_error"
)

var (
	messagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Step events read from Kafka, by outcome.",
	}, []string{"topic", "event_type", "result"})

	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stepcount",
		Subsystem: "consumer",
		Name:      "handle_duration_seconds",
		Help:      "Time spent in the handler chain per event.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	deliveryLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stepcount",
		Subsystem: "consumer",
		Name:      "delivery_lag_seconds",
		Help:      "Delay between the Kafka record timestamp and successful handling.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(messagesTotal, handleDuration, deliveryLag)
}

func observeHandled(msg Message, took time.Duration, err error) {
	handleDuration.WithLabelValues(msg.EventType).Observe(took.Seconds())
	if err != nil {
		messagesTotal.WithLabelValues(msg.Topic, msg.EventType, resultHandlerError).Inc()
		return
	}
	messagesTotal.WithLabelValues(msg.Topic, msg.EventType, resultProcessed).Inc()
	if !msg.Timestamp.IsZero() {
		deliveryLag.Observe(time.Since(msg.Timestamp).Seconds())
	}
}

func recordDecodeError(topic string) {
	messagesTotal.WithLabelValues(topic, "", resultDecodeError).Inc()
}
