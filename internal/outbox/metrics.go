package outbox

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// DLQ outcomes recorded per entry.
const (
	outcomeRequeued    = "requeued"
	outcomeRetry       = "retry_scheduled"
	outcomeQuarantined = "quarantined"
)

var (
	eventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "outbox",
		Name:      "events_delivered_total",
		Help:      "Step events published to Kafka.",
	}, []string{"topic", "event_type"})

	eventsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "outbox",
		Name:      "events_dead_lettered_total",
		Help:      "Step events that failed to publish and were moved to outbox_dlq.",
	}, []string{"topic", "event_type"})

	batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stepcount",
		Subsystem: "outbox",
		Name:      "batch_duration_seconds",
		Help:      "Time spent claiming, delivering and marking one outbox batch.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	batchEvents = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stepcount",
		Subsystem: "outbox",
		Name:      "batch_events",
		Help:      "Events claimed per non-empty outbox batch.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
	})

	dlqOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "dlq",
		Name:      "entries_total",
		Help:      "DLQ entries handled, by outcome.",
	}, []string{"outcome", "topic", "event_type"})

	dlqEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stepcount",
		Subsystem: "dlq",
		Name:      "entries",
		Help:      "Rows in outbox_dlq, split into waiting and quarantined.",
	}, []string{"state"})
)

func init() {
	prometheus.MustRegister(eventsDelivered, eventsDeadLettered, batchDuration, batchEvents, dlqOutcomes, dlqEntries)
}

func recordDelivered(messages []Message) {
	for _, msg := range messages {
		eventsDelivered.WithLabelValues(msg.Topic, msg.EventType).Inc()
	}
}

func recordDeadLettered(messages []Message) {
	for _, msg := range messages {
		eventsDeadLettered.WithLabelValues(msg.Topic, msg.EventType).Inc()
	}
}

func recordDLQOutcome(entry dlqEntry, outcome string) {
	dlqOutcomes.WithLabelValues(outcome, entry.Topic, entry.EventType).Inc()
}

func updateDLQGauges(ctx context.Context, pool *pgxpool.Pool) {
	var waiting, quarantined int
	err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE quarantined_at IS NULL),
                COUNT(*) FILTER (WHERE quarantined_at IS NOT NULL)
           FROM outbox_dlq`).Scan(&waiting, &quarantined)
	if err != nil {
		return
	}
	dlqEntries.WithLabelValues("waiting").Set(float64(waiting))
	dlqEntries.WithLabelValues("quarantined").Set(float64(quarantined))
}
