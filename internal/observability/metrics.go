// Package observability holds the Prometheus collectors shared across the step pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Save outcomes for RecordSave.
const (
	SaveSucceeded = "succeeded"
	SaveQueued    = "queued"
	SaveFailed    = "failed"
)

var (
	stepsDetectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "tracker",
		Name:      "steps_detected_total",
		Help:      "Number of steps produced by the detector, labeled by sample source.",
	}, []string{"source"})

	samplesDiscardedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "tracker",
		Name:      "samples_discarded_total",
		Help:      "Number of malformed or late samples dropped before detection.",
	}, []string{"source"})

	savesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "sync",
		Name:      "saves_total",
		Help:      "Live saves of the daily record grouped by outcome.",
	}, []string{"result"})

	queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stepcount",
		Subsystem: "sync",
		Name:      "queue_depth",
		Help:      "Entries waiting in the offline sync queue.",
	})

	flushedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "sync",
		Name:      "entries_flushed_total",
		Help:      "Queued entries replayed against the remote store grouped by outcome.",
	}, []string{"result"})

	achievementsUnlockedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "achievements",
		Name:      "unlocked_total",
		Help:      "Achievements unlocked grouped by requirement type.",
	}, []string{"requirement_type"})

	achievementErrorsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stepcount",
		Subsystem: "achievements",
		Name:      "check_errors_total",
		Help:      "Achievement check failures grouped by stage. Failures never fail the save.",
	}, []string{"stage"})

	recordPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stepcount",
		Subsystem: "persistence",
		Name:      "last_record_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent daily record persisted to Postgres.",
	})

	progressAppliedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stepcount",
		Subsystem: "persistence",
		Name:      "last_competition_progress_timestamp_seconds",
		Help:      "Unix timestamp of the most recent competition progress update.",
	})
)

func init() {
	prometheus.MustRegister(
		stepsDetectedCounter,
		samplesDiscardedCounter,
		savesCounter,
		queueDepthGauge,
		flushedCounter,
		achievementsUnlockedCounter,
		achievementErrorsCounter,
		recordPersistGauge,
		progressAppliedGauge,
	)
}

// RecordStepsDetected adds n detected steps for source.
func RecordStepsDetected(source string, n int) {
	if n <= 0 {
		return
	}
	stepsDetectedCounter.WithLabelValues(source).Add(float64(n))
}

// RecordSampleDiscarded counts one dropped sample.
func RecordSampleDiscarded(source string) {
	samplesDiscardedCounter.WithLabelValues(source).Inc()
}

// RecordSave counts one live save by outcome.
func RecordSave(result string) {
	savesCounter.WithLabelValues(result).Inc()
}

// SetQueueDepth reports the current offline queue length.
func SetQueueDepth(n int) {
	queueDepthGauge.Set(float64(n))
}

// RecordFlush counts replayed queue entries.
func RecordFlush(succeeded, failed int) {
	if succeeded > 0 {
		flushedCounter.WithLabelValues("succeeded").Add(float64(succeeded))
	}
	if failed > 0 {
		flushedCounter.WithLabelValues("failed").Add(float64(failed))
	}
}

// RecordAchievementUnlocked counts one unlock.
func RecordAchievementUnlocked(requirementType string) {
	achievementsUnlockedCounter.WithLabelValues(requirementType).Inc()
}

// RecordAchievementError counts a swallowed achievement failure.
func RecordAchievementError(stage string) {
	achievementErrorsCounter.WithLabelValues(stage).Inc()
}

// RecordDailyRecordPersisted updates the persistence watermark gauge.
func RecordDailyRecordPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordPersistGauge.Set(float64(ts.Unix()))
}

// RecordCompetitionProgress updates the competition progress watermark gauge.
func RecordCompetitionProgress(ts time.Time) {
	if ts.IsZero() {
		return
	}
	progressAppliedGauge.Set(float64(ts.Unix()))
}
