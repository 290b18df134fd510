// Package reconcile keeps the local step total and the remote store in agreement, queueing
// writes that could not be delivered and replaying them later.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/observability"
)

// ErrSyncFailure marks a write that did not reach the remote store.
var ErrSyncFailure = errors.New("sync failure")

const defaultBatchSize = 100

// Result is the outcome of replaying one entry.
type Result struct {
	Entry Entry
	Err   error
}

// Report collects per-entry outcomes of a flush.
type Report struct {
	Results []Result
}

// Succeeded counts accepted entries.
func (r Report) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts rejected entries.
func (r Report) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Err joins every per-entry error, or returns nil when all succeeded.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Reconciler writes records to the remote store and falls back to the queue on failure.
// Live saves and flushes for the same (user, date) must not run concurrently.
type Reconciler struct {
	store     domain.RecordStore
	queue     Queue
	afterSave domain.AfterSaveFunc
	logger    *log.Logger
	batchSize int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAfterSave runs fn after each record the remote store accepts.
func WithAfterSave(fn domain.AfterSaveFunc) Option {
	return func(r *Reconciler) {
		r.afterSave = fn
	}
}

// WithBatchSize bounds how many entries one Flush replays.
func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// New constructs a Reconciler.
func New(store domain.RecordStore, queue Queue, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:     store,
		queue:     queue,
		logger:    log.Default(),
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SaveLive upserts record. When the remote store rejects it, the record is queued and the
// returned error wraps ErrSyncFailure.
func (r *Reconciler) SaveLive(ctx context.Context, record domain.DailyStepRecord) (domain.DailyStepRecord, error) {
	if err := record.Validate(); err != nil {
		observability.RecordSave(observability.SaveFailed)
		return domain.DailyStepRecord{}, err
	}
	record = domain.FillDerived(record)

	stored, err := r.store.UpsertDailyRecord(ctx, record)
	if err == nil {
		observability.RecordSave(observability.SaveSucceeded)
		// A queued copy of this day is older than what was just stored.
		if derr := r.queue.Drop(ctx, RecordEntry(record).Key()); derr != nil {
			r.logger.Printf("reconcile: drop superseded entry user=%s date=%s: %v", record.UserID, record.Date, derr)
		} else {
			r.refreshDepth(ctx)
		}
		r.runAfterSave(ctx, stored)
		return stored, nil
	}

	syncErr := fmt.Errorf("%w: upsert %s/%s: %w", ErrSyncFailure, record.UserID, record.Date, err)
	if _, qerr := r.queue.Enqueue(ctx, RecordEntry(record)); qerr != nil {
		observability.RecordSave(observability.SaveFailed)
		return domain.DailyStepRecord{}, errors.Join(syncErr, fmt.Errorf("enqueue record: %w", qerr))
	}
	observability.RecordSave(observability.SaveQueued)
	r.refreshDepth(ctx)
	r.logger.Printf("reconcile: save queued user=%s date=%s steps=%d: %v", record.UserID, record.Date, record.StepCount, err)
	return domain.DailyStepRecord{}, syncErr
}

// EnqueueSession queues an activity session captured offline.
func (r *Reconciler) EnqueueSession(ctx context.Context, session domain.ActivitySession) (Entry, error) {
	if err := session.Validate(); err != nil {
		return Entry{}, err
	}
	entry, err := r.queue.Enqueue(ctx, SessionEntry(session))
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue session: %w", err)
	}
	r.refreshDepth(ctx)
	return entry, nil
}

// EnqueueRecord queues a daily record without trying the remote store first.
func (r *Reconciler) EnqueueRecord(ctx context.Context, record domain.DailyStepRecord) (Entry, error) {
	if err := record.Validate(); err != nil {
		return Entry{}, err
	}
	entry, err := r.queue.Enqueue(ctx, RecordEntry(domain.FillDerived(record)))
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue record: %w", err)
	}
	r.refreshDepth(ctx)
	return entry, nil
}

// FlushBatch replays entries one by one. A failed entry never stops the batch.
func (r *Reconciler) FlushBatch(ctx context.Context, entries []Entry) Report {
	report := Report{Results: make([]Result, 0, len(entries))}
	for _, entry := range entries {
		report.Results = append(report.Results, Result{Entry: entry, Err: r.apply(ctx, entry)})
	}
	observability.RecordFlush(report.Succeeded(), report.Failed())
	return report
}

// Flush replays pending queue entries, removes the accepted ones and records the failures.
func (r *Reconciler) Flush(ctx context.Context) (Report, error) {
	pending, err := r.queue.Pending(ctx, r.batchSize)
	if err != nil {
		if len(pending) == 0 {
			return Report{}, fmt.Errorf("load pending entries: %w", err)
		}
		r.logger.Printf("reconcile: flushing %d loadable entries: %v", len(pending), err)
	}
	if len(pending) == 0 {
		return Report{}, nil
	}

	report := r.FlushBatch(ctx, pending)

	var (
		done []string
		errs []error
	)
	for _, res := range report.Results {
		if res.Err == nil {
			done = append(done, res.Entry.ID)
			continue
		}
		if err := r.queue.MarkFailed(ctx, res.Entry.ID, res.Err); err != nil {
			errs = append(errs, fmt.Errorf("mark entry %s failed: %w", res.Entry.ID, err))
		}
	}
	if len(done) > 0 {
		if err := r.queue.Remove(ctx, done...); err != nil {
			errs = append(errs, fmt.Errorf("remove flushed entries: %w", err))
		}
	}
	r.refreshDepth(ctx)

	if report.Failed() > 0 {
		r.logger.Printf("reconcile: flush finished succeeded=%d failed=%d: %v", report.Succeeded(), report.Failed(), report.Err())
	}
	return report, errors.Join(errs...)
}

func (r *Reconciler) apply(ctx context.Context, entry Entry) error {
	switch {
	case entry.Kind == KindRecord && entry.Record != nil:
		stored, err := r.store.UpsertDailyRecord(ctx, domain.FillDerived(*entry.Record))
		if err != nil {
			return fmt.Errorf("%w: upsert %s/%s: %w", ErrSyncFailure, entry.Record.UserID, entry.Record.Date, err)
		}
		r.runAfterSave(ctx, stored)
		return nil
	case entry.Kind == KindSession && entry.Session != nil:
		if _, err := r.store.InsertActivitySession(ctx, *entry.Session); err != nil {
			return fmt.Errorf("%w: insert session %s: %w", ErrSyncFailure, entry.Session.ID, err)
		}
		return nil
	default:
		return fmt.Errorf("%w: entry %s has no payload", domain.ErrInvalidRecord, entry.ID)
	}
}

func (r *Reconciler) runAfterSave(ctx context.Context, record domain.DailyStepRecord) {
	if r.afterSave != nil {
		r.afterSave(ctx, record)
	}
}

func (r *Reconciler) refreshDepth(ctx context.Context) {
	n, err := r.queue.Len(ctx)
	if err != nil {
		r.logger.Printf("reconcile: queue length: %v", err)
		return
	}
	observability.SetQueueDepth(n)
}

// PendingSince reports how long the oldest entry has waited, or zero when the queue is empty.
func (r *Reconciler) PendingSince(ctx context.Context, now time.Time) (time.Duration, error) {
	pending, err := r.queue.Pending(ctx, 1)
	if err != nil || len(pending) == 0 {
		return 0, err
	}
	return now.Sub(pending[0].EnqueuedAt), nil
}
