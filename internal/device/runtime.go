// Package device assembles the on-device pipeline: sensor source, tracker, offline queue and
// the cron jobs that flush the queue and roll the day over.
package device

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"example.com/stepcount/internal/config"
	"example.com/stepcount/internal/detector"
	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/motion"
	"example.com/stepcount/internal/reconcile"
	"example.com/stepcount/internal/tracker"
)

// Deps are the collaborators a Runtime drives.
type Deps struct {
	Store    domain.RecordStore
	Queue    reconcile.Queue
	Source   motion.Source
	Fallback motion.Source
}

// Runtime runs one user's tracking session until stopped.
type Runtime struct {
	cfg        *config.Device
	tracker    *tracker.Tracker
	reconciler *reconcile.Reconciler
	cron       *cron.Cron
	logger     *log.Logger

	// syncMu keeps live saves and queue flushes for the user from overlapping.
	syncMu sync.Mutex
}

// Option configures a Runtime.
type Option func(*runtimeOptions)

type runtimeOptions struct {
	logger   *log.Logger
	now      func() time.Time
	location *time.Location
}

// WithLogger overrides the logger shared by the runtime, tracker and reconciler.
func WithLogger(logger *log.Logger) Option {
	return func(o *runtimeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(o *runtimeOptions) {
		o.now = now
	}
}

// WithLocation sets the zone cron schedules are evaluated in. Defaults to local time.
func WithLocation(loc *time.Location) Option {
	return func(o *runtimeOptions) {
		if loc != nil {
			o.location = loc
		}
	}
}

// New wires a Runtime from cfg. The cron schedules are validated here.
func New(cfg *config.Device, deps Deps, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("device: config is required")
	}
	if deps.Store == nil || deps.Queue == nil {
		return nil, errors.New("device: store and queue are required")
	}
	o := runtimeOptions{logger: log.Default(), now: time.Now, location: time.Local}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		cfg:    cfg,
		logger: o.logger,
		cron:   cron.New(cron.WithLocation(o.location), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	r.reconciler = reconcile.New(deps.Store, deps.Queue, reconcile.WithLogger(o.logger))

	t, err := tracker.New(tracker.Config{
		UserID:   cfg.UserID,
		Source:   deps.Source,
		Fallback: deps.Fallback,
		Saver:    serialSaver{mu: &r.syncMu, next: r.reconciler},
		Loader:   deps.Store,
		Detector: detector.Config{
			Threshold:        cfg.Detector.Threshold,
			RefractoryPeriod: cfg.Detector.RefractoryPeriod,
			Strict:           cfg.Detector.Strict,
			MinDelta:         cfg.Detector.MinDelta,
		},
		AutosaveEvery: cfg.AutosaveEvery,
	}, tracker.WithLogger(o.logger), tracker.WithClock(o.now))
	if err != nil {
		return nil, err
	}
	r.tracker = t

	if _, err := r.cron.AddFunc(cfg.FlushSchedule, r.flushJob); err != nil {
		return nil, fmt.Errorf("device: flush schedule %q: %w", cfg.FlushSchedule, err)
	}
	if _, err := r.cron.AddFunc(cfg.RolloverSchedule, r.rolloverJob); err != nil {
		return nil, fmt.Errorf("device: rollover schedule %q: %w", cfg.RolloverSchedule, err)
	}
	return r, nil
}

// Tracker exposes the session tracker.
func (r *Runtime) Tracker() *tracker.Tracker {
	return r.tracker
}

// Start flushes anything left from a previous run, hydrates today's count, starts the
// sensor and the schedules. A refused preferred sensor is logged when the fallback took over.
func (r *Runtime) Start(ctx context.Context) error {
	if _, err := r.Flush(ctx); err != nil {
		r.logger.Printf("device: initial flush: %v", err)
	}
	if _, err := r.tracker.LoadTodaySteps(ctx); err != nil {
		r.logger.Printf("device: %v", err)
	}

	if _, err := r.tracker.StartTracking(ctx); err != nil {
		if !r.tracker.Session().Active {
			return fmt.Errorf("start tracking: %w", err)
		}
		r.logger.Printf("device: preferred source refused, tracking with %s: %v", r.tracker.Session().Source, err)
	}

	r.cron.Start()
	r.logger.Printf("device: tracking user=%s source=%s count=%d", r.cfg.UserID, r.tracker.Session().Source, r.tracker.StepCount())
	return nil
}

// Stop halts the schedules, stops the sensor, saves the count and makes a last flush.
func (r *Runtime) Stop(ctx context.Context) error {
	<-r.cron.Stop().Done()

	stopErr := r.tracker.StopTracking(ctx)
	if _, err := r.Flush(ctx); err != nil {
		return errors.Join(stopErr, err)
	}
	return stopErr
}

// Flush replays the offline queue once.
func (r *Runtime) Flush(ctx context.Context) (reconcile.Report, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	return r.reconciler.Flush(ctx)
}

// Rollover saves the finished day and restarts the count.
func (r *Runtime) Rollover(ctx context.Context) bool {
	return r.tracker.ResetForNewDay(ctx)
}

func (r *Runtime) flushJob() {
	report, err := r.Flush(context.Background())
	if err != nil {
		r.logger.Printf("device: scheduled flush: %v", err)
		return
	}
	if len(report.Results) > 0 {
		r.logger.Printf("device: flushed succeeded=%d failed=%d", report.Succeeded(), report.Failed())
	}
}

func (r *Runtime) rolloverJob() {
	if !r.Rollover(context.Background()) {
		r.logger.Printf("device: finished day queued for the next flush")
	}
}

type serialSaver struct {
	mu   *sync.Mutex
	next tracker.Saver
}

func (s serialSaver) SaveLive(ctx context.Context, record domain.DailyStepRecord) (domain.DailyStepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.SaveLive(ctx, record)
}
