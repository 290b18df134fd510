// Package tracker runs one user's step-tracking session on the device.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/stepcount/internal/detector"
	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/motion"
	"example.com/stepcount/internal/observability"
	"example.com/stepcount/internal/steps"
)

// DefaultAutosaveEvery is the step interval between automatic saves.
const DefaultAutosaveEvery = 10

// Saver persists the live daily record; the reconciler implements it.
type Saver interface {
	SaveLive(ctx context.Context, record domain.DailyStepRecord) (domain.DailyStepRecord, error)
}

// Loader reads the stored record of a day.
type Loader interface {
	FetchDailyRecord(ctx context.Context, userID string, date domain.Date) (*domain.DailyStepRecord, error)
}

// Session describes the current tracking session.
type Session struct {
	Active           bool
	Source           string
	Day              domain.Date
	StepCountAtStart int
	StartedAt        time.Time
	LastEventAt      time.Time
}

// Config wires a Tracker.
type Config struct {
	UserID string
	// Source is the preferred sensor.
	Source motion.Source
	// Fallback starts when Source is refused. Nil disables the fallback.
	Fallback motion.Source
	Saver    Saver
	Loader   Loader
	Detector detector.Config
	// AutosaveEvery saves whenever the count crosses a multiple of it. Negative disables.
	AutosaveEvery int
}

// Tracker owns a detector, an accumulator and at most one active sampler. Its mutex is the
// single execution context: sensor callbacks, simulation ticks and API calls all take it.
// Subscribers run while it is held and must not call back into the Tracker.
type Tracker struct {
	cfg      Config
	detector *detector.Detector
	acc      *steps.Accumulator
	logger   *log.Logger
	now      func() time.Time

	mu         sync.Mutex
	session    Session
	sampler    *motion.Sampler
	saveSignal chan struct{}
	saveDone   chan struct{}
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock overrides the time source used for the current day.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New constructs an idle Tracker.
func New(cfg Config, opts ...Option) (*Tracker, error) {
	switch {
	case cfg.UserID == "":
		return nil, errors.New("tracker: user id is required")
	case cfg.Source == nil:
		return nil, errors.New("tracker: source is required")
	case cfg.Saver == nil:
		return nil, errors.New("tracker: saver is required")
	}
	if cfg.AutosaveEvery == 0 {
		cfg.AutosaveEvery = DefaultAutosaveEvery
	}

	t := &Tracker{
		cfg:      cfg,
		detector: detector.New(cfg.Detector),
		acc:      steps.NewAccumulator(),
		logger:   log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.session.Day = domain.DateOf(t.now())
	return t, nil
}

// StartTracking starts the preferred source. When it is refused the returned error wraps
// motion.ErrPermissionDenied or motion.ErrSensorUnavailable, and the fallback source, if
// configured, is started instead; the boolean is true only for the preferred source.
// Other tracker calls wait while the permission prompt is open.
func (t *Tracker) StartTracking(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session.Active {
		return t.session.Source == t.cfg.Source.Name(), nil
	}

	sampler := motion.NewSampler(t.cfg.Source)
	err := sampler.Start(ctx, t.onSample)
	if err == nil {
		t.activate(ctx, sampler)
		return true, nil
	}
	if !motion.Refused(err) || t.cfg.Fallback == nil {
		return false, err
	}

	t.logger.Printf("tracker: %v; starting %s fallback user=%s", err, t.cfg.Fallback.Name(), t.cfg.UserID)
	fallback := motion.NewSampler(t.cfg.Fallback)
	if ferr := fallback.Start(ctx, t.onSample); ferr != nil {
		return false, errors.Join(err, fmt.Errorf("start fallback: %w", ferr))
	}
	t.activate(ctx, fallback)
	return false, err
}

// activate must run with t.mu held.
func (t *Tracker) activate(ctx context.Context, sampler *motion.Sampler) {
	t.sampler = sampler
	t.detector.Reset()
	t.session.Active = true
	t.session.Source = sampler.Source().Name()
	t.session.StepCountAtStart = t.acc.Count()
	t.session.StartedAt = t.now()
	t.session.LastEventAt = time.Time{}

	t.saveSignal = make(chan struct{}, 1)
	t.saveDone = make(chan struct{})
	go t.autosaveLoop(context.WithoutCancel(ctx), t.saveSignal, t.saveDone)
}

func (t *Tracker) autosaveLoop(ctx context.Context, signal <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for range signal {
		t.SaveSteps(ctx)
	}
}

func (t *Tracker) onSample(sample motion.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	source := t.session.Source
	if !t.session.Active {
		observability.RecordSampleDiscarded(source)
		return
	}

	discarded := t.detector.Discarded()
	n := t.detector.Observe(sample)
	if t.detector.Discarded() > discarded {
		observability.RecordSampleDiscarded(source)
		return
	}
	if n == 0 {
		return
	}

	count, err := t.acc.RecordSteps(n)
	if err != nil {
		t.logger.Printf("tracker: record steps user=%s: %v", t.cfg.UserID, err)
		return
	}
	observability.RecordStepsDetected(source, n)
	t.session.LastEventAt = sample.Timestamp

	if every := t.cfg.AutosaveEvery; every > 0 && count/every > (count-n)/every {
		select {
		case t.saveSignal <- struct{}{}:
		default:
		}
	}
}

// StopTracking deregisters the sensor, then saves the count. No sample is applied after
// it returns. A failed save is logged and left to the offline queue.
func (t *Tracker) StopTracking(ctx context.Context) error {
	t.mu.Lock()
	if !t.session.Active {
		t.mu.Unlock()
		return nil
	}
	t.session.Active = false
	sampler := t.sampler
	t.sampler = nil
	signal, done := t.saveSignal, t.saveDone
	t.saveSignal, t.saveDone = nil, nil
	t.mu.Unlock()

	err := sampler.Stop()
	close(signal)
	<-done

	t.SaveSteps(ctx)
	return err
}

// SaveSteps saves the current count for the session day and reports whether the remote
// store accepted it.
func (t *Tracker) SaveSteps(ctx context.Context) bool {
	t.mu.Lock()
	record := domain.DailyStepRecord{UserID: t.cfg.UserID, Date: t.session.Day, StepCount: t.acc.Count()}
	t.mu.Unlock()

	if _, err := t.cfg.Saver.SaveLive(ctx, record); err != nil {
		t.logger.Printf("tracker: save user=%s date=%s steps=%d: %v", record.UserID, record.Date, record.StepCount, err)
		return false
	}
	return true
}

// LoadTodaySteps hydrates the count from today's stored record. A stored count below the
// live count is ignored.
func (t *Tracker) LoadTodaySteps(ctx context.Context) (int, error) {
	if t.cfg.Loader == nil {
		return t.StepCount(), nil
	}
	today := domain.DateOf(t.now())
	record, err := t.cfg.Loader.FetchDailyRecord(ctx, t.cfg.UserID, today)
	if err != nil {
		return t.StepCount(), fmt.Errorf("load today's steps: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session.Day != today {
		return t.acc.Count(), nil
	}
	if record == nil || record.StepCount <= t.acc.Count() {
		return t.acc.Count(), nil
	}
	return t.acc.SetCount(record.StepCount)
}

// SetStepCount overwrites the count.
func (t *Tracker) SetStepCount(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.acc.SetCount(n)
	return err
}

// ResetForNewDay closes the session day, zeroes the count and saves the finished day.
func (t *Tracker) ResetForNewDay(ctx context.Context) bool {
	t.mu.Lock()
	finished := domain.DailyStepRecord{UserID: t.cfg.UserID, Date: t.session.Day, StepCount: t.acc.Count()}
	if err := t.acc.Reset(); err != nil {
		t.mu.Unlock()
		t.logger.Printf("tracker: reset user=%s: %v", t.cfg.UserID, err)
		return false
	}
	t.session.Day = domain.DateOf(t.now())
	t.session.StepCountAtStart = 0
	t.mu.Unlock()

	if _, err := t.cfg.Saver.SaveLive(ctx, finished); err != nil {
		t.logger.Printf("tracker: save finished day user=%s date=%s: %v", finished.UserID, finished.Date, err)
		return false
	}
	return true
}

// OnStepUpdate registers cb for every count change.
func (t *Tracker) OnStepUpdate(cb steps.Callback) steps.Subscription {
	return t.acc.Subscribe(cb)
}

// RemoveCallback removes a callback registered with OnStepUpdate.
func (t *Tracker) RemoveCallback(sub steps.Subscription) bool {
	return t.acc.Unsubscribe(sub)
}

// StepCount returns the live count.
func (t *Tracker) StepCount() int {
	return t.acc.Count()
}

// Session returns a snapshot of the session state.
func (t *Tracker) Session() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}
