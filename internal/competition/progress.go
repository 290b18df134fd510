// Package competition keeps participant progress and ranks current as steps arrive.
package competition

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/observability"
)

// Store is the competition slice of the remote store.
type Store interface {
	ListJoinedCompetitions(ctx context.Context, userID string, date domain.Date) ([]domain.Competition, error)
	FetchRange(ctx context.Context, userID string, start, end domain.Date) ([]domain.DailyStepRecord, error)
	UpdateCompetitionProgress(ctx context.Context, competitionID, userID string, progress int) error
	RerankCompetition(ctx context.Context, competitionID string) error
}

// Updater recomputes a user's progress in every competition covering a day.
type Updater struct {
	store  Store
	logger *log.Logger
	now    func() time.Time
}

// Option configures an Updater.
type Option func(*Updater)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(u *Updater) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// NewUpdater constructs an Updater.
func NewUpdater(store Store, opts ...Option) *Updater {
	u := &Updater{store: store, logger: log.Default(), now: time.Now}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Apply sets the user's progress to their step total over each competition window that
// contains date, then re-ranks that competition. One failing competition does not stop
// the others.
func (u *Updater) Apply(ctx context.Context, userID string, date domain.Date) error {
	competitions, err := u.store.ListJoinedCompetitions(ctx, userID, date)
	if err != nil {
		return fmt.Errorf("list competitions user=%s: %w", userID, err)
	}

	var errs []error
	for _, c := range competitions {
		if err := u.applyOne(ctx, c, userID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(competitions) > 0 && len(errs) < len(competitions) {
		observability.RecordCompetitionProgress(u.now())
	}
	return errors.Join(errs...)
}

func (u *Updater) applyOne(ctx context.Context, c domain.Competition, userID string) error {
	records, err := u.store.FetchRange(ctx, userID, c.StartDate, c.EndDate)
	if err != nil {
		return fmt.Errorf("competition %s: load steps user=%s: %w", c.ID, userID, err)
	}
	progress := 0
	for _, r := range records {
		progress += r.StepCount
	}

	if err := u.store.UpdateCompetitionProgress(ctx, c.ID, userID, progress); err != nil {
		return fmt.Errorf("competition %s: update progress user=%s: %w", c.ID, userID, err)
	}
	if err := u.store.RerankCompetition(ctx, c.ID); err != nil {
		return fmt.Errorf("competition %s: rerank: %w", c.ID, err)
	}
	u.logger.Printf("competition: progress updated competition=%s user=%s progress=%d", c.ID, userID, progress)
	return nil
}
