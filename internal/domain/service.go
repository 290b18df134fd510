// Package domain defines the step records and the server-side save workflow.
package domain

import (
	"context"
	"fmt"
	"time"
)

// RecordStore is the remote record service keyed by (user, date).
type RecordStore interface {
	UpsertDailyRecord(ctx context.Context, record DailyStepRecord) (DailyStepRecord, error)
	FetchDailyRecord(ctx context.Context, userID string, date Date) (*DailyStepRecord, error)
	FetchRange(ctx context.Context, userID string, start, end Date) ([]DailyStepRecord, error)
	InsertActivitySession(ctx context.Context, session ActivitySession) (ActivitySession, error)
}

// AfterSaveFunc runs once a daily record has been stored. It must not fail the save.
type AfterSaveFunc func(ctx context.Context, record DailyStepRecord)

// MaxRangeDays bounds range queries.
const MaxRangeDays = 365

// Service orchestrates step record workflows.
type Service struct {
	records   RecordStore
	afterSave AfterSaveFunc
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAfterSave installs a hook run after each successful upsert.
func WithAfterSave(fn AfterSaveFunc) ServiceOption {
	return func(s *Service) {
		s.afterSave = fn
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService constructs a Service.
func NewService(records RecordStore, opts ...ServiceOption) *Service {
	s := &Service{
		records: records,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveDailyRecord validates, fills derived metrics and upserts the record.
func (s *Service) SaveDailyRecord(ctx context.Context, record DailyStepRecord) (DailyStepRecord, error) {
	if err := record.Validate(); err != nil {
		return DailyStepRecord{}, err
	}
	record = FillDerived(record)

	stored, err := s.records.UpsertDailyRecord(ctx, record)
	if err != nil {
		return DailyStepRecord{}, fmt.Errorf("upsert daily record: %w", err)
	}

	if s.afterSave != nil {
		s.afterSave(ctx, stored)
	}
	return stored, nil
}

// GetDailyRecord returns the record for a day or nil when the day has none.
func (s *Service) GetDailyRecord(ctx context.Context, userID string, date Date) (*DailyStepRecord, error) {
	return s.records.FetchDailyRecord(ctx, userID, date)
}

// ListRange returns a user's records between start and end inclusive, newest first.
func (s *Service) ListRange(ctx context.Context, userID string, start, end Date) ([]DailyStepRecord, error) {
	if end.Before(start) {
		return nil, invalid("end_date precedes start_date")
	}
	if end.Time().Sub(start.Time()) > MaxRangeDays*24*time.Hour {
		start = end.AddDays(-MaxRangeDays)
	}
	return s.records.FetchRange(ctx, userID, start, end)
}

// ListPeriod resolves week, month or year relative to today and lists that range.
func (s *Service) ListPeriod(ctx context.Context, userID, period string) ([]DailyStepRecord, error) {
	now := s.now()
	today := DateOf(now)
	var start Date
	switch period {
	case "month":
		start = Date{Year: today.Year, Month: today.Month, Day: 1}
	case "year":
		start = Date{Year: today.Year, Month: time.January, Day: 1}
	default:
		start = today.AddDays(-7)
	}
	return s.records.FetchRange(ctx, userID, start, today)
}

// RecordSession stores an activity session.
func (s *Service) RecordSession(ctx context.Context, session ActivitySession) (ActivitySession, error) {
	if err := session.Validate(); err != nil {
		return ActivitySession{}, err
	}
	stored, err := s.records.InsertActivitySession(ctx, session)
	if err != nil {
		return ActivitySession{}, fmt.Errorf("insert activity session: %w", err)
	}
	return stored, nil
}
