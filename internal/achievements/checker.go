// Package achievements unlocks milestones after a daily record is saved.
package achievements

import (
	"context"
	"fmt"
	"log"

	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/observability"
)

// Notification fields for an unlock.
const (
	NotificationType  = "achievement"
	NotificationTitle = "Achievement Unlocked!"
)

var (
	firstDay = domain.Date{Year: 1, Month: 1, Day: 1}
	lastDay  = domain.Date{Year: 9999, Month: 12, Day: 31}
)

// Store is the slice of the remote store the checker reads and writes.
type Store interface {
	FetchRange(ctx context.Context, userID string, start, end domain.Date) ([]domain.DailyStepRecord, error)
	FetchUser(ctx context.Context, userID string) (*domain.UserProfile, error)
	ListAchievementsUpTo(ctx context.Context, requirementType string, value int) ([]domain.Achievement, error)
	HasUnlockedAchievement(ctx context.Context, userID, achievementID string) (bool, error)
	// UnlockAchievement reports false when the unlock already existed.
	UnlockAchievement(ctx context.Context, userID, achievementID string, progress int) (bool, error)
	CreateNotification(ctx context.Context, n domain.Notification) error
}

// Checker evaluates total-steps and daily-goal achievements. Failures are logged and
// counted, never returned, so a save is never rejected because of them.
type Checker struct {
	store  Store
	logger *log.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Checker) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChecker constructs a Checker.
func NewChecker(store Store, opts ...Option) *Checker {
	c := &Checker{store: store, logger: log.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AfterSave adapts Check to domain.AfterSaveFunc.
func (c *Checker) AfterSave(ctx context.Context, record domain.DailyStepRecord) {
	c.Check(ctx, record)
}

// Check unlocks every achievement the record satisfies and returns the ones unlocked now.
func (c *Checker) Check(ctx context.Context, record domain.DailyStepRecord) []domain.Achievement {
	var unlocked []domain.Achievement

	history, err := c.store.FetchRange(ctx, record.UserID, firstDay, lastDay)
	if err != nil {
		c.fail("total_steps", fmt.Errorf("load step history user=%s: %w", record.UserID, err))
	} else {
		total := 0
		for _, r := range history {
			total += r.StepCount
		}
		unlocked = append(unlocked, c.checkType(ctx, record.UserID, domain.RequirementTotalSteps, total)...)
	}

	goal := domain.DefaultDailyGoal
	user, err := c.store.FetchUser(ctx, record.UserID)
	if err != nil {
		c.fail("daily_goal", fmt.Errorf("load user=%s: %w", record.UserID, err))
	} else if user != nil {
		goal = user.Goal()
	}
	met := 0
	if record.StepCount >= goal {
		met = 1
	}
	unlocked = append(unlocked, c.checkType(ctx, record.UserID, domain.RequirementDailyGoal, met)...)

	return unlocked
}

func (c *Checker) checkType(ctx context.Context, userID, requirementType string, value int) []domain.Achievement {
	candidates, err := c.store.ListAchievementsUpTo(ctx, requirementType, value)
	if err != nil {
		c.fail(requirementType, fmt.Errorf("list achievements type=%s: %w", requirementType, err))
		return nil
	}

	var unlocked []domain.Achievement
	for _, a := range candidates {
		have, err := c.store.HasUnlockedAchievement(ctx, userID, a.ID)
		if err != nil {
			c.fail(requirementType, fmt.Errorf("lookup unlock user=%s achievement=%s: %w", userID, a.ID, err))
			continue
		}
		if have {
			continue
		}

		created, err := c.store.UnlockAchievement(ctx, userID, a.ID, a.RequirementValue)
		if err != nil {
			c.fail(requirementType, fmt.Errorf("unlock user=%s achievement=%s: %w", userID, a.ID, err))
			continue
		}
		if !created {
			continue
		}
		observability.RecordAchievementUnlocked(requirementType)
		unlocked = append(unlocked, a)

		if err := c.store.CreateNotification(ctx, Notify(userID, a)); err != nil {
			c.fail("notification", fmt.Errorf("notify user=%s achievement=%s: %w", userID, a.ID, err))
		}
	}
	return unlocked
}

func (c *Checker) fail(stage string, err error) {
	observability.RecordAchievementError(stage)
	c.logger.Printf("achievements: %v", err)
}

// Notify builds the unlock notification for a.
func Notify(userID string, a domain.Achievement) domain.Notification {
	return domain.Notification{
		UserID:  userID,
		Type:    NotificationType,
		Title:   NotificationTitle,
		Message: fmt.Sprintf("You've earned the \"%s\" achievement!", a.Name),
		Data:    map[string]string{"achievement_id": a.ID},
	}
}
