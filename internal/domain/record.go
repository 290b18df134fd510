package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidRecord is returned when a daily record or session fails validation.
	ErrInvalidRecord = errors.New("invalid step record")
	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
)

// Achievement requirement types the step pipeline can satisfy.
const (
	RequirementTotalSteps = "total_steps"
	RequirementDailyGoal  = "daily_goal"
)

// DefaultDailyGoal applies when a user has no goal configured.
const DefaultDailyGoal = 10000

// PrivacyPublic marks users whose totals appear on the global leaderboard.
const PrivacyPublic = "public"

// DailyStepRecord is the per-user, per-day aggregate. (UserID, Date) is unique.
type DailyStepRecord struct {
	UserID        string    `json:"user_id"`
	Date          Date      `json:"date"`
	StepCount     int       `json:"step_count"`
	Distance      float64   `json:"distance"`
	Calories      int       `json:"calories"`
	ActiveMinutes int       `json:"active_minutes"`
	FloorsClimbed int       `json:"floors_climbed"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Validate checks the fields required for an upsert.
func (r DailyStepRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return invalid("user_id is required")
	case r.Date.IsZero():
		return invalid("date is required")
	case r.StepCount < 0:
		return invalid("step_count must be >= 0")
	case r.Distance < 0 || r.Calories < 0 || r.ActiveMinutes < 0 || r.FloorsClimbed < 0:
		return invalid("derived fields must be >= 0")
	}
	return nil
}

// ActivitySession is a bounded workout captured on the device, typically while offline.
type ActivitySession struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ActivityType string          `json:"activity_type"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Steps        int             `json:"steps"`
	Distance     float64         `json:"distance"`
	Calories     int             `json:"calories"`
	RouteData    json.RawMessage `json:"route_data,omitempty"`
}

// Validate checks the fields required for an insert.
func (s ActivitySession) Validate() error {
	switch {
	case strings.TrimSpace(s.UserID) == "":
		return invalid("user_id is required")
	case strings.TrimSpace(s.ActivityType) == "":
		return invalid("activity_type is required")
	case s.StartTime.IsZero():
		return invalid("start_time is required")
	case !s.EndTime.IsZero() && s.EndTime.Before(s.StartTime):
		return invalid("end_time precedes start_time")
	case s.Steps < 0:
		return invalid("steps must be >= 0")
	}
	return nil
}

// UserProfile carries the user attributes the pipeline reads.
type UserProfile struct {
	ID           string
	Name         string
	AvatarURL    string
	DailyGoal    int
	PrivacyLevel string
}

// Goal returns the configured daily goal or the default.
func (u UserProfile) Goal() int {
	if u.DailyGoal <= 0 {
		return DefaultDailyGoal
	}
	return u.DailyGoal
}

// Achievement is a read-only unlockable milestone.
type Achievement struct {
	ID               string
	Name             string
	RequirementType  string
	RequirementValue int
}

// Notification is an in-app message addressed to a user.
type Notification struct {
	UserID  string
	Type    string
	Title   string
	Message string
	Data    map[string]string
}

// Competition is a time-boxed step challenge.
type Competition struct {
	ID        string
	Name      string
	StartDate Date
	EndDate   Date
}

// CompetitionParticipant holds a user's maintained standing inside a competition.
type CompetitionParticipant struct {
	CompetitionID   string `json:"competition_id"`
	UserID          string `json:"user_id"`
	Name            string `json:"name"`
	AvatarURL       string `json:"avatar_url,omitempty"`
	CurrentProgress int    `json:"current_progress"`
	Rank            int    `json:"rank"`
}

// LeaderboardRow is one daily record joined with its owner's profile.
type LeaderboardRow struct {
	UserID       string
	Name         string
	AvatarURL    string
	PrivacyLevel string
	StepCount    int
	Distance     float64
	Calories     int
}

func invalid(detail string) error {
	return &ValidationError{Detail: detail}
}

// ValidationError describes a rejected field. It matches ErrInvalidRecord.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string {
	return "invalid step record: " + e.Detail
}

// Is lets errors.Is match ErrInvalidRecord.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRecord
}
