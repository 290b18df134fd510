// Package events defines the step event payloads shared by the API, the outbox and the consumer.
package events

import "time"

// Event types recorded in the outbox.
const (
	TypeStepsDailyRecorded      = "steps.daily_recorded"
	TypeActivitySessionRecorded = "activity.session_recorded"
)

// StepsDailyRecorded is emitted whenever a daily step record is upserted.
type StepsDailyRecorded struct {
	UserID        string    `json:"user_id"`
	Date          string    `json:"date"`
	StepCount     int       `json:"step_count"`
	Distance      float64   `json:"distance"`
	Calories      int       `json:"calories"`
	ActiveMinutes int       `json:"active_minutes"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// ActivitySessionRecorded is emitted when a workout session is stored.
type ActivitySessionRecorded struct {
	SessionID    string     `json:"session_id"`
	UserID       string     `json:"user_id"`
	ActivityType string     `json:"activity_type"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Steps        int        `json:"steps"`
	Distance     float64    `json:"distance"`
}
