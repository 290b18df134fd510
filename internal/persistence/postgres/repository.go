// Package postgres stores step records, sessions, achievements and competitions in Postgres
// and records outbox events in the same transaction as the write they describe.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/observability"
	"example.com/stepcount/internal/platform/events"
)

// Repository provides Postgres-backed persistence for the step pipeline.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordColumns = `user_id, date, step_count, distance, calories, active_minutes, floors_climbed, updated_at`

// UpsertDailyRecord inserts or overwrites the (user, date) row and records a
// steps.daily_recorded event. Writing the values already stored leaves the row and
// updated_at untouched and records no event.
func (r *Repository) UpsertDailyRecord(ctx context.Context, record domain.DailyStepRecord) (stored domain.DailyStepRecord, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.DailyStepRecord{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const upsert = `INSERT INTO steps (user_id, date, step_count, distance, calories, active_minutes, floors_climbed)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (user_id, date) DO UPDATE SET
            step_count = EXCLUDED.step_count,
            distance = EXCLUDED.distance,
            calories = EXCLUDED.calories,
            active_minutes = EXCLUDED.active_minutes,
            floors_climbed = EXCLUDED.floors_climbed,
            updated_at = NOW()
        WHERE (steps.step_count, steps.distance, steps.calories, steps.active_minutes, steps.floors_climbed)
              IS DISTINCT FROM
              (EXCLUDED.step_count, EXCLUDED.distance, EXCLUDED.calories, EXCLUDED.active_minutes, EXCLUDED.floors_climbed)
        RETURNING ` + recordColumns

	row := tx.QueryRow(ctx, upsert,
		record.UserID,
		record.Date.Time(),
		record.StepCount,
		record.Distance,
		record.Calories,
		record.ActiveMinutes,
		record.FloorsClimbed,
	)
	stored, err = scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Unchanged: the conflicting row is locked but was not rewritten.
		row = tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM steps WHERE user_id=$1 AND date=$2`, record.UserID, record.Date.Time())
		if stored, err = scanRecord(row); err != nil {
			return domain.DailyStepRecord{}, err
		}
		if err = tx.Commit(ctx); err != nil {
			return domain.DailyStepRecord{}, err
		}
		return stored, nil
	}
	if err != nil {
		return domain.DailyStepRecord{}, err
	}

	err = r.insertOutbox(ctx, tx, outboxRecord{
		userID:        stored.UserID,
		aggregateType: "daily_steps",
		aggregateID:   stored.UserID + ":" + stored.Date.String(),
		eventType:     events.TypeStepsDailyRecorded,
		dedupeKey:     fmt.Sprintf("%s:%s:%d", stored.UserID, stored.Date, stored.UpdatedAt.UnixNano()),
	}, events.StepsDailyRecorded{
		UserID:        stored.UserID,
		Date:          stored.Date.String(),
		StepCount:     stored.StepCount,
		Distance:      stored.Distance,
		Calories:      stored.Calories,
		ActiveMinutes: stored.ActiveMinutes,
		RecordedAt:    stored.UpdatedAt,
	})
	if err != nil {
		return domain.DailyStepRecord{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.DailyStepRecord{}, err
	}
	observability.RecordDailyRecordPersisted(stored.UpdatedAt)
	return stored, nil
}

// FetchDailyRecord returns nil when the day has no record.
func (r *Repository) FetchDailyRecord(ctx context.Context, userID string, date domain.Date) (*domain.DailyStepRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM steps WHERE user_id=$1 AND date=$2`, userID, date.Time())
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// FetchRange returns the user's records in [start, end], newest first.
func (r *Repository) FetchRange(ctx context.Context, userID string, start, end domain.Date) ([]domain.DailyStepRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM steps WHERE user_id=$1 AND date BETWEEN $2 AND $3 ORDER BY date DESC`,
		userID, start.Time(), end.Time())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.DailyStepRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// InsertActivitySession stores the session and records an activity.session_recorded event.
// Re-sending a session with a known ID is a no-op.
func (r *Repository) InsertActivitySession(ctx context.Context, session domain.ActivitySession) (domain.ActivitySession, error) {
	if strings.TrimSpace(session.ID) == "" {
		session.ID = uuid.NewString()
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.ActivitySession{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO activity_sessions (id, user_id, activity_type, start_time, end_time, steps, distance, calories, route_data)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (id) DO NOTHING`,
		session.ID,
		session.UserID,
		session.ActivityType,
		session.StartTime,
		nullIfZeroTime(session.EndTime),
		session.Steps,
		session.Distance,
		session.Calories,
		nullIfEmptyJSON(session.RouteData),
	)
	if err != nil {
		return domain.ActivitySession{}, err
	}
	if tag.RowsAffected() == 0 {
		return session, tx.Commit(ctx)
	}

	payload := events.ActivitySessionRecorded{
		SessionID:    session.ID,
		UserID:       session.UserID,
		ActivityType: session.ActivityType,
		StartTime:    session.StartTime,
		Steps:        session.Steps,
		Distance:     session.Distance,
	}
	if !session.EndTime.IsZero() {
		end := session.EndTime
		payload.EndTime = &end
	}
	if err := r.insertOutbox(ctx, tx, outboxRecord{
		userID:        session.UserID,
		aggregateType: "activity_session",
		aggregateID:   session.ID,
		eventType:     events.TypeActivitySessionRecorded,
		dedupeKey:     session.ID + ":" + events.TypeActivitySessionRecorded,
	}, payload); err != nil {
		return domain.ActivitySession{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ActivitySession{}, err
	}
	return session, nil
}

// ListSessions pages the user's sessions newest first. The returned cursor is nil on the
// last page.
func (r *Repository) ListSessions(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.ActivitySession, *domain.Cursor, error) {
	args := []interface{}{userID, limit + 1}
	query := `SELECT id, user_id, activity_type, start_time, end_time, steps, distance, calories, route_data
        FROM activity_sessions WHERE user_id=$1`

	if cursor != nil {
		query += ` AND (start_time, id) < ($3, $4)`
		args = append(args, cursor.StartTime, cursor.ID)
	}
	query += ` ORDER BY start_time DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.ActivitySession, 0, limit)
	for rows.Next() {
		var (
			s     domain.ActivitySession
			end   *time.Time
			route []byte
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.ActivityType, &s.StartTime, &end, &s.Steps, &s.Distance, &s.Calories, &route); err != nil {
			return nil, nil, err
		}
		if end != nil {
			s.EndTime = *end
		}
		if len(route) > 0 {
			s.RouteData = json.RawMessage(route)
		}
		results = append(results, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if len(results) <= limit {
		return results, nil, nil
	}
	results = results[:limit]
	last := results[len(results)-1]
	return results, &domain.Cursor{StartTime: last.StartTime, ID: last.ID}, nil
}

// FetchUser returns nil when the user is unknown.
func (r *Repository) FetchUser(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var u domain.UserProfile
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, avatar_url, daily_goal, privacy_level FROM users WHERE id=$1`, userID,
	).Scan(&u.ID, &u.Name, &u.AvatarURL, &u.DailyGoal, &u.PrivacyLevel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// ListAchievementsUpTo returns achievements of the type whose requirement is at most value.
func (r *Repository) ListAchievementsUpTo(ctx context.Context, requirementType string, value int) ([]domain.Achievement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, name, requirement_type, requirement_value FROM achievements
        WHERE requirement_type=$1 AND requirement_value <= $2 ORDER BY requirement_value, id`,
		requirementType, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Achievement, 0)
	for rows.Next() {
		var a domain.Achievement
		if err := rows.Scan(&a.ID, &a.Name, &a.RequirementType, &a.RequirementValue); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// HasUnlockedAchievement reports whether the unlock exists.
func (r *Repository) HasUnlockedAchievement(ctx context.Context, userID, achievementID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_achievements WHERE user_id=$1 AND achievement_id=$2)`,
		userID, achievementID).Scan(&exists)
	return exists, err
}

// UnlockAchievement stores the unlock once; it reports false when it already existed.
func (r *Repository) UnlockAchievement(ctx context.Context, userID, achievementID string, progress int) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO user_achievements (user_id, achievement_id, progress) VALUES ($1,$2,$3)
        ON CONFLICT (user_id, achievement_id) DO NOTHING`,
		userID, achievementID, progress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CreateNotification stores an in-app notification.
func (r *Repository) CreateNotification(ctx context.Context, n domain.Notification) error {
	data := n.Data
	if data == nil {
		data = map[string]string{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO notifications (user_id, type, title, message, data) VALUES ($1,$2,$3,$4,$5)`,
		n.UserID, n.Type, n.Title, n.Message, body)
	return err
}

// ListLeaderboardRows returns every record in [start, end] joined with its owner.
func (r *Repository) ListLeaderboardRows(ctx context.Context, start, end domain.Date) ([]domain.LeaderboardRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.user_id, u.name, u.avatar_url, u.privacy_level, s.step_count, s.distance, s.calories
        FROM steps s JOIN users u ON u.id = s.user_id
        WHERE s.date BETWEEN $1 AND $2
        ORDER BY s.date, s.user_id`,
		start.Time(), end.Time())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.LeaderboardRow, 0)
	for rows.Next() {
		var row domain.LeaderboardRow
		if err := rows.Scan(&row.UserID, &row.Name, &row.AvatarURL, &row.PrivacyLevel, &row.StepCount, &row.Distance, &row.Calories); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ListJoinedCompetitions returns the competitions the user joined that cover date.
func (r *Repository) ListJoinedCompetitions(ctx context.Context, userID string, date domain.Date) ([]domain.Competition, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT c.id, c.name, c.start_date, c.end_date
        FROM competitions c JOIN user_competitions uc ON uc.competition_id = c.id
        WHERE uc.user_id=$1 AND $2 BETWEEN c.start_date AND c.end_date
        ORDER BY c.id`,
		userID, date.Time())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Competition, 0)
	for rows.Next() {
		var (
			c          domain.Competition
			start, end time.Time
		)
		if err := rows.Scan(&c.ID, &c.Name, &start, &end); err != nil {
			return nil, err
		}
		c.StartDate = domain.DateOf(start)
		c.EndDate = domain.DateOf(end)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCompetitionProgress overwrites the participant's progress.
func (r *Repository) UpdateCompetitionProgress(ctx context.Context, competitionID, userID string, progress int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE user_competitions SET current_progress=$3 WHERE competition_id=$1 AND user_id=$2`,
		competitionID, userID, progress)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("competition %s participant %s: %w", competitionID, userID, domain.ErrNotFound)
	}
	return nil
}

// RerankCompetition assigns ranks by descending progress; earlier joiners win ties.
func (r *Repository) RerankCompetition(ctx context.Context, competitionID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE user_competitions uc SET rank = ranked.position
        FROM (
            SELECT user_id, ROW_NUMBER() OVER (ORDER BY current_progress DESC, joined_at, user_id) AS position
            FROM user_competitions WHERE competition_id=$1
        ) ranked
        WHERE uc.competition_id=$1 AND uc.user_id = ranked.user_id`,
		competitionID)
	return err
}

// ListCompetitionParticipants returns participants in join order.
func (r *Repository) ListCompetitionParticipants(ctx context.Context, competitionID string) ([]domain.CompetitionParticipant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT uc.competition_id, uc.user_id, u.name, u.avatar_url, uc.current_progress, uc.rank
        FROM user_competitions uc JOIN users u ON u.id = uc.user_id
        WHERE uc.competition_id=$1
        ORDER BY uc.joined_at, uc.user_id`,
		competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.CompetitionParticipant, 0)
	for rows.Next() {
		var p domain.CompetitionParticipant
		if err := rows.Scan(&p.CompetitionID, &p.UserID, &p.Name, &p.AvatarURL, &p.CurrentProgress, &p.Rank); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type outboxRecord struct {
	userID        string
	aggregateType string
	aggregateID   string
	eventType     string
	dedupeKey     string
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, rec outboxRecord, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := eventCatalog[rec.eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", rec.eventType)
	}

	const stmt = `INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		rec.userID,
		rec.aggregateType,
		rec.aggregateID,
		rec.eventType,
		meta.Topic,
		meta.SchemaSubject,
		rec.userID,
		body,
		rec.dedupeKey,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.DailyStepRecord, error) {
	var (
		record domain.DailyStepRecord
		date   time.Time
	)
	if err := row.Scan(&record.UserID, &date, &record.StepCount, &record.Distance, &record.Calories, &record.ActiveMinutes, &record.FloorsClimbed, &record.UpdatedAt); err != nil {
		return domain.DailyStepRecord{}, err
	}
	record.Date = domain.DateOf(date)
	return record, nil
}

func nullIfZeroTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullIfEmptyJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// EventMetadata describes how to route an outbox event. Events are partitioned by user so a
// user's days arrive in order.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

// Topics for step events.
const (
	TopicStepsDaily       = "steps_daily"
	TopicActivitySessions = "activity_sessions"
)

var eventCatalog = map[string]EventMetadata{
	events.TypeStepsDailyRecorded: {
		Topic:         TopicStepsDaily,
		SchemaSubject: TopicStepsDaily + "-value",
	},
	events.TypeActivitySessionRecorded: {
		Topic:         TopicActivitySessions,
		SchemaSubject: TopicActivitySessions + "-value",
	},
}
