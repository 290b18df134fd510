// Package memory provides an in-process implementation of every store the step pipeline
// consumes. It backs unit tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/stepcount/internal/domain"
)

type recordKey struct {
	userID string
	date   domain.Date
}

type unlockKey struct {
	userID        string
	achievementID string
}

// Unlock is a stored achievement unlock.
type Unlock struct {
	UserID        string
	AchievementID string
	Progress      int
	UnlockedAt    time.Time
}

// Store keeps records, users, achievements and competitions in memory.
type Store struct {
	mu            sync.RWMutex
	records       map[recordKey]domain.DailyStepRecord
	recordOrder   []recordKey
	sessions      []domain.ActivitySession
	users         map[string]domain.UserProfile
	achievements  []domain.Achievement
	unlocks       map[unlockKey]Unlock
	notifications []domain.Notification
	competitions  map[string]domain.Competition
	participants  map[string][]domain.CompetitionParticipant
	now           func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		records:      make(map[recordKey]domain.DailyStepRecord),
		users:        make(map[string]domain.UserProfile),
		unlocks:      make(map[unlockKey]Unlock),
		competitions: make(map[string]domain.Competition),
		participants: make(map[string][]domain.CompetitionParticipant),
		now:          time.Now,
	}
}

// UpsertDailyRecord inserts or fully overwrites the record for (user, date).
func (s *Store) UpsertDailyRecord(ctx context.Context, record domain.DailyStepRecord) (domain.DailyStepRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey{userID: record.UserID, date: record.Date}
	if _, ok := s.records[key]; !ok {
		s.recordOrder = append(s.recordOrder, key)
	}
	record.UpdatedAt = s.now().UTC()
	s.records[key] = record
	return record, nil
}

// FetchDailyRecord returns nil when the day has no record.
func (s *Store) FetchDailyRecord(ctx context.Context, userID string, date domain.Date) (*domain.DailyStepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[recordKey{userID: userID, date: date}]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// FetchRange returns the user's records in [start, end], newest first.
func (s *Store) FetchRange(ctx context.Context, userID string, start, end domain.Date) ([]domain.DailyStepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.DailyStepRecord, 0)
	for key, record := range s.records {
		if key.userID == userID && key.date.Within(start, end) {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

// InsertActivitySession appends the session, assigning an ID when missing.
func (s *Store) InsertActivitySession(ctx context.Context, session domain.ActivitySession) (domain.ActivitySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(session.ID) == "" {
		session.ID = uuid.NewString()
	}
	s.sessions = append(s.sessions, session)
	return session, nil
}

// ListSessions pages the user's sessions newest first. The returned cursor is nil on the
// last page.
func (s *Store) ListSessions(ctx context.Context, userID string, cursor *domain.Cursor, limit int) ([]domain.ActivitySession, *domain.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.ActivitySession, 0)
	for _, session := range s.sessions {
		if session.UserID != userID {
			continue
		}
		if cursor != nil && !cursor.Before(session) {
			continue
		}
		matched = append(matched, session)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].StartTime.Equal(matched[j].StartTime) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].StartTime.After(matched[j].StartTime)
	})
	if len(matched) <= limit {
		return matched, nil, nil
	}
	page := matched[:limit]
	last := page[len(page)-1]
	return page, &domain.Cursor{StartTime: last.StartTime, ID: last.ID}, nil
}

// Sessions returns a copy of the stored sessions.
func (s *Store) Sessions() []domain.ActivitySession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ActivitySession, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// RecordCount reports how many (user, date) records exist.
func (s *Store) RecordCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// PutUser stores or replaces a user profile.
func (s *Store) PutUser(user domain.UserProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// FetchUser returns nil when the user is unknown.
func (s *Store) FetchUser(ctx context.Context, userID string) (*domain.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

// PutAchievement appends an achievement definition.
func (s *Store) PutAchievement(achievement domain.Achievement) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if achievement.ID == "" {
		achievement.ID = uuid.NewString()
	}
	s.achievements = append(s.achievements, achievement)
}

// ListAchievementsUpTo returns achievements of the type whose requirement is at most value.
func (s *Store) ListAchievementsUpTo(ctx context.Context, requirementType string, value int) ([]domain.Achievement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Achievement, 0)
	for _, a := range s.achievements {
		if a.RequirementType == requirementType && a.RequirementValue <= value {
			out = append(out, a)
		}
	}
	return out, nil
}

// HasUnlockedAchievement reports whether the unlock exists.
func (s *Store) HasUnlockedAchievement(ctx context.Context, userID, achievementID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.unlocks[unlockKey{userID: userID, achievementID: achievementID}]
	return ok, nil
}

// UnlockAchievement stores the unlock once; it reports false when it already existed.
func (s *Store) UnlockAchievement(ctx context.Context, userID, achievementID string, progress int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := unlockKey{userID: userID, achievementID: achievementID}
	if _, ok := s.unlocks[key]; ok {
		return false, nil
	}
	s.unlocks[key] = Unlock{UserID: userID, AchievementID: achievementID, Progress: progress, UnlockedAt: s.now().UTC()}
	return true, nil
}

// Unlocks returns the user's unlocks.
func (s *Store) Unlocks(userID string) []Unlock {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Unlock, 0)
	for key, u := range s.unlocks {
		if key.userID == userID {
			out = append(out, u)
		}
	}
	return out
}

// CreateNotification appends a notification.
func (s *Store) CreateNotification(ctx context.Context, n domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

// Notifications returns the user's notifications in creation order.
func (s *Store) Notifications(userID string) []domain.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Notification, 0)
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// ListLeaderboardRows returns every record in [start, end] joined with its owner,
// in insertion order.
func (s *Store) ListLeaderboardRows(ctx context.Context, start, end domain.Date) ([]domain.LeaderboardRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.LeaderboardRow, 0)
	for _, key := range s.recordOrder {
		if !key.date.Within(start, end) {
			continue
		}
		record := s.records[key]
		user := s.users[key.userID]
		rows = append(rows, domain.LeaderboardRow{
			UserID:       record.UserID,
			Name:         user.Name,
			AvatarURL:    user.AvatarURL,
			PrivacyLevel: user.PrivacyLevel,
			StepCount:    record.StepCount,
			Distance:     record.Distance,
			Calories:     record.Calories,
		})
	}
	return rows, nil
}

// PutCompetition stores a competition definition.
func (s *Store) PutCompetition(c domain.Competition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.competitions[c.ID] = c
}

// JoinCompetition adds the user to the competition with zero progress.
func (s *Store) JoinCompetition(competitionID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user := s.users[userID]
	s.participants[competitionID] = append(s.participants[competitionID], domain.CompetitionParticipant{
		CompetitionID: competitionID,
		UserID:        userID,
		Name:          user.Name,
		AvatarURL:     user.AvatarURL,
	})
}

// ListJoinedCompetitions returns the competitions the user joined that cover date.
func (s *Store) ListJoinedCompetitions(ctx context.Context, userID string, date domain.Date) ([]domain.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Competition, 0)
	for id, members := range s.participants {
		c, ok := s.competitions[id]
		if !ok || !date.Within(c.StartDate, c.EndDate) {
			continue
		}
		for _, p := range members {
			if p.UserID == userID {
				out = append(out, c)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateCompetitionProgress overwrites the participant's progress.
func (s *Store) UpdateCompetitionProgress(ctx context.Context, competitionID, userID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.participants[competitionID]
	for i := range members {
		if members[i].UserID == userID {
			members[i].CurrentProgress = progress
			return nil
		}
	}
	return domain.ErrNotFound
}

// RerankCompetition assigns ranks by descending progress.
func (s *Store) RerankCompetition(ctx context.Context, competitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.participants[competitionID]
	ordered := make([]int, len(members))
	for i := range ordered {
		ordered[i] = i
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return members[ordered[a]].CurrentProgress > members[ordered[b]].CurrentProgress
	})
	for rank, idx := range ordered {
		members[idx].Rank = rank + 1
	}
	return nil
}

// ListCompetitionParticipants returns participants in join order.
func (s *Store) ListCompetitionParticipants(ctx context.Context, competitionID string) ([]domain.CompetitionParticipant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := s.participants[competitionID]
	out := make([]domain.CompetitionParticipant, len(members))
	copy(out, members)
	return out, nil
}
