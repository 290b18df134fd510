// Package leaderboard ranks users by steps over a period and renders competition standings.
package leaderboard

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"example.com/stepcount/internal/domain"
)

// MaxEntries caps every board.
const MaxEntries = 100

// Periods accepted by Window.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// Entry is one ranked user.
type Entry struct {
	Rank      int     `json:"rank"`
	UserID    string  `json:"user_id"`
	Name      string  `json:"name"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	StepCount int     `json:"step_count"`
	Distance  float64 `json:"distance"`
	Calories  int     `json:"calories"`
}

// Board is the global leaderboard for a period.
type Board struct {
	Period      string    `json:"period"`
	Entries     []Entry   `json:"leaderboard"`
	UserRank    *int      `json:"user_rank"`
	LastUpdated time.Time `json:"last_updated"`
}

// Store reads the rows the boards are built from.
type Store interface {
	ListLeaderboardRows(ctx context.Context, start, end domain.Date) ([]domain.LeaderboardRow, error)
	ListCompetitionParticipants(ctx context.Context, competitionID string) ([]domain.CompetitionParticipant, error)
}

// Window resolves period to an inclusive date range ending today. Unknown periods fall
// back to weekly.
func Window(period string, now time.Time) (string, domain.Date, domain.Date) {
	today := domain.DateOf(now)
	switch period {
	case PeriodDaily:
		return PeriodDaily, today, today
	case PeriodMonthly:
		return PeriodMonthly, domain.Date{Year: today.Year, Month: today.Month, Day: 1}, today
	default:
		return PeriodWeekly, today.AddDays(-6), today
	}
}

// Aggregate sums public rows per user and ranks them by steps, highest first. Users with
// equal steps keep the order in which they first appear in rows.
func Aggregate(rows []domain.LeaderboardRow, limit int) []Entry {
	if limit <= 0 || limit > MaxEntries {
		limit = MaxEntries
	}

	index := make(map[string]int)
	entries := make([]Entry, 0)
	for _, row := range rows {
		if row.PrivacyLevel != domain.PrivacyPublic {
			continue
		}
		i, ok := index[row.UserID]
		if !ok {
			i = len(entries)
			index[row.UserID] = i
			entries = append(entries, Entry{UserID: row.UserID, Name: row.Name, AvatarURL: row.AvatarURL})
		}
		entries[i].StepCount += row.StepCount
		entries[i].Distance += row.Distance
		entries[i].Calories += row.Calories
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].StepCount > entries[b].StepCount
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
		entries[i].Distance = math.Round(entries[i].Distance*100) / 100
	}
	return entries
}

// UserRank returns the user's 1-based rank on the board.
func UserRank(entries []Entry, userID string) (int, bool) {
	for _, e := range entries {
		if e.UserID == userID {
			return e.Rank, true
		}
	}
	return 0, false
}

// Competition orders participants by current progress, highest first, keeping their
// stored rank. Nothing is re-aggregated.
func Competition(participants []domain.CompetitionParticipant) []domain.CompetitionParticipant {
	out := make([]domain.CompetitionParticipant, len(participants))
	copy(out, participants)
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CurrentProgress > out[b].CurrentProgress
	})
	if len(out) > MaxEntries {
		out = out[:MaxEntries]
	}
	return out
}

// Service builds boards from a Store.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService constructs a Service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Global builds the global board for period and locates userID on it.
func (s *Service) Global(ctx context.Context, period, userID string) (Board, error) {
	now := s.now()
	resolved, start, end := Window(period, now)

	rows, err := s.store.ListLeaderboardRows(ctx, start, end)
	if err != nil {
		return Board{}, fmt.Errorf("list leaderboard rows: %w", err)
	}

	board := Board{
		Period:      resolved,
		Entries:     Aggregate(rows, MaxEntries),
		LastUpdated: now.UTC(),
	}
	if userID != "" {
		if rank, ok := UserRank(board.Entries, userID); ok {
			board.UserRank = &rank
		}
	}
	return board, nil
}

// CompetitionBoard returns the standings of one competition.
func (s *Service) CompetitionBoard(ctx context.Context, competitionID string) ([]domain.CompetitionParticipant, error) {
	participants, err := s.store.ListCompetitionParticipants(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("list competition participants: %w", err)
	}
	return Competition(participants), nil
}
