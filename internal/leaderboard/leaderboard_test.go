package leaderboard

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/persistence/memory"
)

func row(user string, steps int, privacy string) domain.LeaderboardRow {
	return domain.LeaderboardRow{UserID: user, Name: user, PrivacyLevel: privacy, StepCount: steps, Distance: domain.Distance(steps), Calories: domain.Calories(steps)}
}

func TestAggregateSumsAndRanks(t *testing.T) {
	rows := []domain.LeaderboardRow{
		row("ann", 3000, domain.PrivacyPublic),
		row("bob", 9000, domain.PrivacyPublic),
		row("ann", 7000, domain.PrivacyPublic),
		row("eve", 50000, "private"),
	}

	board := Aggregate(rows, 0)
	require.Len(t, board, 2)
	require.Equal(t, "ann", board[0].UserID)
	require.Equal(t, 10000, board[0].StepCount)
	require.InDelta(t, 8.0, board[0].Distance, 1e-9)
	require.Equal(t, 400, board[0].Calories)
	require.Equal(t, 1, board[0].Rank)
	require.Equal(t, 2, board[1].Rank)

	_, ok := UserRank(board, "eve")
	require.False(t, ok)
}

func TestAggregateTiesKeepInputOrder(t *testing.T) {
	board := Aggregate([]domain.LeaderboardRow{
		row("zed", 500, domain.PrivacyPublic),
		row("amy", 500, domain.PrivacyPublic),
		row("kim", 900, domain.PrivacyPublic),
	}, 0)

	require.Equal(t, []string{"kim", "zed", "amy"}, []string{board[0].UserID, board[1].UserID, board[2].UserID})
	rank, ok := UserRank(board, "amy")
	require.True(t, ok)
	require.Equal(t, 3, rank)
}

func TestAggregateTruncates(t *testing.T) {
	rows := make([]domain.LeaderboardRow, 0, 150)
	for i := 0; i < 150; i++ {
		rows = append(rows, row(fmt.Sprintf("user-%03d", i), i, domain.PrivacyPublic))
	}

	board := Aggregate(rows, 0)
	require.Len(t, board, MaxEntries)
	require.Equal(t, "user-149", board[0].UserID)
	require.Equal(t, MaxEntries, board[MaxEntries-1].Rank)

	require.Len(t, Aggregate(rows, 10), 10)
}

func TestWindow(t *testing.T) {
	now := time.Date(2026, 9, 17, 18, 0, 0, 0, time.UTC)

	p, start, end := Window("daily", now)
	require.Equal(t, PeriodDaily, p)
	require.Equal(t, start, end)

	p, start, _ = Window("weekly", now)
	require.Equal(t, PeriodWeekly, p)
	require.Equal(t, "2026-09-11", start.String())

	p, start, _ = Window("monthly", now)
	require.Equal(t, PeriodMonthly, p)
	require.Equal(t, "2026-09-01", start.String())

	p, _, _ = Window("fortnightly", now)
	require.Equal(t, PeriodWeekly, p)
}

func TestCompetitionOrdersByProgress(t *testing.T) {
	ordered := Competition([]domain.CompetitionParticipant{
		{UserID: "a", CurrentProgress: 100, Rank: 3},
		{UserID: "b", CurrentProgress: 900, Rank: 1},
		{UserID: "c", CurrentProgress: 400, Rank: 2},
	})
	require.Equal(t, "b", ordered[0].UserID)
	require.Equal(t, 1, ordered[0].Rank)
	require.Equal(t, "a", ordered[2].UserID)
	require.Equal(t, 3, ordered[2].Rank)
}

func TestServiceGlobal(t *testing.T) {
	store := memory.NewStore()
	store.PutUser(domain.UserProfile{ID: "u1", Name: "Ada", PrivacyLevel: domain.PrivacyPublic})
	store.PutUser(domain.UserProfile{ID: "u2", Name: "Lin", PrivacyLevel: domain.PrivacyPublic})
	store.PutUser(domain.UserProfile{ID: "u3", Name: "Sam", PrivacyLevel: "friends"})

	now := time.Date(2026, 9, 17, 18, 0, 0, 0, time.UTC)
	ctx := context.Background()
	for _, r := range []domain.DailyStepRecord{
		{UserID: "u1", Date: domain.MustParseDate("2026-09-17"), StepCount: 4000},
		{UserID: "u2", Date: domain.MustParseDate("2026-09-17"), StepCount: 6000},
		{UserID: "u1", Date: domain.MustParseDate("2026-09-12"), StepCount: 5000},
		{UserID: "u2", Date: domain.MustParseDate("2026-09-01"), StepCount: 90000},
		{UserID: "u3", Date: domain.MustParseDate("2026-09-17"), StepCount: 20000},
	} {
		_, err := store.UpsertDailyRecord(ctx, domain.FillDerived(r))
		require.NoError(t, err)
	}

	svc := NewService(store)
	svc.now = func() time.Time { return now }

	daily, err := svc.Global(ctx, "daily", "u1")
	require.NoError(t, err)
	require.Equal(t, "u2", daily.Entries[0].UserID)
	require.NotNil(t, daily.UserRank)
	require.Equal(t, 2, *daily.UserRank)

	weekly, err := svc.Global(ctx, "weekly", "u1")
	require.NoError(t, err)
	require.Equal(t, "u1", weekly.Entries[0].UserID)
	require.Equal(t, 9000, weekly.Entries[0].StepCount)

	monthly, err := svc.Global(ctx, "monthly", "u3")
	require.NoError(t, err)
	require.Equal(t, "u2", monthly.Entries[0].UserID)
	require.Nil(t, monthly.UserRank)
	require.Equal(t, now, monthly.LastUpdated)
}
