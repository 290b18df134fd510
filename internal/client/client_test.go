package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/stepcount/internal/api"
	"example.com/stepcount/internal/auth"
	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/leaderboard"
	"example.com/stepcount/internal/persistence/memory"
	"example.com/stepcount/internal/platform/authlib"
	"example.com/stepcount/internal/reconcile"
)

var _ domain.RecordStore = (*Client)(nil)

type fixture struct {
	store  *memory.Store
	server *httptest.Server
	authn  authlib.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	authn := authlib.Config{Secret: "test-secret", Issuer: "stepcount.test"}

	mux := http.NewServeMux()
	api.NewHandler(domain.NewService(store), store, leaderboard.NewService(store)).RegisterRoutes(mux)
	server := httptest.NewServer(auth.NewMiddleware(authn).Wrap(mux))
	t.Cleanup(server.Close)

	return &fixture{store: store, server: server, authn: authn}
}

func (f *fixture) client(t *testing.T, subject string, scopes ...string) *Client {
	t.Helper()
	token, err := authlib.Issue(f.authn, subject, scopes, time.Hour)
	require.NoError(t, err)
	return New(f.server.URL+"/", token, WithTimeout(5*time.Second))
}

func TestClientRoundTripsRecords(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "user-1", auth.ScopeStepsWrite, auth.ScopeStepsRead)
	ctx := context.Background()

	stored, err := c.UpsertDailyRecord(ctx, domain.DailyStepRecord{
		UserID:    "user-1",
		Date:      domain.MustParseDate("2024-03-04"),
		StepCount: 8547,
	})
	require.NoError(t, err)
	require.Equal(t, 6.84, stored.Distance)
	require.Equal(t, 342, stored.Calories)

	got, err := c.FetchDailyRecord(ctx, "user-1", domain.MustParseDate("2024-03-04"))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 8547, got.StepCount)

	missing, err := c.FetchDailyRecord(ctx, "user-1", domain.MustParseDate("2024-03-05"))
	require.NoError(t, err)
	require.Nil(t, missing)

	_, err = c.UpsertDailyRecord(ctx, domain.DailyStepRecord{UserID: "user-1", Date: domain.MustParseDate("2024-03-02"), StepCount: 10})
	require.NoError(t, err)

	records, err := c.FetchRange(ctx, "user-1", domain.MustParseDate("2024-03-01"), domain.MustParseDate("2024-03-31"))
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, domain.MustParseDate("2024-03-04"), records[0].Date)
}

func TestClientInsertsSessions(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "user-1", auth.ScopeStepsWrite)

	stored, err := c.InsertActivitySession(context.Background(), domain.ActivitySession{
		UserID:       "user-1",
		ActivityType: "walk",
		StartTime:    time.Date(2024, 3, 4, 7, 0, 0, 0, time.UTC),
		Steps:        1200,
	})
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)
	require.Len(t, f.store.Sessions(), 1)
}

func TestClientMapsErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := New(f.server.URL, "garbage").FetchDailyRecord(ctx, "user-1", domain.MustParseDate("2024-03-04"))
	require.ErrorIs(t, err, ErrUnauthorized)

	c := f.client(t, "user-1", auth.ScopeStepsWrite)
	_, err = c.UpsertDailyRecord(ctx, domain.DailyStepRecord{UserID: "user-1", Date: domain.MustParseDate("2024-03-04"), StepCount: -1})
	require.ErrorIs(t, err, domain.ErrInvalidRecord)

	_, err = c.UpsertDailyRecord(ctx, domain.DailyStepRecord{UserID: "user-2", Date: domain.MustParseDate("2024-03-04"), StepCount: 1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.Status)
	require.Equal(t, "forbidden", apiErr.Type)
}

func TestClientLeaderboard(t *testing.T) {
	f := newFixture(t)
	today := domain.DateOf(time.Now())
	f.store.PutUser(domain.UserProfile{ID: "a", Name: "Ada", PrivacyLevel: domain.PrivacyPublic})
	f.store.PutUser(domain.UserProfile{ID: "b", Name: "Bo", PrivacyLevel: domain.PrivacyPublic})
	_, _ = f.store.UpsertDailyRecord(context.Background(), domain.DailyStepRecord{UserID: "a", Date: today, StepCount: 500})
	_, _ = f.store.UpsertDailyRecord(context.Background(), domain.DailyStepRecord{UserID: "b", Date: today, StepCount: 900})

	board, err := f.client(t, "a", auth.ScopeStepsRead).Leaderboard(context.Background(), leaderboard.PeriodDaily, "")
	require.NoError(t, err)
	require.Equal(t, leaderboard.PeriodDaily, board.Period)
	require.Len(t, board.Entries, 2)
	require.Equal(t, "b", board.Entries[0].UserID)
	require.NotNil(t, board.UserRank)
	require.Equal(t, 2, *board.UserRank)
}

func TestReconcilerSyncsThroughClient(t *testing.T) {
	f := newFixture(t)
	c := f.client(t, "user-1", auth.ScopeStepsWrite)
	queue := reconcile.NewMemoryQueue()
	r := reconcile.New(c, queue)
	ctx := context.Background()

	_, err := r.EnqueueRecord(ctx, domain.DailyStepRecord{UserID: "user-1", Date: domain.MustParseDate("2024-03-04"), StepCount: 300})
	require.NoError(t, err)
	_, err = r.EnqueueSession(ctx, domain.ActivitySession{UserID: "user-1", ActivityType: "run", StartTime: time.Now().UTC()})
	require.NoError(t, err)

	report, err := r.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded())
	require.Equal(t, 1, f.store.RecordCount())

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
