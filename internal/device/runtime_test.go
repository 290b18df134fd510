package device

import (
	"bytes"
	"context"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/stepcount/internal/config"
	"example.com/stepcount/internal/domain"
	"example.com/stepcount/internal/motion"
	"example.com/stepcount/internal/persistence/memory"
	"example.com/stepcount/internal/reconcile"
)

var errOffline = errors.New("offline")

// flakyStore fails every call while offline is set.
type flakyStore struct {
	*memory.Store
	mu      sync.Mutex
	offline bool
}

func (s *flakyStore) setOffline(v bool) {
	s.mu.Lock()
	s.offline = v
	s.mu.Unlock()
}

func (s *flakyStore) down() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

func (s *flakyStore) UpsertDailyRecord(ctx context.Context, r domain.DailyStepRecord) (domain.DailyStepRecord, error) {
	if s.down() {
		return domain.DailyStepRecord{}, errOffline
	}
	return s.Store.UpsertDailyRecord(ctx, r)
}

func (s *flakyStore) FetchDailyRecord(ctx context.Context, userID string, date domain.Date) (*domain.DailyStepRecord, error) {
	if s.down() {
		return nil, errOffline
	}
	return s.Store.FetchDailyRecord(ctx, userID, date)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var morning = time.Date(2026, 10, 2, 8, 0, 0, 0, time.UTC)

func deviceConfig() *config.Device {
	return &config.Device{
		UserID:           "u1",
		AutosaveEvery:    -1,
		FlushSchedule:    "@every 1h",
		RolloverSchedule: "0 0 * * *",
	}
}

func newRuntime(t *testing.T, store domain.RecordStore, queue reconcile.Queue, clk *clock) (*Runtime, *motion.Bridge) {
	t.Helper()
	bridge := motion.NewBridge("motion")
	rt, err := New(deviceConfig(), Deps{Store: store, Queue: queue, Source: bridge},
		WithLogger(log.New(&bytes.Buffer{}, "", 0)), WithClock(clk.Now), WithLocation(time.UTC))
	require.NoError(t, err)
	return rt, bridge
}

func walk(b *motion.Bridge, at time.Time, steps int) {
	b.Emit(motion.SimulatedSample(at, steps))
}

func TestRuntimeHydratesTracksAndSavesOnStop(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	_, err := store.Store.UpsertDailyRecord(context.Background(), domain.DailyStepRecord{UserID: "u1", Date: domain.DateOf(morning), StepCount: 40})
	require.NoError(t, err)

	clk := &clock{now: morning}
	rt, bridge := newRuntime(t, store, reconcile.NewMemoryQueue(), clk)
	ctx := context.Background()

	require.NoError(t, rt.Start(ctx))
	require.Equal(t, 40, rt.Tracker().StepCount())

	walk(bridge, morning, 5)
	require.NoError(t, rt.Stop(ctx))
	require.False(t, bridge.Listening())

	stored, err := store.FetchDailyRecord(ctx, "u1", domain.DateOf(morning))
	require.NoError(t, err)
	require.Equal(t, 45, stored.StepCount)
	require.Equal(t, domain.Calories(45), stored.Calories)
}

func TestRuntimeQueuesWhileOfflineAndFlushesLater(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), offline: true}
	queue := reconcile.NewMemoryQueue()
	clk := &clock{now: morning}
	rt, bridge := newRuntime(t, store, queue, clk)
	ctx := context.Background()

	require.NoError(t, rt.Start(ctx))
	walk(bridge, morning, 12)
	require.NoError(t, rt.Stop(ctx))

	n, err := queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, store.RecordCount())

	store.setOffline(false)
	report, err := rt.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded())

	stored, err := store.FetchDailyRecord(ctx, "u1", domain.DateOf(morning))
	require.NoError(t, err)
	require.Equal(t, 12, stored.StepCount)
}

func TestRuntimeRolloverSavesFinishedDay(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	clk := &clock{now: morning}
	rt, bridge := newRuntime(t, store, reconcile.NewMemoryQueue(), clk)
	ctx := context.Background()

	require.NoError(t, rt.Start(ctx))
	walk(bridge, morning, 30)

	next := morning.Add(24 * time.Hour)
	clk.Set(next)
	require.True(t, rt.Rollover(ctx))
	require.Zero(t, rt.Tracker().StepCount())
	require.Equal(t, domain.DateOf(next), rt.Tracker().Session().Day)

	walk(bridge, next, 3)
	require.NoError(t, rt.Stop(ctx))

	finished, err := store.FetchDailyRecord(ctx, "u1", domain.DateOf(morning))
	require.NoError(t, err)
	require.Equal(t, 30, finished.StepCount)
	today, err := store.FetchDailyRecord(ctx, "u1", domain.DateOf(next))
	require.NoError(t, err)
	require.Equal(t, 3, today.StepCount)
}

func TestRuntimeFallsBackWhenSensorMissing(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	missing := motion.NewBridge("motion", motion.WithAvailability(false))
	fallback := motion.NewBridge("simulation")
	rt, err := New(deviceConfig(), Deps{Store: store, Queue: reconcile.NewMemoryQueue(), Source: missing, Fallback: fallback},
		WithLogger(log.New(&bytes.Buffer{}, "", 0)), WithLocation(time.UTC))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	require.Equal(t, "simulation", rt.Tracker().Session().Source)
	require.True(t, fallback.Listening())
	require.NoError(t, rt.Stop(ctx))
}

func TestRuntimeFailsWithoutAnySource(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore()}
	missing := motion.NewBridge("motion", motion.WithAvailability(false))
	rt, err := New(deviceConfig(), Deps{Store: store, Queue: reconcile.NewMemoryQueue(), Source: missing},
		WithLogger(log.New(&bytes.Buffer{}, "", 0)))
	require.NoError(t, err)

	err = rt.Start(context.Background())
	require.ErrorIs(t, err, motion.ErrSensorUnavailable)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := deviceConfig()
	cfg.FlushSchedule = "every so often"
	_, err := New(cfg, Deps{Store: memory.NewStore(), Queue: reconcile.NewMemoryQueue(), Source: motion.NewBridge("m")})
	require.ErrorContains(t, err, "flush schedule")
}

func TestSources(t *testing.T) {
	cfg := deviceConfig()
	cfg.Source = config.SourceMotion
	cfg.FallbackToSimulation = true
	primary, fallback, bridge, err := Sources(cfg)
	require.NoError(t, err)
	require.Same(t, bridge, primary)
	require.Equal(t, "simulation", fallback.Name())

	cfg.Source = config.SourceSimulation
	primary, fallback, bridge, err = Sources(cfg)
	require.NoError(t, err)
	require.Equal(t, "simulation", primary.Name())
	require.Nil(t, fallback)
	require.Nil(t, bridge)

	cfg.Source = config.SourceFIT
	cfg.FIT.Path = filepath.Join(t.TempDir(), "missing.fit")
	_, _, _, err = Sources(cfg)
	require.Error(t, err)
}
