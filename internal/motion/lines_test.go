package motion

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFeedLinesEmitsSamples(t *testing.T) {
	b := NewBridge("stdin")
	var got []Sample
	_, err := b.AddListener(func(s Sample) { got = append(got, s) })
	require.NoError(t, err)

	at := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	input := "# header\n0 0 9.8\n\n1.5,2,12\ngeo 52.5 13.4\n0 null 3\n"
	stats, err := FeedLines(context.Background(), strings.NewReader(input), b, func() time.Time { return at })
	require.NoError(t, err)
	require.Equal(t, FeedStats{Emitted: 4}, stats)
	require.Len(t, got, 4)

	require.Equal(t, KindAcceleration, got[0].Kind)
	require.Equal(t, 9.8, got[0].Acceleration.Z)
	require.Equal(t, 12.0, got[1].Acceleration.Z)
	require.Equal(t, KindGeolocation, got[2].Kind)
	require.Equal(t, 52.5, got[2].Position.Lat)
	require.True(t, math.IsNaN(got[3].Acceleration.Y))
	require.Equal(t, at, got[3].Timestamp)
}

func TestFeedLinesSkipsMalformedLines(t *testing.T) {
	b := NewBridge("stdin")
	var zs []float64
	_, err := b.AddListener(func(s Sample) { zs = append(zs, s.Acceleration.Z) })
	require.NoError(t, err)

	input := "0 0 13\n1 2\n0 0 14\na b c\n0 0 15\n0 0 16\n"
	stats, err := FeedLines(context.Background(), strings.NewReader(input), b, nil)
	require.NoError(t, err)
	require.Equal(t, FeedStats{Emitted: 4, Skipped: 2, FirstBadLine: 2}, stats)
	require.Equal(t, []float64{13, 14, 15, 16}, zs)
}

func TestFeedLinesWithoutListenerCountsNothing(t *testing.T) {
	stats, err := FeedLines(context.Background(), strings.NewReader("0 0 9.8\n"), NewBridge("stdin"), nil)
	require.NoError(t, err)
	require.Zero(t, stats.Emitted)
}

func TestFeedLinesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FeedLines(ctx, strings.NewReader("0 0 9.8\n"), NewBridge("stdin"), nil)
	require.ErrorIs(t, err, context.Canceled)
}
