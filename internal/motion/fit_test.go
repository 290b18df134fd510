package motion

import (
	"bytes"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tormoder/fit"
)

func buildTestFIT(t *testing.T, withPositions bool) []byte {
	t.Helper()

	header := fit.NewHeader(fit.V20, true)
	file, err := fit.NewFile(fit.FileTypeActivity, header)
	require.NoError(t, err)

	activity, err := file.Activity()
	require.NoError(t, err)

	start := time.Date(2026, 3, 14, 7, 30, 0, 0, time.UTC)
	coords := [][2]float64{{59.9139, 10.7522}, {59.9140, 10.7522}, {59.9141, 10.7523}}
	for i, c := range coords {
		record := fit.NewRecordMsg()
		record.Timestamp = start.Add(time.Duration(i) * time.Second)
		if withPositions {
			record.PositionLat = fit.NewLatitudeDegrees(c[0])
			record.PositionLong = fit.NewLongitudeDegrees(c[1])
		}
		activity.Records = append(activity.Records, record)
	}

	var buf bytes.Buffer
	require.NoError(t, fit.Encode(&buf, file, binary.LittleEndian))
	return buf.Bytes()
}

func TestFITReplaySourceEmitsPositions(t *testing.T) {
	source, err := NewFITReplaySource(bytes.NewReader(buildTestFIT(t, true)))
	require.NoError(t, err)
	require.Equal(t, 3, source.Len())

	var (
		mu  sync.Mutex
		got []Sample
	)
	reg, err := source.AddListener(func(s Sample) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, s)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, reg.Remove())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, KindGeolocation, got[0].Kind)
	require.InDelta(t, 59.9139, got[0].Position.Lat, 1e-4)
	require.True(t, got[0].Timestamp.Before(got[2].Timestamp))
}

func TestFITReplaySourceRequiresPositions(t *testing.T) {
	_, err := NewFITReplaySource(bytes.NewReader(buildTestFIT(t, false)))
	require.ErrorIs(t, err, ErrNoPositions)
}
