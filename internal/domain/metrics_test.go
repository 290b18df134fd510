package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveTenThousandSteps(t *testing.T) {
	m := Derive(10000)
	require.InDelta(t, 8.0, m.Distance, 1e-9)
	require.Equal(t, 400, m.Calories)
	require.Equal(t, 100, m.ActiveMinutes)
}

func TestDeriveRounds(t *testing.T) {
	m := Derive(8547)
	require.InDelta(t, 6.84, m.Distance, 1e-9)
	require.Equal(t, 342, m.Calories)
	require.Equal(t, 85, m.ActiveMinutes)

	require.Equal(t, Metrics{}, Derive(0))
}

func TestFillDerivedKeepsCallerValues(t *testing.T) {
	record := FillDerived(DailyStepRecord{StepCount: 10000, Calories: 350})
	require.Equal(t, 350, record.Calories)
	require.InDelta(t, 8.0, record.Distance, 1e-9)
	require.Equal(t, 100, record.ActiveMinutes)
}
