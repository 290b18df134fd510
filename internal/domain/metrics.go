package domain

import "math"

// Per-step coefficients. Persisted and compared data depend on these exact values.
const (
	KilometersPerStep    = 0.0008
	CaloriesPerStep      = 0.04
	ActiveMinutesPerStep = 0.01
)

// Metrics are the estimates derived from a step count.
type Metrics struct {
	Distance      float64
	Calories      int
	ActiveMinutes int
}

// Distance returns kilometres walked, rounded to two decimals.
func Distance(steps int) float64 {
	return math.Round(float64(steps)*KilometersPerStep*100) / 100
}

// Calories returns the rounded calorie estimate.
func Calories(steps int) int {
	return int(math.Round(float64(steps) * CaloriesPerStep))
}

// ActiveMinutes returns the rounded active-minutes estimate.
func ActiveMinutes(steps int) int {
	return int(math.Round(float64(steps) * ActiveMinutesPerStep))
}

// Derive computes every estimate for steps.
func Derive(steps int) Metrics {
	return Metrics{
		Distance:      Distance(steps),
		Calories:      Calories(steps),
		ActiveMinutes: ActiveMinutes(steps),
	}
}

// FillDerived populates derived fields the caller left at zero.
func FillDerived(record DailyStepRecord) DailyStepRecord {
	m := Derive(record.StepCount)
	if record.Distance == 0 {
		record.Distance = m.Distance
	}
	if record.Calories == 0 {
		record.Calories = m.Calories
	}
	if record.ActiveMinutes == 0 {
		record.ActiveMinutes = m.ActiveMinutes
	}
	return record
}
