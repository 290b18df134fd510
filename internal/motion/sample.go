// Package motion turns device sensors into a stream of samples for step detection.
package motion

import (
	"errors"
	"math"
	"time"
)

var (
	// ErrPermissionDenied is returned when the user refuses sensor access.
	ErrPermissionDenied = errors.New("motion permission denied")
	// ErrSensorUnavailable is returned when the device has no usable sensor.
	ErrSensorUnavailable = errors.New("motion sensor unavailable")
)

// Kind identifies what a sample carries.
type Kind string

const (
	KindAcceleration Kind = "acceleration"
	KindGeolocation  Kind = "geolocation"
	KindSimulated    Kind = "simulated"
)

// Vector is a 3-axis acceleration reading in m/s². A NaN axis means the platform reported null.
type Vector struct {
	X float64
	Y float64
	Z float64
}

// Magnitude returns the Euclidean norm.
func (v Vector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Finite reports whether every axis is a real number.
func (v Vector) Finite() bool {
	for _, axis := range []float64{v.X, v.Y, v.Z} {
		if math.IsNaN(axis) || math.IsInf(axis, 0) {
			return false
		}
	}
	return true
}

// Sample is one reading delivered by a Source. Only the field matching Kind is meaningful.
type Sample struct {
	Timestamp    time.Time
	Kind         Kind
	Acceleration Vector
	Position     GeoPoint
	Steps        int
}

// AccelerationSample builds an acceleration sample.
func AccelerationSample(at time.Time, x, y, z float64) Sample {
	return Sample{Timestamp: at, Kind: KindAcceleration, Acceleration: Vector{X: x, Y: y, Z: z}}
}

// GeolocationSample builds a position fix.
func GeolocationSample(at time.Time, lat, lon float64) Sample {
	return Sample{Timestamp: at, Kind: KindGeolocation, Position: GeoPoint{Lat: lat, Lon: lon}}
}

// SimulatedSample builds a synthetic tick worth steps.
func SimulatedSample(at time.Time, steps int) Sample {
	return Sample{Timestamp: at, Kind: KindSimulated, Steps: steps}
}
