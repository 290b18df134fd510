package motion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/tormoder/fit"
)

// ErrNoPositions is returned when a FIT activity carries no usable position records.
var ErrNoPositions = errors.New("fit activity has no position records")

// FITReplaySource replays the position records of a FIT activity file as geolocation samples.
type FITReplaySource struct {
	name   string
	points []Sample
	speed  float64
}

// FITOption configures a FITReplaySource.
type FITOption func(*FITReplaySource)

// WithReplaySpeed paces samples at the recorded gaps divided by speed. Zero replays
// without pauses.
func WithReplaySpeed(speed float64) FITOption {
	return func(s *FITReplaySource) {
		if speed >= 0 {
			s.speed = speed
		}
	}
}

// OpenFITReplaySource decodes the FIT file at path.
func OpenFITReplaySource(path string, opts ...FITOption) (*FITReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open FIT file: %w", err)
	}
	defer f.Close()
	return NewFITReplaySource(f, opts...)
}

// NewFITReplaySource decodes a FIT activity from r.
func NewFITReplaySource(r io.Reader, opts ...FITOption) (*FITReplaySource, error) {
	decoded, err := fit.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode FIT file: %w", err)
	}
	activity, err := decoded.Activity()
	if err != nil {
		return nil, fmt.Errorf("activity FIT expected: %w", err)
	}

	points := make([]Sample, 0, len(activity.Records))
	for _, rec := range activity.Records {
		if rec == nil || rec.PositionLat.Invalid() || rec.PositionLong.Invalid() {
			continue
		}
		if rec.Timestamp.IsZero() || fit.IsBaseTime(rec.Timestamp) {
			continue
		}
		points = append(points, GeolocationSample(rec.Timestamp, rec.PositionLat.Degrees(), rec.PositionLong.Degrees()))
	}
	if len(points) == 0 {
		return nil, ErrNoPositions
	}
	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})

	s := &FITReplaySource{name: "fit", points: points}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Name implements Source.
func (s *FITReplaySource) Name() string {
	return s.name
}

// RequestPermission implements Source.
func (s *FITReplaySource) RequestPermission(context.Context) error {
	return nil
}

// Len returns the number of position samples.
func (s *FITReplaySource) Len() int {
	return len(s.points)
}

// AddListener implements Source. Replay starts immediately and ends after the last record.
func (s *FITReplaySource) AddListener(listener Listener) (Registration, error) {
	return startLoop(func(stop <-chan struct{}) {
		for i, point := range s.points {
			if i > 0 && s.speed > 0 {
				gap := time.Duration(float64(point.Timestamp.Sub(s.points[i-1].Timestamp)) / s.speed)
				timer := time.NewTimer(gap)
				select {
				case <-stop:
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			select {
			case <-stop:
				return
			default:
			}
			listener(point)
		}
	}), nil
}
