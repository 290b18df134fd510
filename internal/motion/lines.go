package motion

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// FeedStats summarises one FeedLines run.
type FeedStats struct {
	Emitted int
	// Skipped counts lines that could not be parsed.
	Skipped int
	// FirstBadLine is the 1-based number of the first skipped line, zero when none was.
	FirstBadLine int
}

// FeedLines reads one reading per line from r and emits it on b, stamped with now().
// Accepted forms are "x y z" for acceleration (an axis may be "null") and "geo lat lon"
// for a position fix. Blank lines and lines starting with '#' are ignored. A malformed
// line is counted in Skipped and scanning continues with the next one. It returns when
// r is exhausted or ctx is done.
func FeedLines(ctx context.Context, r io.Reader, b *Bridge, now func() time.Time) (FeedStats, error) {
	if now == nil {
		now = time.Now
	}
	scanner := bufio.NewScanner(r)
	var stats FeedStats
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		sample, err := parseLine(text, now())
		if err != nil {
			stats.Skipped++
			if stats.FirstBadLine == 0 {
				stats.FirstBadLine = line
			}
			continue
		}
		if b.Emit(sample) {
			stats.Emitted++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read samples: %w", err)
	}
	return stats, nil
}

func parseLine(text string, at time.Time) (Sample, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool { return r == ' ' || r == '\t' || r == ',' })
	if len(fields) == 3 && fields[0] == "geo" {
		lat, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Sample{}, fmt.Errorf("latitude: %w", err)
		}
		lon, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return Sample{}, fmt.Errorf("longitude: %w", err)
		}
		return GeolocationSample(at, lat, lon), nil
	}
	if len(fields) != 3 {
		return Sample{}, fmt.Errorf("want 3 fields, got %d", len(fields))
	}
	var axes [3]float64
	for i, f := range fields {
		if f == "null" {
			axes[i] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return Sample{}, fmt.Errorf("axis %d: %w", i, err)
		}
		axes[i] = v
	}
	return AccelerationSample(at, axes[0], axes[1], axes[2]), nil
}
