package summary

import (
	"math"

	"github.com/danmuck/sensorsync/internal/sample"
)

// KindStats aggregates the metric tracked for one sample kind.
type KindStats struct {
	Kind    string  `json:"kind"`
	Count   int64   `json:"count"`
	Skipped int64   `json:"skipped,omitempty"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Sum     float64 `json:"sum"`
}

func (s KindStats) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Snapshot is the running state pushed to observers.
type Snapshot struct {
	Kinds          [sample.KindCount]KindStats `json:"kinds"`
	Samples        int64                       `json:"samples"`
	FirstTimestamp float64                     `json:"firstTimestamp"`
	LastTimestamp  float64                     `json:"lastTimestamp"`
}

// Duration returns the span between the earliest and latest timestamp in
// seconds.
func (s Snapshot) Duration() float64 {
	if s.Samples == 0 {
		return 0
	}
	return s.LastTimestamp - s.FirstTimestamp
}

// Metric extracts the tracked value from a tuple. ok is false when the
// tuple carries no usable value for its kind.
func Metric(k sample.Kind, t sample.Tuple) (float64, bool) {
	switch k {
	case sample.HeartRate:
		return t[sample.HeartRateBPM], true
	case sample.Location:
		speed := t[sample.LocationSpeed]
		if speed < 0 {
			return 0, false
		}
		return speed, true
	case sample.Accelerometer:
		return magnitude(t[sample.AccelX], t[sample.AccelY], t[sample.AccelZ]), true
	case sample.DeviceMotion:
		return magnitude(t[sample.MotionUserAccelX], t[sample.MotionUserAccelY], t[sample.MotionUserAccelZ]), true
	default:
		return 0, false
	}
}

func magnitude(x, y, z float64) float64 {
	return math.Sqrt(x*x + y*y + z*z)
}

type accumulator struct {
	snap Snapshot
}

func newAccumulator() *accumulator {
	a := &accumulator{}
	for _, k := range sample.Kinds {
		a.snap.Kinds[k].Kind = k.String()
	}
	return a
}

// add folds t into the running state and returns the metric value.
func (a *accumulator) add(k sample.Kind, t sample.Tuple) (float64, bool) {
	ts := t[sample.FieldTimestamp]
	if a.snap.Samples == 0 || ts < a.snap.FirstTimestamp {
		a.snap.FirstTimestamp = ts
	}
	if a.snap.Samples == 0 || ts > a.snap.LastTimestamp {
		a.snap.LastTimestamp = ts
	}
	a.snap.Samples++

	stats := &a.snap.Kinds[k]
	v, ok := Metric(k, t)
	if !ok {
		stats.Skipped++
		return 0, false
	}
	if stats.Count == 0 || v < stats.Min {
		stats.Min = v
	}
	if stats.Count == 0 || v > stats.Max {
		stats.Max = v
	}
	stats.Sum += v
	stats.Count++
	return v, true
}
