package main

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/danmuck/sensorsync/internal/sample"
)

// Per-second sample rates of the synthetic workout.
const (
	heartRateHz = 1
	locationHz  = 1
	motionHz    = 50
)

// sink receives generated samples. *producer.Session satisfies it.
type sink interface {
	Add(k sample.Kind, t sample.Tuple) error
}

type simulation struct {
	start   time.Time
	seconds int
	pace    time.Duration
	rng     *rand.Rand
}

// samplesPerSecond is the tuple count emitted for one simulated second.
func samplesPerSecond() int {
	return heartRateHz + locationHz + 2*motionHz
}

// run emits seconds worth of samples into s. A non-zero pace sleeps between
// simulated seconds so interval flushes fire.
func (sim simulation) run(ctx context.Context, s sink) (int, error) {
	base := float64(sim.start.Unix()) + float64(sim.start.Nanosecond())/float64(time.Second)
	lat, lon := 47.6062, -122.3321
	total := 0
	for sec := 0; sec < sim.seconds; sec++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		ts := base + float64(sec)

		bpm := 120 + 25*math.Sin(float64(sec)/60) + sim.rng.Float64()*4
		if err := s.Add(sample.HeartRate, sample.Tuple{ts, bpm}); err != nil {
			return total, err
		}
		total++

		speed := 3 + sim.rng.Float64()
		lat += speed * 1e-5
		lon += speed * 5e-6
		loc := sample.Tuple{ts, lat, lon, 52 + sim.rng.Float64(), 5, 3, speed, 45}
		if err := s.Add(sample.Location, loc); err != nil {
			return total, err
		}
		total++

		for i := 0; i < motionHz; i++ {
			mts := ts + float64(i)/motionHz
			phase := 2 * math.Pi * float64(i) / motionHz
			accel := sample.Tuple{mts, 0.3 * math.Sin(phase), 0.2 * math.Cos(phase), -1 + 0.1*sim.rng.NormFloat64()}
			if err := s.Add(sample.Accelerometer, accel); err != nil {
				return total, err
			}
			motion := sample.Tuple{
				mts,
				0.05 * math.Sin(phase), 0.04 * math.Cos(phase), 0.01,
				sim.rng.NormFloat64() * 0.1, sim.rng.NormFloat64() * 0.1, sim.rng.NormFloat64() * 0.1,
				accel[1], accel[2], accel[3] + 1,
				45,
			}
			if err := s.Add(sample.DeviceMotion, motion); err != nil {
				return total, err
			}
			total += 2
		}

		if sim.pace > 0 {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(sim.pace):
			}
		}
	}
	return total, nil
}
