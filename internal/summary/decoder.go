// Package summary derives per-kind statistics and chart points from a
// merged blob in one streaming pass.
package summary

import (
	"context"
	"io"

	"github.com/danmuck/sensorsync/internal/codec"
	"github.com/danmuck/sensorsync/internal/observability"
	"github.com/danmuck/sensorsync/internal/sample"
)

// DefaultProgressInterval is the number of samples within one key between
// progress reports.
const DefaultProgressInterval = 10000

// KilometersPerHour converts m/s to km/h.
const KilometersPerHour = 3.6

const cancelCheckEvery = 256

// Point is one entry of a time-indexed series. IDs increase across every
// series produced by one decode.
type Point struct {
	ID        int64   `json:"id"`
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Progress is pushed to an Observer while a decode runs.
type Progress struct {
	Kind     string   `json:"kind"`
	KindDone bool     `json:"kindDone"`
	Done     bool     `json:"done"`
	Offset   int64    `json:"offset"`
	Total    int64    `json:"total"`
	Snapshot Snapshot `json:"snapshot"`
}

// Fraction reports progress in [0,1]; 0 when the total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Offset) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}

// Observer receives progress snapshots on the decoding goroutine.
type Observer func(Progress)

// Summary is the final result of decoding one merged blob.
type Summary struct {
	WorkoutID string   `json:"workoutId"`
	Digest    string   `json:"digest"`
	SizeBytes int64    `json:"sizeBytes"`
	Snapshot  Snapshot `json:"snapshot"`
	HeartRate []Point  `json:"heartRate"`
	Speed     []Point  `json:"speed"`
}

// Options controls a decode.
type Options struct {
	// Total is the source size used for progress; 0 when unknown.
	Total    int64
	Interval int
	Observer Observer
}

// Decode reads a payload map from r without materializing the tuple
// arrays. Cancelling ctx stops the decode between samples.
func Decode(ctx context.Context, r io.Reader, opts Options) (Summary, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultProgressInterval
	}
	w := &walker{
		ctx:  ctx,
		dec:  codec.NewDecoder(r),
		acc:  newAccumulator(),
		opts: opts,
	}
	if err := sample.Walk(w.dec, w); err != nil {
		return Summary{}, err
	}
	out := Summary{
		SizeBytes: w.dec.Offset(),
		Snapshot:  w.acc.snap,
		HeartRate: w.heartRate,
		Speed:     w.speed,
	}
	if out.HeartRate == nil {
		out.HeartRate = []Point{}
	}
	if out.Speed == nil {
		out.Speed = []Point{}
	}
	w.push("", false, true)
	return out, nil
}

type walker struct {
	ctx    context.Context
	dec    *codec.Decoder
	acc    *accumulator
	opts   Options
	inKey  int
	nextID int64

	heartRate []Point
	speed     []Point
}

func (w *walker) Sample(k sample.Kind, t sample.Tuple) error {
	if w.inKey%cancelCheckEvery == 0 {
		if err := w.ctx.Err(); err != nil {
			return err
		}
	}
	v, ok := w.acc.add(k, t)
	if ok {
		switch k {
		case sample.HeartRate:
			w.heartRate = append(w.heartRate, w.point(t, v))
		case sample.Location:
			w.speed = append(w.speed, w.point(t, v*KilometersPerHour))
		}
	}
	w.inKey++
	if w.inKey%w.opts.Interval == 0 {
		w.push(k.String(), false, false)
	}
	return nil
}

func (w *walker) EndKind(k sample.Kind) error {
	observability.RecordDecodedSamples(k.String(), w.inKey)
	w.push(k.String(), true, false)
	w.inKey = 0
	return nil
}

func (w *walker) point(t sample.Tuple, v float64) Point {
	w.nextID++
	return Point{ID: w.nextID, Timestamp: t[sample.FieldTimestamp], Value: v}
}

func (w *walker) push(kind string, kindDone, done bool) {
	if w.opts.Observer == nil {
		return
	}
	w.opts.Observer(Progress{
		Kind:     kind,
		KindDone: kindDone,
		Done:     done,
		Offset:   w.dec.Offset(),
		Total:    w.opts.Total,
		Snapshot: w.acc.snap,
	})
}
