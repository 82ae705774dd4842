// Package sample defines the four sensor tuple layouts and the 4-key payload
// map carried by chunk and merged blobs.
package sample

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKind   = errors.New("sample: unknown kind")
	ErrDuplicateKind = errors.New("sample: duplicate kind in payload")
	ErrTupleShape    = errors.New("sample: tuple width does not match kind")
)

// Kind keys one of the fixed tuple layouts.
type Kind uint8

const (
	HeartRate     Kind = 0 // [ts, bpm]
	Location      Kind = 1 // [ts, lat, lon, alt, hAcc, vAcc, speed, course]
	Accelerometer Kind = 2 // [ts, x, y, z]
	DeviceMotion  Kind = 3 // [ts, roll, pitch, yaw, rx, ry, rz, uax, uay, uaz, heading]
)

// KindCount is the number of sample kinds in every payload.
const KindCount = 4

// Kinds lists every kind in key order.
var Kinds = [KindCount]Kind{HeartRate, Location, Accelerometer, DeviceMotion}

// Field offsets used by consumers of the tuples.
const (
	FieldTimestamp = 0

	HeartRateBPM = 1

	LocationLatitude  = 1
	LocationLongitude = 2
	LocationAltitude  = 3
	LocationSpeed     = 6
	LocationCourse    = 7

	AccelX = 1
	AccelY = 2
	AccelZ = 3

	MotionUserAccelX = 7
	MotionUserAccelY = 8
	MotionUserAccelZ = 9
	MotionHeading    = 10
)

var widths = [KindCount]int{2, 8, 4, 11}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return int(k) < KindCount
}

// Width returns the tuple length for k.
func (k Kind) Width() int {
	if !k.Valid() {
		return 0
	}
	return widths[k]
}

func (k Kind) String() string {
	switch k {
	case HeartRate:
		return "heart_rate"
	case Location:
		return "location"
	case Accelerometer:
		return "accelerometer"
	case DeviceMotion:
		return "device_motion"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tuple is one sample: a timestamp followed by kind-specific fields.
type Tuple []float64

// Timestamp returns the leading epoch-seconds field.
func (t Tuple) Timestamp() float64 {
	if len(t) == 0 {
		return 0
	}
	return t[FieldTimestamp]
}

// Sample pairs a tuple with its kind.
type Sample struct {
	Kind   Kind      `json:"kind"`
	Values []float64 `json:"values"`
}

// Validate checks the tuple width against the kind.
func (s Sample) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, s.Kind)
	}
	if len(s.Values) != s.Kind.Width() {
		return fmt.Errorf("%w: %s has %d fields, want %d", ErrTupleShape, s.Kind, len(s.Values), s.Kind.Width())
	}
	return nil
}
