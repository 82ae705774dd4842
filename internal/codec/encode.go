package codec

import (
	"encoding/binary"
	"io"
	"math"
	"unicode/utf8"
)

// Encoder writes tagged values to an underlying writer. Callers that emit
// many small values should hand it a buffered writer.
type Encoder struct {
	w   io.Writer
	buf [9]byte
	n   int64
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Written reports the number of bytes emitted so far.
func (e *Encoder) Written() int64 {
	return e.n
}

// WriteUint writes v with the smallest width that holds it.
func (e *Encoder) WriteUint(v uint64) error {
	return e.writeHead(MajorUint, v)
}

// WriteFloat64 writes f as a fixed 9-byte value.
func (e *Encoder) WriteFloat64(f float64) error {
	e.buf[0] = tagFloat64
	binary.BigEndian.PutUint64(e.buf[1:9], math.Float64bits(f))
	return e.write(e.buf[:9])
}

// WriteText writes a length-prefixed utf-8 string.
func (e *Encoder) WriteText(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	if err := e.writeHead(MajorText, uint64(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	return e.write([]byte(s))
}

// WriteBytes writes a length-prefixed byte string.
func (e *Encoder) WriteBytes(b []byte) error {
	if err := e.writeHead(MajorBytes, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return e.write(b)
}

// WriteArrayHeader starts a definite-length array of n items.
func (e *Encoder) WriteArrayHeader(n int) error {
	return e.writeHead(MajorArray, uint64(n))
}

// WriteIndefiniteArray starts an array whose end is marked by WriteBreak.
func (e *Encoder) WriteIndefiniteArray() error {
	e.buf[0] = tagIndefiniteArray
	return e.write(e.buf[:1])
}

// WriteBreak terminates the innermost indefinite-length array.
func (e *Encoder) WriteBreak() error {
	e.buf[0] = tagBreak
	return e.write(e.buf[:1])
}

// WriteMapHeader starts a definite-length map of n key/value pairs.
func (e *Encoder) WriteMapHeader(n int) error {
	return e.writeHead(MajorMap, uint64(n))
}

// WriteFloat64Array writes vals as a definite-length array of float64.
func (e *Encoder) WriteFloat64Array(vals []float64) error {
	if err := e.WriteArrayHeader(len(vals)); err != nil {
		return err
	}
	for _, v := range vals {
		if err := e.WriteFloat64(v); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) writeHead(m Major, v uint64) error {
	var n int
	switch {
	case v <= infoImmediateMax:
		e.buf[0] = tag(m, byte(v))
		n = 1
	case v <= math.MaxUint8:
		e.buf[0] = tag(m, info8)
		e.buf[1] = byte(v)
		n = 2
	case v <= math.MaxUint16:
		e.buf[0] = tag(m, info16)
		binary.BigEndian.PutUint16(e.buf[1:3], uint16(v))
		n = 3
	case v <= math.MaxUint32:
		e.buf[0] = tag(m, info32)
		binary.BigEndian.PutUint32(e.buf[1:5], uint32(v))
		n = 5
	default:
		e.buf[0] = tag(m, info64)
		binary.BigEndian.PutUint64(e.buf[1:9], v)
		n = 9
	}
	return e.write(e.buf[:n])
}

func (e *Encoder) write(p []byte) error {
	n, err := e.w.Write(p)
	e.n += int64(n)
	return err
}
