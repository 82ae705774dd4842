package sample

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/danmuck/sensorsync/internal/codec"
)

// ArrayForm selects how the four top-level arrays are framed.
type ArrayForm int

const (
	// Definite arrays carry their count up front (chunk files).
	Definite ArrayForm = iota
	// Indefinite arrays end with a break marker (merged files, where the
	// total is only known after accumulation).
	Indefinite
)

// Payload holds the per-kind tuple arrays of one blob, indexed by Kind.
type Payload [KindCount][]Tuple

// Append adds a tuple after checking its width.
func (p *Payload) Append(k Kind, t Tuple) error {
	if err := (Sample{Kind: k, Values: t}).Validate(); err != nil {
		return err
	}
	p[k] = append(p[k], t)
	return nil
}

// Extend appends every tuple of other in kind order.
func (p *Payload) Extend(other Payload) {
	for k := range other {
		p[k] = append(p[k], other[k]...)
	}
}

// Len returns the combined number of tuples across all kinds.
func (p Payload) Len() int {
	n := 0
	for _, tuples := range p {
		n += len(tuples)
	}
	return n
}

// Reset drops every buffered tuple.
func (p *Payload) Reset() {
	for k := range p {
		p[k] = nil
	}
}

// Encode writes p as a 4-entry map keyed 0..3 and returns the bytes written.
func Encode(w io.Writer, p Payload, form ArrayForm) (int64, error) {
	bw := bufio.NewWriter(w)
	enc := codec.NewEncoder(bw)
	if err := enc.WriteMapHeader(KindCount); err != nil {
		return enc.Written(), err
	}
	for _, k := range Kinds {
		if err := encodeKind(enc, k, p[k], form); err != nil {
			return enc.Written(), fmt.Errorf("encode %s: %w", k, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return enc.Written(), err
	}
	return enc.Written(), nil
}

// Marshal encodes p into a new byte slice.
func Marshal(p Payload, form ArrayForm) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Encode(&buf, p, form); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeKind(enc *codec.Encoder, k Kind, tuples []Tuple, form ArrayForm) error {
	if err := enc.WriteUint(uint64(k)); err != nil {
		return err
	}
	var err error
	if form == Indefinite {
		err = enc.WriteIndefiniteArray()
	} else {
		err = enc.WriteArrayHeader(len(tuples))
	}
	if err != nil {
		return err
	}
	for _, t := range tuples {
		if len(t) != k.Width() {
			return fmt.Errorf("%w: %d fields, want %d", ErrTupleShape, len(t), k.Width())
		}
		if err := enc.WriteFloat64Array(t); err != nil {
			return err
		}
	}
	if form == Indefinite {
		return enc.WriteBreak()
	}
	return nil
}

// Visitor receives decoded tuples in blob order.
type Visitor interface {
	// Sample is called for every tuple of kind k.
	Sample(k Kind, t Tuple) error
	// EndKind is called once the array for k has been fully read.
	EndKind(k Kind) error
}

// Walk decodes a payload map from dec, feeding each tuple to v. Arrays may
// be definite or indefinite. Kinds absent from the map are never visited.
func Walk(dec *codec.Decoder, v Visitor) error {
	n, err := dec.ReadMapHeader()
	if err != nil {
		return err
	}
	if n > KindCount {
		return fmt.Errorf("%w: payload has %d entries", ErrUnknownKind, n)
	}
	var seen [KindCount]bool
	for i := uint64(0); i < n; i++ {
		key, err := dec.ReadUint()
		if err != nil {
			return err
		}
		if key >= KindCount {
			return fmt.Errorf("%w: key %d", ErrUnknownKind, key)
		}
		k := Kind(key)
		if seen[k] {
			return fmt.Errorf("%w: %s", ErrDuplicateKind, k)
		}
		seen[k] = true
		if err := walkKind(dec, k, v); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
	}
	return nil
}

func walkKind(dec *codec.Decoder, k Kind, v Visitor) error {
	count, indefinite, err := dec.ReadArrayHeader()
	if err != nil {
		return err
	}
	for i := uint64(0); indefinite || i < count; i++ {
		if indefinite {
			done, err := dec.PeekBreak()
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
		vals, err := dec.ReadFloat64Array()
		if err != nil {
			return err
		}
		if len(vals) != k.Width() {
			return fmt.Errorf("%w: %d fields, want %d", ErrTupleShape, len(vals), k.Width())
		}
		if err := v.Sample(k, Tuple(vals)); err != nil {
			return err
		}
	}
	return v.EndKind(k)
}

// Decode reads a full payload from dec.
func Decode(dec *codec.Decoder) (Payload, error) {
	var c collector
	if err := Walk(dec, &c); err != nil {
		return Payload{}, err
	}
	return c.p, nil
}

// Unmarshal decodes a payload from b.
func Unmarshal(b []byte) (Payload, error) {
	return Decode(codec.NewBytesDecoder(b))
}

type collector struct {
	p Payload
}

func (c *collector) Sample(k Kind, t Tuple) error {
	c.p[k] = append(c.p[k], t)
	return nil
}

func (c *collector) EndKind(Kind) error { return nil }
