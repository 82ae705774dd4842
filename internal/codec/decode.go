package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"unicode/utf8"
)

// Decoder reads tagged values from a byte source. Every read asserts the
// expected major type and never consumes past the end of the source.
type Decoder struct {
	r         io.ByteScanner
	offset    int64
	remaining int64 // -1 when the source length is unknown
	maxLength uint64
}

// NewDecoder returns a decoder over r. When r does not support byte-level
// reads it is wrapped in a bufio.Reader.
func NewDecoder(r io.Reader) *Decoder {
	bs, ok := r.(io.ByteScanner)
	if !ok {
		bs = bufio.NewReader(r)
	}
	return &Decoder{r: bs, remaining: -1, maxLength: DefaultMaxLength}
}

// NewBytesDecoder returns a decoder over b. Declared lengths are checked
// against the bytes actually left in b.
func NewBytesDecoder(b []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(b), remaining: int64(len(b)), maxLength: DefaultMaxLength}
}

// SetMaxLength overrides the bound applied to declared lengths and counts.
func (d *Decoder) SetMaxLength(n uint64) {
	if n > 0 {
		d.maxLength = n
	}
}

// Offset reports the number of bytes consumed so far.
func (d *Decoder) Offset() int64 {
	return d.offset
}

// ReadUint reads an unsigned integer of any width.
func (d *Decoder) ReadUint() (uint64, error) {
	info, err := d.expect(MajorUint)
	if err != nil {
		return 0, err
	}
	return d.readArgument(info)
}

// ReadFloat64 reads a 9-byte float64.
func (d *Decoder) ReadFloat64() (float64, error) {
	info, err := d.expect(MajorSimple)
	if err != nil {
		return 0, err
	}
	if info != info64 {
		return 0, ErrUnsupportedWidth
	}
	var buf [8]byte
	if err := d.readFull(buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
}

// ReadText reads a utf-8 text string.
func (d *Decoder) ReadText() (string, error) {
	payload, err := d.readString(MajorText)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(payload) {
		return "", ErrInvalidUTF8
	}
	return string(payload), nil
}

// ReadBytes reads a byte string.
func (d *Decoder) ReadBytes() ([]byte, error) {
	return d.readString(MajorBytes)
}

// ReadArrayHeader reads an array header. For indefinite arrays count is 0
// and the caller iterates until PeekBreak reports true.
func (d *Decoder) ReadArrayHeader() (count uint64, indefinite bool, err error) {
	info, err := d.expect(MajorArray)
	if err != nil {
		return 0, false, err
	}
	if info == infoIndefinite {
		return 0, true, nil
	}
	count, err = d.readArgument(info)
	if err != nil {
		return 0, false, err
	}
	if err := d.checkCount(count); err != nil {
		return 0, false, err
	}
	return count, false, nil
}

// ReadMapHeader reads a definite-length map header.
func (d *Decoder) ReadMapHeader() (uint64, error) {
	info, err := d.expect(MajorMap)
	if err != nil {
		return 0, err
	}
	count, err := d.readArgument(info)
	if err != nil {
		return 0, err
	}
	// each pair needs at least two bytes
	if count > math.MaxUint64/2 {
		return 0, ErrLengthTooLarge
	}
	if err := d.checkCount(count * 2); err != nil {
		return 0, err
	}
	return count, nil
}

// PeekBreak consumes a break marker if one is next and reports whether it
// did. Any other byte is left unread.
func (d *Decoder) PeekBreak() (bool, error) {
	b, err := d.peekByte()
	if err != nil {
		return false, err
	}
	if b != tagBreak {
		return false, nil
	}
	_, err = d.readByte()
	return true, err
}

// ReadFloat64Array reads a homogeneous float64 array in either definite or
// indefinite form.
func (d *Decoder) ReadFloat64Array() ([]float64, error) {
	count, indefinite, err := d.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	if indefinite {
		out := make([]float64, 0, 16)
		for {
			done, err := d.PeekBreak()
			if err != nil {
				return nil, err
			}
			if done {
				return out, nil
			}
			v, err := d.ReadFloat64()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	}
	out := make([]float64, 0, min(count, 1024))
	for i := uint64(0); i < count; i++ {
		v, err := d.ReadFloat64()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (d *Decoder) expect(want Major) (byte, error) {
	b, err := d.peekByte()
	if err != nil {
		return 0, err
	}
	if got := Major(b >> 5); got != want {
		return 0, &MismatchError{Want: want, Got: got, Offset: d.offset}
	}
	if _, err := d.readByte(); err != nil {
		return 0, err
	}
	return b & 0x1f, nil
}

func (d *Decoder) readArgument(info byte) (uint64, error) {
	var buf [8]byte
	switch {
	case info <= infoImmediateMax:
		return uint64(info), nil
	case info == info8:
		if err := d.readFull(buf[:1]); err != nil {
			return 0, err
		}
		return uint64(buf[0]), nil
	case info == info16:
		if err := d.readFull(buf[:2]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint16(buf[:2])), nil
	case info == info32:
		if err := d.readFull(buf[:4]); err != nil {
			return 0, err
		}
		return uint64(binary.BigEndian.Uint32(buf[:4])), nil
	case info == info64:
		if err := d.readFull(buf[:8]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(buf[:8]), nil
	default:
		return 0, ErrUnsupportedWidth
	}
}

func (d *Decoder) readString(m Major) ([]byte, error) {
	info, err := d.expect(m)
	if err != nil {
		return nil, err
	}
	if info == infoIndefinite {
		return nil, ErrUnsupportedWidth
	}
	n, err := d.readArgument(info)
	if err != nil {
		return nil, err
	}
	if err := d.checkCount(n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	if d.remaining >= 0 {
		buf := make([]byte, n)
		if err := d.readFull(buf); err != nil {
			return nil, err
		}
		return buf, nil
	}
	// Unknown source length: grow with the data actually read rather than
	// trusting the header for the allocation size.
	var buf bytes.Buffer
	copied, err := io.CopyN(&buf, byteScannerReader{d}, int64(n))
	if err != nil {
		if errors.Is(err, io.EOF) || copied < int64(n) {
			return nil, ErrUnexpectedEnd
		}
		return nil, err
	}
	return buf.Bytes(), nil
}

// checkCount rejects lengths that cannot possibly be satisfied by the
// source: each counted item needs at least one byte.
func (d *Decoder) checkCount(n uint64) error {
	if d.remaining >= 0 && n > uint64(d.remaining) {
		return ErrUnexpectedEnd
	}
	if n > d.maxLength {
		return ErrLengthTooLarge
	}
	return nil
}

func (d *Decoder) peekByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, endOf(err)
	}
	if err := d.r.UnreadByte(); err != nil {
		return 0, err
	}
	return b, nil
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, endOf(err)
	}
	d.advance(1)
	return b, nil
}

func (d *Decoder) readFull(p []byte) error {
	for i := range p {
		b, err := d.readByte()
		if err != nil {
			return err
		}
		p[i] = b
	}
	return nil
}

func (d *Decoder) advance(n int64) {
	d.offset += n
	if d.remaining >= 0 {
		d.remaining -= n
	}
}

func endOf(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrUnexpectedEnd
	}
	return err
}

// byteScannerReader adapts the decoder's byte source to io.Reader while
// keeping the offset accounting in one place.
type byteScannerReader struct {
	d *Decoder
}

func (r byteScannerReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for i := range p {
		b, err := r.d.r.ReadByte()
		if err != nil {
			if i > 0 {
				return i, nil
			}
			return 0, err
		}
		r.d.advance(1)
		p[i] = b
	}
	return len(p), nil
}
