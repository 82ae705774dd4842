package codec

import "fmt"

// Major is the high 3 bits of a tag byte.
type Major uint8

const (
	MajorUint   Major = 0
	MajorBytes  Major = 2
	MajorText   Major = 3
	MajorArray  Major = 4
	MajorMap    Major = 5
	MajorSimple Major = 7
)

func (m Major) String() string {
	switch m {
	case MajorUint:
		return "uint"
	case MajorBytes:
		return "bytes"
	case MajorText:
		return "text"
	case MajorArray:
		return "array"
	case MajorMap:
		return "map"
	case MajorSimple:
		return "simple"
	default:
		return fmt.Sprintf("major(%d)", uint8(m))
	}
}

// Additional-info codes (low 5 bits of a tag byte).
const (
	infoImmediateMax = 23
	info8            = 24
	info16           = 25
	info32           = 26
	info64           = 27
	infoIndefinite   = 31
)

const (
	tagFloat64         = byte(MajorSimple)<<5 | info64
	tagBreak           = byte(MajorSimple)<<5 | infoIndefinite
	tagIndefiniteArray = byte(MajorArray)<<5 | infoIndefinite
)

// DefaultMaxLength bounds string lengths and container counts when the
// decoder cannot see how many bytes remain.
const DefaultMaxLength = 64 << 20

func tag(m Major, info byte) byte {
	return byte(m)<<5 | info
}
