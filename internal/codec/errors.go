package codec

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedEnd    = errors.New("codec: unexpected end of input")
	ErrTypeMismatch     = errors.New("codec: major type mismatch")
	ErrInvalidUTF8      = errors.New("codec: invalid utf-8 text")
	ErrUnsupportedWidth = errors.New("codec: unsupported width code")
	ErrLengthTooLarge   = errors.New("codec: declared length too large")
)

// MismatchError reports a read that found a different major type than the
// caller asked for.
type MismatchError struct {
	Want   Major
	Got    Major
	Offset int64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("codec: expected %s, got %s at offset %d", e.Want, e.Got, e.Offset)
}

// Is makes MismatchError match ErrTypeMismatch.
func (e *MismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}
