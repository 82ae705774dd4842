package protocol

import "errors"

var (
	ErrInvalidWorkoutID = errors.New("protocol: invalid workout id")
	ErrInvalidMetadata  = errors.New("protocol: invalid chunk metadata")
	ErrInvalidManifest  = errors.New("protocol: invalid manifest")
	ErrInvalidRequest   = errors.New("protocol: invalid retransmission request")
	ErrInvalidReply     = errors.New("protocol: invalid retransmission reply")
	ErrMessageTooLarge  = errors.New("protocol: message too large")
)
