package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

const TypeRequestChunks = "requestChunks"

// Reply statuses a producer may answer with.
const (
	ReplyAccepted = "accepted"
	ReplyDenied   = "denied"
	ReplyNotFound = "notFound"
)

// RetransmitRequest asks the producer to resend specific chunks.
type RetransmitRequest struct {
	Type          string `json:"type"`
	RequestID     string `json:"requestId,omitempty"`
	WorkoutID     string `json:"workoutId"`
	ChunkIndices  []int  `json:"chunkIndices"`
	NeedsManifest bool   `json:"needsManifest"`
}

func (r RetransmitRequest) Validate() error {
	if r.Type != TypeRequestChunks {
		return fmt.Errorf("%w: type %q", ErrInvalidRequest, r.Type)
	}
	if err := ValidateWorkoutID(r.WorkoutID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(r.ChunkIndices) == 0 && !r.NeedsManifest {
		return fmt.Errorf("%w: nothing requested", ErrInvalidRequest)
	}
	for i, idx := range r.ChunkIndices {
		if idx < 0 {
			return fmt.Errorf("%w: chunkIndices[%d] negative", ErrInvalidRequest, i)
		}
	}
	return nil
}

// RetransmitReply is the producer's single answer to a request.
type RetransmitReply struct {
	Status string `json:"status"`
}

func (r RetransmitReply) Validate() error {
	switch r.Status {
	case ReplyAccepted, ReplyDenied, ReplyNotFound:
		return nil
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidReply, r.Status)
	}
}

// ReadRetransmitRequest decodes and validates a request body.
func ReadRetransmitRequest(r io.Reader) (RetransmitRequest, error) {
	var req RetransmitRequest
	if err := readBoundedJSON(r, &req); err != nil {
		return RetransmitRequest{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return RetransmitRequest{}, err
	}
	return req, nil
}

// ReadRetransmitReply decodes and validates a reply body. Any other shape
// is reported as ErrInvalidReply.
func ReadRetransmitReply(r io.Reader) (RetransmitReply, error) {
	var reply RetransmitReply
	if err := readBoundedJSON(r, &reply); err != nil {
		return RetransmitReply{}, fmt.Errorf("%w: %v", ErrInvalidReply, err)
	}
	if err := reply.Validate(); err != nil {
		return RetransmitReply{}, err
	}
	return reply, nil
}

// WriteJSON encodes v followed by a newline.
func WriteJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}
