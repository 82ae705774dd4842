// Package retransmit decides whether a workout still needs chunks from its
// producer and asks for them.
package retransmit

import (
	"context"
	"errors"

	"github.com/danmuck/sensorsync/internal/observability"
	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/reassembly"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Outcome is the single tag reported for one retransmission attempt.
type Outcome string

const (
	OutcomeUnknownWorkout   Outcome = "unknownWorkout"
	OutcomeNothingToVerify  Outcome = "nothingToVerify"
	OutcomeNothingToRequest Outcome = "nothingToRequest"
	OutcomeAlreadyMerged    Outcome = "alreadyMerged"
	OutcomeUnreachable      Outcome = "unreachable"
	OutcomeAccepted         Outcome = "accepted"
	OutcomeDenied           Outcome = "denied"
	OutcomeNotFound         Outcome = "notFound"
)

// Peer is the producer side of a retransmission exchange.
type Peer interface {
	Reachable(ctx context.Context) bool
	RequestChunks(ctx context.Context, req protocol.RetransmitRequest) (protocol.RetransmitReply, error)
}

// Records is the read and reverify surface of the reassembly engine.
type Records interface {
	Get(workoutID string) (reassembly.Record, bool)
	Reverify(ctx context.Context, workoutID string) (reassembly.Record, error)
}

// Result carries the outcome plus what was asked for.
type Result struct {
	Outcome       Outcome `json:"outcome"`
	RequestID     string  `json:"requestId,omitempty"`
	ChunkIndices  []int   `json:"chunkIndices,omitempty"`
	NeedsManifest bool    `json:"needsManifest,omitempty"`
}

// Coordinator runs retransmission attempts against one peer.
type Coordinator struct {
	records Records
	peer    Peer
	newID   func() string
}

func NewCoordinator(records Records, peer Peer) *Coordinator {
	return &Coordinator{records: records, peer: peer, newID: uuid.NewString}
}

// Run re-verifies workoutID, computes the missing chunk set and, when it is
// non-empty, requests it from the peer.
func (c *Coordinator) Run(ctx context.Context, workoutID string) Result {
	res := c.run(ctx, workoutID)
	observability.RecordRetransmitOutcome(string(res.Outcome))
	log.Info().
		Str("workout", workoutID).
		Str("outcome", string(res.Outcome)).
		Str("request_id", res.RequestID).
		Ints("chunks", res.ChunkIndices).
		Msg("retransmit.Coordinator.Run")
	return res
}

func (c *Coordinator) run(ctx context.Context, workoutID string) Result {
	before, ok := c.records.Get(workoutID)
	if !ok {
		return Result{Outcome: OutcomeUnknownWorkout}
	}
	if before.IsMerged() {
		return Result{Outcome: OutcomeNothingToVerify}
	}

	rec, err := c.records.Reverify(ctx, workoutID)
	if err != nil {
		if errors.Is(err, reassembly.ErrNotFound) {
			return Result{Outcome: OutcomeUnknownWorkout}
		}
		log.Warn().Err(err).Str("workout", workoutID).Msg("retransmit.Coordinator reverify interrupted")
		return Result{Outcome: OutcomeUnreachable}
	}
	if rec.IsMerged() {
		return Result{Outcome: OutcomeAlreadyMerged}
	}

	missing := rec.Missing()
	needsManifest := rec.Manifest == nil
	if len(missing) == 0 {
		return Result{Outcome: OutcomeNothingToRequest}
	}

	res := Result{ChunkIndices: missing, NeedsManifest: needsManifest}
	if c.peer == nil || !c.peer.Reachable(ctx) {
		res.Outcome = OutcomeUnreachable
		return res
	}
	req := protocol.RetransmitRequest{
		Type:          protocol.TypeRequestChunks,
		RequestID:     c.newID(),
		WorkoutID:     workoutID,
		ChunkIndices:  missing,
		NeedsManifest: needsManifest,
	}
	res.RequestID = req.RequestID

	reply, err := c.peer.RequestChunks(ctx, req)
	if err != nil {
		log.Warn().Err(err).Str("workout", workoutID).Str("request_id", req.RequestID).Msg("retransmit.Coordinator request failed")
		res.Outcome = OutcomeUnreachable
		return res
	}
	switch reply.Status {
	case protocol.ReplyAccepted:
		res.Outcome = OutcomeAccepted
	case protocol.ReplyDenied:
		res.Outcome = OutcomeDenied
	case protocol.ReplyNotFound:
		res.Outcome = OutcomeNotFound
	default:
		res.Outcome = OutcomeUnreachable
	}
	return res
}
