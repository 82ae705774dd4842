package summary

import (
	"context"
	"encoding/hex"
	"errors"
	"io"

	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/reassembly"
	"github.com/danmuck/sensorsync/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound  = errors.New("summary: workout not found")
	ErrNotMerged = errors.New("summary: workout not merged")
)

// Records is the slice of the reassembly engine the service needs.
type Records interface {
	Get(workoutID string) (reassembly.Record, bool)
	AttachSummary(workoutID, fileName string) error
}

// Service summarizes merged workouts, reusing a cache while the merged
// blob is unchanged.
type Service struct {
	records  Records
	blobs    *store.Blobs
	cache    *Cache
	interval int
}

func NewService(records Records, blobs *store.Blobs, interval int) *Service {
	return &Service{records: records, blobs: blobs, cache: NewCache(blobs), interval: interval}
}

// Summarize returns the summary of a merged workout, decoding the merged
// blob when no valid cache exists.
func (s *Service) Summarize(ctx context.Context, workoutID string, obs Observer) (Summary, error) {
	rec, ok := s.records.Get(workoutID)
	if !ok {
		return Summary{}, ErrNotFound
	}
	if !rec.IsMerged() {
		return Summary{}, ErrNotMerged
	}

	if rec.SummaryFileName != "" {
		if out, ok := s.cached(rec); ok {
			if obs != nil {
				obs(Progress{Done: true, Offset: out.SizeBytes, Total: out.SizeBytes, Snapshot: out.Snapshot})
			}
			return out, nil
		}
	}

	f, err := s.blobs.Open(rec.MergedFileName)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()

	hasher := NewDigest()
	tee := io.TeeReader(f, hasher)
	out, err := Decode(ctx, tee, Options{Total: rec.FileSizeBytes, Interval: s.interval, Observer: obs})
	if err != nil {
		return Summary{}, err
	}
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return Summary{}, err
	}
	out.WorkoutID = workoutID
	out.Digest = hex.EncodeToString(hasher.Sum(nil))

	name := protocol.SummaryFileName(workoutID)
	if _, err := s.cache.Store(name, out); err != nil {
		log.Warn().Err(err).Str("workout", workoutID).Msg("summary.Service.Summarize cache store failed")
		return out, nil
	}
	if err := s.records.AttachSummary(workoutID, name); err != nil {
		log.Warn().Err(err).Str("workout", workoutID).Msg("summary.Service.Summarize attach failed")
		_ = s.blobs.Remove(name)
	}
	return out, nil
}

func (s *Service) cached(rec reassembly.Record) (Summary, bool) {
	f, err := s.blobs.Open(rec.MergedFileName)
	if err != nil {
		return Summary{}, false
	}
	digest, err := FileDigest(f)
	f.Close()
	if err != nil {
		return Summary{}, false
	}
	out, ok, err := s.cache.Load(rec.SummaryFileName, digest)
	if err != nil {
		log.Warn().Err(err).Str("workout", rec.WorkoutID).Msg("summary.Service cache unreadable")
		return Summary{}, false
	}
	if ok {
		log.Debug().Str("workout", rec.WorkoutID).Msg("summary.Service cache hit")
	}
	return out, ok
}
