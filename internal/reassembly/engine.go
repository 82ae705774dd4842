// Package reassembly owns the workout record table on the receiver.
//
// Ownership boundary:
// - every record mutation happens under the Engine lock
// - merges run in background goroutines and commit through applyMerge
// - the whole table is persisted after each committed mutation
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/sensorsync/internal/merge"
	"github.com/danmuck/sensorsync/internal/observability"
	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/store"
	"github.com/danmuck/sensorsync/internal/verify"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound        = errors.New("reassembly: workout not found")
	ErrNotMerged       = errors.New("reassembly: workout not merged")
	ErrChunkOutOfRange = errors.New("reassembly: chunk index outside totalChunks")
	ErrClosed          = errors.New("reassembly: engine closed")
)

// ChunkOutcome classifies what happened to an arriving chunk.
type ChunkOutcome string

const (
	ChunkAccepted  ChunkOutcome = "accepted"
	ChunkDuplicate ChunkOutcome = "duplicate"
	ChunkMerged    ChunkOutcome = "ignored_merged"
	ChunkFailed    ChunkOutcome = "failed_verification"
)

// Options configures an Engine.
type Options struct {
	Blobs *store.Blobs
	Table store.Table[Record]
	Now   func() time.Time
}

// Engine is the single writer of the record table.
type Engine struct {
	blobs *store.Blobs
	table store.Table[Record]
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	records   map[string]*Record
	merging   map[string]chan struct{}
	observers []Observer
	pending   []Event
	closed    bool
	gen       uint64
}

// NewEngine builds an empty engine. Call Load to restore persisted state.
func NewEngine(opts Options) *Engine {
	if opts.Table == nil {
		opts.Table = store.NewMemoryTable[Record]()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		blobs:   opts.Blobs,
		table:   opts.Table,
		now:     opts.Now,
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[string]*Record),
		merging: make(map[string]chan struct{}),
	}
}

// Blobs exposes the blob directory the engine writes to.
func (e *Engine) Blobs() *store.Blobs {
	return e.blobs
}

// Subscribe registers an observer for committed changes.
func (e *Engine) Subscribe(obs Observer) {
	if obs == nil {
		return
	}
	e.mu.Lock()
	e.observers = append(e.observers, obs)
	e.mu.Unlock()
}

// Load replaces the in-memory table with the persisted one and schedules
// merges for records that were complete but never merged.
func (e *Engine) Load(ctx context.Context) error {
	rows, err := e.table.Load(ctx)
	if err != nil {
		return fmt.Errorf("reassembly: load table: %w", err)
	}
	e.lock()
	defer e.unlock()
	e.records = make(map[string]*Record, len(rows))
	for i := range rows {
		rec := rows[i]
		if rec.ReceivedChunks == nil {
			rec.ReceivedChunks = make(map[int]string)
		}
		if rec.FailedChunks == nil {
			rec.FailedChunks = []int{}
		}
		sort.Ints(rec.FailedChunks)
		e.bumpLocked(&rec)
		e.records[rec.WorkoutID] = &rec
	}
	for _, rec := range e.records {
		e.maybeMergeLocked(rec)
	}
	log.Info().Int("records", len(rows)).Msg("reassembly.Engine.Load restored table")
	return nil
}

// IngestChunk takes ownership of the file at tempPath holding chunk meta.
// The file is moved into the blob directory on acceptance and removed
// otherwise. An error is returned only when the chunk could not be
// processed at all.
func (e *Engine) IngestChunk(meta protocol.ChunkMetadata, tempPath string) (ChunkOutcome, error) {
	if err := meta.Validate(); err != nil {
		e.discard(tempPath)
		observability.RecordChunk("invalid")
		return "", err
	}

	e.lock()
	defer e.unlock()
	if e.closed {
		e.discard(tempPath)
		return "", ErrClosed
	}

	rec, ok := e.records[meta.WorkoutID]
	created := false
	if !ok {
		rec = newRecordFromChunk(meta)
		created = true
	}
	if meta.ChunkIndex >= rec.TotalChunks {
		e.discard(tempPath)
		observability.RecordChunk("out_of_range")
		return "", fmt.Errorf("%w: index %d, totalChunks %d", ErrChunkOutOfRange, meta.ChunkIndex, rec.TotalChunks)
	}
	if created {
		e.records[meta.WorkoutID] = rec
		e.touch(rec)
		e.emitLocked(EventCreated, rec, nil)
	}

	if rec.IsMerged() {
		e.discard(tempPath)
		observability.RecordChunk(string(ChunkMerged))
		log.Debug().Str("workout", rec.WorkoutID).Int("chunk", meta.ChunkIndex).Msg("reassembly.Engine.IngestChunk ignored merged workout")
		return ChunkMerged, nil
	}
	if _, dup := rec.ReceivedChunks[meta.ChunkIndex]; dup {
		e.discard(tempPath)
		observability.RecordChunk(string(ChunkDuplicate))
		log.Debug().Str("workout", rec.WorkoutID).Int("chunk", meta.ChunkIndex).Msg("reassembly.Engine.IngestChunk duplicate")
		return ChunkDuplicate, nil
	}

	name := protocol.ChunkFileName(meta.WorkoutID, meta.ChunkIndex)
	if err := e.blobs.Adopt(tempPath, name); err != nil {
		e.discard(tempPath)
		observability.RecordChunk("io_error")
		if created {
			e.persistLocked()
		}
		return "", fmt.Errorf("reassembly: store chunk %s: %w", name, err)
	}

	idx := meta.ChunkIndex
	if rec.Manifest != nil {
		if !e.verifyLocked(rec, idx, name) {
			e.touch(rec)
			e.persistLocked()
			e.emitLocked(EventChunkFailed, rec, &idx)
			observability.RecordChunk(string(ChunkFailed))
			return ChunkFailed, nil
		}
	}

	rec.ReceivedChunks[idx] = name
	rec.clearFailed(idx)
	e.bumpLocked(rec)
	e.touch(rec)
	e.persistLocked()
	e.emitLocked(EventChunkAccepted, rec, &idx)
	observability.RecordChunk(string(ChunkAccepted))
	log.Info().
		Str("workout", rec.WorkoutID).
		Int("chunk", idx).
		Int("received", len(rec.ReceivedChunks)).
		Int("total", rec.TotalChunks).
		Msg("reassembly.Engine.IngestChunk accepted")

	e.maybeMergeLocked(rec)
	return ChunkAccepted, nil
}

// IngestManifest attaches m to its workout, re-verifies every received
// chunk and returns the indices that failed.
func (e *Engine) IngestManifest(m protocol.Manifest) ([]int, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	observability.RecordManifest()

	e.lock()
	defer e.unlock()
	if e.closed {
		return nil, ErrClosed
	}

	rec, ok := e.records[m.WorkoutID]
	if !ok {
		rec = newRecordFromManifest(m)
		e.records[m.WorkoutID] = rec
		e.emitLocked(EventCreated, rec, nil)
	}
	manifest := m
	manifest.Chunks = append([]protocol.ManifestEntry(nil), m.Chunks...)
	rec.Manifest = &manifest

	var failed []int
	if !rec.IsMerged() {
		rec.TotalChunks = m.TotalChunks
		rec.StartDate = m.StartDate
		rec.TotalSampleCount = m.TotalSampleCount
		e.bumpLocked(rec)
		failed = e.reverifyLocked(rec)
	}
	e.touch(rec)
	e.persistLocked()
	e.emitLocked(EventManifestAttached, rec, nil)
	log.Info().
		Str("workout", rec.WorkoutID).
		Int("total", rec.TotalChunks).
		Ints("failed", failed).
		Msg("reassembly.Engine.IngestManifest attached")

	e.maybeMergeLocked(rec)
	return failed, nil
}

// Reverify re-checks every received chunk of an unmerged workout against
// its manifest, triggers a merge when the set is complete and waits for
// that merge to finish. The returned snapshot reflects the final state.
func (e *Engine) Reverify(ctx context.Context, workoutID string) (Record, error) {
	e.lock()
	rec, ok := e.records[workoutID]
	if !ok {
		e.unlock()
		return Record{}, ErrNotFound
	}
	if !rec.IsMerged() {
		failed := e.reverifyLocked(rec)
		if len(failed) > 0 {
			e.touch(rec)
			e.persistLocked()
		}
		e.emitLocked(EventReverified, rec, nil)
		e.maybeMergeLocked(rec)
	}
	done := e.merging[workoutID]
	e.unlock()

	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return Record{}, ctx.Err()
		}
	}

	snap, ok := e.Get(workoutID)
	if !ok {
		return Record{}, ErrNotFound
	}
	return snap, nil
}

// Get returns a snapshot of one record.
func (e *Engine) Get(workoutID string) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[workoutID]
	if !ok {
		return Record{}, false
	}
	return rec.Clone(), true
}

// List returns snapshots of every record sorted by workout id.
func (e *Engine) List() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Delete removes a workout's record and all files derived from it.
func (e *Engine) Delete(workoutID string) error {
	e.lock()
	defer e.unlock()
	rec, ok := e.records[workoutID]
	if !ok {
		return ErrNotFound
	}
	delete(e.records, workoutID)

	names := make([]string, 0, len(rec.ReceivedChunks)+2)
	if !rec.IsMerged() {
		for _, name := range rec.ReceivedChunks {
			names = append(names, name)
		}
	}
	if rec.MergedFileName != "" {
		names = append(names, rec.MergedFileName)
	}
	if rec.SummaryFileName != "" {
		names = append(names, rec.SummaryFileName)
	}
	for _, name := range names {
		e.removeBlob(workoutID, name)
	}
	e.persistLocked()
	e.emitLocked(EventDeleted, rec, nil)
	log.Info().Str("workout", workoutID).Int("files", len(names)).Msg("reassembly.Engine.Delete removed")
	return nil
}

// AttachSummary records a decode cache produced for a merged workout.
func (e *Engine) AttachSummary(workoutID, fileName string) error {
	e.lock()
	defer e.unlock()
	rec, ok := e.records[workoutID]
	if !ok {
		return ErrNotFound
	}
	if !rec.IsMerged() {
		return ErrNotMerged
	}
	if rec.SummaryFileName == fileName {
		return nil
	}
	rec.SummaryFileName = fileName
	e.touch(rec)
	e.persistLocked()
	e.emitLocked(EventSummaryAttached, rec, nil)
	return nil
}

// Wait blocks until every background merge has committed.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops accepting work, cancels running merges and waits for them.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) verifyLocked(rec *Record, idx int, name string) bool {
	path, err := e.blobs.Path(name)
	var res verify.Result
	if err != nil {
		res = verify.Result{Reason: verify.ReasonIO, Err: err}
	} else {
		res = verify.Chunk(path, idx, *rec.Manifest)
	}
	observability.RecordVerification(res.Passed)
	if res.Passed {
		return true
	}
	log.Warn().
		Str("workout", rec.WorkoutID).
		Int("chunk", idx).
		Str("reason", res.String()).
		Msg("reassembly.Engine verification failed")
	e.removeBlob(rec.WorkoutID, name)
	rec.markFailed(idx)
	e.bumpLocked(rec)
	return false
}

func (e *Engine) reverifyLocked(rec *Record) []int {
	if rec.Manifest == nil {
		return nil
	}
	indices := make([]int, 0, len(rec.ReceivedChunks))
	for idx := range rec.ReceivedChunks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var failed []int
	for _, idx := range indices {
		name := rec.ReceivedChunks[idx]
		if e.verifyLocked(rec, idx, name) {
			continue
		}
		delete(rec.ReceivedChunks, idx)
		failed = append(failed, idx)
	}
	return failed
}

func (e *Engine) maybeMergeLocked(rec *Record) {
	if e.closed || !rec.IsComplete() || rec.IsMerged() {
		return
	}
	if _, running := e.merging[rec.WorkoutID]; running {
		return
	}
	done := make(chan struct{})
	e.merging[rec.WorkoutID] = done
	chunks := make(map[int]string, len(rec.ReceivedChunks))
	for idx, name := range rec.ReceivedChunks {
		chunks[idx] = name
	}
	e.wg.Add(1)
	go e.runMerge(rec.WorkoutID, rec.generation, chunks, done)
}

// bumpLocked gives rec a generation no earlier merge could have captured.
// The counter is engine wide so a deleted and recreated record never
// repeats one.
func (e *Engine) bumpLocked(rec *Record) {
	e.gen++
	rec.generation = e.gen
}

func (e *Engine) runMerge(workoutID string, gen uint64, chunks map[int]string, done chan struct{}) {
	defer e.wg.Done()
	defer close(done)
	start := time.Now()
	res, err := merge.Chunks(e.ctx, e.blobs, chunks, protocol.MergedFileName(workoutID))
	observability.RecordMerge(err == nil, time.Since(start))
	e.applyMerge(workoutID, gen, chunks, res, err)
}

// applyMerge commits a finished merge if the record is still at the
// generation the merge was started from.
func (e *Engine) applyMerge(workoutID string, gen uint64, chunks map[int]string, res merge.Result, mergeErr error) {
	e.lock()
	defer e.unlock()
	delete(e.merging, workoutID)

	rec, ok := e.records[workoutID]
	if mergeErr != nil {
		log.Error().Err(mergeErr).Str("workout", workoutID).Msg("reassembly.Engine.applyMerge merge failed")
		if ok {
			e.emitLocked(EventMergeFailed, rec, nil)
			if rec.generation != gen {
				e.maybeMergeLocked(rec)
			}
		}
		return
	}
	if !ok || rec.generation != gen || rec.IsMerged() || !rec.IsComplete() || !sameChunks(rec.ReceivedChunks, chunks) {
		log.Warn().Str("workout", workoutID).Msg("reassembly.Engine.applyMerge record changed, discarding output")
		e.removeBlob(workoutID, res.FileName)
		if ok {
			e.maybeMergeLocked(rec)
		}
		return
	}

	rec.MergedFileName = res.FileName
	rec.FileSizeBytes = res.SizeBytes
	for _, name := range rec.ReceivedChunks {
		e.removeBlob(workoutID, name)
	}
	e.touch(rec)
	e.persistLocked()
	e.emitLocked(EventMerged, rec, nil)
	log.Info().
		Str("workout", workoutID).
		Str("file", res.FileName).
		Int64("bytes", res.SizeBytes).
		Int("samples", res.Total()).
		Msg("reassembly.Engine.applyMerge merged")
}

func (e *Engine) removeBlob(workoutID, name string) {
	if err := e.blobs.Remove(name); err != nil {
		log.Warn().Err(err).Str("workout", workoutID).Str("file", name).Msg("reassembly.Engine remove file failed")
	}
}

func (e *Engine) discard(path string) {
	if path == "" {
		return
	}
	if err := e.blobs.RemovePath(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("reassembly.Engine discard upload failed")
	}
}

func (e *Engine) touch(rec *Record) {
	rec.UpdatedAt = e.now().UTC()
}

func (e *Engine) snapshotLocked() []Record {
	out := make([]Record, 0, len(e.records))
	for _, rec := range e.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkoutID < out[j].WorkoutID })
	return out
}

func (e *Engine) persistLocked() {
	if err := e.table.Save(context.Background(), e.snapshotLocked()); err != nil {
		observability.RecordPersistFailure()
		log.Error().Err(err).Msg("reassembly.Engine persist failed")
	}
}

func (e *Engine) emitLocked(t EventType, rec *Record, idx *int) {
	if len(e.observers) == 0 {
		return
	}
	ev := Event{Type: t, WorkoutID: rec.WorkoutID, Record: rec.Clone()}
	if idx != nil {
		v := *idx
		ev.Index = &v
	}
	e.pending = append(e.pending, ev)
}

func (e *Engine) lock() {
	e.mu.Lock()
}

// unlock releases the table and then delivers events queued while it was
// held.
func (e *Engine) unlock() {
	events := e.pending
	e.pending = nil
	observers := e.observers
	e.mu.Unlock()
	for _, ev := range events {
		for _, obs := range observers {
			obs(ev)
		}
	}
}
