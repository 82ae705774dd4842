package reassembly

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sensorsync/internal/codec"
	"github.com/danmuck/sensorsync/internal/merge"
	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/sample"
	"github.com/danmuck/sensorsync/internal/store"
	"github.com/danmuck/sensorsync/internal/testutil/testlog"
)

const workout = "w-1"

type fixture struct {
	t      *testing.T
	engine *Engine
	blobs  *store.Blobs
	table  *store.MemoryTable[Record]
	upload string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := store.NewBlobs(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	table := store.NewMemoryTable[Record]()
	e := NewEngine(Options{Blobs: blobs, Table: table})
	t.Cleanup(e.Close)
	return &fixture{t: t, engine: e, blobs: blobs, table: table, upload: t.TempDir()}
}

func chunkBytes(t *testing.T, idx int) []byte {
	t.Helper()
	var p sample.Payload
	ts := float64(100 * (idx + 1))
	p[sample.HeartRate] = []sample.Tuple{{ts, 70 + float64(idx)}}
	p[sample.Location] = []sample.Tuple{{ts, 1, 2, 3, 4, 5, float64(idx), 0}}
	raw, err := sample.Marshal(p, sample.Definite)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	return raw
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (f *fixture) stage(data []byte) string {
	f.t.Helper()
	tmp, err := os.CreateTemp(f.upload, "upload-*")
	if err != nil {
		f.t.Fatalf("stage: %v", err)
	}
	if _, err := tmp.Write(data); err != nil {
		f.t.Fatalf("stage write: %v", err)
	}
	_ = tmp.Close()
	return tmp.Name()
}

func meta(idx, total int) protocol.ChunkMetadata {
	return protocol.ChunkMetadata{
		FileName:         protocol.ChunkFileName(workout, idx),
		WorkoutID:        workout,
		ChunkIndex:       idx,
		TotalChunks:      total,
		StartDate:        1760000000,
		TotalSampleCount: 2 * total,
	}
}

func (f *fixture) ingest(idx, total int, data []byte) ChunkOutcome {
	f.t.Helper()
	tmp := f.stage(data)
	out, err := f.engine.IngestChunk(meta(idx, total), tmp)
	if err != nil {
		f.t.Fatalf("ingest chunk %d: %v", idx, err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		f.t.Fatalf("upload %s still present after ingest", tmp)
	}
	return out
}

func manifestFor(t *testing.T, total int, bodies map[int][]byte) protocol.Manifest {
	t.Helper()
	m := protocol.Manifest{WorkoutID: workout, StartDate: 1760000000, TotalSampleCount: 2 * total, TotalChunks: total}
	for i := 0; i < total; i++ {
		body := bodies[i]
		if body == nil {
			body = chunkBytes(t, i)
		}
		m.Chunks = append(m.Chunks, protocol.ManifestEntry{
			FileName:  protocol.ChunkFileName(workout, i),
			SizeBytes: int64(len(body)),
			MD5:       md5Hex(body),
		})
	}
	return m
}

func TestDuplicateChunkIsIgnored(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	if out := f.ingest(0, 3, chunkBytes(t, 0)); out != ChunkAccepted {
		t.Fatalf("first arrival outcome=%s", out)
	}
	if out := f.ingest(0, 3, []byte("different bytes")); out != ChunkDuplicate {
		t.Fatalf("duplicate outcome=%s", out)
	}
	rec, ok := f.engine.Get(workout)
	if !ok || len(rec.ReceivedChunks) != 1 || rec.IsComplete() {
		t.Fatalf("unexpected record after duplicate: %+v", rec)
	}
	data, err := os.ReadFile(filepath.Join(f.blobs.Root(), protocol.ChunkFileName(workout, 0)))
	if err != nil || string(data) != string(chunkBytes(t, 0)) {
		t.Fatalf("duplicate overwrote the stored chunk")
	}
}

func TestOutOfOrderArrivalMergesInIndexOrder(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	order := []int{2, 0, 1}
	for n, idx := range order {
		f.ingest(idx, 3, chunkBytes(t, idx))
		rec, _ := f.engine.Get(workout)
		if rec.IsComplete() != (len(rec.ReceivedChunks) == rec.TotalChunks) {
			t.Fatalf("isComplete out of sync after %d arrivals", n+1)
		}
		if n < 2 && rec.IsComplete() {
			t.Fatalf("complete after only %d arrivals", n+1)
		}
	}
	f.engine.Wait()

	rec, _ := f.engine.Get(workout)
	if !rec.IsMerged() || rec.MergedFileName != protocol.MergedFileName(workout) {
		t.Fatalf("record not merged: %+v", rec)
	}
	for i := 0; i < 3; i++ {
		if f.blobs.Exists(protocol.ChunkFileName(workout, i)) {
			t.Fatalf("chunk %d survived the merge", i)
		}
	}
	size, _ := f.blobs.Stat(rec.MergedFileName)
	if size != rec.FileSizeBytes {
		t.Fatalf("fileSizeBytes=%d on disk=%d", rec.FileSizeBytes, size)
	}

	file, err := f.blobs.Open(rec.MergedFileName)
	if err != nil {
		t.Fatalf("open merged: %v", err)
	}
	defer file.Close()
	p, err := sample.Decode(codec.NewDecoder(file))
	if err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	hr := p[sample.HeartRate]
	if len(hr) != 3 || hr[0][0] != 100 || hr[1][0] != 200 || hr[2][0] != 300 {
		t.Fatalf("merged heart rate out of order: %v", hr)
	}

	if out := f.ingest(1, 3, chunkBytes(t, 1)); out != ChunkMerged {
		t.Fatalf("chunk after merge outcome=%s", out)
	}
}

func TestManifestQuarantinesBadChunkUntilResent(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	f.ingest(0, 3, chunkBytes(t, 0))
	f.ingest(1, 3, []byte("corrupted in transit"))

	failed, err := f.engine.IngestManifest(manifestFor(t, 3, nil))
	if err != nil {
		t.Fatalf("ingest manifest: %v", err)
	}
	if len(failed) != 1 || failed[0] != 1 {
		t.Fatalf("failed=%v, want [1]", failed)
	}
	rec, _ := f.engine.Get(workout)
	if _, ok := rec.ReceivedChunks[1]; ok || !rec.HasFailed(1) {
		t.Fatalf("chunk 1 not quarantined: %+v", rec)
	}
	if f.blobs.Exists(protocol.ChunkFileName(workout, 1)) {
		t.Fatalf("failed chunk file not deleted")
	}
	if missing := rec.Missing(); len(missing) != 2 || missing[0] != 1 || missing[1] != 2 {
		t.Fatalf("missing=%v", missing)
	}

	if out := f.ingest(1, 3, []byte("still wrong")); out != ChunkFailed {
		t.Fatalf("bad resend outcome=%s", out)
	}
	if out := f.ingest(1, 3, chunkBytes(t, 1)); out != ChunkAccepted {
		t.Fatalf("good resend outcome=%s", out)
	}
	rec, _ = f.engine.Get(workout)
	if rec.HasFailed(1) {
		t.Fatalf("accepted index still marked failed: %v", rec.FailedChunks)
	}
	f.ingest(2, 3, chunkBytes(t, 2))
	f.engine.Wait()
	if rec, _ = f.engine.Get(workout); !rec.IsMerged() {
		t.Fatalf("expected merge after resend: %+v", rec)
	}
}

func TestManifestFirstAdoptsTotals(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	if _, err := f.engine.IngestManifest(manifestFor(t, 2, nil)); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	rec, ok := f.engine.Get(workout)
	if !ok || rec.TotalChunks != 2 || rec.Manifest == nil || rec.IsComplete() {
		t.Fatalf("record from manifest: %+v", rec)
	}
	f.ingest(1, 2, chunkBytes(t, 1))
	f.ingest(0, 2, chunkBytes(t, 0))

	rec, err := f.engine.Reverify(context.Background(), workout)
	if err != nil {
		t.Fatalf("reverify: %v", err)
	}
	if !rec.IsMerged() {
		t.Fatalf("expected merged record: %+v", rec)
	}
}

func TestReverifyIsIdempotent(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	f.ingest(0, 3, chunkBytes(t, 0))
	f.ingest(2, 3, []byte("bad"))
	if _, err := f.engine.IngestManifest(manifestFor(t, 3, nil)); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	first, err := f.engine.Reverify(context.Background(), workout)
	if err != nil {
		t.Fatalf("reverify: %v", err)
	}
	second, err := f.engine.Reverify(context.Background(), workout)
	if err != nil {
		t.Fatalf("reverify again: %v", err)
	}
	if !sameChunks(first.ReceivedChunks, second.ReceivedChunks) || len(first.FailedChunks) != len(second.FailedChunks) {
		t.Fatalf("reverify diverged: %+v vs %+v", first, second)
	}
	if _, err := f.engine.Reverify(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChunkIndexOutsideRecordTotals(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	f.ingest(0, 2, chunkBytes(t, 0))
	tmp := f.stage(chunkBytes(t, 4))
	if _, err := f.engine.IngestChunk(meta(4, 5), tmp); err == nil {
		t.Fatalf("expected out-of-range error")
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("rejected upload not discarded")
	}
}

func TestStaleMergeResultIsDiscarded(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	f.ingest(0, 2, chunkBytes(t, 0))
	merged := protocol.MergedFileName(workout)
	if err := os.WriteFile(filepath.Join(f.blobs.Root(), merged), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed merged file: %v", err)
	}
	cur, _ := f.engine.Get(workout)
	stale := map[int]string{0: protocol.ChunkFileName(workout, 0), 1: protocol.ChunkFileName(workout, 1)}
	f.engine.applyMerge(workout, cur.generation, stale, merge.Result{FileName: merged, SizeBytes: 1}, nil)

	rec, _ := f.engine.Get(workout)
	if rec.IsMerged() {
		t.Fatalf("stale merge committed: %+v", rec)
	}
	if f.blobs.Exists(merged) {
		t.Fatalf("stale merged output not removed")
	}
}

// holdMerges marks a merge as running for workout so completions do not
// start one until the caller applies a result.
func (f *fixture) holdMerges() {
	f.engine.mu.Lock()
	f.engine.merging[workout] = make(chan struct{})
	f.engine.mu.Unlock()
}

func (f *fixture) mergeRunning() bool {
	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	_, running := f.engine.merging[workout]
	return running
}

func (f *fixture) mergedPayload(rec Record) sample.Payload {
	f.t.Helper()
	file, err := f.blobs.Open(rec.MergedFileName)
	if err != nil {
		f.t.Fatalf("open merged: %v", err)
	}
	defer file.Close()
	p, err := sample.Decode(codec.NewDecoder(file))
	if err != nil {
		f.t.Fatalf("decode merged: %v", err)
	}
	return p
}

func TestQuarantineAndResendInvalidatesRunningMerge(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	f.holdMerges()

	var bad sample.Payload
	bad[sample.HeartRate] = []sample.Tuple{{200, 999}}
	badRaw, err := sample.Marshal(bad, sample.Definite)
	if err != nil {
		t.Fatalf("marshal bad chunk: %v", err)
	}
	f.ingest(0, 2, chunkBytes(t, 0))
	f.ingest(1, 2, badRaw)

	started, _ := f.engine.Get(workout)
	if !started.IsComplete() {
		t.Fatalf("record should be complete: %+v", started)
	}
	res, err := merge.Chunks(context.Background(), f.blobs, started.ReceivedChunks, protocol.MergedFileName(workout))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}

	failed, err := f.engine.IngestManifest(manifestFor(t, 2, nil))
	if err != nil || len(failed) != 1 || failed[0] != 1 {
		t.Fatalf("failed=%v err=%v", failed, err)
	}
	if out := f.ingest(1, 2, chunkBytes(t, 1)); out != ChunkAccepted {
		t.Fatalf("resend outcome=%s", out)
	}
	resent, _ := f.engine.Get(workout)
	if !sameChunks(resent.ReceivedChunks, started.ReceivedChunks) {
		t.Fatalf("resend should reuse the chunk names")
	}

	f.engine.applyMerge(workout, started.generation, started.ReceivedChunks, res, nil)
	f.engine.Wait()

	rec, _ := f.engine.Get(workout)
	if !rec.IsMerged() {
		t.Fatalf("expected merge from the resent chunk: %+v", rec)
	}
	for _, tuple := range f.mergedPayload(rec)[sample.HeartRate] {
		if tuple[1] == 999 {
			t.Fatalf("merged output kept the quarantined chunk: %v", f.mergedPayload(rec)[sample.HeartRate])
		}
	}
}

func TestMergeFailureRetriesOnlyWhenRecordChanged(t *testing.T) {
	testlog.Start(t)

	unchanged := newFixture(t)
	unchanged.holdMerges()
	unchanged.ingest(0, 2, chunkBytes(t, 0))
	unchanged.ingest(1, 2, chunkBytes(t, 1))
	cur, _ := unchanged.engine.Get(workout)
	unchanged.engine.applyMerge(workout, cur.generation, cur.ReceivedChunks, merge.Result{}, errors.New("disk full"))
	if unchanged.mergeRunning() {
		t.Fatalf("failed merge of an unchanged record was retried")
	}
	if rec, _ := unchanged.engine.Get(workout); rec.IsMerged() {
		t.Fatalf("record merged after failure: %+v", rec)
	}

	changed := newFixture(t)
	changed.holdMerges()
	changed.ingest(0, 2, chunkBytes(t, 0))
	early, _ := changed.engine.Get(workout)
	changed.ingest(1, 2, chunkBytes(t, 1))
	changed.engine.applyMerge(workout, early.generation, early.ReceivedChunks, merge.Result{}, errors.New("disk full"))
	changed.engine.Wait()
	if rec, _ := changed.engine.Get(workout); !rec.IsMerged() {
		t.Fatalf("completion during a failed merge never merged: %+v", rec)
	}
}

func TestEmptyDigestQuarantinesNonEmptyChunk(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	f.ingest(0, 2, chunkBytes(t, 0))
	m := manifestFor(t, 2, nil)
	m.Chunks[0].MD5 = "d41d8cd98f00b204e9800998ecf8427e"

	failed, err := f.engine.IngestManifest(m)
	if err != nil || len(failed) != 1 || failed[0] != 0 {
		t.Fatalf("failed=%v err=%v", failed, err)
	}
	rec, _ := f.engine.Get(workout)
	if _, ok := rec.ReceivedChunks[0]; ok || !rec.HasFailed(0) {
		t.Fatalf("chunk 0 not quarantined: %+v", rec)
	}
	if f.blobs.Exists(protocol.ChunkFileName(workout, 0)) {
		t.Fatalf("quarantined chunk file not deleted")
	}
}

func TestDeleteRemovesFilesAndRecord(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	f.ingest(0, 2, chunkBytes(t, 0))
	f.ingest(1, 2, chunkBytes(t, 1))
	f.engine.Wait()
	if err := f.engine.AttachSummary(workout, protocol.SummaryFileName(workout)); err != nil {
		t.Fatalf("attach summary: %v", err)
	}
	_ = os.WriteFile(filepath.Join(f.blobs.Root(), protocol.SummaryFileName(workout)), []byte("s"), 0o644)

	if err := f.engine.Delete(workout); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := f.engine.Get(workout); ok {
		t.Fatalf("record survived delete")
	}
	names, _ := f.blobs.List("")
	if len(names) != 0 {
		t.Fatalf("files survived delete: %v", names)
	}
	if err := f.engine.Delete(workout); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := f.engine.AttachSummary(workout, "x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPersistenceAndReload(t *testing.T) {
	testlog.Start(t)

	root := t.TempDir()
	blobs, _ := store.NewBlobs(filepath.Join(root, "blobs"))
	table := store.NewFileTable[Record](filepath.Join(root, "records.json"))
	e := NewEngine(Options{Blobs: blobs, Table: table, Now: func() time.Time { return time.Unix(1, 0) }})
	f := &fixture{t: t, engine: e, blobs: blobs, upload: t.TempDir()}
	f.ingest(1, 3, chunkBytes(t, 1))
	e.Close()

	reloaded := NewEngine(Options{Blobs: blobs, Table: table})
	t.Cleanup(reloaded.Close)
	if err := reloaded.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	rec, ok := reloaded.Get(workout)
	if !ok || rec.ReceivedChunks[1] != protocol.ChunkFileName(workout, 1) || rec.TotalChunks != 3 {
		t.Fatalf("reloaded record mismatch: %+v", rec)
	}
	if !rec.UpdatedAt.Equal(time.Unix(1, 0)) {
		t.Fatalf("updatedAt=%v", rec.UpdatedAt)
	}
}

func TestPersistFailureIsSwallowed(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	f.table.FailWith(os.ErrPermission)

	if out := f.ingest(0, 2, chunkBytes(t, 0)); out != ChunkAccepted {
		t.Fatalf("outcome=%s", out)
	}
	if _, ok := f.engine.Get(workout); !ok {
		t.Fatalf("in-memory state lost on persist failure")
	}
}

func TestObserversSeeCommittedEvents(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	var mu sync.Mutex
	var seen []EventType
	f.engine.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	})
	f.ingest(0, 1, chunkBytes(t, 0))
	f.engine.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{EventCreated, EventChunkAccepted, EventMerged}
	if len(seen) != len(want) {
		t.Fatalf("events=%v want=%v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events=%v want=%v", seen, want)
		}
	}
}
