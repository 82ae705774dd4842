package summary

import (
	"bytes"
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/sensorsync/internal/codec"
	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/reassembly"
	"github.com/danmuck/sensorsync/internal/sample"
	"github.com/danmuck/sensorsync/internal/store"
	"github.com/danmuck/sensorsync/internal/testutil/testlog"
)

func fixture(hr int) sample.Payload {
	var p sample.Payload
	for i := 0; i < hr; i++ {
		p[sample.HeartRate] = append(p[sample.HeartRate], sample.Tuple{float64(1000 + i), 60 + float64(i%40)})
	}
	p[sample.Location] = []sample.Tuple{
		{999, 0, 0, 0, 5, 5, 10, 0},
		{1001, 0, 0, 0, 5, 5, -1, 0},
		{1002, 0, 0, 0, 5, 5, 5, 0},
	}
	p[sample.Accelerometer] = []sample.Tuple{{1003, 3, 4, 0}}
	p[sample.DeviceMotion] = []sample.Tuple{{1004, 0, 0, 0, 0, 0, 0, 0, 0, 2, 90}}
	return p
}

func TestProgressCadenceAndTotals(t *testing.T) {
	testlog.Start(t)

	raw, err := sample.Marshal(fixture(25), sample.Indefinite)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var events []Progress
	out, err := Decode(context.Background(), bytes.NewReader(raw), Options{
		Total:    int64(len(raw)),
		Interval: 10,
		Observer: func(p Progress) { events = append(events, p) },
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	// heart rate: 10, 20, end; then one end per remaining key; then done.
	if len(events) != 7 {
		t.Fatalf("events=%d: %+v", len(events), events)
	}
	if events[0].Kind != "heart_rate" || events[0].KindDone || events[0].Snapshot.Kinds[sample.HeartRate].Count != 10 {
		t.Fatalf("first event=%+v", events[0])
	}
	if !events[2].KindDone || events[2].Snapshot.Kinds[sample.HeartRate].Count != 25 {
		t.Fatalf("heart rate end event=%+v", events[2])
	}
	for i := 1; i < len(events); i++ {
		if events[i].Offset < events[i-1].Offset {
			t.Fatalf("offset went backwards at %d", i)
		}
	}
	last := events[len(events)-1]
	if !last.Done || last.Offset != int64(len(raw)) || last.Fraction() != 1 {
		t.Fatalf("final event=%+v", last)
	}
	if out.SizeBytes != int64(len(raw)) || out.Snapshot.Samples != 30 {
		t.Fatalf("summary size=%d samples=%d", out.SizeBytes, out.Snapshot.Samples)
	}
	if out.Snapshot.FirstTimestamp != 999 || out.Snapshot.LastTimestamp != 1024 {
		t.Fatalf("timestamps first=%v last=%v", out.Snapshot.FirstTimestamp, out.Snapshot.LastTimestamp)
	}
	if out.Snapshot.Duration() != 25 || (Snapshot{}).Duration() != 0 {
		t.Fatalf("duration=%v", out.Snapshot.Duration())
	}
}

func TestMetricsPerKind(t *testing.T) {
	testlog.Start(t)

	raw, _ := sample.Marshal(fixture(2), sample.Definite)
	out, err := Decode(context.Background(), bytes.NewReader(raw), Options{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	loc := out.Snapshot.Kinds[sample.Location]
	if loc.Count != 2 || loc.Skipped != 1 || loc.Max != 10 || loc.Min != 5 {
		t.Fatalf("location stats=%+v", loc)
	}
	if len(out.Speed) != 2 || math.Abs(out.Speed[0].Value-36) > 1e-9 || math.Abs(out.Speed[1].Value-18) > 1e-9 {
		t.Fatalf("speed points=%+v", out.Speed)
	}
	if acc := out.Snapshot.Kinds[sample.Accelerometer]; acc.Max != 5 {
		t.Fatalf("accelerometer magnitude=%v", acc.Max)
	}
	if dm := out.Snapshot.Kinds[sample.DeviceMotion]; dm.Max != 2 {
		t.Fatalf("device motion magnitude=%v", dm.Max)
	}
	if hr := out.Snapshot.Kinds[sample.HeartRate]; hr.Mean() != 60.5 {
		t.Fatalf("heart rate mean=%v", hr.Mean())
	}

	if out.HeartRate[1].ID <= out.HeartRate[0].ID || out.Speed[0].ID <= out.HeartRate[1].ID {
		t.Fatalf("ids not increasing: hr=%+v speed=%+v", out.HeartRate, out.Speed)
	}
}

func TestDecodeFailures(t *testing.T) {
	testlog.Start(t)

	raw, _ := sample.Marshal(fixture(600), sample.Indefinite)
	if _, err := Decode(context.Background(), bytes.NewReader(raw[:len(raw)-3]), Options{}); !errors.Is(err, codec.ErrUnexpectedEnd) {
		t.Fatalf("expected ErrUnexpectedEnd, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Decode(ctx, bytes.NewReader(raw), Options{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCacheDigestGuard(t *testing.T) {
	testlog.Start(t)

	blobs, _ := store.NewBlobs(t.TempDir())
	cache := NewCache(blobs)
	in := Summary{WorkoutID: "w", Digest: "abc", SizeBytes: 10, HeartRate: []Point{{ID: 1, Timestamp: 2, Value: 3}}, Speed: []Point{}}
	in.Snapshot.Samples = 4
	if _, err := cache.Store("w_summary.cbor.zst", in); err != nil {
		t.Fatalf("store: %v", err)
	}
	out, ok, err := cache.Load("w_summary.cbor.zst", "abc")
	if err != nil || !ok {
		t.Fatalf("load ok=%v err=%v", ok, err)
	}
	if out.Snapshot.Samples != 4 || len(out.HeartRate) != 1 || out.HeartRate[0].Value != 3 {
		t.Fatalf("cache round trip mismatch: %+v", out)
	}
	if _, ok, err := cache.Load("w_summary.cbor.zst", "other"); ok || err != nil {
		t.Fatalf("stale digest ok=%v err=%v", ok, err)
	}
	if _, ok, err := cache.Load("missing.cbor.zst", "abc"); ok || err != nil {
		t.Fatalf("missing cache ok=%v err=%v", ok, err)
	}
	_ = os.WriteFile(filepath.Join(blobs.Root(), "bad.cbor.zst"), []byte("nope"), 0o644)
	if _, _, err := cache.Load("bad.cbor.zst", "abc"); !errors.Is(err, ErrCacheCorrupt) {
		t.Fatalf("expected ErrCacheCorrupt, got %v", err)
	}
}

func TestServiceCachesUntilBlobChanges(t *testing.T) {
	testlog.Start(t)

	blobs, _ := store.NewBlobs(t.TempDir())
	engine := reassembly.NewEngine(reassembly.Options{Blobs: blobs})
	t.Cleanup(engine.Close)

	raw, _ := sample.Marshal(fixture(5), sample.Definite)
	tmp := filepath.Join(t.TempDir(), "upload")
	_ = os.WriteFile(tmp, raw, 0o644)
	meta := protocol.ChunkMetadata{FileName: protocol.ChunkFileName("w", 0), WorkoutID: "w", TotalChunks: 1}
	if _, err := engine.IngestChunk(meta, tmp); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	engine.Wait()

	svc := NewService(engine, blobs, 0)
	if _, err := svc.Summarize(context.Background(), "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	first, err := svc.Summarize(context.Background(), "w", nil)
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if first.Digest == "" || first.Snapshot.Samples != 10 {
		t.Fatalf("summary=%+v", first)
	}
	rec, _ := engine.Get("w")
	if rec.SummaryFileName != protocol.SummaryFileName("w") || !blobs.Exists(rec.SummaryFileName) {
		t.Fatalf("summary cache not attached: %+v", rec)
	}

	var events []Progress
	second, err := svc.Summarize(context.Background(), "w", func(p Progress) { events = append(events, p) })
	if err != nil {
		t.Fatalf("summarize cached: %v", err)
	}
	if len(events) != 1 || !events[0].Done || second.Digest != first.Digest {
		t.Fatalf("expected single cached progress event, got %+v", events)
	}

	// Rewrite the merged blob; the stale cache must not be served.
	changed, _ := sample.Marshal(fixture(7), sample.Indefinite)
	_ = os.WriteFile(filepath.Join(blobs.Root(), rec.MergedFileName), changed, 0o644)
	third, err := svc.Summarize(context.Background(), "w", nil)
	if err != nil {
		t.Fatalf("summarize changed: %v", err)
	}
	if third.Digest == first.Digest || third.Snapshot.Samples != 12 {
		t.Fatalf("stale cache served: %+v", third)
	}
}
