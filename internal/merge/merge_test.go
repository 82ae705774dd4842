package merge

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/danmuck/sensorsync/internal/codec"
	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/sample"
	"github.com/danmuck/sensorsync/internal/store"
	"github.com/danmuck/sensorsync/internal/testutil/testlog"
)

func chunkPayload(i int) sample.Payload {
	ts := float64(1000 + i*10)
	var p sample.Payload
	p[sample.HeartRate] = []sample.Tuple{{ts, 60 + float64(i)}, {ts + 1, 61 + float64(i)}}
	p[sample.Location] = []sample.Tuple{{ts, 52, 4, 1, 5, 5, float64(i), 90}}
	if i%2 == 0 {
		p[sample.Accelerometer] = []sample.Tuple{{ts, 0, 0, 1}}
	}
	return p
}

func writeChunks(t *testing.T, blobs *store.Blobs, n int) map[int]string {
	t.Helper()
	out := make(map[int]string, n)
	for i := 0; i < n; i++ {
		name := protocol.ChunkFileName("w", i)
		raw, err := sample.Marshal(chunkPayload(i), sample.Definite)
		if err != nil {
			t.Fatalf("marshal chunk %d: %v", i, err)
		}
		if _, err := blobs.WriteAtomic(name, func(w io.Writer) error {
			_, err := w.Write(raw)
			return err
		}); err != nil {
			t.Fatalf("write chunk %d: %v", i, err)
		}
		out[i] = name
	}
	return out
}

func readMerged(t *testing.T, blobs *store.Blobs, name string) sample.Payload {
	t.Helper()
	f, err := blobs.Open(name)
	if err != nil {
		t.Fatalf("open merged: %v", err)
	}
	defer f.Close()
	p, err := sample.Decode(codec.NewDecoder(f))
	if err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	return p
}

func TestMergeOrdersByIndexRegardlessOfInsertion(t *testing.T) {
	testlog.Start(t)

	blobs, err := store.NewBlobs(t.TempDir())
	if err != nil {
		t.Fatalf("blobs: %v", err)
	}
	const n = 6
	files := writeChunks(t, blobs, n)

	var want sample.Payload
	for i := 0; i < n; i++ {
		want.Extend(chunkPayload(i))
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 3; round++ {
		shuffled := make(map[int]string, n)
		for _, i := range rng.Perm(n) {
			shuffled[i] = files[i]
		}
		res, err := Chunks(context.Background(), blobs, shuffled, protocol.MergedFileName("w"))
		if err != nil {
			t.Fatalf("merge round %d: %v", round, err)
		}
		if res.Total() != want.Len() {
			t.Fatalf("round %d total=%d want=%d", round, res.Total(), want.Len())
		}
		size, _ := blobs.Stat(res.FileName)
		if size != res.SizeBytes {
			t.Fatalf("reported size %d, on disk %d", res.SizeBytes, size)
		}
		got := readMerged(t, blobs, res.FileName)
		for _, k := range sample.Kinds {
			if len(got[k]) != len(want[k]) {
				t.Fatalf("%s len=%d want=%d", k, len(got[k]), len(want[k]))
			}
			for i := range want[k] {
				if got[k][i][0] != want[k][i][0] {
					t.Fatalf("%s[%d] ts=%v want=%v", k, i, got[k][i][0], want[k][i][0])
				}
			}
		}
	}
}

func TestMergedBlobUsesIndefiniteArrays(t *testing.T) {
	testlog.Start(t)

	blobs, _ := store.NewBlobs(t.TempDir())
	files := writeChunks(t, blobs, 2)
	res, err := Chunks(context.Background(), blobs, files, "w_merged.cbor")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	f, _ := blobs.Open(res.FileName)
	defer f.Close()
	dec := codec.NewDecoder(f)
	if _, err := dec.ReadMapHeader(); err != nil {
		t.Fatalf("map header: %v", err)
	}
	if _, err := dec.ReadUint(); err != nil {
		t.Fatalf("key: %v", err)
	}
	if _, indefinite, err := dec.ReadArrayHeader(); err != nil || !indefinite {
		t.Fatalf("expected indefinite array, indefinite=%v err=%v", indefinite, err)
	}
}

func TestCorruptChunkAbortsWithoutOutput(t *testing.T) {
	testlog.Start(t)

	blobs, _ := store.NewBlobs(t.TempDir())
	files := writeChunks(t, blobs, 3)
	if _, err := blobs.WriteAtomic(files[1], func(w io.Writer) error {
		_, err := w.Write([]byte{0xa4, 0x00})
		return err
	}); err != nil {
		t.Fatalf("corrupt chunk: %v", err)
	}

	_, err := Chunks(context.Background(), blobs, files, "w_merged.cbor")
	var chunkErr *ChunkError
	if !errors.As(err, &chunkErr) || chunkErr.Index != 1 {
		t.Fatalf("expected ChunkError for index 1, got %v", err)
	}
	if !errors.Is(err, codec.ErrUnexpectedEnd) {
		t.Fatalf("expected wrapped ErrUnexpectedEnd, got %v", err)
	}
	if blobs.Exists("w_merged.cbor") {
		t.Fatalf("partial merge was persisted")
	}

	if _, err := Chunks(context.Background(), blobs, nil, "w_merged.cbor"); !errors.Is(err, ErrNoChunks) {
		t.Fatalf("expected ErrNoChunks, got %v", err)
	}
}
