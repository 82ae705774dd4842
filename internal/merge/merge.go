// Package merge concatenates a complete chunk set into one canonical blob.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/danmuck/sensorsync/internal/codec"
	"github.com/danmuck/sensorsync/internal/sample"
	"github.com/danmuck/sensorsync/internal/store"
)

var ErrNoChunks = errors.New("merge: no chunks")

// ChunkError reports the chunk whose read or decode aborted a merge.
type ChunkError struct {
	Index    int
	FileName string
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("merge: chunk %d (%s): %v", e.Index, e.FileName, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// Result describes a merged blob.
type Result struct {
	FileName  string
	SizeBytes int64
	Samples   [sample.KindCount]int
}

// Total returns the number of samples across all kinds.
func (r Result) Total() int {
	n := 0
	for _, c := range r.Samples {
		n += c
	}
	return n
}

// Chunks decodes every chunk in ascending index order and writes the
// combined payload to outName with indefinite-length arrays. Nothing is
// written under outName unless every chunk decodes.
func Chunks(ctx context.Context, blobs *store.Blobs, chunks map[int]string, outName string) (Result, error) {
	if len(chunks) == 0 {
		return Result{}, ErrNoChunks
	}
	indices := make([]int, 0, len(chunks))
	for idx := range chunks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var merged sample.Payload
	for _, idx := range indices {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		name := chunks[idx]
		p, err := decodeChunk(blobs, name)
		if err != nil {
			return Result{}, &ChunkError{Index: idx, FileName: name, Err: err}
		}
		merged.Extend(p)
	}

	size, err := blobs.WriteAtomic(outName, func(w io.Writer) error {
		_, err := sample.Encode(w, merged, sample.Indefinite)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("merge: write %s: %w", outName, err)
	}
	res := Result{FileName: outName, SizeBytes: size}
	for _, k := range sample.Kinds {
		res.Samples[k] = len(merged[k])
	}
	return res, nil
}

func decodeChunk(blobs *store.Blobs, name string) (sample.Payload, error) {
	f, err := blobs.Open(name)
	if err != nil {
		return sample.Payload{}, err
	}
	defer f.Close()
	return sample.Decode(codec.NewDecoder(f))
}
