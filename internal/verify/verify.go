// Package verify checks a received chunk file against its manifest entry.
package verify

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/sensorsync/internal/protocol"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonOutOfRange = "index_out_of_range"
	ReasonIO         = "io_error"
	ReasonSize       = "size_mismatch"
	ReasonDigest     = "digest_mismatch"
)

// Result is the outcome of one verification. Digest and Size are filled
// whenever the file could be read.
type Result struct {
	Passed bool
	Reason string
	Digest string
	Size   int64
	Err    error
}

func (r Result) String() string {
	if r.Passed {
		return "passed"
	}
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Reason, r.Err)
	}
	return r.Reason
}

// Digest computes the lowercase hex md5 and size of a file.
func Digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := md5.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// File verifies path against entry.
func File(path string, entry protocol.ManifestEntry) Result {
	digest, size, err := Digest(path)
	if err != nil {
		return Result{Reason: ReasonIO, Err: err}
	}
	res := Result{Digest: digest, Size: size}
	switch {
	case size != entry.SizeBytes:
		res.Reason = ReasonSize
	case digest != entry.MD5:
		res.Reason = ReasonDigest
	default:
		res.Passed = true
	}
	return res
}

// Chunk verifies the file for chunk index against manifest m. An index
// outside the manifest fails without touching the file.
func Chunk(path string, index int, m protocol.Manifest) Result {
	entry, ok := m.Entry(index)
	if !ok {
		return Result{Reason: ReasonOutOfRange}
	}
	return File(path, entry)
}
