package summary

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danmuck/sensorsync/internal/store"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const cacheVersion = 1

var ErrCacheCorrupt = errors.New("summary: corrupt cache")

var (
	cacheEncMode cbor.EncMode
	zstdEncoder  *zstd.Encoder
	zstdDecoder  *zstd.Decoder
)

func init() {
	var err error
	cacheEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("summary: cbor encoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("summary: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("summary: zstd decoder initialization failed: " + err.Error())
	}
}

type cacheEnvelope struct {
	Version int     `json:"version"`
	Digest  string  `json:"digest"`
	Summary Summary `json:"summary"`
}

// NewDigest returns the hasher used to fingerprint merged blobs.
func NewDigest() *blake3.Hasher {
	return blake3.New()
}

// FileDigest returns the hex BLAKE3 digest of everything read from r.
func FileDigest(r io.Reader) (string, error) {
	h := NewDigest()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Cache stores finished summaries next to the merged blobs they describe.
type Cache struct {
	blobs *store.Blobs
}

func NewCache(blobs *store.Blobs) *Cache {
	return &Cache{blobs: blobs}
}

// Store writes s under name and returns the compressed size.
func (c *Cache) Store(name string, s Summary) (int64, error) {
	raw, err := cacheEncMode.Marshal(cacheEnvelope{Version: cacheVersion, Digest: s.Digest, Summary: s})
	if err != nil {
		return 0, fmt.Errorf("summary: encode cache: %w", err)
	}
	compressed := zstdEncoder.EncodeAll(raw, nil)
	return c.blobs.WriteAtomic(name, func(w io.Writer) error {
		_, err := w.Write(compressed)
		return err
	})
}

// Load returns the cached summary under name when it was computed from a
// blob with the given digest. A missing cache is a miss, not an error.
func (c *Cache) Load(name, digest string) (Summary, bool, error) {
	path, err := c.blobs.Path(name)
	if err != nil {
		return Summary{}, false, err
	}
	compressed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Summary{}, false, nil
	}
	if err != nil {
		return Summary{}, false, err
	}
	raw, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return Summary{}, false, fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}
	var env cacheEnvelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return Summary{}, false, fmt.Errorf("%w: %v", ErrCacheCorrupt, err)
	}
	if env.Version != cacheVersion || env.Digest != digest {
		return Summary{}, false, nil
	}
	return env.Summary, true, nil
}
