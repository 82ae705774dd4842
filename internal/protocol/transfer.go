package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// MaxControlMessageBytes bounds JSON metadata, manifests and
// retransmission envelopes read from a peer.
const MaxControlMessageBytes = 4 << 20

// ChunkMetadata travels next to every transferred blob. When IsManifest is
// set the blob is a Manifest document and the chunk fields are unused.
type ChunkMetadata struct {
	FileName         string  `json:"fileName"`
	WorkoutID        string  `json:"workoutId"`
	ChunkIndex       int     `json:"chunkIndex"`
	TotalChunks      int     `json:"totalChunks"`
	StartDate        float64 `json:"startDate"`
	TotalSampleCount int     `json:"totalSampleCount"`
	ChunkSizeBytes   int64   `json:"chunkSizeBytes"`
	IsManifest       bool    `json:"isManifest,omitempty"`
}

func (m ChunkMetadata) Validate() error {
	if err := ValidateWorkoutID(m.WorkoutID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if m.IsManifest {
		return nil
	}
	if m.ChunkIndex < 0 {
		return fmt.Errorf("%w: negative chunkIndex", ErrInvalidMetadata)
	}
	if m.TotalChunks < 1 {
		return fmt.Errorf("%w: totalChunks must be >= 1", ErrInvalidMetadata)
	}
	if m.ChunkIndex >= m.TotalChunks {
		return fmt.Errorf("%w: chunkIndex %d outside totalChunks %d", ErrInvalidMetadata, m.ChunkIndex, m.TotalChunks)
	}
	if m.TotalSampleCount < 0 || m.ChunkSizeBytes < 0 {
		return fmt.Errorf("%w: negative counts", ErrInvalidMetadata)
	}
	if want := ChunkFileName(m.WorkoutID, m.ChunkIndex); m.FileName != want {
		return fmt.Errorf("%w: fileName %q, want %q", ErrInvalidMetadata, m.FileName, want)
	}
	return nil
}

// StartTime converts StartDate (epoch seconds) to a time.Time.
func (m ChunkMetadata) StartTime() time.Time {
	return epochTime(m.StartDate)
}

// ManifestEntry describes one chunk of a complete set.
type ManifestEntry struct {
	FileName  string `json:"fileName"`
	SizeBytes int64  `json:"sizeBytes"`
	MD5       string `json:"md5"`
}

// Manifest is the authoritative listing of a workout's chunks, ordered by
// chunk index.
type Manifest struct {
	WorkoutID        string          `json:"workoutId"`
	StartDate        float64         `json:"startDate"`
	TotalSampleCount int             `json:"totalSampleCount"`
	TotalChunks      int             `json:"totalChunks"`
	Chunks           []ManifestEntry `json:"chunks"`
}

func (m Manifest) Validate() error {
	if err := ValidateWorkoutID(m.WorkoutID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if m.TotalChunks < 1 {
		return fmt.Errorf("%w: totalChunks must be >= 1", ErrInvalidManifest)
	}
	if len(m.Chunks) != m.TotalChunks {
		return fmt.Errorf("%w: %d entries for totalChunks %d", ErrInvalidManifest, len(m.Chunks), m.TotalChunks)
	}
	for i, entry := range m.Chunks {
		if strings.TrimSpace(entry.FileName) == "" {
			return fmt.Errorf("%w: chunks[%d] missing fileName", ErrInvalidManifest, i)
		}
		if entry.SizeBytes < 0 {
			return fmt.Errorf("%w: chunks[%d] negative sizeBytes", ErrInvalidManifest, i)
		}
		if !isLowerHexMD5(entry.MD5) {
			return fmt.Errorf("%w: chunks[%d] md5 must be 32 lowercase hex chars", ErrInvalidManifest, i)
		}
	}
	return nil
}

// Entry returns the manifest entry for a chunk index.
func (m Manifest) Entry(index int) (ManifestEntry, bool) {
	if index < 0 || index >= len(m.Chunks) {
		return ManifestEntry{}, false
	}
	return m.Chunks[index], true
}

// StartTime converts StartDate (epoch seconds) to a time.Time.
func (m Manifest) StartTime() time.Time {
	return epochTime(m.StartDate)
}

// WriteManifest encodes m as JSON after validating it.
func WriteManifest(w io.Writer, m Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return json.NewEncoder(w).Encode(m)
}

// ReadManifest decodes and validates one manifest document.
func ReadManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := readBoundedJSON(r, &m); err != nil {
		return Manifest{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ParseMetadata decodes and validates chunk metadata.
func ParseMetadata(raw []byte) (ChunkMetadata, error) {
	if len(raw) > MaxControlMessageBytes {
		return ChunkMetadata{}, ErrMessageTooLarge
	}
	var m ChunkMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return ChunkMetadata{}, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := m.Validate(); err != nil {
		return ChunkMetadata{}, err
	}
	return m, nil
}

func readBoundedJSON(r io.Reader, out any) error {
	data, err := io.ReadAll(io.LimitReader(r, MaxControlMessageBytes+1))
	if err != nil {
		return err
	}
	if len(data) > MaxControlMessageBytes {
		return ErrMessageTooLarge
	}
	return json.Unmarshal(data, out)
}

func isLowerHexMD5(s string) bool {
	if len(s) != 32 || strings.ToLower(s) != s {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func epochTime(sec float64) time.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return time.Unix(whole, int64(frac*float64(time.Second))).UTC()
}
