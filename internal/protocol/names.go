package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	chunkInfix    = "_chunk_"
	blobExt       = ".cbor"
	mergedSuffix  = "_merged" + blobExt
	summarySuffix = "_summary.cbor.zst"
)

var workoutIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateWorkoutID rejects ids that could not be used verbatim in a file name.
func ValidateWorkoutID(id string) error {
	if !workoutIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidWorkoutID, id)
	}
	return nil
}

// ChunkFileName names the file holding chunk index of a workout.
func ChunkFileName(workoutID string, index int) string {
	return workoutID + chunkInfix + strconv.Itoa(index) + blobExt
}

// MergedFileName names the canonical merged blob of a workout.
func MergedFileName(workoutID string) string {
	return workoutID + mergedSuffix
}

// SummaryFileName names the decode cache derived from the merged blob.
func SummaryFileName(workoutID string) string {
	return workoutID + summarySuffix
}

// ParseChunkFileName splits a chunk file name into workout id and index.
func ParseChunkFileName(name string) (string, int, bool) {
	if !strings.HasSuffix(name, blobExt) {
		return "", 0, false
	}
	base := strings.TrimSuffix(name, blobExt)
	at := strings.LastIndex(base, chunkInfix)
	if at <= 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(base[at+len(chunkInfix):])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return base[:at], index, true
}
