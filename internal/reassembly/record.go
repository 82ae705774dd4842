package reassembly

import (
	"sort"
	"time"

	"github.com/danmuck/sensorsync/internal/protocol"
)

// Record is the receiver's view of one workout's transfer.
type Record struct {
	WorkoutID        string             `json:"workoutId"`
	StartDate        float64            `json:"startDate"`
	TotalSampleCount int                `json:"totalSampleCount"`
	TotalChunks      int                `json:"totalChunks"`
	ReceivedChunks   map[int]string     `json:"receivedChunks"`
	FailedChunks     []int              `json:"failedChunks"`
	Manifest         *protocol.Manifest `json:"manifest,omitempty"`
	MergedFileName   string             `json:"mergedFileName,omitempty"`
	FileSizeBytes    int64              `json:"fileSizeBytes"`
	SummaryFileName  string             `json:"summaryFileName,omitempty"`
	UpdatedAt        time.Time          `json:"updatedAt"`

	// generation changes on every accept, quarantine or totals update.
	generation uint64
}

// IsComplete reports whether every chunk index has been accepted.
func (r Record) IsComplete() bool {
	return r.TotalChunks > 0 && len(r.ReceivedChunks) == r.TotalChunks
}

// IsMerged reports whether the record reached its terminal state.
func (r Record) IsMerged() bool {
	return r.MergedFileName != ""
}

// Missing returns the sorted indices still needed: indices never accepted
// plus indices that failed verification.
func (r Record) Missing() []int {
	set := make(map[int]struct{})
	for i := 0; i < r.TotalChunks; i++ {
		if _, ok := r.ReceivedChunks[i]; !ok {
			set[i] = struct{}{}
		}
	}
	for _, idx := range r.FailedChunks {
		if idx >= 0 && idx < r.TotalChunks {
			set[idx] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for idx := range set {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// HasFailed reports whether idx is currently quarantined.
func (r Record) HasFailed(idx int) bool {
	i := sort.SearchInts(r.FailedChunks, idx)
	return i < len(r.FailedChunks) && r.FailedChunks[i] == idx
}

func (r *Record) markFailed(idx int) {
	i := sort.SearchInts(r.FailedChunks, idx)
	if i < len(r.FailedChunks) && r.FailedChunks[i] == idx {
		return
	}
	r.FailedChunks = append(r.FailedChunks, 0)
	copy(r.FailedChunks[i+1:], r.FailedChunks[i:])
	r.FailedChunks[i] = idx
}

func (r *Record) clearFailed(idx int) {
	i := sort.SearchInts(r.FailedChunks, idx)
	if i < len(r.FailedChunks) && r.FailedChunks[i] == idx {
		r.FailedChunks = append(r.FailedChunks[:i], r.FailedChunks[i+1:]...)
	}
}

// Clone returns a deep copy safe to hand outside the engine.
func (r Record) Clone() Record {
	out := r
	out.ReceivedChunks = make(map[int]string, len(r.ReceivedChunks))
	for idx, name := range r.ReceivedChunks {
		out.ReceivedChunks[idx] = name
	}
	out.FailedChunks = append([]int{}, r.FailedChunks...)
	if r.Manifest != nil {
		m := *r.Manifest
		m.Chunks = append([]protocol.ManifestEntry(nil), r.Manifest.Chunks...)
		out.Manifest = &m
	}
	return out
}

func newRecordFromChunk(meta protocol.ChunkMetadata) *Record {
	return &Record{
		WorkoutID:        meta.WorkoutID,
		StartDate:        meta.StartDate,
		TotalSampleCount: meta.TotalSampleCount,
		TotalChunks:      meta.TotalChunks,
		ReceivedChunks:   make(map[int]string),
		FailedChunks:     []int{},
	}
}

func newRecordFromManifest(m protocol.Manifest) *Record {
	return &Record{
		WorkoutID:        m.WorkoutID,
		StartDate:        m.StartDate,
		TotalSampleCount: m.TotalSampleCount,
		TotalChunks:      m.TotalChunks,
		ReceivedChunks:   make(map[int]string),
		FailedChunks:     []int{},
	}
}

func sameChunks(a, b map[int]string) bool {
	if len(a) != len(b) {
		return false
	}
	for idx, name := range a {
		if b[idx] != name {
			return false
		}
	}
	return true
}
