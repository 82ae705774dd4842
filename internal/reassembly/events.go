package reassembly

// EventType names a committed change to a workout record.
type EventType string

const (
	EventCreated          EventType = "created"
	EventChunkAccepted    EventType = "chunk_accepted"
	EventChunkFailed      EventType = "chunk_failed"
	EventManifestAttached EventType = "manifest_attached"
	EventReverified       EventType = "reverified"
	EventMerged           EventType = "merged"
	EventMergeFailed      EventType = "merge_failed"
	EventSummaryAttached  EventType = "summary_attached"
	EventDeleted          EventType = "deleted"
)

// Event is delivered to observers after the change it describes has been
// committed. Record is a snapshot taken at commit time.
type Event struct {
	Type      EventType `json:"type"`
	WorkoutID string    `json:"workoutId"`
	Index     *int      `json:"chunkIndex,omitempty"`
	Record    Record    `json:"record"`
}

// Observer receives engine events. Observers run on the goroutine that
// committed the change, outside the engine lock, and must not block.
type Observer func(Event)
