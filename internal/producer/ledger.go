package producer

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/sensorsync/internal/protocol"
)

// Transfer is a finished session kept for retransmission.
type Transfer struct {
	WorkoutID     string
	Chunks        []ChunkFile
	Manifest      protocol.Manifest
	Sending       bool
	Attempts      int
	FinishedAt    time.Time
	LastAttemptAt time.Time
	LastError     string
}

// Ledger stores finished transfers by workout id.
type Ledger struct {
	mu    sync.RWMutex
	items map[string]Transfer
}

func NewLedger() *Ledger {
	return &Ledger{items: make(map[string]Transfer)}
}

func (l *Ledger) Put(item Transfer) {
	key := strings.TrimSpace(item.WorkoutID)
	if key == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[key] = item
}

func (l *Ledger) Get(workoutID string) (Transfer, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	item, ok := l.items[strings.TrimSpace(workoutID)]
	return item, ok
}

// BeginSend marks a transfer as in flight. It fails when the workout is
// unknown or already sending.
func (l *Ledger) BeginSend(workoutID string, at time.Time) (Transfer, bool) {
	key := strings.TrimSpace(workoutID)
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.items[key]
	if !ok || item.Sending {
		return item, false
	}
	item.Sending = true
	item.Attempts++
	item.LastAttemptAt = at
	l.items[key] = item
	return item, true
}

// EndSend clears the in-flight mark and records the last error.
func (l *Ledger) EndSend(workoutID string, lastErr error) {
	key := strings.TrimSpace(workoutID)
	l.mu.Lock()
	defer l.mu.Unlock()
	item, ok := l.items[key]
	if !ok {
		return
	}
	item.Sending = false
	item.LastError = ""
	if lastErr != nil {
		item.LastError = lastErr.Error()
	}
	l.items[key] = item
}

func (l *Ledger) Remove(workoutID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.items, strings.TrimSpace(workoutID))
}

func (l *Ledger) List() []Transfer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Transfer, 0, len(l.items))
	for _, item := range l.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].WorkoutID < out[j].WorkoutID
	})
	return out
}
