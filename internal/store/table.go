package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Table persists a whole list of rows at once. Every Save replaces the
// previous contents; the last writer wins.
type Table[T any] interface {
	Load(ctx context.Context) ([]T, error)
	Save(ctx context.Context, rows []T) error
}

// FileTable stores rows as a JSON array in one file, replaced atomically.
type FileTable[T any] struct {
	mu   sync.Mutex
	path string
}

func NewFileTable[T any](path string) *FileTable[T] {
	return &FileTable[T]{path: path}
}

func (t *FileTable[T]) Path() string {
	return t.path
}

// Load returns the stored rows; a missing file is an empty table.
func (t *FileTable[T]) Load(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := os.ReadFile(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return []T{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read table %s: %w", t.path, err)
	}
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("store: parse table %s: %w", t.path, err)
	}
	if rows == nil {
		rows = []T{}
	}
	return rows, nil
}

// Save writes rows to a temp file next to the table and renames it over
// the previous version.
func (t *FileTable[T]) Save(ctx context.Context, rows []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rows == nil {
		rows = []T{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(t.path), ".table-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// MemoryTable keeps the serialized table in memory. Rows are copied through
// JSON so callers never share state with the store.
type MemoryTable[T any] struct {
	mu    sync.RWMutex
	data  []byte
	saves int
	err   error
}

func NewMemoryTable[T any]() *MemoryTable[T] {
	return &MemoryTable[T]{}
}

// FailWith makes subsequent Saves return err (nil clears it).
func (t *MemoryTable[T]) FailWith(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

// Saves reports how many successful Saves have happened.
func (t *MemoryTable[T]) Saves() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.saves
}

func (t *MemoryTable[T]) Load(ctx context.Context) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	rows := []T{}
	if len(t.data) == 0 {
		return rows, nil
	}
	if err := json.Unmarshal(t.data, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *MemoryTable[T]) Save(ctx context.Context, rows []T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.data = data
	t.saves++
	return nil
}
