package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrInvalidName = errors.New("store: invalid blob name")

// Blobs is a flat directory of named files.
type Blobs struct {
	root string
}

// NewBlobs creates root when missing and returns a store scoped to it.
func NewBlobs(root string) (*Blobs, error) {
	resolved := strings.TrimSpace(root)
	if resolved == "" {
		resolved = filepath.Join("local", "blobs")
	}
	if err := os.MkdirAll(resolved, 0o755); err != nil {
		return nil, fmt.Errorf("store: create blob root: %w", err)
	}
	return &Blobs{root: resolved}, nil
}

func (b *Blobs) Root() string {
	return b.root
}

// Path resolves name inside the root.
func (b *Blobs) Path(name string) (string, error) {
	clean := strings.TrimSpace(name)
	if clean == "" || clean != filepath.Base(clean) || clean == "." || clean == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(b.root, clean), nil
}

// Stat returns the size of a stored blob.
func (b *Blobs) Stat(name string) (int64, error) {
	p, err := b.Path(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether a blob is present.
func (b *Blobs) Exists(name string) bool {
	_, err := b.Stat(name)
	return err == nil
}

// Open opens a stored blob for reading.
func (b *Blobs) Open(name string) (*os.File, error) {
	p, err := b.Path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// CreateTemp creates a scratch file inside the root so a later Adopt is a
// same-filesystem rename.
func (b *Blobs) CreateTemp(pattern string) (*os.File, error) {
	return os.CreateTemp(b.root, ".tmp-"+pattern)
}

// Adopt renames a scratch file into place under name, replacing any
// existing blob of that name.
func (b *Blobs) Adopt(tempPath, name string) error {
	p, err := b.Path(name)
	if err != nil {
		return err
	}
	return os.Rename(tempPath, p)
}

// WriteAtomic streams fn's output to a scratch file and renames it into
// place only when fn succeeds. It returns the bytes written.
func (b *Blobs) WriteAtomic(name string, fn func(w io.Writer) error) (int64, error) {
	if _, err := b.Path(name); err != nil {
		return 0, err
	}
	f, err := b.CreateTemp(name)
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	cw := &countingWriter{w: f}
	werr := fn(cw)
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return 0, werr
	}
	if err := b.Adopt(tmp, name); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return cw.n, nil
}

// Remove deletes a blob. A missing blob is not an error.
func (b *Blobs) Remove(name string) error {
	p, err := b.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemovePath deletes a file by path, such as a scratch file from CreateTemp
// or a staged upload. A missing file is not an error.
func (b *Blobs) RemovePath(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List returns blob names with the given prefix, sorted. Scratch files are
// skipped.
func (b *Blobs) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
			continue
		}
		if prefix == "" || strings.HasPrefix(entry.Name(), prefix) {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
