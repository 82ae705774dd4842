// Package producer buffers sensor samples into chunk files during a
// workout and ships them, plus a manifest, to a receiver.
package producer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/sample"
	"github.com/rs/zerolog/log"
)

var ErrSessionClosed = errors.New("producer: session closed")

// SessionConfig controls chunking for one workout.
type SessionConfig struct {
	Dir                string
	FlushInterval      time.Duration
	MaxSamplesPerChunk int
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Dir:                filepath.Join("local", "outbox"),
		FlushInterval:      30 * time.Second,
		MaxSamplesPerChunk: 50000,
	}
}

// ChunkFile is one flushed chunk on local disk.
type ChunkFile struct {
	Index     int    `json:"index"`
	FileName  string `json:"fileName"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
	Samples   int    `json:"samples"`
	MD5       string `json:"md5"`
}

// Session accumulates samples for one workout.
type Session struct {
	cfg       SessionConfig
	workoutID string
	startDate float64

	mu      sync.Mutex
	buf     sample.Payload
	chunks  []ChunkFile
	samples int
	closed  bool
	done    chan struct{}
}

// NewSession starts a session writing chunks under cfg.Dir.
func NewSession(cfg SessionConfig, workoutID string, start time.Time) (*Session, error) {
	if err := protocol.ValidateWorkoutID(workoutID); err != nil {
		return nil, err
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultSessionConfig().Dir
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("producer: create outbox dir: %w", err)
	}
	return &Session{
		cfg:       cfg,
		workoutID: workoutID,
		startDate: float64(start.Unix()) + float64(start.Nanosecond())/float64(time.Second),
		done:      make(chan struct{}),
	}, nil
}

func (s *Session) WorkoutID() string {
	return s.workoutID
}

// Add buffers one tuple. Reaching MaxSamplesPerChunk flushes immediately.
func (s *Session) Add(k sample.Kind, t sample.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.buf.Append(k, t); err != nil {
		return err
	}
	if s.cfg.MaxSamplesPerChunk > 0 && s.buf.Len() >= s.cfg.MaxSamplesPerChunk {
		_, _, err := s.flushLocked()
		return err
	}
	return nil
}

// Flush writes buffered samples as the next chunk. It reports false when
// the buffer was empty.
func (s *Session) Flush() (ChunkFile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ChunkFile{}, false, ErrSessionClosed
	}
	return s.flushLocked()
}

func (s *Session) flushLocked() (ChunkFile, bool, error) {
	n := s.buf.Len()
	if n == 0 {
		return ChunkFile{}, false, nil
	}
	idx := len(s.chunks)
	name := protocol.ChunkFileName(s.workoutID, idx)
	path := filepath.Join(s.cfg.Dir, name)

	f, err := os.Create(path)
	if err != nil {
		return ChunkFile{}, false, fmt.Errorf("producer: create %s: %w", name, err)
	}
	h := md5.New()
	size, err := sample.Encode(io.MultiWriter(f, h), s.buf, sample.Definite)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return ChunkFile{}, false, fmt.Errorf("producer: write %s: %w", name, err)
	}

	chunk := ChunkFile{
		Index:     idx,
		FileName:  name,
		Path:      path,
		SizeBytes: size,
		Samples:   n,
		MD5:       hex.EncodeToString(h.Sum(nil)),
	}
	s.chunks = append(s.chunks, chunk)
	s.samples += n
	s.buf.Reset()
	log.Debug().Str("workout", s.workoutID).Int("chunk", idx).Int("samples", n).Int64("bytes", size).Msg("producer.Session.flush")
	return chunk, true, nil
}

// Run flushes on every FlushInterval tick until ctx ends or the session is
// closed.
func (s *Session) Run(ctx context.Context) {
	if s.cfg.FlushInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.Flush(); err != nil && !errors.Is(err, ErrSessionClosed) {
				log.Error().Err(err).Str("workout", s.workoutID).Msg("producer.Session.Run flush failed")
			}
		}
	}
}

// Close runs the final flush and returns the finished chunk list and its
// manifest. Close is idempotent.
func (s *Session) Close() ([]ChunkFile, protocol.Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		if _, _, err := s.flushLocked(); err != nil {
			return nil, protocol.Manifest{}, err
		}
		s.closed = true
		close(s.done)
	}
	chunks := append([]ChunkFile(nil), s.chunks...)
	return chunks, s.manifestLocked(), nil
}

// Chunks returns the chunks flushed so far.
func (s *Session) Chunks() []ChunkFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChunkFile(nil), s.chunks...)
}

func (s *Session) manifestLocked() protocol.Manifest {
	m := protocol.Manifest{
		WorkoutID:        s.workoutID,
		StartDate:        s.startDate,
		TotalSampleCount: s.samples,
		TotalChunks:      len(s.chunks),
		Chunks:           make([]protocol.ManifestEntry, 0, len(s.chunks)),
	}
	for _, c := range s.chunks {
		m.Chunks = append(m.Chunks, protocol.ManifestEntry{FileName: c.FileName, SizeBytes: c.SizeBytes, MD5: c.MD5})
	}
	return m
}

func chunkMetadata(m protocol.Manifest, c ChunkFile) protocol.ChunkMetadata {
	return protocol.ChunkMetadata{
		FileName:         c.FileName,
		WorkoutID:        m.WorkoutID,
		ChunkIndex:       c.Index,
		TotalChunks:      m.TotalChunks,
		StartDate:        m.StartDate,
		TotalSampleCount: m.TotalSampleCount,
		ChunkSizeBytes:   c.SizeBytes,
	}
}
