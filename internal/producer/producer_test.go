package producer

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/sample"
	"github.com/danmuck/sensorsync/internal/testutil/testlog"
	"github.com/danmuck/sensorsync/internal/verify"
)

type recordingSender struct {
	mu        sync.Mutex
	chunks    []protocol.ChunkMetadata
	manifests []protocol.Manifest
	failChunk map[int]int
	block     chan struct{}
}

func (s *recordingSender) SendChunk(_ context.Context, meta protocol.ChunkMetadata, path string) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failChunk[meta.ChunkIndex] > 0 {
		s.failChunk[meta.ChunkIndex]--
		return errors.New("send failed")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	s.chunks = append(s.chunks, meta)
	return nil
}

func (s *recordingSender) SendManifest(_ context.Context, m protocol.Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifests = append(s.manifests, m)
	return nil
}

func noBackoff(attempts int) BackoffConfig {
	return BackoffConfig{Attempts: attempts}
}

func newSession(t *testing.T, max int) *Session {
	t.Helper()
	s, err := NewSession(SessionConfig{Dir: t.TempDir(), MaxSamplesPerChunk: max}, "run-1", time.Unix(1760000000, 500_000_000))
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestFlushWritesDefiniteChunks(t *testing.T) {
	testlog.Start(t)
	s := newSession(t, 0)

	if _, ok, err := s.Flush(); ok || err != nil {
		t.Fatalf("empty flush ok=%v err=%v", ok, err)
	}
	_ = s.Add(sample.HeartRate, sample.Tuple{1, 70})
	_ = s.Add(sample.Accelerometer, sample.Tuple{1, 0, 0, 1})
	c, ok, err := s.Flush()
	if err != nil || !ok {
		t.Fatalf("flush ok=%v err=%v", ok, err)
	}
	if c.Index != 0 || c.FileName != protocol.ChunkFileName("run-1", 0) || c.Samples != 2 {
		t.Fatalf("chunk=%+v", c)
	}
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	p, err := sample.Unmarshal(raw)
	if err != nil || p.Len() != 2 {
		t.Fatalf("decode chunk len=%d err=%v", p.Len(), err)
	}
	if res := verify.File(c.Path, protocol.ManifestEntry{SizeBytes: c.SizeBytes, MD5: c.MD5}); !res.Passed {
		t.Fatalf("chunk digest does not verify: %+v", res)
	}
	if err := s.Add(sample.HeartRate, sample.Tuple{1}); !errors.Is(err, sample.ErrTupleShape) {
		t.Fatalf("expected ErrTupleShape, got %v", err)
	}
}

func TestMaxSamplesFlushesAndFinalFlushKeepsTail(t *testing.T) {
	testlog.Start(t)
	s := newSession(t, 3)

	for i := 0; i < 7; i++ {
		if err := s.Add(sample.HeartRate, sample.Tuple{float64(i), 80}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if n := len(s.Chunks()); n != 2 {
		t.Fatalf("chunks before close=%d", n)
	}
	chunks, m, err := s.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(chunks) != 3 || chunks[2].Samples != 1 {
		t.Fatalf("tail not flushed: %+v", chunks)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("manifest invalid: %v", err)
	}
	if m.TotalSampleCount != 7 || m.TotalChunks != 3 || m.StartDate != 1760000000.5 {
		t.Fatalf("manifest=%+v", m)
	}
	if err := s.Add(sample.HeartRate, sample.Tuple{9, 80}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if again, _, err := s.Close(); err != nil || len(again) != 3 {
		t.Fatalf("second close chunks=%d err=%v", len(again), err)
	}
}

func TestRunFlushesOnTicker(t *testing.T) {
	testlog.Start(t)
	s, err := NewSession(SessionConfig{Dir: t.TempDir(), FlushInterval: 5 * time.Millisecond}, "run-2", time.Now())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	_ = s.Add(sample.HeartRate, sample.Tuple{1, 70})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for len(s.Chunks()) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if len(s.Chunks()) != 1 {
		t.Fatalf("ticker did not flush")
	}
	_, _, _ = s.Close()
	<-done
}

func TestFinishSendsChunksThenManifest(t *testing.T) {
	testlog.Start(t)
	sender := &recordingSender{failChunk: map[int]int{1: 1}}
	p := New(sender, noBackoff(2))
	defer p.Close()

	s := newSession(t, 2)
	for i := 0; i < 5; i++ {
		_ = s.Add(sample.HeartRate, sample.Tuple{float64(i), 80})
	}
	if err := p.Finish(context.Background(), s); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(sender.chunks) != 3 || len(sender.manifests) != 1 {
		t.Fatalf("sent chunks=%d manifests=%d", len(sender.chunks), len(sender.manifests))
	}
	for _, meta := range sender.chunks {
		if err := meta.Validate(); err != nil {
			t.Fatalf("metadata invalid: %v", err)
		}
		if meta.TotalChunks != 3 || meta.TotalSampleCount != 5 {
			t.Fatalf("metadata totals: %+v", meta)
		}
	}
	item, ok := p.Ledger().Get("run-1")
	if !ok || item.Sending || item.LastError != "" {
		t.Fatalf("ledger entry=%+v ok=%v", item, ok)
	}

	empty := newSession(t, 0)
	if err := p.Finish(context.Background(), empty); !errors.Is(err, ErrEmptySession) {
		t.Fatalf("expected ErrEmptySession, got %v", err)
	}
}

func TestChunkFailureDoesNotStopSession(t *testing.T) {
	testlog.Start(t)
	sender := &recordingSender{failChunk: map[int]int{0: 5}}
	p := New(sender, noBackoff(1))
	defer p.Close()

	s := newSession(t, 1)
	_ = s.Add(sample.HeartRate, sample.Tuple{1, 80})
	_ = s.Add(sample.HeartRate, sample.Tuple{2, 80})
	if err := p.Finish(context.Background(), s); err == nil {
		t.Fatalf("expected joined send error")
	}
	if len(sender.chunks) != 1 || sender.chunks[0].ChunkIndex != 1 || len(sender.manifests) != 1 {
		t.Fatalf("remaining sends skipped: chunks=%+v manifests=%d", sender.chunks, len(sender.manifests))
	}
}

func TestHandleRetransmitReplies(t *testing.T) {
	testlog.Start(t)
	sender := &recordingSender{}
	p := New(sender, noBackoff(1))
	defer p.Close()

	s := newSession(t, 1)
	for i := 0; i < 3; i++ {
		_ = s.Add(sample.HeartRate, sample.Tuple{float64(i), 80})
	}
	if err := p.Finish(context.Background(), s); err != nil {
		t.Fatalf("finish: %v", err)
	}

	req := protocol.RetransmitRequest{Type: protocol.TypeRequestChunks, WorkoutID: "unknown", ChunkIndices: []int{1}}
	if reply := p.HandleRetransmit(req); reply.Status != protocol.ReplyNotFound {
		t.Fatalf("unknown workout reply=%s", reply.Status)
	}

	sender.block = make(chan struct{})
	req.WorkoutID = "run-1"
	if reply := p.HandleRetransmit(req); reply.Status != protocol.ReplyAccepted {
		t.Fatalf("first request reply=%s", reply.Status)
	}
	if reply := p.HandleRetransmit(req); reply.Status != protocol.ReplyDenied {
		t.Fatalf("concurrent request reply=%s", reply.Status)
	}
	close(sender.block)
	p.Wait()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	last := sender.chunks[len(sender.chunks)-1]
	if last.ChunkIndex != 1 || len(sender.chunks) != 4 {
		t.Fatalf("resend mismatch: %+v", sender.chunks)
	}
	if len(sender.manifests) != 1 {
		t.Fatalf("manifest resent without being asked")
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	if d := nextDelay(cfg, 1, nil); d != 100*time.Millisecond {
		t.Fatalf("attempt 1 delay=%v", d)
	}
	if d := nextDelay(cfg, 2, nil); d != 200*time.Millisecond {
		t.Fatalf("attempt 2 delay=%v", d)
	}
	if d := nextDelay(cfg, 5, nil); d != 300*time.Millisecond {
		t.Fatalf("attempt 5 delay=%v", d)
	}
	cfg.Jitter = true
	if d := nextDelay(cfg, 2, nil); d != 100*time.Millisecond {
		t.Fatalf("jitter without rng delay=%v", d)
	}
}
