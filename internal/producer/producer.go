package producer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptySession = errors.New("producer: session produced no chunks")
	ErrBusy         = errors.New("producer: transfer already in flight")
)

// Sender delivers files to the receiver.
type Sender interface {
	SendChunk(ctx context.Context, meta protocol.ChunkMetadata, path string) error
	SendManifest(ctx context.Context, m protocol.Manifest) error
}

// Producer ships finished sessions and answers retransmission requests.
type Producer struct {
	sender  Sender
	ledger  *Ledger
	backoff BackoffConfig
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(sender Sender, backoff BackoffConfig) *Producer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Producer{
		sender:  sender,
		ledger:  NewLedger(),
		backoff: backoff,
		now:     time.Now,
		sleep:   sleepCtx,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *Producer) Ledger() *Ledger {
	return p.ledger
}

// Finish closes s, records it in the ledger and sends every chunk followed
// by the manifest. Individual chunk failures are logged and do not stop
// the remaining sends; the joined error is returned.
func (p *Producer) Finish(ctx context.Context, s *Session) error {
	chunks, manifest, err := s.Close()
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return ErrEmptySession
	}
	p.ledger.Put(Transfer{
		WorkoutID:  manifest.WorkoutID,
		Chunks:     chunks,
		Manifest:   manifest,
		FinishedAt: p.now(),
	})
	if _, ok := p.ledger.BeginSend(manifest.WorkoutID, p.now()); !ok {
		return ErrBusy
	}
	err = p.send(ctx, manifest, chunks, true)
	p.ledger.EndSend(manifest.WorkoutID, err)
	log.Info().
		Str("workout", manifest.WorkoutID).
		Int("chunks", len(chunks)).
		Int("samples", manifest.TotalSampleCount).
		AnErr("err", err).
		Msg("producer.Producer.Finish sent")
	return err
}

// HandleRetransmit answers one retransmission request. Accepted resends
// run in the background.
func (p *Producer) HandleRetransmit(req protocol.RetransmitRequest) protocol.RetransmitReply {
	item, ok := p.ledger.Get(req.WorkoutID)
	if !ok {
		return protocol.RetransmitReply{Status: protocol.ReplyNotFound}
	}
	chunks := make([]ChunkFile, 0, len(req.ChunkIndices))
	for _, idx := range req.ChunkIndices {
		if idx >= 0 && idx < len(item.Chunks) {
			chunks = append(chunks, item.Chunks[idx])
		}
	}
	if len(chunks) == 0 && !req.NeedsManifest {
		return protocol.RetransmitReply{Status: protocol.ReplyNotFound}
	}
	if _, ok := p.ledger.BeginSend(req.WorkoutID, p.now()); !ok {
		return protocol.RetransmitReply{Status: protocol.ReplyDenied}
	}

	log.Info().
		Str("workout", req.WorkoutID).
		Str("request_id", req.RequestID).
		Int("chunks", len(chunks)).
		Bool("manifest", req.NeedsManifest).
		Msg("producer.Producer.HandleRetransmit accepted")
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.send(p.ctx, item.Manifest, chunks, req.NeedsManifest)
		p.ledger.EndSend(req.WorkoutID, err)
	}()
	return protocol.RetransmitReply{Status: protocol.ReplyAccepted}
}

// Wait blocks until background resends finish.
func (p *Producer) Wait() {
	p.wg.Wait()
}

// Close cancels background resends and waits for them.
func (p *Producer) Close() {
	p.cancel()
	p.wg.Wait()
}

func (p *Producer) send(ctx context.Context, m protocol.Manifest, chunks []ChunkFile, withManifest bool) error {
	var errs []error
	for _, c := range chunks {
		meta := chunkMetadata(m, c)
		err := p.retry(ctx, func() error { return p.sender.SendChunk(ctx, meta, c.Path) })
		if err != nil {
			log.Warn().Err(err).Str("workout", m.WorkoutID).Int("chunk", c.Index).Msg("producer.Producer.send chunk failed")
			errs = append(errs, fmt.Errorf("chunk %d: %w", c.Index, err))
		}
	}
	if withManifest {
		if err := p.retry(ctx, func() error { return p.sender.SendManifest(ctx, m) }); err != nil {
			log.Warn().Err(err).Str("workout", m.WorkoutID).Msg("producer.Producer.send manifest failed")
			errs = append(errs, fmt.Errorf("manifest: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Producer) retry(ctx context.Context, fn func() error) error {
	attempts := p.backoff.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		p.rngMu.Lock()
		delay := nextDelay(p.backoff, attempt, p.rng)
		p.rngMu.Unlock()
		if serr := p.sleep(ctx, delay); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
