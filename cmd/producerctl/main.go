package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/sensorsync/internal/config"
	"github.com/danmuck/sensorsync/internal/logging"
	"github.com/danmuck/sensorsync/internal/producer"
	"github.com/danmuck/sensorsync/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type options struct {
	workoutID string
	seconds   int
	pace      time.Duration
	serve     bool
}

func main() {
	path := flag.String("config", "", "producer config path (defaults when empty)")
	workout := flag.String("workout", "", "workout id (random uuid when empty)")
	seconds := flag.Int("seconds", 600, "simulated workout length in seconds")
	pace := flag.Duration("pace", 0, "wall-clock delay per simulated second")
	serve := flag.Bool("serve", true, "keep answering retransmission requests after sending")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg := config.DefaultProducerConfig()
	if *path != "" {
		loaded, err := config.LoadProducerConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "producerctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	opts := options{workoutID: *workout, seconds: *seconds, pace: *pace, serve: *serve}
	if opts.workoutID == "" {
		opts.workoutID = uuid.NewString()
	}
	if err := run(cfg, opts); err != nil {
		fmt.Fprintf(os.Stderr, "producerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.ProducerConfig, opts options) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backoff := producer.DefaultBackoffConfig()
	backoff.Attempts = cfg.SendAttempts
	backoff.InitialDelay = cfg.BackoffInitial
	backoff.MaxDelay = cfg.BackoffMax
	tlsCfg := transport.TLSConfig(cfg.TLS)
	clientTLS, err := tlsCfg.Client()
	if err != nil {
		return err
	}
	client := transport.NewReceiverClient(cfg.ReceiverURL, cfg.SendTimeout).
		WithToken(cfg.AuthToken).
		WithTLS(clientTLS)
	p := producer.New(client, backoff)
	defer p.Close()

	server := transport.NewProducerServer(transport.ProducerServerConfig{
		ID:          cfg.ID,
		Addr:        cfg.Addr,
		CORSOrigins: cfg.CORSOrigins,
		AuthToken:   cfg.AuthToken,
		TLS:         tlsCfg,
	}, p)
	serveErr := make(chan error, 1)
	serveCtx, stopServe := context.WithCancel(ctx)
	defer stopServe()
	go func() { serveErr <- server.Serve(serveCtx) }()

	start := time.Now()
	session, err := producer.NewSession(producer.SessionConfig{
		Dir:                filepath.Join(cfg.OutboxDir, opts.workoutID),
		FlushInterval:      cfg.FlushInterval,
		MaxSamplesPerChunk: cfg.MaxSamplesPerChunk,
	}, opts.workoutID, start)
	if err != nil {
		return err
	}
	go session.Run(ctx)

	sim := simulation{start: start, seconds: opts.seconds, pace: opts.pace, rng: rand.New(rand.NewSource(start.UnixNano()))}
	n, err := sim.run(ctx, session)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	log.Info().Str("workout", opts.workoutID).Int("samples", n).Msg("producerctl workout recorded")

	if err := p.Finish(ctx, session); err != nil {
		log.Warn().Err(err).Str("workout", opts.workoutID).Msg("producerctl finish incomplete, waiting for retransmit requests")
		if errors.Is(err, producer.ErrEmptySession) {
			return err
		}
	}
	if !opts.serve {
		stopServe()
		return <-serveErr
	}
	log.Info().Str("addr", cfg.Addr).Msg("producerctl serving retransmissions")
	return <-serveErr
}
