package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sensorsync/internal/config"
	"github.com/danmuck/sensorsync/internal/logging"
	"github.com/danmuck/sensorsync/internal/reassembly"
	"github.com/danmuck/sensorsync/internal/retransmit"
	"github.com/danmuck/sensorsync/internal/store"
	"github.com/danmuck/sensorsync/internal/summary"
	"github.com/danmuck/sensorsync/internal/transport"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "receiver config path (defaults when empty)")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg := config.DefaultReceiverConfig()
	if *path != "" {
		loaded, err := config.LoadReceiverConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "receiverctl: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "receiverctl: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.ReceiverConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := store.NewBlobs(cfg.BlobDir())
	if err != nil {
		return err
	}
	engine := reassembly.NewEngine(reassembly.Options{
		Blobs: blobs,
		Table: store.NewFileTable[reassembly.Record](cfg.TablePath()),
	})
	defer engine.Close()
	if err := engine.Load(ctx); err != nil {
		return err
	}

	tlsCfg := transport.TLSConfig(cfg.TLS)
	clientTLS, err := tlsCfg.Client()
	if err != nil {
		return err
	}
	var peer retransmit.Peer
	if cfg.ProducerURL != "" {
		peer = transport.NewProducerClient(cfg.ProducerURL, cfg.ProducerTimeout).
			WithToken(cfg.AuthToken).
			WithTLS(clientTLS)
	}
	receiver := transport.NewReceiver(
		transport.ReceiverConfig{
			ID:             cfg.ID,
			Addr:           cfg.Addr,
			CORSOrigins:    cfg.CORSOrigins,
			MaxUploadBytes: cfg.MaxUploadBytes,
			AuthToken:      cfg.AuthToken,
			TLS:            tlsCfg,
		},
		engine,
		retransmit.NewCoordinator(engine, peer),
		summary.NewService(engine, blobs, cfg.ProgressInterval),
	)

	log.Info().
		Str("id", cfg.ID).
		Str("addr", cfg.Addr).
		Str("blobs", blobs.Root()).
		Int("workouts", len(engine.List())).
		Bool("producer", peer != nil).
		Msg("receiverctl ready")
	return receiver.Serve(ctx)
}
