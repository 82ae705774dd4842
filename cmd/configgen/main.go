package main

import (
	"flag"
	"fmt"

	"github.com/danmuck/sensorsync/internal/config"
	"github.com/danmuck/sensorsync/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	kind := flag.String("kind", "receiver", "config kind: receiver|producer")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	logging.ConfigureRuntime()
	path, err := defaultPath(*kind)
	if err != nil {
		log.Fatal().Err(err).Msg("configgen")
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		switch *kind {
		case "receiver":
			_, err = config.LoadReceiverConfig(path)
		case "producer":
			_, err = config.LoadProducerConfig(path)
		}
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("configgen validate")
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("configgen validated")
		return
	}

	if *output != "" {
		path = *output
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("configgen write")
	}
	log.Info().Str("kind", *kind).Str("path", path).Msg("configgen wrote template")
}

func defaultPath(kind string) (string, error) {
	switch kind {
	case "receiver":
		return "cmd/receiverctl/config.toml", nil
	case "producer":
		return "cmd/producerctl/config.toml", nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}
