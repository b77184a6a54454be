package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/kdeploy/cmd/kdeploy/commands"
)

// Set with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Commands log through the global logger until settings are loaded.
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = commands.Execute(ctx, version, commit, buildDate)
	interrupted := ctx.Err() != nil
	stop()

	switch {
	case err == nil:
	case interrupted && errors.Is(err, context.Canceled):
		log.Warn().Msg("Interrupted")
		os.Exit(130)
	default:
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}
