package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/callsync/callsync/cmd/callsync/commands"
	"github.com/callsync/callsync/pkg/telemetry"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Until the agent builds its own logger from configuration, CLI output
	// goes to stderr at CALLSYNC_LOG_LEVEL.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(telemetry.ParseLevel(os.Getenv("CALLSYNC_LOG_LEVEL")))

	// SIGINT/SIGTERM cancel ctx; the agent then drains delivery and closes
	// the store before Execute returns.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("callsync failed")
		stop()
		os.Exit(1)
	}
}
