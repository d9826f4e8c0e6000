// cmd/discord/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/keshon/chiwawa/internal/app"
	"github.com/keshon/chiwawa/internal/config"
	"github.com/keshon/chiwawa/internal/logger"
)

const appName = "Chiwawa"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Setup(logger.Options{})
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger.Setup(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	log.Info().Str("config", cfg.Path).Msgf("Starting %s bot...", appName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.NewSupervisor(cfg).Run(ctx); err != nil {
		log.Error().Err(err).Msg("application exited with error")
		os.Exit(1)
	}

	log.Info().Msgf("%s exited cleanly", appName)
}
