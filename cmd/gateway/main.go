package main

import (
	"os"
	"time"

	"github.com/beam-cloud/vmr/pkg/common"
	"github.com/beam-cloud/vmr/pkg/gateway"
	"github.com/beam-cloud/vmr/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/getsentry/sentry-go"
)

func main() {
	// Initialize Sentry
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn: dsn,
		})
		if err != nil {
			log.Error().Err(err).Msg("sentry.Init failed")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	configManager, err := common.NewConfigManager[types.AppConfig]()
	if err != nil {
		log.Fatal().Err(err).Msg("error creating config manager")
	}
	config := configManager.GetConfig()

	// Initialize logging
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if config.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if config.PrettyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	gw, err := gateway.NewGateway(config)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("error creating gateway service")
	}

	if err := gw.Start(); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("gateway exited with error")
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
	log.Info().Msg("Gateway stopped")
}
