package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/richardbowden/sqsjobs/internal/config"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config from environment")
	}

	app := &cli.App{
		Name:  "sqsjobs",
		Usage: "Run and submit background jobs over SQS or a local SQLite queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "queue-url",
				Usage: "SQS queue URL, or sqlite3://path/to/db?queue=name for a local queue",
				Value: cfg.QueueURL,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level (debug, info, warn, error)",
				Value: cfg.LogLevel,
			},
		},
		Before: func(c *cli.Context) error {
			setLogLevel(c.String("log-level"))
			if c.String("queue-url") == "" {
				return cli.Exit("a queue url is required, set --queue-url or SQS_QUEUE_URL", 2)
			}
			return nil
		},
		Commands: []*cli.Command{
			startCommand(cfg),
			submitCommand(),
			statusCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Application failed")
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
