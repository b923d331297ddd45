package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/richardbowden/sqsjobs"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print the approximate depth of the queue",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "truncate",
				Usage: "Remove every message from a local queue",
			},
		},
		Action: queueStatus,
	}
}

func queueStatus(c *cli.Context) error {
	conn, err := sqsjobs.NewConnectionFromURL(c.Context, c.String("queue-url"), sqsjobs.ConnectionOptions{Logger: log.Logger})
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	if closer, ok := conn.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	if c.Bool("truncate") {
		local, ok := conn.(*sqsjobs.LocalConnection)
		if !ok {
			return cli.Exit("truncate only works on a local queue", 2)
		}
		if err := local.Truncate(c.Context); err != nil {
			return fmt.Errorf("failed to truncate queue: %w", err)
		}
		log.Info().Msg("Queue truncated")
	}

	reporter, ok := conn.(sqsjobs.StatsReporter)
	if !ok {
		return cli.Exit("this connection does not report queue stats", 1)
	}
	stats, err := reporter.QueueStats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Fprintf(c.App.Writer, "available: %d\nin flight: %d\ndelayed:   %d\n", stats.Available, stats.InFlight, stats.Delayed)
	return nil
}
