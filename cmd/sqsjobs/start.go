package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/richardbowden/sqsjobs"
	"github.com/richardbowden/sqsjobs/dedup"
	"github.com/richardbowden/sqsjobs/internal/config"
	"github.com/richardbowden/sqsjobs/internal/demojobs"
	"github.com/richardbowden/sqsjobs/middleware"
)

const dedupCleanupInterval = time.Hour

func startCommand(cfg config.Config) *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a worker and process jobs until signalled",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "threads",
				Usage: "Number of consumer goroutines",
				Value: cfg.Threads,
			},
			&cli.IntFlag{
				Name:  "throttle-factor",
				Usage: "Messages buffered per consumer before receiving pauses",
				Value: cfg.ThrottleFactor,
			},
			&cli.DurationFlag{
				Name:  "empty-queue-sleep",
				Usage: "Pause when the queue or the buffer is empty",
				Value: cfg.EmptyQueueSleep,
			},
			&cli.DurationFlag{
				Name:  "stats-interval",
				Usage: "How often buffer and queue stats are logged, 0 disables",
				Value: cfg.StatsInterval,
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress per job logs (only show failures, metrics and stats)",
				Value: cfg.Quiet,
			},
			&cli.StringFlag{
				Name:  "dedup-type",
				Usage: "Deduplication store type (none, memory, postgres, redis)",
				Value: cfg.DedupType,
			},
		},
		Action: func(c *cli.Context) error {
			return startWorker(c, cfg)
		},
	}
}

func startWorker(c *cli.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	conn, err := sqsjobs.NewConnectionFromURL(ctx, c.String("queue-url"), sqsjobs.ConnectionOptions{
		Logger:           log.Logger,
		ReceiveWait:      cfg.ReceiveWait,
		MaxAttempts:      cfg.MaxAttempts,
		RedeliveryWindow: cfg.RedeliveryWindow,
		DeadLetterAfter:  cfg.DeadLetterAfter,
	})
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	if closer, ok := conn.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	registry := sqsjobs.NewRegistry()
	demojobs.Register(registry)

	stack := sqsjobs.NewMiddlewareStack()
	if !c.Bool("quiet") {
		stack.Use(middleware.NewLogging(log.Logger))
	}
	stack.Use(middleware.NoEndlessRetry(log.Logger))
	stack.Use(middleware.Recover(log.Logger))

	store, err := openDedupStore(ctx, c.String("dedup-type"), cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
		go dedup.RunCleanup(ctx, store, dedupCleanupInterval, cfg.DedupMaxAge, log.Logger)
		stack.Use(middleware.NewDeduplicate(store, log.Logger))
	}

	worker, err := sqsjobs.NewWorker(sqsjobs.WorkerConfig{
		Connection:      conn,
		Serializer:      sqsjobs.NewJSONSerializer(registry),
		Middleware:      stack,
		NumThreads:      c.Int("threads"),
		ThrottleFactor:  c.Int("throttle-factor"),
		EmptyQueueSleep: c.Duration("empty-queue-sleep"),
		StatsInterval:   c.Duration("stats-interval"),
	})
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	// shutdown setup, register before starting so no signal is missed
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGQUIT, syscall.SIGUSR2)
	defer signal.Stop(sigChan)

	if err := worker.Start(); err != nil {
		return cli.Exit(fmt.Sprintf("worker failed to start: %v", err), 1)
	}

	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR2:
				worker.LogStatus()
				pprof.Lookup("goroutine").WriteTo(os.Stderr, 1)
			case syscall.SIGQUIT:
				log.Warn().Str("signal", sig.String()).Msg("Killing worker")
				if err := worker.Kill(); err != nil {
					log.Error().Err(err).Msg("Kill failed")
				}
				return cli.Exit("worker killed", 1)
			default:
				log.Info().Str("signal", sig.String()).Msg("Shutting down...")
				if err := worker.Stop(); err != nil {
					return fmt.Errorf("failed to stop worker: %w", err)
				}
				return nil
			}
		case <-worker.Done():
			// the worker stopped itself, usually because receiving failed
			return cli.Exit("worker stopped unexpectedly", 1)
		}
	}
}

func openDedupStore(ctx context.Context, dedupType string, cfg config.Config) (dedup.Store, error) {
	switch dedupType {
	case "", "none":
		return nil, nil
	case "memory":
		return dedup.NewMemoryStore(cfg.DedupMaxAge), nil
	case "postgres":
		store, err := dedup.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return store, nil
	case "redis":
		store, err := dedup.NewRedisStore(ctx, cfg.RedisAddr, cfg.DedupMaxAge)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis deduplication store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("invalid dedup-type: %s", dedupType)
	}
}
