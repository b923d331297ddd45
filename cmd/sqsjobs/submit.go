package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/richardbowden/sqsjobs"
	"github.com/richardbowden/sqsjobs/internal/demojobs"
)

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Enqueue demo jobs",
		ArgsUsage: "<job tag>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "params",
				Usage: `Job parameters as JSON, e.g. '{"path":"/tmp/x"}'`,
				Value: "{}",
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "How many copies of the job to submit",
				Value: 1,
			},
			&cli.DurationFlag{
				Name:  "delay",
				Usage: "Delay before the jobs become visible, may exceed the SQS maximum",
			},
		},
		Action: submitJobs,
	}
}

func submitJobs(c *cli.Context) error {
	tag := c.Args().First()
	if tag == "" {
		return cli.Exit("a job tag is required", 2)
	}
	if c.Int("count") < 1 {
		return cli.Exit("count must be at least 1", 2)
	}

	registry := sqsjobs.NewRegistry()
	demojobs.Register(registry)
	serializer := sqsjobs.NewJSONSerializer(registry)

	job, err := buildJob(serializer, tag, c.String("params"))
	if err != nil {
		return err
	}

	conn, err := sqsjobs.NewConnectionFromURL(c.Context, c.String("queue-url"), sqsjobs.ConnectionOptions{Logger: log.Logger})
	if err != nil {
		return fmt.Errorf("failed to create connection: %w", err)
	}
	if closer, ok := conn.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	jobs := make([]sqsjobs.Job, c.Int("count"))
	for i := range jobs {
		jobs[i] = job
	}

	submitter := sqsjobs.NewSubmitter(conn, serializer)
	if err := submitter.Submit(c.Context, jobs, sqsjobs.WithDelay(c.Duration("delay"))); err != nil {
		return fmt.Errorf("failed to submit jobs: %w", err)
	}

	log.Info().Str("job", tag).Int("count", len(jobs)).Dur("delay", c.Duration("delay")).Msg("Jobs submitted")
	return nil
}

// buildJob decodes params into the job registered under tag, with the same
// validation a worker applies to a received message
func buildJob(serializer sqsjobs.Serializer, tag, params string) (sqsjobs.Job, error) {
	if !json.Valid([]byte(params)) {
		return nil, cli.Exit("params must be valid JSON", 2)
	}
	body, err := json.Marshal(map[string]any{"job": tag, "params": json.RawMessage(params)})
	if err != nil {
		return nil, err
	}

	job, err := serializer.Unserialize(string(body))
	if err != nil {
		if errors.Is(err, sqsjobs.ErrUnknownJob) {
			return nil, cli.Exit(fmt.Sprintf("unknown job %q", tag), 2)
		}
		return nil, err
	}
	return job, nil
}
