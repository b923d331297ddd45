package middleware

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/richardbowden/sqsjobs"
)

// Logging logs the start of every job, and its outcome with the elapsed time.
type Logging struct {
	logger zerolog.Logger
}

func NewLogging(logger zerolog.Logger) *Logging {
	return &Logging{logger: logger}
}

func (l *Logging) AroundDeserialization(_ sqsjobs.Serializer, msg sqsjobs.Message, next func() (sqsjobs.Job, error)) (sqsjobs.Job, error) {
	job, err := next()
	if err != nil {
		l.logger.Error().
			Str("message_id", msg.MessageID).
			Str("body", msg.String()).
			Err(err).
			Msg("Job deserialization failed")
	}
	return job, err
}

func (l *Logging) AroundExecution(job sqsjobs.Job, ec *sqsjobs.ExecutionContext, next func() error) error {
	jl := l.logger.With().
		Str("job_type", fmt.Sprintf("%T", job)).
		Str("message_id", ec.GetString(sqsjobs.KeyMessageID)).
		Logger()

	jl.Debug().Msg("Job started")
	start := time.Now()
	err := next()
	elapsed := time.Since(start)

	if err != nil {
		jl.Error().Dur("elapsed", elapsed).Err(err).Msg("Job failed")
	} else {
		jl.Info().Dur("elapsed", elapsed).Msg("Job completed")
	}
	return err
}
