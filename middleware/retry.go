package middleware

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/richardbowden/sqsjobs"
)

// NoEndlessRetry swallows errors marked with sqsjobs.Terminal. The worker then
// acknowledges the message instead of letting it be redelivered forever.
func NoEndlessRetry(logger zerolog.Logger) sqsjobs.ExecutionFunc {
	return func(job sqsjobs.Job, ec *sqsjobs.ExecutionContext, next func() error) error {
		err := next()
		if err == nil || !sqsjobs.IsTerminal(err) {
			return err
		}
		logger.Warn().
			Str("job_type", fmt.Sprintf("%T", job)).
			Str("message_id", ec.GetString(sqsjobs.KeyMessageID)).
			Err(err).
			Msg("Discarding job after terminal error")
		return nil
	}
}
