package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog"

	"github.com/richardbowden/sqsjobs"
)

// Recover turns a panicking job into an error, so the message is left on the queue
// for redelivery. Panics carrying a sqsjobs.FatalError are passed on.
func Recover(logger zerolog.Logger) sqsjobs.ExecutionFunc {
	return func(job sqsjobs.Job, ec *sqsjobs.ExecutionContext, next func() error) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				if err, ok := r.(error); ok && sqsjobs.IsFatal(err) {
					panic(r)
				}
				logger.Error().
					Str("job_type", fmt.Sprintf("%T", job)).
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("Job panicked")
				retErr = fmt.Errorf("panic in job %T: %v", job, r)
			}
		}()
		return next()
	}
}
