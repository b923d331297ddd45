// Package dedup keeps track of messages that were already processed, so a
// redelivered message does not run its job twice when the first run succeeded but
// its acknowledgement was lost.
package dedup

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Store tracks processed messages
type Store interface {
	// checks if a message has already been processed
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// records that a message has been processed
	MarkProcessed(ctx context.Context, messageID, jobType string) error

	// removes old entries to prevent unbounded growth
	Cleanup(ctx context.Context, olderThan time.Duration) error

	// releases any resources, could be a noop if not required
	Close() error
}

// RunCleanup calls store.Cleanup every interval until ctx is done.
func RunCleanup(ctx context.Context, store Store, interval, maxAge time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := store.Cleanup(ctx, maxAge); err != nil {
				logger.Error().Err(err).Msg("Failed to cleanup deduplication store")
			} else {
				logger.Debug().Msg("Cleaned up old deduplication entries")
			}
		case <-ctx.Done():
			return
		}
	}
}
