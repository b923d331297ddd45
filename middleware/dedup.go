package middleware

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/richardbowden/sqsjobs"
	"github.com/richardbowden/sqsjobs/dedup"
)

// Deduplicate skips jobs whose message was already processed. A message counts as
// processed once its job ran and its follow up jobs were sent, even if deleting
// it from the queue failed afterwards.
type Deduplicate struct {
	store  dedup.Store
	logger zerolog.Logger
}

func NewDeduplicate(store dedup.Store, logger zerolog.Logger) *Deduplicate {
	return &Deduplicate{store: store, logger: logger}
}

func (d *Deduplicate) AroundExecution(job sqsjobs.Job, ec *sqsjobs.ExecutionContext, next func() error) error {
	messageID := ec.GetString(sqsjobs.KeyMessageID)
	if messageID == "" {
		return next()
	}

	processed, err := d.store.IsProcessed(ec, messageID)
	if err != nil {
		return fmt.Errorf("check if message was processed: %w", err)
	}
	if processed {
		d.logger.Info().Str("message_id", messageID).Msg("Duplicate message detected, skipping")
		return nil
	}

	err = next()
	if err != nil && !errors.Is(err, sqsjobs.ErrAcknowledgeFailed) {
		return err
	}

	if markErr := d.store.MarkProcessed(ec, messageID, fmt.Sprintf("%T", job)); markErr != nil {
		d.logger.Error().Err(markErr).Str("message_id", messageID).Msg("Failed to mark message as processed")
	}
	return err
}
