package sqsjobs

import (
	"context"
	"fmt"
	"sync"
)

// ConnectionMessagebox buffers the sends and deletes of one job execution, and
// pushes them to the connection in one go on Flush.
type ConnectionMessagebox struct {
	conn    Connection
	mu      sync.Mutex
	sends   []Message
	deletes []string
}

func NewConnectionMessagebox(conn Connection) *ConnectionMessagebox {
	return &ConnectionMessagebox{conn: conn}
}

func (b *ConnectionMessagebox) SendMessages(_ context.Context, messages []Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, messages...)
	return nil
}

func (b *ConnectionMessagebox) DeleteMessage(receiptHandle string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, receiptHandle)
}

// Flush sends every buffered message and only then deletes the buffered receipt
// handles, so a job is acknowledged after the jobs it spawned are enqueued. If the
// send fails nothing is deleted and the buffers are kept.
func (b *ConnectionMessagebox) Flush(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.sends) > 0 {
		if err := b.conn.SendMessages(ctx, b.sends); err != nil {
			return 0, err
		}
	}
	flushed := len(b.sends)
	b.sends = nil

	if len(b.deletes) > 0 {
		if err := b.conn.DeleteMessages(ctx, b.deletes); err != nil {
			return flushed, fmt.Errorf("%w: %w", ErrAcknowledgeFailed, err)
		}
	}
	flushed += len(b.deletes)
	b.deletes = nil

	return flushed, nil
}
