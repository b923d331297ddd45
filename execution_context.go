package sqsjobs

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// well known execution context keys set by the worker
const (
	KeyMessageID     = "message_id"
	KeyReceiptHandle = "receipt_handle"
)

// ExecutionContext is handed to every running job. It carries the job's context,
// lets the job submit follow up jobs and holds arbitrary per-execution values.
type ExecutionContext struct {
	context.Context

	submitter *Submitter
	logger    zerolog.Logger

	mu     sync.RWMutex
	params map[string]any
}

func NewExecutionContext(ctx context.Context, submitter *Submitter, logger zerolog.Logger) *ExecutionContext {
	return &ExecutionContext{
		Context:   ctx,
		submitter: submitter,
		logger:    logger,
		params:    make(map[string]any),
	}
}

// Submit enqueues a follow up job. Within a worker the message is buffered and only
// sent once the current job completes.
func (ec *ExecutionContext) Submit(job Job, opts ...SubmitOption) error {
	return ec.submitter.Submit(ec.Context, []Job{job}, opts...)
}

func (ec *ExecutionContext) Set(key string, value any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.params[key] = value
}

func (ec *ExecutionContext) Get(key string) any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.params[key]
}

// Fetch returns the value under key, or the result of fallback if it is not set.
func (ec *ExecutionContext) Fetch(key string, fallback func() any) any {
	ec.mu.RLock()
	v, ok := ec.params[key]
	ec.mu.RUnlock()
	if !ok && fallback != nil {
		return fallback()
	}
	return v
}

// GetString is a convenience for string values like KeyMessageID.
func (ec *ExecutionContext) GetString(key string) string {
	s, _ := ec.Get(key).(string)
	return s
}

func (ec *ExecutionContext) Logger() *zerolog.Logger {
	return &ec.logger
}
