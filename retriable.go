package sqsjobs

import (
	"errors"
	"fmt"
	"time"
)

// ErrHopeless is wrapped into the terminal error RetryOrFail returns once a job used
// up its retries.
var ErrHopeless = errors.New("sqsjobs: maximum retries reached")

// Retriable is embedded into a job to count how often it was put back on the queue.
// The counter is part of the job parameters, so it survives the round trip:
//
//	type pingJob struct {
//		sqsjobs.Retriable
//		URL string `json:"url"`
//	}
type Retriable struct {
	Retries int `json:"retries,omitempty"`
}

// Retry bumps the counter and submits job again through ec after delay. job is
// normally the value embedding r.
func (r *Retriable) Retry(ec *ExecutionContext, job Job, delay time.Duration) error {
	r.Retries++
	if err := ec.Submit(job, WithDelay(delay)); err != nil {
		r.Retries--
		return fmt.Errorf("resubmit job: %w", err)
	}
	return nil
}

// RetryOrFail retries job until it has been retried more than maxRetries times and
// then returns a terminal error wrapping ErrHopeless.
func (r *Retriable) RetryOrFail(ec *ExecutionContext, job Job, maxRetries int, delay time.Duration) error {
	if r.Retries > maxRetries {
		return Terminal(fmt.Errorf("%w (%d)", ErrHopeless, r.Retries))
	}
	return r.Retry(ec, job, delay)
}
