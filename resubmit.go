package sqsjobs

import (
	"fmt"
	"time"
)

// Resubmit wraps a job that is not due yet. Running it puts the job back on the
// queue with the remaining delay.
type Resubmit struct {
	Job          Job
	ExecuteAfter time.Time
}

func (r *Resubmit) Run(ec *ExecutionContext) error {
	delay := time.Until(r.ExecuteAfter)
	if delay < 0 {
		delay = 0
	}
	return ec.Submit(r.Job, WithDelay(delay))
}

func (r *Resubmit) String() string {
	return fmt.Sprintf("<Resubmit %s at %s>", describeJob(r.Job), r.ExecuteAfter.Format(time.RFC3339))
}
