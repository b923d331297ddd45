package sqsjobs

import (
	"context"
	"fmt"
	"time"
)

// MaxQueueDelay is the longest delay SQS accepts on a message, minus one second of
// slack. Longer delays are carried inside the job envelope.
const MaxQueueDelay = 899 * time.Second

type submitOptions struct {
	delay      time.Duration
	attributes map[string]string
}

type SubmitOption func(*submitOptions)

func WithDelay(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.delay = d }
}

func WithAttributes(attrs map[string]string) SubmitOption {
	return func(o *submitOptions) { o.attributes = attrs }
}

// Submitter serializes jobs and sends them through a Sender.
type Submitter struct {
	sender     Sender
	serializer Serializer
	nowFn      func() time.Time
}

func NewSubmitter(sender Sender, serializer Serializer) *Submitter {
	return &Submitter{sender: sender, serializer: serializer, nowFn: time.Now}
}

func (s *Submitter) Submit(ctx context.Context, jobs []Job, opts ...SubmitOption) error {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	queueDelay, jobDelay := splitDelay(o.delay)

	var executeAfter time.Time
	if jobDelay > 0 {
		executeAfter = s.nowFn().Add(jobDelay)
	}

	messages := make([]Message, 0, len(jobs))
	for _, job := range jobs {
		body, err := s.serializer.Serialize(job, executeAfter)
		if err != nil {
			return fmt.Errorf("serialize job: %w", err)
		}
		msg := NewMessage(body, queueDelay)
		msg.Attributes = o.attributes
		messages = append(messages, msg)
	}
	return s.sender.SendMessages(ctx, messages)
}

// splitDelay returns the part of d the queue can delay natively and the rest
func splitDelay(d time.Duration) (time.Duration, time.Duration) {
	if d <= 0 {
		return 0, 0
	}
	if d > MaxQueueDelay {
		return MaxQueueDelay, d - MaxQueueDelay
	}
	return d, 0
}
