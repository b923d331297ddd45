package sqsjobs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReceiveWait  = 5 * time.Second
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = 500 * time.Millisecond
)

// SQSClientInterface is the subset of *sqs.Client the connection uses.
type SQSClientInterface interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSConnection talks to one SQS queue using the batch APIs.
type SQSConnection struct {
	client      SQSClientInterface
	queueURL    string
	wait        time.Duration
	maxAttempts int
	backoff     time.Duration
	maxEntries  int
	maxBytes    int
	logger      zerolog.Logger
}

type SQSOption func(*SQSConnection)

func WithSQSLogger(l zerolog.Logger) SQSOption {
	return func(c *SQSConnection) { c.logger = l }
}

// WithReceiveWait sets the long polling wait of ReceiveMessages (at most 20s on SQS).
func WithReceiveWait(d time.Duration) SQSOption {
	return func(c *SQSConnection) { c.wait = d }
}

// WithRetry bounds the attempts made for networking errors and backend side batch
// failures, with a fixed pause between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) SQSOption {
	return func(c *SQSConnection) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		c.backoff = backoff
	}
}

// WithBatchLimits overrides the per batch entry count and byte size.
func WithBatchLimits(maxEntries, maxBytes int) SQSOption {
	return func(c *SQSConnection) {
		c.maxEntries = maxEntries
		c.maxBytes = maxBytes
	}
}

func NewSQSConnection(client SQSClientInterface, queueURL string, opts ...SQSOption) *SQSConnection {
	c := &SQSConnection{
		client:      client,
		queueURL:    queueURL,
		wait:        DefaultReceiveWait,
		maxAttempts: DefaultMaxAttempts,
		backoff:     DefaultRetryBackoff,
		maxEntries:  MaxBatchEntries,
		maxBytes:    MaxBatchBytes,
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SQSConnection) ReceiveMessages(ctx context.Context) ([]Message, error) {
	var result *sqs.ReceiveMessageOutput
	err := c.withNetworkRetry(ctx, "receive", func() error {
		var err error
		result, err = c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.queueURL),
			MaxNumberOfMessages:   int32(c.maxEntries),
			WaitTimeSeconds:       int32(c.wait / time.Second),
			MessageAttributeNames: []string{"All"},
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, m := range result.Messages {
		msg := Message{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		}
		if len(m.MessageAttributes) > 0 {
			msg.Attributes = make(map[string]string, len(m.MessageAttributes))
			for k, v := range m.MessageAttributes {
				msg.Attributes[k] = aws.ToString(v.StringValue)
			}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (c *SQSConnection) SendMessages(ctx context.Context, messages []Message) error {
	withIDs := make([]Message, len(messages))
	for i, m := range messages {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		withIDs[i] = m
	}

	batches, err := PackBatches(withIDs, c.maxEntries, c.maxBytes)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		err := retryBatch(ctx, c, "send", batch, func(m Message) string { return m.ID }, c.sendBatch)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *SQSConnection) sendBatch(ctx context.Context, batch []Message) ([]types.BatchResultErrorEntry, error) {
	entries := make([]types.SendMessageBatchRequestEntry, 0, len(batch))
	for _, m := range batch {
		entry := types.SendMessageBatchRequestEntry{
			Id:           aws.String(m.ID),
			MessageBody:  aws.String(m.Body),
			DelaySeconds: int32(m.Delay / time.Second),
		}
		if len(m.Attributes) > 0 {
			entry.MessageAttributes = make(map[string]types.MessageAttributeValue, len(m.Attributes))
			for k, v := range m.Attributes {
				entry.MessageAttributes[k] = types.MessageAttributeValue{
					DataType:    aws.String(attributeDataType),
					StringValue: aws.String(v),
				}
			}
		}
		entries = append(entries, entry)
	}

	out, err := c.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(c.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return nil, err
	}
	return out.Failed, nil
}

type deleteEntry struct {
	id            string
	receiptHandle string
}

func (c *SQSConnection) DeleteMessages(ctx context.Context, receiptHandles []string) error {
	for _, handles := range chunk(receiptHandles, c.maxEntries) {
		batch := make([]deleteEntry, len(handles))
		for i, h := range handles {
			batch[i] = deleteEntry{id: strconv.Itoa(i), receiptHandle: h}
		}
		err := retryBatch(ctx, c, "delete", batch, func(e deleteEntry) string { return e.id }, c.deleteBatch)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *SQSConnection) deleteBatch(ctx context.Context, batch []deleteEntry) ([]types.BatchResultErrorEntry, error) {
	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(batch))
	for _, e := range batch {
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(e.id),
			ReceiptHandle: aws.String(e.receiptHandle),
		})
	}

	out, err := c.client.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(c.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return nil, err
	}
	return out.Failed, nil
}

func (c *SQSConnection) QueueStats(ctx context.Context) (QueueStats, error) {
	result, err := c.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
			types.QueueAttributeNameApproximateNumberOfMessagesDelayed,
		},
	})
	if err != nil {
		return QueueStats{}, fmt.Errorf("get queue attributes: %w", err)
	}

	attr := func(name types.QueueAttributeName) int64 {
		n, _ := strconv.ParseInt(result.Attributes[string(name)], 10, 64)
		return n
	}
	return QueueStats{
		Available: attr(types.QueueAttributeNameApproximateNumberOfMessages),
		InFlight:  attr(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible),
		Delayed:   attr(types.QueueAttributeNameApproximateNumberOfMessagesDelayed),
	}, nil
}

// retryBatch calls the backend with batch, retrying whole-call networking errors and
// backend side entry failures (narrowing the batch to the failed entries) up to
// maxAttempts. Any sender fault ends the call immediately.
func retryBatch[T any](
	ctx context.Context,
	c *SQSConnection,
	op string,
	batch []T,
	idOf func(T) string,
	call func(context.Context, []T) ([]types.BatchResultErrorEntry, error),
) error {
	pending := batch
	for attempt := 1; ; attempt++ {
		result, err := call(ctx, pending)
		if err != nil {
			if isNetworkingError(err) && attempt < c.maxAttempts {
				c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Networking error, retrying batch")
				if err := sleepCtx(ctx, c.backoff); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("%s message batch: %w", op, err)
		}
		if len(result) == 0 {
			return nil
		}

		failed := make([]FailedEntry, 0, len(result))
		var senderFaults []FailedEntry
		for _, f := range result {
			entry := FailedEntry{
				ID:          aws.ToString(f.Id),
				Code:        aws.ToString(f.Code),
				Message:     aws.ToString(f.Message),
				SenderFault: f.SenderFault,
			}
			failed = append(failed, entry)
			if entry.SenderFault {
				senderFaults = append(senderFaults, entry)
			}
		}
		if len(senderFaults) > 0 {
			return &SenderFaultError{Op: op, Failed: senderFaults}
		}
		if attempt >= c.maxAttempts {
			return &TransientBackendError{Op: op, Attempts: attempt, Failed: failed}
		}

		failedIDs := make(map[string]struct{}, len(failed))
		for _, f := range failed {
			failedIDs[f.ID] = struct{}{}
		}
		narrowed := pending[:0:0]
		for _, e := range pending {
			if _, ok := failedIDs[idOf(e)]; ok {
				narrowed = append(narrowed, e)
			}
		}
		if len(narrowed) == 0 {
			// the backend named entries we never sent, nothing left to retry
			return &TransientBackendError{Op: op, Attempts: attempt, Failed: failed}
		}
		pending = narrowed

		c.logger.Warn().Str("op", op).Int("attempt", attempt).Int("failed", len(failed)).Msg("Partial batch failure, retrying failed entries")
		if err := sleepCtx(ctx, c.backoff); err != nil {
			return err
		}
	}
}

func (c *SQSConnection) withNetworkRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isNetworkingError(err) || attempt >= c.maxAttempts {
			return err
		}
		c.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Networking error, retrying")
		if err := sleepCtx(ctx, c.backoff); err != nil {
			return err
		}
	}
}

func isNetworkingError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
