package sqsjobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSQSClient struct {
	mock.Mock
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *MockSQSClient) SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error) {
	args := m.Called(ctx, params)
	if fn, ok := args.Get(0).(func(context.Context, *sqs.SendMessageBatchInput) *sqs.SendMessageBatchOutput); ok {
		return fn(ctx, params), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.SendMessageBatchOutput), args.Error(1)
}

func (m *MockSQSClient) DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageBatchOutput), args.Error(1)
}

func (m *MockSQSClient) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.GetQueueAttributesOutput), args.Error(1)
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/test-queue"

func newTestSQSConnection(client *MockSQSClient) *SQSConnection {
	return NewSQSConnection(client, testQueueURL, WithRetry(3, 0))
}

func bodies(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{Body: fmt.Sprintf(`{"job":"noop","n":%d}`, i)}
	}
	return out
}

func TestSQSConnectionReceiveMessages(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return aws.ToString(in.QueueUrl) == testQueueURL && in.MaxNumberOfMessages == MaxBatchEntries && in.WaitTimeSeconds == 5
	})).Return(&sqs.ReceiveMessageOutput{
		Messages: []types.Message{
			{
				MessageId:     aws.String("msg-1"),
				ReceiptHandle: aws.String("rh-1"),
				Body:          aws.String("hello"),
				MessageAttributes: map[string]types.MessageAttributeValue{
					"tenant": {DataType: aws.String("String"), StringValue: aws.String("acme")},
				},
			},
		},
	}, nil).Once()

	messages, err := conn.ReceiveMessages(context.Background())
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "msg-1", messages[0].MessageID)
	assert.Equal(t, "rh-1", messages[0].ReceiptHandle)
	assert.Equal(t, "hello", messages[0].Body)
	assert.Equal(t, map[string]string{"tenant": "acme"}, messages[0].Attributes)
	assert.True(t, messages[0].Received())
	client.AssertExpectations(t)
}

func TestSQSConnectionReceiveRetriesNetworkingErrors(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	netErr := &smithyhttp.RequestSendError{Err: errors.New("connection reset by peer")}
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, netErr).Once()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(&sqs.ReceiveMessageOutput{}, nil).Once()

	messages, err := conn.ReceiveMessages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, messages)
	client.AssertNumberOfCalls(t, "ReceiveMessage", 2)
}

func TestSQSConnectionReceiveGivesUpOnOtherErrors(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, errors.New("AccessDenied")).Once()

	_, err := conn.ReceiveMessages(context.Background())
	require.Error(t, err)
	client.AssertNumberOfCalls(t, "ReceiveMessage", 1)
}

func TestSQSConnectionSendManyMessagesInBatches(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	var sent []string
	client.On("SendMessageBatch", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageBatchInput) bool {
		return len(in.Entries) <= MaxBatchEntries
	})).Run(func(args mock.Arguments) {
		in := args.Get(1).(*sqs.SendMessageBatchInput)
		for _, e := range in.Entries {
			sent = append(sent, aws.ToString(e.MessageBody))
		}
	}).Return(&sqs.SendMessageBatchOutput{}, nil)

	in := bodies(102)
	require.NoError(t, conn.SendMessages(context.Background(), in))

	client.AssertNumberOfCalls(t, "SendMessageBatch", 11)
	assert.Len(t, sent, 102)
	for _, m := range in {
		assert.Empty(t, m.ID, "caller's messages must not be modified")
	}
}

func TestSQSConnectionSendDelayAndAttributes(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	client.On("SendMessageBatch", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageBatchInput) bool {
		if len(in.Entries) != 1 {
			return false
		}
		e := in.Entries[0]
		return e.DelaySeconds == 30 &&
			aws.ToString(e.MessageAttributes["tenant"].StringValue) == "acme" &&
			aws.ToString(e.Id) != ""
	})).Return(&sqs.SendMessageBatchOutput{}, nil).Once()

	msg := NewMessage("body", 30*time.Second)
	msg.Attributes = map[string]string{"tenant": "acme"}
	require.NoError(t, conn.SendMessages(context.Background(), []Message{msg}))
	client.AssertExpectations(t)
}

func TestSQSConnectionSendSenderFaultIsNotRetried(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	client.On("SendMessageBatch", mock.Anything, mock.Anything).Return(func(_ context.Context, in *sqs.SendMessageBatchInput) *sqs.SendMessageBatchOutput {
		return &sqs.SendMessageBatchOutput{
			Failed: []types.BatchResultErrorEntry{{
				Id:          in.Entries[0].Id,
				Code:        aws.String("InvalidParameterValue"),
				Message:     aws.String("bad body"),
				SenderFault: true,
			}},
		}
	}, nil)

	err := conn.SendMessages(context.Background(), bodies(3))
	require.Error(t, err)

	var senderFault *SenderFaultError
	require.ErrorAs(t, err, &senderFault)
	assert.Equal(t, "send", senderFault.Op)
	require.Len(t, senderFault.Failed, 1)
	assert.Equal(t, "InvalidParameterValue", senderFault.Failed[0].Code)
	client.AssertNumberOfCalls(t, "SendMessageBatch", 1)
}

func TestSQSConnectionSendRetriesOnlyFailedEntries(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	var firstIDs []string
	client.On("SendMessageBatch", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageBatchInput) bool {
		return len(in.Entries) == 5
	})).Return(func(_ context.Context, in *sqs.SendMessageBatchInput) *sqs.SendMessageBatchOutput {
		for _, e := range in.Entries {
			firstIDs = append(firstIDs, aws.ToString(e.Id))
		}
		return &sqs.SendMessageBatchOutput{
			Failed: []types.BatchResultErrorEntry{
				{Id: in.Entries[1].Id, Code: aws.String("InternalError"), SenderFault: false},
				{Id: in.Entries[3].Id, Code: aws.String("InternalError"), SenderFault: false},
			},
		}
	}, nil).Once()

	var retriedIDs []string
	client.On("SendMessageBatch", mock.Anything, mock.MatchedBy(func(in *sqs.SendMessageBatchInput) bool {
		return len(in.Entries) == 2
	})).Run(func(args mock.Arguments) {
		for _, e := range args.Get(1).(*sqs.SendMessageBatchInput).Entries {
			retriedIDs = append(retriedIDs, aws.ToString(e.Id))
		}
	}).Return(&sqs.SendMessageBatchOutput{}, nil).Once()

	require.NoError(t, conn.SendMessages(context.Background(), bodies(5)))
	client.AssertNumberOfCalls(t, "SendMessageBatch", 2)
	require.Len(t, firstIDs, 5)
	assert.Equal(t, []string{firstIDs[1], firstIDs[3]}, retriedIDs)
}

func TestSQSConnectionSendGivesUpAfterMaxAttempts(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	client.On("SendMessageBatch", mock.Anything, mock.Anything).Return(func(_ context.Context, in *sqs.SendMessageBatchInput) *sqs.SendMessageBatchOutput {
		return &sqs.SendMessageBatchOutput{
			Failed: []types.BatchResultErrorEntry{
				{Id: in.Entries[0].Id, Code: aws.String("ServiceUnavailable"), SenderFault: false},
			},
		}
	}, nil)

	err := conn.SendMessages(context.Background(), bodies(2))
	var transient *TransientBackendError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 3, transient.Attempts)
	client.AssertNumberOfCalls(t, "SendMessageBatch", 3)
}

func TestSQSConnectionSendRejectsOversizedMessage(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	err := conn.SendMessages(context.Background(), []Message{{Body: strings.Repeat("x", MaxBatchBytes+1)}})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
	client.AssertNotCalled(t, "SendMessageBatch", mock.Anything, mock.Anything)
}

func TestSQSConnectionDeleteMessages(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	var handles []string
	client.On("DeleteMessageBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		for _, e := range args.Get(1).(*sqs.DeleteMessageBatchInput).Entries {
			handles = append(handles, aws.ToString(e.ReceiptHandle))
		}
	}).Return(&sqs.DeleteMessageBatchOutput{}, nil)

	in := make([]string, 23)
	for i := range in {
		in[i] = fmt.Sprintf("rh-%d", i)
	}
	require.NoError(t, conn.DeleteMessages(context.Background(), in))
	client.AssertNumberOfCalls(t, "DeleteMessageBatch", 3)
	assert.Equal(t, in, handles)
}

func TestSQSConnectionQueueStats(t *testing.T) {
	client := new(MockSQSClient)
	conn := newTestSQSConnection(client)

	client.On("GetQueueAttributes", mock.Anything, mock.Anything).Return(&sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages):           "7",
			string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible): "2",
			string(types.QueueAttributeNameApproximateNumberOfMessagesDelayed):    "1",
		},
	}, nil).Once()

	stats, err := conn.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, QueueStats{Available: 7, InFlight: 2, Delayed: 1}, stats)
}

func TestIsNetworkingError(t *testing.T) {
	assert.True(t, isNetworkingError(&smithyhttp.RequestSendError{Err: errors.New("dial tcp: refused")}))
	assert.True(t, isNetworkingError(fmt.Errorf("wrapped: %w", &smithyhttp.RequestSendError{Err: errors.New("eof")})))
	assert.False(t, isNetworkingError(errors.New("AccessDenied")))
	assert.False(t, isNetworkingError(context.Canceled))
}
