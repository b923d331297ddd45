package sqsjobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// recordingConnection keeps every call in order and serves received messages from
// a channel
type recordingConnection struct {
	mu        sync.Mutex
	calls     []string
	sent      []Message
	deleted   []string
	sendErr   error
	deleteErr error

	inbox      chan Message
	receiveErr error
	seq        atomic.Int64
}

func newRecordingConnection() *recordingConnection {
	return &recordingConnection{inbox: make(chan Message, 1000)}
}

func (c *recordingConnection) SendMessages(_ context.Context, messages []Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf("send:%d", len(messages)))
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, messages...)
	return nil
}

func (c *recordingConnection) DeleteMessages(_ context.Context, receiptHandles []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf("delete:%d", len(receiptHandles)))
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.deleted = append(c.deleted, receiptHandles...)
	return nil
}

func (c *recordingConnection) ReceiveMessages(_ context.Context) ([]Message, error) {
	c.mu.Lock()
	err := c.receiveErr
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out []Message
	for len(out) < MaxBatchEntries {
		select {
		case m := <-c.inbox:
			out = append(out, m)
		default:
			return out, nil
		}
	}
	return out, nil
}

// deliver queues body for the next receive and returns its receipt handle
func (c *recordingConnection) deliver(body string) string {
	n := c.seq.Add(1)
	handle := fmt.Sprintf("rh-%d", n)
	c.inbox <- Message{MessageID: fmt.Sprintf("id-%d", n), ReceiptHandle: handle, Body: body}
	return handle
}

func (c *recordingConnection) failReceive(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiveErr = err
}

func (c *recordingConnection) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *recordingConnection) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

func (c *recordingConnection) Sent() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.sent...)
}
