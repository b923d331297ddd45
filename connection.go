package sqsjobs

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
)

const (
	// SQS limits for a single batch call
	MaxBatchEntries = 10
	MaxBatchBytes   = 256 * 1024
)

// Sender is anything jobs can be submitted through: a Connection, or the
// per-job ConnectionMessagebox.
type Sender interface {
	SendMessages(ctx context.Context, messages []Message) error
}

// Connection is the batched interface to the backing queue.
type Connection interface {
	Sender
	ReceiveMessages(ctx context.Context) ([]Message, error)
	DeleteMessages(ctx context.Context, receiptHandles []string) error
}

// QueueStats is an approximate view of the queue depth.
type QueueStats struct {
	Available int64
	InFlight  int64
	Delayed   int64
}

// StatsReporter is implemented by connections that can report queue depth.
type StatsReporter interface {
	QueueStats(ctx context.Context) (QueueStats, error)
}

// ConnectionOptions tune the connection built by NewConnectionFromURL. Zero values
// keep the defaults.
type ConnectionOptions struct {
	Logger           zerolog.Logger
	ReceiveWait      time.Duration
	MaxAttempts      int
	RedeliveryWindow time.Duration
	DeadLetterAfter  int
}

// NewConnectionFromURL selects the backend from the URL scheme. sqlite3://path?queue=name
// opens a LocalConnection, anything else is treated as an SQS queue URL.
func NewConnectionFromURL(ctx context.Context, rawURL string, o ConnectionOptions) (Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse queue url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "sqlite3", "sqlite":
		path := u.Host + u.Path
		if path == "" {
			return nil, fmt.Errorf("queue url %q has no database path", rawURL)
		}
		queue := u.Query().Get("queue")
		if queue == "" {
			queue = "default"
		}
		opts := []LocalOption{WithLocalLogger(o.Logger)}
		if o.RedeliveryWindow > 0 {
			opts = append(opts, WithRedeliveryWindow(o.RedeliveryWindow))
		}
		if o.DeadLetterAfter > 0 {
			opts = append(opts, WithDeadLetterAfter(o.DeadLetterAfter))
		}
		return NewLocalConnection(path, queue, opts...)
	default:
		awsCFG, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		opts := []SQSOption{WithSQSLogger(o.Logger)}
		if o.ReceiveWait > 0 {
			opts = append(opts, WithReceiveWait(o.ReceiveWait))
		}
		if o.MaxAttempts > 0 {
			opts = append(opts, WithRetry(o.MaxAttempts, DefaultRetryBackoff))
		}
		return NewSQSConnection(sqs.NewFromConfig(awsCFG), rawURL, opts...), nil
	}
}
