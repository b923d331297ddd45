package middleware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/richardbowden/sqsjobs"
)

// runs before all tests and configures the test environment
func TestMain(m *testing.M) {
	// we do not need logging during the tests
	zerolog.SetGlobalLevel(zerolog.Disabled)

	code := m.Run()

	os.Exit(code)
}

type MockDeduplicationStore struct {
	mock.Mock
}

func (m *MockDeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	args := m.Called(ctx, messageID)
	return args.Bool(0), args.Error(1)
}

func (m *MockDeduplicationStore) MarkProcessed(ctx context.Context, messageID, jobType string) error {
	args := m.Called(ctx, messageID, jobType)
	return args.Error(0)
}

func (m *MockDeduplicationStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	args := m.Called(ctx, olderThan)
	return args.Error(0)
}

func (m *MockDeduplicationStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

type echoJob struct{}

func (echoJob) Run(*sqsjobs.ExecutionContext) error { return nil }

func newContext(messageID string) *sqsjobs.ExecutionContext {
	ec := sqsjobs.NewExecutionContext(context.Background(), nil, zerolog.Nop())
	if messageID != "" {
		ec.Set(sqsjobs.KeyMessageID, messageID)
	}
	return ec
}

func TestRecover(t *testing.T) {
	mw := Recover(zerolog.Nop())

	err := mw(echoJob{}, newContext("m1"), func() error {
		panic("something broke")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "something broke")

	boom := errors.New("boom")
	assert.ErrorIs(t, mw(echoJob{}, newContext("m1"), func() error { return boom }), boom)
	assert.NoError(t, mw(echoJob{}, newContext("m1"), func() error { return nil }))
}

func TestRecoverPassesFatalPanics(t *testing.T) {
	mw := Recover(zerolog.Nop())

	assert.Panics(t, func() {
		_ = mw(echoJob{}, newContext("m1"), func() error {
			panic(sqsjobs.Fatal(errors.New("disk gone")))
		})
	})
}

func TestNoEndlessRetry(t *testing.T) {
	mw := NoEndlessRetry(zerolog.Nop())

	terminal := sqsjobs.Terminal(errors.New("invalid recipient"))
	assert.NoError(t, mw(echoJob{}, newContext("m1"), func() error {
		return fmt.Errorf("send: %w", terminal)
	}))

	transient := errors.New("timeout")
	assert.ErrorIs(t, mw(echoJob{}, newContext("m1"), func() error { return transient }), transient)
}

func TestLoggingPassesResultsThrough(t *testing.T) {
	l := NewLogging(zerolog.Nop())
	boom := errors.New("boom")

	assert.ErrorIs(t, l.AroundExecution(echoJob{}, newContext("m1"), func() error { return boom }), boom)
	assert.NoError(t, l.AroundExecution(echoJob{}, newContext("m1"), func() error { return nil }))

	job, err := l.AroundDeserialization(nil, sqsjobs.Message{Body: "{}"}, func() (sqsjobs.Job, error) {
		return echoJob{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, echoJob{}, job)
}

func TestDeduplicate(t *testing.T) {
	tests := []struct {
		name      string
		messageID string
		setup     func(*MockDeduplicationStore)
		nextErr   error
		wantRun   bool
		wantErr   bool
	}{
		{
			name:      "already processed is skipped",
			messageID: "m1",
			setup: func(s *MockDeduplicationStore) {
				s.On("IsProcessed", mock.Anything, "m1").Return(true, nil)
			},
			wantRun: false,
		},
		{
			name:      "new message is run and marked",
			messageID: "m2",
			setup: func(s *MockDeduplicationStore) {
				s.On("IsProcessed", mock.Anything, "m2").Return(false, nil)
				s.On("MarkProcessed", mock.Anything, "m2", "middleware.echoJob").Return(nil)
			},
			wantRun: true,
		},
		{
			name:      "failed job is not marked",
			messageID: "m3",
			setup: func(s *MockDeduplicationStore) {
				s.On("IsProcessed", mock.Anything, "m3").Return(false, nil)
			},
			nextErr: errors.New("job failed"),
			wantRun: true,
			wantErr: true,
		},
		{
			name:      "lost acknowledgement is still marked",
			messageID: "m4",
			setup: func(s *MockDeduplicationStore) {
				s.On("IsProcessed", mock.Anything, "m4").Return(false, nil)
				s.On("MarkProcessed", mock.Anything, "m4", "middleware.echoJob").Return(nil)
			},
			nextErr: fmt.Errorf("flush messagebox: %w", sqsjobs.ErrAcknowledgeFailed),
			wantRun: true,
			wantErr: true,
		},
		{
			name:      "store failure leaves the message for later",
			messageID: "m5",
			setup: func(s *MockDeduplicationStore) {
				s.On("IsProcessed", mock.Anything, "m5").Return(false, errors.New("connection refused"))
			},
			wantRun: false,
			wantErr: true,
		},
		{
			name:    "without a message id the job just runs",
			setup:   func(s *MockDeduplicationStore) {},
			wantRun: true,
		},
		{
			name:      "failing to mark does not fail the job",
			messageID: "m6",
			setup: func(s *MockDeduplicationStore) {
				s.On("IsProcessed", mock.Anything, "m6").Return(false, nil)
				s.On("MarkProcessed", mock.Anything, "m6", "middleware.echoJob").Return(errors.New("read only"))
			},
			wantRun: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(MockDeduplicationStore)
			tt.setup(store)
			mw := NewDeduplicate(store, zerolog.Nop())

			ran := false
			err := mw.AroundExecution(echoJob{}, newContext(tt.messageID), func() error {
				ran = true
				return tt.nextErr
			})

			assert.Equal(t, tt.wantRun, ran)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			store.AssertExpectations(t)
		})
	}
}

func TestStackWithWorkerMiddleware(t *testing.T) {
	stack := sqsjobs.NewMiddlewareStack(
		NewLogging(zerolog.Nop()),
		NoEndlessRetry(zerolog.Nop()),
		Recover(zerolog.Nop()),
	)

	err := stack.AroundExecution(echoJob{}, newContext("m1"), func() error {
		panic("deep inside")
	})
	assert.Error(t, err, "recovered panics surface as job errors")

	err = stack.AroundExecution(echoJob{}, newContext("m1"), func() error {
		return sqsjobs.Terminal(errors.New("never works"))
	})
	assert.NoError(t, err)
}
