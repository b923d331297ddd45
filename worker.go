package sqsjobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultNumThreads      = 4
	DefaultThrottleFactor  = 2
	DefaultEmptyQueueSleep = 1 * time.Second

	shutdownReportInterval = 2 * time.Second
	startupCheckTimeout    = 5 * time.Second
)

// WorkerConfig holds the collaborators and tuning of a Worker.
type WorkerConfig struct {
	Connection Connection
	Serializer Serializer
	Middleware *MiddlewareStack
	// defaults to the global zerolog logger
	Logger *zerolog.Logger

	NumThreads     int
	ThrottleFactor int
	// pause of the provider and consumers when there is nothing to do
	EmptyQueueSleep time.Duration
	// how often buffer and queue stats are logged, zero disables
	StatsInterval time.Duration
}

// Worker runs one provider goroutine pulling messages from the connection into a
// bounded buffer, and NumThreads consumers executing the jobs in those messages.
type Worker struct {
	conn       Connection
	serializer Serializer
	middleware *MiddlewareStack
	logger     zerolog.Logger

	numThreads    int
	throttle      int
	sleep         time.Duration
	statsInterval time.Duration

	state    *StateLock
	executed atomic.Int64

	mu   sync.Mutex
	run  *workerRun
	done chan struct{}
}

// workerRun is the state of one Start. Goroutines hold on to the run they were
// spawned for, so a killed run never touches the buffer of the next one.
type workerRun struct {
	ctx            context.Context
	cancel         context.CancelFunc
	providerCtx    context.Context
	cancelProvider context.CancelFunc
	buffer         chan Message
	// closed once the provider returned, nothing is pushed into buffer after that
	providerDone chan struct{}
	wg           sync.WaitGroup
	live         atomic.Int32
}

func (r *workerRun) providerGone() bool {
	select {
	case <-r.providerDone:
		return true
	default:
		return false
	}
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Connection == nil {
		return nil, ErrNoConnection
	}
	if cfg.Serializer == nil {
		return nil, ErrNoSerializer
	}
	if cfg.NumThreads < 0 {
		return nil, errors.New("sqsjobs: NumThreads must be > 0")
	}
	if cfg.NumThreads == 0 {
		cfg.NumThreads = DefaultNumThreads
	}
	if cfg.ThrottleFactor <= 0 {
		cfg.ThrottleFactor = DefaultThrottleFactor
	}
	if cfg.EmptyQueueSleep <= 0 {
		cfg.EmptyQueueSleep = DefaultEmptyQueueSleep
	}
	if cfg.Middleware == nil {
		cfg.Middleware = NewMiddlewareStack()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Worker{
		conn:          cfg.Connection,
		serializer:    cfg.Serializer,
		middleware:    cfg.Middleware,
		logger:        logger,
		numThreads:    cfg.NumThreads,
		throttle:      cfg.ThrottleFactor,
		sleep:         cfg.EmptyQueueSleep,
		statsInterval: cfg.StatsInterval,
		state:         NewStateLock(),
		done:          make(chan struct{}),
	}, nil
}

// Start spawns the consumers and the provider and returns once they are all up.
func (w *Worker) Start() error {
	if err := w.state.Transition(StateStarting); err != nil {
		return err
	}
	w.logger.Info().Int("threads", w.numThreads).Msg("Starting worker")

	r := &workerRun{
		buffer:       make(chan Message, w.threshold()+MaxBatchEntries),
		providerDone: make(chan struct{}),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.providerCtx, r.cancelProvider = context.WithCancel(r.ctx)

	w.mu.Lock()
	w.run = r
	w.done = make(chan struct{})
	w.mu.Unlock()

	total := w.numThreads + 1
	started := make(chan struct{}, total)
	spawn := func(fn func()) {
		r.wg.Add(1)
		r.live.Add(1)
		go func() {
			defer r.wg.Done()
			defer r.live.Add(-1)
			started <- struct{}{}
			fn()
		}()
	}

	for i := 0; i < w.numThreads; i++ {
		workerID := i
		spawn(func() { w.consume(r, workerID) })
	}
	spawn(func() {
		defer close(r.providerDone)
		w.provide(r)
	})

	if w.statsInterval > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			w.monitor(r)
		}()
	}

	timeout := time.After(startupCheckTimeout)
wait:
	for i := 0; i < total; i++ {
		select {
		case <-started:
		case <-timeout:
			break wait
		}
	}

	// a goroutine that is already gone means something is misconfigured
	if int(r.live.Load()) < total {
		r.cancel()
		if err := w.state.Transition(StateFailed); err != nil {
			return err
		}
		w.closeDone()
		w.logger.Error().Int("alive", int(r.live.Load())).Int("spawned", total).Msg("Worker failed to start, one or more goroutines died on startup")
		return ErrStartFailed
	}

	if err := w.state.Transition(StateRunning); err != nil {
		return err
	}
	w.logger.Info().Int("threads", w.numThreads).Msg("Worker started")
	return nil
}

// Stop stops taking in new messages and blocks until every buffered message has been
// processed and all goroutines have exited.
func (w *Worker) Stop() error {
	if err := w.state.Transition(StateStopping); err != nil {
		return err
	}
	r := w.current()
	w.logger.Info().Int("buffered", len(r.buffer)).Msg("Stopping worker, draining local buffer")
	r.cancelProvider()

	joined := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(joined)
	}()

	ticker := time.NewTicker(shutdownReportInterval)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case <-joined:
			waiting = false
		case <-ticker.C:
			alive := int(r.live.Load())
			w.logger.Info().
				Int("alive", alive).
				Int("quit", w.numThreads+1-alive).
				Int("buffered", len(r.buffer)).
				Msg("Staged shutdown")
		}
	}

	r.cancel()
	if err := w.state.Transition(StateStopped); err != nil {
		return err
	}
	w.closeDone()
	w.logger.Info().Int64("executed", w.executed.Load()).Msg("Worker stopped")
	return nil
}

// Kill cancels every goroutine without draining the buffer and without waiting for
// running jobs. Jobs see their context cancelled; buffered messages are redelivered
// by the backend later.
func (w *Worker) Kill() error {
	if err := w.state.Transition(StateStopping); err != nil {
		return err
	}
	r := w.current()
	w.logger.Warn().Int("buffered", len(r.buffer)).Msg("Killing worker (unclean shutdown)")
	r.cancel()
	if err := w.state.Transition(StateStopped); err != nil {
		return err
	}
	w.closeDone()
	w.logger.Info().Msg("Worker stopped")
	return nil
}

// Done is closed when the worker reaches stopped or failed.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

func (w *Worker) State() WorkerState {
	return w.state.State()
}

// Executed returns how many jobs completed successfully.
func (w *Worker) Executed() int64 {
	return w.executed.Load()
}

// Status is a point in time snapshot of the worker.
type Status struct {
	State      WorkerState
	NumThreads int
	Alive      int
	Buffered   int
	Executed   int64
}

func (w *Worker) Status() Status {
	s := Status{
		State:      w.state.State(),
		NumThreads: w.numThreads,
		Executed:   w.executed.Load(),
	}
	if r := w.current(); r != nil {
		s.Alive = int(r.live.Load())
		s.Buffered = len(r.buffer)
	}
	return s
}

func (w *Worker) LogStatus() {
	s := w.Status()
	w.logger.Info().
		Str("state", string(s.State)).
		Int("threads", s.NumThreads).
		Int("alive", s.Alive).
		Int("buffered", s.Buffered).
		Int64("executed", s.Executed).
		Msg("Worker status")
}

func (w *Worker) current() *workerRun {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.run
}

func (w *Worker) closeDone() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

func (w *Worker) threshold() int {
	return w.numThreads * w.throttle
}

func (w *Worker) stopping() bool {
	return w.state.In(StateStopping)
}

func (w *Worker) provide(r *workerRun) {
	ctx := r.providerCtx
	for {
		if ctx.Err() != nil || w.stopping() {
			return
		}

		if len(r.buffer) >= w.threshold() {
			w.logger.Debug().Int("buffered", len(r.buffer)).Msg("Buffer is full, postponing receive")
			if sleepCtx(ctx, w.sleep) != nil {
				return
			}
			continue
		}

		messages, err := w.conn.ReceiveMessages(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error().Err(err).Msg("Message receiving failed, stopping worker")
			go w.stopOnProviderFailure()
			return
		}

		if len(messages) == 0 {
			w.logger.Debug().Msg("No messages received")
			if sleepCtx(ctx, w.sleep) != nil {
				return
			}
			continue
		}

		// messages already claimed from the backend are still handed to the
		// consumers when a stop comes in meanwhile, only a kill drops them
		for _, m := range messages {
			select {
			case r.buffer <- m:
			case <-r.ctx.Done():
				return
			}
		}
		w.logger.Debug().Int("count", len(messages)).Msg("Received and buffered messages")
	}
}

// the provider can fail before Start has finished, wait for running first
func (w *Worker) stopOnProviderFailure() {
	for w.state.In(StateStarting) {
		time.Sleep(10 * time.Millisecond)
	}
	if !w.state.In(StateRunning) {
		return
	}
	if err := w.Stop(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to stop worker after provider failure")
	}
}

func (w *Worker) consume(r *workerRun, workerID int) {
	w.logger.Debug().Int("worker_id", workerID).Msg("Consumer started")
	for {
		if r.ctx.Err() != nil {
			return
		}

		select {
		case msg := <-r.buffer:
			w.takeAndExecute(r.ctx, workerID, msg)
		default:
			// the provider may still push what it received before the stop
			if w.stopping() && r.providerGone() && len(r.buffer) == 0 {
				w.logger.Debug().Int("worker_id", workerID).Msg("Consumer stopping")
				return
			}
			if sleepCtx(r.ctx, w.sleep) != nil {
				return
			}
		}
	}
}

func (w *Worker) takeAndExecute(ctx context.Context, workerID int, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			if err, ok := r.(error); ok && IsFatal(err) {
				panic(r)
			}
			w.logger.Error().
				Int("worker_id", workerID).
				Str("message", msg.String()).
				Interface("panic", r).
				Msg("Consumer recovered from panic")
			// message is not deleted, the backend redelivers it
		}
	}()

	if err := w.handleMessage(ctx, msg); err != nil {
		if IsFatal(err) {
			w.logger.Error().Err(err).Int("worker_id", workerID).Msg("Fatal error, terminating")
			panic(err)
		}
		w.logger.Error().
			Int("worker_id", workerID).
			Str("message", msg.String()).
			Str("error_class", errorClass(err)).
			Err(err).
			Msg("Failed to process message")
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg Message) error {
	if !msg.Received() {
		return nil
	}

	box := NewConnectionMessagebox(w.conn)
	if !msg.HasBody() {
		box.DeleteMessage(msg.ReceiptHandle)
		_, err := box.Flush(ctx)
		return err
	}

	job, err := w.middleware.AroundDeserialization(w.serializer, msg, func() (Job, error) {
		return w.serializer.Unserialize(msg.Body)
	})
	if err != nil {
		return err
	}
	if job == nil {
		box.DeleteMessage(msg.ReceiptHandle)
		_, err := box.Flush(ctx)
		return err
	}

	desc := describeJob(job)
	submitter := NewSubmitter(box, w.serializer)
	ec := NewExecutionContext(ctx, submitter, w.logger.With().Str("job", desc).Logger())
	ec.Set(KeyMessageID, msg.MessageID)
	ec.Set(KeyReceiptHandle, msg.ReceiptHandle)

	start := time.Now()
	acked := false
	err = w.middleware.AroundExecution(job, ec, func() error {
		if err := job.Run(ec); err != nil {
			return err
		}
		// the delete only reaches the backend if the buffered sends went through first
		box.DeleteMessage(msg.ReceiptHandle)
		n, err := box.Flush(ctx)
		if err != nil {
			return fmt.Errorf("flush messagebox: %w", err)
		}
		acked = true
		if n > 0 {
			w.logger.Debug().Int("count", n).Msg("Flushed connection commands")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", desc, err)
	}

	// an interceptor skipped the job or swallowed its failure, which counts as done.
	// Whatever the job buffered is dropped.
	if !acked {
		if err := w.conn.DeleteMessages(ctx, []string{msg.ReceiptHandle}); err != nil {
			return fmt.Errorf("acknowledge skipped job %s: %w", desc, err)
		}
		w.logger.Debug().Str("job", desc).Msg("Job skipped by middleware, message acknowledged")
		return nil
	}

	w.executed.Add(1)
	w.logger.Info().Str("job", desc).Dur("duration", time.Since(start)).Msg("Finished job")
	return nil
}

func (w *Worker) monitor(r *workerRun) {
	ctx := r.providerCtx
	ticker := time.NewTicker(w.statsInterval)
	defer ticker.Stop()

	reporter, hasStats := w.conn.(StatsReporter)
	for {
		select {
		case <-ticker.C:
			depth := len(r.buffer)
			capacity := w.threshold()
			utilization := float64(depth) / float64(capacity) * 100
			w.logger.Info().
				Int("buffered", depth).
				Int("threshold", capacity).
				Float64("utilization_pct", utilization).
				Int64("executed", w.executed.Load()).
				Msg("Worker buffer metrics")

			if !hasStats {
				continue
			}
			stats, err := reporter.QueueStats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error().Err(err).Msg("Failed to fetch queue stats")
				}
				continue
			}
			w.logger.Info().
				Int64("available", stats.Available).
				Int64("in_flight", stats.InFlight).
				Int64("delayed", stats.Delayed).
				Msg("Queue stats")
		case <-ctx.Done():
			return
		}
	}
}

func describeJob(job Job) string {
	if s, ok := job.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", job)
}

// errorClass names the type of the innermost wrapped error
func errorClass(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
