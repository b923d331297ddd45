package sqsjobs

import (
	"fmt"
	"sync"
)

// WorkerState is the lifecycle state of a Worker.
type WorkerState string

const (
	StateStopped  WorkerState = "stopped"
	StateStarting WorkerState = "starting"
	StateRunning  WorkerState = "running"
	StateStopping WorkerState = "stopping"
	StateFailed   WorkerState = "failed"
)

var permittedTransitions = map[WorkerState][]WorkerState{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateFailed},
	StateRunning:  {StateStopping},
	StateStopping: {StateStopped},
}

// StateLock guards worker state transitions with a mutex.
type StateLock struct {
	mu    sync.Mutex
	state WorkerState
}

func NewStateLock() *StateLock {
	return &StateLock{state: StateStopped}
}

func (l *StateLock) Transition(to WorkerState) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, allowed := range permittedTransitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, to)
}

func (l *StateLock) In(state WorkerState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == state
}

func (l *StateLock) State() WorkerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
