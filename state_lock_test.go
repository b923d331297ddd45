package sqsjobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateLockLifecycle(t *testing.T) {
	l := NewStateLock()
	assert.Equal(t, StateStopped, l.State())

	for _, to := range []WorkerState{StateStarting, StateRunning, StateStopping, StateStopped, StateStarting} {
		require.NoError(t, l.Transition(to))
		assert.True(t, l.In(to))
	}
}

func TestStateLockRejectsInvalidTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []WorkerState
		to   WorkerState
	}{
		{name: "stop a stopped worker", to: StateStopping},
		{name: "run without starting", to: StateRunning},
		{name: "restart a running worker", path: []WorkerState{StateStarting, StateRunning}, to: StateStarting},
		{name: "failed is final", path: []WorkerState{StateStarting, StateFailed}, to: StateStarting},
		{name: "stop while starting", path: []WorkerState{StateStarting}, to: StateStopping},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewStateLock()
			for _, s := range tt.path {
				require.NoError(t, l.Transition(s))
			}
			before := l.State()

			err := l.Transition(tt.to)
			assert.ErrorIs(t, err, ErrInvalidTransition)
			assert.Equal(t, before, l.State())
		})
	}
}
