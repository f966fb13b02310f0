package eventloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicState_TryTransition(t *testing.T) {
	s := newAtomicState()
	require.Equal(t, StateAwake, s.Load())

	require.False(t, s.TryTransition(StateRunning, StateSleeping))
	require.True(t, s.TryTransition(StateAwake, StateRunning))
	require.Equal(t, StateRunning, s.Load())

	require.True(t, s.TryTransition(StateRunning, StateSleeping))
	require.True(t, s.TryTransition(StateSleeping, StateRunning))
}

func TestAtomicState_CanAcceptWork(t *testing.T) {
	s := newAtomicState()
	require.True(t, s.CanAcceptWork())
	s.Store(StateTerminated)
	require.False(t, s.CanAcceptWork())
}

func TestLoopState_String(t *testing.T) {
	require.Equal(t, "running", StateRunning.String())
	require.Equal(t, "unknown", LoopState(99).String())
}
