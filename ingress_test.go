package synchronicity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIngressQueue_FIFO(t *testing.T) {
	var q ingressQueue

	var got []int
	for i := 0; i < 3*chunkSize+5; i++ {
		q.Push(func() { got = append(got, i) })
	}
	require.Equal(t, 3*chunkSize+5, q.Len())

	for {
		fn, ok := q.Pop()
		if !ok {
			break
		}
		fn()
	}
	require.Equal(t, 0, q.Len())
	require.Len(t, got, 3*chunkSize+5)
	for i, v := range got {
		require.Equal(t, i, v, "queue must preserve submission order")
	}
}

func TestIngressQueue_PopEmpty(t *testing.T) {
	var q ingressQueue
	fn, ok := q.Pop()
	require.Nil(t, fn)
	require.False(t, ok)

	q.Push(func() {})
	_, ok = q.Pop()
	require.True(t, ok)
	_, ok = q.Pop()
	require.False(t, ok)
}

func TestIngressQueue_Interleaved(t *testing.T) {
	var q ingressQueue
	count := 0

	for round := 0; round < 4; round++ {
		for i := 0; i < chunkSize/2; i++ {
			q.Push(func() { count++ })
		}
		for {
			fn, ok := q.Pop()
			if !ok {
				break
			}
			fn()
		}
	}
	require.Equal(t, 4*(chunkSize/2), count)
}

func TestLoopState_Transitions(t *testing.T) {
	var st loopStateMachine
	require.Equal(t, StateCreated, st.Load())
	require.True(t, st.CanAcceptWork())
	require.False(t, st.IsTerminal())

	require.True(t, st.TryTransition(StateCreated, StateRunning))
	require.False(t, st.TryTransition(StateCreated, StateRunning))
	require.True(t, st.TryTransition(StateRunning, StateSleeping))
	require.True(t, st.TryTransition(StateSleeping, StateRunning))

	st.Store(StateTerminated)
	require.True(t, st.IsTerminal())
	require.False(t, st.CanAcceptWork())
}

func TestLoopState_String(t *testing.T) {
	names := map[LoopState]string{
		StateCreated:     "Created",
		StateRunning:     "Running",
		StateSleeping:    "Sleeping",
		StateTerminating: "Terminating",
		StateTerminated:  "Terminated",
		StateFailed:      "Failed",
		LoopState(99):    "Unknown",
	}
	for state, want := range names {
		require.Equal(t, want, state.String())
	}
}
