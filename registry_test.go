package synchronicity

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFutureRegistry_TrackAndScavengeSettled(t *testing.T) {
	r := newFutureRegistry()

	futures := make([]*Future, 50)
	for i := range futures {
		futures[i] = newFuture()
		r.Track(futures[i])
	}
	require.Len(t, r.data, 50)

	// Settle half, then scavenge the whole ring.
	for i := 0; i < 25; i++ {
		futures[i].Resolve(nil)
	}
	for i := 0; i < 10; i++ {
		r.Scavenge(10)
	}

	r.mu.RLock()
	remaining := len(r.data)
	r.mu.RUnlock()
	require.Equal(t, 25, remaining, "settled futures must be scavenged")
}

func TestFutureRegistry_TrackIsIdempotent(t *testing.T) {
	r := newFutureRegistry()
	f := newFuture()
	r.Track(f)
	r.Track(f)
	require.Len(t, r.data, 1)
}

func TestFutureRegistry_ScavengeCollected(t *testing.T) {
	r := newFutureRegistry()
	for i := 0; i < 20; i++ {
		r.Track(newFuture()) // dropped immediately
	}
	keep := newFuture()
	r.Track(keep)

	runtime.GC()
	for i := 0; i < 10; i++ {
		r.Scavenge(10)
	}

	r.mu.RLock()
	remaining := len(r.data)
	r.mu.RUnlock()
	require.LessOrEqual(t, remaining, 21)
	require.GreaterOrEqual(t, remaining, 1, "the live future must survive scavenging")
	runtime.KeepAlive(keep)
}

func TestFutureRegistry_ForceRejectAll(t *testing.T) {
	r := newFutureRegistry()
	pending := newFuture()
	settled := newFuture()
	settled.Resolve("done")
	r.Track(pending)
	r.Track(settled)

	r.ForceRejectAll(ErrClosed)

	require.True(t, pending.Done())
	_, err := pending.Result(0)
	require.ErrorIs(t, err, ErrClosed)

	// Already-settled futures keep their outcome.
	v, err := settled.Result(0)
	require.NoError(t, err)
	require.Equal(t, "done", v)

	r.mu.RLock()
	defer r.mu.RUnlock()
	require.Empty(t, r.data)
}

func TestFutureRegistry_CancelAll(t *testing.T) {
	r := newFutureRegistry()
	bare := newFuture()
	r.Track(bare)

	r.CancelAll(ErrClosed)
	require.True(t, bare.Cancelled())
	_, err := bare.Result(0)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, ErrClosed)
}
