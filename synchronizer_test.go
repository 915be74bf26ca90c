package synchronicity

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSynchronizer builds a Synchronizer that is torn down with the test.
func newTestSynchronizer(t *testing.T, opts ...SynchronizerOption) *Synchronizer {
	t.Helper()
	s := New(append([]SynchronizerOption{WithShutdownGrace(2 * time.Second)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func TestSynchronizer_LazyStart(t *testing.T) {
	s := newTestSynchronizer(t)
	require.Equal(t, StateCreated, s.State(), "loop must stay inert until first use")

	v, err := s.RunBlocking(func(ctx context.Context) (any, error) {
		return "started", nil
	})
	require.NoError(t, err)
	require.Equal(t, "started", v)
	require.NotEqual(t, StateCreated, s.State())
}

func TestSynchronizer_RunBlockingPropagatesOutcome(t *testing.T) {
	s := newTestSynchronizer(t)

	v, err := s.RunBlocking(func(ctx context.Context) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)

	boom := errors.New("boom")
	_, err = s.RunBlocking(func(ctx context.Context) (any, error) {
		return nil, boom
	})
	require.Same(t, boom, err, "implementation errors must surface unchanged")
}

func TestSynchronizer_RunBlockingFromLoopIsDeadlockError(t *testing.T) {
	s := newTestSynchronizer(t)

	_, err := s.RunBlocking(func(ctx context.Context) (any, error) {
		return s.RunBlocking(func(ctx context.Context) (any, error) {
			return nil, nil
		})
	})
	require.ErrorIs(t, err, ErrDeadlock)
}

func TestSynchronizer_PanicBecomesPanicError(t *testing.T) {
	s := newTestSynchronizer(t)

	_, err := s.RunBlocking(func(ctx context.Context) (any, error) {
		panic("kaboom")
	})
	var pe PanicError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "kaboom", pe.Value)

	// The loop survives user panics.
	v, err := s.RunBlocking(func(ctx context.Context) (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestSynchronizer_ScheduleReturnsImmediately(t *testing.T) {
	s := newTestSynchronizer(t)

	started := time.Now()
	fut, err := s.Schedule(func(ctx context.Context) (any, error) {
		if err := Sleep(ctx, 50*time.Millisecond); err != nil {
			return nil, err
		}
		return "done", nil
	})
	require.NoError(t, err)
	require.Less(t, time.Since(started), 40*time.Millisecond, "Schedule must not block")

	v, err := fut.Result(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "done", v)
	require.True(t, fut.Done())
}

func TestSynchronizer_RunCooperativeFromPlainGoroutine(t *testing.T) {
	s := newTestSynchronizer(t)

	aw := s.RunCooperative(func(ctx context.Context) (any, error) {
		return "coop", nil
	})
	v, err := aw.Await(context.Background())
	require.NoError(t, err)
	require.Equal(t, "coop", v)
}

func TestSynchronizer_AwaitableIsLazy(t *testing.T) {
	s := newTestSynchronizer(t)

	ran := make(chan struct{}, 1)
	aw := s.RunCooperative(func(ctx context.Context) (any, error) {
		ran <- struct{}{}
		return nil, nil
	})

	select {
	case <-ran:
		t.Fatal("task ran before the awaitable was awaited")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := aw.Await(context.Background())
	require.NoError(t, err)
	<-ran
}

func TestSynchronizer_CancelAwaitable(t *testing.T) {
	s := newTestSynchronizer(t)

	aw := s.RunCooperative(func(ctx context.Context) (any, error) {
		return nil, Sleep(ctx, 10*time.Second)
	})
	fut := aw.Future() // schedules the slow task

	time.Sleep(20 * time.Millisecond)
	require.True(t, aw.Cancel())

	start := time.Now()
	_, err := fut.Result(2 * time.Second)
	require.ErrorIs(t, err, ErrCancelled)
	require.Less(t, time.Since(start), time.Second, "cancellation must surface promptly")
}

func TestSynchronizer_CrossLoopAwait(t *testing.T) {
	s1 := newTestSynchronizer(t, WithName("cross-1"))
	s2 := newTestSynchronizer(t, WithName("cross-2"))

	inner, err := s2.WrapFunc(func(ctx context.Context, x int) (any, error) {
		if err := Sleep(ctx, 10*time.Millisecond); err != nil {
			return nil, err
		}
		return x + 1, nil
	})
	require.NoError(t, err)

	// A task on s1 awaits work running on s2's loop.
	v, err := s1.RunBlocking(func(ctx context.Context) (any, error) {
		return Await(ctx, inner.Aio.Call(41))
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestSynchronizer_NestedCooperativeSameLoop(t *testing.T) {
	s := newTestSynchronizer(t)

	leaf, err := s.WrapFunc(func(ctx context.Context) (any, error) {
		return "leaf", nil
	})
	require.NoError(t, err)

	v, err := s.RunBlocking(func(ctx context.Context) (any, error) {
		// Awaiting same-loop work parks this task instead of deadlocking.
		return Await(ctx, leaf.Aio.Call())
	})
	require.NoError(t, err)
	require.Equal(t, "leaf", v)
}

func TestSynchronizer_CloseRejectsFurtherWork(t *testing.T) {
	s := New(WithShutdownGrace(time.Second))
	_, err := s.RunBlocking(func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	require.True(t, s.IsClosed())

	_, err = s.RunBlocking(func(ctx context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrClosed)

	_, err = s.Schedule(func(ctx context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrClosed)

	_, err = s.RunCooperative(func(ctx context.Context) (any, error) { return nil, nil }).
		Await(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	// Idempotent.
	require.NoError(t, s.Close(context.Background()))
}

func TestSynchronizer_CloseCancelsInflightWork(t *testing.T) {
	s := New(WithShutdownGrace(500 * time.Millisecond))

	fut, err := s.Schedule(func(ctx context.Context) (any, error) {
		return nil, Sleep(ctx, time.Minute)
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Close(context.Background()))

	_, err = fut.Result(time.Second)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestSynchronizer_CloseNeverStarted(t *testing.T) {
	s := New()
	require.NoError(t, s.Close(context.Background()))
	require.Equal(t, StateTerminated, s.State())
}

func TestSynchronizer_LoopFailureFailsFast(t *testing.T) {
	s := New(WithShutdownGrace(time.Second))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	_, err := s.RunBlocking(func(ctx context.Context) (any, error) { return nil, nil })
	require.NoError(t, err)

	s.loop.fail("induced crash")

	_, err = s.RunBlocking(func(ctx context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrLoopFailed)

	var lf *LoopFailedError
	require.ErrorAs(t, err, &lf)
	require.Equal(t, "induced crash", lf.Panic)
}

func TestSynchronizer_ErrorCallbackOnLoopFailure(t *testing.T) {
	got := make(chan error, 1)
	s := New(WithErrorCallback(func(err error) {
		select {
		case got <- err:
		default:
		}
	}))
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	_, _ = s.RunBlocking(func(ctx context.Context) (any, error) { return nil, nil })
	s.loop.fail("cb crash")

	select {
	case err := <-got:
		require.ErrorIs(t, err, ErrLoopFailed)
	case <-time.After(time.Second):
		t.Fatal("error callback was not invoked")
	}
}

func TestSynchronizer_SignalForwardingInterruptsBlockingCall(t *testing.T) {
	s := newTestSynchronizer(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunBlocking(func(ctx context.Context) (any, error) {
			return nil, Sleep(ctx, time.Minute)
		})
		done <- err
	}()

	// Wait for the blocking call to register, then deliver the interrupt
	// through the forwarder's own path.
	require.Eventually(t, func() bool {
		s.signals.mu.Lock()
		defer s.signals.mu.Unlock()
		return len(s.signals.tasks) == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.signals.interrupt(os.Interrupt)

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrCancelled)
		require.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking call was not interrupted")
	}

	// The Synchronizer remains usable afterwards.
	v, err := s.RunBlocking(func(ctx context.Context) (any, error) { return "alive", nil })
	require.NoError(t, err)
	require.Equal(t, "alive", v)
}

func TestSynchronizer_UserWorkIsSerialized(t *testing.T) {
	s := newTestSynchronizer(t)

	// Unsynchronized shared state: the loop's turn discipline is the only
	// thing keeping this exact (and the race detector quiet).
	counter := 0
	bump, err := s.WrapFunc(func(ctx context.Context) (any, error) {
		for i := 0; i < 25; i++ {
			counter++
			if err := Gosched(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	require.NoError(t, err)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := bump.Call()
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
	require.Equal(t, 8*25, counter, "interleaved tasks must never run concurrently")
}

func TestSynchronizer_Stats(t *testing.T) {
	s := newTestSynchronizer(t)

	for i := 0; i < 3; i++ {
		_, err := s.RunBlocking(func(ctx context.Context) (any, error) { return nil, nil })
		require.NoError(t, err)
	}
	_, err := s.RunBlocking(func(ctx context.Context) (any, error) { return nil, errors.New("x") })
	require.Error(t, err)

	st := s.Stats()
	assert.GreaterOrEqual(t, st.TasksStarted, uint64(4))
	assert.GreaterOrEqual(t, st.TasksCompleted, uint64(3))
	assert.GreaterOrEqual(t, st.TasksFailed, uint64(1))
	assert.GreaterOrEqual(t, st.BlockingCalls, uint64(4))
}

func TestGetSynchronizer_Singleton(t *testing.T) {
	a := GetSynchronizer("singleton-test-a")
	b := GetSynchronizer("singleton-test-a")
	c := GetSynchronizer("singleton-test-b")
	require.Same(t, a, b)
	require.NotSame(t, a, c)
	require.Equal(t, "singleton-test-a", a.Name())

	require.NoError(t, Shutdown(context.Background()))
	require.True(t, a.IsClosed())
	require.True(t, c.IsClosed())

	// After Shutdown the name maps to a fresh instance.
	fresh := GetSynchronizer("singleton-test-a")
	require.NotSame(t, a, fresh)
	_ = Shutdown(context.Background())
}

func TestSleepOutsideTask(t *testing.T) {
	start := time.Now()
	require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, ErrCancelled)
}
