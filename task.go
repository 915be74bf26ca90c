package synchronicity

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"
)

// ErrGoexit rejects a call whose implementation exited via runtime.Goexit
// instead of returning.
var ErrGoexit = errors.New("synchronicity: implementation exited via runtime.Goexit")

// TaskFunc is the shape of work executed on the background loop. The supplied
// context carries the task identity (so [Await], [Sleep], and friends can
// suspend cooperatively) and is cancelled when the call is cancelled.
type TaskFunc func(ctx context.Context) (any, error)

type taskCtxKey struct{}

// taskFromContext returns the task bound to ctx, or nil when ctx does not
// belong to a cooperative call.
func taskFromContext(ctx context.Context) *task {
	t, _ := ctx.Value(taskCtxKey{}).(*task)
	return t
}

// task is one cooperative unit of user work. The user function runs on the
// task's own goroutine, but only while the task holds the loop's turn: the
// loop grants the turn over the resume channel and regains it over the yield
// channel, so at most one task executes at any instant and all user work is
// serialized with the loop.
//
// Suspension protocol: before yielding the turn, the task sets parked and
// arranges for a waker (future settlement, cancellation) to call wake. The
// first waker to CAS parked wins and enqueues a turn grant; every grant pairs
// with exactly one park, so turns are never lost or duplicated.
type task struct {
	loop   *Loop
	fut    *Future
	name   string
	ctx    context.Context
	cancel context.CancelCauseFunc

	resume chan struct{}
	yield  chan struct{}

	gid       atomic.Uint64
	parked    atomic.Bool
	cancelled atomic.Bool
	done      atomic.Bool
}

func newTask(l *Loop, name string) *task {
	return newTaskWithFuture(l, name, newFuture())
}

// newTaskWithFuture binds the task to a caller-provided future, used by
// lazily-started awaitables whose handle must exist before the task does.
func newTaskWithFuture(l *Loop, name string, fut *Future) *task {
	t := &task{
		loop:   l,
		fut:    fut,
		name:   name,
		resume: make(chan struct{}),
		yield:  make(chan struct{}),
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	t.ctx = context.WithValue(ctx, taskCtxKey{}, t)
	t.cancel = cancel
	t.fut.bindTask(t)
	return t
}

// start queues the task's first turn and spawns its goroutine. If the loop
// refuses the work the task's future is rejected and no goroutine is spawned.
func (t *task) start(fn TaskFunc) error {
	if err := t.loop.submit(func() { t.loop.grantTurn(t) }); err != nil {
		t.done.Store(true)
		t.fut.Reject(err)
		return err
	}
	go t.main(fn)
	t.loop.taskStarted(t)
	return nil
}

// main is the task goroutine body.
func (t *task) main(fn TaskFunc) {
	<-t.resume
	t.gid.Store(getGoroutineID())

	var (
		res      any
		err      error
		finished bool
	)
	defer func() {
		if r := recover(); r != nil {
			t.finish(nil, PanicError{Value: r})
		} else if !finished {
			// Ended without a normal return: runtime.Goexit (or panic(nil)).
			t.finish(nil, ErrGoexit)
		} else {
			t.finish(res, err)
		}
		t.loop.taskDone(t)
		t.yield <- struct{}{}
	}()

	res, err = fn(t.ctx)
	finished = true
}

// finish settles the task's future, normalizing cancellation outcomes so the
// caller can always discriminate the cancellation kind via errors.Is.
func (t *task) finish(v any, err error) {
	t.done.Store(true)
	switch {
	case err == nil:
		t.fut.Resolve(v)
	case errors.Is(err, ErrCancelled):
		t.fut.Reject(err)
	case errors.Is(err, context.Canceled):
		t.fut.Reject(&CancelledError{Cause: context.Cause(t.ctx)})
	default:
		t.fut.Reject(err)
	}
}

// Cancel requests cancellation. The task's context is cancelled and, if the
// task is suspended, it is woken so the pending await returns a
// cancellation-kind error. Returns false once the task has finalized.
func (t *task) Cancel(cause error) bool {
	if t.done.Load() {
		return false
	}
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel(&CancelledError{Cause: cause})
	}
	t.wake()
	return true
}

// wake transfers a pending park into a queued turn grant. Exactly one waker
// wins per suspension; the rest are no-ops.
func (t *task) wake() {
	if !t.parked.CompareAndSwap(true, false) {
		return
	}
	if err := t.loop.submitInternal(func() { t.loop.grantTurn(t) }); err != nil {
		// Loop already gone; hand the turn over directly so the task can
		// observe its settled future and unwind.
		t.resume <- struct{}{}
		<-t.yield
	}
}

// await suspends the task until f settles. Must be called on the task's own
// goroutine while it holds the turn.
func (t *task) await(f *Future) (any, error) {
	t.loop.futures.Track(f)
	for {
		if f.Done() {
			out := f.Outcome()
			return out.Value, out.Err
		}
		if t.cancelled.Load() {
			// Mirror the cancellation into whatever we were waiting on so it
			// can unwind its own resources.
			f.Cancel()
			return nil, &CancelledError{Cause: context.Cause(t.ctx)}
		}
		t.parked.Store(true)
		f.onSettle(func(*Future) { t.wake() })
		t.yield <- struct{}{}
		<-t.resume
	}
}

// awaitFuture resolves the caller context: inside a task it suspends
// cooperatively, elsewhere it parks the calling goroutine. Cancelling ctx
// cancels the underlying work and the wait returns once it has finalized.
func awaitFuture(ctx context.Context, f *Future) (any, error) {
	if t := taskFromContext(ctx); t != nil {
		return t.await(f)
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		f.Cancel()
		<-f.done
	}
	out := f.Outcome()
	return out.Value, out.Err
}

// Await suspends the calling context until aw settles and returns its
// outcome. From inside a wrapped implementation this is a cooperative
// suspension point; from a plain goroutine it blocks.
func Await(ctx context.Context, aw *Awaitable) (any, error) {
	return aw.Await(ctx)
}

// AwaitFuture is [Await] for a bare [Future].
func AwaitFuture(ctx context.Context, f *Future) (any, error) {
	return awaitFuture(ctx, f)
}

// Sleep suspends the calling task for at least d without blocking the loop.
// Outside a task it degrades to a context-aware sleep of the calling
// goroutine. Returns a cancellation-kind error if cancelled first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := taskFromContext(ctx)
	if t == nil {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return &CancelledError{Cause: context.Cause(ctx)}
		}
	}
	if d <= 0 {
		return Gosched(ctx)
	}
	f := newFuture()
	t.loop.scheduleTimer(d, func() { f.Resolve(nil) })
	_, err := t.await(f)
	return err
}

// Gosched yields the loop turn once, letting other queued work run before the
// calling task resumes. Outside a task it is a no-op.
func Gosched(ctx context.Context) error {
	t := taskFromContext(ctx)
	if t == nil {
		return nil
	}
	f := newFuture()
	if err := t.loop.submitInternal(func() { f.Resolve(nil) }); err != nil {
		return err
	}
	_, err := t.await(f)
	return err
}

// getGoroutineID returns the current goroutine's ID, parsed from the runtime
// stack header.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
