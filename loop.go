package synchronicity

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// externalBudget bounds external-queue processing per tick so internal
	// work (turn grants, settlements) cannot be starved by a submission storm.
	externalBudget = 1024

	// scavengeBatch is the number of future-registry slots inspected per tick.
	scavengeBatch = 20

	// maxParkDelay caps how long the loop sleeps with no timer due.
	maxParkDelay = 10 * time.Second

	// drainSpinDelay paces the shutdown drain while waiting for woken tasks
	// to unwind.
	drainSpinDelay = 100 * time.Microsecond
)

// timer is a deadline-ordered loop callback.
type timer struct {
	when time.Time
	fn   func()
}

// timerHeap is a min-heap of timers.
type timerHeap []timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Loop hosts the Synchronizer's background goroutine: a single scheduler
// processing queued callbacks, due timers, and task turn grants. All user
// work reaches it as turn grants (see task), so the loop is the sole arbiter
// of when implementation code runs.
type Loop struct {
	name   string
	logger *logiface.Logger[logiface.Event]

	state loopStateMachine

	mu       sync.Mutex
	external ingressQueue
	internal ingressQueue
	timers   timerHeap

	// wake has capacity 1; senders never block and duplicate wakes collapse.
	wake     chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	gid     atomic.Uint64
	running atomic.Pointer[task]

	futures     *futureRegistry
	stats       *Stats
	failure     atomic.Value // *LoopFailedError
	activeTasks atomic.Int64

	drainGrace time.Duration

	// uncaught receives errors with no caller to report to (abandoned work,
	// loop crashes). Set by the owning Synchronizer before first use.
	uncaught func(error)
}

func newLoop(name string, logger *logiface.Logger[logiface.Event], grace time.Duration, stats *Stats) *Loop {
	return &Loop{
		name:       name,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		futures:    newFutureRegistry(),
		stats:      stats,
		drainGrace: grace,
	}
}

// start transitions the loop into Running and spawns its goroutine.
// Only the first call has any effect.
func (l *Loop) start() {
	if l.state.TryTransition(StateCreated, StateRunning) {
		go l.run()
	}
}

// run is the loop goroutine body.
func (l *Loop) run() {
	l.gid.Store(getGoroutineID())
	defer l.closeDone()
	defer func() {
		if r := recover(); r != nil {
			l.fail(r)
		}
	}()

	l.logger.Debug().Str("synchronizer", l.name).Log("loop started")

	for {
		switch l.state.Load() {
		case StateTerminating:
			l.drain()
			l.state.Store(StateTerminated)
			l.logger.Debug().Str("synchronizer", l.name).Log("loop terminated")
			return
		case StateTerminated, StateFailed:
			return
		}

		l.runTimers()
		l.processInternal()
		l.processExternal()
		l.futures.Scavenge(scavengeBatch)
		l.park()
	}
}

// grantTurn hands the loop's turn to a task and blocks until the task yields
// it back. Runs only on the loop goroutine.
func (l *Loop) grantTurn(t *task) {
	if t.done.Load() {
		return
	}
	l.running.Store(t)
	t.resume <- struct{}{}
	<-t.yield
	l.running.Store(nil)
}

// runTimers executes all due timers.
func (l *Loop) runTimers() {
	for {
		l.mu.Lock()
		if len(l.timers) == 0 || l.timers[0].when.After(time.Now()) {
			l.mu.Unlock()
			return
		}
		t := heap.Pop(&l.timers).(timer)
		l.mu.Unlock()
		t.fn()
	}
}

// processInternal drains the internal priority queue completely.
func (l *Loop) processInternal() {
	for {
		l.mu.Lock()
		fn, ok := l.internal.Pop()
		l.mu.Unlock()
		if !ok {
			return
		}
		fn()
	}
}

// processExternal processes external submissions up to the tick budget.
func (l *Loop) processExternal() {
	for i := 0; i < externalBudget; i++ {
		l.mu.Lock()
		fn, ok := l.external.Pop()
		l.mu.Unlock()
		if !ok {
			return
		}
		fn()
	}
}

// park sleeps until woken or the next timer is due. Skipped entirely when
// work is already queued.
func (l *Loop) park() {
	l.mu.Lock()
	if l.external.Len() > 0 || l.internal.Len() > 0 {
		l.mu.Unlock()
		return
	}
	wait := maxParkDelay
	if len(l.timers) > 0 {
		wait = time.Until(l.timers[0].when)
		if wait <= 0 {
			l.mu.Unlock()
			return
		}
	}
	l.mu.Unlock()

	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}
	t := time.NewTimer(wait)
	select {
	case <-l.wake:
	case <-t.C:
	}
	t.Stop()
	l.state.TryTransition(StateSleeping, StateRunning)
}

// wakeup nudges a sleeping loop. Never blocks; duplicate wakes collapse into
// the single buffered token.
func (l *Loop) wakeup() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// submittable reports whether the loop accepts new work. Terminating still
// accepts submissions so in-flight cancellations can drain.
func (l *Loop) submittable() error {
	switch l.state.Load() {
	case StateTerminated:
		return ErrClosed
	case StateFailed:
		return l.failureError()
	}
	return nil
}

func (l *Loop) failureError() error {
	if err, ok := l.failure.Load().(*LoopFailedError); ok {
		return err
	}
	return ErrLoopFailed
}

// submit queues a callback on the external queue.
func (l *Loop) submit(fn func()) error {
	return l.push(&l.external, fn)
}

// submitInternal queues a callback on the internal priority queue. Turn
// grants and settlements go here so they are never starved by submissions.
func (l *Loop) submitInternal(fn func()) error {
	return l.push(&l.internal, fn)
}

func (l *Loop) push(q *ingressQueue, fn func()) error {
	if err := l.submittable(); err != nil {
		return err
	}
	l.mu.Lock()
	q.Push(fn)
	depth := l.external.Len() + l.internal.Len()
	l.mu.Unlock()
	l.stats.observeQueueDepth(depth)
	l.start()
	l.wakeup()
	return nil
}

// scheduleTimer registers fn to run on the loop after at least d.
func (l *Loop) scheduleTimer(d time.Duration, fn func()) {
	l.mu.Lock()
	heap.Push(&l.timers, timer{when: time.Now().Add(d), fn: fn})
	l.mu.Unlock()
	l.wakeup()
}

// taskStarted and taskDone maintain the live-task census used by the
// shutdown drain.
func (l *Loop) taskStarted(t *task) {
	l.activeTasks.Add(1)
	l.stats.taskStarted()
	l.futures.Track(t.fut)
}

func (l *Loop) taskDone(t *task) {
	l.activeTasks.Add(-1)
	if t.fut.Cancelled() {
		l.stats.taskCancelled()
	} else if out := t.fut.Outcome(); out.Err != nil {
		l.stats.taskFailed()
	} else {
		l.stats.taskCompleted()
	}
}

// beginShutdown requests termination. The loop drains on its own goroutine;
// callers wait on done.
func (l *Loop) beginShutdown() {
	for {
		st := l.state.Load()
		switch st {
		case StateTerminating, StateTerminated, StateFailed:
			return
		case StateCreated:
			// Start the loop so a racing first submission still drains
			// through the normal terminating path.
			l.start()
		default:
			if l.state.TryTransition(st, StateTerminating) {
				l.wakeup()
				return
			}
		}
	}
}

// drain runs on the loop goroutine once termination is requested: cancel all
// tracked pending work, give woken tasks a bounded window to unwind, then
// force-settle stragglers so no caller is left parked.
func (l *Loop) drain() {
	l.futures.CancelAll(ErrClosed)

	deadline := time.Now().Add(l.drainGrace)
	for {
		l.runTimers()
		l.processInternal()
		l.processExternal()

		l.mu.Lock()
		empty := l.external.Len() == 0 && l.internal.Len() == 0
		l.mu.Unlock()

		if empty && l.activeTasks.Load() == 0 {
			break
		}
		if time.Now().After(deadline) {
			abandoned := l.activeTasks.Load()
			l.logger.Warning().
				Str("synchronizer", l.name).
				Int64("abandoned_tasks", abandoned).
				Log("shutdown grace period expired; abandoning tasks")
			if l.uncaught != nil {
				l.uncaught(fmt.Errorf("%w: %d tasks abandoned after shutdown grace period", ErrClosed, abandoned))
			}
			break
		}
		if empty {
			time.Sleep(drainSpinDelay)
		}
	}

	l.futures.ForceRejectAll(&CancelledError{Cause: ErrClosed})

	// One final sweep so force-settled awaits get their queued turn grants.
	l.processInternal()
	l.processExternal()
}

// closeDone signals loop termination to Close waiters exactly once.
func (l *Loop) closeDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

// fail records a crash of the loop internals and moves the Synchronizer into
// its terminal failed state: pending work is rejected and later submissions
// fail fast.
func (l *Loop) fail(r any) {
	err := &LoopFailedError{Panic: r}
	l.failure.Store(err)
	l.state.Store(StateFailed)
	l.wakeup()
	if l.gid.Load() == 0 {
		// The loop goroutine never ran; release Close waiters directly.
		l.closeDone()
	}
	l.futures.ForceRejectAll(err)
	l.logger.Err().
		Str("synchronizer", l.name).
		Any("panic", r).
		Log("loop crashed; synchronizer is now unusable")
	if l.uncaught != nil {
		l.uncaught(err)
	}
}

// isLoopContext reports whether the current goroutine is the loop goroutine
// or a task currently holding the loop's turn. Blocking in either would
// deadlock the loop.
func (l *Loop) isLoopContext() bool {
	gid := getGoroutineID()
	if l.gid.Load() == gid {
		return true
	}
	if t := l.running.Load(); t != nil && t.gid.Load() == gid {
		return true
	}
	return false
}
