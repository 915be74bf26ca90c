package synchronicity

import (
	"sync/atomic"
)

// Stats tracks runtime counters for a Synchronizer. All counters are atomic
// and cheap enough to maintain unconditionally.
//
// Snapshot values are obtained via [Synchronizer.Stats]; the zero StatsSnapshot
// means the loop has done no work yet.
type Stats struct {
	tasksStarted   atomic.Uint64
	tasksCompleted atomic.Uint64
	tasksFailed    atomic.Uint64
	tasksCancelled atomic.Uint64
	blockingCalls  atomic.Uint64
	queueHighWater atomic.Int64
}

// StatsSnapshot is a point-in-time copy of a Synchronizer's counters.
type StatsSnapshot struct {
	// TasksStarted counts every unit of work handed to the background loop.
	TasksStarted uint64
	// TasksCompleted counts tasks that finalized with a value.
	TasksCompleted uint64
	// TasksFailed counts tasks that finalized with a non-cancellation error.
	TasksFailed uint64
	// TasksCancelled counts tasks that finalized cancelled.
	TasksCancelled uint64
	// BlockingCalls counts invocations of the blocking entry.
	BlockingCalls uint64
	// QueueHighWater is the deepest observed combined submission queue.
	QueueHighWater int64
}

func (s *Stats) taskStarted()   { s.tasksStarted.Add(1) }
func (s *Stats) taskCompleted() { s.tasksCompleted.Add(1) }
func (s *Stats) taskFailed()    { s.tasksFailed.Add(1) }
func (s *Stats) taskCancelled() { s.tasksCancelled.Add(1) }
func (s *Stats) blockingCall()  { s.blockingCalls.Add(1) }

func (s *Stats) observeQueueDepth(depth int) {
	d := int64(depth)
	for {
		cur := s.queueHighWater.Load()
		if d <= cur || s.queueHighWater.CompareAndSwap(cur, d) {
			return
		}
	}
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		TasksStarted:   s.tasksStarted.Load(),
		TasksCompleted: s.tasksCompleted.Load(),
		TasksFailed:    s.tasksFailed.Load(),
		TasksCancelled: s.tasksCancelled.Load(),
		BlockingCalls:  s.blockingCalls.Load(),
		QueueHighWater: s.queueHighWater.Load(),
	}
}
