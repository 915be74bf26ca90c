package synchronicity

import (
	"os"
	"os/signal"
	"sync"

	"github.com/joeycumines/logiface"
)

// signalForwarder interrupts parked blocking calls. While at least one
// blocking call is in flight it subscribes to os.Interrupt; a delivered
// interrupt cancels every registered in-flight task, releasing their blocked
// callers with a cancellation-kind error caused by ErrInterrupted. The
// subscription is dropped (restoring the previous disposition) when the last
// blocking call returns.
type signalForwarder struct {
	logger *logiface.Logger[logiface.Event]

	mu    sync.Mutex
	tasks map[*task]struct{}
	ch    chan os.Signal
	stop  chan struct{}
}

func newSignalForwarder(logger *logiface.Logger[logiface.Event]) *signalForwarder {
	return &signalForwarder{
		logger: logger,
		tasks:  make(map[*task]struct{}),
	}
}

// register enrolls a blocking call's task for interrupt forwarding.
func (f *signalForwarder) register(t *task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t] = struct{}{}
	if len(f.tasks) == 1 {
		f.ch = make(chan os.Signal, 1)
		f.stop = make(chan struct{})
		signal.Notify(f.ch, os.Interrupt)
		go f.watch(f.ch, f.stop)
	}
}

// unregister removes a task once its blocking call has returned, restoring
// the previous signal disposition when no blocking calls remain.
func (f *signalForwarder) unregister(t *task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tasks, t)
	if len(f.tasks) == 0 && f.ch != nil {
		signal.Stop(f.ch)
		close(f.stop)
		f.ch = nil
		f.stop = nil
	}
}

func (f *signalForwarder) watch(ch <-chan os.Signal, stop <-chan struct{}) {
	for {
		select {
		case sig := <-ch:
			f.interrupt(sig)
		case <-stop:
			return
		}
	}
}

// interrupt cancels every registered in-flight task.
func (f *signalForwarder) interrupt(sig os.Signal) {
	f.mu.Lock()
	tasks := make([]*task, 0, len(f.tasks))
	for t := range f.tasks {
		tasks = append(tasks, t)
	}
	f.mu.Unlock()

	f.logger.Info().
		Str("signal", sig.String()).
		Int("blocking_calls", len(tasks)).
		Log("forwarding interrupt to in-flight tasks")

	for _, t := range tasks {
		t.Cancel(ErrInterrupted)
	}
}
