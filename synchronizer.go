package synchronicity

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
)

// Synchronizer is the runtime bridge: it owns one background loop and turns
// user-supplied asynchronous implementations into dual-interface wrappers
// exposing both a blocking call form and a cooperative `.Aio` call form.
//
// A Synchronizer is created inert; the loop goroutine starts on the first
// call that needs it. All methods are safe for concurrent use.
type Synchronizer struct {
	name   string
	logger *logiface.Logger[logiface.Event]

	loop     *Loop
	registry *translationRegistry
	stats    *Stats
	signals  *signalForwarder

	errorCallback    func(error)
	multiwrapWarning bool

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// New creates a Synchronizer. The background loop goroutine is not started
// until first use.
func New(opts ...SynchronizerOption) *Synchronizer {
	cfg := resolveSynchronizerOptions(opts)
	s := &Synchronizer{
		name:             cfg.name,
		logger:           cfg.logger,
		stats:            &Stats{},
		errorCallback:    cfg.errorCallback,
		multiwrapWarning: cfg.multiwrapWarning,
	}
	s.loop = newLoop(cfg.name, cfg.logger, cfg.shutdownGrace, s.stats)
	s.loop.uncaught = s.reportUncaught
	s.registry = newTranslationRegistry(s)
	if cfg.signalHandling {
		s.signals = newSignalForwarder(cfg.logger)
	}
	return s
}

// Name returns the Synchronizer's logical name.
func (s *Synchronizer) Name() string {
	return s.name
}

// State returns the current state of the background loop.
func (s *Synchronizer) State() LoopState {
	return s.loop.state.Load()
}

// Stats returns a snapshot of the Synchronizer's runtime counters.
func (s *Synchronizer) Stats() StatsSnapshot {
	return s.stats.snapshot()
}

// checkOpen fails fast after Close has run.
func (s *Synchronizer) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.loop.submittable()
}

// RunBlocking executes fn on the background loop and parks the calling OS
// thread until it finalizes, propagating its outcome. It must not be called
// from the loop context itself: the loop cannot both park on the result and
// produce it.
//
// While the call is parked, a forwarded interrupt (when signal handling is
// enabled) cancels the in-flight task; the call then returns a
// cancellation-kind error whose cause is ErrInterrupted.
func (s *Synchronizer) RunBlocking(fn TaskFunc) (any, error) {
	return s.runBlocking("RunBlocking", fn)
}

func (s *Synchronizer) runBlocking(name string, fn TaskFunc) (any, error) {
	if s.loop.isLoopContext() {
		return nil, wrapMisuse(ErrDeadlock, "%s on synchronizer %q", name, s.name)
	}
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	s.stats.blockingCall()

	t := newTask(s.loop, name)
	if s.signals != nil {
		s.signals.register(t)
		defer s.signals.unregister(t)
	}
	if err := t.start(fn); err != nil {
		return nil, err
	}
	<-t.fut.done
	out := t.fut.Outcome()
	return out.Value, out.Err
}

// Schedule submits fn to the background loop and returns immediately with a
// Future supporting Result, Cancel, and Done.
func (s *Synchronizer) Schedule(fn TaskFunc) (*Future, error) {
	return s.schedule("Schedule", fn)
}

func (s *Synchronizer) schedule(name string, fn TaskFunc) (*Future, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	t := newTask(s.loop, name)
	if err := t.start(fn); err != nil {
		return nil, err
	}
	return t.fut, nil
}

// RunCooperative returns an awaitable that, when awaited, executes fn on the
// background loop and resolves to its outcome. The awaitable is lazy (nothing
// is scheduled until the first Await), so it may be built on a
// blocking thread and awaited elsewhere.
func (s *Synchronizer) RunCooperative(fn TaskFunc) *Awaitable {
	return s.runCooperative("RunCooperative", fn)
}

func (s *Synchronizer) runCooperative(name string, fn TaskFunc) *Awaitable {
	if err := s.checkOpen(); err != nil {
		return settledAwaitable(err)
	}
	return newAwaitable(s.loop, name, fn)
}

// IsClosed reports whether Close has been initiated.
func (s *Synchronizer) IsClosed() bool {
	return s.closed.Load()
}

// Close shuts the Synchronizer down: it marks the Synchronizer closing,
// cancels all tracked in-flight work, lets the loop drain within the
// configured grace period, and waits for the loop goroutine to stop. The
// supplied ctx bounds the wait. Close is idempotent; submissions after Close
// fail fast with ErrClosed.
func (s *Synchronizer) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.logger.Info().Str("synchronizer", s.name).Log("shutting down")
		s.loop.beginShutdown()
		select {
		case <-s.loop.done:
		case <-ctx.Done():
			s.closeErr = context.Cause(ctx)
			s.logger.Warning().
				Str("synchronizer", s.name).
				Err(s.closeErr).
				Log("close wait abandoned; loop goroutine may still be draining")
		}
	})
	return s.closeErr
}

// reportUncaught forwards an error that has no caller to report to.
func (s *Synchronizer) reportUncaught(err error) {
	if cb := s.errorCallback; cb != nil {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Err().
					Str("synchronizer", s.name).
					Any("panic", r).
					Log("error callback panicked")
			}
		}()
		cb(err)
		return
	}
	s.logger.Err().Str("synchronizer", s.name).Err(err).Log("uncaught error")
}
