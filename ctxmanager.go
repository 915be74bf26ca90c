package synchronicity

import (
	"context"
	"errors"
	"fmt"
)

// AsyncContextManager is the shape an implementation exposes to be wrapped as
// a context manager. Both methods run on the background loop; AsyncExit runs
// even when the body of the managed block fails, receiving that error.
//
// The error AsyncExit returns is the managed block's final outcome: return
// the received error (or a new one) to propagate, nil to suppress it.
type AsyncContextManager interface {
	AsyncEnter(ctx context.Context) (any, error)
	AsyncExit(ctx context.Context, err error) error
}

// ContextManager is the dual-interface wrapper for an async context manager.
// The blocking surface is Enter/Exit/With; the Aio field carries the
// cooperative forms. Enter and exit are submitted to the loop as separate
// calls.
type ContextManager struct {
	s    *Synchronizer
	name string

	// impl backs interface-based managers.
	impl AsyncContextManager

	// st backs generator-based managers (see Generator.Context).
	st *genStream

	// Aio is the cooperative entry.
	Aio *AioContextManager
}

// AioContextManager is the cooperative view of a wrapped context manager.
type AioContextManager struct {
	cm *ContextManager
}

// WrapContextManager wraps an implementation of [AsyncContextManager].
// Wrapping an already-wrapped manager returns the same wrapper.
func (s *Synchronizer) WrapContextManager(impl AsyncContextManager, opts ...WrapOption) (*ContextManager, error) {
	if existing, ok := impl.(*ContextManager); ok {
		s.warnMultiwrap(existing.name)
		return existing, nil
	}
	if impl == nil {
		return nil, wrapMisuse(ErrNotWrappable, "nil context manager")
	}
	cfg := resolveWrapOptions(opts)
	name := cfg.name
	if name == "" {
		name = fmt.Sprintf("%T", impl)
	}
	if cfg.targetModule != "" {
		name = cfg.targetModule + "." + name
	}
	cm := &ContextManager{s: s, name: name, impl: impl}
	cm.Aio = &AioContextManager{cm: cm}
	return cm, nil
}

// Context builds a context manager from the wrapped generator, mirroring the
// decorator pattern for generator-backed managers: enter runs the generator
// to its first yield (it is an error for the generator not to yield), the
// managed block runs with the yielded value, and exit finishes the generator
// (it is an error for it to yield again). An error from the managed block is
// delivered into the generator body through yield, which returns a
// cancellation-kind error whose cause chain holds the block's error (so
// errors.Is matches both); if the generator returns nil after receiving it,
// the error is considered handled.
func (g *Generator) Context(args ...any) *ContextManager {
	cm := &ContextManager{
		s:    g.core.s,
		name: g.core.String(),
		st:   newGenStream(g.core, nil, args),
	}
	cm.Aio = &AioContextManager{cm: cm}
	return cm
}

// synchronicityImpl exposes the underlying implementation to inward
// translation.
func (cm *ContextManager) synchronicityImpl() any {
	if cm.impl != nil {
		return cm.impl
	}
	return cm.st.core.fn.Interface()
}

// AsyncEnter implements [AsyncContextManager] by delegating to the
// cooperative entry, so wrappers themselves nest as managers.
func (cm *ContextManager) AsyncEnter(ctx context.Context) (any, error) {
	return cm.Aio.Enter(ctx)
}

// AsyncExit implements [AsyncContextManager].
func (cm *ContextManager) AsyncExit(ctx context.Context, err error) error {
	return cm.Aio.Exit(ctx, err)
}

// enterFuture builds the loop task for the enter phase.
func (cm *ContextManager) enterFuture() (*Future, error) {
	if cm.st != nil {
		return cm.st.step()
	}
	return cm.s.schedule(cm.name+".enter", func(ctx context.Context) (any, error) {
		v, err := cm.impl.AsyncEnter(ctx)
		if err != nil {
			return nil, err
		}
		return cm.s.registry.translateOut(v), nil
	})
}

// exitFuture builds the loop task for the exit phase. bodyErr is the error
// raised by the managed block, translated in before it reaches the
// implementation.
func (cm *ContextManager) exitFuture(bodyErr error) (*Future, error) {
	if cm.st != nil {
		return cm.exitGenFuture(bodyErr)
	}
	in := bodyErr
	if translated, ok := cm.s.registry.translateIn(any(bodyErr)).(error); ok || bodyErr == nil {
		in = translated
	}
	return cm.s.schedule(cm.name+".exit", func(ctx context.Context) (any, error) {
		return nil, cm.impl.AsyncExit(ctx, in)
	})
}

// exitGenFuture finishes a generator-backed manager. With no body error the
// generator is resumed and must stop; with a body error the generator task is
// cancelled with that cause so the body observes it and can suppress it.
func (cm *ContextManager) exitGenFuture(bodyErr error) (*Future, error) {
	st := cm.st
	if bodyErr == nil {
		f, err := st.step()
		if err != nil {
			return nil, err
		}
		out := newFuture()
		f.onSettle(func(f *Future) {
			o := f.Outcome()
			switch {
			case o.Err != nil:
				out.Reject(o.Err)
			case o.Value.(stepResult).ok:
				out.Reject(fmt.Errorf("synchronicity: %s: generator did not stop", cm.name))
			default:
				out.Resolve(nil)
			}
		})
		return out, nil
	}

	st.mu.Lock()
	t := st.t
	started := st.started
	st.closed = true
	st.mu.Unlock()
	out := newFuture()
	if !started || t == nil {
		out.Reject(bodyErr)
		return out, nil
	}
	t.Cancel(bodyErr)
	t.fut.onSettle(func(f *Future) {
		o := f.Outcome()
		var ce *CancelledError
		switch {
		case o.Err == nil:
			// Generator unwound without re-raising: error handled.
			out.Resolve(nil)
		case errors.As(o.Err, &ce):
			// Cancellation propagated through: the body error stands.
			out.Reject(bodyErr)
		default:
			out.Reject(o.Err)
		}
	})
	return out, nil
}

// Enter runs the enter phase on the background loop and blocks for its
// translated result.
func (cm *ContextManager) Enter() (any, error) {
	if cm.s.loop.isLoopContext() {
		return nil, wrapMisuse(ErrDeadlock, "entering %s", cm.name)
	}
	f, err := cm.enterFuture()
	if err != nil {
		return nil, err
	}
	v, err := f.Result(0)
	return cm.checkEntered(v, err)
}

// Exit runs the exit phase on the background loop and blocks until it
// completes, regardless of whether the managed block failed.
func (cm *ContextManager) Exit(bodyErr error) error {
	if cm.s.loop.isLoopContext() {
		return wrapMisuse(ErrDeadlock, "exiting %s", cm.name)
	}
	f, err := cm.exitFuture(bodyErr)
	if err != nil {
		return err
	}
	_, err = f.Result(0)
	return err
}

// With runs fn inside the managed context: enter, body, exit. Exit runs even
// when the body fails, and its verdict is the call's outcome: a body error
// that exit reports handled does not propagate.
func (cm *ContextManager) With(fn func(v any) error) error {
	v, err := cm.Enter()
	if err != nil {
		return err
	}
	bodyErr := fn(v)
	return cm.Exit(bodyErr)
}

// checkEntered normalizes the enter phase's outcome.
func (cm *ContextManager) checkEntered(v any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if cm.st != nil {
		sr, ok := v.(stepResult)
		if !ok || !sr.ok {
			return nil, fmt.Errorf("synchronicity: %s: generator did not yield", cm.name)
		}
		return sr.value, nil
	}
	return v, nil
}

// Enter is the cooperative enter phase.
func (a *AioContextManager) Enter(ctx context.Context) (any, error) {
	f, err := a.cm.enterFuture()
	if err != nil {
		return nil, err
	}
	v, err := awaitFuture(ctx, f)
	return a.cm.checkEntered(v, err)
}

// Exit is the cooperative exit phase.
func (a *AioContextManager) Exit(ctx context.Context, bodyErr error) error {
	f, err := a.cm.exitFuture(bodyErr)
	if err != nil {
		return err
	}
	_, err = awaitFuture(ctx, f)
	return err
}

// With is the cooperative form of [ContextManager.With].
func (a *AioContextManager) With(ctx context.Context, fn func(ctx context.Context, v any) error) error {
	v, err := a.Enter(ctx)
	if err != nil {
		return err
	}
	bodyErr := fn(ctx, v)
	return a.Exit(ctx, bodyErr)
}
