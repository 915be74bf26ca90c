package synchronicity

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"sync"
)

// Generator is the dual-interface wrapper for a generator function of the
// shape func(ctx context.Context, yield YieldFunc, args...) error. The blocking
// entry produces a blocking iterator; the Aio entry produces an async
// iterator. Each call creates an independent generator instance.
type Generator struct {
	core *funcCore

	// Aio is the cooperative entry, producing async iterators.
	Aio *AioGenerator
}

// AioGenerator is the cooperative view of a wrapped generator function.
type AioGenerator struct {
	core *funcCore
}

// WrapGenerator wraps a generator function into a dual-interface wrapper.
// Wrapping an already-wrapped generator returns the same wrapper.
func (s *Synchronizer) WrapGenerator(fn any, opts ...WrapOption) (*Generator, error) {
	if existing, ok := fn.(*Generator); ok {
		s.warnMultiwrap(existing.core.String())
		return existing, nil
	}
	core, err := newFuncCore(s, fn, KindGenerator, false, resolveWrapOptions(opts))
	if err != nil {
		return nil, err
	}
	return &Generator{core: core, Aio: &AioGenerator{core: core}}, nil
}

// Name returns the wrapper's display name.
func (g *Generator) Name() string { return g.core.name }

// String implements fmt.Stringer.
func (g *Generator) String() string { return g.core.String() }

// synchronicityImpl exposes the underlying implementation function to
// inward translation.
func (g *Generator) synchronicityImpl() any { return g.core.fn.Interface() }

// Call is the blocking entry: it returns a blocking iterator that drives the
// generator one step at a time on the background loop. The generator body
// does not start until the first Next.
func (g *Generator) Call(args ...any) *BlockingIter {
	return &BlockingIter{st: newGenStream(g.core, nil, args)}
}

// Call is the cooperative entry: it returns an async iterator whose Next
// awaits one bridged step.
func (a *AioGenerator) Call(args ...any) *AsyncIter {
	return &AsyncIter{st: newGenStream(a.core, nil, args)}
}

// stepResult is one delivered generator step.
type stepResult struct {
	value any
	ok    bool
}

// genStream drives one generator instance: the implementation runs as a
// single task on the background loop, parking inside yield until the
// consumer requests the next item. Items are translated out before delivery.
type genStream struct {
	core *funcCore
	recv any
	args []any

	mu           sync.Mutex
	started      bool
	closed       bool
	finished     bool
	errDelivered bool
	finErr       error
	t            *task
	pending      *Future // consumer's in-flight step request
	gate         *Future // generator parks here between steps
}

func newGenStream(core *funcCore, recv any, args []any) *genStream {
	return &genStream{core: core, recv: recv, args: args}
}

// step registers a consumer request for the next item and returns the future
// it will be delivered on. At most one step may be in flight.
func (st *genStream) step() (*Future, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.finished || st.closed {
		f := newFuture()
		if st.finErr != nil && !st.errDelivered {
			st.errDelivered = true
			f.Reject(st.finErr)
		} else {
			f.Resolve(stepResult{})
		}
		return f, nil
	}
	if st.pending != nil {
		return nil, wrapMisuse(ErrGeneratorBusy, "%s", st.core.String())
	}

	f := newFuture()
	st.pending = f
	if !st.started {
		st.started = true
		st.t = newTask(st.core.s.loop, st.core.String())
		if err := st.t.start(st.run); err != nil {
			st.pending = nil
			st.finished = true
			st.finErr = err
			return nil, err
		}
	} else {
		st.gate.Resolve(nil)
	}
	return f, nil
}

// run is the generator's task body.
func (st *genStream) run(ctx context.Context) (any, error) {
	t := taskFromContext(ctx)

	yield := YieldFunc(func(v any) error {
		st.mu.Lock()
		p := st.pending
		st.pending = nil
		gate := newFuture()
		st.gate = gate
		st.mu.Unlock()

		if p != nil {
			p.Resolve(stepResult{value: st.core.translateOutValue(v), ok: true})
		}
		_, err := t.await(gate)
		return err
	})

	var err error
	done := false
	defer func() {
		if r := recover(); r != nil {
			st.finish(PanicError{Value: r})
			panic(r) // settled the step; let the task record the panic too
		}
		if !done {
			st.finish(ErrGoexit)
			return
		}
		st.finish(err)
	}()

	fixed := []reflect.Value{reflect.ValueOf(ctx)}
	if st.core.hasRecv {
		fixed = append(fixed, reflect.ValueOf(st.recv))
	}
	fixed = append(fixed, reflect.ValueOf(yield))

	in, buildErr := st.core.buildArgs(fixed, st.core.translateInArgs(st.args))
	if buildErr != nil {
		err = buildErr
		done = true
		return nil, err
	}
	_, err = splitResults(st.core.fn.Call(in))
	done = true
	return nil, err
}

// finish records the generator's terminal outcome and settles any in-flight
// step request. Cancellation caused by Close is reported as plain exhaustion.
func (st *genStream) finish(err error) {
	st.mu.Lock()
	p := st.pending
	st.pending = nil
	st.finished = true
	if errors.Is(err, ErrCancelled) && st.closed {
		err = nil
	}
	st.finErr = err
	if p != nil && err != nil {
		st.errDelivered = true
	}
	st.mu.Unlock()

	if p != nil {
		if err != nil {
			p.Reject(err)
		} else {
			p.Resolve(stepResult{})
		}
	}
}

// close cancels the underlying generator task and waits (via wait) for it to
// finalize, so deferred cleanup inside the implementation has run before
// close returns.
func (st *genStream) close(wait func(*Future) error) error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	if !st.started || st.finished {
		st.finished = true
		st.mu.Unlock()
		return nil
	}
	t := st.t
	st.mu.Unlock()

	t.Cancel(nil)
	if err := wait(t.fut); err != nil && !errors.Is(err, ErrCancelled) {
		return err
	}
	return nil
}

// BlockingIter drives a wrapped generator from a blocking caller.
type BlockingIter struct {
	st *genStream
}

// Next blocks for the next item. It returns ok=false once the generator is
// exhausted; a terminal error from the implementation is returned exactly
// once, after which the iterator reports exhaustion.
func (it *BlockingIter) Next() (v any, ok bool, err error) {
	if it.st.core.s.loop.isLoopContext() {
		return nil, false, wrapMisuse(ErrDeadlock, "iterating %s", it.st.core.String())
	}
	f, err := it.st.step()
	if err != nil {
		return nil, false, err
	}
	<-f.done
	out := f.Outcome()
	if out.Err != nil {
		return nil, false, out.Err
	}
	sr := out.Value.(stepResult)
	return sr.value, sr.ok, nil
}

// Close shuts the generator down, delivering a cancellation into its body
// and waiting for it to finalize. Safe to call multiple times.
func (it *BlockingIter) Close() error {
	return it.st.close(func(f *Future) error {
		<-f.done
		return f.Outcome().Err
	})
}

// Seq adapts the iterator for range-over-func consumption. A terminal error
// is yielded as the final (nil, err) pair. The generator is closed when the
// range exits early.
func (it *BlockingIter) Seq() iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		defer func() { _ = it.Close() }()
		for {
			v, ok, err := it.Next()
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}
}

// Collect drains the iterator into a slice, closing it afterwards.
func (it *BlockingIter) Collect() ([]any, error) {
	var items []any
	for v, err := range it.Seq() {
		if err != nil {
			return items, err
		}
		items = append(items, v)
	}
	return items, nil
}

// AsyncIter drives a wrapped generator from a cooperative caller.
type AsyncIter struct {
	st *genStream
}

// Next awaits the next item. Semantics match [BlockingIter.Next], except the
// wait suspends the caller's task (or parks a plain goroutine) instead of
// requiring a blocking thread.
func (it *AsyncIter) Next(ctx context.Context) (v any, ok bool, err error) {
	f, err := it.st.step()
	if err != nil {
		return nil, false, err
	}
	out, err := awaitFuture(ctx, f)
	if err != nil {
		return nil, false, err
	}
	sr := out.(stepResult)
	return sr.value, sr.ok, nil
}

// Close shuts the generator down and awaits its finalization.
func (it *AsyncIter) Close(ctx context.Context) error {
	return it.st.close(func(f *Future) error {
		_, err := awaitFuture(ctx, f)
		return err
	})
}
