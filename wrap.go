package synchronicity

import (
	"context"
	"reflect"
)

// Wrap wraps target into its dual-interface counterpart, dispatching on the
// target's shape: a coroutine function becomes a [*Func], a generator
// function a [*Generator], a [ClassDef] a [*Class], and an
// [AsyncContextManager] a [*ContextManager]. Already-wrapped targets are
// returned unchanged. Anything else is a misuse error.
func (s *Synchronizer) Wrap(target any, opts ...WrapOption) (any, error) {
	switch v := target.(type) {
	case *Func:
		return s.WrapFunc(v, opts...)
	case *Generator:
		return s.WrapGenerator(v, opts...)
	case *Class:
		s.warnMultiwrap(v.name)
		return v, nil
	case *ContextManager:
		return s.WrapContextManager(v, opts...)
	case ClassDef:
		return s.WrapClass(v, opts...)
	case AsyncContextManager:
		return s.WrapContextManager(v, opts...)
	}
	if t := reflect.TypeOf(target); t != nil && t.Kind() == reflect.Func {
		switch detectKind(t, false) {
		case KindGenerator:
			return s.WrapGenerator(target, opts...)
		case KindCoroutine:
			return s.WrapFunc(target, opts...)
		}
		return nil, wrapMisuse(ErrNotWrappable, "function %s has nothing asynchronous to bridge", t)
	}
	return nil, wrapMisuse(ErrNotWrappable,
		"%T is not a coroutine function, generator function, class definition, or context manager", target)
}

// Func is the dual-interface wrapper for a coroutine function. The call
// operator (Call) is the blocking entry; the Aio field is the cooperative
// entry. Both are views of the same underlying implementation function.
type Func struct {
	core *funcCore

	// Aio is the cooperative entry: calls return awaitables instead of
	// blocking. It shares state with the blocking form.
	Aio *AioFunc
}

// AioFunc is the cooperative view of a wrapped coroutine function.
type AioFunc struct {
	core *funcCore
}

// WrapFunc wraps a coroutine function, func(ctx context.Context, args...)
// (value, error) or func(ctx, args...) error, into a dual-interface wrapper.
// Wrapping an already-wrapped callable returns the same wrapper.
func (s *Synchronizer) WrapFunc(fn any, opts ...WrapOption) (*Func, error) {
	if existing, ok := fn.(*Func); ok {
		s.warnMultiwrap(existing.core.String())
		return existing, nil
	}
	core, err := newFuncCore(s, fn, KindCoroutine, false, resolveWrapOptions(opts))
	if err != nil {
		return nil, err
	}
	return &Func{core: core, Aio: &AioFunc{core: core}}, nil
}

// warnMultiwrap logs the configured warning for double wrapping.
func (s *Synchronizer) warnMultiwrap(name string) {
	if s.multiwrapWarning {
		s.logger.Warning().
			Str("synchronizer", s.name).
			Str("target", name).
			Log("target is already wrapped, returning the existing wrapper")
	}
}

// Name returns the wrapper's display name.
func (f *Func) Name() string { return f.core.name }

// Module returns the wrapper's recorded target module, if any.
func (f *Func) Module() string { return f.core.module }

// String implements fmt.Stringer.
func (f *Func) String() string { return f.core.String() }

// synchronicityImpl exposes the underlying implementation function to
// inward translation.
func (f *Func) synchronicityImpl() any { return f.core.fn.Interface() }

// Call is the blocking entry: it executes the implementation on the
// background loop and parks the calling OS thread until the call finalizes.
// Arguments are translated in, the result is translated out.
func (f *Func) Call(args ...any) (any, error) {
	if err := f.core.checkArity(args); err != nil {
		return nil, err
	}
	return f.core.s.runBlocking(f.core.String(), f.core.coroutineTask(nil, args))
}

// CallFuture is the future-request form of the blocking entry: the call is
// scheduled and a Future is returned immediately instead of blocking.
func (f *Func) CallFuture(args ...any) (*Future, error) {
	if !f.core.allowFutures {
		return nil, wrapMisuse(ErrFuturesNotAllowed, "%s", f.core.String())
	}
	if err := f.core.checkArity(args); err != nil {
		return nil, err
	}
	return f.core.s.schedule(f.core.String(), f.core.coroutineTask(nil, args))
}

// Call is the cooperative entry: it returns an awaitable that executes the
// implementation on the background loop when awaited. Call-shape errors
// surface at await time, like they would on a coroutine.
func (a *AioFunc) Call(args ...any) *Awaitable {
	if err := a.core.checkArity(args); err != nil {
		return settledAwaitable(err)
	}
	return a.core.s.runCooperative(a.core.String(), a.core.coroutineTask(nil, args))
}

// Name returns the wrapper's display name.
func (a *AioFunc) Name() string { return a.core.name }

// synchronicityImpl exposes the underlying implementation function to
// inward translation; Func and its Aio view unwrap identically.
func (a *AioFunc) synchronicityImpl() any { return a.core.fn.Interface() }

// CallbackFunc is the caller-side shape accepted by WrapCallback.
type CallbackFunc func(args ...any) (any, error)

// WrapCallback adapts a user-supplied blocking function so a wrapped
// implementation can invoke it from the loop: arguments are translated out
// (implementation objects become wrappers), the function runs on its own
// goroutine so it cannot stall the loop, and the result is translated back
// in. The returned function must be called with the implementation's task
// context so the loop can keep scheduling while the callback runs.
func (s *Synchronizer) WrapCallback(fn CallbackFunc) func(ctx context.Context, args ...any) (any, error) {
	return func(ctx context.Context, args ...any) (any, error) {
		translated := make([]any, len(args))
		for i, a := range args {
			translated[i] = s.registry.translateOut(a)
		}
		f := newFuture()
		go func() {
			defer func() {
				if r := recover(); r != nil {
					f.Reject(PanicError{Value: r})
				}
			}()
			v, err := fn(translated...)
			if err != nil {
				f.Reject(err)
			} else {
				f.Resolve(v)
			}
		}()
		v, err := awaitFuture(ctx, f)
		if err != nil {
			return nil, err
		}
		return s.registry.translateIn(v), nil
	}
}

// TranslateIn recursively replaces wrappers with their implementations in v.
// Exposed for generated code and advanced integrations; most callers never
// need it because wrapped calls translate automatically.
func (s *Synchronizer) TranslateIn(v any) any {
	return s.registry.translateIn(v)
}

// TranslateOut recursively replaces registered implementation objects in v
// with their wrappers, creating wrappers on demand.
func (s *Synchronizer) TranslateOut(v any) any {
	return s.registry.translateOut(v)
}
