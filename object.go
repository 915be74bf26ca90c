package synchronicity

import (
	"context"
	"fmt"
	"reflect"
)

// Object is a wrapper instance of a wrapped class. It holds exactly one
// implementation reference; the implementation's methods are reached through
// bound members that dispatch per their declared kind. For any implementation
// instance there is at most one live Object per Synchronizer.
type Object struct {
	class *Class
	impl  any
}

// Class returns the wrapper class this object belongs to.
func (o *Object) Class() *Class { return o.class }

// Impl returns the underlying implementation instance. Exposed for identity
// assertions; touching the implementation outside the loop is the caller's
// responsibility.
func (o *Object) Impl() any { return o.impl }

// String implements fmt.Stringer.
func (o *Object) String() string {
	return fmt.Sprintf("<%s wrapper of %p>", o.class.String(), o.impl)
}

// synchronicityImpl exposes the implementation to inward translation.
func (o *Object) synchronicityImpl() any { return o.impl }

// Method resolves a bound member by name. The returned descriptor supplies
// both the blocking callable and its cooperative Aio companion.
func (o *Object) Method(name string) (*BoundMethod, error) {
	m, ok := o.class.members[name]
	if !ok {
		return nil, wrapMisuse(ErrNotWrappable, "%s has no member %q", o.class.String(), name)
	}
	bm := &BoundMethod{obj: o, entry: m}
	bm.Aio = &AioMethod{bm: bm}
	return bm, nil
}

// Call invokes a member through its blocking entry: coroutine members run on
// the background loop and block the caller, generator members return a
// *BlockingIter, plain members run directly. Arguments and results are
// translated per the member's flags.
func (o *Object) Call(method string, args ...any) (any, error) {
	bm, err := o.Method(method)
	if err != nil {
		return nil, err
	}
	return bm.Call(args...)
}

// CallFuture invokes a coroutine member with the future-request flag.
func (o *Object) CallFuture(method string, args ...any) (*Future, error) {
	bm, err := o.Method(method)
	if err != nil {
		return nil, err
	}
	return bm.CallFuture(args...)
}

// Get reads a declared property: the getter runs against the implementation
// and the value is translated out.
func (o *Object) Get(property string) (any, error) {
	getter, ok := o.class.properties[property]
	if !ok {
		return nil, wrapMisuse(ErrNotWrappable, "%s has no property %q", o.class.String(), property)
	}
	recv, ok := valueFor(o.impl, getter.Type().In(0))
	if !ok {
		return nil, wrapMisuse(ErrNotWrappable, "%s: property %q receiver mismatch", o.class.String(), property)
	}
	out := getter.Call([]reflect.Value{recv})
	return o.class.s.registry.translateOut(out[0].Interface()), nil
}

// Iterate drives the class's iterator member as a blocking iterator.
func (o *Object) Iterate(args ...any) (*BlockingIter, error) {
	st, err := o.iterStream(args)
	if err != nil {
		return nil, err
	}
	return &BlockingIter{st: st}, nil
}

// AioIterate drives the class's iterator member as an async iterator.
func (o *Object) AioIterate(args ...any) (*AsyncIter, error) {
	st, err := o.iterStream(args)
	if err != nil {
		return nil, err
	}
	return &AsyncIter{st: st}, nil
}

func (o *Object) iterStream(args []any) (*genStream, error) {
	if o.class.iterator == "" {
		return nil, wrapMisuse(ErrNotWrappable, "%s is not iterable", o.class.String())
	}
	m := o.class.members[o.class.iterator]
	return newGenStream(m.core, o.impl, args), nil
}

// ContextManager exposes the object's Enter/Exit members as a context
// manager supporting both blocking and cooperative consumption.
func (o *Object) ContextManager() (*ContextManager, error) {
	if o.class.enter == "" {
		return nil, wrapMisuse(ErrNotWrappable, "%s is not a context manager", o.class.String())
	}
	cm := &ContextManager{
		s:    o.class.s,
		name: o.class.String(),
		impl: &memberContextManager{obj: o},
	}
	cm.Aio = &AioContextManager{cm: cm}
	return cm, nil
}

// With runs fn inside the object's managed context (blocking form).
func (o *Object) With(fn func(v any) error) error {
	cm, err := o.ContextManager()
	if err != nil {
		return err
	}
	return cm.With(fn)
}

// memberContextManager adapts an object's Enter/Exit members to the
// AsyncContextManager shape used by the bridging machinery. Its methods run
// on the loop already; they invoke the member implementations directly.
type memberContextManager struct {
	obj *Object
}

func (m *memberContextManager) AsyncEnter(ctx context.Context) (any, error) {
	core := m.obj.class.members[m.obj.class.enter].core
	return core.invokeOnLoop(ctx, m.obj.impl, nil)
}

func (m *memberContextManager) AsyncExit(ctx context.Context, err error) error {
	core := m.obj.class.members[m.obj.class.exit].core
	_, exitErr := core.invokeOnLoop(ctx, m.obj.impl, []any{err})
	return exitErr
}

// BoundMethod is the bound-member descriptor: the blocking callable plus its
// cooperative Aio companion, both views of the same member and receiver.
type BoundMethod struct {
	obj   *Object
	entry *memberEntry

	// Aio is the cooperative entry of the bound member.
	Aio *AioMethod
}

// AioMethod is the cooperative view of a bound member.
type AioMethod struct {
	bm *BoundMethod
}

// Name returns the member's display name.
func (bm *BoundMethod) Name() string { return bm.entry.core.name }

// Call invokes the member through its blocking entry.
func (bm *BoundMethod) Call(args ...any) (any, error) {
	core := bm.entry.core
	switch core.kind {
	case KindCoroutine:
		if err := core.checkArity(args); err != nil {
			return nil, err
		}
		return core.s.runBlocking(core.String(), core.coroutineTask(bm.obj.impl, args))
	case KindGenerator:
		return &BlockingIter{st: newGenStream(core, bm.obj.impl, args)}, nil
	default:
		return core.callPlain(bm.obj.impl, args)
	}
}

// CallFuture schedules a coroutine member and returns the future
// immediately.
func (bm *BoundMethod) CallFuture(args ...any) (*Future, error) {
	core := bm.entry.core
	if core.kind != KindCoroutine {
		return nil, wrapMisuse(ErrFuturesNotAllowed, "%s is a %s member", core.String(), core.kind)
	}
	if !core.allowFutures {
		return nil, wrapMisuse(ErrFuturesNotAllowed, "%s", core.String())
	}
	if err := core.checkArity(args); err != nil {
		return nil, err
	}
	return core.s.schedule(core.String(), core.coroutineTask(bm.obj.impl, args))
}

// Call invokes the member through its cooperative entry, returning an
// awaitable of the translated result. Generator members are consumed through
// [AioMethod.Iter] instead, and plain members have no cooperative form; both
// surface a misuse error on the returned awaitable.
func (a *AioMethod) Call(args ...any) *Awaitable {
	core := a.bm.entry.core
	switch core.kind {
	case KindCoroutine:
		if err := core.checkArity(args); err != nil {
			return settledAwaitable(err)
		}
		return core.s.runCooperative(core.String(), core.coroutineTask(a.bm.obj.impl, args))
	case KindGenerator:
		return settledAwaitable(wrapMisuse(ErrNotWrappable, "%s is a generator member; use Aio.Iter", core.String()))
	default:
		return settledAwaitable(wrapMisuse(ErrNotWrappable, "%s has no cooperative form", core.String()))
	}
}

// Iter drives a generator member as an async iterator.
func (a *AioMethod) Iter(args ...any) (*AsyncIter, error) {
	core := a.bm.entry.core
	if core.kind != KindGenerator {
		return nil, wrapMisuse(ErrNotWrappable, "%s is not a generator member", core.String())
	}
	return &AsyncIter{st: newGenStream(core, a.bm.obj.impl, args)}, nil
}

// invokeOnLoop runs a coroutine member directly; the caller must already be
// on the loop (it is used by bridging code that is itself a loop task).
func (core *funcCore) invokeOnLoop(ctx context.Context, recv any, args []any) (any, error) {
	fixed := []reflect.Value{reflect.ValueOf(ctx)}
	if core.hasRecv {
		fixed = append(fixed, reflect.ValueOf(recv))
	}
	in, err := core.buildArgs(fixed, core.translateInArgs(args))
	if err != nil {
		return nil, err
	}
	v, err := splitResults(core.fn.Call(in))
	if err != nil {
		return nil, err
	}
	return core.translateOutValue(v), nil
}
