package synchronicity

import (
	"context"
	"reflect"
	"runtime"
	"strings"
)

// MemberKind tags how a wrapped member dispatches. The dispatcher branches on
// the kind (and the wrapper's flags) at call time; there is no wrapper class
// hierarchy.
type MemberKind int

const (
	// KindAuto detects the kind from the function signature: a leading
	// context.Context parameter marks a coroutine, a YieldFunc parameter
	// after the receiver marks a generator, anything else is plain.
	KindAuto MemberKind = iota
	// KindCoroutine runs on the background loop; the blocking entry parks the
	// caller, the cooperative entry returns an awaitable.
	KindCoroutine
	// KindGenerator produces items one bridged step at a time.
	KindGenerator
	// KindContextManager pairs enter and exit submissions.
	KindContextManager
	// KindPlain runs synchronously on the calling goroutine; arguments and
	// results still get translated.
	KindPlain
)

// String returns a human-readable representation of the kind.
func (k MemberKind) String() string {
	switch k {
	case KindAuto:
		return "auto"
	case KindCoroutine:
		return "coroutine"
	case KindGenerator:
		return "generator"
	case KindContextManager:
		return "contextmanager"
	case KindPlain:
		return "plain"
	default:
		return "unknown"
	}
}

// YieldFunc delivers one item from a generator implementation to its
// consumer. It suspends the generator until the consumer requests the next
// item, and returns a non-nil (cancellation-kind) error when the consumer has
// closed the iterator; the implementation should then unwind and return.
type YieldFunc func(v any) error

var (
	ctxType   = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType   = reflect.TypeOf((*error)(nil)).Elem()
	yieldType = reflect.TypeOf(YieldFunc(nil))
)

// funcCore is the shared state behind a wrapped callable's blocking and
// cooperative views. Both entries of a wrapper hold the same core, so they
// are views of the same underlying implementation function and flags.
type funcCore struct {
	s    *Synchronizer
	fn   reflect.Value
	kind MemberKind

	// hasRecv marks class members whose first non-context parameter is the
	// implementation receiver.
	hasRecv bool

	name         string
	module       string
	translateIO  bool
	allowFutures bool
}

func newFuncCore(s *Synchronizer, fn any, kind MemberKind, hasRecv bool, cfg *wrapOptions) (*funcCore, error) {
	v := reflect.ValueOf(fn)
	if fn == nil || v.Kind() != reflect.Func {
		return nil, wrapMisuse(ErrNotWrappable, "%T is not a function", fn)
	}
	t := v.Type()
	if kind == KindAuto {
		kind = detectKind(t, hasRecv)
	}
	switch kind {
	case KindCoroutine, KindContextManager:
		if err := validateCoroutine(t, hasRecv); err != nil {
			return nil, err
		}
	case KindGenerator:
		if err := validateGenerator(t, hasRecv); err != nil {
			return nil, err
		}
	case KindPlain:
		// Any function shape passes through.
	default:
		return nil, wrapMisuse(ErrNotWrappable, "unknown member kind %d", kind)
	}
	core := &funcCore{
		s:            s,
		fn:           v,
		kind:         kind,
		hasRecv:      hasRecv,
		name:         cfg.name,
		module:       cfg.targetModule,
		translateIO:  cfg.translateIO,
		allowFutures: cfg.allowFutures,
	}
	if core.name == "" {
		core.name = functionName(v)
	}
	return core, nil
}

// detectKind infers the member kind from the function signature.
func detectKind(t reflect.Type, hasRecv bool) MemberKind {
	if t.NumIn() == 0 || t.In(0) != ctxType {
		return KindPlain
	}
	yieldIdx := 1
	if hasRecv {
		yieldIdx = 2
	}
	if t.NumIn() > yieldIdx && t.In(yieldIdx) == yieldType {
		return KindGenerator
	}
	return KindCoroutine
}

// validateCoroutine requires func(ctx[, recv], args...) (value?, error).
func validateCoroutine(t reflect.Type, hasRecv bool) error {
	minIn := 1
	if hasRecv {
		minIn = 2
	}
	if t.NumIn() < minIn || t.In(0) != ctxType {
		return wrapMisuse(ErrNotWrappable, "coroutine must take context.Context first, got %s", t)
	}
	if t.NumOut() < 1 || t.NumOut() > 2 || t.Out(t.NumOut()-1) != errType {
		return wrapMisuse(ErrNotWrappable, "coroutine must return (value, error) or error, got %s", t)
	}
	return nil
}

// validateGenerator requires func(ctx[, recv], yield, args...) error.
func validateGenerator(t reflect.Type, hasRecv bool) error {
	yieldIdx := 1
	if hasRecv {
		yieldIdx = 2
	}
	if t.NumIn() <= yieldIdx || t.In(0) != ctxType || t.In(yieldIdx) != yieldType {
		return wrapMisuse(ErrNotWrappable, "generator must take (context.Context[, receiver], YieldFunc, ...), got %s", t)
	}
	if t.NumOut() != 1 || t.Out(0) != errType {
		return wrapMisuse(ErrNotWrappable, "generator must return error, got %s", t)
	}
	return nil
}

// functionName derives a default display name from the function symbol.
func functionName(v reflect.Value) string {
	if pc := v.Pointer(); pc != 0 {
		if f := runtime.FuncForPC(pc); f != nil {
			name := f.Name()
			if i := strings.LastIndexByte(name, '/'); i >= 0 {
				name = name[i+1:]
			}
			return name
		}
	}
	return v.Type().String()
}

// String returns the wrapper's display name, honoring the recorded target
// module so errors and introspection refer to the wrapper's public identity.
func (c *funcCore) String() string {
	if c.module != "" {
		return c.module + "." + c.name
	}
	return c.name
}

// translateInArgs applies inward translation to a call's arguments.
func (c *funcCore) translateInArgs(args []any) []any {
	if !c.translateIO || len(args) == 0 {
		return args
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = c.s.registry.translateIn(a)
	}
	return out
}

// translateOutValue applies outward translation to a result.
func (c *funcCore) translateOutValue(v any) any {
	if !c.translateIO {
		return v
	}
	return c.s.registry.translateOut(v)
}

// fixedIn returns the number of leading parameters not supplied by the
// caller's argument list.
func (c *funcCore) fixedIn() int {
	n := 0
	if c.kind != KindPlain {
		n++ // ctx
	}
	if c.hasRecv {
		n++
	}
	if c.kind == KindGenerator {
		n++ // yield
	}
	return n
}

// checkArity validates the caller-supplied argument count synchronously, so
// call-shape misuse surfaces at the call site rather than on the loop.
func (c *funcCore) checkArity(args []any) error {
	t := c.fn.Type()
	want := t.NumIn() - c.fixedIn()
	if t.IsVariadic() {
		if len(args) < want-1 {
			return wrapMisuse(ErrBadArguments, "%s takes at least %d arguments, got %d", c.String(), want-1, len(args))
		}
		return nil
	}
	if len(args) != want {
		return wrapMisuse(ErrBadArguments, "%s takes %d arguments, got %d", c.String(), want, len(args))
	}
	return nil
}

// buildArgs assembles the reflect call frame: fixed leading values followed
// by the caller's (already translated) arguments.
func (c *funcCore) buildArgs(fixed []reflect.Value, args []any) ([]reflect.Value, error) {
	t := c.fn.Type()
	in := make([]reflect.Value, 0, len(fixed)+len(args))
	in = append(in, fixed...)
	for i, a := range args {
		idx := len(fixed) + i
		var paramType reflect.Type
		if t.IsVariadic() && idx >= t.NumIn()-1 {
			paramType = t.In(t.NumIn() - 1).Elem()
		} else if idx < t.NumIn() {
			paramType = t.In(idx)
		} else {
			return nil, wrapMisuse(ErrBadArguments, "%s: too many arguments", c.String())
		}
		v, ok := valueFor(a, paramType)
		if !ok {
			return nil, wrapMisuse(ErrBadArguments, "%s: argument %d (%T) is not assignable to %s", c.String(), i, a, paramType)
		}
		in = append(in, v)
	}
	return in, nil
}

// splitResults separates a reflect call's outputs into (value, error).
// Multiple non-error results are delivered as []any.
func splitResults(out []reflect.Value) (any, error) {
	var err error
	vals := out
	if len(out) > 0 && out[len(out)-1].Type() == errType {
		if e := out[len(out)-1].Interface(); e != nil {
			err = e.(error)
		}
		vals = out[:len(out)-1]
	}
	switch len(vals) {
	case 0:
		return nil, err
	case 1:
		return vals[0].Interface(), err
	default:
		res := make([]any, len(vals))
		for i, v := range vals {
			res[i] = v.Interface()
		}
		return res, err
	}
}

// coroutineTask builds the loop task for one invocation: translate the
// arguments in, invoke the implementation, check for async leakage, and
// translate the result out.
func (c *funcCore) coroutineTask(recv any, args []any) TaskFunc {
	translated := c.translateInArgs(args)
	return func(ctx context.Context) (any, error) {
		fixed := []reflect.Value{reflect.ValueOf(ctx)}
		if c.hasRecv {
			fixed = append(fixed, reflect.ValueOf(recv))
		}
		in, err := c.buildArgs(fixed, translated)
		if err != nil {
			return nil, err
		}
		v, err := splitResults(c.fn.Call(in))
		if err != nil {
			return nil, err
		}
		c.checkAsyncLeakage(v)
		return c.translateOutValue(v), nil
	}
}

// callPlain invokes a plain member on the calling goroutine, with
// translation on both sides.
func (c *funcCore) callPlain(recv any, args []any) (any, error) {
	if err := c.checkArity(args); err != nil {
		return nil, err
	}
	var fixed []reflect.Value
	if c.hasRecv {
		fixed = []reflect.Value{reflect.ValueOf(recv)}
	}
	in, err := c.buildArgs(fixed, c.translateInArgs(args))
	if err != nil {
		return nil, err
	}
	v, err := splitResults(c.fn.Call(in))
	if err != nil {
		return nil, err
	}
	return c.translateOutValue(v), nil
}

// checkAsyncLeakage warns when a call is about to hand an asynchronous handle
// back to its caller, which would leak the loop into user code. It runs for
// every entry built on coroutineTask: blocking, future-request and
// cooperative.
func (c *funcCore) checkAsyncLeakage(v any) {
	switch v.(type) {
	case *Awaitable, *Future:
		c.s.logger.Warning().
			Str("callable", c.String()).
			Log("potential async leakage: call returned an asynchronous handle")
	}
}
