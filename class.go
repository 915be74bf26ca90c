package synchronicity

import (
	"context"
	"fmt"
	"reflect"
)

// Member declares one wrapped member of a class definition. The zero Kind
// (KindAuto) detects the dispatch kind from the function signature.
//
// Member functions take the implementation receiver as their first
// non-context parameter:
//
//	coroutine:  func(ctx context.Context, self *Impl, args...) (value, error)
//	generator:  func(ctx context.Context, self *Impl, yield YieldFunc, args...) error
//	plain:      func(self *Impl, args...) (results...)
type Member struct {
	Kind MemberKind
	Fn   any

	// NoTranslate disables argument/return translation for this member.
	NoTranslate bool
	// NoFutures rejects the future-request call form for this member.
	NoFutures bool
	// NoWrap passes the member through with no dispatch at all: it runs on
	// the calling goroutine without translation.
	NoWrap bool
}

// ClassDef declares a wrapped class: its constructor, members, and the
// members backing the iteration and context-management protocols.
// Implementation instances must be pointer-shaped; their identity is what
// the translation registry tracks.
type ClassDef struct {
	// Name places the wrapper class under an explicit name for errors and
	// introspection. Defaults to the implementation type's name.
	Name string
	// Module records the module/package string the wrapper presents itself
	// as belonging to.
	Module string

	// New is the constructor: func(ctx context.Context, args...) (*Impl,
	// error) runs on the background loop; func(args...) *Impl (with optional
	// error) runs directly. Optional if Impl is set.
	New any

	// Impl anchors the implementation type when New is absent: a nil pointer
	// of the implementation type, e.g. (*connection)(nil).
	Impl any

	Members    map[string]Member
	Properties map[string]any

	// Iterator optionally names a generator member backing Iterate.
	Iterator string
	// Enter and Exit optionally name coroutine members backing the context
	// manager protocol.
	Enter string
	Exit  string
}

// Class is a wrapper class: the factory for [Object] instances of one
// wrapped implementation type. At most one Class exists per implementation
// type and Synchronizer; re-wrapping returns the existing one.
type Class struct {
	s        *Synchronizer
	name     string
	module   string
	implType reflect.Type

	ctor       *funcCore
	members    map[string]*memberEntry
	properties map[string]reflect.Value

	iterator string
	enter    string
	exit     string
}

// memberEntry pairs a member's dispatch core with its declared flags.
type memberEntry struct {
	core   *funcCore
	noWrap bool
}

// WrapClass builds the wrapper class for an implementation type. The type is
// registered with the translation registry, so instances returned from other
// wrapped calls are translated into [Object] wrappers of this class.
// Wrapping a type that is already registered returns the existing class.
func (s *Synchronizer) WrapClass(def ClassDef, opts ...WrapOption) (*Class, error) {
	cfg := resolveWrapOptions(opts)

	implType, err := classImplType(def)
	if err != nil {
		return nil, err
	}
	if existing, ok := s.registry.classFor(implType); ok {
		s.warnMultiwrap(existing.name)
		return existing, nil
	}

	c := &Class{
		s:          s,
		name:       def.Name,
		module:     def.Module,
		implType:   implType,
		members:    make(map[string]*memberEntry, len(def.Members)),
		properties: make(map[string]reflect.Value, len(def.Properties)),
		iterator:   def.Iterator,
		enter:      def.Enter,
		exit:       def.Exit,
	}
	if c.name == "" {
		c.name = implType.Elem().Name()
	}

	if def.New != nil {
		ctorCfg := &wrapOptions{
			name:         c.name,
			targetModule: c.module,
			translateIO:  cfg.translateIO,
			allowFutures: false,
		}
		kind := KindAuto
		if t := reflect.TypeOf(def.New); t.Kind() == reflect.Func && (t.NumIn() == 0 || t.In(0) != ctxType) {
			kind = KindPlain
		}
		ctor, err := newFuncCore(s, def.New, kind, false, ctorCfg)
		if err != nil {
			return nil, fmt.Errorf("constructor of %s: %w", c.name, err)
		}
		c.ctor = ctor
	}

	for name, m := range def.Members {
		if m.NoWrap {
			core, err := newFuncCore(s, m.Fn, KindPlain, true, &wrapOptions{
				name: c.name + "." + name, targetModule: c.module,
			})
			if err != nil {
				return nil, fmt.Errorf("member %s of %s: %w", name, c.name, err)
			}
			c.members[name] = &memberEntry{core: core, noWrap: true}
			continue
		}
		mCfg := &wrapOptions{
			name:         c.name + "." + name,
			targetModule: c.module,
			translateIO:  cfg.translateIO && !m.NoTranslate,
			allowFutures: cfg.allowFutures && !m.NoFutures,
		}
		core, err := newFuncCore(s, m.Fn, m.Kind, true, mCfg)
		if err != nil {
			return nil, fmt.Errorf("member %s of %s: %w", name, c.name, err)
		}
		c.members[name] = &memberEntry{core: core}
	}

	for name, getter := range def.Properties {
		v := reflect.ValueOf(getter)
		if getter == nil || v.Kind() != reflect.Func || v.Type().NumIn() != 1 || v.Type().NumOut() != 1 {
			return nil, wrapMisuse(ErrNotWrappable, "property %s of %s must be func(receiver) value", name, c.name)
		}
		c.properties[name] = v
	}

	if err := c.checkProtocolMembers(); err != nil {
		return nil, err
	}

	registered, created := s.registry.registerClass(implType, c)
	if !created {
		s.warnMultiwrap(registered.name)
	}
	return registered, nil
}

// classImplType derives the implementation pointer type from the definition.
func classImplType(def ClassDef) (reflect.Type, error) {
	if def.Impl != nil {
		t := reflect.TypeOf(def.Impl)
		if t.Kind() != reflect.Pointer {
			return nil, wrapMisuse(ErrNotWrappable, "Impl must be a nil pointer of the implementation type, got %s", t)
		}
		return t, nil
	}
	if def.New == nil {
		return nil, wrapMisuse(ErrNotWrappable, "class definition needs New or Impl")
	}
	t := reflect.TypeOf(def.New)
	if t.Kind() != reflect.Func || t.NumOut() < 1 {
		return nil, wrapMisuse(ErrNotWrappable, "constructor must be a function returning the implementation, got %s", t)
	}
	implType := t.Out(0)
	if implType.Kind() != reflect.Pointer {
		return nil, wrapMisuse(ErrNotWrappable, "constructor must return a pointer implementation, got %s", implType)
	}
	return implType, nil
}

// checkProtocolMembers validates the iterator/enter/exit member references.
func (c *Class) checkProtocolMembers() error {
	if c.iterator != "" {
		m, ok := c.members[c.iterator]
		if !ok || m.core.kind != KindGenerator {
			return wrapMisuse(ErrNotWrappable, "iterator member %q of %s must be a generator member", c.iterator, c.name)
		}
	}
	for _, name := range []string{c.enter, c.exit} {
		if name == "" {
			continue
		}
		m, ok := c.members[name]
		if !ok || m.core.kind != KindCoroutine {
			return wrapMisuse(ErrNotWrappable, "context member %q of %s must be a coroutine member", name, c.name)
		}
	}
	if (c.enter == "") != (c.exit == "") {
		return wrapMisuse(ErrNotWrappable, "%s: Enter and Exit must be declared together", c.name)
	}
	return nil
}

// Name returns the wrapper class's display name.
func (c *Class) Name() string { return c.name }

// String implements fmt.Stringer.
func (c *Class) String() string {
	if c.module != "" {
		return c.module + "." + c.name
	}
	return c.name
}

// New instantiates the wrapped class: constructor arguments are translated
// in, the constructor runs on the background loop when it is a coroutine
// (directly otherwise), and the resulting implementation instance is
// registered with the translation registry under its new wrapper.
func (c *Class) New(args ...any) (*Object, error) {
	if c.ctor == nil {
		return nil, wrapMisuse(ErrNotWrappable, "%s has no constructor", c.name)
	}
	var (
		impl any
		err  error
	)
	if c.ctor.kind == KindPlain {
		impl, err = c.ctor.callPlainRaw(nil, args)
	} else {
		if err := c.ctor.checkArity(args); err != nil {
			return nil, err
		}
		impl, err = c.s.runBlocking(c.String(), c.ctor.coroutineTaskRaw(nil, args))
	}
	if err != nil {
		return nil, err
	}
	return c.Adopt(impl)
}

// Adopt wraps an existing implementation instance without running the
// constructor, returning its unique wrapper.
func (c *Class) Adopt(impl any) (*Object, error) {
	if impl == nil {
		return nil, wrapMisuse(ErrNotWrappable, "%s: nil implementation", c.name)
	}
	if t := reflect.TypeOf(impl); t != c.implType {
		return nil, wrapMisuse(ErrNotWrappable, "%s: implementation type %s does not match %s", c.name, t, c.implType)
	}
	return c.s.registry.adopt(impl, c), nil
}

// callPlainRaw invokes a plain constructor with inward translation only; the
// raw implementation must not be translated out into a wrapper here, the
// caller adopts it explicitly.
func (core *funcCore) callPlainRaw(recv any, args []any) (any, error) {
	if err := core.checkArity(args); err != nil {
		return nil, err
	}
	var fixed []reflect.Value
	if core.hasRecv {
		fixed = []reflect.Value{reflect.ValueOf(recv)}
	}
	in, err := core.buildArgs(fixed, core.translateInArgs(args))
	if err != nil {
		return nil, err
	}
	return splitResults(core.fn.Call(in))
}

// coroutineTaskRaw is coroutineTask without outward result translation, for
// constructors whose raw instance the caller registers itself.
func (core *funcCore) coroutineTaskRaw(recv any, args []any) TaskFunc {
	translated := core.translateInArgs(args)
	return func(ctx context.Context) (any, error) {
		fixed := []reflect.Value{reflect.ValueOf(ctx)}
		if core.hasRecv {
			fixed = append(fixed, reflect.ValueOf(recv))
		}
		in, err := core.buildArgs(fixed, translated)
		if err != nil {
			return nil, err
		}
		return splitResults(core.fn.Call(in))
	}
}
