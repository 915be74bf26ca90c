package synchronicity

import (
	"reflect"
	"sync"
	"weak"
)

// wrapperObject is the capability marking a value as one of this package's
// wrappers. Translation is driven by this capability (and by registered
// implementation types on the way out), never by attribute sniffing, so
// unrelated user objects are never mis-translated.
type wrapperObject interface {
	synchronicityImpl() any
}

// instanceSweepInterval controls how often the weak instance map is swept for
// collected wrappers.
const instanceSweepInterval = 256

// translationRegistry is the bidirectional map between implementation
// objects/types and their wrapper counterparts, plus the recursive
// translation of argument/return structures.
//
// Instance bookkeeping follows the ownership model of the package: the
// wrapper strongly references its implementation, while the reverse mapping
// here is weak, so wrappers can be collected when users drop them even if the
// implementation stays alive elsewhere.
type translationRegistry struct {
	s *Synchronizer

	mu sync.Mutex
	// classes maps an implementation's pointer type to its wrapper class.
	classes map[reflect.Type]*Class
	// instances maps implementation identity to its live wrapper, weakly.
	instances map[any]weak.Pointer[Object]
	adopts    int
}

func newTranslationRegistry(s *Synchronizer) *translationRegistry {
	return &translationRegistry{
		s:         s,
		classes:   make(map[reflect.Type]*Class),
		instances: make(map[any]weak.Pointer[Object]),
	}
}

// registerClass records the impl type → wrapper class mapping. A type is
// registered at most once; re-registration returns the existing class.
func (r *translationRegistry) registerClass(implType reflect.Type, c *Class) (*Class, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.classes[implType]; ok {
		return existing, false
	}
	r.classes[implType] = c
	return c, true
}

func (r *translationRegistry) classFor(implType reflect.Type) (*Class, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.classes[implType]
	return c, ok
}

// adopt returns the unique live wrapper for impl, creating and caching one if
// none exists. Implementation identity is the impl pointer itself.
func (r *translationRegistry) adopt(impl any, c *Class) *Object {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wp, ok := r.instances[impl]; ok {
		if o := wp.Value(); o != nil {
			return o
		}
	}
	o := &Object{class: c, impl: impl}
	r.instances[impl] = weak.Make(o)
	r.adopts++
	if r.adopts%instanceSweepInterval == 0 {
		r.sweepLocked()
	}
	return o
}

// sweepLocked drops entries whose wrappers have been collected.
func (r *translationRegistry) sweepLocked() {
	for impl, wp := range r.instances {
		if wp.Value() == nil {
			delete(r.instances, impl)
		}
	}
}

// translateIn recursively replaces wrappers with their implementations.
func (r *translationRegistry) translateIn(v any) any {
	out, _ := r.recurse(v, scalarIn)
	return out
}

// translateOut recursively replaces instances of registered implementation
// types with their wrappers, creating wrappers on demand.
func (r *translationRegistry) translateOut(v any) any {
	out, _ := r.recurse(v, r.scalarOut)
	return out
}

// scalarIn unwraps a single value if it is a wrapper.
func scalarIn(v any) (any, bool) {
	if w, ok := v.(wrapperObject); ok {
		return w.synchronicityImpl(), true
	}
	return v, false
}

// scalarOut wraps a single value if its type is registered.
func (r *translationRegistry) scalarOut(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	if c, ok := r.classFor(reflect.TypeOf(v)); ok {
		return r.adopt(v, c), true
	}
	return v, false
}

// recurse walks slices, arrays, and maps element-wise (keys included),
// preserving the container type; all other values go through the scalar
// mapper. The original container is returned untouched when nothing inside it
// translated, preserving identity. A translated element that cannot be
// assigned back to the container's element type (e.g. a wrapper into a
// []*implType) is left as-is; heterogeneous containers should be
// interface-typed.
func (r *translationRegistry) recurse(v any, scalar func(any) (any, bool)) (any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice:
		if rv.IsNil() {
			return v, false
		}
		return r.recurseSequence(rv, scalar)
	case reflect.Array:
		return r.recurseSequence(rv, scalar)
	case reflect.Map:
		if rv.IsNil() {
			return v, false
		}
		return r.recurseMap(rv, scalar)
	default:
		return scalar(v)
	}
}

func (r *translationRegistry) recurseSequence(rv reflect.Value, scalar func(any) (any, bool)) (any, bool) {
	var out reflect.Value
	elemType := rv.Type().Elem()
	changed := false
	for i := 0; i < rv.Len(); i++ {
		tv, ok := r.recurse(rv.Index(i).Interface(), scalar)
		if !ok {
			continue
		}
		nv, assignable := valueFor(tv, elemType)
		if !assignable {
			continue
		}
		if !changed {
			changed = true
			if rv.Kind() == reflect.Slice {
				out = reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
			} else {
				out = reflect.New(rv.Type()).Elem()
			}
			reflect.Copy(out, rv)
		}
		out.Index(i).Set(nv)
	}
	if !changed {
		return rv.Interface(), false
	}
	return out.Interface(), true
}

func (r *translationRegistry) recurseMap(rv reflect.Value, scalar func(any) (any, bool)) (any, bool) {
	keyType := rv.Type().Key()
	elemType := rv.Type().Elem()
	changed := false
	var out reflect.Value

	iter := rv.MapRange()
	for iter.Next() {
		k, kv := iter.Key(), iter.Value()
		tk, kChanged := r.recurse(k.Interface(), scalar)
		tv, vChanged := r.recurse(kv.Interface(), scalar)
		if !kChanged && !vChanged {
			continue
		}
		nk, kOK := valueFor(tk, keyType)
		nv, vOK := valueFor(tv, elemType)
		if (kChanged && !kOK) || (vChanged && !vOK) {
			continue
		}
		if !changed {
			changed = true
			out = reflect.MakeMapWithSize(rv.Type(), rv.Len())
			inner := rv.MapRange()
			for inner.Next() {
				out.SetMapIndex(inner.Key(), inner.Value())
			}
		}
		if kChanged {
			out.SetMapIndex(k, reflect.Value{})
		}
		out.SetMapIndex(nk, nv)
	}
	if !changed {
		return rv.Interface(), false
	}
	return out.Interface(), true
}

// valueFor adapts a translated value for assignment to the target type.
func valueFor(v any, target reflect.Type) (reflect.Value, bool) {
	if v == nil {
		switch target.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
			return reflect.Zero(target), true
		}
		return reflect.Value{}, false
	}
	rv := reflect.ValueOf(v)
	if !rv.Type().AssignableTo(target) {
		return reflect.Value{}, false
	}
	return rv, true
}

// IsSynchronized reports whether v is a wrapper produced by this package.
func IsSynchronized(v any) bool {
	_, ok := v.(wrapperObject)
	return ok
}
