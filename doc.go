// Package synchronicity is a runtime bridge that lets a single asynchronous
// implementation of a function, generator, or class be invoked from either a
// blocking caller or a cooperative one, while keeping all asynchronous work
// confined to one dedicated background loop owned by the bridge.
//
// # Architecture
//
// A [Synchronizer] owns a background [Loop]: one scheduler goroutine
// processing queued callbacks, due timers, and cooperative task resumptions.
// User implementations run as tasks: goroutines that execute only while they
// hold the loop's turn and suspend through [Await], [Sleep], and generator
// yields. At most one piece of user work runs at any instant and
// implementation objects are never touched concurrently.
//
// Wrapping turns an async implementation into a dual-interface proxy:
//
//	f, _ := s.WrapFunc(func(ctx context.Context, x int) (any, error) {
//	    if err := synchronicity.Sleep(ctx, 10*time.Millisecond); err != nil {
//	        return nil, err
//	    }
//	    return x * x, nil
//	})
//
//	v, _ := f.Call(7)                  // blocking entry: parks the caller
//	aw := f.Aio.Call(7)                // cooperative entry: an awaitable
//	v, _ = aw.Await(ctx)               //   resolved on demand
//	fut, _ := f.CallFuture(7)          // future-request form
//	v, _ = fut.Result(time.Second)
//
// Both entries are views of the same implementation function. Generator
// functions wrap into blocking and async iterators ([Generator]), classes
// wrap into [Class]/[Object] proxies whose members carry the same duality,
// and async context managers bridge through [ContextManager].
//
// # Translation
//
// Arguments are translated in (wrappers replaced by their implementations)
// and results translated out (registered implementation instances replaced by
// their unique wrappers) recursively across slices, arrays, and maps, with
// container types preserved. Translation is capability-based: only this
// package's wrappers and registered implementation types are touched.
// Identity is preserved: an implementation has at most one live wrapper per
// Synchronizer, and translating a wrapper in always yields the original
// implementation.
//
// # Lifecycle
//
// A Synchronizer starts inert; the loop goroutine launches on first use.
// [Synchronizer.Close] cancels tracked in-flight work, drains within a
// bounded grace period, and stops the loop; later submissions fail fast with
// [ErrClosed]. Named process-wide instances come from [GetSynchronizer], and
// the package-level [Shutdown] closes them all.
//
// # Errors and cancellation
//
// Implementation errors surface to callers unchanged. Cancellation, whether
// from cancelling an awaitable, a forwarded interrupt during a blocking call,
// or shutdown, surfaces as a cancellation-kind error matching [ErrCancelled]
// via errors.Is, once the affected task has finalized. A panic that escapes
// the loop's own machinery moves the Synchronizer into a terminal failed
// state where every submission returns [ErrLoopFailed].
//
// # Thread safety
//
// All exported types are safe for concurrent use. The blocking entry must
// not be invoked from the loop context itself (the call would deadlock); it
// returns [ErrDeadlock] instead.
package synchronicity
