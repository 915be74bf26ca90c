package synchronicity

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
)

// Named singletons are stored in a process-wide map under a lock; a package
// Shutdown closes them all.
var (
	synchronizersMu sync.Mutex
	synchronizers   = make(map[string]*Synchronizer)
)

// GetSynchronizer returns the process-global Synchronizer for name, creating
// it on first use. Two lookups with the same name yield the same instance.
// Options are applied only on the creating call; later callers get the
// existing instance unchanged.
func GetSynchronizer(name string, opts ...SynchronizerOption) *Synchronizer {
	synchronizersMu.Lock()
	defer synchronizersMu.Unlock()

	if s, ok := synchronizers[name]; ok {
		return s
	}
	s := New(append([]SynchronizerOption{WithName(name)}, opts...)...)
	synchronizers[name] = s
	return s
}

// Shutdown closes every named Synchronizer concurrently and forgets them, so
// subsequent GetSynchronizer calls start fresh. Call it at process exit to
// cancel pending work and join loop goroutines.
func Shutdown(ctx context.Context) error {
	synchronizersMu.Lock()
	all := make([]*Synchronizer, 0, len(synchronizers))
	for _, s := range synchronizers {
		all = append(all, s)
	}
	clear(synchronizers)
	synchronizersMu.Unlock()

	var (
		mu       sync.Mutex
		firstErr error
		wg       conc.WaitGroup
	)
	for _, s := range all {
		wg.Go(func() {
			if err := s.Close(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return firstErr
}
