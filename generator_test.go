package synchronicity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// wrapRange wraps the canonical counting generator.
func wrapRange(t *testing.T, s *Synchronizer) *Generator {
	t.Helper()
	g, err := s.WrapGenerator(func(ctx context.Context, yield YieldFunc, n int) error {
		for i := 0; i < n; i++ {
			if err := yield(i); err != nil {
				return err
			}
		}
		return nil
	}, WithWrapName("count"))
	require.NoError(t, err)
	return g
}

func TestWrapGenerator_BlockingIteration(t *testing.T) {
	s := newTestSynchronizer(t)
	g := wrapRange(t, s)

	items, err := g.Call(3).Collect()
	require.NoError(t, err)
	require.Equal(t, []any{0, 1, 2}, items)
}

func TestWrapGenerator_RangeOverSeq(t *testing.T) {
	s := newTestSynchronizer(t)
	g := wrapRange(t, s)

	var items []any
	for v, err := range g.Call(4).Seq() {
		require.NoError(t, err)
		items = append(items, v)
	}
	require.Equal(t, []any{0, 1, 2, 3}, items)
}

func TestWrapGenerator_AsyncIteration(t *testing.T) {
	s := newTestSynchronizer(t)
	g := wrapRange(t, s)

	it := g.Aio.Call(3)
	ctx := context.Background()
	var items []any
	for {
		v, ok, err := it.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		items = append(items, v)
	}
	require.Equal(t, []any{0, 1, 2}, items)

	// Exhausted iterators keep reporting exhaustion.
	_, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWrapGenerator_LazyStart(t *testing.T) {
	s := newTestSynchronizer(t)

	started := make(chan struct{}, 1)
	g, err := s.WrapGenerator(func(ctx context.Context, yield YieldFunc) error {
		started <- struct{}{}
		return yield("only")
	})
	require.NoError(t, err)

	it := g.Call()
	select {
	case <-started:
		t.Fatal("generator body ran before the first Next")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "only", v)
	<-started
	require.NoError(t, it.Close())
}

func TestWrapGenerator_ErrorPropagatesOnce(t *testing.T) {
	s := newTestSynchronizer(t)

	boom := errors.New("gen failed")
	g, err := s.WrapGenerator(func(ctx context.Context, yield YieldFunc) error {
		if err := yield(1); err != nil {
			return err
		}
		return boom
	})
	require.NoError(t, err)

	it := g.Call()
	v, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, _, err = it.Next()
	require.Same(t, boom, err, "generator errors must surface unchanged")

	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok, "after the error the iterator reports exhaustion")
}

func TestWrapGenerator_CloseRunsCleanup(t *testing.T) {
	s := newTestSynchronizer(t)

	cleaned := make(chan struct{})
	g, err := s.WrapGenerator(func(ctx context.Context, yield YieldFunc) error {
		defer close(cleaned)
		for i := 0; ; i++ {
			if err := yield(i); err != nil {
				return err
			}
		}
	})
	require.NoError(t, err)

	it := g.Call()
	v, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, v)

	require.NoError(t, it.Close())
	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("generator cleanup did not run before Close returned")
	}

	// Close is idempotent and the iterator is exhausted afterwards.
	require.NoError(t, it.Close())
	_, ok, err = it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWrapGenerator_CloseUnstarted(t *testing.T) {
	s := newTestSynchronizer(t)
	g := wrapRange(t, s)

	it := g.Call(5)
	require.NoError(t, it.Close())
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWrapGenerator_AsyncClose(t *testing.T) {
	s := newTestSynchronizer(t)

	cleaned := make(chan struct{})
	g, err := s.WrapGenerator(func(ctx context.Context, yield YieldFunc) error {
		defer close(cleaned)
		for i := 0; ; i++ {
			if err := yield(i); err != nil {
				return err
			}
		}
	})
	require.NoError(t, err)

	it := g.Aio.Call()
	ctx := context.Background()
	_, ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, it.Close(ctx))
	select {
	case <-cleaned:
	case <-time.After(time.Second):
		t.Fatal("generator cleanup did not run before Close returned")
	}
}

func TestWrapGenerator_YieldedWrappersTranslate(t *testing.T) {
	s := newTestSynchronizer(t)
	cls := mustWrapNodeClass(t, s)

	obj, err := cls.New()
	require.NoError(t, err)
	impl := obj.Impl()

	g, err := s.WrapGenerator(func(ctx context.Context, yield YieldFunc) error {
		return yield(impl)
	})
	require.NoError(t, err)

	it := g.Call()
	v, ok, err := it.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Same(t, obj, v, "yielded implementations must translate to their wrappers")
	require.NoError(t, it.Close())
}

func TestWrapGenerator_Idempotent(t *testing.T) {
	s := newTestSynchronizer(t)
	g := wrapRange(t, s)

	again, err := s.WrapGenerator(g)
	require.NoError(t, err)
	require.Same(t, g, again)
}

func TestWrapGenerator_Misuse(t *testing.T) {
	s := newTestSynchronizer(t)

	_, err := s.WrapGenerator(func(ctx context.Context) (any, error) { return nil, nil })
	require.ErrorIs(t, err, ErrNotWrappable)

	_, err = s.WrapGenerator("nope")
	require.ErrorIs(t, err, ErrNotWrappable)
}
