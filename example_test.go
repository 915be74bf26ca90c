package synchronicity_test

import (
	"context"
	"fmt"
	"time"

	"github.com/modal-labs/synchronicity"
)

// Example demonstrates the dual-interface wrapper: one async implementation,
// callable both blockingly and cooperatively.
func Example() {
	s := synchronicity.New(synchronicity.WithName("example"))
	defer s.Close(context.Background())

	square, err := s.WrapFunc(func(ctx context.Context, x int) (any, error) {
		if err := synchronicity.Sleep(ctx, time.Millisecond); err != nil {
			return nil, err
		}
		return x * x, nil
	})
	if err != nil {
		panic(err)
	}

	// Blocking entry.
	v, _ := square.Call(7)
	fmt.Println(v)

	// Cooperative entry.
	v, _ = square.Aio.Call(8).Await(context.Background())
	fmt.Println(v)

	// Output:
	// 49
	// 64
}

// ExampleGenerator shows bridging an async generator into a blocking
// iterator.
func ExampleGenerator() {
	s := synchronicity.New()
	defer s.Close(context.Background())

	count, err := s.WrapGenerator(func(ctx context.Context, yield synchronicity.YieldFunc, n int) error {
		for i := 0; i < n; i++ {
			if err := yield(i); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		panic(err)
	}

	for v, err := range count.Call(3).Seq() {
		if err != nil {
			panic(err)
		}
		fmt.Println(v)
	}

	// Output:
	// 0
	// 1
	// 2
}

// ExampleFunc_CallFuture shows the future-request call form dispatching
// work concurrently.
func ExampleFunc_CallFuture() {
	s := synchronicity.New()
	defer s.Close(context.Background())

	slow, err := s.WrapFunc(func(ctx context.Context, x int) (any, error) {
		if err := synchronicity.Sleep(ctx, 10*time.Millisecond); err != nil {
			return nil, err
		}
		return x * 2, nil
	})
	if err != nil {
		panic(err)
	}

	var futs []*synchronicity.Future
	for i := 0; i < 3; i++ {
		fut, err := slow.CallFuture(i)
		if err != nil {
			panic(err)
		}
		futs = append(futs, fut)
	}
	for _, fut := range futs {
		v, _ := fut.Result(time.Second)
		fmt.Println(v)
	}

	// Output:
	// 0
	// 2
	// 4
}
