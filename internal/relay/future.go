package relay

import (
	"context"
	"sync"
)

// future is a single-assignment result. The first resolve wins; later calls
// are ignored.
type future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) resolve(val T, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.val = val
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// wait blocks until the future is resolved or ctx is done.
func (f *future[T]) wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
