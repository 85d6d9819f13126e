// Package future provides a single-resolution, one-shot result container,
// the same cooperative-future shape used by go-microbatch's batcherState
// and go-longpoll's Channel: a closed-once channel guards the result, so
// Wait can select on it alongside a context.
package future

import (
	"context"
	"sync"
)

// Future holds a value that becomes available exactly once. The zero value
// is not usable; construct with New.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

// New returns an unresolved Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolve settles the future with v. Only the first call has any effect;
// subsequent calls are no-ops, mirroring the single-resolution semantics of
// a JS promise/future.
func (f *Future[T]) Resolve(v T) {
	f.once.Do(func() {
		f.value = v
		close(f.done)
	})
}

// Done returns a channel that is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Value returns the resolved value. Only meaningful once Done is closed.
func (f *Future[T]) Value() T {
	return f.value
}

// Wait blocks until the future resolves or ctx is done, whichever happens
// first. A ctx timeout never causes the future itself to resolve: whatever
// it is waiting on (a queued permit, a queued task) keeps its place exactly
// as if Wait had not been called.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
