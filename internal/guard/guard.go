// Package guard runs user-supplied callbacks so a panic never escapes into
// scheduler/gate-internal goroutines (timer callbacks, dispatch loops). It is
// the Go rendering of the "guarded block" called out throughout spec error
// handling: invoke the handler, capture any failure, never let it propagate.
package guard

import "fmt"

// PanicError wraps a recovered panic value as an error. Modeled on
// eventloop.PanicError: Unwrap exposes the original error when the panic
// value was itself an error, so callers can errors.As/errors.Is through to
// the real cause.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Invoke calls fn, recovering any panic into a *PanicError. It never returns
// a nil error alongside a panic, and never returns a non-nil error if fn
// returns normally.
func Invoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	fn()
	return nil
}
