// Package multistep composes N independent gate.Gate instances into a
// single coordinator. It adds no policy of its own: the caller's task
// decides which gates to acquire, in which order, and when to release them.
// The coordinator exists purely to own and expose the N gates as a unit.
package multistep

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-taskcontrol/gate"
	"github.com/joeycumines/go-taskcontrol/internal/future"
	"github.com/joeycumines/go-taskcontrol/internal/guard"
)

// Result is the outcome of a single multistep run: the task's returned value
// and error, as returned. Err is nil on success; on a task panic, Err is a
// *guard.PanicError and Value is the zero value.
type Result[T any] struct {
	Value T
	Err   error
}

// Coordinator owns a fixed-length sequence of gate.Gate instances, one per
// step.
type Coordinator struct {
	gates []*gate.Gate
}

// New constructs a Coordinator with one gate.Gate per entry in
// stepConcurrencies (stepConcurrencies[i] is step i's concurrency limit). It
// panics if stepConcurrencies is empty: a coordinator with zero steps has no
// meaning.
func New(stepConcurrencies []int) *Coordinator {
	if len(stepConcurrencies) < 1 {
		panic("multistep: at least one step is required")
	}
	gates := make([]*gate.Gate, len(stepConcurrencies))
	for i, c := range stepConcurrencies {
		gates[i] = gate.New(&gate.Config{Concurrency: c})
	}
	return &Coordinator{gates: gates}
}

// Gates returns the coordinator's underlying gates, in step order. Callers'
// tasks use these directly to acquire/release steps in whatever order the
// task's own logic requires.
func (c *Coordinator) Gates() []*gate.Gate {
	return c.gates
}

// ReleaseAll forcibly releases every permit held on every step's gate.
func (c *Coordinator) ReleaseAll() {
	for _, g := range c.gates {
		g.ReleaseAcquired()
	}
}

// IsStepLockLimitReached reports whether step i's gate has no free permit.
// An out-of-range i reports false.
func (c *Coordinator) IsStepLockLimitReached(i int) bool {
	if i < 0 || i >= len(c.gates) {
		return false
	}
	return !c.gates[i].IsAvailable()
}

func invokeGuarded[T any](ctx context.Context, gates []*gate.Gate, task func(context.Context, []*gate.Gate) (T, error)) (t T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &guard.PanicError{Value: r}
		}
	}()
	return task(ctx, gates)
}

// Run invokes task with the coordinator's gates, returning a Future that
// resolves once task returns. task is responsible for acquiring and
// releasing whichever steps it needs, in whatever order it needs them.
func Run[T any](c *Coordinator, task func(ctx context.Context, gates []*gate.Gate) (T, error)) *future.Future[Result[T]] {
	fut := future.New[Result[T]]()
	go func() {
		v, err := invokeGuarded(context.Background(), c.gates, task)
		fut.Resolve(Result[T]{Value: v, Err: err})
	}()
	return fut
}

// Item pairs a task with nothing else; it exists so RunMany's signature
// mirrors scheduler.RunItem's shape.
type Item[T any] struct {
	Task func(ctx context.Context, gates []*gate.Gate) (T, error)
}

// RunMany runs every item concurrently and returns a Future resolving to
// every Result, in submission order, once all have returned.
func RunMany[T any](c *Coordinator, items []Item[T]) *future.Future[[]Result[T]] {
	n := len(items)
	results := make([]Result[T], n)
	fut := future.New[[]Result[T]]()
	go func() {
		var g errgroup.Group
		for i := range items {
			i := i
			g.Go(func() error {
				v, err := invokeGuarded(context.Background(), c.gates, items[i].Task)
				results[i] = Result[T]{Value: v, Err: err}
				return nil
			})
		}
		_ = g.Wait()
		fut.Resolve(results)
	}()
	return fut
}

// RunForEachArgs runs task once per element of args, fanning out
// concurrently, and returns a Future resolving to every Result in submission
// order.
func RunForEachArgs[A, T any](c *Coordinator, args []A, task func(ctx context.Context, gates []*gate.Gate, arg A) (T, error)) *future.Future[[]Result[T]] {
	items := make([]Item[T], len(args))
	for i, a := range args {
		a := a
		items[i] = Item[T]{Task: func(ctx context.Context, gates []*gate.Gate) (T, error) { return task(ctx, gates, a) }}
	}
	return RunMany(c, items)
}

// RunForEach is RunForEachArgs under a name matching spec.md's "entity"
// framing; the two are structurally identical.
func RunForEach[E, T any](c *Coordinator, entities []E, task func(ctx context.Context, gates []*gate.Gate, entity E) (T, error)) *future.Future[[]Result[T]] {
	return RunForEachArgs(c, entities, task)
}
