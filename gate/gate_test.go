package gate_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-taskcontrol/gate"
)

func mustAcquire(t *testing.T, g *gate.Gate) gate.ReleaseToken {
	t.Helper()
	tok, err := g.Acquire().Wait(context.Background())
	require.NoError(t, err)
	return tok
}

func TestGate_TryAcquire_respectsConcurrency(t *testing.T) {
	g := gate.New(&gate.Config{Concurrency: 2})

	tok1, ok := g.TryAcquire()
	require.True(t, ok)
	_, ok = g.TryAcquire()
	require.True(t, ok)

	_, ok = g.TryAcquire()
	assert.False(t, ok)
	assert.False(t, g.IsAvailable())

	tok1.Release()
	assert.True(t, g.IsAvailable())
}

func TestGate_Acquire_blocksUntilReleased(t *testing.T) {
	g := gate.New(&gate.Config{Concurrency: 1})

	tok := mustAcquire(t, g)

	fut := g.Acquire()
	select {
	case <-fut.Done():
		t.Fatal("second acquire resolved before release")
	case <-time.After(10 * time.Millisecond):
	}

	tok.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := fut.Wait(ctx)
	require.NoError(t, err)
}

func TestGate_FIFO_promotionOrder(t *testing.T) {
	g := gate.New(&gate.Config{Concurrency: 1, QueueType: gate.FIFO})

	tok := mustAcquire(t, g)

	var order []int
	futs := make([]interface {
		Done() <-chan struct{}
	}, 3)
	for i := 0; i < 3; i++ {
		i := i
		f := g.Acquire()
		futs[i] = f
		go func() {
			<-f.Done()
			order = append(order, i)
		}()
	}

	tok.Release()
	require.Eventually(t, func() bool { return len(order) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, order[0])
}

func TestGate_LIFO_promotionOrder(t *testing.T) {
	g := gate.New(&gate.Config{Concurrency: 1, QueueType: gate.LIFO})

	tok := mustAcquire(t, g)

	first := g.Acquire()
	second := g.Acquire()

	tok.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tok2, err := second.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-first.Done():
		t.Fatal("FIFO-first waiter promoted under LIFO discipline")
	default:
	}

	tok2.Release()
	_, err = first.Wait(ctx)
	require.NoError(t, err)
}

func TestGate_ReleaseToken_idempotent(t *testing.T) {
	g := gate.New(&gate.Config{Concurrency: 1})
	tok := mustAcquire(t, g)

	tok.Release()
	tok.Release()
	tok.Release()

	assert.True(t, g.IsAvailable())

	_, ok := g.TryAcquire()
	assert.True(t, ok)
}

func TestGate_ReleaseAcquired_releasesEverything(t *testing.T) {
	g := gate.New(&gate.Config{Concurrency: 3})
	for i := 0; i < 3; i++ {
		_, ok := g.TryAcquire()
		require.True(t, ok)
	}
	require.False(t, g.IsAvailable())

	g.ReleaseAcquired()

	assert.True(t, g.IsAvailable())
	_, ok := g.TryAcquire()
	assert.True(t, ok)
}

func TestGate_ReleaseTimeout_forcesRelease(t *testing.T) {
	mock := clock.NewMock()
	var handlerCalls []gate.PermitInfo
	g := gate.New(&gate.Config{
		Concurrency:    1,
		ReleaseTimeout: time.Second,
		ReleaseTimeoutHandler: func(p gate.PermitInfo) {
			handlerCalls = append(handlerCalls, p)
		},
		Clock: mock,
	})

	var released []gate.Event
	g.On(gate.EventLockReleased, func(ev gate.Event) { released = append(released, ev) })

	_, ok := g.TryAcquire()
	require.True(t, ok)
	require.False(t, g.IsAvailable())

	mock.Add(time.Second)

	require.Eventually(t, func() bool { return g.IsAvailable() }, time.Second, time.Millisecond)
	require.Len(t, handlerCalls, 1)
	require.Len(t, released, 1)
	assert.True(t, released[0].TimeoutReached)
}

func TestGate_ReleaseTimeoutHandler_panicSurfacesAsErrorEvent(t *testing.T) {
	mock := clock.NewMock()
	g := gate.New(&gate.Config{
		Concurrency:    1,
		ReleaseTimeout: time.Second,
		ReleaseTimeoutHandler: func(gate.PermitInfo) {
			panic("boom")
		},
		Clock: mock,
	})

	errCh := make(chan gate.Event, 1)
	g.On(gate.EventError, func(ev gate.Event) { errCh <- ev })

	_, ok := g.TryAcquire()
	require.True(t, ok)

	mock.Add(time.Second)

	select {
	case ev := <-errCh:
		require.Error(t, ev.Error)
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}

	require.Eventually(t, func() bool { return g.IsAvailable() }, time.Second, time.Millisecond)
}

func TestGate_TryAcquire_refusesWhenWaitersQueued(t *testing.T) {
	g := gate.New(&gate.Config{Concurrency: 1})
	tok := mustAcquire(t, g)

	_ = g.Acquire() // joins the wait queue

	_, ok := g.TryAcquire()
	assert.False(t, ok, "tryAcquire must not barge ahead of a queued waiter")

	tok.Release()
}
