// Package gate implements a counting lock: a concurrency gate admitting up
// to a configured number of concurrent permits, queuing the rest under a
// FIFO or LIFO discipline. It is the admission primitive Scheduler builds
// task-level semantics on top of, but is also a complete, directly usable
// mutex/semaphore replacement on its own.
package gate

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/joeycumines/go-taskcontrol/events"
	"github.com/joeycumines/go-taskcontrol/internal/future"
	"github.com/joeycumines/go-taskcontrol/internal/guard"
	"github.com/joeycumines/go-taskcontrol/internal/queue"
)

// QueueType selects the discipline used to pick the next waiter when a
// permit becomes available.
type QueueType int

const (
	// FIFO promotes waiters in the order they called Acquire.
	FIFO QueueType = iota
	// LIFO promotes the most recently registered waiter first.
	LIFO
)

func (q QueueType) String() string {
	if q == LIFO {
		return "LIFO"
	}
	return "FIFO"
}

// Event type names, carried over from spec.md §6 unchanged.
const (
	EventLockAcquired = "lock-acquired"
	EventLockReleased = "lock-released"
	EventError        = "error"
)

// Error codes for EventError payloads.
const (
	ErrCodeReleaseTimeoutHandlerFailure = "release-timeout-handler-failure"
)

// PermitInfo identifies a permit for event payloads and release-timeout
// handlers. It is an immutable snapshot, safe to read without synchronization.
type PermitInfo struct {
	ID         uuid.UUID
	AcquiredAt time.Time
}

// Event is the payload delivered to Gate listeners.
type Event struct {
	Type           string
	Permit         PermitInfo
	TimeoutReached bool
	Error          error
}

// Config configures a Gate. The zero value is valid: Concurrency defaults
// to 1, QueueType to FIFO, Clock to a real wall-clock, and ReleaseTimeout
// disabled.
type Config struct {
	// Concurrency is the number of permits that may be held at once.
	// Values less than 1 are sanitized to 1.
	Concurrency int

	// QueueType selects FIFO or LIFO promotion order for waiters.
	QueueType QueueType

	// ReleaseTimeout, if positive, forcibly releases a permit that has not
	// been released within that duration of being acquired.
	ReleaseTimeout time.Duration

	// ReleaseTimeoutHandler, if set, is invoked (in a guarded block) when
	// ReleaseTimeout fires, before the permit is released.
	ReleaseTimeoutHandler func(PermitInfo)

	// Clock is the time source used for ReleaseTimeout. Defaults to
	// clock.New(), the real wall-clock implementation.
	Clock clock.Clock
}

// ReleaseToken is returned on successful acquisition. Calling Release frees
// the permit; calling it more than once, or after the permit has already
// been released by some other path (forced release, release timeout), is a
// no-op.
type ReleaseToken struct {
	g  *Gate
	id uuid.UUID
}

// Release frees the permit this token was issued for.
func (t ReleaseToken) Release() {
	if t.g == nil {
		return
	}
	t.g.release(t.id, false)
}

type acquiredPermit struct {
	info         PermitInfo
	releaseTimer *clock.Timer
}

type waitingPermit struct {
	id     uuid.UUID
	future *future.Future[ReleaseToken]
}

// Gate is a counting lock. Use New to construct one.
type Gate struct {
	mu       sync.Mutex
	cfg      Config
	clock    clock.Clock
	emitter  *events.Emitter[Event]
	acquired map[uuid.UUID]*acquiredPermit
	waiting  *queue.Deque[*waitingPermit]
}

// New constructs a Gate from cfg, which may be nil to accept all defaults.
func New(cfg *Config) *Gate {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.QueueType != LIFO {
		c.QueueType = FIFO
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return &Gate{
		cfg:      c,
		clock:    c.Clock,
		emitter:  events.NewEmitter[Event](),
		acquired: make(map[uuid.UUID]*acquiredPermit),
		waiting:  queue.New[*waitingPermit](),
	}
}

// On registers fn to be called whenever eventType fires.
func (g *Gate) On(eventType string, fn func(Event)) events.ListenerID {
	return g.emitter.On(eventType, fn)
}

// Off removes a listener previously registered with On.
func (g *Gate) Off(id events.ListenerID) {
	g.emitter.Off(id)
}

// IsAvailable reports whether a permit could be acquired immediately, i.e.
// without joining the wait queue.
func (g *Gate) IsAvailable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isAvailableLocked()
}

func (g *Gate) isAvailableLocked() bool {
	return len(g.acquired) < g.cfg.Concurrency
}

// Acquire registers a waiter and returns a Future that resolves to a
// ReleaseToken once a permit is available. If a permit is immediately
// available the Future resolves before Acquire returns.
func (g *Gate) Acquire() *future.Future[ReleaseToken] {
	fut := future.New[ReleaseToken]()
	var pending []Event
	g.mu.Lock()
	g.waiting.PushBack(&waitingPermit{id: uuid.New(), future: fut})
	g.dispatchLocked(&pending)
	g.mu.Unlock()
	for _, ev := range pending {
		g.emitter.Emit(ev.Type, ev)
	}
	return fut
}

// TryAcquire attempts to acquire a permit without queuing. It fails (second
// return false) if the wait queue is non-empty or no permit is free — a
// TryAcquire never jumps ahead of an already-waiting caller.
func (g *Gate) TryAcquire() (ReleaseToken, bool) {
	var pending []Event
	g.mu.Lock()
	if g.waiting.Len() != 0 || !g.isAvailableLocked() {
		g.mu.Unlock()
		return ReleaseToken{}, false
	}
	permit := g.admitLocked(&pending)
	g.mu.Unlock()
	for _, ev := range pending {
		g.emitter.Emit(ev.Type, ev)
	}
	return ReleaseToken{g: g, id: permit.info.ID}, true
}

// ReleaseAcquired synchronously releases every currently acquired permit, in
// the order the permits were acquired. It is a no-op if no permit is held.
func (g *Gate) ReleaseAcquired() {
	g.mu.Lock()
	snapshot := make([]PermitInfo, 0, len(g.acquired))
	for _, p := range g.acquired {
		snapshot = append(snapshot, p.info)
	}
	slices.SortFunc(snapshot, func(a, b PermitInfo) int { return a.AcquiredAt.Compare(b.AcquiredAt) })
	g.mu.Unlock()

	for _, info := range snapshot {
		g.release(info.ID, false)
	}
}

func (g *Gate) admitLocked(pending *[]Event) *acquiredPermit {
	id := uuid.New()
	p := &acquiredPermit{info: PermitInfo{ID: id, AcquiredAt: g.clock.Now()}}
	g.acquired[id] = p
	if g.cfg.ReleaseTimeout > 0 {
		p.releaseTimer = g.clock.AfterFunc(g.cfg.ReleaseTimeout, func() { g.onReleaseTimeout(id) })
	}
	*pending = append(*pending, Event{Type: EventLockAcquired, Permit: p.info})
	return p
}

func (g *Gate) dispatchLocked(pending *[]Event) {
	for g.isAvailableLocked() {
		var wp *waitingPermit
		var ok bool
		if g.cfg.QueueType == LIFO {
			wp, ok = g.waiting.PopBack()
		} else {
			wp, ok = g.waiting.PopFront()
		}
		if !ok {
			return
		}
		permit := g.admitLocked(pending)
		wp.future.Resolve(ReleaseToken{g: g, id: permit.info.ID})
	}
}

func (g *Gate) release(id uuid.UUID, timeoutReached bool) {
	var pending []Event
	g.mu.Lock()
	p, ok := g.acquired[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.acquired, id)
	if p.releaseTimer != nil {
		p.releaseTimer.Stop()
	}
	pending = append(pending, Event{Type: EventLockReleased, Permit: p.info, TimeoutReached: timeoutReached})
	g.dispatchLocked(&pending)
	g.mu.Unlock()

	for _, ev := range pending {
		g.emitter.Emit(ev.Type, ev)
	}
}

func (g *Gate) onReleaseTimeout(id uuid.UUID) {
	g.mu.Lock()
	p, ok := g.acquired[id]
	g.mu.Unlock()
	if !ok {
		return
	}
	if g.cfg.ReleaseTimeoutHandler != nil {
		if herr := guard.Invoke(func() { g.cfg.ReleaseTimeoutHandler(p.info) }); herr != nil {
			g.emitter.Emit(EventError, Event{
				Type:   EventError,
				Permit: p.info,
				Error:  &events.EventError{Code: ErrCodeReleaseTimeoutHandlerFailure, Err: herr},
			})
		}
	}
	g.release(id, true)
}
