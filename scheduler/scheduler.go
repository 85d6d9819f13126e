// Package scheduler implements an in-process asynchronous task controller:
// tasks are submitted, queued under a concurrency limit, and dispatched to
// run, with optional waiting/release timeouts and abort signals. It is built
// on the same admission-control shape as gate.Gate, plus per-task lifecycle
// bookkeeping gate.Gate has no notion of.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/joeycumines/go-taskcontrol/events"
	"github.com/joeycumines/go-taskcontrol/gate"
	"github.com/joeycumines/go-taskcontrol/internal/future"
	"github.com/joeycumines/go-taskcontrol/internal/guard"
	"github.com/joeycumines/go-taskcontrol/internal/queue"
	"github.com/joeycumines/go-taskcontrol/signal"
)

// QueueType selects the discipline used to pick the next waiting task when a
// running slot becomes free. Shared vocabulary with gate.QueueType.
type QueueType = gate.QueueType

const (
	FIFO = gate.FIFO
	LIFO = gate.LIFO
)

// Event type names, carried over from spec.md §6 unchanged.
const (
	EventTaskStarted                = "task-started"
	EventTaskFinished               = "task-finished"
	EventTaskFailure                = "task-failure"
	EventTaskReleasedBeforeFinished = "task-released-before-finished"
	EventTaskDiscarded              = "task-discarded"
	EventError                      = "error"
)

// Error codes for EventError payloads.
const (
	ErrCodeWaitingTimeoutHandlerFailure = "waiting-timeout-handler-failure"
	ErrCodeReleaseTimeoutHandlerFailure = "release-timeout-handler-failure"
	ErrCodeErrorHandlerFailure          = "error-handler-failure"
)

// ReleaseReason explains why a running task was moved to the expired state
// before it returned.
type ReleaseReason string

const (
	ReleaseReasonTimeoutReached ReleaseReason = "timeoutReached"
	ReleaseReasonForced         ReleaseReason = "forced"
)

// DiscardReason explains why a waiting task was removed from the queue
// without ever running.
type DiscardReason string

const (
	DiscardReasonTimeoutReached DiscardReason = "timeoutReached"
	DiscardReasonForced         DiscardReason = "forced"
	DiscardReasonAbortSignal    DiscardReason = "abortSignal"
)

// EntryInfo is an immutable snapshot of a task entry, safe to read from
// event listeners and handlers without synchronization. The live, mutable
// bookkeeping object backing it never escapes the scheduler.
type EntryInfo struct {
	ID            uuid.UUID
	SubmittedAt   time.Time
	ReleaseReason ReleaseReason
	DiscardReason DiscardReason
}

// Event is the payload delivered to Scheduler listeners.
type Event struct {
	Type          string
	Entry         EntryInfo
	Error         error
	ReleaseReason ReleaseReason
	DiscardReason DiscardReason
}

// Settled is the outcome of a run: either Fulfilled with Value, or not
// Fulfilled with Reason set to the failure (a task error, a panic converted
// via guard.PanicError, or a *DiscardedError if the task never ran).
type Settled[T any] struct {
	Fulfilled bool
	Value     T
	Reason    error
}

// DiscardedError is the Settled.Reason value for a task that was discarded
// before it ever ran.
type DiscardedError struct {
	Reason DiscardReason
}

func (e *DiscardedError) Error() string {
	return "taskcontrol: discarded: " + string(e.Reason)
}

// Options carries per-submission overrides. Every field is nilable (a pointer
// for the timeouts, a func for the handlers, an interface for Signal) so
// "not set, use the controller default" is
// distinguishable from "explicitly zero/disabled" — the nullish-coalescing
// semantics spec.md §4.2 describes for entry.options.X ?? controller.options.X.
type Options struct {
	WaitingTimeout        *time.Duration
	WaitingTimeoutHandler func(EntryInfo)
	ReleaseTimeout        *time.Duration
	ReleaseTimeoutHandler func(EntryInfo)
	ErrorHandler          func(EntryInfo, error)
	Signal                signal.Signal
}

// Config configures a Scheduler. The zero value is valid: Concurrency
// defaults to 1, QueueType to FIFO, Clock to a real wall-clock, Signal to
// signal.Never, and both timeouts disabled.
type Config struct {
	Concurrency           int
	QueueType             QueueType
	WaitingTimeout        time.Duration
	WaitingTimeoutHandler func(EntryInfo)
	ReleaseTimeout        time.Duration
	ReleaseTimeoutHandler func(EntryInfo)
	ErrorHandler          func(EntryInfo, error)
	Signal                signal.Signal
	Clock                 clock.Clock
}

type entryState int

const (
	stateWaiting entryState = iota
	stateRunning
	stateExpired
	stateFinished
	stateDiscarded
)

type taskEntry struct {
	id            uuid.UUID
	submittedAt   time.Time
	state         entryState
	options       Options
	waitingTimer  *clock.Timer
	releaseTimer  *clock.Timer
	releaseReason ReleaseReason
	discardReason DiscardReason
	invoke        func(ctx context.Context)
	onDiscard     func(DiscardReason)
}

func (e *taskEntry) snapshot() EntryInfo {
	return EntryInfo{
		ID:            e.id,
		SubmittedAt:   e.submittedAt,
		ReleaseReason: e.releaseReason,
		DiscardReason: e.discardReason,
	}
}

// Stats is a consistent point-in-time snapshot of the three task counts, for
// callers that want a single read instead of three separate lock
// acquisitions.
type Stats struct {
	Waiting int
	Running int
	Expired int
}

// Scheduler is an in-process asynchronous task controller. Use New to
// construct one.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	clock   clock.Clock
	emitter *events.Emitter[Event]
	waiting *queue.Deque[*taskEntry]
	running map[uuid.UUID]*taskEntry
	expired map[uuid.UUID]*taskEntry
	ctx     context.Context
	cancel  context.CancelFunc
}

// New constructs a Scheduler from cfg, which may be nil to accept all
// defaults.
func New(cfg *Config) *Scheduler {
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
	if c.Signal == nil {
		c.Signal = signal.Never
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     c,
		clock:   c.Clock,
		emitter: events.NewEmitter[Event](),
		waiting: queue.New[*taskEntry](),
		running: make(map[uuid.UUID]*taskEntry),
		expired: make(map[uuid.UUID]*taskEntry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// On registers fn to be called whenever eventType fires.
func (s *Scheduler) On(eventType string, fn func(Event)) events.ListenerID {
	return s.emitter.On(eventType, fn)
}

// Off removes a listener previously registered with On.
func (s *Scheduler) Off(id events.ListenerID) {
	s.emitter.Off(id)
}

// IsAvailable reports whether a task submitted right now would start running
// immediately rather than queuing.
func (s *Scheduler) IsAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running) < s.cfg.Concurrency && s.waiting.Len() == 0
}

// ChangeConcurrentLimit updates the running-task limit. Values less than 1
// are ignored. Raising the limit may immediately promote queued tasks.
func (s *Scheduler) ChangeConcurrentLimit(n int) {
	if n < 1 {
		return
	}
	var pending []Event
	var toStart []func(context.Context)
	s.mu.Lock()
	grow := n > s.cfg.Concurrency
	s.cfg.Concurrency = n
	if grow {
		s.dispatchLocked(&pending, &toStart)
	}
	s.mu.Unlock()
	for _, ev := range pending {
		s.emitter.Emit(ev.Type, ev)
	}
	s.startDispatched(toStart)
}

// WaitingTasks returns the number of tasks queued, not yet running.
func (s *Scheduler) WaitingTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiting.Len()
}

// RunningTasks returns the number of tasks currently running (including
// those that have not yet expired).
func (s *Scheduler) RunningTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// ExpiredTasks returns the number of tasks whose release timeout fired (or
// were force-released) while still running, that have not yet returned.
func (s *Scheduler) ExpiredTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expired)
}

// Stats returns a consistent snapshot of all three task counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Waiting: s.waiting.Len(), Running: len(s.running), Expired: len(s.expired)}
}

// Close flushes every pending (not yet running) task as discarded, and
// cancels the context passed to any still-running task's invocation. It
// does not wait for running tasks to return; embedding code that needs that
// should track its own Futures.
func (s *Scheduler) Close() {
	s.FlushPendingTasks()
	s.cancel()
}

// ReleaseRunningTasks forcibly moves every currently running task to the
// expired state, freeing their slots immediately for queued tasks, without
// waiting for the tasks themselves to return. It is a no-op if no task is
// running.
func (s *Scheduler) ReleaseRunningTasks() {
	var pending []Event
	var toStart []func(context.Context)
	s.mu.Lock()
	type snap struct {
		id   uuid.UUID
		e    *taskEntry
		info EntryInfo
	}
	list := make([]snap, 0, len(s.running))
	for id, e := range s.running {
		list = append(list, snap{id: id, e: e})
	}
	slices.SortFunc(list, func(a, b snap) int { return a.e.submittedAt.Compare(b.e.submittedAt) })
	for i := range list {
		e := list[i].e
		delete(s.running, list[i].id)
		e.state = stateExpired
		e.releaseReason = ReleaseReasonForced
		if e.releaseTimer != nil {
			e.releaseTimer.Stop()
			e.releaseTimer = nil
		}
		s.expired[list[i].id] = e
		list[i].info = e.snapshot()
		pending = append(pending, Event{Type: EventTaskReleasedBeforeFinished, Entry: list[i].info, ReleaseReason: ReleaseReasonForced})
	}
	s.dispatchLocked(&pending, &toStart)
	s.mu.Unlock()

	for _, ev := range pending {
		s.emitter.Emit(ev.Type, ev)
	}
	s.startDispatched(toStart)
}

// FlushPendingTasks discards every currently queued (not yet running) task.
// Each flushed task's Future resolves to a rejected Settled carrying a
// *DiscardedError. It is a no-op if no task is queued.
func (s *Scheduler) FlushPendingTasks() {
	var pending []Event
	s.mu.Lock()
	list := s.waiting.Snapshot()
	s.waiting = queue.New[*taskEntry]()
	for _, e := range list {
		if e.waitingTimer != nil {
			e.waitingTimer.Stop()
			e.waitingTimer = nil
		}
		e.state = stateDiscarded
		e.discardReason = DiscardReasonForced
		info := e.snapshot()
		pending = append(pending, Event{Type: EventTaskDiscarded, Entry: info, DiscardReason: DiscardReasonForced})
		if e.onDiscard != nil {
			e.onDiscard(DiscardReasonForced)
		}
	}
	s.mu.Unlock()

	for _, ev := range pending {
		s.emitter.Emit(ev.Type, ev)
	}
}

func (s *Scheduler) effectiveWaitingTimeout(opt Options) time.Duration {
	if opt.WaitingTimeout != nil {
		return *opt.WaitingTimeout
	}
	return s.cfg.WaitingTimeout
}

func (s *Scheduler) effectiveReleaseTimeout(opt Options) time.Duration {
	if opt.ReleaseTimeout != nil {
		return *opt.ReleaseTimeout
	}
	return s.cfg.ReleaseTimeout
}

func (s *Scheduler) effectiveWaitingTimeoutHandler(opt Options) func(EntryInfo) {
	if opt.WaitingTimeoutHandler != nil {
		return opt.WaitingTimeoutHandler
	}
	return s.cfg.WaitingTimeoutHandler
}

func (s *Scheduler) effectiveReleaseTimeoutHandler(opt Options) func(EntryInfo) {
	if opt.ReleaseTimeoutHandler != nil {
		return opt.ReleaseTimeoutHandler
	}
	return s.cfg.ReleaseTimeoutHandler
}

func (s *Scheduler) effectiveErrorHandler(opt Options) func(EntryInfo, error) {
	if opt.ErrorHandler != nil {
		return opt.ErrorHandler
	}
	return s.cfg.ErrorHandler
}

func (s *Scheduler) effectiveSignal(opt Options) signal.Signal {
	if opt.Signal != nil {
		return opt.Signal
	}
	if s.cfg.Signal != nil {
		return s.cfg.Signal
	}
	return signal.Never
}

func (s *Scheduler) popWaitingLocked() (*taskEntry, bool) {
	if s.cfg.QueueType == LIFO {
		return s.waiting.PopBack()
	}
	return s.waiting.PopFront()
}

// dispatchLocked promotes as many waiting tasks as the concurrency limit
// allows, skipping (and discarding) any whose signal has already fired,
// without consuming a running slot for them. Must be called with s.mu held;
// appends every event it causes to *pending, for the caller to emit once
// unlocked, and appends every promoted entry's invocation to *toStart, for
// the caller to launch (via go) only after those events have actually been
// emitted — task-started must be observable before the task itself runs, and
// that can't be guaranteed by lock ordering alone: a goroutine spawned here
// while s.mu is still held can run to completion before the caller even
// reaches its unlock, let alone its emit loop.
func (s *Scheduler) dispatchLocked(pending *[]Event, toStart *[]func(context.Context)) {
	for len(s.running) < s.cfg.Concurrency {
		entry, ok := s.popWaitingLocked()
		if !ok {
			return
		}
		if entry.waitingTimer != nil {
			entry.waitingTimer.Stop()
			entry.waitingTimer = nil
		}

		sig := s.effectiveSignal(entry.options)
		if sig != nil && sig.Aborted() {
			entry.state = stateDiscarded
			entry.discardReason = DiscardReasonAbortSignal
			info := entry.snapshot()
			*pending = append(*pending, Event{Type: EventTaskDiscarded, Entry: info, DiscardReason: DiscardReasonAbortSignal})
			if entry.onDiscard != nil {
				entry.onDiscard(DiscardReasonAbortSignal)
			}
			continue
		}

		entry.state = stateRunning
		s.running[entry.id] = entry

		if rt := s.effectiveReleaseTimeout(entry.options); rt > 0 {
			e := entry
			entry.releaseTimer = s.clock.AfterFunc(rt, func() { s.onReleaseTimeout(e) })
		}

		info := entry.snapshot()
		*pending = append(*pending, Event{Type: EventTaskStarted, Entry: info})
		*toStart = append(*toStart, entry.invoke)
	}
}

// startDispatched launches every entry invocation gathered by dispatchLocked,
// via goroutine, in order. Callers must call this only after emitting the
// pending events dispatchLocked produced alongside toStart.
func (s *Scheduler) startDispatched(toStart []func(context.Context)) {
	for _, inv := range toStart {
		go inv(s.ctx)
	}
}

func (s *Scheduler) onWaitingTimeout(entry *taskEntry) {
	var pending []Event
	s.mu.Lock()
	if entry.state != stateWaiting {
		s.mu.Unlock()
		return
	}
	s.waiting.Remove(func(e *taskEntry) bool { return e == entry })
	entry.waitingTimer = nil
	entry.state = stateDiscarded
	entry.discardReason = DiscardReasonTimeoutReached
	info := entry.snapshot()
	pending = append(pending, Event{Type: EventTaskDiscarded, Entry: info, DiscardReason: DiscardReasonTimeoutReached})
	if entry.onDiscard != nil {
		entry.onDiscard(DiscardReasonTimeoutReached)
	}
	s.mu.Unlock()

	for _, ev := range pending {
		s.emitter.Emit(ev.Type, ev)
	}

	if handler := s.effectiveWaitingTimeoutHandler(entry.options); handler != nil {
		if herr := guard.Invoke(func() { handler(info) }); herr != nil {
			s.emitter.Emit(EventError, Event{
				Type:  EventError,
				Entry: info,
				Error: &events.EventError{Code: ErrCodeWaitingTimeoutHandlerFailure, Err: herr},
			})
		}
	}
}

func (s *Scheduler) onReleaseTimeout(entry *taskEntry) {
	var pending []Event
	var toStart []func(context.Context)
	s.mu.Lock()
	if entry.state != stateRunning {
		s.mu.Unlock()
		return
	}
	delete(s.running, entry.id)
	entry.state = stateExpired
	entry.releaseReason = ReleaseReasonTimeoutReached
	entry.releaseTimer = nil
	s.expired[entry.id] = entry
	info := entry.snapshot()
	pending = append(pending, Event{Type: EventTaskReleasedBeforeFinished, Entry: info, ReleaseReason: ReleaseReasonTimeoutReached})
	s.dispatchLocked(&pending, &toStart)
	s.mu.Unlock()

	for _, ev := range pending {
		s.emitter.Emit(ev.Type, ev)
	}
	s.startDispatched(toStart)

	if handler := s.effectiveReleaseTimeoutHandler(entry.options); handler != nil {
		if herr := guard.Invoke(func() { handler(info) }); herr != nil {
			s.emitter.Emit(EventError, Event{
				Type:  EventError,
				Entry: info,
				Error: &events.EventError{Code: ErrCodeReleaseTimeoutHandlerFailure, Err: herr},
			})
		}
	}
}

func (s *Scheduler) onTaskReturned(entry *taskEntry, err error) {
	var dispatchPending []Event
	var toStart []func(context.Context)
	s.mu.Lock()
	wasExpired := entry.state == stateExpired
	if !wasExpired {
		delete(s.running, entry.id)
		if entry.releaseTimer != nil {
			entry.releaseTimer.Stop()
			entry.releaseTimer = nil
		}
	} else {
		delete(s.expired, entry.id)
	}
	entry.state = stateFinished
	info := entry.snapshot()
	if !wasExpired {
		s.dispatchLocked(&dispatchPending, &toStart)
	}
	s.mu.Unlock()

	if err != nil {
		s.emitter.Emit(EventTaskFailure, Event{Type: EventTaskFailure, Entry: info, Error: err})
		if handler := s.effectiveErrorHandler(entry.options); handler != nil {
			if herr := guard.Invoke(func() { handler(info, err) }); herr != nil {
				s.emitter.Emit(EventError, Event{
					Type:  EventError,
					Entry: info,
					Error: &events.EventError{Code: ErrCodeErrorHandlerFailure, Err: herr},
				})
			}
		}
	}

	s.emitter.Emit(EventTaskFinished, Event{Type: EventTaskFinished, Entry: info})

	for _, ev := range dispatchPending {
		s.emitter.Emit(ev.Type, ev)
	}
	s.startDispatched(toStart)
}

func invokeGuarded[T any](ctx context.Context, task func(context.Context) (T, error)) (t T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &guard.PanicError{Value: r}
		}
	}()
	return task(ctx)
}

func submit[T any](s *Scheduler, opt Options, task func(context.Context) (T, error)) *future.Future[Settled[T]] {
	fut := future.New[Settled[T]]()
	entry := &taskEntry{
		id:          uuid.New(),
		submittedAt: s.clock.Now(),
		state:       stateWaiting,
		options:     opt,
	}
	entry.invoke = func(ctx context.Context) {
		value, err := invokeGuarded(ctx, task)
		s.onTaskReturned(entry, err)
		if err != nil {
			fut.Resolve(Settled[T]{Reason: err})
		} else {
			fut.Resolve(Settled[T]{Fulfilled: true, Value: value})
		}
	}
	entry.onDiscard = func(reason DiscardReason) {
		fut.Resolve(Settled[T]{Reason: &DiscardedError{Reason: reason}})
	}

	var pending []Event
	var toStart []func(context.Context)
	s.mu.Lock()
	s.waiting.PushBack(entry)
	if wt := s.effectiveWaitingTimeout(opt); wt > 0 {
		entry.waitingTimer = s.clock.AfterFunc(wt, func() { s.onWaitingTimeout(entry) })
	}
	s.dispatchLocked(&pending, &toStart)
	s.mu.Unlock()

	for _, ev := range pending {
		s.emitter.Emit(ev.Type, ev)
	}
	s.startDispatched(toStart)

	return fut
}

// Run submits task with the controller's default options.
func Run[T any](s *Scheduler, task func(context.Context) (T, error)) *future.Future[Settled[T]] {
	return submit(s, Options{}, task)
}

// RunWithOptions submits task with per-call overrides.
func RunWithOptions[T any](s *Scheduler, opt Options, task func(context.Context) (T, error)) *future.Future[Settled[T]] {
	return submit(s, opt, task)
}

// RunItem pairs a task with its own per-call options, for RunMany.
type RunItem[T any] struct {
	Task    func(context.Context) (T, error)
	Options Options
}

func runAll[T any](s *Scheduler, tasks []func(context.Context) (T, error), opts []Options) *future.Future[[]Settled[T]] {
	n := len(tasks)
	results := make([]Settled[T], n)
	subs := make([]*future.Future[Settled[T]], n)
	for i := range tasks {
		opt := Options{}
		if i < len(opts) {
			opt = opts[i]
		}
		subs[i] = submit(s, opt, tasks[i])
	}

	fut := future.New[[]Settled[T]]()
	go func() {
		var g errgroup.Group
		for i := range subs {
			i := i
			g.Go(func() error {
				v, _ := subs[i].Wait(context.Background())
				results[i] = v
				return nil
			})
		}
		_ = g.Wait()
		fut.Resolve(results)
	}()
	return fut
}

// RunMany submits every item concurrently and returns a Future resolving to
// every task's Settled result, in submission order, once all have settled.
func RunMany[T any](s *Scheduler, items []RunItem[T]) *future.Future[[]Settled[T]] {
	tasks := make([]func(context.Context) (T, error), len(items))
	opts := make([]Options, len(items))
	for i, it := range items {
		tasks[i] = it.Task
		opts[i] = it.Options
	}
	return runAll(s, tasks, opts)
}

// RunForEachArgs submits task once per element of args, all sharing opt, and
// returns a Future resolving to every result in submission order.
func RunForEachArgs[A, T any](s *Scheduler, args []A, task func(context.Context, A) (T, error), opt Options) *future.Future[[]Settled[T]] {
	tasks := make([]func(context.Context) (T, error), len(args))
	for i, a := range args {
		a := a
		tasks[i] = func(ctx context.Context) (T, error) { return task(ctx, a) }
	}
	opts := make([]Options, len(args))
	for i := range opts {
		opts[i] = opt
	}
	return runAll(s, tasks, opts)
}

// RunForEach is RunForEachArgs under a name matching spec.md's "entity"
// framing; the two are structurally identical.
func RunForEach[E, T any](s *Scheduler, entities []E, task func(context.Context, E) (T, error), opt Options) *future.Future[[]Settled[T]] {
	return RunForEachArgs(s, entities, task, opt)
}

// TryRun reports whether task could run immediately (no queued task ahead of
// it, a running slot free) and, if so, returns a thunk that actually submits
// it. The two steps are split so a caller can decide against running at all
// without side effects; note this is a point-in-time check, like
// gate.Gate.TryAcquire — state may change before the returned thunk is
// called.
func TryRun[T any](s *Scheduler, task func(context.Context) (T, error)) (func() *future.Future[Settled[T]], bool) {
	s.mu.Lock()
	avail := len(s.running) < s.cfg.Concurrency && s.waiting.Len() == 0
	s.mu.Unlock()
	if !avail {
		return nil, false
	}
	return func() *future.Future[Settled[T]] {
		return submit(s, Options{}, task)
	}, true
}
