package mare

import (
	"context"

	"github.com/joeycumines/go-mare/internal/deque"
	"github.com/joeycumines/go-mare/internal/tls"
)

// workerRegistry maps goroutine IDs to worker slots across every Runtime in
// the process (goroutine IDs are unique process-wide at any given instant,
// so one shared registry is sufficient even with several runtimes live at
// once, e.g. in tests). Used both to route submit() to the caller's own
// local deque and to let patterns.go resolve which Runtime a pattern call
// belongs to without a Runtime parameter.
var workerRegistry = tls.NewRegistry[*worker]()

// worker is one execution context: a goroutine that runs tasks off its own
// local deque, steals from sibling workers via its dealer when idle, polls
// the runtime's main/foreign queues, and parks on its own futex once every
// source is empty.
type worker struct {
	id    int
	rt    *Runtime
	local *deque.Deque[*Task]
	deal  *dealer
	fx    *futex

	// cur and inPfor are only ever read/written by this worker's own
	// goroutine (via Context/dispatch), so they need no synchronization.
	cur    *Task
	inPfor bool

	stopped chan struct{}
}

func newWorker(rt *Runtime, id int) *worker {
	return &worker{
		id:      id,
		rt:      rt,
		local:   deque.New[*Task](rt.opts.dequeCapacity),
		fx:      newFutex(),
		stopped: make(chan struct{}),
	}
}

// join blocks until this worker's loop goroutine has exited, or ctx ends
// the wait first.
func (w *worker) join(ctx context.Context) error {
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *worker) wake() { w.fx.Wake() }

// submitLocal pushes t onto this worker's own queue. The owner pushes and
// pops the right end; thieves always take from the left, so stolen tasks
// drain oldest first.
func (w *worker) submitLocal(t *Task) {
	if err := w.local.PushRight(t); err != nil {
		// Local deque at capacity: route to the foreign queue rather than
		// block or drop the task, preserving "no submitted task is lost".
		w.rt.foreignQueue.Push(t)
	}
	w.rt.wake()
}

// loop is the worker's main scheduling loop: pop locally; on empty, steal
// from the deck; poll the main and foreign queues; and park via the futex
// once every source is empty, until ctx is done.
func (w *worker) loop(ctx context.Context) {
	id := tls.GoroutineID()
	workerRegistry.Bind(id, w)
	defer workerRegistry.Unbind(id)
	defer close(w.stopped)

	for {
		if ctx.Err() != nil {
			return
		}
		if t, ok := w.findTask(); ok {
			w.dispatch(ctx, t)
			continue
		}
		if w.rt.idleCount.Add(1) > int64(w.rt.maxIdle) {
			// Past the idle cap: shrink the pool instead of parking.
			w.rt.idleCount.Add(-1)
			return
		}
		parked := w.fx.ParkUntil(ctx, w.hasWork)
		w.rt.idleCount.Add(-1)
		if !parked {
			return
		}
	}
}

// findTask locates the next runnable task: the worker's own deque first,
// then a steal from the deck, then the shared main and foreign queues.
func (w *worker) findTask() (*Task, bool) {
	if t, ok := w.local.PopRight(); ok {
		return t, true
	}
	if t, ok := w.steal(); ok {
		return t, true
	}
	if t, ok := w.rt.mainQueue.TryPop(); ok {
		return t, true
	}
	if t, ok := w.rt.foreignQueue.TryPop(); ok {
		return t, true
	}
	return nil, false
}

// hasWork reports whether this worker has any reason to stop parking:
// local work, pending main/foreign submissions, or stealable work sitting
// in a sibling's deque (a sibling may be pinned on a long body, leaving
// its queued tasks for thieves).
func (w *worker) hasWork() bool {
	if w.local.Len() > 0 || w.rt.hasWork() {
		return true
	}
	for _, v := range w.rt.workers {
		if v != w && v.local.Len() > 0 {
			return true
		}
	}
	return false
}

// steal tries each victim in this worker's deck once, taking the first
// available task from the victim's non-owner (left) end.
func (w *worker) steal() (*Task, bool) {
	n := w.deal.size()
	for i := 0; i < n; i++ {
		v := w.deal.next()
		if v < 0 {
			return nil, false
		}
		victim := w.rt.workers[v]
		if t, ok := victim.local.PopLeft(); ok {
			logSteal(w.id, true)
			return t, true
		}
	}
	if n > 0 {
		logSteal(w.id, false)
	}
	return nil, false
}

// lendOnce runs at most one pending task inline on this worker, on behalf
// of a body that reached a safe point (yield, or a helping wait). Nested
// dispatch is safe: the task state machine and the one-shot scheduler
// claim make double execution impossible, and cur is saved/restored around
// every body.
func (w *worker) lendOnce() bool {
	t, ok := w.findTask()
	if !ok {
		return false
	}
	w.dispatch(w.rt.ctx, t)
	return true
}

// helpWait blocks the calling worker until trig fires, lending the worker
// to pending tasks in the meantime. This is what makes a wait inside a
// task yield the execution context rather than idling it: the waiting body
// keeps draining the scheduler's queues, so a pool of any size (including
// one) can finish the tasks the wait depends on.
func (w *worker) helpWait(ctx context.Context, trig *trigger) error {
	for {
		if trig.Fired() {
			return nil
		}
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if w.lendOnce() {
			continue
		}
		var ctxDone <-chan struct{}
		if ctx != nil {
			ctxDone = ctx.Done()
		}
		select {
		case <-trig.ch:
			return nil
		case <-ctxDone:
			return ctx.Err()
		case <-w.fx.wakeCh():
		case <-w.rt.ctx.Done():
			return ErrShuttingDown
		}
	}
}

// dispatch claims t for execution, runs its body, and performs the
// post-execution bookkeeping (state transition, successor propagation,
// group departure).
func (w *worker) dispatch(ctx context.Context, t *Task) {
	if !t.tryClaimScheduler() {
		// Already claimed by a racing path (defence in depth; should not
		// occur given single-consumer pop semantics per queue end).
		return
	}
	if !t.state.tryClaim() {
		// Reached a queue but no longer schedulable; nothing to run.
		return
	}

	logTaskExecutes(t)

	var (
		canceled bool
		err      error
	)
	if t.state.isCancelRequested() || t.groupCanceled() {
		// CANCEL_REQ observed before the body ever ran: transition
		// straight to CANCELED without invoking it.
		canceled = true
	} else {
		canceled, err = w.execute(ctx, t)
	}
	t.finishTask(canceled, err)
}

// execute runs t's body against its kind, recovering the abort sentinel
// panic raised at cancellation points.
func (w *worker) execute(ctx context.Context, t *Task) (canceled bool, err error) {
	c := &Context{task: t, rt: w.rt, worker: w}
	prev := w.cur
	w.cur = t
	defer func() { w.cur = prev }()

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(errAbortTask); ok {
				canceled = true
				return
			}
			panic(r)
		}
	}()

	switch b := t.body.(type) {
	case plainBody:
		err = b.fn(c)
	case blockingBody:
		err = b.fn(c)
	case gpuBody:
		err = runGpuBody(ctx, w.rt.gpuQueue, b.kernel)
	}
	return canceled, err
}
