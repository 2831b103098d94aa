package mare

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"
)

// taskAttrs is an immutable bitmask of task attributes, set at construction
// and read-only afterward (no atomics needed).
type taskAttrs uint8

const (
	attrBlocking taskAttrs = 1 << iota
	attrYield
	attrGpu
	attrAnonymous
	attrStub
	attrNonCancelable
	attrPfor
	attrLongRunning
)

func (a taskAttrs) has(f taskAttrs) bool { return a&f != 0 }

// taskBody is the tagged union of task body kinds: plain, blocking, gpu.
// The worker dispatch loop type-switches on this.
type taskBody interface{ isTaskBody() }

type plainBody struct{ fn func(*Context) error }

func (plainBody) isTaskBody() {}

type blockingBody struct {
	fn            func(*Context) error
	cancelHandler func()
}

func (blockingBody) isTaskBody() {}

type gpuBody struct {
	kernel GpuKernel
}

func (gpuBody) isTaskBody() {}

// Task is a unit of scheduled work: a body, a lifecycle state machine, a set
// of predecessor/successor edges, and optional group memberships.
type Task struct {
	id    uint64
	rt    *Runtime
	name  string
	attrs taskAttrs
	body  taskBody
	state taskState

	// mu guards successors, group membership and the cancel-handler-invoked
	// flag. It is held across a blocking task's "already terminal" check and
	// the setting of the invoked flag, so a handler is never started once the
	// terminal transition has been made; the handler itself runs after mu is
	// released.
	mu             sync.Mutex
	successors     []weak.Pointer[Task]
	pending        *Group   // membership joined pre-launch, at most one (intersections replace)
	groups         []*Group // resolved ancestor closure, counted while the task is live
	handlerInvoked bool
	localValues    map[any]any
	resultErr      error

	// claimed guards the scheduler's single "request ownership for
	// execution" transition, which succeeds once per task. Distinct from the
	// state word's RUNNING bit: it defends against a task pointer observed
	// by two queues/stealers at once.
	claimed atomic.Bool

	done *trigger
}

func newTask(rt *Runtime, body taskBody, attrs taskAttrs, name string) *Task {
	t := &Task{
		rt:    rt,
		name:  name,
		attrs: attrs,
		body:  body,
		done:  newTrigger(),
	}
	t.state.init(0)
	t.id = rt.nextTaskID()
	logTaskCreated(t)
	return t
}

// ID returns the task's runtime-unique identifier.
func (t *Task) ID() uint64 { return t.id }

// Name returns the task's optional debug name.
func (t *Task) Name() string { return t.name }

// AddDependency records that succ must not be scheduled until pred
// completes or is canceled. succ must still be UNLAUNCHED; pred may already
// be launched or finished, in which case a finished pred releases (or, if it
// was canceled, cancels) succ at once.
func AddDependency(pred, succ *Task) error {
	if pred == nil || succ == nil {
		return ErrNilHandle
	}
	if pred == succ {
		return fmt.Errorf("%w: task cannot depend on itself", ErrCyclicDependency)
	}
	if !succ.state.isUnlaunched() {
		return ErrAlreadyLaunched
	}
	if !succ.state.addPredecessor() {
		return ErrAlreadyLaunched
	}
	pred.mu.Lock()
	predDone := pred.state.isDone()
	predCanceled := pred.state.isCanceled()
	if !predDone {
		pred.successors = append(pred.successors, weak.Make(succ))
	}
	pred.mu.Unlock()
	if predDone {
		// pred already finished by the time the edge was added: if it was
		// canceled, succ is canceled immediately; either way pred will never
		// notify succ, so the predecessor edge must be resolved here instead.
		succ.onPredecessorDone(predCanceled)
	}
	return nil
}

// JoinGroup makes the task a member of g when it launches. A task holds at
// most one membership: joining a second group replaces the first with their
// intersection, so the task counts against both. Fails once the task has
// launched or been canceled.
func (t *Task) JoinGroup(g *Group) error {
	if g == nil {
		return nil
	}
	if !t.state.isUnlaunched() {
		return ErrAlreadyLaunched
	}
	if t.state.isCancelRequested() || t.state.isCanceled() {
		return ErrCanceled
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = g
	} else {
		t.pending = Intersect(t.pending, g)
	}
	return nil
}

// Launch makes the task eligible for scheduling, optionally joining one or
// more groups first (several groups fold into a single intersection
// membership, same as repeated JoinGroup calls). A task may be launched at
// most once; relaunching returns ErrAlreadyLaunched.
func (t *Task) Launch(groups ...*Group) error {
	if t.rt.isShuttingDown() {
		return ErrShuttingDown
	}
	for _, g := range groups {
		if err := t.JoinGroup(g); err != nil {
			return err
		}
	}

	t.mu.Lock()
	effective := t.pending
	t.mu.Unlock()
	var targets []*Group
	if effective != nil {
		targets = effective.withAncestors()
	}

	// Membership is recorded before the launch transition: the instant the
	// CAS clears UNLAUNCHED, a concurrently-completing final predecessor
	// may dispatch the task, and its finish path must observe the full
	// group set.
	t.mu.Lock()
	t.groups = targets
	t.mu.Unlock()
	for _, g := range targets {
		g.join(t)
	}

	launched, eligible := t.state.tryLaunch()
	if !launched {
		t.mu.Lock()
		t.groups = nil
		t.mu.Unlock()
		for _, g := range targets {
			g.leave()
		}
		return ErrAlreadyLaunched
	}
	if eligible {
		t.rt.submit(t)
	}
	return nil
}

// onPredecessorDone is invoked once per predecessor as it completes or is
// canceled. Once the predecessor count reaches zero on a launched task, the
// task is released from the unresolved-task cache into the scheduler.
func (t *Task) onPredecessorDone(predCanceled bool) {
	if predCanceled {
		cancelTask(t)
	}
	if t.state.decrementPredecessor() == 0 {
		if t.state.clearUtcache() {
			t.rt.submit(t)
		}
	}
}

// notifySuccessors runs after the task finishes, releasing any successors
// whose last predecessor was this task.
func (t *Task) notifySuccessors(canceled bool) {
	t.mu.Lock()
	succs := t.successors
	t.successors = nil
	t.mu.Unlock()
	for _, wp := range succs {
		if succ := wp.Value(); succ != nil {
			succ.onPredecessorDone(canceled)
		}
	}
}

// groupCanceled reports whether any group this task belongs to has been
// canceled, which dooms the task the same way its own CANCEL_REQ bit does.
func (t *Task) groupCanceled() bool {
	if t.attrs.has(attrNonCancelable) {
		return false
	}
	t.mu.Lock()
	groups := t.groups
	t.mu.Unlock()
	for _, g := range groups {
		if g.isCanceled() {
			return true
		}
	}
	return false
}

// tryClaimScheduler performs the one-time "a scheduler has taken ownership
// of this task for execution" transition. Returns false if some other
// worker already claimed it.
func (t *Task) tryClaimScheduler() bool {
	return t.claimed.CompareAndSwap(false, true)
}

// invokeCancelHandler calls a blocking task's cancel handler exactly once,
// and only if the task has not already reached a terminal state: the
// task's own mutex serializes this check against finishTask's terminal
// transition, so the handler is never invoked after COMPLETED/CANCELED has
// been observed.
func (t *Task) invokeCancelHandler() {
	b, ok := t.body.(blockingBody)
	if !ok || b.cancelHandler == nil {
		return
	}
	t.mu.Lock()
	if t.handlerInvoked || t.state.isDone() {
		t.mu.Unlock()
		return
	}
	t.handlerInvoked = true
	t.mu.Unlock()
	b.cancelHandler()
}

// finishTask transitions the task to its terminal state, records any user
// error, notifies successors, and leaves its groups. It is the single
// post-execution path shared by every task-body kind.
func (t *Task) finishTask(canceled bool, err error) {
	t.mu.Lock()
	t.state.finish(canceled)
	t.resultErr = err
	groups := t.groups
	t.groups = nil
	t.mu.Unlock()

	logTaskDone(t, canceled)
	t.notifySuccessors(canceled)
	for _, g := range groups {
		g.leave()
	}
	t.done.Fire()
}

// Err returns the error (if any) the task body returned, or nil if the
// task completed without error or was canceled before it could return
// one. The runtime never interprets this value; it is passed through
// transparently.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resultErr
}

// IsCanceled reports whether the task finished via cancellation.
func (t *Task) IsCanceled() bool { return t.state.isCanceled() }

// IsCompleted reports whether the task finished normally.
func (t *Task) IsCompleted() bool { return t.state.isCompleted() }

// IsDone reports whether the task has reached a terminal state.
func (t *Task) IsDone() bool { return t.state.isDone() }

// Context is handed to a running task's body. It exposes cooperative
// cancellation, yielding, and task-local storage. There is no ambient
// "current task" global; bodies thread the Context explicitly.
type Context struct {
	task   *Task
	rt     *Runtime
	worker *worker
}

// Task returns the running task's handle.
func (c *Context) Task() *Task { return c.task }

// AbortOnCancel panics with the internal errAbortTask sentinel if the
// running task's own CANCEL_REQ bit is set, or any group it belongs to has
// been canceled. The panic unwinds to the worker's dispatch loop, which
// recovers it and marks the task CANCELED; it must never be recovered by
// user code.
func (c *Context) AbortOnCancel() {
	if c.task.state.isCancelRequested() || c.task.groupCanceled() {
		panic(errAbortTask{})
	}
}

// Yield is a cooperative safe point: it acknowledges a pending cancellation
// (entry to a safe point is a cancellation point) and then
// lends the worker to at most one pending task before resuming the caller,
// which is how a long-running body keeps the pool responsive without
// preemption. Called outside a running task (c nil, or c.worker nil) it
// degrades to a bare goroutine reschedule.
func (c *Context) Yield() {
	if c == nil || c.worker == nil {
		runtime.Gosched()
		return
	}
	c.AbortOnCancel()
	c.worker.lendOnce()
}

// Get returns a value previously stored on this task via Set.
func (c *Context) Get(key any) (any, bool) {
	t := c.task
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.localValues == nil {
		return nil, false
	}
	v, ok := t.localValues[key]
	return v, ok
}

// Set stores a task-local value, retrievable via Get for the lifetime of
// the task.
func (c *Context) Set(key, value any) {
	t := c.task
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.localValues == nil {
		t.localValues = make(map[any]any)
	}
	t.localValues[key] = value
}
