package mare

import "context"

// Cancelable is implemented by *Task and *Group: anything Cancel accepts.
type Cancelable interface{ cancelable() }

func (*Task) cancelable()  {}
func (*Group) cancelable() {}

// Waitable is implemented by *Task and *Group: anything WaitFor accepts.
type Waitable interface{ waitable() }

func (*Task) waitable()  {}
func (*Group) waitable() {}

// Cancel requests cancellation of a task or a group. Canceling a group
// cascades to the group itself, every lattice descendant (meet group)
// derived from it, and every task currently a member of any of those
// groups. Canceling a single task only flags that task; its successors are
// canceled in turn once the task actually finishes (see
// Task.notifySuccessors). Cancellation is a request: a running body
// acknowledges it only at a safe point or by returning.
func Cancel(h Cancelable) {
	switch v := h.(type) {
	case *Task:
		cancelTask(v)
	case *Group:
		// descendants includes v itself; every meet derived from v is a
		// lattice descendant and cascades.
		for _, g := range v.rt.lattice.descendants(v.sig) {
			g.cancelMembers()
		}
	}
}

// cancelTask requests cancellation of a single task and, for a blocking
// task, invokes its cancel handler exactly once, which typically wakes an
// OS-level wait the body is parked in. Non-cancelable tasks ignore the
// request entirely.
func cancelTask(t *Task) {
	if t.attrs.has(attrNonCancelable) {
		return
	}
	if !t.state.requestCancel() {
		return
	}
	if t.attrs.has(attrBlocking) {
		t.invokeCancelHandler()
	}
}

// WaitFor blocks until the task completes/is canceled, or the group becomes
// empty (every member task has finished), or ctx is done. It returns
// ErrCanceled if the awaited task or group finished via cancellation rather
// than normal completion, and ctx.Err() if ctx ended the wait early.
//
// Called from inside a running task, the wait yields the worker: the
// worker keeps draining the scheduler's queues while the wait is
// pending, so a dependent task can complete even on a single-worker pool.
// Called from any other goroutine it simply blocks that goroutine.
func WaitFor(ctx context.Context, h Waitable) error {
	var trig *trigger
	switch v := h.(type) {
	case *Task:
		trig = v.done
	case *Group:
		trig = v.emptyTrigger()
	default:
		return nil
	}

	var err error
	if w, ok := workerRegistry.Self(); ok {
		err = w.helpWait(ctx, trig)
	} else {
		err = trig.Wait(ctx)
	}
	if err != nil {
		return err
	}

	switch v := h.(type) {
	case *Task:
		if v.state.isCanceled() {
			return ErrCanceled
		}
	case *Group:
		if v.isCanceled() {
			return ErrCanceled
		}
	}
	return nil
}
