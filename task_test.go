package mare

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chain builds n tasks linked head to tail with dependency edges, each
// body appending its index to order.
func chain(t *testing.T, rt *Runtime, n int, order *[]int, seq *atomic.Int64) []*Task {
	t.Helper()
	tasks := make([]*Task, n)
	for i := range tasks {
		i := i
		task, err := rt.CreateTask(func(*Context) error {
			pos := seq.Add(1)
			(*order)[pos-1] = i
			return nil
		})
		require.NoError(t, err)
		if i > 0 {
			require.NoError(t, AddDependency(tasks[i-1], task))
		}
		tasks[i] = task
	}
	return tasks
}

func TestLinearChain_RunsInOrder(t *testing.T) {
	rt := newTestRuntime(t)

	order := make([]int, 3)
	var seq atomic.Int64
	tasks := chain(t, rt, 3, &order, &seq)
	for _, task := range tasks {
		require.NoError(t, task.Launch())
	}

	require.NoError(t, WaitFor(testCtx(t), tasks[2]))
	assert.Equal(t, []int{0, 1, 2}, order)
	for _, task := range tasks {
		assert.False(t, task.IsCanceled())
		assert.True(t, task.IsCompleted())
	}
}

func TestLinearChain_LaunchOrderIrrelevant(t *testing.T) {
	rt := newTestRuntime(t)

	order := make([]int, 3)
	var seq atomic.Int64
	tasks := chain(t, rt, 3, &order, &seq)

	// Launch successors first; nothing may run until the head launches.
	require.NoError(t, tasks[2].Launch())
	require.NoError(t, tasks[1].Launch())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, seq.Load(), "no task may run before the chain head launches")

	require.NoError(t, tasks[0].Launch())
	require.NoError(t, WaitFor(testCtx(t), tasks[2]))
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCancelMidChain_NoBodyRuns(t *testing.T) {
	rt := newTestRuntime(t)

	var ran atomic.Int64
	tasks := make([]*Task, 3)
	for i := range tasks {
		task, err := rt.CreateTask(func(*Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
		if i > 0 {
			require.NoError(t, AddDependency(tasks[i-1], task))
		}
		tasks[i] = task
	}

	require.NoError(t, tasks[1].Launch())
	require.NoError(t, tasks[2].Launch())
	Cancel(tasks[0])
	require.NoError(t, tasks[0].Launch())

	err := WaitFor(testCtx(t), tasks[2])
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Zero(t, ran.Load(), "no body may run once the chain head is canceled")
	for _, task := range tasks {
		assert.True(t, task.IsCanceled())
	}
}

func TestAddDependency_AfterLaunchFails(t *testing.T) {
	rt := newTestRuntime(t)

	pred, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)
	succ, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)

	require.NoError(t, succ.Launch())
	assert.ErrorIs(t, AddDependency(pred, succ), ErrAlreadyLaunched)

	require.NoError(t, pred.Launch())
	require.NoError(t, WaitFor(testCtx(t), succ))
	require.NoError(t, WaitFor(testCtx(t), pred))
}

func TestAddDependency_SelfAndNil(t *testing.T) {
	rt := newTestRuntime(t)

	task, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, AddDependency(task, task), ErrCyclicDependency)
	assert.ErrorIs(t, AddDependency(nil, task), ErrNilHandle)
	assert.ErrorIs(t, AddDependency(task, nil), ErrNilHandle)

	require.NoError(t, task.Launch())
	require.NoError(t, WaitFor(testCtx(t), task))
}

func TestAddDependency_CompletedPredecessorReleasesImmediately(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	pred, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, pred.Launch())
	require.NoError(t, WaitFor(ctx, pred))

	succ, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, AddDependency(pred, succ))
	require.NoError(t, succ.Launch())
	require.NoError(t, WaitFor(ctx, succ))
	assert.True(t, succ.IsCompleted())
}

func TestAddDependency_CanceledPredecessorCancelsSuccessor(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	pred, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)
	Cancel(pred)
	require.NoError(t, pred.Launch())
	err = WaitFor(ctx, pred)
	assert.ErrorIs(t, err, ErrCanceled)

	succ, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, AddDependency(pred, succ))
	require.NoError(t, succ.Launch())
	err = WaitFor(ctx, succ)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.True(t, succ.IsCanceled())
}

func TestLaunch_Twice(t *testing.T) {
	rt := newTestRuntime(t)

	task, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, task.Launch())
	assert.ErrorIs(t, task.Launch(), ErrAlreadyLaunched)
	require.NoError(t, WaitFor(testCtx(t), task))
}

func TestTerminalTask_PredecessorCountZero(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	order := make([]int, 2)
	var seq atomic.Int64
	tasks := chain(t, rt, 2, &order, &seq)
	for _, task := range tasks {
		require.NoError(t, task.Launch())
	}
	require.NoError(t, WaitFor(ctx, tasks[1]))

	for _, task := range tasks {
		assert.Zero(t, predCount(task.state.load()))
		task.mu.Lock()
		assert.Empty(t, task.successors, "terminal tasks must drop successor edges")
		task.mu.Unlock()
	}
}

func TestWideFanIn(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	const preds = 64
	var ran atomic.Int64
	sink, err := rt.CreateTask(func(*Context) error {
		ran.Add(1)
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < preds; i++ {
		p, err := rt.CreateTask(func(*Context) error { return nil })
		require.NoError(t, err)
		require.NoError(t, AddDependency(p, sink))
		require.NoError(t, p.Launch())
	}
	require.NoError(t, sink.Launch())
	require.NoError(t, WaitFor(ctx, sink))
	assert.Equal(t, int64(1), ran.Load())
}

func TestAbortOnCancel_MidBody(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	started := make(chan struct{})
	canceled := make(chan struct{})
	task, err := rt.CreateTask(func(c *Context) error {
		close(started)
		<-canceled
		c.AbortOnCancel()
		t.Error("AbortOnCancel must unwind after cancellation")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, task.Launch())

	<-started
	Cancel(task)
	close(canceled)

	err = WaitFor(ctx, task)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.True(t, task.IsCanceled())
}

func TestNonCancelable_IgnoresCancel(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	var ran atomic.Int64
	task, err := rt.CreateTask(func(c *Context) error {
		c.AbortOnCancel()
		ran.Add(1)
		return nil
	}, WithNonCancelable())
	require.NoError(t, err)

	Cancel(task)
	require.NoError(t, task.Launch())
	require.NoError(t, WaitFor(ctx, task))
	assert.Equal(t, int64(1), ran.Load())
	assert.True(t, task.IsCompleted())
}

func TestYield_InsideTask(t *testing.T) {
	rt := newTestRuntime(t, WithWorkers(1))
	ctx := testCtx(t)

	var other atomic.Bool
	outer, err := rt.CreateTask(func(c *Context) error {
		inner, err := rt.CreateTask(func(*Context) error {
			other.Store(true)
			return nil
		})
		if err != nil {
			return err
		}
		if err := inner.Launch(); err != nil {
			return err
		}
		// On a one-worker pool the inner task can only run if Yield lends
		// the worker.
		for !other.Load() {
			c.Yield()
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, outer.Launch())
	require.NoError(t, WaitFor(ctx, outer))
	assert.True(t, other.Load())
}
