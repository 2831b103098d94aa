package mare

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup_EmptyWaitReturnsImmediately(t *testing.T) {
	rt := newTestRuntime(t)

	g := rt.CreateGroup("empty")
	require.NoError(t, WaitFor(testCtx(t), g))
	assert.True(t, g.IsEmpty())
	assert.Equal(t, "empty", g.Name())
}

func TestGroup_WaitForManyTasks(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	g := rt.CreateGroup()
	const n = 1000
	var ran atomic.Int64
	for i := 0; i < n; i++ {
		require.NoError(t, rt.LaunchFunc(func(*Context) error {
			ran.Add(1)
			return nil
		}, g))
	}

	require.NoError(t, WaitFor(ctx, g))
	assert.Equal(t, int64(n), ran.Load())
	assert.True(t, g.IsEmpty())
}

func TestGroup_ReusableAcrossGenerations(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	g := rt.CreateGroup()
	for round := 0; round < 3; round++ {
		var ran atomic.Int64
		require.NoError(t, rt.LaunchFunc(func(*Context) error {
			ran.Add(1)
			return nil
		}, g))
		require.NoError(t, WaitFor(ctx, g))
		assert.Equal(t, int64(1), ran.Load(), "round %d", round)
	}
}

func TestIntersect_CommutativeSameHandle(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	a := rt.CreateGroup("a")
	b := rt.CreateGroup("b")
	x := Intersect(a, b)
	y := Intersect(b, a)
	require.NotNil(t, x)
	assert.Same(t, x, y, "intersection must be memoized to a single handle")

	var ran atomic.Int64
	require.NoError(t, rt.LaunchFunc(func(*Context) error {
		ran.Add(1)
		return nil
	}, x))

	// A task in the intersection counts against both contributors.
	require.NoError(t, WaitFor(ctx, a))
	require.NoError(t, WaitFor(ctx, b))
	assert.Equal(t, int64(1), ran.Load())
	assert.True(t, x.IsEmpty())
}

func TestIntersect_IdentityAndSubsumption(t *testing.T) {
	rt := newTestRuntime(t)

	a := rt.CreateGroup()
	b := rt.CreateGroup()
	x := Intersect(a, b)

	assert.Same(t, a, Intersect(a, a))
	assert.Same(t, x, Intersect(a, x), "meet absorbs its own contributor")
	assert.Same(t, x, Intersect(x, b))
	assert.Nil(t, Intersect(nil, a))
	assert.Nil(t, Intersect(a, nil))
}

func TestIntersect_ThreeWay(t *testing.T) {
	rt := newTestRuntime(t)

	a := rt.CreateGroup()
	b := rt.CreateGroup()
	c := rt.CreateGroup()
	abc1 := Intersect(Intersect(a, b), c)
	abc2 := Intersect(a, Intersect(b, c))
	assert.Same(t, abc1, abc2, "meet is associative through memoization")
}

func TestGroupCancel_CascadesToMeetMembers(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	a := rt.CreateGroup()
	b := rt.CreateGroup()
	x := Intersect(a, b)

	started := make(chan struct{})
	release := make(chan struct{})
	var aborted atomic.Bool
	task, err := rt.CreateTask(func(c *Context) error {
		close(started)
		<-release
		aborted.Store(true)
		c.AbortOnCancel()
		aborted.Store(false)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, task.Launch(x))

	<-started
	// Cancelling a contributor cancels the meet's members.
	Cancel(a)
	close(release)

	err = WaitFor(ctx, task)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.True(t, task.IsCanceled())
	assert.True(t, aborted.Load(), "body must have unwound at AbortOnCancel")
}

func TestGroupCancel_UnstartedMembersNeverRun(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	g := rt.CreateGroup()
	gate := make(chan struct{})
	var ran atomic.Int64

	// One running task holds a worker hostage so queued siblings stay
	// pending; canceling the group must doom them before they start.
	blocker, err := rt.CreateTask(func(c *Context) error {
		<-gate
		c.AbortOnCancel()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, blocker.Launch(g))

	var pending []*Task
	for i := 0; i < 8; i++ {
		p, err := rt.CreateTask(func(*Context) error {
			ran.Add(1)
			return nil
		})
		require.NoError(t, err)
		require.NoError(t, AddDependency(blocker, p))
		require.NoError(t, p.Launch(g))
		pending = append(pending, p)
	}

	Cancel(g)
	close(gate)

	err = WaitFor(ctx, g)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Zero(t, ran.Load(), "canceled group members must not run")
	for _, p := range pending {
		assert.True(t, p.IsCanceled())
	}
}

func TestGroup_JoinGroupReplacesWithIntersection(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	a := rt.CreateGroup()
	b := rt.CreateGroup()

	task, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, task.JoinGroup(a))
	require.NoError(t, task.JoinGroup(b))
	require.NoError(t, task.Launch())

	// Membership folded to Intersect(a, b): both contributors observe it.
	require.NoError(t, WaitFor(ctx, a))
	require.NoError(t, WaitFor(ctx, b))
	require.NoError(t, WaitFor(ctx, task))
	assert.True(t, task.IsCompleted())
}

func TestGroup_JoinAfterLaunchFails(t *testing.T) {
	rt := newTestRuntime(t)

	g := rt.CreateGroup()
	task, err := rt.CreateTask(func(*Context) error { return nil })
	require.NoError(t, err)
	require.NoError(t, task.Launch())
	assert.ErrorIs(t, task.JoinGroup(g), ErrAlreadyLaunched)
	require.NoError(t, WaitFor(testCtx(t), task))
}

func TestGroup_ReleaseRecyclesLeafBit(t *testing.T) {
	rt := newTestRuntime(t)

	// Far more groups than the signature ceiling, serially: Release must
	// recycle bits or CreateGroup would panic.
	for i := 0; i < 1000; i++ {
		g := rt.CreateGroup()
		g.Release()
	}
}

func TestGroup_ConcurrentLaunchAndWait(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := testCtx(t)

	g := rt.CreateGroup()
	var ran atomic.Int64
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				assert.NoError(t, rt.LaunchFunc(func(*Context) error {
					ran.Add(1)
					return nil
				}, g))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, WaitFor(ctx, g))
	assert.Equal(t, int64(800), ran.Load())
	assert.True(t, g.IsEmpty())
}
