// Package mare implements a heterogeneous task-parallel runtime: a
// reference-counted task/group DAG, a work-stealing scheduler, an
// in-runtime wait/trigger/futex layer, a cancellation engine, and an
// adaptive parallel-for engine.
package mare

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-mare/internal/bitmap"
	"github.com/joeycumines/go-mare/internal/dualqueue"
	"github.com/joeycumines/go-mare/internal/tls"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

// Runtime is the process-wide task-parallel runtime: the worker pool, the
// group lattice directory, and the bit allocator backing group signatures.
// Exactly one Runtime is normally live per process, but nothing in this
// package enforces a singleton; tests in particular construct several.
type Runtime struct {
	opts *runtimeOptions

	taskID atomic.Uint64

	groupBits *bitmap.Allocator
	lattice   *lattice

	workers []*worker

	mainQueue    *dualqueue.Queue[*Task]
	foreignQueue *dualqueue.Queue[*Task]

	mainGoroutine uint64
	gpuQueue      *GpuQueue

	// idleCount tracks currently-parked workers against the max-idle cap:
	// a worker about to park past the cap exits its loop instead, shrinking
	// the pool.
	idleCount atomic.Int64
	maxIdle   int

	ctx        context.Context
	cancelCtx  context.CancelFunc
	shutdownAt atomic.Bool
}

var automaxprocsOnce sync.Once

// defaultWorkerCount returns GOMAXPROCS after correcting it for cgroup CPU
// quotas via automaxprocs, invoked once per process.
func defaultWorkerCount() int {
	automaxprocsOnce.Do(func() {
		_, _ = maxprocs.Set()
	})
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// Init constructs and starts a Runtime: its worker pool, group lattice, and
// bit allocator. Call (*Runtime).Shutdown to stop it.
func Init(opts ...Option) (*Runtime, error) {
	cfg := resolveRuntimeOptions(opts)
	if cfg.logger != nil {
		SetLogger(cfg.logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		opts:          cfg,
		groupBits:     bitmap.NewAllocator(),
		lattice:       newLattice(),
		mainQueue:     dualqueue.New[*Task](),
		foreignQueue:  dualqueue.New[*Task](),
		mainGoroutine: tls.GoroutineID(),
		gpuQueue:      cfg.gpuQueue,
		maxIdle:       cfg.maxIdle,
		ctx:           ctx,
		cancelCtx:     cancel,
	}
	if rt.maxIdle <= 0 || rt.maxIdle > cfg.workers {
		rt.maxIdle = cfg.workers
	}

	rt.workers = make([]*worker, cfg.workers)
	for i := range rt.workers {
		rt.workers[i] = newWorker(rt, i)
	}
	for i, w := range rt.workers {
		w.deal = newDealer(i, len(rt.workers))
	}

	for _, w := range rt.workers {
		go w.loop(ctx)
	}

	defaultRuntime.Store(rt)
	return rt, nil
}

// defaultRuntime is the most recently Init'd Runtime, used by the patterns
// in patterns.go when they are called from a goroutine that is not one of
// a runtime's own workers (so there is no affinity lookup to consult),
// mirroring the package-level swappable default logger (see logging.go).
var defaultRuntime atomic.Pointer[Runtime]

// currentRuntime resolves the Runtime a pattern call should use: the
// runtime owning the calling worker, if called from inside a running task,
// else the most recently initialised Runtime.
func currentRuntime() *Runtime {
	if w, ok := workerRegistry.Self(); ok {
		return w.rt
	}
	return defaultRuntime.Load()
}

// nextTaskID returns a fresh, runtime-unique task identifier.
func (rt *Runtime) nextTaskID() uint64 { return rt.taskID.Add(1) }

func (rt *Runtime) isShuttingDown() bool { return rt.shutdownAt.Load() }

// Shutdown stops accepting new work, wakes every worker so it observes
// ctx.Done and exits its loop, and joins them concurrently, reporting ctx's
// error if it ends the wait first.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	if !rt.shutdownAt.CompareAndSwap(false, true) {
		return nil
	}
	rt.mainQueue.Close()
	rt.foreignQueue.Close()
	rt.cancelCtx()
	for _, w := range rt.workers {
		w.wake()
	}

	eg, egCtx := errgroup.WithContext(ctx)
	for _, w := range rt.workers {
		w := w
		eg.Go(func() error {
			return w.join(egCtx)
		})
	}
	return eg.Wait()
}

// CreateGroup returns a fresh leaf group, optionally named for diagnostics.
// Duplicate names are allowed; the name is a debug label, not an identity.
func (rt *Runtime) CreateGroup(name ...string) *Group {
	var n string
	if len(name) > 0 {
		n = name[0]
	}
	g := newLeafGroup(rt, n)
	rt.lattice.register(g)
	return g
}

// CreateTask constructs a task bound to this runtime. It is not scheduled
// until Launch is called.
func (rt *Runtime) CreateTask(body func(*Context) error, opts ...TaskOption) (*Task, error) {
	if body == nil {
		return nil, ErrNilBody
	}
	cfg := &taskOptions{}
	for _, o := range opts {
		if o != nil {
			o.applyTask(cfg)
		}
	}

	var b taskBody
	switch {
	case cfg.attrs.has(attrGpu):
		if cfg.gpuKernel == nil {
			return nil, fmt.Errorf("%w: WithGpu requires a non-nil kernel", ErrNilBody)
		}
		b = gpuBody{kernel: cfg.gpuKernel}
	case cfg.attrs.has(attrBlocking):
		b = blockingBody{fn: body, cancelHandler: cfg.cancelHandler}
	default:
		b = plainBody{fn: body}
	}

	return newTask(rt, b, cfg.attrs, cfg.name), nil
}

// LaunchFunc is a convenience combining CreateTask and Launch for a
// fire-and-forget body.
func (rt *Runtime) LaunchFunc(body func(*Context) error, groups ...*Group) error {
	t, err := rt.CreateTask(body, taskOptionFunc(func(o *taskOptions) { o.attrs |= attrAnonymous }))
	if err != nil {
		return err
	}
	return t.Launch(groups...)
}

// submit routes a newly-eligible task to a queue: yield-tagged tasks
// always go to the foreign queue (so they cross workers rather than
// re-running hot on the submitter); a task submitted
// from inside a running worker goroutine goes to that worker's own local
// deque (so a task can fan out children cheaply without touching a shared
// queue); the main goroutine (the one that called Init) gets the main
// queue; every other goroutine gets the foreign queue.
func (rt *Runtime) submit(t *Task) {
	if t.attrs.has(attrYield) {
		rt.foreignQueue.Push(t)
		rt.wake()
		return
	}
	if w, ok := workerRegistry.Self(); ok && w.rt == rt {
		w.submitLocal(t)
		return
	}
	if tls.GoroutineID() == rt.mainGoroutine {
		rt.mainQueue.Push(t)
	} else {
		rt.foreignQueue.Push(t)
	}
	rt.wake()
}

// wake notifies every parked worker that new work may be available: any
// worker's steal deck could include the queue that just received a push,
// so a narrower "wake one" policy would risk a missed steal.
func (rt *Runtime) wake() {
	for _, w := range rt.workers {
		w.wake()
	}
}

// hasWork reports whether any queue (main or foreign) currently holds a
// task, used by a parked worker to re-check readiness after a wake.
func (rt *Runtime) hasWork() bool {
	return rt.mainQueue.Len() > 0 || rt.foreignQueue.Len() > 0
}

// NumWorkers returns the number of execution contexts in the pool.
func (rt *Runtime) NumWorkers() int { return len(rt.workers) }
