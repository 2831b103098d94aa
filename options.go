package mare

// Option configures a Runtime at Init.
type Option interface {
	applyRuntime(*runtimeOptions)
}

type optionFunc func(*runtimeOptions)

func (f optionFunc) applyRuntime(o *runtimeOptions) { f(o) }

type runtimeOptions struct {
	workers       int
	maxIdle       int
	dequeCapacity int
	pforBlockSize int
	logger        *Logger
	gpuQueue      *GpuQueue
}

func resolveRuntimeOptions(opts []Option) *runtimeOptions {
	cfg := &runtimeOptions{
		workers:       defaultWorkerCount(),
		dequeCapacity: 4096,
		pforBlockSize: 1,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyRuntime(cfg)
	}
	return cfg
}

// WithWorkers overrides the worker-goroutine count (default: GOMAXPROCS
// after automaxprocs correction).
func WithWorkers(n int) Option {
	return optionFunc(func(o *runtimeOptions) {
		if n > 0 {
			o.workers = n
		}
	})
}

// WithMaxIdleWorkers caps how many workers may sit parked at once (default:
// the worker count, i.e. the pool never shrinks). A worker that would park
// beyond the cap exits instead, shrinking the pool until the runtime is
// shut down.
func WithMaxIdleWorkers(n int) Option {
	return optionFunc(func(o *runtimeOptions) {
		if n > 0 {
			o.maxIdle = n
		}
	})
}

// WithDequeCapacity overrides each worker's local deque capacity.
func WithDequeCapacity(n int) Option {
	return optionFunc(func(o *runtimeOptions) {
		if n > 0 {
			o.dequeCapacity = n
		}
	})
}

// WithPforBlockSize sets the default pfor block size, used by
// PforEach/Ptransform/PscanInclusive when the caller does not pass a
// PforOption overriding it.
func WithPforBlockSize(n int) Option {
	return optionFunc(func(o *runtimeOptions) {
		if n > 0 {
			o.pforBlockSize = n
		}
	})
}

// WithRuntimeLogger makes Init install l as the package-level logger, the
// same as calling SetLogger(l). The logger is not scoped to this Runtime:
// every Runtime in the process logs through it.
func WithRuntimeLogger(l *Logger) Option {
	return optionFunc(func(o *runtimeOptions) { o.logger = l })
}

// WithGpuQueue installs the GpuQueue used to dispatch GPU-attributed task
// kernels (see WithGpu). If omitted, GPU tasks call their kernel's Enqueue
// method directly, unbatched.
func WithGpuQueue(q *GpuQueue) Option {
	return optionFunc(func(o *runtimeOptions) { o.gpuQueue = q })
}

// TaskOption configures a single task at CreateTask/LaunchFunc.
type TaskOption interface {
	applyTask(*taskOptions)
}

type taskOptionFunc func(*taskOptions)

func (f taskOptionFunc) applyTask(o *taskOptions) { f(o) }

type taskOptions struct {
	name          string
	attrs         taskAttrs
	gpuKernel     GpuKernel
	cancelHandler func()
}

// WithTaskName attaches a debug-only name to the task (duplicate names
// are permitted).
func WithTaskName(name string) TaskOption {
	return taskOptionFunc(func(o *taskOptions) { o.name = name })
}

// WithBlocking marks the task as a blocking task: the body is expected to
// await an external event, and cancelHandler is invoked (at most once) on
// cancellation to break that wait.
func WithBlocking(cancelHandler func()) TaskOption {
	return taskOptionFunc(func(o *taskOptions) {
		o.attrs |= attrBlocking
		o.cancelHandler = cancelHandler
	})
}

// WithGpu marks the task as GPU-attributed and supplies the kernel to
// dispatch through gpu.go's batching stub.
func WithGpu(k GpuKernel) TaskOption {
	return taskOptionFunc(func(o *taskOptions) {
		o.attrs |= attrGpu
		o.gpuKernel = k
	})
}

// WithYield routes the task through the foreign queue rather than the
// submitter's local deque, pushing it toward other workers.
func WithYield() TaskOption {
	return taskOptionFunc(func(o *taskOptions) { o.attrs |= attrYield })
}

// WithNonCancelable exempts the task from cancellation propagation.
func WithNonCancelable() TaskOption {
	return taskOptionFunc(func(o *taskOptions) { o.attrs |= attrNonCancelable })
}

// WithLongRunning hints the scheduler that the task is expected to run for
// an extended period.
func WithLongRunning() TaskOption {
	return taskOptionFunc(func(o *taskOptions) { o.attrs |= attrLongRunning })
}

// PforOption configures a single pfor_each/ptransform/pscan_inclusive call.
type PforOption interface {
	applyPfor(*pforOptions)
}

type pforOptionFunc func(*pforOptions)

func (f pforOptionFunc) applyPfor(o *pforOptions) { f(o) }

type pforOptions struct {
	blockSize int
	maxTasks  int
	preSplit  bool
	group     *Group
}

// WithGroup collects the pattern's worker tasks into g instead of an
// ephemeral internal group. This is also how a nested pfor keeps its
// parallelism: without it, a pfor inside a pfor degenerates to serial
// iteration on the calling worker.
func WithGroup(g *Group) PforOption {
	return pforOptionFunc(func(o *pforOptions) { o.group = g })
}

// WithBlockSize overrides the default pfor_block_size for one call.
func WithBlockSize(n int) PforOption {
	return pforOptionFunc(func(o *pforOptions) {
		if n > 0 {
			o.blockSize = n
		}
	})
}

// WithMaxTasks bounds how many worker slots a pfor call may eagerly
// pre-split across.
func WithMaxTasks(n int) PforOption {
	return pforOptionFunc(func(o *pforOptions) {
		if n > 0 {
			o.maxTasks = n
			o.preSplit = true
		}
	})
}
