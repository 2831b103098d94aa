package mare

import (
	"context"
	"sync"
	"time"

	"github.com/joeycumines/go-microbatch"
)

// GpuKernel is the unit of work a GPU-attributed task enqueues onto a
// GpuQueue. It is only the narrow interface the runtime needs in order to
// drive a task to COMPLETED from a device-side completion callback; it
// carries no device buffer plumbing.
type GpuKernel interface {
	// Enqueue submits the kernel for execution on the given device queue.
	// done must be called exactly once, asynchronously, when the device
	// reports completion (or failure); the GPU task does not return from
	// its body until done is observed.
	Enqueue(q *GpuQueue, done func(error))
}

// GpuQueue batches GPU-attributed task kernels before handing them to a
// device: many small kernel-enqueue requests coalesce into fewer device
// round trips. Each batch is handed to the kernels' own Enqueue method,
// which performs the actual device submission; GpuQueue only controls the
// batching cadence.
type GpuQueue struct {
	batcher *microbatch.Batcher[*gpuJob]
}

type gpuJob struct {
	kernel GpuKernel
	done   func(error)
}

// GpuQueueOption configures NewGpuQueue.
type GpuQueueOption func(*gpuQueueConfig)

type gpuQueueConfig struct {
	maxSize        int
	flushInterval  time.Duration
	maxConcurrency int
}

// WithGpuBatchSize overrides the maximum number of kernels batched into a
// single device dispatch (default 16, matching microbatch's own default).
func WithGpuBatchSize(n int) GpuQueueOption {
	return func(c *gpuQueueConfig) { c.maxSize = n }
}

// WithGpuFlushInterval overrides the maximum latency before an incomplete
// batch is dispatched anyway (default 50ms, matching microbatch.Batcher).
func WithGpuFlushInterval(d time.Duration) GpuQueueOption {
	return func(c *gpuQueueConfig) { c.flushInterval = d }
}

// NewGpuQueue returns a GpuQueue that batches kernel-enqueue requests,
// dispatching each batch by calling every kernel's own Enqueue method
// (the out-of-scope device-submission call) with this queue and its job's
// completion callback.
func NewGpuQueue(opts ...GpuQueueOption) *GpuQueue {
	cfg := gpuQueueConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	q := &GpuQueue{}
	q.batcher = microbatch.NewBatcher[*gpuJob](&microbatch.BatcherConfig{
		MaxSize:        cfg.maxSize,
		FlushInterval:  cfg.flushInterval,
		MaxConcurrency: cfg.maxConcurrency,
	}, func(ctx context.Context, jobs []*gpuJob) error {
		for _, j := range jobs {
			j.kernel.Enqueue(q, j.done)
		}
		return nil
	})
	return q
}

// Enqueue submits kernel for batched dispatch, returning once the batch
// containing it has been accepted (not once the kernel has run).
func (q *GpuQueue) Enqueue(ctx context.Context, kernel GpuKernel, done func(error)) error {
	job := &gpuJob{kernel: kernel, done: done}
	_, err := q.batcher.Submit(ctx, job)
	return err
}

// Close stops accepting further kernels and waits for in-flight batches.
func (q *GpuQueue) Close() error { return q.batcher.Close() }

// runGpuBody executes a GPU-attributed task's body: it enqueues the
// kernel and blocks the worker goroutine until the device-side completion
// callback fires, which is what drives the task to COMPLETED, or until ctx
// is done, in which case it returns ctx.Err().
func runGpuBody(ctx context.Context, q *GpuQueue, kernel GpuKernel) error {
	var (
		once sync.Once
		errc = make(chan error, 1)
	)
	complete := func(err error) {
		once.Do(func() { errc <- err })
	}
	if q != nil {
		if err := q.Enqueue(ctx, kernel, complete); err != nil {
			return err
		}
	} else {
		kernel.Enqueue(nil, complete)
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
