// marebench exercises the task runtime end to end: a dependency chain, a
// group fan-out, and an adaptive pfor sweep, reporting throughput and the
// slowest individual tasks.
//
// Run with: go run ./cmd/marebench/
package main

import (
	"container/heap"
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mare "github.com/joeycumines/go-mare"
)

func main() {
	var (
		workers  = flag.Int("workers", 0, "worker count (0 = GOMAXPROCS)")
		fanout   = flag.Int("fanout", 10_000, "tasks in the group fan-out phase")
		chain    = flag.Int("chain", 1_000, "length of the dependency chain phase")
		pforSize = flag.Int("pfor", 1_000_000, "iterations in the pfor phase")
		blk      = flag.Int("blk", 256, "pfor block size")
		topK     = flag.Int("top", 5, "slowest tasks to report")
		verbose  = flag.Bool("v", false, "enable runtime event logging")
	)
	flag.Parse()

	var opts []mare.Option
	if *workers > 0 {
		opts = append(opts, mare.WithWorkers(*workers))
	}
	if *verbose {
		opts = append(opts, mare.WithRuntimeLogger(mare.NewLogger(mare.WithWriter(os.Stderr))))
	}

	rt, err := mare.Init(opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, "marebench:", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "marebench: shutdown:", err)
		}
	}()

	ctx := context.Background()

	fmt.Printf("workers: %d\n\n", rt.NumWorkers())
	runChain(ctx, rt, *chain)
	runFanout(ctx, rt, *fanout, *topK)
	runPfor(ctx, *pforSize, *blk)
}

func runChain(ctx context.Context, rt *mare.Runtime, n int) {
	var ran atomic.Int64
	start := time.Now()

	tasks := make([]*mare.Task, n)
	for i := range tasks {
		t, err := rt.CreateTask(func(*mare.Context) error {
			ran.Add(1)
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "marebench:", err)
			os.Exit(1)
		}
		if i > 0 {
			if err := mare.AddDependency(tasks[i-1], t); err != nil {
				fmt.Fprintln(os.Stderr, "marebench:", err)
				os.Exit(1)
			}
		}
		tasks[i] = t
	}
	for _, t := range tasks {
		if err := t.Launch(); err != nil {
			fmt.Fprintln(os.Stderr, "marebench:", err)
			os.Exit(1)
		}
	}
	if err := mare.WaitFor(ctx, tasks[n-1]); err != nil {
		fmt.Fprintln(os.Stderr, "marebench:", err)
		os.Exit(1)
	}

	fmt.Printf("chain   %8d tasks  %12v  (%d ran)\n", n, time.Since(start), ran.Load())
}

func runFanout(ctx context.Context, rt *mare.Runtime, n, topK int) {
	g := rt.CreateGroup("fanout")
	defer g.Release()

	var (
		mu   sync.Mutex
		slow durationHeap
	)
	start := time.Now()
	for i := 0; i < n; i++ {
		id := i
		err := rt.LaunchFunc(func(*mare.Context) error {
			t0 := time.Now()
			spin(200)
			d := time.Since(t0)
			mu.Lock()
			heap.Push(&slow, taskLatency{id: id, d: d})
			if slow.Len() > topK {
				heap.Pop(&slow)
			}
			mu.Unlock()
			return nil
		}, g)
		if err != nil {
			fmt.Fprintln(os.Stderr, "marebench:", err)
			os.Exit(1)
		}
	}
	if err := mare.WaitFor(ctx, g); err != nil {
		fmt.Fprintln(os.Stderr, "marebench:", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	fmt.Printf("fanout  %8d tasks  %12v  (%.0f tasks/s)\n", n, elapsed, float64(n)/elapsed.Seconds())
	mu.Lock()
	for slow.Len() > 0 {
		tl := heap.Pop(&slow).(taskLatency)
		fmt.Printf("        slow task %6d: %v\n", tl.id, tl.d)
	}
	mu.Unlock()
}

func runPfor(ctx context.Context, n, blk int) {
	cells := make([]atomic.Int32, n)
	start := time.Now()
	err := mare.PforEach(ctx, mare.Range{First: 0, Last: n}, func(i int) {
		cells[i].Add(1)
	}, mare.WithBlockSize(blk))
	elapsed := time.Since(start)
	if err != nil {
		fmt.Fprintln(os.Stderr, "marebench:", err)
		os.Exit(1)
	}

	var sum, bad int
	for i := range cells {
		v := int(cells[i].Load())
		sum += v
		if v != 1 {
			bad++
		}
	}
	fmt.Printf("pfor    %8d iters  %12v  (sum=%d, bad=%d)\n", n, elapsed, sum, bad)
}

// spin burns a bounded amount of CPU so per-task latency is non-trivial.
func spin(iters int) {
	x := 1
	for i := 0; i < iters; i++ {
		x = x*31 + i
	}
	_ = x
}

type taskLatency struct {
	id int
	d  time.Duration
}

// durationHeap is a min-heap on latency: the root is the fastest of the
// kept set, so pushing then popping at capacity retains the top-K slowest.
type durationHeap []taskLatency

func (h durationHeap) Len() int           { return len(h) }
func (h durationHeap) Less(i, j int) bool { return h[i].d < h[j].d }
func (h durationHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *durationHeap) Push(x any)        { *h = append(*h, x.(taskLatency)) }
func (h *durationHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
