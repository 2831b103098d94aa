package mare

import (
	"context"
	"fmt"
	"runtime"

	"github.com/joeycumines/go-mare/internal/pfortree"
	"golang.org/x/exp/constraints"
)

// Range is a half-open index range [First, Last).
type Range struct {
	First, Last int
}

func resolvePforOptions(rt *Runtime, opts []PforOption) *pforOptions {
	o := &pforOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPfor(o)
		}
	}
	if o.blockSize <= 0 {
		if rt != nil && rt.opts.pforBlockSize > 0 {
			o.blockSize = rt.opts.pforBlockSize
		} else {
			o.blockSize = 1
		}
	}
	return o
}

// PforEach calls body(i) exactly once for each i in [rng.First, rng.Last),
// distributing the range across the runtime's workers via the adaptive
// work-stealing tree (internal/pfortree). If no runtime can be resolved
// (not called from inside a task, and no runtime has been initialised), it
// runs serially on the calling goroutine.
func PforEach(ctx context.Context, rng Range, body func(i int), opts ...PforOption) error {
	rt := currentRuntime()
	o := resolvePforOptions(rt, opts)
	run := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			body(i)
		}
	}
	tree := pfortree.New(rng.First, rng.Last, o.blockSize)
	return runPfor(ctx, rt, tree, o, run)
}

// Ptransform calls body(i, src[i]) for each index of src and stores the
// result in dst[i], distributing the range the same way PforEach does.
// src and dst must have equal length.
func Ptransform[S, D any](ctx context.Context, src []S, dst []D, body func(i int, s S) D, opts ...PforOption) error {
	if len(src) != len(dst) {
		return fmt.Errorf("mare: Ptransform: len(src)=%d != len(dst)=%d", len(src), len(dst))
	}
	rt := currentRuntime()
	o := resolvePforOptions(rt, opts)
	run := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			dst[i] = body(i, src[i])
		}
	}
	tree := pfortree.New(0, len(src), o.blockSize)
	return runPfor(ctx, rt, tree, o, run)
}

// PscanInclusive computes, in place, the inclusive prefix scan of data under
// combine: data[i] becomes combine(data[i-1]', data[i]) where data[i-1]' is
// the already-scanned predecessor (data[0] is left unchanged). It uses
// Sklansky halving, running each of the O(log n) passes as a PforEach call
// so later passes can still steal across workers.
func PscanInclusive[T any](ctx context.Context, data []T, combine func(a, b T) T, opts ...PforOption) error {
	n := len(data)
	for block := 2; block/2 < n; block *= 2 {
		half := block / 2
		err := PforEach(ctx, Range{First: 0, Last: n}, func(i int) {
			if i%block >= half {
				pivot := (i/block)*block + half - 1
				if pivot < n {
					data[i] = combine(data[pivot], data[i])
				}
			}
		}, opts...)
		if err != nil {
			return err
		}
	}
	return nil
}

// SumInclusive is a convenience wrapper over PscanInclusive for ordered
// numeric types, avoiding a per-call closure allocation for the common
// "running total" scan.
func SumInclusive[T constraints.Integer | constraints.Float](ctx context.Context, data []T, opts ...PforOption) error {
	return PscanInclusive(ctx, data, func(a, b T) T { return a + b }, opts...)
}

// runPfor drives tree across rt's worker pool, launching one task per slot
// (or, with no runtime reachable, running the whole tree serially on the
// calling goroutine). Each task joins an ephemeral group so the caller can
// WaitFor it; the group's cancellation path doubles as the "stop if ctx
// ends first" mechanism.
func runPfor(ctx context.Context, rt *Runtime, tree *pfortree.Tree, o *pforOptions, run func(lo, hi int)) error {
	if rt == nil {
		drainSerially(tree, run)
		return ctx.Err()
	}

	// Nested pfors (a pfor body itself calling PforEach/Ptransform/
	// PscanInclusive) degenerate to serial iteration on the calling worker,
	// unless the caller supplies a group (WithGroup) to collect the nested
	// tasks instead.
	if o.group == nil {
		if w, ok := workerRegistry.Self(); ok && w.inPfor {
			drainSerially(tree, run)
			return ctx.Err()
		}
	}

	slots := o.maxTasks
	if slots <= 0 {
		slots = rt.NumWorkers()
	}
	if slots < 1 {
		slots = 1
	}

	var initial []*pfortree.Node
	if o.preSplit {
		initial = tree.PreSplit(slots)
	} else {
		initial = make([]*pfortree.Node, slots)
		initial[0] = tree.Root()
	}

	g := o.group
	if g == nil {
		// Ephemeral collection group; released afterwards so the leaf-bit
		// allocator can recycle its signature bit (the ceiling on
		// simultaneous leaves would otherwise be hit after a few hundred
		// pattern calls).
		g = rt.CreateGroup()
		defer g.Release()
	}
	for _, n := range initial {
		t, err := rt.CreateTask(func(c *Context) error {
			pforWorkerBody(c, tree, n, run)
			return nil
		}, taskOptionFunc(func(to *taskOptions) { to.attrs |= attrPfor }))
		if err != nil {
			return err
		}
		if err := t.Launch(g); err != nil {
			return err
		}
	}

	err := WaitFor(ctx, g)
	if ctx.Err() != nil {
		Cancel(g)
		return ctx.Err()
	}
	return err
}

// pforWorkerBody runs one pfor worker's share of the tree: its pre-assigned
// initial node (if any), then FindWork until every iteration has run or
// cancellation is requested. tree.Finished, not a nil FindWork, decides
// termination: a steal in flight can hide a subrange from one traversal.
func pforWorkerBody(c *Context, tree *pfortree.Tree, initial *pfortree.Node, run func(lo, hi int)) {
	if w := c.worker; w != nil {
		prev := w.inPfor
		w.inPfor = true
		defer func() { w.inPfor = prev }()
	}
	if initial != nil {
		initial.WorkOn(run)
	}
	for !tree.Finished() {
		c.AbortOnCancel()
		if n := tree.FindWork(); n != nil {
			n.WorkOn(run)
		} else {
			runtime.Gosched()
		}
	}
}

func drainSerially(tree *pfortree.Tree, run func(lo, hi int)) {
	tree.Root().WorkOn(run)
	for !tree.Finished() {
		n := tree.FindWork()
		if n == nil {
			return
		}
		n.WorkOn(run)
	}
}
