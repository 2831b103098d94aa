// Package pfortree implements the adaptive work-stealing binary tree that
// backs the pfor engine: a binary tree of contiguous iteration ranges whose
// claim/steal protocol balances work across workers without a central
// scheduler decision.
package pfortree

import (
	"math/bits"
	"sync/atomic"
)

// Sentinel progress values, outside the valid [first,last) range of any
// node (first/last are always >= 0 in the index ranges this package is used
// for).
const (
	unclaimed int64 = -1
	stolen    int64 = -2
)

// Node is one [first,last) contiguous range of an adaptive-pfor tree.
// first/last/blk are immutable once constructed; progress and the child
// pointers are the only mutable (atomic) state.
type Node struct {
	first, last int
	blk         int

	// progress is UNCLAIMED (no owner has started yet), STOLEN (a thief
	// has split this node and it is no longer directly workable), or a
	// cursor value in [first,last] marking the first index no worker has
	// committed to yet. A block is committed (progress advanced past it)
	// before it is executed, so a steal of the remainder can never overlap
	// a block already in flight.
	progress atomic.Int64

	left, right atomic.Pointer[Node]

	// leftVisits/rightVisits bias FindWork away from subtrees recently
	// explored by other thieves: later thieves prefer the subtree with
	// fewer prior visits, diverging from earlier ones.
	leftVisits, rightVisits atomic.Int64

	done atomic.Bool

	// rem points at the owning tree's remaining-iterations counter, the
	// authoritative completion signal: a transient nil from FindWork (a
	// steal in flight can hide a subrange for a moment) is not proof the
	// tree is exhausted, but rem reaching zero is.
	rem *atomic.Int64
}

// newOwned returns a node whose range is already claimed by its creator
// (used for the tree root, and for a stealer's half of a split).
func newOwned(first, last, blk int, rem *atomic.Int64) *Node {
	n := &Node{first: first, last: last, blk: blk, rem: rem}
	n.progress.Store(int64(first))
	return n
}

// newUnclaimed returns a node nobody has started working on yet (used for
// the non-stealer half of a split, and for pre-split leaves).
func newUnclaimed(first, last, blk int, rem *atomic.Int64) *Node {
	n := &Node{first: first, last: last, blk: blk, rem: rem}
	n.progress.Store(unclaimed)
	return n
}

// Range returns the node's half-open iteration range.
func (n *Node) Range() (first, last int) { return n.first, n.last }

// TryOwn attempts the UNCLAIMED -> first transition exactly once. Returns
// true if this call performed the transition.
func (n *Node) TryOwn() bool {
	return n.progress.CompareAndSwap(unclaimed, int64(n.first))
}

// Done reports whether the node's range has been fully processed (the
// owner committed the final block without being stolen from).
func (n *Node) Done() bool { return n.done.Load() }

// WorkOn runs fn a block at a time over the node's remaining range. Each
// block is committed (progress CASed forward) before fn runs, so a
// concurrent TryStealSplit, which takes everything from the observed
// progress cursor onward, can never hand an in-flight block to a thief.
// WorkOn returns when the range is exhausted or a steal is observed.
func (n *Node) WorkOn(fn func(lo, hi int)) {
	for {
		p := n.progress.Load()
		if p == unclaimed {
			if !n.TryOwn() {
				continue
			}
			p = int64(n.first)
		}
		if p < 0 {
			// Stolen out from under the owner; the remainder now lives
			// in the children.
			return
		}
		if p >= int64(n.last) {
			n.done.Store(true)
			return
		}
		hi := p + int64(n.blk)
		if hi > int64(n.last) {
			hi = int64(n.last)
		}
		if !n.progress.CompareAndSwap(p, hi) {
			continue
		}
		fn(int(p), int(hi))
		n.rem.Add(p - hi)
	}
}

// TryStealSplit attempts to steal the uncommitted remainder of n. On
// success it splits the remainder in half, publishes both halves as n's
// children, and returns them: left is unclaimed (available to the next
// find_work descent, including the displaced owner's), right is
// pre-claimed by the caller (the stealer). Fails if the node is already
// stolen, exhausted, or has no uncommitted work left.
func (n *Node) TryStealSplit() (left, right *Node, ok bool) {
	for {
		p := n.progress.Load()
		if p < 0 || p >= int64(n.last) {
			return nil, nil, false
		}
		if !n.progress.CompareAndSwap(p, stolen) {
			continue
		}
		remFirst, remLast := int(p), n.last
		mid := remFirst + (remLast-remFirst)/2
		if mid <= remFirst {
			mid = remFirst + 1
		}
		left = newUnclaimed(remFirst, mid, n.blk, n.rem)
		right = newOwned(mid, remLast, n.blk, n.rem)
		n.left.Store(left)
		n.right.Store(right)
		return left, right, true
	}
}

// Tree is an adaptive pfor tree over [first,last) with block size blk.
type Tree struct {
	root *Node
	blk  int
	rem  atomic.Int64
}

// New builds a tree over [first,last) with the given block size. The
// returned root is already owned by the caller (the worker that runs the
// first block); commitment to each block happens inside WorkOn's CAS
// before the block executes.
func New(first, last, blk int) *Tree {
	if blk < 1 {
		blk = 1
	}
	if last < first {
		last = first
	}
	t := &Tree{blk: blk}
	t.rem.Store(int64(last - first))
	t.root = newOwned(first, last, blk, &t.rem)
	return t
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.root }

// Finished reports whether every iteration in the tree's range has been
// executed. This, not a nil FindWork, is the authoritative termination
// signal for a worker draining the tree.
func (t *Tree) Finished() bool { return t.rem.Load() <= 0 }

// PreSplit eagerly builds the first ceil(log2(maxTasks)) levels of the
// tree and returns the resulting leaves, one per worker slot (up to
// maxTasks). It must run before any worker touches the tree: interior
// nodes are marked stolen and every returned leaf is unclaimed, so WorkOn
// claims a leaf on first contact and leaves beyond the worker count remain
// discoverable via FindWork.
func (t *Tree) PreSplit(maxTasks int) []*Node {
	if maxTasks <= 1 {
		return []*Node{t.root}
	}
	levels := bits.Len(uint(maxTasks - 1))
	frontier := []*Node{t.root}
	for l := 0; l < levels; l++ {
		var next []*Node
		for _, n := range frontier {
			if n.last-n.first < 2 {
				next = append(next, n)
				continue
			}
			mid := n.first + (n.last-n.first)/2
			left := newUnclaimed(n.first, mid, n.blk, n.rem)
			right := newUnclaimed(mid, n.last, n.blk, n.rem)
			n.progress.Store(stolen)
			n.left.Store(left)
			n.right.Store(right)
			next = append(next, left, right)
		}
		frontier = next
	}
	if len(frontier) > maxTasks {
		frontier = frontier[:maxTasks]
	}
	return frontier
}

// FindWork descends the tree biased by per-child visit counters, looking
// for a node to claim or steal from. It returns nil if no work was found,
// which is not proof the whole tree is exhausted: a concurrent steal may
// publish new leaves at any moment, so callers poll until their own
// completion condition holds.
func (t *Tree) FindWork() *Node {
	return findWork(t.root)
}

func findWork(n *Node) *Node {
	for {
		if n == nil {
			return nil
		}
		if n.progress.Load() == unclaimed {
			if n.TryOwn() {
				return n
			}
			continue
		}
		left := n.left.Load()
		right := n.right.Load()
		if left == nil && right == nil {
			if n.done.Load() {
				return nil
			}
			if _, r, ok := n.TryStealSplit(); ok {
				// The stealer takes the right half immediately; the left
				// half stays unclaimed for the next find_work descent.
				return r
			}
			return nil
		}
		if n.leftVisits.Load() <= n.rightVisits.Load() {
			n.leftVisits.Add(1)
			if found := findWork(left); found != nil {
				return found
			}
			n = right
		} else {
			n.rightVisits.Add(1)
			if found := findWork(right); found != nil {
				return found
			}
			n = left
		}
	}
}
