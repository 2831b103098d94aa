package mare

import (
	"sync"
	"weak"

	"github.com/joeycumines/go-mare/internal/bitmap"
)

// Group is a named or anonymous set of tasks. Groups form a lattice
// ordered by signature subset: a leaf group owns a single allocated bit,
// and a "meet" group (the lazily-materialized intersection of two other
// groups) carries the union of its operands' signatures, which is
// precisely the superset relation a descendant in the lattice satisfies.
type Group struct {
	rt   *Runtime
	name string
	sig  bitmap.Signature

	// leafBit is the allocated bit for a leaf group, or -1 for a meet
	// group (which owns no bit of its own).
	leafBit int

	mu        sync.Mutex
	members   []weak.Pointer[Task]
	taskCount int
	canceled  bool
	waitDone  *trigger
	released  bool
}

func newLeafGroup(rt *Runtime, name string) *Group {
	bit, ok := rt.groupBits.Alloc()
	if !ok {
		panic("mare: group signature bit ceiling exceeded")
	}
	return &Group{
		rt:      rt,
		name:    name,
		sig:     bitmap.Signature{}.Set(bit),
		leafBit: bit,
	}
}

func newMeetGroup(rt *Runtime, sig bitmap.Signature) *Group {
	return &Group{rt: rt, sig: sig, leafBit: -1}
}

// Name returns the group's optional debug name.
func (g *Group) Name() string { return g.name }

// Tasks returns the number of live tasks counted against this group,
// including tasks launched into any lattice descendant (meet) of it.
func (g *Group) Tasks() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.taskCount
}

// IsEmpty reports whether no live task currently counts against this group.
func (g *Group) IsEmpty() bool { return g.Tasks() == 0 }

// Intersect returns the group representing exactly the tasks that belong to
// both a and b, materializing it (and memoizing it in the runtime's lattice
// directory) if it does not already exist. Intersect is commutative and
// idempotent: Intersect(a, b) and Intersect(b, a) return the same *Group,
// and Intersect(a, a) returns a. Intersecting with nil returns nil.
func Intersect(a, b *Group) *Group {
	if a == nil || b == nil {
		return nil
	}
	if a == b {
		return a
	}
	sig := a.sig.Union(b.sig)
	if sig.Equal(a.sig) {
		return a
	}
	if sig.Equal(b.sig) {
		return b
	}
	return a.rt.lattice.meet(a.rt, sig)
}

// withAncestors resolves the set of groups a task joining g must be counted
// against: g itself plus every registered lattice ancestor (every group
// whose signature is a subset of g's). A task in a meet group belongs to
// all of the meet's contributors, so its membership has to be visible to
// each of them: counting each task directly against every ancestor on join
// makes an ancestor's counter the sum over its live descendants.
func (g *Group) withAncestors() []*Group {
	return g.rt.lattice.ancestorsOf(g.sig)
}

// join registers t as a member of g, incrementing its live-task counter.
// A group whose empty-trigger has already fired gets a fresh trigger on the
// 0 -> 1 transition, so a later WaitFor observes the new generation of
// members rather than returning against the stale "was empty once" signal.
func (g *Group) join(t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, weak.Make(t))
	g.taskCount++
	if g.taskCount == 1 && g.waitDone != nil && g.waitDone.Fired() {
		g.waitDone = nil
	}
}

// leave is invoked once per counted membership as a task finishes,
// decrementing the counter and firing the group's wait trigger (if
// installed) once the count reaches zero.
func (g *Group) leave() {
	g.mu.Lock()
	g.taskCount--
	empty := g.taskCount <= 0
	trig := g.waitDone
	g.mu.Unlock()
	if empty && trig != nil {
		trig.Fire()
	}
}

// emptyTrigger returns (creating if necessary) the trigger fired when the
// group's task count reaches zero, installed idempotently under the group
// mutex. A trigger installed on an already-empty group fires immediately.
func (g *Group) emptyTrigger() *trigger {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.waitDone == nil {
		g.waitDone = newTrigger()
		if g.taskCount <= 0 {
			g.waitDone.Fire()
		}
	}
	return g.waitDone
}

// isCanceled reports whether cancellation has been requested on this group
// (directly, or cascaded from an ancestor in the lattice).
func (g *Group) isCanceled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canceled
}

// cancelMembers marks g canceled and requests cancellation on every
// currently-live member task.
func (g *Group) cancelMembers() {
	g.mu.Lock()
	if g.canceled {
		g.mu.Unlock()
		return
	}
	g.canceled = true
	members := g.members
	g.mu.Unlock()

	logGroupCanceled(g)
	for _, wp := range members {
		if t := wp.Value(); t != nil {
			cancelTask(t)
		}
	}
}

// Release removes the group from the lattice directory and, for a leaf,
// returns its signature bit to the allocator for reuse. Releasing a group
// that still has live tasks, or intersections derived from it, is a
// programmer error; the runtime does not defend against it.
func (g *Group) Release() {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return
	}
	g.released = true
	g.mu.Unlock()

	g.rt.lattice.remove(g)
	if g.leafBit >= 0 {
		g.rt.groupBits.Free(g.leafBit)
	}
}

// lattice is the runtime-wide directory of groups: every leaf, plus every
// materialized meet. It memoizes Intersect by signature and answers the
// subset queries the counter-propagation and cancellation cascades need.
// A single mutex protects the whole structure.
type lattice struct {
	mu    sync.Mutex
	bySig map[bitmap.Signature]*Group
	all   []*Group
}

func newLattice() *lattice {
	return &lattice{bySig: make(map[bitmap.Signature]*Group)}
}

func (l *lattice) register(g *Group) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bySig[g.sig] = g
	l.all = append(l.all, g)
}

func (l *lattice) remove(g *Group) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bySig, g.sig)
	for i, cur := range l.all {
		if cur == g {
			l.all = append(l.all[:i], l.all[i+1:]...)
			break
		}
	}
}

// meet returns the unique group with the given signature, creating and
// registering it if no group has materialized it yet. Uniqueness per
// signature is what makes Intersect commutative and idempotent across
// handles.
func (l *lattice) meet(rt *Runtime, sig bitmap.Signature) *Group {
	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok := l.bySig[sig]; ok {
		return g
	}
	g := newMeetGroup(rt, sig)
	l.bySig[sig] = g
	l.all = append(l.all, g)
	return g
}

// ancestorsOf returns every registered group whose signature is a subset
// of sig: the group owning sig itself plus all of its lattice ancestors.
func (l *lattice) ancestorsOf(sig bitmap.Signature) []*Group {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Group
	for _, g := range l.all {
		if g.sig.Subset(sig) {
			out = append(out, g)
		}
	}
	return out
}

// descendants returns every registered group whose signature is a superset
// of sig (i.e. every lattice descendant of the group owning sig, itself
// included), used to cascade cancellation from an ancestor down to every
// meet group derived from it.
func (l *lattice) descendants(sig bitmap.Signature) []*Group {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Group
	for _, g := range l.all {
		if sig.Subset(g.sig) {
			out = append(out, g)
		}
	}
	return out
}
