// Package digraph implements a mutable directed graph with stable,
// generation-counted node handles.
//
// It is the substrate for graph contraction passes: nodes carry an opaque
// metadata payload, can be removed (contracted away) at any time, and a
// removed node's handle permanently fails the Contains check instead of
// silently aliasing a reused slot. Dereferencing a dead handle is treated as
// a fatal programming error.
//
// The graph does not check for cycles on Link; callers are expected to have
// verified acyclicity before linking.
package digraph

import (
	"container/heap"

	"github.com/gomlx/exceptions"
)

// Handle refers to one node of a Graph. The zero value is invalid.
//
// A Handle stays valid until the node is removed; after that every use of it
// fails Contains, and dereferencing it (Meta, Link, ...) panics.
type Handle struct {
	idx int32
	gen uint32
}

// Ord returns the creation ordinal of the node the handle refers to.
// Ordinals are assigned sequentially by Create and never reused, so they
// provide a stable order for deterministic iteration.
func (h Handle) Ord() int { return int(h.idx) }

type slot[M any] struct {
	gen  uint32
	live bool
	meta M

	// Adjacency in insertion order. Link keeps both lists free of
	// duplicates, and Remove erases every edge of a dying node, so these
	// only ever refer to live slots.
	out []int32
	in  []int32
}

// Graph is a directed graph of arena-allocated nodes. It is not safe for
// concurrent use.
type Graph[M any] struct {
	slots []slot[M]
	alive int
}

// New creates an empty graph.
func New[M any]() *Graph[M] {
	return &Graph[M]{}
}

// Create adds a node carrying meta and returns its handle.
func (g *Graph[M]) Create(meta M) Handle {
	idx := int32(len(g.slots))
	g.slots = append(g.slots, slot[M]{gen: 1, live: true, meta: meta})
	g.alive++
	return Handle{idx: idx, gen: 1}
}

// Len returns the number of live nodes.
func (g *Graph[M]) Len() int { return g.alive }

// Contains reports whether the handle refers to a live node. It is the only
// liveness authority: a handle captured before a contraction must be
// re-validated here before any dereference.
func (g *Graph[M]) Contains(h Handle) bool {
	if h.idx < 0 || int(h.idx) >= len(g.slots) {
		return false
	}
	s := &g.slots[h.idx]
	return s.live && s.gen == h.gen
}

func (g *Graph[M]) at(h Handle, op string) *slot[M] {
	if !g.Contains(h) {
		exceptions.Panicf("digraph: %s on a dead or invalid handle (ord=%d)", op, h.idx)
	}
	return &g.slots[h.idx]
}

// Meta returns the metadata payload of a live node.
func (g *Graph[M]) Meta(h Handle) M {
	return g.at(h, "Meta").meta
}

// SetMeta replaces the metadata payload of a live node.
func (g *Graph[M]) SetMeta(h Handle, meta M) {
	g.at(h, "SetMeta").meta = meta
}

// Linked reports whether the edge a->b exists.
func (g *Graph[M]) Linked(a, b Handle) bool {
	sa := g.at(a, "Linked")
	g.at(b, "Linked")
	for _, t := range sa.out {
		if t == b.idx {
			return true
		}
	}
	return false
}

// Link adds the edge a->b. Self-edges and duplicate edges are programming
// errors. The caller must have verified that the edge keeps the graph
// acyclic.
func (g *Graph[M]) Link(a, b Handle) {
	if a == b {
		exceptions.Panicf("digraph: Link would create a self-edge (ord=%d)", a.idx)
	}
	if g.Linked(a, b) {
		exceptions.Panicf("digraph: Link of an already linked pair (%d->%d)", a.idx, b.idx)
	}
	g.slots[a.idx].out = append(g.slots[a.idx].out, b.idx)
	g.slots[b.idx].in = append(g.slots[b.idx].in, a.idx)
}

// Unlink removes the edge a->b if present.
func (g *Graph[M]) Unlink(a, b Handle) {
	sa := g.at(a, "Unlink")
	sb := g.at(b, "Unlink")
	sa.out = eraseIdx(sa.out, b.idx)
	sb.in = eraseIdx(sb.in, a.idx)
}

func eraseIdx(list []int32, idx int32) []int32 {
	for i, v := range list {
		if v == idx {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Remove deletes a node and every edge touching it. The node's handle
// becomes permanently dead.
func (g *Graph[M]) Remove(h Handle) {
	s := g.at(h, "Remove")
	for _, t := range s.out {
		g.slots[t].in = eraseIdx(g.slots[t].in, h.idx)
	}
	for _, t := range s.in {
		g.slots[t].out = eraseIdx(g.slots[t].out, h.idx)
	}
	s.out = nil
	s.in = nil
	s.live = false
	s.gen++
	var zero M
	s.meta = zero
	g.alive--
}

func (g *Graph[M]) handleOf(idx int32) Handle {
	return Handle{idx: idx, gen: g.slots[idx].gen}
}

// Out returns the successors of a node, in edge insertion order.
func (g *Graph[M]) Out(h Handle) []Handle {
	s := g.at(h, "Out")
	out := make([]Handle, 0, len(s.out))
	for _, t := range s.out {
		out = append(out, g.handleOf(t))
	}
	return out
}

// In returns the predecessors of a node, in edge insertion order.
func (g *Graph[M]) In(h Handle) []Handle {
	s := g.at(h, "In")
	in := make([]Handle, 0, len(s.in))
	for _, t := range s.in {
		in = append(in, g.handleOf(t))
	}
	return in
}

// Sorted returns all live nodes in topological order. Among nodes whose
// predecessors are all emitted, the one with the smallest creation ordinal
// goes first, which makes the order a pure function of the graph shape and
// creation history: identical construction sequences always sort
// identically.
//
// Panics if the graph has a cycle, which can only happen if a Link call
// violated its acyclicity precondition.
func (g *Graph[M]) Sorted() []Handle {
	indeg := make(map[int32]int, g.alive)
	ready := &ordinalHeap{}
	for idx := range g.slots {
		s := &g.slots[idx]
		if !s.live {
			continue
		}
		indeg[int32(idx)] = len(s.in)
		if len(s.in) == 0 {
			heap.Push(ready, int32(idx))
		}
	}

	sorted := make([]Handle, 0, g.alive)
	for ready.Len() > 0 {
		idx := heap.Pop(ready).(int32)
		sorted = append(sorted, g.handleOf(idx))
		for _, t := range g.slots[idx].out {
			indeg[t]--
			if indeg[t] == 0 {
				heap.Push(ready, t)
			}
		}
	}
	if len(sorted) != g.alive {
		exceptions.Panicf("digraph: Sorted found a cycle (%d of %d nodes sorted)", len(sorted), g.alive)
	}
	return sorted
}

// ordinalHeap is a min-heap of slot indices, used by Sorted to pick the
// smallest ready ordinal first.
type ordinalHeap []int32

func (h ordinalHeap) Len() int           { return len(h) }
func (h ordinalHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h ordinalHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ordinalHeap) Push(x any)        { *h = append(*h, x.(int32)) }
func (h *ordinalHeap) Pop() (popped any) {
	old := *h
	n := len(old)
	popped = old[n-1]
	*h = old[:n-1]
	return
}
