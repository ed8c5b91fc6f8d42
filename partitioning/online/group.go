package online

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"

	"github.com/smirnov-alexey/openvino/model"
	"github.com/smirnov-alexey/openvino/pkg/support/digraph"
	"github.com/smirnov-alexey/openvino/types"
)

// Group is the contraction unit of the partitioner: one or more original
// operations treated as a single partition. Groups start 1:1 with operations
// and merge monotonically; a merged-away group's handle becomes permanently
// dead in the contraction graph.
type Group struct {
	id   int
	nh   digraph.Handle
	snap *Snapshot

	// content in insertion order; it only ever grows via fuse.
	content    []*model.Op
	contentSet types.Set[*model.Op]

	frozen bool
	noFold bool

	avoided types.Set[string]
	isolTag string

	rep RepeatedID
	// reptrack records, per operation, the sequence of repeated tags the
	// operation's group was assigned while blocks were grown. Corresponding
	// operations of different block instances accumulate identical tracks,
	// which is what lets archetypes align across instances.
	reptrack map[*model.Op][]RepeatedID
}

func newGroup(op *model.Op, id int, nh digraph.Handle, snap *Snapshot) *Group {
	return &Group{
		id:         id,
		nh:         nh,
		snap:       snap,
		content:    []*model.Op{op},
		contentSet: types.SetWith(op),
		avoided:    types.MakeSet[string](),
		rep:        NoRepeated,
		reptrack:   map[*model.Op][]RepeatedID{op: nil},
	}
}

// ID returns the creation-order id of the group. It is the final tiebreaker
// of every comparator in the pipeline.
func (g *Group) ID() int { return g.id }

// Handle returns the group's node in the contraction graph.
func (g *Group) Handle() digraph.Handle { return g.nh }

// Size returns the number of original operations in the group.
func (g *Group) Size() int { return len(g.content) }

// Content returns the group's operations in insertion order.
func (g *Group) Content() []*model.Op { return g.content }

// InitialOp returns the operation the group was created for. Only
// meaningful while the group is still a single operation.
func (g *Group) InitialOp() *model.Op { return g.content[0] }

// Contains reports whether the operation belongs to this group.
func (g *Group) Contains(op *model.Op) bool { return g.contentSet.Has(op) }

func (g *Group) String() string {
	return fmt.Sprintf("group #%d (%d ops)", g.id, len(g.content))
}

// checkLive panics if the group was already merged away. Every pass must
// re-validate a cached handle with Graph.Contains before dereferencing; this
// is the backstop for the ones that don't.
func (g *Group) checkLive(op string) {
	if !g.snap.graph.Contains(g.nh) {
		exceptions.Panicf("online: %s on group #%d which was already merged away", op, g.id)
	}
}

// SrcNodes returns the handles of the live producer groups, deduplicated.
func (g *Group) SrcNodes() []digraph.Handle {
	g.checkLive("SrcNodes")
	return g.snap.graph.In(g.nh)
}

// DstNodes returns the handles of the live consumer groups, deduplicated.
func (g *Group) DstNodes() []digraph.Handle {
	g.checkLive("DstNodes")
	return g.snap.graph.Out(g.nh)
}

// IsFrozen reports whether the group is locked against all further fusion.
func (g *Group) IsFrozen() bool { return g.frozen }

// Freeze locks the group against all further fusion.
func (g *Group) Freeze() { g.frozen = true }

// IsNoFold reports whether the group is excluded from artifact folding.
func (g *Group) IsNoFold() bool { return g.noFold }

// NoFold permanently excludes the group from artifact folding.
func (g *Group) NoFold() { g.noFold = true }

// Avoid adds a device to the group's avoided-target set.
func (g *Group) Avoid(device string) { g.avoided.Insert(device) }

// AvoidedTargets returns the devices this group must not be compiled for.
func (g *Group) AvoidedTargets() types.Set[string] { return g.avoided }

// avoidedKey is the canonical form of the avoided set, for bucketing.
func (g *Group) avoidedKey() string {
	return strings.Join(types.Sorted(g.avoided), ",")
}

// Isolate tags the group so it clusters only with equally-tagged groups.
func (g *Group) Isolate(tag string) { g.isolTag = tag }

// IsolatedTag returns the group's isolate tag, or "".
func (g *Group) IsolatedTag() string { return g.isolTag }

// Repeated returns the group's repeated tag, or NoRepeated.
func (g *Group) Repeated() RepeatedID { return g.rep }

// SetRepeated associates the group with a repeated tag. A valid tag is also
// appended to every content operation's reptrack; clearing with NoRepeated
// leaves the tracks untouched.
func (g *Group) SetRepeated(id RepeatedID) {
	g.rep = id
	if !id.Valid() {
		return
	}
	for _, op := range g.content {
		g.reptrack[op] = append(g.reptrack[op], id)
	}
}

// Reptrack returns the sequence of repeated tags recorded for an operation
// of this group.
func (g *Group) Reptrack(op *model.Op) []RepeatedID {
	if !g.contentSet.Has(op) {
		exceptions.Panicf("online: Reptrack for %s which is not in group #%d", op, g.id)
	}
	return g.reptrack[op]
}

// Archetype is the canonical identity of an operation's role inside a
// repeated block: its structural descriptor plus its reptrack.
type Archetype struct {
	Descriptor string
	Reptrack   string
}

func (g *Group) archetype(op *model.Op) Archetype {
	track := g.reptrack[op]
	parts := make([]string, len(track))
	for i, id := range track {
		parts[i] = strconv.Itoa(int(id))
	}
	return Archetype{Descriptor: op.Descriptor(), Reptrack: strings.Join(parts, ".")}
}

// HasCycle reports whether fusing g with other would create a cycle: true
// iff the two groups are connected by a path through at least one
// intermediate live group. It must be consulted before every fuse.
func (g *Group) HasCycle(other *Group) bool {
	g.checkLive("HasCycle")
	other.checkLive("HasCycle")
	return g.snap.reachesViaIntermediate(g.nh, other.nh) ||
		g.snap.reachesViaIntermediate(other.nh, g.nh)
}

// Fuse contracts the producer group into g: g survives, prod's handle dies.
func (g *Group) Fuse(prod *Group) {
	g.merge(prod, true)
}

// FuseWith contracts the consumer group into g: g survives, cons's handle
// dies.
func (g *Group) FuseWith(cons *Group) {
	g.merge(cons, false)
}

// FuseInputs contracts two sibling producers of g together (not into g) to
// reduce g's fan-in. The pair must have no mutual cycle; a survives.
func (g *Group) FuseInputs(a, b *Group) {
	g.checkLive("FuseInputs")
	a.merge(b, false)
}

// merge contracts dead into g. deadFirst places dead's content before g's
// own (the producer direction), keeping content roughly topological.
func (g *Group) merge(dead *Group, deadFirst bool) {
	g.checkLive("merge")
	dead.checkLive("merge")
	if g == dead {
		exceptions.Panicf("online: group #%d fused with itself", g.id)
	}
	if g.frozen || dead.frozen {
		exceptions.Panicf("online: fuse of a frozen group (#%d with #%d)", g.id, dead.id)
	}
	if g.isolTag != "" && dead.isolTag != "" && g.isolTag != dead.isolTag {
		exceptions.Panicf("online: fuse across isolate tags %q and %q (#%d with #%d)",
			g.isolTag, dead.isolTag, g.id, dead.id)
	}
	if g.HasCycle(dead) {
		exceptions.Panicf("online: fuse of #%d with #%d would create a cycle", g.id, dead.id)
	}

	if deadFirst {
		g.content = append(append(make([]*model.Op, 0, len(dead.content)+len(g.content)),
			dead.content...), g.content...)
	} else {
		g.content = append(g.content, dead.content...)
	}
	for _, op := range dead.content {
		g.contentSet.Insert(op)
		g.reptrack[op] = dead.reptrack[op]
		g.snap.nodeToGroup[op] = g
	}
	g.avoided.Union(dead.avoided)
	if g.isolTag == "" {
		g.isolTag = dead.isolTag
	}

	// Transfer edges, then retire the contracted node. Edge uniqueness per
	// pair is kept by the Linked checks.
	graph := g.snap.graph
	for _, p := range graph.In(dead.nh) {
		if p != g.nh && !graph.Linked(p, g.nh) {
			graph.Link(p, g.nh)
		}
	}
	for _, c := range graph.Out(dead.nh) {
		if c != g.nh && !graph.Linked(g.nh, c) {
			graph.Link(g.nh, c)
		}
	}
	graph.Remove(dead.nh)
}

// MetaInterconnect describes one original edge between a producer group and
// a consumer group: the endpoint descriptors and ports. It is used purely as
// an equality/sort key when matching candidate merges, never as identity.
type MetaInterconnect struct {
	ProdDesc string
	ConsDesc string
	OutPort  int
	InPort   int
}

func (m MetaInterconnect) key() string {
	return fmt.Sprintf("%s>%s@%d:%d", m.ProdDesc, m.ConsDesc, m.OutPort, m.InPort)
}

// MetaInterconnect computes the set of interconnect descriptors between the
// producer group prod and the consumer group g, one entry per original edge
// crossing the boundary.
func (g *Group) MetaInterconnect(prod *Group) []MetaInterconnect {
	var mics []MetaInterconnect
	for _, cons := range g.content {
		for inPort, src := range cons.Inputs() {
			if prod.contentSet.Has(src.Op) {
				mics = append(mics, MetaInterconnect{
					ProdDesc: src.Op.Descriptor(),
					ConsDesc: cons.Descriptor(),
					OutPort:  src.Port,
					InPort:   inPort,
				})
			}
		}
	}
	return mics
}

// micKey returns the canonical (sorted) form of an interconnect set, usable
// as a map key for candidate bucketing.
func micKey(mics []MetaInterconnect) string {
	keys := make([]string, len(mics))
	for i, m := range mics {
		keys[i] = m.key()
	}
	// Sorting makes the key independent of edge enumeration order.
	slices.Sort(keys)
	return strings.Join(keys, ";")
}

// InputLayers returns, in content order, the names of operations reading at
// least one value produced outside the group (including graph inputs).
func (g *Group) InputLayers() []string {
	var names []string
	for _, op := range g.content {
		if len(op.Inputs()) == 0 {
			names = append(names, op.Name())
			continue
		}
		for _, src := range op.Inputs() {
			if !g.contentSet.Has(src.Op) {
				names = append(names, op.Name())
				break
			}
		}
	}
	return names
}

// OutputLayers returns, in content order, the names of operations whose
// value is consumed outside the group (including graph outputs).
func (g *Group) OutputLayers() []string {
	var names []string
	for _, op := range g.content {
		consumers := g.snap.consumers[op]
		if len(consumers) == 0 {
			names = append(names, op.Name())
			continue
		}
		for _, cons := range consumers {
			if !g.contentSet.Has(cons) {
				names = append(names, op.Name())
				break
			}
		}
	}
	return names
}
