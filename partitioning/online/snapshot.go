// Package online implements compile-time partitioning of a dataflow graph
// into coarse-grained groups, and discovery of repeated blocks: maximal sets
// of structurally identical groups that can share one compiled artifact
// (e.g. identical transformer layers).
//
// The engine is single-threaded and deterministic: identical input graph and
// configuration produce byte-identical partitions and repeated-block ids.
// Invariant violations (cycle creation, cardinality mismatches, mutation of
// frozen groups, dead-handle dereference) abort the whole run with a panic;
// callers must treat that as "partitioning failed".
package online

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/smirnov-alexey/openvino/model"
	"github.com/smirnov-alexey/openvino/pkg/support/digraph"
	"github.com/smirnov-alexey/openvino/types"
)

// NodePair keys the ports map: one original producer->consumer edge.
type NodePair struct {
	Producer *model.Op
	Consumer *model.Op
}

// PortPair records which output port feeds which input port for a NodePair.
// When the same pair is connected more than once, the first edge found wins.
type PortPair struct {
	Out int
	In  int
}

// Pipeline selects which pass sequence Run executes.
type Pipeline int

const (
	// PipelineNone only builds the initial one-group-per-op graph.
	PipelineNone Pipeline = iota
	// PipelineInit additionally applies the avoid rules.
	PipelineInit
	// PipelineJust runs the plain linear contraction passes.
	PipelineJust
	// PipelineRep runs repeated-block folding, then contracts whatever is
	// left over. This is the default.
	PipelineRep
	// PipelineCompute is PipelineRep with a built-in set of isolate and
	// no-fold rules for the common compute patterns, so the recognized
	// blocks survive as standalone groups.
	PipelineCompute
)

// computeIsolates and computeNoFolds are the rules PipelineCompute prepends
// to the user-supplied ones.
var computeIsolates = []IsolateRule{
	{Kind: RulePattern, Pattern: "RMSNorm", Tag: "compute"},
	{Kind: RulePattern, Pattern: "SwishMultXMM", Tag: "compute"},
	{Kind: RuleOp, Pattern: "Select", Tag: "compute2"},
}

var computeNoFolds = []string{"compute", "compute2"}

// Snapshot owns the contraction graph and the group index, and drives the
// pass pipeline over them. It has exclusive ownership of all graph and group
// state for the duration of the run; no concurrent mutation is permitted.
type Snapshot struct {
	model *model.Graph
	graph *digraph.Graph[*Group]
	ctx   PassContext

	nodeToGroup map[*model.Op]*Group
	// producers/consumers index the original (pre-contraction) edges, in
	// deterministic port/creation order, deduplicated.
	producers map[*model.Op][]*model.Op
	consumers map[*model.Op][]*model.Op
	ports     map[NodePair]PortPair

	reps    repeatedArena
	matches map[string][]types.Set[string]
}

// NewSnapshot creates a Snapshot over the given dataflow graph. Call Run (or
// the individual passes) afterwards.
func NewSnapshot(m *model.Graph, ctx PassContext) *Snapshot {
	return &Snapshot{
		model:       m,
		graph:       digraph.New[*Group](),
		ctx:         ctx,
		nodeToGroup: make(map[*model.Op]*Group, m.NumOps()),
		producers:   make(map[*model.Op][]*model.Op, m.NumOps()),
		consumers:   make(map[*model.Op][]*model.Op, m.NumOps()),
		ports:       make(map[NodePair]PortPair),
		matches:     make(map[string][]types.Set[string]),
	}
}

// isOp reports whether the operation takes part in partitioning. Constants,
// parameters and results stay outside the groups; a Convert directly after a
// constant is treated as part of the constant.
func isOp(op *model.Op) bool {
	switch op.Kind() {
	case "Constant", "Parameter", "Result":
		return false
	case "Convert":
		if len(op.Inputs()) == 1 && op.Inputs()[0].Op.Kind() == "Constant" {
			return false
		}
	}
	return true
}

// Run executes the selected pipeline to completion.
func (s *Snapshot) Run(p Pipeline) {
	s.BuildGraph()
	if p == PipelineNone {
		return
	}
	s.EarlyAvoids()
	switch p {
	case PipelineInit:
	case PipelineJust:
		s.CollectLHF()
		s.FuseRemnantsExtended()
	case PipelineRep:
		s.EarlyRegroup()
		s.RepeatedBlocks()
		s.FuseRemnantsExtended()
	case PipelineCompute:
		s.ctx.Isolates = append(append([]IsolateRule{}, computeIsolates...), s.ctx.Isolates...)
		s.ctx.NoFolds = append(append([]string{}, computeNoFolds...), s.ctx.NoFolds...)
		s.EarlyRegroup()
		s.RepeatedBlocks()
		s.FuseRemnantsExtended()
	default:
		exceptions.Panicf("online: unknown pipeline %d", p)
	}
}

// BuildGraph creates one group per partitionable operation and mirrors the
// original edges onto the contraction graph. It also builds the
// producer/consumer index and the node-pair to port-index map used later for
// reconnecting group boundaries.
func (s *Snapshot) BuildGraph() {
	klog.V(1).Info("online partitioning: parsing the model into initial groups...")

	gid := 0
	for _, op := range s.model.Ops() {
		if !isOp(op) {
			continue
		}
		nh := s.graph.Create(nil)
		group := newGroup(op, gid, nh, s)
		s.graph.SetMeta(nh, group)
		s.nodeToGroup[op] = group
		gid++
	}

	for _, op := range s.model.Ops() {
		for inPort, src := range op.Inputs() {
			pair := NodePair{Producer: src.Op, Consumer: op}
			if _, found := s.ports[pair]; !found {
				s.ports[pair] = PortPair{Out: src.Port, In: inPort}
			}
			s.producers[op] = appendUnique(s.producers[op], src.Op)
			s.consumers[src.Op] = appendUnique(s.consumers[src.Op], op)

			if !isOp(op) || !isOp(src.Op) {
				continue
			}
			from := s.nodeToGroup[src.Op].nh
			to := s.nodeToGroup[op].nh
			if !s.graph.Linked(from, to) {
				s.graph.Link(from, to)
			}
		}
	}

	klog.V(1).Infof("online partitioning: initial number of groups: %d", s.GraphSize())
}

func appendUnique(list []*model.Op, op *model.Op) []*model.Op {
	for _, o := range list {
		if o == op {
			return list
		}
	}
	return append(list, op)
}

// GraphSize returns the current live-group count.
func (s *Snapshot) GraphSize() int { return s.graph.Len() }

// Graph exposes the contraction graph. Handles obtained from it become
// stale on contraction and must be re-validated with Contains.
func (s *Snapshot) Graph() *digraph.Graph[*Group] { return s.graph }

func (s *Snapshot) group(nh digraph.Handle) *Group {
	return s.graph.Meta(nh)
}

// Groups returns the final (current) group set in topological order.
func (s *Snapshot) Groups() []*Group {
	sorted := s.graph.Sorted()
	groups := make([]*Group, len(sorted))
	for i, nh := range sorted {
		groups[i] = s.group(nh)
	}
	return groups
}

// Matches returns, per kept repeated-block id, the per-archetype sets of
// operation names matched across block instances. Used downstream for
// cross-instance tensor correspondence.
func (s *Snapshot) Matches() map[string][]types.Set[string] { return s.matches }

// Ports returns the (producer, consumer) to (output port, input port) map
// recorded while building the graph.
func (s *Snapshot) Ports() map[NodePair]PortPair { return s.ports }

// NodeProducers returns the original producers of an operation.
func (s *Snapshot) NodeProducers(op *model.Op) []*model.Op { return s.producers[op] }

// NodeConsumers returns the original consumers of an operation.
func (s *Snapshot) NodeConsumers(op *model.Op) []*model.Op { return s.consumers[op] }

// repeat runs a pass until it stops changing the group count, or until the
// graph is already at the MinGraphSize floor.
func (s *Snapshot) repeat(pass func()) {
	prev := 0
	curr := s.GraphSize()
	for s.GraphSize() > s.ctx.MinGraphSize && curr != prev {
		prev = s.GraphSize()
		pass()
		curr = s.GraphSize()
	}
	klog.V(1).Infof("online partitioning: number of groups after pass: %d", s.GraphSize())
}

// reachesViaIntermediate reports whether a path from a to b through at least
// one intermediate live node exists, i.e. whether contracting a with b would
// close a cycle on that path.
func (s *Snapshot) reachesViaIntermediate(a, b digraph.Handle) bool {
	visited := types.MakeSet[digraph.Handle]()
	var stack []digraph.Handle
	for _, next := range s.graph.Out(a) {
		if next != b {
			stack = append(stack, next)
		}
	}
	for len(stack) > 0 {
		nh := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited.Has(nh) {
			continue
		}
		visited.Insert(nh)
		if nh == b {
			return true
		}
		stack = append(stack, s.graph.Out(nh)...)
	}
	return false
}
