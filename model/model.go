// Package model defines the dataflow-graph surface consumed by the
// partitioning engine: operations with ports, friendly names and a
// structural descriptor usable as an equality key.
//
// Construction of real models belongs to the upstream graph library; this
// package provides the minimal in-memory form the partitioner reads, plus a
// builder used by adapters and tests. Operations can only reference
// already-added producers, so Ops() is a valid topological order by
// construction.
package model

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Source identifies one output port of a producing operation.
type Source struct {
	Op   *Op
	Port int
}

// From returns a Source for the producer's default (first) output port.
func From(op *Op) Source { return Source{Op: op} }

// FromPort returns a Source for an explicit output port of the producer.
func FromPort(op *Op, port int) Source { return Source{Op: op, Port: port} }

// Op is one operation of a dataflow graph. Ops are created once by
// Graph.Add and never destroyed.
type Op struct {
	name  string
	kind  string
	attrs []string
	srcs  []Source
	ord   int
}

// Name returns the unique friendly name of the operation.
func (op *Op) Name() string { return op.name }

// Kind returns the operation type, e.g. "MatMul".
func (op *Op) Kind() string { return op.kind }

// Ord returns the creation ordinal of the operation within its graph.
func (op *Op) Ord() int { return op.ord }

// Inputs returns one Source per input port, in port order.
func (op *Op) Inputs() []Source { return op.srcs }

// Descriptor returns the canonical structural descriptor of the operation:
// its kind plus attributes. Two ops with equal descriptors are considered
// structurally identical for repeated-block matching.
func (op *Op) Descriptor() string {
	if len(op.attrs) == 0 {
		return op.kind
	}
	return op.kind + "[" + strings.Join(op.attrs, ",") + "]"
}

// SetAttrs replaces the attribute list feeding the descriptor. It returns
// the op to allow chaining off Graph.Add.
func (op *Op) SetAttrs(attrs ...string) *Op {
	op.attrs = attrs
	return op
}

func (op *Op) String() string {
	return fmt.Sprintf("%s(%s)", op.name, op.Descriptor())
}

// Graph is an immutable-once-built dataflow graph. It is not safe for
// concurrent mutation.
type Graph struct {
	ops    []*Op
	byName map[string]*Op
}

// NewGraph creates an empty dataflow graph.
func NewGraph() *Graph {
	return &Graph{byName: make(map[string]*Op)}
}

// Add appends an operation consuming the given sources, one input port per
// source, in order. The name must be unique and every source must already
// belong to this graph, which keeps the graph acyclic by construction.
func (g *Graph) Add(name, kind string, srcs ...Source) (*Op, error) {
	if name == "" {
		return nil, errors.Errorf("model: operation name must not be empty")
	}
	if _, found := g.byName[name]; found {
		return nil, errors.Errorf("model: duplicate operation name %q", name)
	}
	for i, src := range srcs {
		if src.Op == nil {
			return nil, errors.Errorf("model: operation %q input %d has a nil producer", name, i)
		}
		if other, found := g.byName[src.Op.name]; !found || other != src.Op {
			return nil, errors.Errorf("model: operation %q input %d refers to %q which is not part of this graph",
				name, i, src.Op.name)
		}
	}
	op := &Op{
		name: name,
		kind: kind,
		srcs: append([]Source(nil), srcs...),
		ord:  len(g.ops),
	}
	g.ops = append(g.ops, op)
	g.byName[name] = op
	return op, nil
}

// Ops returns every operation in topological (creation) order.
func (g *Graph) Ops() []*Op { return g.ops }

// OpByName returns the operation with the given friendly name, or nil.
func (g *Graph) OpByName(name string) *Op { return g.byName[name] }

// NumOps returns the number of operations in the graph.
func (g *Graph) NumOps() int { return len(g.ops) }
