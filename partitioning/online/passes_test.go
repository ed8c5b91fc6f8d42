package online

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smirnov-alexey/openvino/model"
	"github.com/smirnov-alexey/openvino/types"
)

func TestCollectLHFChain(t *testing.T) {
	ctx := NewPassContext()
	ctx.MinGraphSize = 1
	s, ops := buildChainSnapshot(t, ctx, "MatMul", "Add", "Relu", "Softmax")
	s.CollectLHF()

	require.Equal(t, 1, s.GraphSize())
	group := s.Groups()[0]
	assert.Equal(t, ops, group.Content())
}

func TestCollectLHFSkipsFanOut(t *testing.T) {
	// a feeds both b and c: a is not low-hanging fruit for either.
	g := model.NewGraph()
	a := add(t, g, "a", "MatMul")
	add(t, g, "b", "Add", a)
	add(t, g, "c", "Multiply", a)

	ctx := NewPassContext()
	ctx.MinGraphSize = 1
	s := NewSnapshot(g, ctx)
	s.BuildGraph()
	s.CollectLHF()
	assert.Equal(t, 3, s.GraphSize())
}

func TestCollectLHFRespectsFloor(t *testing.T) {
	ctx := NewPassContext()
	ctx.MinGraphSize = 2
	s, _ := buildChainSnapshot(t, ctx, "MatMul", "Add", "Relu", "Softmax")
	s.CollectLHF()
	assert.Equal(t, 2, s.GraphSize())
}

func TestFuseRemnantsPrefersSmallestConsumer(t *testing.T) {
	// a feeds b (1 op) and c (grown to 2 ops): a must fuse with b.
	g := model.NewGraph()
	a := add(t, g, "a", "MatMul")
	b := add(t, g, "b", "Add", a)
	c := add(t, g, "c", "Multiply", a)
	d := add(t, g, "d", "Relu", c)

	ctx := NewPassContext()
	ctx.MinGraphSize = 1
	s := NewSnapshot(g, ctx)
	s.BuildGraph()
	gc := groupOf(t, s, c)
	gc.FuseWith(groupOf(t, s, d))
	require.Equal(t, 2, gc.Size())

	s.FuseRemnants()
	ga := groupOf(t, s, a)
	assert.Equal(t, []*model.Op{a, b}, ga.Content())
	assert.True(t, gc.Contains(c))
	assert.True(t, gc.Contains(d))
}

func TestFuseRemnantsSkipsFrozen(t *testing.T) {
	ctx := NewPassContext()
	ctx.MinGraphSize = 1
	s, ops := buildChainSnapshot(t, ctx, "MatMul", "Add")
	groupOf(t, s, ops[0]).Freeze()
	groupOf(t, s, ops[1]).Freeze()
	s.FuseRemnants()
	assert.Equal(t, 2, s.GraphSize())
}

func TestFuseInputsDiamond(t *testing.T) {
	// a -> {b, c} -> d: the siblings b and c merge, d does not.
	g := model.NewGraph()
	a := add(t, g, "a", "MatMul")
	b := add(t, g, "b", "Add", a)
	c := add(t, g, "c", "Multiply", a)
	d := add(t, g, "d", "Concat", b, c)

	ctx := NewPassContext()
	ctx.MinGraphSize = 1
	s := NewSnapshot(g, ctx)
	s.BuildGraph()
	s.FuseInputs()

	require.Equal(t, 3, s.GraphSize())
	gb := groupOf(t, s, b)
	assert.Same(t, gb, s.nodeToGroup[c])
	assert.Equal(t, 1, groupOf(t, s, a).Size())
	assert.Equal(t, 1, groupOf(t, s, d).Size())
}

func TestFuseInputsSkipsCyclicPair(t *testing.T) {
	// b -> c makes the pair (b, c) cyclic from d's point of view; no merge
	// may happen between them.
	g := model.NewGraph()
	a := add(t, g, "a", "MatMul")
	b := add(t, g, "b", "Add", a)
	c := add(t, g, "c", "Multiply", a, b)
	add(t, g, "d", "Concat", b, c)

	ctx := NewPassContext()
	ctx.MinGraphSize = 1
	s := NewSnapshot(g, ctx)
	s.BuildGraph()
	s.FuseInputs()

	// d's producer pair (b, c) is connected directly, which is legal to
	// contract; the graph must stay acyclic afterwards.
	for _, group := range s.Groups() {
		for _, src := range group.SrcNodes() {
			assert.NotEqual(t, group.Handle(), src)
		}
	}
	assert.NotPanics(t, func() { s.Graph().Sorted() })
}

func TestRunJustDiamondNeverFourGroups(t *testing.T) {
	g := model.NewGraph()
	a := add(t, g, "a", "MatMul")
	b := add(t, g, "b", "Add", a)
	c := add(t, g, "c", "Multiply", a)
	add(t, g, "d", "Concat", b, c)

	ctx := NewPassContext()
	ctx.MinGraphSize = 3
	s := NewSnapshot(g, ctx)
	s.Run(PipelineJust)
	assert.Equal(t, 3, s.GraphSize())
}

func TestEarlyAvoidsOpRule(t *testing.T) {
	g := model.NewGraph()
	a := add(t, g, "a", "Select")
	b := add(t, g, "b", "Add", a)

	ctx := NewPassContext()
	ctx.Avoids = []AvoidRule{{Kind: RuleOp, Pattern: "Select", Device: "NPU"}}
	s := NewSnapshot(g, ctx)
	s.BuildGraph()
	s.EarlyAvoids()

	assert.True(t, s.nodeToGroup[a].AvoidedTargets().Equal(types.SetWith("NPU")))
	assert.Empty(t, s.nodeToGroup[b].AvoidedTargets())
}

func TestEarlyAvoidsPatternRule(t *testing.T) {
	g := model.NewGraph()
	x := add(t, g, "x", "Parameter")
	norm := rmsNorm(t, g, "n_", x)
	tail := add(t, g, "tail", "MatMul", norm[len(norm)-1])

	ctx := NewPassContext()
	ctx.Avoids = []AvoidRule{{Kind: RulePattern, Pattern: "RMSNorm", Device: "NPU"}}
	s := NewSnapshot(g, ctx)
	s.BuildGraph()
	s.EarlyAvoids()

	for _, op := range norm {
		assert.True(t, s.nodeToGroup[op].AvoidedTargets().Has("NPU"), "op %s", op.Name())
	}
	assert.Empty(t, s.nodeToGroup[tail].AvoidedTargets())
}

func TestEarlyAvoidsUnknownPatternSkipped(t *testing.T) {
	ctx := NewPassContext()
	ctx.Avoids = []AvoidRule{{Kind: RulePattern, Pattern: "NoSuchPattern", Device: "NPU"}}
	s, ops := buildChainSnapshot(t, ctx, "MatMul", "Add")

	assert.NotPanics(t, func() { s.EarlyAvoids() })
	for _, op := range ops {
		assert.Empty(t, s.nodeToGroup[op].AvoidedTargets())
	}
}

func TestEarlyRegroupBlocksFusion(t *testing.T) {
	ctx := NewPassContext()
	ctx.MinGraphSize = 1
	ctx.Isolates = []IsolateRule{
		{Kind: RuleOp, Pattern: "MatMul", Tag: "compute"},
		{Kind: RuleOp, Pattern: "Add", Tag: "compute2"},
	}
	s, ops := buildChainSnapshot(t, ctx, "MatMul", "Add")
	s.EarlyRegroup()

	assert.Equal(t, "compute", s.nodeToGroup[ops[0]].IsolatedTag())
	assert.Equal(t, "compute2", s.nodeToGroup[ops[1]].IsolatedTag())

	s.CollectLHF()
	assert.Equal(t, 2, s.GraphSize())
	s.FuseRemnants()
	assert.Equal(t, 2, s.GraphSize())
}

func TestEarlyRegroupSameTagStillFuses(t *testing.T) {
	ctx := NewPassContext()
	ctx.MinGraphSize = 1
	ctx.Isolates = []IsolateRule{
		{Kind: RuleOp, Pattern: "MatMul", Tag: "compute"},
		{Kind: RuleOp, Pattern: "Add", Tag: "compute"},
	}
	s, _ := buildChainSnapshot(t, ctx, "MatMul", "Add")
	s.EarlyRegroup()
	s.CollectLHF()
	assert.Equal(t, 1, s.GraphSize())
	assert.Equal(t, "compute", s.Groups()[0].IsolatedTag())
}
