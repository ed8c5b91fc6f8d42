package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	g := NewGraph()
	a, err := g.Add("a", "Parameter")
	require.NoError(t, err)
	b, err := g.Add("b", "MatMul", From(a))
	require.NoError(t, err)
	c, err := g.Add("c", "Add", From(a), From(b))
	require.NoError(t, err)

	assert.Equal(t, []*Op{a, b, c}, g.Ops())
	assert.Equal(t, 3, g.NumOps())
	assert.Same(t, b, g.OpByName("b"))
	assert.Nil(t, g.OpByName("zzz"))

	require.Len(t, c.Inputs(), 2)
	assert.Same(t, a, c.Inputs()[0].Op)
	assert.Same(t, b, c.Inputs()[1].Op)
	assert.Equal(t, 0, a.Ord())
	assert.Equal(t, 2, c.Ord())
}

func TestAddErrors(t *testing.T) {
	g := NewGraph()
	a, err := g.Add("a", "Parameter")
	require.NoError(t, err)

	_, err = g.Add("a", "Add")
	assert.Error(t, err, "duplicate name")
	_, err = g.Add("", "Add")
	assert.Error(t, err, "empty name")
	_, err = g.Add("b", "Add", Source{})
	assert.Error(t, err, "nil producer")

	other := NewGraph()
	x, err := other.Add("x", "Parameter")
	require.NoError(t, err)
	_, err = g.Add("c", "Add", From(x))
	assert.Error(t, err, "foreign producer")
	_ = a
}

func TestDescriptor(t *testing.T) {
	g := NewGraph()
	a, err := g.Add("a", "Softmax")
	require.NoError(t, err)
	assert.Equal(t, "Softmax", a.Descriptor())

	a.SetAttrs("axis=-1", "f32")
	assert.Equal(t, "Softmax[axis=-1,f32]", a.Descriptor())
	assert.Equal(t, "a(Softmax[axis=-1,f32])", a.String())

	b, err := g.Add("b", "Softmax")
	require.NoError(t, err)
	b.SetAttrs("axis=-1", "f32")
	assert.Equal(t, a.Descriptor(), b.Descriptor())
}

func TestFromPort(t *testing.T) {
	g := NewGraph()
	split, err := g.Add("split", "Split")
	require.NoError(t, err)
	sink, err := g.Add("sink", "Concat", FromPort(split, 0), FromPort(split, 1))
	require.NoError(t, err)
	assert.Equal(t, 0, sink.Inputs()[0].Port)
	assert.Equal(t, 1, sink.Inputs()[1].Port)
}
