package digraph

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLinkContains(t *testing.T) {
	g := New[string]()
	a := g.Create("a")
	b := g.Create("b")
	c := g.Create("c")
	require.Equal(t, 3, g.Len())

	g.Link(a, b)
	g.Link(b, c)
	assert.True(t, g.Linked(a, b))
	assert.False(t, g.Linked(b, a))
	assert.False(t, g.Linked(a, c))

	assert.Equal(t, "b", g.Meta(b))
	g.SetMeta(b, "b2")
	assert.Equal(t, "b2", g.Meta(b))

	assert.Equal(t, []Handle{b}, g.Out(a))
	assert.Equal(t, []Handle{a}, g.In(b))
}

func TestRemoveInvalidatesHandle(t *testing.T) {
	g := New[int]()
	a := g.Create(1)
	b := g.Create(2)
	g.Link(a, b)

	g.Remove(b)
	assert.Equal(t, 1, g.Len())
	assert.False(t, g.Contains(b))
	assert.True(t, g.Contains(a))
	assert.Empty(t, g.Out(a))

	// Any dereference of the dead handle must panic.
	e := exceptions.Try(func() { g.Meta(b) })
	require.NotNil(t, e)
	e = exceptions.Try(func() { g.Link(a, b) })
	require.NotNil(t, e)
}

func TestLinkChecks(t *testing.T) {
	g := New[int]()
	a := g.Create(1)
	b := g.Create(2)
	g.Link(a, b)

	e := exceptions.Try(func() { g.Link(a, b) })
	require.NotNil(t, e, "duplicate edge must panic")
	e = exceptions.Try(func() { g.Link(a, a) })
	require.NotNil(t, e, "self-edge must panic")
}

func TestUnlink(t *testing.T) {
	g := New[int]()
	a := g.Create(1)
	b := g.Create(2)
	g.Link(a, b)
	g.Unlink(a, b)
	assert.False(t, g.Linked(a, b))
	assert.Empty(t, g.Out(a))
	assert.Empty(t, g.In(b))
}

func TestSortedIsTopologicalAndDeterministic(t *testing.T) {
	// Diamond with a dangling extra root:
	//   a -> b -> d
	//   a -> c -> d
	//   e (no edges)
	g := New[string]()
	a := g.Create("a")
	b := g.Create("b")
	c := g.Create("c")
	d := g.Create("d")
	e := g.Create("e")
	g.Link(a, b)
	g.Link(a, c)
	g.Link(b, d)
	g.Link(c, d)

	sorted := g.Sorted()
	require.Len(t, sorted, 5)
	// Smallest-ordinal-first tiebreak gives one well-defined order.
	assert.Equal(t, []Handle{a, b, c, d, e}, sorted)

	// Re-sorting an unchanged graph repeats the exact same answer.
	assert.Equal(t, sorted, g.Sorted())
}

func TestSortedAfterRemove(t *testing.T) {
	g := New[string]()
	a := g.Create("a")
	b := g.Create("b")
	c := g.Create("c")
	g.Link(a, b)
	g.Link(b, c)

	g.Remove(b)
	sorted := g.Sorted()
	assert.Equal(t, []Handle{a, c}, sorted)
}
