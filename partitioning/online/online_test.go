package online

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smirnov-alexey/openvino/model"
	"github.com/smirnov-alexey/openvino/types"
)

// add is a test helper creating one op, failing the test on builder errors.
func add(t *testing.T, g *model.Graph, name, kind string, srcs ...*model.Op) *model.Op {
	t.Helper()
	sources := make([]model.Source, len(srcs))
	for i, src := range srcs {
		sources[i] = model.From(src)
	}
	return addFrom(t, g, name, kind, sources...)
}

// addFrom is add with explicit source ports.
func addFrom(t *testing.T, g *model.Graph, name, kind string, srcs ...model.Source) *model.Op {
	t.Helper()
	op, err := g.Add(name, kind, srcs...)
	require.NoError(t, err)
	return op
}

// chain builds a linear model; kinds[i] becomes op "<prefix><i>".
func chain(t *testing.T, g *model.Graph, prefix string, kinds ...string) []*model.Op {
	t.Helper()
	ops := make([]*model.Op, len(kinds))
	for i, kind := range kinds {
		if i == 0 {
			ops[i] = add(t, g, fmt.Sprintf("%s%d", prefix, i), kind)
		} else {
			ops[i] = add(t, g, fmt.Sprintf("%s%d", prefix, i), kind, ops[i-1])
		}
	}
	return ops
}

// signature renders the whole partition in a canonical textual form, used
// by the determinism tests: group ids, content, flags and tags, plus the
// archetype match table.
func signature(s *Snapshot) string {
	var b strings.Builder
	for _, group := range s.Groups() {
		fmt.Fprintf(&b, "#%d:", group.ID())
		for _, op := range group.Content() {
			fmt.Fprintf(&b, " %s", op.Name())
		}
		fmt.Fprintf(&b, " rep=%s frozen=%v avoid=%s isol=%q\n",
			group.Repeated(), group.IsFrozen(), group.avoidedKey(), group.IsolatedTag())
	}
	for _, rep := range types.Sorted(setOfKeys(s.Matches())) {
		fmt.Fprintf(&b, "%s:", rep)
		for _, names := range s.Matches()[rep] {
			fmt.Fprintf(&b, " {%s}", strings.Join(types.Sorted(names), ","))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func setOfKeys[V any](m map[string]V) types.Set[string] {
	keys := types.MakeSet[string](len(m))
	for k := range m {
		keys.Insert(k)
	}
	return keys
}

// contentNames collects every op name across all live groups, for the
// node-conservation checks.
func contentNames(s *Snapshot) []string {
	var names []string
	for _, group := range s.Groups() {
		for _, op := range group.Content() {
			names = append(names, op.Name())
		}
	}
	return names
}
