package online

import (
	"slices"

	"github.com/smirnov-alexey/openvino/model"
)

// Recognizer is a pure function locating occurrences of a named structural
// pattern in a dataflow graph. Recognizers never mutate anything; their
// matches are applied to groups by the early passes.
type Recognizer func(*model.Graph) [][]*model.Op

// recognizers is the closed set of supported pattern names. Unknown names
// in the configuration are warned about and skipped.
var recognizers = map[string]Recognizer{
	"RMSNorm":      matchRMSNorm,
	"SwishMultXMM": matchSwishMult,
}

// RecognizedPatterns returns the supported pattern names, sorted.
func RecognizedPatterns() []string {
	names := make([]string, 0, len(recognizers))
	for name := range recognizers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func matchRMSNorm(g *model.Graph) [][]*model.Op {
	return matchChain(g, "Power", "ReduceMean", "Add", "Sqrt", "Divide", "Multiply")
}

func matchSwishMult(g *model.Graph) [][]*model.Op {
	return matchChain(g, "Sigmoid", "Multiply", "Multiply")
}

// matchChain finds every maximal occurrence of the given kind sequence
// connected head-to-tail, where each link is the sole partitionable
// consumer relationship required by the pattern. Matches are reported in
// topological order of their head operation.
func matchChain(g *model.Graph, kinds ...string) [][]*model.Op {
	// Consumer index local to the matcher: recognizers run standalone,
	// before (and independent of) any Snapshot state.
	consumers := make(map[*model.Op][]*model.Op)
	for _, op := range g.Ops() {
		for _, src := range op.Inputs() {
			consumers[src.Op] = append(consumers[src.Op], op)
		}
	}

	var matches [][]*model.Op
	for _, head := range g.Ops() {
		if head.Kind() != kinds[0] {
			continue
		}
		chain := []*model.Op{head}
		for _, kind := range kinds[1:] {
			tail := chain[len(chain)-1]
			var next *model.Op
			for _, cons := range consumers[tail] {
				if cons.Kind() == kind {
					next = cons
					break
				}
			}
			if next == nil {
				chain = nil
				break
			}
			chain = append(chain, next)
		}
		if chain != nil {
			matches = append(matches, chain)
		}
	}
	return matches
}
