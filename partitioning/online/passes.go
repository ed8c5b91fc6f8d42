package online

import (
	"slices"

	"k8s.io/klog/v2"

	"github.com/smirnov-alexey/openvino/model"
	"github.com/smirnov-alexey/openvino/pkg/support/digraph"
)

// fusable tells whether two groups may be merged by the linear passes:
// neither frozen and no conflicting isolate tags.
func fusable(a, b *Group) bool {
	if a.IsFrozen() || b.IsFrozen() {
		return false
	}
	return a.isolTag == b.isolTag
}

// CollectLHF is one topological sweep fusing every "low-hanging-fruit" pair:
// a group with exactly one producer whose sole consumer is that group.
func (s *Snapshot) CollectLHF() {
	klog.V(1).Info("online partitioning: executing collectLHF pass...")

	for _, nh := range s.graph.Sorted() {
		// Skip if already removed by an earlier fuse in this sweep.
		if !s.graph.Contains(nh) {
			continue
		}
		group := s.group(nh)
		producers := group.SrcNodes()
		if len(producers) != 1 {
			continue
		}
		prod := producers[0]
		if !s.graph.Contains(prod) || len(s.graph.Out(prod)) != 1 {
			continue
		}
		prodGroup := s.group(prod)
		if !fusable(group, prodGroup) {
			continue
		}
		// Stop merging once the graph is already small enough.
		if s.GraphSize() <= s.ctx.MinGraphSize {
			break
		}
		group.Fuse(prodGroup)
	}

	klog.V(1).Info("online partitioning: collectLHF done")
}

// FuseRemnantsExtended shrinks whatever the earlier passes left: remnant
// fusion to fixpoint, then fan-in reduction to fixpoint.
func (s *Snapshot) FuseRemnantsExtended() {
	klog.V(1).Info("online partitioning: executing fuseRemnantsExtended pass...")
	s.repeat(s.FuseRemnants)
	s.repeat(s.FuseInputs)
}

// FuseRemnants sweeps groups in topological order and fuses each with its
// smallest viable consumer. Smallest-first is a heuristic, not flops-aware.
func (s *Snapshot) FuseRemnants() {
	klog.V(1).Info("online partitioning: executing fuseRemnants pass...")

	for _, nh := range s.graph.Sorted() {
		if !s.graph.Contains(nh) {
			continue
		}
		group := s.group(nh)
		if group.IsFrozen() {
			continue
		}
		consumers := group.DstNodes()
		if len(consumers) == 0 {
			continue
		}
		slices.SortFunc(consumers, func(a, b digraph.Handle) int {
			ga, gb := s.group(a), s.group(b)
			if ga.Size() != gb.Size() {
				return ga.Size() - gb.Size()
			}
			return ga.ID() - gb.ID()
		})
		for _, cons := range consumers {
			if !s.graph.Contains(cons) {
				continue
			}
			consGroup := s.group(cons)
			if !fusable(group, consGroup) {
				continue
			}
			if !group.HasCycle(consGroup) {
				group.FuseWith(consGroup)
				break
			}
		}
		if s.GraphSize() <= s.ctx.MinGraphSize {
			break
		}
	}
}

// FuseInputs sweeps groups in topological order and, for each, contracts
// the first pair of its producers that can merge without creating a cycle,
// reducing fan-in ahead of later fusion.
func (s *Snapshot) FuseInputs() {
	klog.V(1).Info("online partitioning: executing fuseInputs pass...")

	for _, nh := range s.graph.Sorted() {
		if !s.graph.Contains(nh) {
			continue
		}
		group := s.group(nh)

		var first, second *Group
		srcs := group.SrcNodes()
		for i := 0; i < len(srcs) && second == nil; i++ {
			if !s.graph.Contains(srcs[i]) {
				continue
			}
			prod := s.group(srcs[i])
			if prod.IsFrozen() {
				continue
			}
			first = prod
			// Every pair of inputs is a candidate, hence the double loop.
			for j := i + 1; j < len(srcs); j++ {
				if !s.graph.Contains(srcs[j]) {
					continue
				}
				other := s.group(srcs[j])
				if !fusable(prod, other) {
					continue
				}
				if !prod.HasCycle(other) {
					second = other
					break
				}
			}
		}
		if first != nil && second != nil {
			group.FuseInputs(first, second)
		}

		if s.GraphSize() <= s.ctx.MinGraphSize {
			break
		}
	}
}

// EarlyAvoids applies the configured avoid rules, accumulating
// device-avoidance sets on the matched groups before any clustering.
// Unrecognized pattern names are warned about and skipped.
func (s *Snapshot) EarlyAvoids() {
	klog.V(1).Info("online partitioning: executing earlyAvoids pass...")

	for _, rule := range s.ctx.Avoids {
		switch rule.Kind {
		case RuleOp:
			// Runs right after BuildGraph, so matching the single initial
			// operation of each group is sufficient.
			for _, nh := range s.graph.Sorted() {
				group := s.group(nh)
				if group.InitialOp().Kind() == rule.Pattern {
					group.Avoid(rule.Device)
				}
			}
		case RulePattern:
			for _, ops := range s.matchPattern(rule.Pattern, "avoid") {
				for _, op := range ops {
					if group, found := s.nodeToGroup[op]; found {
						group.Avoid(rule.Device)
					}
				}
			}
		}
	}
}

// EarlyRegroup applies the configured isolate rules, tagging matched groups
// so they cluster separately, before any clustering. Unrecognized pattern
// names are warned about and skipped.
func (s *Snapshot) EarlyRegroup() {
	klog.V(1).Info("online partitioning: executing earlyRegroup pass...")

	for _, rule := range s.ctx.Isolates {
		switch rule.Kind {
		case RuleOp:
			for _, nh := range s.graph.Sorted() {
				group := s.group(nh)
				if group.InitialOp().Kind() == rule.Pattern {
					group.Isolate(rule.Tag)
				}
			}
		case RulePattern:
			for _, ops := range s.matchPattern(rule.Pattern, "isolate") {
				for _, op := range ops {
					if group, found := s.nodeToGroup[op]; found {
						group.Isolate(rule.Tag)
					}
				}
			}
		}
	}
}

// matchPattern resolves a pattern name against the recognizer registry and
// runs it. An unknown name is a configuration problem, not an error: warn
// and continue partitioning.
func (s *Snapshot) matchPattern(name, what string) [][]*model.Op {
	recognize, found := recognizers[name]
	if !found {
		klog.Warningf("online partitioning: %s pattern %q is not supported (supported: %v), skipped",
			what, name, RecognizedPatterns())
		return nil
	}
	return recognize(s.model)
}
