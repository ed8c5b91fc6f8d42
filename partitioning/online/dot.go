package online

import (
	"fmt"
	"io"
	"strings"
)

// WriteDot writes a Graphviz DOT rendering of the current group graph, for
// debugging partitioning decisions. Groups show their id, size, repeated
// tag, avoided targets and isolate tag; frozen groups are boxed.
func (s *Snapshot) WriteDot(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "digraph partitioning {"); err != nil {
		return err
	}
	fmt.Fprintln(w, "  rankdir=TB;")
	fmt.Fprintln(w, "  node [fontname=\"monospace\", fontsize=11];")

	sorted := s.graph.Sorted()
	for _, nh := range sorted {
		group := s.group(nh)
		var extra []string
		if group.Repeated().Valid() {
			extra = append(extra, group.Repeated().String())
		}
		if key := group.avoidedKey(); key != "" {
			extra = append(extra, "avoid:"+key)
		}
		if tag := group.IsolatedTag(); tag != "" {
			extra = append(extra, "isol:"+tag)
		}
		label := fmt.Sprintf("#%d (%d ops)", group.ID(), group.Size())
		if len(extra) > 0 {
			label += "\\n" + strings.Join(extra, " ")
		}
		shape := "ellipse"
		if group.IsFrozen() {
			shape = "box"
		}
		if _, err := fmt.Fprintf(w, "  g%d [label=\"%s\", shape=%s];\n", group.ID(), label, shape); err != nil {
			return err
		}
	}
	for _, nh := range sorted {
		group := s.group(nh)
		for _, consNH := range s.graph.Out(nh) {
			if _, err := fmt.Fprintf(w, "  g%d -> g%d;\n", group.ID(), s.group(consNH).ID()); err != nil {
				return err
			}
		}
	}
	_, err := fmt.Fprintln(w, "}")
	return err
}
