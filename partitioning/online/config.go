package online

import (
	"strings"

	"github.com/pkg/errors"
)

// RuleKind tells whether an avoid/isolate rule matches a single operation
// kind or a named structural pattern.
type RuleKind int

const (
	// RuleOp matches every operation of the given kind.
	RuleOp RuleKind = iota
	// RulePattern matches occurrences of a registered structural pattern.
	RulePattern
)

// AvoidRule forbids the matched operations from being compiled for a device.
type AvoidRule struct {
	Kind    RuleKind
	Pattern string
	Device  string
}

// IsolateRule tags the matched operations so they cluster separately from
// differently-tagged (and untagged) operations.
type IsolateRule struct {
	Kind    RuleKind
	Pattern string
	Tag     string
}

// PassContext carries the knobs of the partitioning pipeline.
type PassContext struct {
	// MinGraphSize is the floor for the live-group count: merging passes
	// stop once the graph is already this small.
	MinGraphSize int
	// KeepBlocks and KeepBlockSize control repeated-block retention: a
	// block is kept when it has at least KeepBlocks instances of at least
	// KeepBlockSize layers each.
	KeepBlocks    int
	KeepBlockSize int

	Avoids   []AvoidRule
	Isolates []IsolateRule
	// NoFolds lists isolate tags whose groups must never be folded into a
	// shared repeated-block artifact.
	NoFolds []string
}

// NewPassContext returns a PassContext with the default knob values.
func NewPassContext() PassContext {
	return PassContext{
		MinGraphSize:  10,
		KeepBlocks:    10,
		KeepBlockSize: 10,
	}
}

// splitRule parses "<kind>:<pattern>/<target>".
func splitRule(entry string) (kind RuleKind, pattern, target string, err error) {
	head, target, found := strings.Cut(entry, "/")
	if !found || target == "" {
		err = errors.Errorf("rule %q: expected \"<Op|P>:<pattern>/<target>\"", entry)
		return
	}
	prefix, pattern, found := strings.Cut(head, ":")
	if !found || pattern == "" {
		err = errors.Errorf("rule %q: expected \"<Op|P>:<pattern>/<target>\"", entry)
		return
	}
	switch prefix {
	case "Op":
		kind = RuleOp
	case "P":
		kind = RulePattern
	default:
		err = errors.Errorf("rule %q: unknown matcher prefix %q (want \"Op\" or \"P\")", entry, prefix)
	}
	return
}

// ParseAvoids parses the textual avoid-rule list, e.g.
// "Op:Select/NPU,P:RMSNorm/NPU". An empty string yields no rules.
func ParseAvoids(s string) ([]AvoidRule, error) {
	if s == "" {
		return nil, nil
	}
	var rules []AvoidRule
	for _, entry := range strings.Split(s, ",") {
		kind, pattern, device, err := splitRule(strings.TrimSpace(entry))
		if err != nil {
			return nil, errors.WithMessage(err, "parsing avoids")
		}
		rules = append(rules, AvoidRule{Kind: kind, Pattern: pattern, Device: device})
	}
	return rules, nil
}

// ParseIsolates parses the textual isolate-rule list, e.g.
// "Op:Select/compute2,P:RMSNorm/compute". An empty string yields no rules.
func ParseIsolates(s string) ([]IsolateRule, error) {
	if s == "" {
		return nil, nil
	}
	var rules []IsolateRule
	for _, entry := range strings.Split(s, ",") {
		kind, pattern, tag, err := splitRule(strings.TrimSpace(entry))
		if err != nil {
			return nil, errors.WithMessage(err, "parsing isolates")
		}
		rules = append(rules, IsolateRule{Kind: kind, Pattern: pattern, Tag: tag})
	}
	return rules, nil
}

// ParseNoFolds parses the comma-separated no-fold tag list, e.g.
// "compute,compute2".
func ParseNoFolds(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(s, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}
