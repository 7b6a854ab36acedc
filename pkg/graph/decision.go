package graph

import (
	"sort"
	"strings"

	"github.com/aretw0/canopy/pkg/schema"
)

// DecisionKind classifies a routing decision.
type DecisionKind string

const (
	// KindGoto advances to one or more nodes. Multiple nodes are a fan-out
	// set executed concurrently within a single step.
	KindGoto DecisionKind = "goto"
	// KindTerminal completes the run.
	KindTerminal DecisionKind = "terminal"
	// KindInterrupt suspends the run awaiting external input.
	KindInterrupt DecisionKind = "interrupt"
)

// Decision is the result of a routing evaluation. Routers declare their full
// codomain (every decision they may return) at build time; returning an
// undeclared decision at runtime is fatal.
type Decision struct {
	Kind DecisionKind

	// Nodes are the next node IDs for KindGoto, kept sorted.
	Nodes []string

	// Pending is the node that will execute after resume, for KindInterrupt.
	Pending string
}

// RouterFunc is a pure function deciding the next decision from the current
// state. The current node is implicit: routers are registered per source.
// Purity (no hidden state) is required for checkpoint replay correctness.
type RouterFunc func(view schema.View) Decision

// Goto routes to a single next node.
func Goto(id string) Decision {
	return Decision{Kind: KindGoto, Nodes: []string{id}}
}

// FanOut routes to a set of nodes executed concurrently within one step.
// Their deltas join implicitly before the following routing decision.
func FanOut(ids ...string) Decision {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return Decision{Kind: KindGoto, Nodes: sorted}
}

// Terminal completes the run.
func Terminal() Decision {
	return Decision{Kind: KindTerminal}
}

// Await suspends the run; pending executes once external input is resumed.
func Await(pending string) Decision {
	return Decision{Kind: KindInterrupt, Pending: pending}
}

// Equal reports whether two decisions are the same routing outcome.
func (d Decision) Equal(other Decision) bool {
	if d.Kind != other.Kind || d.Pending != other.Pending {
		return false
	}
	if len(d.Nodes) != len(other.Nodes) {
		return false
	}
	for i := range d.Nodes {
		if d.Nodes[i] != other.Nodes[i] {
			return false
		}
	}
	return true
}

// String renders the decision for errors and logs.
func (d Decision) String() string {
	switch d.Kind {
	case KindTerminal:
		return "terminal"
	case KindInterrupt:
		return "interrupt(" + d.Pending + ")"
	default:
		return "goto(" + strings.Join(d.Nodes, ",") + ")"
	}
}

// sourceKey canonicalizes a routing source: a single node ID, or the joined
// sorted IDs of a fan-out set.
func sourceKey(ids []string) string {
	if len(ids) == 1 {
		return ids[0]
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, "+")
}
