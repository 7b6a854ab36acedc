/*
Package graph defines Canopy workflow graphs: nodes with declared read/write
contracts, static edges and dynamic routers with declared codomains, an
entry point and a step budget.

A Builder accumulates the definition; Compile validates it (unknown targets,
missing routes, unreachable nodes, overlapping fan-out write sets) and
freezes the result. Compiled graphs are immutable and safe to share between
concurrent runs. Cycles are permitted and expected; the step budget is the
termination guard.
*/
package graph

import (
	"fmt"

	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/registry"
	"github.com/aretw0/canopy/pkg/schema"
)

// Graph is a compiled, immutable workflow definition.
type Graph struct {
	id         string
	schema     schema.Schema
	registry   *registry.Registry
	routes     map[string]route
	entry      string
	errorField string
	budget     int
}

// ID returns the graph identifier.
func (g *Graph) ID() string { return g.id }

// Entry returns the first node executed for a fresh session.
func (g *Graph) Entry() string { return g.entry }

// Budget returns the maximum number of steps per run.
func (g *Graph) Budget() int { return g.budget }

// ErrorField returns the state field receiving recoverable error markers.
func (g *Graph) ErrorField() string { return g.errorField }

// Schema returns the state schema.
func (g *Graph) Schema() schema.Schema { return g.schema }

// Node resolves a node descriptor by ID.
func (g *Graph) Node(id string) (registry.Descriptor, error) {
	return g.registry.Resolve(id)
}

// Nodes returns all node IDs in sorted order.
func (g *Graph) Nodes() []string { return g.registry.IDs() }

// Next evaluates the routing decision for the node set that just executed.
// The decision is validated against the route's declared codomain; an
// undeclared decision is a fatal routing contract violation.
func (g *Graph) Next(from []string, view schema.View) (Decision, error) {
	key := sourceKey(from)
	r, ok := g.routes[key]
	if !ok {
		// Compile guarantees coverage; this guards hand-built graphs.
		return Decision{}, fmt.Errorf("%w: no route declared from %q", domain.ErrRoutingContract, key)
	}
	if r.fn == nil {
		return r.codomain[0], nil
	}
	dec := r.fn(view)
	for _, declared := range r.codomain {
		if dec.Equal(declared) {
			return dec, nil
		}
	}
	return Decision{}, fmt.Errorf("%w: route from %q returned undeclared decision %s",
		domain.ErrRoutingContract, key, dec)
}
