// Package registry maps node identifiers to their executable units and
// declared input/output contracts. Registration happens once at graph-build
// time; the registry is frozen before any run starts, so concurrent runs can
// share one instance safely.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aretw0/canopy/pkg/domain"
	"github.com/aretw0/canopy/pkg/schema"
)

// NodeFunc is the executable unit of a node. It receives a read-only view
// scoped to the node's declared read set and returns a delta touching only
// its declared write set. A plain error is recovered into a state-visible
// marker; wrap with domain.Fatal to terminate the run instead.
type NodeFunc func(ctx context.Context, view schema.View) (schema.Delta, error)

// Descriptor is a node's registered contract.
type Descriptor struct {
	ID         string
	Reads      []string      // declared read set
	Writes     []string      // declared write set
	Timeout    time.Duration // per-invocation timeout; 0 means engine default
	Idempotent bool          // safe to retry after a timeout
	Fn         NodeFunc
}

// Registry holds the node descriptors of one graph.
type Registry struct {
	mu     sync.RWMutex
	frozen bool
	nodes  map[string]Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]Descriptor)}
}

// Register adds a node descriptor. It fails on duplicate IDs, missing
// executables and after Freeze; there is no dynamic registration mid-run.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if d.Fn == nil {
		return fmt.Errorf("node %q: executable cannot be nil", d.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("node %q: registry is frozen, registration is build-time only", d.ID)
	}
	if _, exists := r.nodes[d.ID]; exists {
		return fmt.Errorf("node %q: already registered", d.ID)
	}
	r.nodes[d.ID] = d
	return nil
}

// Resolve returns the descriptor for id. An unregistered id is a
// configuration error, fatal to the run.
func (r *Registry) Resolve(id string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.nodes[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", domain.ErrUnknownNode, id)
	}
	return d, nil
}

// Freeze makes the registry read-only. Called by the graph builder once
// compilation succeeds.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// IDs returns all registered node IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
