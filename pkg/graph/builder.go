package graph

import (
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/canopy/pkg/registry"
	"github.com/aretw0/canopy/pkg/schema"
)

// End is the terminal pseudo-target accepted by AddEdge and JoinEdge.
const End = "__end__"

// DefaultStepBudget bounds cyclic graphs when the caller does not supply a
// budget of their own.
const DefaultStepBudget = 50

// DefaultErrorField is the state field that receives recoverable error
// markers unless the builder overrides it.
const DefaultErrorField = "errors"

// Builder assembles a graph definition. All validation that can happen
// before the first run happens in Compile.
type Builder struct {
	id         string
	schema     schema.Schema
	registry   *registry.Registry
	routes     map[string]route
	entry      string
	errorField string
	budget     int
	errs       []error
}

type route struct {
	source   []string // node IDs of the routing source (1 = node, >1 = join)
	fn       RouterFunc
	codomain []Decision
}

// NodeOption configures a node registration.
type NodeOption func(*registry.Descriptor)

// Reads declares the node's input fields.
func Reads(fields ...string) NodeOption {
	return func(d *registry.Descriptor) { d.Reads = fields }
}

// Writes declares the node's output fields.
func Writes(fields ...string) NodeOption {
	return func(d *registry.Descriptor) { d.Writes = fields }
}

// Timeout sets the per-invocation timeout for the node.
func Timeout(d time.Duration) NodeOption {
	return func(desc *registry.Descriptor) { desc.Timeout = d }
}

// NonIdempotent marks the node as unsafe to retry: a timeout escalates to a
// fatal failure instead of a recoverable marker.
func NonIdempotent() NodeOption {
	return func(d *registry.Descriptor) { d.Idempotent = false }
}

// New starts a graph definition over the given state schema.
func New(id string, sch schema.Schema) *Builder {
	return &Builder{
		id:         id,
		schema:     sch,
		registry:   registry.New(),
		routes:     make(map[string]route),
		errorField: DefaultErrorField,
		budget:     DefaultStepBudget,
	}
}

// AddNode registers a node. Nodes are idempotent unless marked otherwise.
func (b *Builder) AddNode(id string, fn registry.NodeFunc, opts ...NodeOption) *Builder {
	desc := registry.Descriptor{ID: id, Fn: fn, Idempotent: true}
	for _, opt := range opts {
		opt(&desc)
	}
	if err := b.registry.Register(desc); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// AddEdge declares a static successor: from always advances to to.
// Passing End declares from as a terminal node.
func (b *Builder) AddEdge(from, to string) *Builder {
	if to == End {
		return b.addRoute([]string{from}, nil, []Decision{Terminal()})
	}
	return b.addRoute([]string{from}, nil, []Decision{Goto(to)})
}

// Route declares a dynamic router for from with its full codomain.
func (b *Builder) Route(from string, fn RouterFunc, codomain ...Decision) *Builder {
	return b.addRoute([]string{from}, fn, codomain)
}

// JoinEdge declares the static successor of a fan-out set.
func (b *Builder) JoinEdge(members []string, to string) *Builder {
	if to == End {
		return b.addRoute(members, nil, []Decision{Terminal()})
	}
	return b.addRoute(members, nil, []Decision{Goto(to)})
}

// JoinRoute declares a dynamic router for a fan-out set.
func (b *Builder) JoinRoute(members []string, fn RouterFunc, codomain ...Decision) *Builder {
	return b.addRoute(members, fn, codomain)
}

func (b *Builder) addRoute(source []string, fn RouterFunc, codomain []Decision) *Builder {
	key := sourceKey(source)
	if _, exists := b.routes[key]; exists {
		b.errs = append(b.errs, fmt.Errorf("route from %q: already declared", key))
		return b
	}
	if len(codomain) == 0 {
		b.errs = append(b.errs, fmt.Errorf("route from %q: empty codomain", key))
		return b
	}
	if fn == nil && len(codomain) != 1 {
		b.errs = append(b.errs, fmt.Errorf("route from %q: static edge must have exactly one target", key))
		return b
	}
	b.routes[key] = route{source: source, fn: fn, codomain: codomain}
	return b
}

// Entry sets the first node to execute for a fresh session.
func (b *Builder) Entry(id string) *Builder {
	b.entry = id
	return b
}

// ErrorField overrides the state field receiving recoverable error markers.
func (b *Builder) ErrorField(name string) *Builder {
	b.errorField = name
	return b
}

// StepBudget bounds the number of steps per run; it is the cycle-termination
// guard for cyclic graphs.
func (b *Builder) StepBudget(n int) *Builder {
	b.budget = n
	return b
}

// Compile validates the definition and freezes it into an immutable Graph.
func (b *Builder) Compile() (*Graph, error) {
	errs := append([]error(nil), b.errs...)

	if b.entry == "" {
		errs = append(errs, errors.New("graph has no entry node"))
	} else if _, err := b.registry.Resolve(b.entry); err != nil {
		errs = append(errs, fmt.Errorf("entry: %w", err))
	}
	if b.budget < 1 {
		errs = append(errs, fmt.Errorf("step budget must be positive, got %d", b.budget))
	}
	if _, ok := b.schema[b.errorField]; !ok {
		errs = append(errs, fmt.Errorf("error field %q is not declared in the schema", b.errorField))
	}

	errs = append(errs, b.validateRoutes()...)
	errs = append(errs, b.validateCoverage()...)
	errs = append(errs, b.validateReachability()...)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	b.registry.Freeze()
	return &Graph{
		id:         b.id,
		schema:     b.schema,
		registry:   b.registry,
		routes:     b.routes,
		entry:      b.entry,
		errorField: b.errorField,
		budget:     b.budget,
	}, nil
}

// validateRoutes checks every route source and codomain target against the
// registry, and fan-out sets for overlapping write sets.
func (b *Builder) validateRoutes() []error {
	var errs []error
	for key, r := range b.routes {
		for _, id := range r.source {
			if _, err := b.registry.Resolve(id); err != nil {
				errs = append(errs, fmt.Errorf("route from %q: source: %w", key, err))
			}
		}
		for _, d := range r.codomain {
			switch d.Kind {
			case KindTerminal:
				// Nothing to resolve.
			case KindInterrupt:
				if _, err := b.registry.Resolve(d.Pending); err != nil {
					errs = append(errs, fmt.Errorf("route from %q: interrupt target: %w", key, err))
				}
			case KindGoto:
				for _, id := range d.Nodes {
					if _, err := b.registry.Resolve(id); err != nil {
						errs = append(errs, fmt.Errorf("route from %q: target: %w", key, err))
					}
				}
				if len(d.Nodes) > 1 {
					errs = append(errs, b.validateFanOut(key, d.Nodes)...)
				}
			}
		}
	}
	return errs
}

// validateFanOut rejects overlapping write sets inside one fan-out set.
// Overlapping writes are disallowed by construction, never resolved at
// runtime.
func (b *Builder) validateFanOut(routeKey string, members []string) []error {
	var errs []error
	for i := 0; i < len(members); i++ {
		a, errA := b.registry.Resolve(members[i])
		if errA != nil {
			continue // reported by validateRoutes
		}
		for j := i + 1; j < len(members); j++ {
			c, errC := b.registry.Resolve(members[j])
			if errC != nil {
				continue
			}
			if field, ok := schema.DisjointWrites(a.Writes, c.Writes); !ok {
				errs = append(errs, fmt.Errorf(
					"route from %q: fan-out nodes %q and %q overlap on write field %q",
					routeKey, a.ID, c.ID, field))
			}
		}
	}
	return errs
}

// validateCoverage ensures every position the engine can reach has an
// outgoing route: the entry node, every goto target, every interrupt
// pending node and every fan-out group.
func (b *Builder) validateCoverage() []error {
	var errs []error
	need := map[string]string{} // source key -> description
	if b.entry != "" {
		need[b.entry] = "entry node"
	}
	for _, r := range b.routes {
		for _, d := range r.codomain {
			switch d.Kind {
			case KindGoto:
				need[sourceKey(d.Nodes)] = "target of a route"
			case KindInterrupt:
				need[d.Pending] = "interrupt resume node"
			}
		}
	}
	for key, why := range need {
		if _, ok := b.routes[key]; !ok {
			errs = append(errs, fmt.Errorf("no route declared from %q (%s)", key, why))
		}
	}
	return errs
}

// validateReachability crawls the codomain graph from the entry node and
// reports registered nodes that can never execute.
func (b *Builder) validateReachability() []error {
	if b.entry == "" {
		return nil
	}
	// Reachable node IDs and crawled route keys are distinct sets: a node ID
	// doubles as its single-node route key, so sharing one map would skip
	// expanding the outgoing route of any node first seen as a goto target.
	reachable := map[string]bool{}
	crawled := map[string]bool{}
	queue := []string{b.entry}
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if crawled[key] {
			continue
		}
		crawled[key] = true
		reachable[key] = true

		r, ok := b.routes[key]
		if !ok {
			continue
		}
		for _, d := range r.codomain {
			switch d.Kind {
			case KindGoto:
				for _, id := range d.Nodes {
					reachable[id] = true
				}
				queue = append(queue, sourceKey(d.Nodes))
			case KindInterrupt:
				queue = append(queue, d.Pending)
			}
		}
	}

	var errs []error
	for _, id := range b.registry.IDs() {
		if !reachable[id] {
			errs = append(errs, fmt.Errorf("node %q is unreachable from entry %q", id, b.entry))
		}
	}
	return errs
}
