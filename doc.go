/*
Package canopy is a stateful workflow graph engine for orchestrating agent
execution. It models a computation as a directed graph of nodes operating on
a shared, schema-typed state, supports conditional routing and cycles,
persists execution progress as per-step checkpoints so a run can be
suspended and resumed (including pausing for human input), and isolates node
failures so no single node crashes the host process.

# Concept

A graph is declared once at build time: nodes with read/write contracts,
static edges and routers with declared codomains, an entry point and a step
budget. The engine drives the execution loop: it asks the router for the
next node set, invokes the nodes against a read-only state view, merges
their deltas per field strategy, writes a checkpoint, and loops until a
terminal node, an explicit interrupt or an unrecoverable error is reached.

External capabilities (model calls, retrieval, stores) are invoked through
node functions; the engine itself is agnostic to what a node does for I/O.

# Usage

	sch := schema.Schema{
		"question": schema.Overwrite(),
		"docs":     schema.Append(),
		"answer":   schema.Overwrite(),
		"errors":   schema.Overwrite(),
	}

	b := graph.New("qa", sch)
	b.AddNode("retrieve", retrieveFn, graph.Reads("question"), graph.Writes("docs"))
	b.AddNode("respond", respondFn, graph.Reads("question", "docs"), graph.Writes("answer"))
	b.Entry("retrieve")
	b.AddEdge("retrieve", "respond")
	b.AddEdge("respond", graph.End)

	g, err := b.Compile()
	if err != nil {
		log.Fatal(err)
	}

	eng := canopy.New(g)
	run, err := eng.Start(ctx, "session-123", map[string]any{"question": "why is the sky blue?"})
	if err != nil {
		log.Fatal(err)
	}
	final, err := run.Wait(ctx)

Runs suspended by an interrupt route are continued with Resume, carrying the
externally supplied input. Checkpoints default to process memory; pass
WithStore to persist them on disk or in Redis.
*/
package canopy
