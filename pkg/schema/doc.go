/*
Package schema defines the typed, mergeable state container threaded through
a Canopy run.

A Schema declares, per field, the merge strategy applied when a node's delta
lands in the shared state: Overwrite replaces the value, Append extends a
sequence, and Reduce applies a caller-supplied reducer. Strategies are fixed
at graph-definition time.

State values are immutable per step: nodes receive a read-only View scoped
to their declared read set and return a Delta; Merge produces a new State
without touching the old one (copy-on-write at the field level, field values
are treated as immutable once merged). Merge enforces the node's declared
write set and the schema itself, so a misbehaving node surfaces as a
Violation at merge time rather than corrupting the run.
*/
package schema
