package schema

import "fmt"

// Violation reports a broken state contract: an undeclared field, a write
// outside a node's declared write set, or a strategy failure. Violations
// are fatal to the run that produced them.
type Violation struct {
	Field  string // field name
	Reason string // human-readable reason
}

func (e *Violation) Error() string {
	return fmt.Sprintf("schema violation on field %q: %s", e.Field, e.Reason)
}

func undeclaredField(field string) *Violation {
	return &Violation{Field: field, Reason: "field is not declared in the graph schema"}
}

func outsideWriteSet(field string) *Violation {
	return &Violation{Field: field, Reason: "field is outside the node's declared write set"}
}
