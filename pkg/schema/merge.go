package schema

import "fmt"

// Merge applies a delta to a base state and returns the resulting state.
// For each field present in the delta the declared strategy runs; fields
// absent from the delta are carried over untouched.
//
// writes is the producing node's declared write set. A delta field outside
// it, or absent from the schema entirely, is a *Violation. A nil write set
// means the merge is engine-initiated (resume input, error markers) and only
// the schema itself is enforced.
func Merge(sch Schema, base State, delta Delta, writes []string) (State, error) {
	if len(delta) == 0 {
		return base, nil
	}

	var writable map[string]struct{}
	if writes != nil {
		writable = make(map[string]struct{}, len(writes))
		for _, w := range writes {
			writable[w] = struct{}{}
		}
	}

	next := make(map[string]any, len(base.fields)+len(delta))
	for k, v := range base.fields {
		next[k] = v
	}

	// Each field merges independently, so map iteration order is immaterial.
	// Any violation discards the merged result as a whole.
	for field := range delta {
		strategy, ok := sch[field]
		if !ok {
			return State{}, undeclaredField(field)
		}
		if writable != nil {
			if _, ok := writable[field]; !ok {
				return State{}, outsideWriteSet(field)
			}
		}
		merged, err := strategy.Merge(next[field], delta[field])
		if err != nil {
			return State{}, &Violation{
				Field:  field,
				Reason: fmt.Sprintf("%s strategy failed: %v", strategy.Name(), err),
			}
		}
		next[field] = merged
	}

	return State{fields: next}, nil
}

// DisjointWrites reports the first field shared by two write sets, if any.
// Fan-out members must have pairwise disjoint write sets; the graph builder
// rejects overlaps at compile time.
func DisjointWrites(a, b []string) (string, bool) {
	set := make(map[string]struct{}, len(a))
	for _, f := range a {
		set[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := set[f]; ok {
			return f, false
		}
	}
	return "", true
}
