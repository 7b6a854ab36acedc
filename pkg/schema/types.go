package schema

import "fmt"

// Strategy defines how a delta value is merged into the current field value.
// Implementations must be deterministic: the same (old, next) pair always
// produces the same result, which checkpoint replay relies on.
type Strategy interface {
	// Name returns the human-readable name of the strategy (e.g. "overwrite").
	Name() string
	// Merge combines the current value with the incoming delta value.
	// old is nil when the field has never been written.
	Merge(old, next any) (any, error)
}

// Schema maps field names to their merge strategies. Every field a node may
// read or write must be declared here.
type Schema map[string]Strategy

// Reducer is a user-supplied merge function for the Reduce strategy.
type Reducer func(old, next any) (any, error)

// --- Built-in Strategy Implementations ---

type overwriteStrategy struct{}

func (overwriteStrategy) Name() string { return "overwrite" }

func (overwriteStrategy) Merge(_, next any) (any, error) { return next, nil }

type appendStrategy struct{}

func (appendStrategy) Name() string { return "append" }

func (appendStrategy) Merge(old, next any) (any, error) {
	seq, err := asSequence(old)
	if err != nil {
		return nil, fmt.Errorf("current value: %w", err)
	}
	add, err := asSequence(next)
	if err != nil {
		// A scalar delta appends as a single element.
		return append(seq, next), nil
	}
	return append(seq, add...), nil
}

// asSequence normalizes a field value to []any. State values round-trip
// through JSON in the stores, so []any is the canonical sequence shape.
func asSequence(v any) ([]any, error) {
	switch s := v.(type) {
	case nil:
		return []any{}, nil
	case []any:
		// Copy so the old state never shares a backing array with the new one.
		return append([]any{}, s...), nil
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected sequence, got %T", v)
	}
}

type reduceStrategy struct {
	name string
	fn   Reducer
}

func (s *reduceStrategy) Name() string { return s.name }

func (s *reduceStrategy) Merge(old, next any) (any, error) {
	return s.fn(old, next)
}

// --- Factory Functions ---

// Overwrite replaces the field value with the delta value.
func Overwrite() Strategy { return overwriteStrategy{} }

// Append extends the field's sequence with the delta value. A sequence delta
// is concatenated; a scalar delta is appended as one element.
func Append() Strategy { return appendStrategy{} }

// Reduce merges via a user-defined reducer. The reducer must be
// deterministic and side-effect free.
func Reduce(name string, fn Reducer) Strategy {
	return &reduceStrategy{name: name, fn: fn}
}
