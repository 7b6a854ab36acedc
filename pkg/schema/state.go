package schema

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Delta is the partial state update returned by a node. It may only touch
// fields inside the node's declared write set.
type Delta map[string]any

// State is an immutable snapshot of the run's field values. Mutating
// operations return a new State; the receiver is never modified.
type State struct {
	fields map[string]any
}

// NewState builds a State from seed values, validating every field against
// the schema. A nil seed yields an empty state.
func NewState(sch Schema, seed map[string]any) (State, error) {
	fields := make(map[string]any, len(seed))
	for k, v := range seed {
		if _, ok := sch[k]; !ok {
			return State{}, undeclaredField(k)
		}
		fields[k] = v
	}
	return State{fields: fields}, nil
}

// FromSnapshot restores a State from a persisted field map without schema
// validation; the checkpoint it came from was validated when written.
func FromSnapshot(fields map[string]any) State {
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return State{fields: copied}
}

// Get returns the value of a field and whether it has ever been written.
func (s State) Get(field string) (any, bool) {
	v, ok := s.fields[field]
	return v, ok
}

// Fields returns the names of all written fields in sorted order.
func (s State) Fields() []string {
	out := make([]string, 0, len(s.fields))
	for k := range s.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the field map suitable for persistence.
func (s State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// WithField returns a copy of the state with field replaced, bypassing the
// declared merge strategy. Reserved for engine-owned fields (the error
// marker field); node deltas always go through Merge.
func (s State) WithField(field string, value any) State {
	next := make(map[string]any, len(s.fields)+1)
	for k, v := range s.fields {
		next[k] = v
	}
	next[field] = value
	return State{fields: next}
}

// View scopes the state to a read set. A nil read set grants unrestricted
// access (used for routers, which are functions of the whole state).
func (s State) View(reads []string) View {
	if reads == nil {
		return View{state: s}
	}
	set := make(map[string]struct{}, len(reads))
	for _, r := range reads {
		set[r] = struct{}{}
	}
	return View{state: s, reads: set}
}

// View is the read-only window a node (or router) receives. Fields outside
// the declared read set are invisible.
type View struct {
	state State
	reads map[string]struct{}
}

// Get returns a field value if it is readable and has been written.
func (v View) Get(field string) (any, bool) {
	if v.reads != nil {
		if _, ok := v.reads[field]; !ok {
			return nil, false
		}
	}
	return v.state.Get(field)
}

// GetString returns a field as a string, or "" when absent or mistyped.
func (v View) GetString(field string) string {
	val, ok := v.Get(field)
	if !ok {
		return ""
	}
	s, _ := val.(string)
	return s
}

// Len returns the length of a sequence field, or 0 when absent.
func (v View) Len(field string) int {
	val, ok := v.Get(field)
	if !ok {
		return 0
	}
	seq, err := asSequence(val)
	if err != nil {
		return 0
	}
	return len(seq)
}

// Decode unmarshals a field value into out. Values loaded from a store are
// generic JSON shapes (maps, slices); Decode bridges them back to typed
// structs for node logic.
func (v View) Decode(field string, out any) error {
	val, ok := v.Get(field)
	if !ok {
		return fmt.Errorf("field %q is not readable or not set", field)
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  out,
		TagName: "json",
	})
	if err != nil {
		return err
	}
	return dec.Decode(val)
}
