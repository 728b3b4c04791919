// Package opp provides immutable operating-point tables and the resolution
// of an aggregated constraint to a concrete hardware setting. It handles:
// - Table construction with ordering and uniqueness validation
// - Binary-search resolution of a minimum-value constraint to the smallest
//   satisfying entry
// - Lookup by setting ID
// Resolution is a pure function of the table and the requested value, so
// tables are safe for concurrent use without locks.
package opp

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnsatisfiable is returned when an aggregated constraint exceeds every
// entry in the table.
var ErrUnsatisfiable = errors.New("constraint unsatisfiable")

// Entry pairs a hardware setting ID with the performance capability that
// setting provides (a frequency in Hz, a throughput in KiB/s, ...).
type Entry struct {
	ID    uint8
	Value uint64
}

// Table is an immutable sequence of operating points for one resource
// domain, strictly ascending by capability value.
type Table struct {
	entries []Entry
	byID    map[uint8]Entry
}

// NewTable validates and copies the given entries into an immutable table.
// Entries must be non-empty, strictly ascending by Value, and have unique
// setting IDs.
func NewTable(entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("operating-point table must not be empty")
	}

	copied := make([]Entry, len(entries))
	copy(copied, entries)

	byID := make(map[uint8]Entry, len(copied))
	for i, e := range copied {
		if _, dup := byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate setting ID %d in operating-point table", e.ID)
		}
		byID[e.ID] = e
		if i > 0 && e.Value <= copied[i-1].Value {
			return nil, fmt.Errorf("operating-point values must be strictly ascending: entry %d (%d) after entry %d (%d)",
				i, e.Value, i-1, copied[i-1].Value)
		}
	}

	return &Table{entries: copied, byID: byID}, nil
}

// Resolve returns the smallest entry whose capability value satisfies the
// aggregated constraint. A value of 0 means "no constraint" and resolves to
// the lowest entry. Values above the table maximum fail with
// ErrUnsatisfiable.
func (t *Table) Resolve(value uint64) (Entry, error) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Value >= value
	})
	if i == len(t.entries) {
		return Entry{}, fmt.Errorf("%w: need %d, table maximum is %d",
			ErrUnsatisfiable, value, t.entries[len(t.entries)-1].Value)
	}
	return t.entries[i], nil
}

// Lowest returns the minimum-power operating point.
func (t *Table) Lowest() Entry {
	return t.entries[0]
}

// Highest returns the maximum-capability operating point.
func (t *Table) Highest() Entry {
	return t.entries[len(t.entries)-1]
}

// ByID looks up an entry by its setting ID.
func (t *Table) ByID(id uint8) (Entry, bool) {
	e, ok := t.byID[id]
	return e, ok
}

// Len returns the number of operating points.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entries returns a copy of the table contents.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// IDs returns the setting IDs in ascending capability order.
func (t *Table) IDs() []uint8 {
	ids := make([]uint8, len(t.entries))
	for i, e := range t.entries {
		ids[i] = e.ID
	}
	return ids
}
