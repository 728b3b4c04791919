// Package constraint holds the per-resource-domain constraint store and
// its max aggregation. It handles:
// - Replace-by-requester semantics (a new submission overwrites, never
//   appends; value 0 relinquishes)
// - Generation counters for race detection on aggregate changes
// - Atomic mutate-and-reaggregate critical sections with rollback when a
//   downstream check rejects the new aggregate
// Each store guards exactly one domain with its own mutex, so contention
// on one domain never blocks unrelated domains.
package constraint

import (
	"sync"
)

// RequesterID is the stable handle under which a constraint is stored and
// later replaced or cleared (device + resource instance).
type RequesterID string

// Record is one requester's live minimum-value constraint.
type Record struct {
	Value      uint64
	Generation uint64
}

// Snapshot is a consistent copy of a store's live set at one instant.
type Snapshot struct {
	Records    map[RequesterID]Record
	Aggregate  uint64
	Generation uint64
}

// Store holds the live constraint records for a single resource domain.
type Store struct {
	mu         sync.Mutex
	records    map[RequesterID]Record
	generation uint64
	aggregate  uint64
}

func NewStore() *Store {
	return &Store{
		records: make(map[RequesterID]Record),
	}
}

// Mutate inserts, replaces, or (for value 0) removes the requester's record
// and recomputes the aggregate, all in one critical section. When the
// aggregate changes and apply is non-nil, apply runs inside the critical
// section with the new aggregate and its generation; if it returns an
// error, the previous record and aggregate are restored and no state change
// survives. Apply must not block and must not call back into the store.
//
// The returned aggregate and generation reflect the state at critical
// section exit; changed reports whether the aggregate moved.
func (s *Store) Mutate(req RequesterID, value uint64, apply func(aggregate, generation uint64) error) (uint64, uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, hadPrev := s.records[req]

	s.generation++
	if value == 0 {
		delete(s.records, req)
	} else {
		s.records[req] = Record{Value: value, Generation: s.generation}
	}

	newAggregate := s.aggregateLocked()
	changed := newAggregate != s.aggregate

	if changed && apply != nil {
		if err := apply(newAggregate, s.generation); err != nil {
			if hadPrev {
				s.records[req] = prev
			} else {
				delete(s.records, req)
			}
			return s.aggregate, s.generation, false, err
		}
	}

	s.aggregate = newAggregate
	return s.aggregate, s.generation, changed, nil
}

// Set stores or replaces the requester's minimum-value constraint. Value 0
// is equivalent to Clear.
func (s *Store) Set(req RequesterID, value uint64) (uint64, uint64, bool) {
	agg, gen, changed, _ := s.Mutate(req, value, nil)
	return agg, gen, changed
}

// Clear removes the requester's record if present. Idempotent; never
// affects other requesters' records.
func (s *Store) Clear(req RequesterID) (uint64, uint64, bool) {
	return s.Set(req, 0)
}

// Aggregate returns the current maximum over all live records, or 0 (the
// domain floor, "no constraint") when the live set is empty.
func (s *Store) Aggregate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aggregate
}

// Get returns the requester's live record, if any.
func (s *Store) Get(req RequesterID) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[req]
	return r, ok
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns a copy of all live records and the aggregate at a
// consistent instant.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := make(map[RequesterID]Record, len(s.records))
	for k, v := range s.records {
		records[k] = v
	}
	return Snapshot{
		Records:    records,
		Aggregate:  s.aggregate,
		Generation: s.generation,
	}
}

// aggregateLocked recomputes the max over the live set. Running it twice
// with no intervening mutation yields the same result.
func (s *Store) aggregateLocked() uint64 {
	var max uint64
	for _, r := range s.records {
		if r.Value > max {
			max = r.Value
		}
	}
	return max
}
