package opp

import (
	"errors"
	"testing"
)

func mpuTable(t *testing.T) *Table {
	t.Helper()
	table, err := NewTable([]Entry{
		{ID: 1, Value: 125000000},
		{ID: 2, Value: 250000000},
		{ID: 3, Value: 500000000},
		{ID: 4, Value: 550000000},
		{ID: 5, Value: 600000000},
	})
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table
}

func TestNewTable_Empty(t *testing.T) {
	if _, err := NewTable(nil); err == nil {
		t.Error("expected error for empty table")
	}
}

func TestNewTable_NotAscending(t *testing.T) {
	_, err := NewTable([]Entry{
		{ID: 1, Value: 250000000},
		{ID: 2, Value: 125000000},
	})
	if err == nil {
		t.Error("expected error for descending values")
	}

	_, err = NewTable([]Entry{
		{ID: 1, Value: 250000000},
		{ID: 2, Value: 250000000},
	})
	if err == nil {
		t.Error("expected error for equal values")
	}
}

func TestNewTable_DuplicateID(t *testing.T) {
	_, err := NewTable([]Entry{
		{ID: 1, Value: 125000000},
		{ID: 1, Value: 250000000},
	})
	if err == nil {
		t.Error("expected error for duplicate setting ID")
	}
}

func TestNewTable_CopiesInput(t *testing.T) {
	entries := []Entry{
		{ID: 1, Value: 100},
		{ID: 2, Value: 200},
	}
	table, err := NewTable(entries)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}

	entries[0].Value = 999
	if table.Lowest().Value != 100 {
		t.Errorf("table mutated through caller slice: Lowest = %d, want 100", table.Lowest().Value)
	}
}

func TestResolve_ZeroReturnsLowest(t *testing.T) {
	table := mpuTable(t)
	e, err := table.Resolve(0)
	if err != nil {
		t.Fatalf("Resolve(0) failed: %v", err)
	}
	if e.ID != 1 {
		t.Errorf("Resolve(0) = entry %d, want lowest entry 1", e.ID)
	}
}

func TestResolve_ExactMatch(t *testing.T) {
	table := mpuTable(t)
	e, err := table.Resolve(500000000)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if e.ID != 3 {
		t.Errorf("Resolve(500MHz) = entry %d, want 3", e.ID)
	}
}

func TestResolve_RoundsUp(t *testing.T) {
	table := mpuTable(t)
	e, err := table.Resolve(300000000)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if e.ID != 3 {
		t.Errorf("Resolve(300MHz) = entry %d, want 3 (smallest satisfying)", e.ID)
	}
}

func TestResolve_Unsatisfiable(t *testing.T) {
	table := mpuTable(t)
	_, err := table.Resolve(600000001)
	if err == nil {
		t.Fatal("expected error above table maximum")
	}
	if !errors.Is(err, ErrUnsatisfiable) {
		t.Errorf("error = %v, want ErrUnsatisfiable", err)
	}
}

func TestResolve_Monotonic(t *testing.T) {
	table := mpuTable(t)
	values := []uint64{0, 1, 125000000, 125000001, 249999999, 250000000,
		400000000, 500000000, 549999999, 550000000, 600000000}

	var prev uint64
	for _, v := range values {
		e, err := table.Resolve(v)
		if err != nil {
			t.Fatalf("Resolve(%d) failed: %v", v, err)
		}
		if e.Value < prev {
			t.Errorf("resolution not monotonic: Resolve(%d) = %d < previous %d", v, e.Value, prev)
		}
		prev = e.Value
	}
}

func TestByID(t *testing.T) {
	table := mpuTable(t)

	e, ok := table.ByID(4)
	if !ok {
		t.Fatal("ByID(4) not found")
	}
	if e.Value != 550000000 {
		t.Errorf("ByID(4).Value = %d, want 550000000", e.Value)
	}

	if _, ok := table.ByID(99); ok {
		t.Error("ByID(99) should not exist")
	}
}

func TestEntries_ReturnsCopy(t *testing.T) {
	table := mpuTable(t)
	entries := table.Entries()
	entries[0].Value = 1

	if table.Lowest().Value != 125000000 {
		t.Error("Entries() exposed internal storage")
	}
}
