package constraint

import (
	"fmt"
	"sync"
	"testing"
)

func TestStore_MaxAggregation(t *testing.T) {
	s := NewStore()

	agg, _, changed := s.Set("dss", 400)
	if !changed || agg != 400 {
		t.Errorf("after first set: aggregate = %d (changed=%v), want 400 (true)", agg, changed)
	}

	agg, _, changed = s.Set("mmc", 100)
	if changed {
		t.Error("lower constraint must not change the aggregate")
	}
	if agg != 400 {
		t.Errorf("aggregate = %d, want 400", agg)
	}

	agg, _, changed = s.Set("usb", 900)
	if !changed || agg != 900 {
		t.Errorf("aggregate = %d (changed=%v), want 900 (true)", agg, changed)
	}
}

func TestStore_ReplaceNotAccumulate(t *testing.T) {
	s := NewStore()

	s.Set("dss", 400)
	agg, _, _ := s.Set("dss", 100)
	if agg != 100 {
		t.Errorf("aggregate = %d, want 100 (replace, not accumulate)", agg)
	}
	if s.Len() != 1 {
		t.Errorf("live records = %d, want 1", s.Len())
	}
}

func TestStore_ClearDropsToRemaining(t *testing.T) {
	s := NewStore()

	s.Set("dss", 400)
	s.Set("mmc", 100)

	agg, _, changed := s.Clear("dss")
	if !changed || agg != 100 {
		t.Errorf("after clearing max holder: aggregate = %d (changed=%v), want 100 (true)", agg, changed)
	}

	agg, _, changed = s.Clear("mmc")
	if !changed || agg != 0 {
		t.Errorf("after clearing all: aggregate = %d (changed=%v), want floor 0 (true)", agg, changed)
	}
}

func TestStore_ClearIdempotent(t *testing.T) {
	s := NewStore()

	if _, _, changed := s.Clear("never-set"); changed {
		t.Error("clearing an absent record must not change the aggregate")
	}

	s.Set("dss", 400)
	s.Clear("dss")
	if _, _, changed := s.Clear("dss"); changed {
		t.Error("second clear must be a no-op")
	}
}

func TestStore_ZeroValueClears(t *testing.T) {
	s := NewStore()

	s.Set("dss", 400)
	agg, _, _ := s.Set("dss", 0)
	if agg != 0 {
		t.Errorf("aggregate = %d, want 0", agg)
	}
	if _, ok := s.Get("dss"); ok {
		t.Error("value 0 must remove the record")
	}
}

func TestStore_SetIdempotent(t *testing.T) {
	s := NewStore()

	agg1, _, _ := s.Set("dss", 400)
	agg2, _, changed := s.Set("dss", 400)
	if changed {
		t.Error("resubmitting the same value must not change the aggregate")
	}
	if agg1 != agg2 {
		t.Errorf("aggregates differ: %d vs %d", agg1, agg2)
	}
}

func TestStore_CrossRequesterIndependence(t *testing.T) {
	s := NewStore()

	s.Set("dss", 400)
	s.Set("mmc", 100)
	s.Clear("dss")

	r, ok := s.Get("mmc")
	if !ok || r.Value != 100 {
		t.Errorf("clearing dss disturbed mmc record: %+v (ok=%v)", r, ok)
	}
}

func TestStore_GenerationAdvances(t *testing.T) {
	s := NewStore()

	_, gen1, _ := s.Set("dss", 100)
	_, gen2, _ := s.Set("dss", 200)
	if gen2 <= gen1 {
		t.Errorf("generation did not advance: %d then %d", gen1, gen2)
	}
}

func TestStore_MutateRollback(t *testing.T) {
	s := NewStore()
	s.Set("dss", 400)

	rejection := fmt.Errorf("rate not achievable")
	agg, _, changed, err := s.Mutate("dss", 900, func(aggregate, generation uint64) error {
		if aggregate != 900 {
			t.Errorf("apply saw aggregate %d, want 900", aggregate)
		}
		return rejection
	})
	if err != rejection {
		t.Fatalf("err = %v, want the apply rejection", err)
	}
	if changed {
		t.Error("rejected mutation must not report a change")
	}
	if agg != 400 {
		t.Errorf("aggregate = %d, want previous 400", agg)
	}

	r, ok := s.Get("dss")
	if !ok || r.Value != 400 {
		t.Errorf("record after rollback = %+v (ok=%v), want value 400", r, ok)
	}
}

func TestStore_MutateRollbackNewRequester(t *testing.T) {
	s := NewStore()

	rejection := fmt.Errorf("rate not achievable")
	_, _, _, err := s.Mutate("dss", 900, func(aggregate, generation uint64) error {
		return rejection
	})
	if err != rejection {
		t.Fatalf("err = %v, want the apply rejection", err)
	}
	if _, ok := s.Get("dss"); ok {
		t.Error("rejected first submission must leave no record behind")
	}
	if s.Aggregate() != 0 {
		t.Errorf("aggregate = %d, want 0", s.Aggregate())
	}
}

func TestStore_MutateSkipsApplyWhenAggregateUnchanged(t *testing.T) {
	s := NewStore()
	s.Set("dss", 400)

	called := false
	_, _, changed, err := s.Mutate("mmc", 100, func(aggregate, generation uint64) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if changed || called {
		t.Error("apply must not run when the aggregate is unchanged")
	}

	// The record itself must still have been stored.
	if r, ok := s.Get("mmc"); !ok || r.Value != 100 {
		t.Errorf("mmc record = %+v (ok=%v), want value 100", r, ok)
	}
}

func TestStore_SnapshotConsistent(t *testing.T) {
	s := NewStore()
	s.Set("dss", 400)
	s.Set("mmc", 100)

	snap := s.Snapshot()
	if snap.Aggregate != 400 {
		t.Errorf("snapshot aggregate = %d, want 400", snap.Aggregate)
	}
	if len(snap.Records) != 2 {
		t.Fatalf("snapshot records = %d, want 2", len(snap.Records))
	}

	// Mutating the store afterwards must not leak into the snapshot.
	s.Clear("dss")
	if snap.Records["dss"].Value != 400 {
		t.Error("snapshot shared state with the store")
	}
}

func TestStore_ConcurrentSets(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.Set("r1", 50)
	}()
	go func() {
		defer wg.Done()
		s.Set("r2", 75)
	}()
	wg.Wait()

	if agg := s.Aggregate(); agg != 75 {
		t.Errorf("aggregate after concurrent sets = %d, want 75", agg)
	}
}

func TestStore_ConcurrentChurn(t *testing.T) {
	s := NewStore()

	const workers = 8
	const iters = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			req := RequesterID(fmt.Sprintf("dev%d", w))
			for i := 0; i < iters; i++ {
				s.Set(req, uint64(w*1000+i))
				if i%3 == 0 {
					s.Snapshot()
				}
			}
			s.Clear(req)
		}(w)
	}
	wg.Wait()

	if agg := s.Aggregate(); agg != 0 {
		t.Errorf("aggregate after all cleared = %d, want 0", agg)
	}
	if s.Len() != 0 {
		t.Errorf("live records = %d, want 0", s.Len())
	}
}
