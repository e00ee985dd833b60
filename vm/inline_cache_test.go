package vm

import (
	"testing"
)

func TestInlineCacheEmpty(t *testing.T) {
	ic := &InlineCache{}

	table := ic.Lookup(TypeID(0))
	if table != nil {
		t.Error("Expected nil from empty cache")
	}
	if ic.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", ic.Misses)
	}
}

func TestInlineCacheMonomorphic(t *testing.T) {
	ic := &InlineCache{}
	wt := &WitnessTable{Protocol: 0, TypeID: TypeID(0)}

	ic.Update(TypeID(0), wt)
	if ic.State != CacheMonomorphic {
		t.Errorf("Expected monomorphic state, got %v", ic.State)
	}
	if ic.Count != 1 {
		t.Errorf("Expected count 1, got %d", ic.Count)
	}

	if got := ic.Lookup(TypeID(0)); got != wt {
		t.Error("Expected cache hit")
	}
	if ic.Hits != 1 {
		t.Errorf("Expected 1 hit, got %d", ic.Hits)
	}

	if got := ic.Lookup(TypeID(1)); got != nil {
		t.Error("Expected cache miss for a different type")
	}
	if ic.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", ic.Misses)
	}
}

func TestInlineCacheUpgradeToPolymorphic(t *testing.T) {
	ic := &InlineCache{}
	wt0 := &WitnessTable{TypeID: TypeID(0)}
	wt1 := &WitnessTable{TypeID: TypeID(1)}

	ic.Update(TypeID(0), wt0)
	if ic.State != CacheMonomorphic {
		t.Errorf("Expected monomorphic, got %v", ic.State)
	}

	ic.Update(TypeID(1), wt1)
	if ic.State != CachePolymorphic {
		t.Errorf("Expected polymorphic, got %v", ic.State)
	}
	if ic.Count != 2 {
		t.Errorf("Expected 2 entries, got %d", ic.Count)
	}

	if ic.Lookup(TypeID(0)) != wt0 || ic.Lookup(TypeID(1)) != wt1 {
		t.Error("Expected both entries to hit")
	}
}

func TestInlineCacheDuplicateUpdateIgnored(t *testing.T) {
	ic := &InlineCache{}
	wt := &WitnessTable{TypeID: TypeID(0)}

	ic.Update(TypeID(0), wt)
	ic.Update(TypeID(0), wt)
	if ic.State != CacheMonomorphic || ic.Count != 1 {
		t.Errorf("Expected update with a cached type to be a no-op, state %v count %d", ic.State, ic.Count)
	}
}

func TestInlineCacheGoesMegamorphic(t *testing.T) {
	ic := &InlineCache{}

	for i := 0; i <= MaxPICEntries; i++ {
		ic.Update(TypeID(uint32(i)), &WitnessTable{TypeID: TypeID(uint32(i))})
	}

	if ic.State != CacheMegamorphic {
		t.Errorf("Expected megamorphic after %d types, got %v", MaxPICEntries+1, ic.State)
	}
	if ic.Count != 0 {
		t.Errorf("Expected entries cleared, got %d", ic.Count)
	}
	if ic.Lookup(TypeID(0)) != nil {
		t.Error("Expected megamorphic cache to always miss")
	}

	// Megamorphic is terminal.
	ic.Update(TypeID(0), &WitnessTable{TypeID: TypeID(0)})
	if ic.State != CacheMegamorphic {
		t.Errorf("Expected megamorphic to be terminal, got %v", ic.State)
	}
}

func TestInlineCacheNilTableNotCached(t *testing.T) {
	ic := &InlineCache{}
	ic.Update(TypeID(0), nil)
	if ic.State != CacheEmpty {
		t.Errorf("Expected failed lookups not to be cached, got %v", ic.State)
	}
}

func TestInlineCacheHitRate(t *testing.T) {
	ic := &InlineCache{}
	if ic.HitRate() != 0 {
		t.Errorf("Expected 0%% hit rate on a fresh cache, got %g", ic.HitRate())
	}

	wt := &WitnessTable{TypeID: TypeID(0)}
	ic.Lookup(TypeID(0)) // miss
	ic.Update(TypeID(0), wt)
	ic.Lookup(TypeID(0)) // hit
	ic.Lookup(TypeID(0)) // hit
	ic.Lookup(TypeID(0)) // hit

	if rate := ic.HitRate(); rate != 75 {
		t.Errorf("Expected 75%% hit rate, got %g", rate)
	}
}

func TestInlineCacheReset(t *testing.T) {
	ic := &InlineCache{}
	ic.Update(TypeID(0), &WitnessTable{TypeID: TypeID(0)})
	ic.Lookup(TypeID(0))

	ic.Reset()
	if ic.State != CacheEmpty || ic.Count != 0 || ic.Hits != 0 || ic.Misses != 0 {
		t.Errorf("Expected a cleared cache, got %+v", ic)
	}
}

func TestInlineCacheTablePerSite(t *testing.T) {
	tbl := NewInlineCacheTable()

	a := tbl.GetOrCreate(4)
	b := tbl.GetOrCreate(12)
	if a == b {
		t.Error("Expected distinct caches per call site")
	}
	if tbl.GetOrCreate(4) != a {
		t.Error("Expected the same cache back for the same site")
	}
	if tbl.Get(99) != nil {
		t.Error("Expected nil for a site with no cache")
	}
}

func TestInterpCachedDispatchStaysCorrect(t *testing.T) {
	// Alternating receiver types drive the site polymorphic; results must
	// not change as the cache upgrades.
	m := dispatchModule()
	vmInst := loadVM(t, m, interpOnly())
	measureFn, ok := vmInst.FunctionIndex("measure")
	if !ok {
		t.Fatal("measure function not found")
	}

	meters := TypeID(0)
	feet := TypeID(1)
	for i := 0; i < 20; i++ {
		recvType, want := meters, int64(5)
		if i%2 == 1 {
			recvType, want = feet, 500
		}
		handle, trap := vmInst.Heap().Allocate(ObjStruct, recvType, 0, 1)
		if trap != nil {
			t.Fatalf("Allocate trapped: %v", trap)
		}
		vmInst.Heap().WriteSlot(handle, 0, FromInt(5))

		result, trap := vmInst.Call(measureFn, FromHandle(handle))
		if trap != nil {
			t.Fatalf("Call trapped: %v", trap)
		}
		expectInt(t, result, want)
	}
}
