package vm

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
)

func TestSnapshotRoundtrip(t *testing.T) {
	m := dispatchModule()
	p := NewProfiler(len(m.Functions), 0)

	fp := p.Function(2) // measure
	fp.Invocations = 40
	fp.Tier = TierWarm
	site := fp.SiteAt(2)
	shape := MakeShape(ShapeStruct, 8, 0)
	for i := 0; i < 40; i++ {
		site.Record(shape)
	}

	data, err := SnapshotProfile(m, p)
	if err != nil {
		t.Fatalf("SnapshotProfile failed: %v", err)
	}

	restored := NewProfiler(len(m.Functions), 0)
	if err := RestoreProfile(data, m, restored); err != nil {
		t.Fatalf("RestoreProfile failed: %v", err)
	}

	rp := restored.Function(2)
	if rp.Invocations != 40 {
		t.Errorf("Expected 40 invocations, got %d", rp.Invocations)
	}
	if rp.Tier != TierWarm {
		t.Errorf("Expected a restored function seeded warm, got %v", rp.Tier)
	}
	rsite := rp.SiteAt(2)
	if rsite.Count != 40 || rsite.Shapes[shape] != 40 {
		t.Errorf("Expected the site histogram restored, got count %d shapes %v", rsite.Count, rsite.Shapes)
	}
	if got, ok := rsite.Uniform(); !ok || got != shape {
		t.Error("Expected the restored site to stay uniform")
	}

	// Untouched functions stay cold.
	if restored.Function(0).Tier != TierCold {
		t.Errorf("Expected unprofiled functions cold, got %v", restored.Function(0).Tier)
	}
}

func TestSnapshotSkipsColdFunctions(t *testing.T) {
	m := dispatchModule()
	p := NewProfiler(len(m.Functions), 0)
	p.Function(0).Invocations = 1

	data, err := SnapshotProfile(m, p)
	if err != nil {
		t.Fatalf("SnapshotProfile failed: %v", err)
	}

	var snap profileSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if len(snap.Functions) != 1 {
		t.Errorf("Expected only the invoked function recorded, got %d entries", len(snap.Functions))
	}
}

func TestSnapshotSkipsOverflowedSites(t *testing.T) {
	m := dispatchModule()
	p := NewProfiler(len(m.Functions), 0)

	fp := p.Function(2)
	fp.Invocations = 10
	site := fp.SiteAt(2)
	for i := 0; i < maxProfiledShapes+1; i++ {
		site.Record(MakeShape(ShapeStruct, uint32(8+i), 0))
	}

	data, err := SnapshotProfile(m, p)
	if err != nil {
		t.Fatalf("SnapshotProfile failed: %v", err)
	}
	restored := NewProfiler(len(m.Functions), 0)
	if err := RestoreProfile(data, m, restored); err != nil {
		t.Fatalf("RestoreProfile failed: %v", err)
	}
	if len(restored.Function(2).Sites) != 0 {
		t.Error("Expected the overflowed site dropped from the snapshot")
	}
}

func TestRestoreRejectsWrongModule(t *testing.T) {
	m := dispatchModule()
	p := NewProfiler(len(m.Functions), 0)
	p.Function(0).Invocations = 1

	data, err := SnapshotProfile(m, p)
	if err != nil {
		t.Fatalf("SnapshotProfile failed: %v", err)
	}

	other := pairModule()
	if err := RestoreProfile(data, other, NewProfiler(len(other.Functions), 0)); !errors.Is(err, ErrSnapshotMismatch) {
		t.Errorf("Expected ErrSnapshotMismatch, got %v", err)
	}
}

func TestRestoreSkipsUnknownFunctions(t *testing.T) {
	m := dispatchModule()
	p := NewProfiler(len(m.Functions), 0)
	p.Function(0).Invocations = 5 // Meters.magnitude

	data, err := SnapshotProfile(m, p)
	if err != nil {
		t.Fatalf("SnapshotProfile failed: %v", err)
	}

	// Same module name, different function table.
	b := NewModuleBuilder("dispatch")
	code := NewCodeBuilder()
	code.Emit(OpLoadUnit)
	code.Emit(OpReturn)
	b.AddFunction("unrelated", 0, 0, code.Bytes())
	stripped := b.Build()

	restored := NewProfiler(1, 0)
	if err := RestoreProfile(data, stripped, restored); err != nil {
		t.Fatalf("RestoreProfile failed: %v", err)
	}
	if restored.Function(0).Invocations != 0 {
		t.Error("Expected entries for removed functions to be skipped")
	}
}

func TestProfileFileRoundtrip(t *testing.T) {
	m := dispatchModule()
	p := NewProfiler(len(m.Functions), 0)
	p.Function(2).Invocations = 7

	path := filepath.Join(t.TempDir(), "dispatch.foilprof")
	if err := SaveProfileFile(path, m, p); err != nil {
		t.Fatalf("SaveProfileFile failed: %v", err)
	}

	restored := NewProfiler(len(m.Functions), 0)
	if err := LoadProfileFile(path, m, restored); err != nil {
		t.Fatalf("LoadProfileFile failed: %v", err)
	}
	if restored.Function(2).Invocations != 7 {
		t.Errorf("Expected 7 invocations restored, got %d", restored.Function(2).Invocations)
	}
}

func TestSeededProfileCompilesOnFirstHotCall(t *testing.T) {
	m := dispatchModule()
	config := jitConfig(10)
	vmInst := loadVM(t, m, config)

	// Hand the fresh VM a profile one call short of the threshold.
	warm := NewProfiler(len(m.Functions), 0)
	warm.Function(2).Invocations = 9
	path := filepath.Join(t.TempDir(), "warm.foilprof")
	if err := SaveProfileFile(path, m, warm); err != nil {
		t.Fatalf("SaveProfileFile failed: %v", err)
	}
	if err := vmInst.LoadProfile(path); err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}

	measureFn, _ := vmInst.FunctionIndex("measure")
	handle, _ := vmInst.Heap().Allocate(ObjStruct, TypeID(0), 0, 1)
	vmInst.Heap().WriteSlot(handle, 0, FromInt(4))
	result, trap := vmInst.Call(measureFn, FromHandle(handle))
	if trap != nil {
		t.Fatalf("Call trapped: %v", trap)
	}
	expectInt(t, result, 4)

	if s := vmInst.Stats(); s.JIT.Compilations == 0 {
		t.Error("Expected the seeded function to compile on its first call")
	}
}
