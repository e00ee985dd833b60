package vm

import (
	"testing"
)

func TestShapePacking(t *testing.T) {
	s := MakeShape(ShapeEnum, 12, 3)
	if s.Kind() != ShapeEnum {
		t.Errorf("Expected enum kind, got %d", s.Kind())
	}
	if s.TypeID() != 12 {
		t.Errorf("Expected type id 12, got %d", s.TypeID())
	}
	if s.Tag() != 3 {
		t.Errorf("Expected tag 3, got %d", s.Tag())
	}
}

func TestShapeOfPrimitives(t *testing.T) {
	h, _ := newTestHeap()

	if s := ShapeOf(h, FromInt(7)); s.Kind() != ShapeInt {
		t.Errorf("Expected int shape, got %d", s.Kind())
	}
	if s := ShapeOf(h, FromFloat64(1.5)); s.Kind() != ShapeFloat {
		t.Errorf("Expected float shape, got %d", s.Kind())
	}
	if s := ShapeOf(h, True); s.Kind() != ShapeBool {
		t.Errorf("Expected bool shape, got %d", s.Kind())
	}
	if s := ShapeOf(h, Unit); s.Kind() != ShapeUnit {
		t.Errorf("Expected unit shape, got %d", s.Kind())
	}
}

func TestShapeOfHeapObjects(t *testing.T) {
	h, _ := newTestHeap()

	strct, _ := h.Allocate(ObjStruct, TypeID(9), 0, 1)
	s := ShapeOf(h, FromHandle(strct))
	if s.Kind() != ShapeStruct || s.TypeID() != TypeID(9) {
		t.Errorf("Expected struct shape with type id %d, got kind %d id %d", TypeID(9), s.Kind(), s.TypeID())
	}

	enum, _ := h.Allocate(ObjEnum, TypeID(10), 2, 0)
	s = ShapeOf(h, FromHandle(enum))
	if s.Kind() != ShapeEnum || s.Tag() != 2 {
		t.Errorf("Expected enum shape with tag 2, got kind %d tag %d", s.Kind(), s.Tag())
	}

	// Same type, different discriminant: distinct shapes.
	other, _ := h.Allocate(ObjEnum, TypeID(10), 1, 0)
	if ShapeOf(h, FromHandle(enum)) == ShapeOf(h, FromHandle(other)) {
		t.Error("Expected enum variants to have distinct shapes")
	}
}

func TestCallSiteProfileUniform(t *testing.T) {
	site := &CallSiteProfile{}
	shape := MakeShape(ShapeStruct, 8, 0)
	for i := 0; i < 5; i++ {
		site.Record(shape)
	}

	got, ok := site.Uniform()
	if !ok || got != shape {
		t.Errorf("Expected uniform shape %v, got %v (ok=%t)", shape, got, ok)
	}
	if site.Count != 5 {
		t.Errorf("Expected count 5, got %d", site.Count)
	}

	site.Record(MakeShape(ShapeStruct, 9, 0))
	if _, ok := site.Uniform(); ok {
		t.Error("Expected a mixed site to not be uniform")
	}
}

func TestCallSiteProfileDominant(t *testing.T) {
	site := &CallSiteProfile{}
	common := MakeShape(ShapeStruct, 8, 0)
	rare := MakeShape(ShapeStruct, 9, 0)
	for i := 0; i < 9; i++ {
		site.Record(common)
	}
	site.Record(rare)

	if got, ok := site.Dominant(0.9); !ok || got != common {
		t.Errorf("Expected the common shape dominant at 90%%, got %v (ok=%t)", got, ok)
	}
	if _, ok := site.Dominant(0.95); ok {
		t.Error("Expected no dominant shape at 95%%")
	}
}

func TestCallSiteProfileOverflow(t *testing.T) {
	site := &CallSiteProfile{}
	for i := 0; i < maxProfiledShapes+4; i++ {
		site.Record(MakeShape(ShapeStruct, uint32(8+i), 0))
	}

	if !site.Overflow {
		t.Error("Expected overflow after too many distinct shapes")
	}
	if len(site.Shapes) != maxProfiledShapes {
		t.Errorf("Expected the histogram capped at %d, got %d", maxProfiledShapes, len(site.Shapes))
	}
	if _, ok := site.Uniform(); ok {
		t.Error("Expected an overflowed site to never be uniform")
	}
	if _, ok := site.Dominant(0.1); ok {
		t.Error("Expected an overflowed site to never report a dominant shape")
	}
}

func TestProfilerPromotesAtThreshold(t *testing.T) {
	p := NewProfiler(2, 3)
	var hot []int
	p.OnHot = func(fn int) { hot = append(hot, fn) }

	p.RecordInvocation(0)
	if p.Function(0).Tier != TierWarm {
		t.Errorf("Expected warm after first invocation, got %v", p.Function(0).Tier)
	}
	p.RecordInvocation(0)
	if len(hot) != 0 {
		t.Fatal("Expected no promotion below the threshold")
	}
	if !p.RecordInvocation(0) {
		t.Error("Expected the threshold-crossing invocation to report hot")
	}
	if len(hot) != 1 || hot[0] != 0 {
		t.Errorf("Expected function 0 promoted once, got %v", hot)
	}
	if p.Function(1).Tier != TierCold {
		t.Error("Expected the untouched function to stay cold")
	}
}

func TestProfilerZeroThresholdNeverPromotes(t *testing.T) {
	p := NewProfiler(1, 0)
	p.OnHot = func(int) { t.Fatal("Expected no promotion with threshold 0") }
	for i := 0; i < 100; i++ {
		p.RecordInvocation(0)
	}
}

func TestProfilerDeoptimizedReheats(t *testing.T) {
	p := NewProfiler(1, 2)
	fired := 0
	p.OnHot = func(int) { fired++ }

	p.RecordInvocation(0)
	p.RecordInvocation(0) // promotes
	fp := p.Function(0)
	fp.Tier = TierDeoptimized
	fp.Invocations = 0

	p.RecordInvocation(0)
	p.RecordInvocation(0)
	if fired != 2 {
		t.Errorf("Expected a deoptimized function to re-promote, OnHot fired %d times", fired)
	}
}
