package vm

import (
	"math"
	"testing"
)

func TestValueFloatRoundtrip(t *testing.T) {
	cases := []float64{0, 1.5, -3.25, math.Pi, math.Inf(1), math.Inf(-1), math.MaxFloat64}
	for _, f := range cases {
		v := FromFloat64(f)
		if !v.IsFloat() {
			t.Errorf("Expected %g to be a float", f)
		}
		if v.Float64() != f {
			t.Errorf("Expected %g, got %g", f, v.Float64())
		}
	}
}

func TestValueRealNaNIsFloat(t *testing.T) {
	v := FromFloat64(math.NaN())
	if !v.IsFloat() {
		t.Error("Expected a real NaN to remain a float")
	}
	if v.IsInt() || v.IsRef() || v.IsSpecial() {
		t.Error("Expected a real NaN to carry no tag")
	}
	if !math.IsNaN(v.Float64()) {
		t.Error("Expected NaN back from Float64")
	}
}

func TestValueIntRoundtrip(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, MaxInt, MinInt, MaxInt - 1, MinInt + 1}
	for _, n := range cases {
		v := FromInt(n)
		if !v.IsInt() {
			t.Errorf("Expected %d to be an int", n)
		}
		if v.IsFloat() {
			t.Errorf("Expected %d not to read as a float", n)
		}
		if v.Int() != n {
			t.Errorf("Expected %d, got %d", n, v.Int())
		}
	}
}

func TestValueIntOutOfRange(t *testing.T) {
	if _, ok := TryFromInt(MaxInt + 1); ok {
		t.Error("Expected MaxInt+1 to be out of range")
	}
	if _, ok := TryFromInt(MinInt - 1); ok {
		t.Error("Expected MinInt-1 to be out of range")
	}
	defer func() {
		if recover() == nil {
			t.Error("Expected FromInt to panic out of range")
		}
	}()
	FromInt(MaxInt + 1)
}

func TestValueHandleRoundtrip(t *testing.T) {
	for _, h := range []Handle{1, 2, 1000, 0xFFFFFFFF} {
		v := FromHandle(h)
		if !v.IsRef() {
			t.Errorf("Expected handle %d to read as a ref", h)
		}
		if v.IsFloat() || v.IsInt() {
			t.Errorf("Expected handle %d not to read as a number", h)
		}
		if v.Ref() != h {
			t.Errorf("Expected handle %d, got %d", h, v.Ref())
		}
	}
}

func TestValueWitnessAndFunc(t *testing.T) {
	w := FromWitnessIndex(7)
	if !w.IsWitness() || w.WitnessIndex() != 7 {
		t.Errorf("Expected witness index 7, got %v", w)
	}
	fn := FromFuncIndex(9)
	if !fn.IsFunc() || fn.FuncIndex() != 9 {
		t.Errorf("Expected function index 9, got %v", fn)
	}
	if w.IsFunc() || fn.IsWitness() || w.IsRef() || fn.IsRef() {
		t.Error("Expected witness and func tags to stay distinct")
	}
}

func TestValueSpecials(t *testing.T) {
	if !Unit.IsUnit() || !Unit.IsSpecial() {
		t.Error("Expected Unit to be unit")
	}
	if !True.IsBool() || !False.IsBool() {
		t.Error("Expected True and False to be booleans")
	}
	if Unit.IsBool() {
		t.Error("Expected Unit not to be a boolean")
	}
	if !True.Bool() || False.Bool() {
		t.Error("Expected Bool to decode True and False")
	}
	if FromBool(true) != True || FromBool(false) != False {
		t.Error("Expected FromBool to return the canonical values")
	}
}
