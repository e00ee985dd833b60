package vm

import (
	"errors"
	"strings"
	"testing"
)

func expectVerifyError(t *testing.T, m *Module, section, detail string) {
	t.Helper()
	err := Verify(m)
	if err == nil {
		t.Fatalf("Expected a verification error mentioning %q", detail)
	}
	var ve *VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected a VerificationError, got %T: %v", err, err)
	}
	if ve.Section != section {
		t.Errorf("Expected section %q, got %q (%v)", section, ve.Section, ve)
	}
	if !strings.Contains(ve.Detail, detail) {
		t.Errorf("Expected detail containing %q, got %q", detail, ve.Detail)
	}
}

func TestVerifyAcceptsWellFormedModule(t *testing.T) {
	if err := Verify(roundtripTestModule()); err != nil {
		t.Errorf("Expected a well-formed module to verify, got %v", err)
	}
}

func TestVerifyEnumTagsContiguous(t *testing.T) {
	// The builder assigns contiguous tags itself, so construct directly.
	m := &Module{
		Name:       "m",
		Entry:      NoIndex,
		ResultType: NoIndex,
		Types: []TypeDesc{{
			Name: "Bad",
			Kind: TypeKindEnum,
			Variants: []VariantDesc{
				{Name: "A", Tag: 0},
				{Name: "B", Tag: 2},
			},
		}},
	}
	expectVerifyError(t, m, "types", "tag 2, expected 1")
}

func TestVerifyEnumNeedsVariants(t *testing.T) {
	m := &Module{
		Name:       "m",
		Entry:      NoIndex,
		ResultType: NoIndex,
		Types:      []TypeDesc{{Name: "Empty", Kind: TypeKindEnum}},
	}
	expectVerifyError(t, m, "types", "no variants")
}

func TestVerifyProtocolNeedsMethods(t *testing.T) {
	m := &Module{
		Name:       "m",
		Entry:      NoIndex,
		ResultType: NoIndex,
		Protocols:  []ProtocolDesc{{Name: "Hollow"}},
	}
	expectVerifyError(t, m, "protocols", "no methods")
}

func TestVerifyWitnessBounds(t *testing.T) {
	m := &Module{
		Name:       "m",
		Entry:      NoIndex,
		ResultType: NoIndex,
		Witnesses:  []WitnessDecl{{Protocol: 5, TypeID: TypeIDInt}},
	}
	expectVerifyError(t, m, "witnesses", "protocol index 5 out of range")
}

func TestVerifyWitnessMethodCount(t *testing.T) {
	b := NewModuleBuilder("m")
	proto := b.AddProtocol(ProtocolDesc{
		Name:    "P",
		Methods: []MethodDesc{{Name: "a", Arity: 1}, {Name: "b", Arity: 1}},
	})
	code := NewCodeBuilder()
	code.Emit(OpLoadUnit)
	code.Emit(OpReturn)
	fn := b.AddFunction("a", 1, 1, code.Bytes())
	b.AddWitness(WitnessDecl{Protocol: uint32(proto), TypeID: TypeIDInt, Methods: []uint32{uint32(fn)}})
	expectVerifyError(t, b.Build(), "witnesses", "requires 2 methods")
}

func TestVerifyWitnessArityMismatch(t *testing.T) {
	b := NewModuleBuilder("m")
	proto := b.AddProtocol(ProtocolDesc{Name: "P", Methods: []MethodDesc{{Name: "a", Arity: 2}}})
	code := NewCodeBuilder()
	code.Emit(OpLoadUnit)
	code.Emit(OpReturn)
	fn := b.AddFunction("a", 1, 1, code.Bytes())
	b.AddWitness(WitnessDecl{Protocol: uint32(proto), TypeID: TypeIDInt, Methods: []uint32{uint32(fn)}})
	expectVerifyError(t, b.Build(), "witnesses", "arity 1, protocol requires 2")
}

func TestVerifyDuplicateWitness(t *testing.T) {
	b := NewModuleBuilder("m")
	proto := b.AddProtocol(ProtocolDesc{Name: "P", Methods: []MethodDesc{{Name: "a", Arity: 1}}})
	code := NewCodeBuilder()
	code.Emit(OpLoadUnit)
	code.Emit(OpReturn)
	fn := b.AddFunction("a", 1, 1, code.Bytes())
	w := WitnessDecl{Protocol: uint32(proto), TypeID: TypeIDInt, Methods: []uint32{uint32(fn)}}
	b.AddWitness(w)
	b.AddWitness(w)
	expectVerifyError(t, b.Build(), "witnesses", "duplicate witness")
}

func TestVerifyWitnessAssocBindings(t *testing.T) {
	b := NewModuleBuilder("m")
	proto := b.AddProtocol(ProtocolDesc{
		Name:            "P",
		Methods:         []MethodDesc{{Name: "a", Arity: 1}},
		AssociatedTypes: []string{"Output"},
	})
	code := NewCodeBuilder()
	code.Emit(OpLoadUnit)
	code.Emit(OpReturn)
	fn := b.AddFunction("a", 1, 1, code.Bytes())
	b.AddWitness(WitnessDecl{Protocol: uint32(proto), TypeID: TypeIDInt, Methods: []uint32{uint32(fn)}})
	expectVerifyError(t, b.Build(), "witnesses", "witness binds 0")
}

func TestVerifyUnknownOpcode(t *testing.T) {
	b := NewModuleBuilder("m")
	b.AddFunction("bad", 0, 0, []byte{0xEE})
	expectVerifyError(t, b.Build(), "functions", "unknown opcode")
}

func TestVerifyTruncatedOperand(t *testing.T) {
	b := NewModuleBuilder("m")
	b.AddFunction("bad", 0, 0, []byte{byte(OpLoadInt32), 0x01})
	expectVerifyError(t, b.Build(), "functions", "truncated")
}

func TestVerifyLocalSlotBounds(t *testing.T) {
	b := NewModuleBuilder("m")
	code := NewCodeBuilder()
	code.EmitByte(OpLoadLocal, 3)
	code.Emit(OpReturn)
	b.AddFunction("bad", 0, 2, code.Bytes())
	expectVerifyError(t, b.Build(), "functions", "local slot 3 out of range")
}

func TestVerifyConstantBounds(t *testing.T) {
	b := NewModuleBuilder("m")
	code := NewCodeBuilder()
	code.EmitUint16(OpLoadConst, 9)
	code.Emit(OpReturn)
	b.AddFunction("bad", 0, 0, code.Bytes())
	expectVerifyError(t, b.Build(), "functions", "constant index 9 out of range")
}

func TestVerifyCallArgcMatchesArity(t *testing.T) {
	b := NewModuleBuilder("m")
	code := NewCodeBuilder()
	code.Emit(OpLoadUnit)
	code.Emit(OpReturn)
	callee := b.AddFunction("callee", 2, 2, code.Bytes())

	bad := NewCodeBuilder()
	bad.Emit(OpLoadUnit)
	bad.EmitCall(callee, 1)
	bad.Emit(OpReturn)
	b.AddFunction("caller", 0, 0, bad.Bytes())
	expectVerifyError(t, b.Build(), "functions", "with 1 args, arity is 2")
}

func TestVerifyJumpIntoOperand(t *testing.T) {
	b := NewModuleBuilder("m")
	// JUMP +1 lands inside the LOAD_INT8 operand that follows.
	code := []byte{
		byte(OpJump), 0x01, 0x00,
		byte(OpLoadInt8), 0x07,
		byte(OpReturn),
	}
	b.AddFunction("bad", 0, 0, code)
	expectVerifyError(t, b.Build(), "functions", "not an instruction boundary")
}

func TestVerifyJumpToEndAllowed(t *testing.T) {
	b := NewModuleBuilder("m")
	code := NewCodeBuilder()
	end := code.NewLabel()
	code.Emit(OpLoadUnit)
	code.EmitJump(OpJump, end)
	code.Mark(end)
	b.AddFunction("ok", 0, 0, code.Bytes())
	if err := Verify(b.Build()); err != nil {
		t.Errorf("Expected jump-to-end to verify, got %v", err)
	}
}

func TestVerifyEntryArity(t *testing.T) {
	b := NewModuleBuilder("m")
	code := NewCodeBuilder()
	code.Emit(OpLoadUnit)
	code.Emit(OpReturn)
	fn := b.AddFunction("main", 2, 2, code.Bytes())
	b.SetEntry(fn)
	expectVerifyError(t, b.Build(), "header", "arity 2, expected 0 or 1")
}

func TestVerifyEntryAcceptsArgv(t *testing.T) {
	b := NewModuleBuilder("m")
	code := NewCodeBuilder()
	code.Emit(OpLoadUnit)
	code.Emit(OpReturn)
	fn := b.AddFunction("main", 1, 1, code.Bytes())
	b.SetEntry(fn)
	if err := Verify(b.Build()); err != nil {
		t.Errorf("Expected an arity-1 entry to verify, got %v", err)
	}
}

func TestVerifyWitnessCallOperands(t *testing.T) {
	b := NewModuleBuilder("m")
	proto := b.AddProtocol(ProtocolDesc{Name: "P", Methods: []MethodDesc{{Name: "a", Arity: 1}}})
	mcode := NewCodeBuilder()
	mcode.Emit(OpLoadUnit)
	mcode.Emit(OpReturn)
	fn := b.AddFunction("a", 1, 1, mcode.Bytes())
	b.AddWitness(WitnessDecl{Protocol: uint32(proto), TypeID: TypeIDInt, Methods: []uint32{uint32(fn)}})

	// Method index 3 on a one-method protocol can never dispatch.
	code := NewCodeBuilder()
	code.EmitUint16(OpLoadWitness, 0)
	code.EmitInt8(OpLoadInt8, 1)
	code.EmitCallWitness(3, 1)
	code.Emit(OpReturn)
	b.AddFunction("bad", 0, 0, code.Bytes())
	expectVerifyError(t, b.Build(), "functions", "matches no declared protocol")
}

func TestVerifyResultTypeMustBeEnum(t *testing.T) {
	b := NewModuleBuilder("m")
	point := b.AddStructType("Point", "x")
	code := NewCodeBuilder()
	code.Emit(OpLoadUnit)
	code.Emit(OpReturn)
	fn := b.AddFunction("main", 0, 0, code.Bytes())
	b.SetEntry(fn)
	b.SetResultType(TypeID(uint32(point)))
	expectVerifyError(t, b.Build(), "header", "not a declared enum")
}

func TestVerifyNewEnumTagBounds(t *testing.T) {
	b := NewModuleBuilder("m")
	opt := b.AddEnumType("Option",
		VariantDesc{Name: "None"},
		VariantDesc{Name: "Some", Arity: 1},
	)
	code := NewCodeBuilder()
	code.EmitNewEnum(opt, 5)
	code.Emit(OpReturn)
	b.AddFunction("bad", 0, 0, code.Bytes())
	expectVerifyError(t, b.Build(), "functions", "no variant tag 5")
}
