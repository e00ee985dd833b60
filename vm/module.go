package vm

import "fmt"

// ---------------------------------------------------------------------------
// Module: a compiled Foil unit
// ---------------------------------------------------------------------------

// NoIndex is the sentinel for absent table references (no entry function,
// no result type, no global initializer).
const NoIndex uint32 = 0xFFFFFFFF

// Module is a loaded bytecode unit. It is immutable after load; the loader
// verifies it structurally before any code runs.
type Module struct {
	Name string

	Constants []Constant
	Types     []TypeDesc
	Protocols []ProtocolDesc
	Witnesses []WitnessDecl
	Functions []Function
	Globals   []GlobalDesc

	// Entry is the function index of the program entry point, or NoIndex
	// for a library module.
	Entry uint32

	// ResultType is the global type id of the entry function's result
	// enum (ok/err exit mapping), or NoIndex when the entry result maps
	// to plain success.
	ResultType uint32
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// ConstantKind discriminates constant pool entries.
type ConstantKind uint8

const (
	ConstInt ConstantKind = iota
	ConstFloat
	ConstString
)

// Constant is a constant pool entry.
type Constant struct {
	Kind  ConstantKind
	Int   int64
	Float float64
	Str   string
}

// String renders a constant for disassembly output.
func (c Constant) String() string {
	switch c.Kind {
	case ConstInt:
		return fmt.Sprintf("int %d", c.Int)
	case ConstFloat:
		return fmt.Sprintf("float %g", c.Float)
	case ConstString:
		return fmt.Sprintf("string %q", c.Str)
	default:
		return fmt.Sprintf("const(kind=%d)", c.Kind)
	}
}

// ---------------------------------------------------------------------------
// Type descriptors
// ---------------------------------------------------------------------------

// TypeKind discriminates type descriptors.
type TypeKind uint8

const (
	TypeKindStruct TypeKind = iota
	TypeKindEnum
)

// FieldDesc describes one struct field.
type FieldDesc struct {
	Name string
}

// VariantDesc describes one enum variant. Tags are contiguous from zero in
// declaration order; the verifier enforces this.
type VariantDesc struct {
	Name  string
	Tag   uint8
	Arity int // number of payload fields
}

// TypeDesc describes a user-declared struct or enum type.
type TypeDesc struct {
	Name     string
	Kind     TypeKind
	Fields   []FieldDesc   // struct fields (struct kind only)
	Variants []VariantDesc // enum variants (enum kind only)
}

// Builtin type ids occupy the low global id space; module-declared types
// follow from FirstUserTypeID. Witness declarations and dispatch use this
// single numbering.
const (
	TypeIDInt uint32 = iota
	TypeIDFloat
	TypeIDBool
	TypeIDString
	TypeIDUnit
	TypeIDClosure
	TypeIDArgv

	FirstUserTypeID uint32 = 8
)

// TypeID converts a module-local type index to its global type id.
func TypeID(index uint32) uint32 {
	return FirstUserTypeID + index
}

// TypeByID returns the descriptor for a global type id, or nil for builtin
// and out-of-range ids.
func (m *Module) TypeByID(id uint32) *TypeDesc {
	if id < FirstUserTypeID {
		return nil
	}
	idx := id - FirstUserTypeID
	if int(idx) >= len(m.Types) {
		return nil
	}
	return &m.Types[idx]
}

// TypeNameByID returns a printable name for any global type id.
func (m *Module) TypeNameByID(id uint32) string {
	switch id {
	case TypeIDInt:
		return "Int"
	case TypeIDFloat:
		return "Float"
	case TypeIDBool:
		return "Bool"
	case TypeIDString:
		return "String"
	case TypeIDUnit:
		return "Unit"
	case TypeIDClosure:
		return "Closure"
	case TypeIDArgv:
		return "Argv"
	}
	if td := m.TypeByID(id); td != nil {
		return td.Name
	}
	return fmt.Sprintf("Type(%d)", id)
}

// ---------------------------------------------------------------------------
// Protocols and witnesses
// ---------------------------------------------------------------------------

// MethodDesc describes one protocol method requirement.
type MethodDesc struct {
	Name  string
	Arity int // argument count including the receiver
}

// ProtocolDesc describes a protocol: a named capability contract with
// required methods and optional associated types.
type ProtocolDesc struct {
	Name            string
	Methods         []MethodDesc
	AssociatedTypes []string // names; witnesses bind them to type ids
}

// WitnessDecl declares that a type implements a protocol. Methods holds one
// function index per protocol method, in protocol declaration order.
// AssocBindings holds one global type id per associated type.
type WitnessDecl struct {
	Protocol      uint32   // protocol table index
	TypeID        uint32   // implementing type (global id)
	Methods       []uint32 // function table indices
	AssocBindings []uint32 // global type ids
}

// ---------------------------------------------------------------------------
// Functions and globals
// ---------------------------------------------------------------------------

// Function is one compiled function body.
type Function struct {
	Name      string
	Arity     int
	NumLocals int // local slot count, arguments included
	Code      []byte
}

// GlobalDesc declares one module global slot. Init is a constant pool index
// or NoIndex for a unit-initialized slot.
type GlobalDesc struct {
	Name string
	Init uint32
}

// ---------------------------------------------------------------------------
// ModuleBuilder
// ---------------------------------------------------------------------------

// ModuleBuilder assembles a Module in memory. It performs no verification;
// the loader alone decides whether a module is executable. Tests and the
// companion compiler both drive this API.
type ModuleBuilder struct {
	m Module
}

// NewModuleBuilder creates a builder for a named module.
func NewModuleBuilder(name string) *ModuleBuilder {
	return &ModuleBuilder{m: Module{
		Name:       name,
		Entry:      NoIndex,
		ResultType: NoIndex,
	}}
}

// AddIntConst adds an integer constant and returns its pool index.
func (b *ModuleBuilder) AddIntConst(n int64) uint16 {
	b.m.Constants = append(b.m.Constants, Constant{Kind: ConstInt, Int: n})
	return uint16(len(b.m.Constants) - 1)
}

// AddFloatConst adds a float constant and returns its pool index.
func (b *ModuleBuilder) AddFloatConst(f float64) uint16 {
	b.m.Constants = append(b.m.Constants, Constant{Kind: ConstFloat, Float: f})
	return uint16(len(b.m.Constants) - 1)
}

// AddStringConst adds a string constant and returns its pool index.
func (b *ModuleBuilder) AddStringConst(s string) uint16 {
	b.m.Constants = append(b.m.Constants, Constant{Kind: ConstString, Str: s})
	return uint16(len(b.m.Constants) - 1)
}

// AddStructType declares a struct type and returns its module-local index.
func (b *ModuleBuilder) AddStructType(name string, fields ...string) uint16 {
	td := TypeDesc{Name: name, Kind: TypeKindStruct}
	for _, f := range fields {
		td.Fields = append(td.Fields, FieldDesc{Name: f})
	}
	b.m.Types = append(b.m.Types, td)
	return uint16(len(b.m.Types) - 1)
}

// AddEnumType declares an enum type and returns its module-local index.
// Variant tags are assigned contiguously in declaration order.
func (b *ModuleBuilder) AddEnumType(name string, variants ...VariantDesc) uint16 {
	td := TypeDesc{Name: name, Kind: TypeKindEnum}
	for i, v := range variants {
		v.Tag = uint8(i)
		td.Variants = append(td.Variants, v)
	}
	b.m.Types = append(b.m.Types, td)
	return uint16(len(b.m.Types) - 1)
}

// AddProtocol declares a protocol and returns its index.
func (b *ModuleBuilder) AddProtocol(p ProtocolDesc) uint16 {
	b.m.Protocols = append(b.m.Protocols, p)
	return uint16(len(b.m.Protocols) - 1)
}

// AddWitness declares a (protocol, type) implementation and returns its index.
func (b *ModuleBuilder) AddWitness(w WitnessDecl) uint16 {
	b.m.Witnesses = append(b.m.Witnesses, w)
	return uint16(len(b.m.Witnesses) - 1)
}

// AddFunction adds a function body and returns its table index.
func (b *ModuleBuilder) AddFunction(name string, arity, numLocals int, code []byte) uint16 {
	b.m.Functions = append(b.m.Functions, Function{
		Name:      name,
		Arity:     arity,
		NumLocals: numLocals,
		Code:      code,
	})
	return uint16(len(b.m.Functions) - 1)
}

// AddGlobal declares a global slot and returns its index. Pass NoIndex for
// a unit-initialized slot.
func (b *ModuleBuilder) AddGlobal(name string, initConst uint32) uint16 {
	b.m.Globals = append(b.m.Globals, GlobalDesc{Name: name, Init: initConst})
	return uint16(len(b.m.Globals) - 1)
}

// SetEntry marks the entry function.
func (b *ModuleBuilder) SetEntry(fn uint16) {
	b.m.Entry = uint32(fn)
}

// SetResultType marks the entry result enum by global type id. Variant 0
// maps to exit status 0; variant 1 maps to a non-zero exit carrying its
// payload on the error stream.
func (b *ModuleBuilder) SetResultType(typeID uint32) {
	b.m.ResultType = typeID
}

// Build returns the assembled module.
func (b *ModuleBuilder) Build() *Module {
	return &b.m
}
