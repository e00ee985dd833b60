package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNop Opcode = 0x00 // no operation
	OpPop Opcode = 0x01 // discard top of stack
	OpDup Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpLoadUnit    Opcode = 0x10 // push unit
	OpLoadTrue    Opcode = 0x11 // push true
	OpLoadFalse   Opcode = 0x12 // push false
	OpLoadInt8    Opcode = 0x13 // push 8-bit signed integer
	OpLoadInt32   Opcode = 0x14 // push 32-bit signed integer
	OpLoadConst   Opcode = 0x15 // push constant from pool (16-bit index)
	OpLoadFunc    Opcode = 0x16 // push function reference (16-bit index)
	OpLoadWitness Opcode = 0x17 // push witness table reference (16-bit index)
)

// Variable Operations
const (
	OpLoadLocal     Opcode = 0x20 // push local slot (8-bit index)
	OpStoreLocal    Opcode = 0x21 // pop into local slot (8-bit index)
	OpLoadGlobal    Opcode = 0x22 // push global slot (16-bit index)
	OpStoreGlobal   Opcode = 0x23 // pop into global slot (16-bit index)
	OpLoadCaptured  Opcode = 0x24 // push captured variable (8-bit index)
	OpStoreCaptured Opcode = 0x25 // pop into captured variable (8-bit index)
)

// Arithmetic (int/float; pops two operands, pushes result)
const (
	OpAdd Opcode = 0x30
	OpSub Opcode = 0x31
	OpMul Opcode = 0x32
	OpDiv Opcode = 0x33
	OpMod Opcode = 0x34
	OpNeg Opcode = 0x35 // unary negation
)

// Comparison and logic
const (
	OpLt  Opcode = 0x40
	OpGt  Opcode = 0x41
	OpLe  Opcode = 0x42
	OpGe  Opcode = 0x43
	OpEq  Opcode = 0x44
	OpNe  Opcode = 0x45
	OpNot Opcode = 0x46
)

// Control Flow
const (
	OpJump        Opcode = 0x50 // unconditional jump (16-bit offset)
	OpJumpIfFalse Opcode = 0x51 // pop, jump if false (16-bit offset)
	OpJumpIfTrue  Opcode = 0x52 // pop, jump if true (16-bit offset)

	// OpJumpIfTagNot inspects the enum value on top of the stack without
	// popping it and jumps unless its discriminant equals the operand tag.
	// Match lowering emits one of these per arm.
	OpJumpIfTagNot Opcode = 0x53 // 8-bit tag, 16-bit offset
)

// Calls and Returns
const (
	OpCall         Opcode = 0x60 // direct call (16-bit function index, 8-bit argc)
	OpCallClosure  Opcode = 0x61 // call closure under args (8-bit argc)
	OpCallProtocol Opcode = 0x62 // dynamic dispatch (16-bit protocol, 8-bit method, 8-bit argc)
	OpCallWitness  Opcode = 0x63 // call through witness under args (8-bit method, 8-bit argc)
	OpReturn       Opcode = 0x64 // return top of stack
)

// Aggregates
const (
	OpNewStruct   Opcode = 0x70 // create struct from stack fields (16-bit type index)
	OpNewEnum     Opcode = 0x71 // create enum variant (16-bit type index, 8-bit tag)
	OpGetField    Opcode = 0x72 // push field of struct/variant (8-bit index)
	OpSetField    Opcode = 0x73 // store into field (8-bit index)
	OpEnumTag     Opcode = 0x74 // push discriminant tag of enum as int
	OpMakeClosure Opcode = 0x76 // create closure (16-bit function index, 8-bit capture count)
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop: {"NOP", 0},
	OpPop: {"POP", 0},
	OpDup: {"DUP", 0},

	OpLoadUnit:    {"LOAD_UNIT", 0},
	OpLoadTrue:    {"LOAD_TRUE", 0},
	OpLoadFalse:   {"LOAD_FALSE", 0},
	OpLoadInt8:    {"LOAD_INT8", 1},
	OpLoadInt32:   {"LOAD_INT32", 4},
	OpLoadConst:   {"LOAD_CONST", 2},
	OpLoadFunc:    {"LOAD_FUNC", 2},
	OpLoadWitness: {"LOAD_WITNESS", 2},

	OpLoadLocal:     {"LOAD_LOCAL", 1},
	OpStoreLocal:    {"STORE_LOCAL", 1},
	OpLoadGlobal:    {"LOAD_GLOBAL", 2},
	OpStoreGlobal:   {"STORE_GLOBAL", 2},
	OpLoadCaptured:  {"LOAD_CAPTURED", 1},
	OpStoreCaptured: {"STORE_CAPTURED", 1},

	OpAdd: {"ADD", 0},
	OpSub: {"SUB", 0},
	OpMul: {"MUL", 0},
	OpDiv: {"DIV", 0},
	OpMod: {"MOD", 0},
	OpNeg: {"NEG", 0},

	OpLt:  {"LT", 0},
	OpGt:  {"GT", 0},
	OpLe:  {"LE", 0},
	OpGe:  {"GE", 0},
	OpEq:  {"EQ", 0},
	OpNe:  {"NE", 0},
	OpNot: {"NOT", 0},

	OpJump:         {"JUMP", 2},
	OpJumpIfFalse:  {"JUMP_IF_FALSE", 2},
	OpJumpIfTrue:   {"JUMP_IF_TRUE", 2},
	OpJumpIfTagNot: {"JUMP_IF_TAG_NOT", 3},

	OpCall:         {"CALL", 3},
	OpCallClosure:  {"CALL_CLOSURE", 1},
	OpCallProtocol: {"CALL_PROTOCOL", 4},
	OpCallWitness:  {"CALL_WITNESS", 2},
	OpReturn:       {"RETURN", 0},

	OpNewStruct:   {"NEW_STRUCT", 2},
	OpNewEnum:     {"NEW_ENUM", 3},
	OpGetField:    {"GET_FIELD", 1},
	OpSetField:    {"SET_FIELD", 1},
	OpEnumTag:     {"ENUM_TAG", 0},
	OpMakeClosure: {"MAKE_CLOSURE", 3},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), OperandBytes: 0}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// Valid returns true if op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// CodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// CodeBuilder helps construct bytecode sequences.
type CodeBuilder struct {
	bytes []byte
}

// NewCodeBuilder creates a new bytecode builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *CodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *CodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *CodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *CodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *CodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *CodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *CodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(operand))
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitCall appends a CALL instruction.
func (b *CodeBuilder) EmitCall(fn uint16, argc uint8) {
	b.bytes = append(b.bytes, byte(OpCall), byte(fn), byte(fn>>8), argc)
}

// EmitCallProtocol appends a CALL_PROTOCOL instruction.
func (b *CodeBuilder) EmitCallProtocol(protocol uint16, method, argc uint8) {
	b.bytes = append(b.bytes, byte(OpCallProtocol), byte(protocol), byte(protocol>>8), method, argc)
}

// EmitCallWitness appends a CALL_WITNESS instruction.
func (b *CodeBuilder) EmitCallWitness(method, argc uint8) {
	b.bytes = append(b.bytes, byte(OpCallWitness), method, argc)
}

// EmitNewStruct appends a NEW_STRUCT instruction.
func (b *CodeBuilder) EmitNewStruct(typeIndex uint16) {
	b.bytes = append(b.bytes, byte(OpNewStruct), byte(typeIndex), byte(typeIndex>>8))
}

// EmitNewEnum appends a NEW_ENUM instruction.
func (b *CodeBuilder) EmitNewEnum(typeIndex uint16, tag uint8) {
	b.bytes = append(b.bytes, byte(OpNewEnum), byte(typeIndex), byte(typeIndex>>8), tag)
}

// EmitMakeClosure appends a MAKE_CLOSURE instruction.
func (b *CodeBuilder) EmitMakeClosure(fn uint16, nCaptures uint8) {
	b.bytes = append(b.bytes, byte(OpMakeClosure), byte(fn), byte(fn>>8), nCaptures)
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // target position once resolved
	refs     []int // positions that reference this label
}

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *CodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a jump instruction with a label.
func (b *CodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		// Backward jump: calculate offset
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		// Forward jump: record position for later patching
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
}

// EmitJumpIfTagNot emits a JUMP_IF_TAG_NOT instruction with a label.
func (b *CodeBuilder) EmitJumpIfTagNot(tag uint8, label *Label) {
	b.bytes = append(b.bytes, byte(OpJumpIfTagNot), tag)
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0)
	}
}

// ---------------------------------------------------------------------------
// Bytecode reader for interpretation and disassembly
// ---------------------------------------------------------------------------

// CodeReader reads bytecode for interpretation or disassembly.
type CodeReader struct {
	bytes []byte
	pos   int
}

// NewCodeReader creates a reader for bytecode.
func NewCodeReader(bc []byte) *CodeReader {
	return &CodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *CodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *CodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads and returns the next opcode.
func (r *CodeReader) ReadOpcode() Opcode {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	op := Opcode(r.bytes[r.pos])
	r.pos++
	return op
}

// ReadByte reads a single byte operand.
func (r *CodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		panic("bytecode underflow")
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadInt8 reads a signed 8-bit operand.
func (r *CodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a 16-bit operand (little-endian).
func (r *CodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a signed 16-bit operand (little-endian).
func (r *CodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadInt32 reads a 32-bit operand (little-endian).
func (r *CodeReader) ReadInt32() int32 {
	if r.pos+4 > len(r.bytes) {
		panic("bytecode underflow")
	}
	v := binary.LittleEndian.Uint32(r.bytes[r.pos:])
	r.pos += 4
	return int32(v)
}

// Skip advances the position by n bytes.
func (r *CodeReader) Skip(n int) {
	r.pos += n
}

// Seek sets the read position.
func (r *CodeReader) Seek(pos int) {
	r.pos = pos
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position. Returns the string representation and advances the reader.
func DisassembleInstruction(r *CodeReader) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch op {
	case OpNop, OpPop, OpDup, OpLoadUnit, OpLoadTrue, OpLoadFalse,
		OpAdd, OpSub, OpMul, OpDiv, OpMod, OpNeg,
		OpLt, OpGt, OpLe, OpGe, OpEq, OpNe, OpNot,
		OpReturn, OpEnumTag:
		return fmt.Sprintf("%04d  %s", pos, info.Name)

	case OpLoadInt8:
		v := r.ReadInt8()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, v)

	case OpLoadInt32:
		v := r.ReadInt32()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, v)

	case OpLoadLocal, OpStoreLocal, OpLoadCaptured, OpStoreCaptured,
		OpGetField, OpSetField:
		idx := r.ReadByte()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, idx)

	case OpLoadConst, OpLoadFunc, OpLoadWitness, OpLoadGlobal, OpStoreGlobal,
		OpNewStruct:
		idx := r.ReadUint16()
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, idx)

	case OpJump, OpJumpIfFalse, OpJumpIfTrue:
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, target)

	case OpJumpIfTagNot:
		tag := r.ReadByte()
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s tag=%d %d (-> %04d)", pos, info.Name, tag, offset, target)

	case OpCall:
		fn := r.ReadUint16()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s fn=%d argc=%d", pos, info.Name, fn, argc)

	case OpCallClosure:
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s argc=%d", pos, info.Name, argc)

	case OpCallProtocol:
		protocol := r.ReadUint16()
		method := r.ReadByte()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s protocol=%d method=%d argc=%d", pos, info.Name, protocol, method, argc)

	case OpCallWitness:
		method := r.ReadByte()
		argc := r.ReadByte()
		return fmt.Sprintf("%04d  %s method=%d argc=%d", pos, info.Name, method, argc)

	case OpNewEnum:
		typeIdx := r.ReadUint16()
		tag := r.ReadByte()
		return fmt.Sprintf("%04d  %s type=%d tag=%d", pos, info.Name, typeIdx, tag)

	case OpMakeClosure:
		fn := r.ReadUint16()
		nCaptures := r.ReadByte()
		return fmt.Sprintf("%04d  %s fn=%d captures=%d", pos, info.Name, fn, nCaptures)

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte) string {
	r := NewCodeReader(bc)
	var sb strings.Builder
	for r.HasMore() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(r))
	}
	return sb.String()
}
