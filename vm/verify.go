package vm

import "encoding/binary"

// Verify checks the structural integrity of a decoded module: table
// references resolve, enum variant tags are contiguous, witnesses cover
// their protocols, and every instruction's operands are intact and in
// bounds. A module that fails verification never executes, not even
// partially.
func Verify(m *Module) error {
	if err := verifyTypes(m); err != nil {
		return err
	}
	if err := verifyProtocols(m); err != nil {
		return err
	}
	if err := verifyWitnesses(m); err != nil {
		return err
	}
	if err := verifyGlobals(m); err != nil {
		return err
	}
	for i := range m.Functions {
		if err := verifyFunction(m, i); err != nil {
			return err
		}
	}
	if err := verifyEntry(m); err != nil {
		return err
	}
	return nil
}

func validTypeID(m *Module, id uint32) bool {
	switch id {
	case TypeIDInt, TypeIDFloat, TypeIDBool, TypeIDString, TypeIDUnit, TypeIDClosure, TypeIDArgv:
		return true
	}
	return id >= FirstUserTypeID && int(id-FirstUserTypeID) < len(m.Types)
}

func verifyTypes(m *Module) error {
	for i, td := range m.Types {
		switch td.Kind {
		case TypeKindStruct:
			if len(td.Fields) > 256 {
				return verifyErr("types", i, -1, "struct %q has %d fields, max 256", td.Name, len(td.Fields))
			}
		case TypeKindEnum:
			if len(td.Variants) == 0 {
				return verifyErr("types", i, -1, "enum %q declares no variants", td.Name)
			}
			if len(td.Variants) > 256 {
				return verifyErr("types", i, -1, "enum %q has %d variants, max 256", td.Name, len(td.Variants))
			}
			// Variant tags must be contiguous from zero in declaration
			// order so a tag is always a dense index.
			for j, v := range td.Variants {
				if int(v.Tag) != j {
					return verifyErr("types", i, -1, "enum %q variant %q: tag %d, expected %d", td.Name, v.Name, v.Tag, j)
				}
				if v.Arity > 255 {
					return verifyErr("types", i, -1, "enum %q variant %q: arity %d, max 255", td.Name, v.Name, v.Arity)
				}
			}
		default:
			return verifyErr("types", i, -1, "unknown type kind %d", td.Kind)
		}
	}
	return nil
}

func verifyProtocols(m *Module) error {
	for i, p := range m.Protocols {
		if len(p.Methods) == 0 {
			return verifyErr("protocols", i, -1, "protocol %q declares no methods", p.Name)
		}
		for j, md := range p.Methods {
			if md.Arity < 1 {
				return verifyErr("protocols", i, -1, "method %d (%q): arity %d, must include receiver", j, md.Name, md.Arity)
			}
			if md.Arity > 255 {
				return verifyErr("protocols", i, -1, "method %d (%q): arity %d, max 255", j, md.Name, md.Arity)
			}
		}
	}
	return nil
}

func verifyWitnesses(m *Module) error {
	type pair struct{ protocol, typeID uint32 }
	seen := make(map[pair]int)

	for i, w := range m.Witnesses {
		if int(w.Protocol) >= len(m.Protocols) {
			return verifyErr("witnesses", i, -1, "protocol index %d out of range (%d protocols)", w.Protocol, len(m.Protocols))
		}
		if !validTypeID(m, w.TypeID) {
			return verifyErr("witnesses", i, -1, "invalid implementing type id %d", w.TypeID)
		}

		key := pair{w.Protocol, w.TypeID}
		if prev, dup := seen[key]; dup {
			return verifyErr("witnesses", i, -1, "duplicate witness for (protocol %d, type %d), first declared at %d", w.Protocol, w.TypeID, prev)
		}
		seen[key] = i

		p := &m.Protocols[w.Protocol]
		if len(w.Methods) != len(p.Methods) {
			return verifyErr("witnesses", i, -1, "protocol %q requires %d methods, witness declares %d", p.Name, len(p.Methods), len(w.Methods))
		}
		for j, fn := range w.Methods {
			if int(fn) >= len(m.Functions) {
				return verifyErr("witnesses", i, -1, "method %d: function index %d out of range", j, fn)
			}
			if m.Functions[fn].Arity != p.Methods[j].Arity {
				return verifyErr("witnesses", i, -1, "method %q: function %q has arity %d, protocol requires %d",
					p.Methods[j].Name, m.Functions[fn].Name, m.Functions[fn].Arity, p.Methods[j].Arity)
			}
		}
		if len(w.AssocBindings) != len(p.AssociatedTypes) {
			return verifyErr("witnesses", i, -1, "protocol %q declares %d associated types, witness binds %d", p.Name, len(p.AssociatedTypes), len(w.AssocBindings))
		}
		for j, tid := range w.AssocBindings {
			if !validTypeID(m, tid) {
				return verifyErr("witnesses", i, -1, "associated type %q bound to invalid type id %d", p.AssociatedTypes[j], tid)
			}
		}
	}
	return nil
}

func verifyGlobals(m *Module) error {
	for i, g := range m.Globals {
		if g.Init != NoIndex && int(g.Init) >= len(m.Constants) {
			return verifyErr("globals", i, -1, "initializer constant %d out of range (%d constants)", g.Init, len(m.Constants))
		}
	}
	return nil
}

func verifyEntry(m *Module) error {
	if m.Entry != NoIndex {
		if int(m.Entry) >= len(m.Functions) {
			return verifyErr("header", -1, -1, "entry function index %d out of range (%d functions)", m.Entry, len(m.Functions))
		}
		if a := m.Functions[m.Entry].Arity; a > 1 {
			return verifyErr("header", -1, -1, "entry function %q has arity %d, expected 0 or 1", m.Functions[m.Entry].Name, a)
		}
	}
	if m.ResultType != NoIndex {
		td := m.TypeByID(m.ResultType)
		if td == nil || td.Kind != TypeKindEnum {
			return verifyErr("header", -1, -1, "result type id %d is not a declared enum", m.ResultType)
		}
		if len(td.Variants) < 2 {
			return verifyErr("header", -1, -1, "result enum %q needs ok and err variants, has %d", td.Name, len(td.Variants))
		}
	}
	return nil
}

// verifyFunction walks one function body: every opcode known, every operand
// intact, every index within its table, every jump on an instruction
// boundary inside the body.
func verifyFunction(m *Module, index int) error {
	fn := &m.Functions[index]

	if fn.Arity > fn.NumLocals {
		return verifyErr("functions", index, -1, "%q: arity %d exceeds local slot count %d", fn.Name, fn.Arity, fn.NumLocals)
	}
	if fn.NumLocals > 256 {
		return verifyErr("functions", index, -1, "%q: %d local slots, max 256", fn.Name, fn.NumLocals)
	}

	code := fn.Code
	starts := make(map[int]bool, len(code)/2)
	type jumpRef struct {
		pc     int
		target int
	}
	var jumps []jumpRef

	pc := 0
	for pc < len(code) {
		starts[pc] = true
		op := Opcode(code[pc])
		if !op.Valid() {
			return verifyErr("functions", index, pc, "%q: unknown opcode 0x%02X", fn.Name, byte(op))
		}
		width := op.OperandBytes()
		if pc+1+width > len(code) {
			return verifyErr("functions", index, pc, "%q: truncated %s operand", fn.Name, op)
		}
		operands := code[pc+1 : pc+1+width]
		next := pc + 1 + width

		switch op {
		case OpLoadConst:
			idx := binary.LittleEndian.Uint16(operands)
			if int(idx) >= len(m.Constants) {
				return verifyErr("functions", index, pc, "%q: constant index %d out of range", fn.Name, idx)
			}

		case OpLoadFunc:
			idx := binary.LittleEndian.Uint16(operands)
			if int(idx) >= len(m.Functions) {
				return verifyErr("functions", index, pc, "%q: function index %d out of range", fn.Name, idx)
			}

		case OpLoadWitness:
			idx := binary.LittleEndian.Uint16(operands)
			if int(idx) >= len(m.Witnesses) {
				return verifyErr("functions", index, pc, "%q: witness index %d out of range", fn.Name, idx)
			}

		case OpLoadLocal, OpStoreLocal:
			if int(operands[0]) >= fn.NumLocals {
				return verifyErr("functions", index, pc, "%q: local slot %d out of range (%d slots)", fn.Name, operands[0], fn.NumLocals)
			}

		case OpLoadGlobal, OpStoreGlobal:
			idx := binary.LittleEndian.Uint16(operands)
			if int(idx) >= len(m.Globals) {
				return verifyErr("functions", index, pc, "%q: global slot %d out of range", fn.Name, idx)
			}

		case OpJump, OpJumpIfFalse, OpJumpIfTrue:
			offset := int16(binary.LittleEndian.Uint16(operands))
			jumps = append(jumps, jumpRef{pc: pc, target: next + int(offset)})

		case OpJumpIfTagNot:
			offset := int16(binary.LittleEndian.Uint16(operands[1:]))
			jumps = append(jumps, jumpRef{pc: pc, target: next + int(offset)})

		case OpCall:
			idx := binary.LittleEndian.Uint16(operands)
			if int(idx) >= len(m.Functions) {
				return verifyErr("functions", index, pc, "%q: call target %d out of range", fn.Name, idx)
			}
			if argc := int(operands[2]); argc != m.Functions[idx].Arity {
				return verifyErr("functions", index, pc, "%q: call to %q with %d args, arity is %d",
					fn.Name, m.Functions[idx].Name, argc, m.Functions[idx].Arity)
			}

		case OpCallProtocol:
			protoIdx := binary.LittleEndian.Uint16(operands)
			if int(protoIdx) >= len(m.Protocols) {
				return verifyErr("functions", index, pc, "%q: protocol index %d out of range", fn.Name, protoIdx)
			}
			p := &m.Protocols[protoIdx]
			method := int(operands[2])
			if method >= len(p.Methods) {
				return verifyErr("functions", index, pc, "%q: protocol %q has no method %d", fn.Name, p.Name, method)
			}
			if argc := int(operands[3]); argc != p.Methods[method].Arity {
				return verifyErr("functions", index, pc, "%q: dispatch to %q.%q with %d args, arity is %d",
					fn.Name, p.Name, p.Methods[method].Name, argc, p.Methods[method].Arity)
			}

		case OpCallWitness:
			// The witness itself flows on the stack, so the exact protocol
			// is a runtime fact. The operands still have to fit some
			// declared protocol: a method index and argc no protocol can
			// satisfy could never dispatch.
			method := int(operands[0])
			argc := int(operands[1])
			matched := false
			for _, p := range m.Protocols {
				if method < len(p.Methods) && p.Methods[method].Arity == argc {
					matched = true
					break
				}
			}
			if !matched {
				return verifyErr("functions", index, pc, "%q: witness call to method %d with %d args matches no declared protocol", fn.Name, method, argc)
			}

		case OpNewStruct:
			idx := binary.LittleEndian.Uint16(operands)
			if int(idx) >= len(m.Types) {
				return verifyErr("functions", index, pc, "%q: type index %d out of range", fn.Name, idx)
			}
			if m.Types[idx].Kind != TypeKindStruct {
				return verifyErr("functions", index, pc, "%q: NEW_STRUCT on non-struct type %q", fn.Name, m.Types[idx].Name)
			}

		case OpNewEnum:
			idx := binary.LittleEndian.Uint16(operands)
			if int(idx) >= len(m.Types) {
				return verifyErr("functions", index, pc, "%q: type index %d out of range", fn.Name, idx)
			}
			td := &m.Types[idx]
			if td.Kind != TypeKindEnum {
				return verifyErr("functions", index, pc, "%q: NEW_ENUM on non-enum type %q", fn.Name, td.Name)
			}
			if tag := int(operands[2]); tag >= len(td.Variants) {
				return verifyErr("functions", index, pc, "%q: enum %q has no variant tag %d (%d variants)",
					fn.Name, td.Name, tag, len(td.Variants))
			}

		case OpMakeClosure:
			idx := binary.LittleEndian.Uint16(operands)
			if int(idx) >= len(m.Functions) {
				return verifyErr("functions", index, pc, "%q: closure function %d out of range", fn.Name, idx)
			}
		}

		pc = next
	}

	for _, j := range jumps {
		if j.target == len(code) {
			continue // jump to end is an implicit return point
		}
		if j.target < 0 || j.target > len(code) || !starts[j.target] {
			return verifyErr("functions", index, j.pc, "%q: jump target %d is not an instruction boundary", fn.Name, j.target)
		}
	}

	return nil
}
