package vm

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Block compiler
// ---------------------------------------------------------------------------
//
// A compiled block is closure-threaded code: one Go closure per bytecode
// instruction, pre-decoded and pre-resolved, executing against the same
// value stack and frame layout as the interpreter. Sharing the layout is
// what makes deoptimization exact: a failing guard sets frame.IP to its
// own bytecode position and returns, and the interpreter resumes there on
// untouched state.
//
// Speculation comes from the profile. A dispatch site dominated by one
// receiver shape while warm compiles to a type-id guard plus a direct
// call, skipping resolution and the inline cache entirely. Everything else
// compiles unspecialized, still saving the decode work.

// Control codes returned in a compiled op's next-index slot.
const (
	nextReturn = -1 // done, result valid
	nextDeopt  = -2 // guard failed, frame.IP set to the resume position
)

// compiledOp is one pre-decoded instruction. exec returns the index of the
// next op, or a control code.
type compiledOp struct {
	pc   int
	exec func(t *Thread, f *Frame) (int, Value, *Trap)
}

// CompiledBlock is the compiled form of one function.
type CompiledBlock struct {
	ID     uuid.UUID
	Fn     int
	Guards int // speculative dispatch sites

	ops []compiledOp
}

// run executes the block over a fresh frame. Returns deopted=true when a
// guard failed; frame.IP then points at the bytecode to resume from.
func (b *CompiledBlock) run(t *Thread, f *Frame) (Value, *Trap, bool) {
	i := 0
	for {
		next, result, trap := b.ops[i].exec(t, f)
		if trap != nil {
			return Unit, trap, false
		}
		switch next {
		case nextReturn:
			return result, nil, false
		case nextDeopt:
			return Unit, nil, true
		default:
			i = next
		}
	}
}

// jumpRef is a jump target patched once all instruction offsets are known.
type jumpRef struct {
	op int
}

// compileFunction compiles one function's bytecode into a block, guided by
// its warm-phase profile.
func compileFunction(j *JIT, fnIndex int, fp *FunctionProfile) *CompiledBlock {
	fn := &j.module.Functions[fnIndex]
	code := fn.Code

	blk := &CompiledBlock{Fn: fnIndex}
	pcToOp := make(map[int]int)
	var patches []struct {
		ref *jumpRef
		pc  int
	}

	jump := func(targetPC int) *jumpRef {
		ref := &jumpRef{}
		patches = append(patches, struct {
			ref *jumpRef
			pc  int
		}{ref, targetPC})
		return ref
	}

	emit := func(pc int, exec func(t *Thread, f *Frame) (int, Value, *Trap)) {
		pcToOp[pc] = len(blk.ops)
		blk.ops = append(blk.ops, compiledOp{pc: pc, exec: exec})
	}

	ip := 0
	for ip < len(code) {
		pc := ip
		op := Opcode(code[ip])
		ip++
		next := len(blk.ops) + 1 // fallthrough op index

		switch op {
		case OpNop:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				return next, Unit, nil
			})

		case OpPop:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.pop()
				return next, Unit, nil
			})

		case OpDup:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(t.peek(0))
				return next, Unit, nil
			})

		case OpLoadUnit, OpLoadTrue, OpLoadFalse:
			v := Unit
			switch op {
			case OpLoadTrue:
				v = True
			case OpLoadFalse:
				v = False
			}
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(v)
				return next, Unit, nil
			})

		case OpLoadInt8:
			v := FromInt(int64(int8(code[ip])))
			ip++
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(v)
				return next, Unit, nil
			})

		case OpLoadInt32:
			v := FromInt(int64(int32(binary.LittleEndian.Uint32(code[ip:]))))
			ip += 4
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(v)
				return next, Unit, nil
			})

		case OpLoadConst:
			idx := binary.LittleEndian.Uint16(code[ip:])
			ip += 2
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(t.consts[idx])
				return next, Unit, nil
			})

		case OpLoadFunc:
			v := FromFuncIndex(uint32(binary.LittleEndian.Uint16(code[ip:])))
			ip += 2
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(v)
				return next, Unit, nil
			})

		case OpLoadWitness:
			v := FromWitnessIndex(uint32(binary.LittleEndian.Uint16(code[ip:])))
			ip += 2
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(v)
				return next, Unit, nil
			})

		case OpLoadLocal:
			slot := int(code[ip])
			ip++
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(t.stack[f.BP+slot])
				return next, Unit, nil
			})

		case OpStoreLocal:
			slot := int(code[ip])
			ip++
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.stack[f.BP+slot] = t.pop()
				return next, Unit, nil
			})

		case OpLoadGlobal:
			idx := binary.LittleEndian.Uint16(code[ip:])
			ip += 2
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(t.globals[idx])
				return next, Unit, nil
			})

		case OpStoreGlobal:
			idx := binary.LittleEndian.Uint16(code[ip:])
			ip += 2
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.globals[idx] = t.pop()
				return next, Unit, nil
			})

		case OpLoadCaptured:
			slot := int(code[ip])
			ip++
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(t.heap.Get(f.Captured).Slot(slot))
				return next, Unit, nil
			})

		case OpStoreCaptured:
			slot := int(code[ip])
			ip++
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.heap.WriteSlot(f.Captured, slot, t.pop())
				return next, Unit, nil
			})

		case OpAdd:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				n := len(t.stack)
				a, b := t.stack[n-2], t.stack[n-1]
				if a.IsInt() && b.IsInt() {
					// Unboxed fast path.
					t.stack[n-2] = FromInt(wrap48(a.Int() + b.Int()))
				} else {
					t.stack[n-2] = numAdd(a, b)
				}
				t.stack = t.stack[:n-1]
				return next, Unit, nil
			})

		case OpSub:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				n := len(t.stack)
				a, b := t.stack[n-2], t.stack[n-1]
				if a.IsInt() && b.IsInt() {
					t.stack[n-2] = FromInt(wrap48(a.Int() - b.Int()))
				} else {
					t.stack[n-2] = numSub(a, b)
				}
				t.stack = t.stack[:n-1]
				return next, Unit, nil
			})

		case OpMul:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				n := len(t.stack)
				a, b := t.stack[n-2], t.stack[n-1]
				if a.IsInt() && b.IsInt() {
					t.stack[n-2] = FromInt(wrap48(a.Int() * b.Int()))
				} else {
					t.stack[n-2] = numMul(a, b)
				}
				t.stack = t.stack[:n-1]
				return next, Unit, nil
			})

		case OpDiv:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				b, a := t.pop(), t.pop()
				v, trap := numDiv(a, b)
				if trap != nil {
					f.IP = pc
					return 0, Unit, trap
				}
				t.push(v)
				return next, Unit, nil
			})

		case OpMod:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				b, a := t.pop(), t.pop()
				v, trap := numMod(a, b)
				if trap != nil {
					f.IP = pc
					return 0, Unit, trap
				}
				t.push(v)
				return next, Unit, nil
			})

		case OpNeg:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				a := t.pop()
				if a.IsInt() {
					t.push(FromInt(wrap48(-a.Int())))
				} else {
					t.push(FromFloat64(-a.Float64()))
				}
				return next, Unit, nil
			})

		case OpLt, OpGt, OpLe, OpGe:
			kind := op
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				n := len(t.stack)
				a, b := t.stack[n-2], t.stack[n-1]
				var r bool
				if a.IsInt() && b.IsInt() {
					ai, bi := a.Int(), b.Int()
					switch kind {
					case OpLt:
						r = ai < bi
					case OpGt:
						r = ai > bi
					case OpLe:
						r = ai <= bi
					case OpGe:
						r = ai >= bi
					}
				} else {
					switch kind {
					case OpLt:
						r = t.valueLess(a, b)
					case OpGt:
						r = t.valueLess(b, a)
					case OpLe:
						r = !t.valueLess(b, a)
					case OpGe:
						r = !t.valueLess(a, b)
					}
				}
				t.stack[n-2] = FromBool(r)
				t.stack = t.stack[:n-1]
				return next, Unit, nil
			})

		case OpEq:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				b, a := t.pop(), t.pop()
				t.push(FromBool(t.valueEq(a, b)))
				return next, Unit, nil
			})

		case OpNe:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				b, a := t.pop(), t.pop()
				t.push(FromBool(!t.valueEq(a, b)))
				return next, Unit, nil
			})

		case OpNot:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(FromBool(!t.pop().Bool()))
				return next, Unit, nil
			})

		case OpJump:
			offset := int16(binary.LittleEndian.Uint16(code[ip:]))
			ip += 2
			target := jump(ip + int(offset))
			backward := offset < 0
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				if backward && t.aborted.Load() {
					f.IP = pc
					return 0, Unit, newTrap(TrapAborted, "execution aborted")
				}
				return target.op, Unit, nil
			})

		case OpJumpIfFalse, OpJumpIfTrue:
			want := False
			if op == OpJumpIfTrue {
				want = True
			}
			offset := int16(binary.LittleEndian.Uint16(code[ip:]))
			ip += 2
			target := jump(ip + int(offset))
			backward := offset < 0
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				if t.pop() == want {
					if backward && t.aborted.Load() {
						f.IP = pc
						return 0, Unit, newTrap(TrapAborted, "execution aborted")
					}
					return target.op, Unit, nil
				}
				return next, Unit, nil
			})

		case OpJumpIfTagNot:
			tag := code[ip]
			ip++
			offset := int16(binary.LittleEndian.Uint16(code[ip:]))
			ip += 2
			target := jump(ip + int(offset))
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				if t.heap.Get(t.peek(0).Ref()).Tag != tag {
					return target.op, Unit, nil
				}
				return next, Unit, nil
			})

		case OpCall:
			targetFn := int(binary.LittleEndian.Uint16(code[ip:]))
			argc := int(code[ip+2])
			ip += 3
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				res, trap := t.call(targetFn, argc, InvalidHandle)
				if trap != nil {
					f.IP = pc
					return 0, Unit, trap
				}
				t.push(res)
				return next, Unit, nil
			})

		case OpCallClosure:
			argc := int(code[ip])
			ip++
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				callee := t.peek(argc)
				var targetFn int
				var captured Handle
				if callee.IsFunc() {
					targetFn = int(callee.FuncIndex())
				} else {
					obj := t.heap.Get(callee.Ref())
					if obj.Kind != ObjClosure {
						panic("CALL_CLOSURE on a non-closure object")
					}
					targetFn = int(obj.FuncIndex)
					captured = callee.Ref()
				}
				res, trap := t.call(targetFn, argc, captured)
				if trap != nil {
					f.IP = pc
					return 0, Unit, trap
				}
				t.stack[len(t.stack)-1] = res
				return next, Unit, nil
			})

		case OpCallProtocol:
			protocol := uint32(binary.LittleEndian.Uint16(code[ip:]))
			method := int(code[ip+2])
			argc := int(code[ip+3])
			ip += 4

			// Speculate when the warm profile saw one dominant receiver
			// shape and the witness resolves now: a type-id guard plus a
			// direct call, no resolver or cache on the hot path.
			if shape, ok := fp.Sites[pc].dominantShape(); ok {
				if targetIdx, trap := j.resolver.MethodFor(protocol, shape.TypeID(), method); trap == nil {
					targetFn := int(targetIdx)
					expected := shape.TypeID()
					blk.Guards++
					emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
						receiver := t.peek(argc - 1)
						if t.heap.TypeIDOf(receiver) != expected {
							// Guard failure: resume the interpreter at
							// this dispatch on untouched state.
							f.IP = pc
							t.jit.Deoptimize(f.Fn, fmt.Sprintf(
								"dispatch guard at %d: expected type %d, saw %d",
								pc, expected, t.heap.TypeIDOf(receiver)))
							return nextDeopt, Unit, nil
						}
						res, trap := t.call(targetFn, argc, InvalidHandle)
						if trap != nil {
							f.IP = pc
							return 0, Unit, trap
						}
						t.push(res)
						return next, Unit, nil
					})
					break
				}
			}

			// Polymorphic site: compile the cached-dispatch path as is.
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				receiver := t.peek(argc - 1)
				typeID := t.heap.TypeIDOf(receiver)
				cache := t.CacheTable(f.Fn).GetOrCreate(pc)
				table := cache.Lookup(typeID)
				if table == nil {
					wt, trap := t.resolver.Resolve(protocol, typeID)
					if trap != nil {
						f.IP = pc
						return 0, Unit, trap
					}
					cache.Update(typeID, wt)
					table = wt
				}
				res, trap := t.call(int(table.Methods[method]), argc, InvalidHandle)
				if trap != nil {
					f.IP = pc
					return 0, Unit, trap
				}
				t.push(res)
				return next, Unit, nil
			})

		case OpCallWitness:
			method := int(code[ip])
			argc := int(code[ip+1])
			ip += 2
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				table := t.resolver.TableAt(t.peek(argc).WitnessIndex())
				res, trap := t.call(int(table.Methods[method]), argc, InvalidHandle)
				if trap != nil {
					f.IP = pc
					return 0, Unit, trap
				}
				t.stack[len(t.stack)-1] = res
				return next, Unit, nil
			})

		case OpReturn:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				return nextReturn, t.pop(), nil
			})

		case OpNewStruct:
			typeIdx := binary.LittleEndian.Uint16(code[ip:])
			ip += 2
			typeID := TypeID(uint32(typeIdx))
			nFields := len(j.module.Types[typeIdx].Fields)
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				handle, trap := t.heap.Allocate(ObjStruct, typeID, 0, nFields)
				if trap != nil {
					f.IP = pc
					return 0, Unit, trap
				}
				base := len(t.stack) - nFields
				for i := 0; i < nFields; i++ {
					t.heap.WriteSlot(handle, i, t.stack[base+i])
				}
				t.stack = t.stack[:base]
				t.push(FromHandle(handle))
				return next, Unit, nil
			})

		case OpNewEnum:
			typeIdx := binary.LittleEndian.Uint16(code[ip:])
			tag := code[ip+2]
			ip += 3
			typeID := TypeID(uint32(typeIdx))
			arity := j.module.Types[typeIdx].Variants[tag].Arity
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				handle, trap := t.heap.Allocate(ObjEnum, typeID, tag, arity)
				if trap != nil {
					f.IP = pc
					return 0, Unit, trap
				}
				base := len(t.stack) - arity
				for i := 0; i < arity; i++ {
					t.heap.WriteSlot(handle, i, t.stack[base+i])
				}
				t.stack = t.stack[:base]
				t.push(FromHandle(handle))
				return next, Unit, nil
			})

		case OpGetField:
			slot := int(code[ip])
			ip++
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(t.heap.Get(t.pop().Ref()).Slot(slot))
				return next, Unit, nil
			})

		case OpSetField:
			slot := int(code[ip])
			ip++
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				v := t.pop()
				t.heap.WriteSlot(t.pop().Ref(), slot, v)
				return next, Unit, nil
			})

		case OpEnumTag:
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				t.push(FromInt(int64(t.heap.Get(t.pop().Ref()).Tag)))
				return next, Unit, nil
			})

		case OpMakeClosure:
			targetFn := uint32(binary.LittleEndian.Uint16(code[ip:]))
			nCaptures := int(code[ip+2])
			ip += 3
			emit(pc, func(t *Thread, f *Frame) (int, Value, *Trap) {
				handle, trap := t.heap.Allocate(ObjClosure, TypeIDClosure, 0, nCaptures)
				if trap != nil {
					f.IP = pc
					return 0, Unit, trap
				}
				t.heap.Get(handle).FuncIndex = targetFn
				base := len(t.stack) - nCaptures
				for i := 0; i < nCaptures; i++ {
					t.heap.WriteSlot(handle, i, t.stack[base+i])
				}
				t.stack = t.stack[:base]
				t.push(FromHandle(handle))
				return next, Unit, nil
			})

		default:
			panic(fmt.Sprintf("verified bytecode contains undefined opcode %02X at %d", byte(op), pc))
		}
	}

	// Implicit return for jump-to-end and falling off the last
	// instruction.
	end := len(code)
	numLocals := fn.NumLocals
	pcToOp[end] = len(blk.ops)
	blk.ops = append(blk.ops, compiledOp{pc: end, exec: func(t *Thread, f *Frame) (int, Value, *Trap) {
		if len(t.stack) > f.BP+numLocals {
			return nextReturn, t.pop(), nil
		}
		return nextReturn, Unit, nil
	}})

	// Resolve jump targets now that every instruction's op index is known.
	for _, p := range patches {
		opIndex, ok := pcToOp[p.pc]
		if !ok {
			panic(fmt.Sprintf("verified jump target %d is not an instruction start", p.pc))
		}
		p.ref.op = opIndex
	}

	return blk
}

// specializeDominance is the profile fraction one receiver shape must hold
// at a dispatch site before the compiler speculates on it.
const specializeDominance = 0.95

// dominantShape is Dominant on a possibly-nil site profile.
func (p *CallSiteProfile) dominantShape() (Shape, bool) {
	if p == nil {
		return 0, false
	}
	return p.Dominant(specializeDominance)
}
