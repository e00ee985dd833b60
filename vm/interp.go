package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Baseline interpreter
// ---------------------------------------------------------------------------

// DefaultMaxCallDepth bounds the call stack when no tuning is supplied.
const DefaultMaxCallDepth = 4096

// Frame is one activation record. Locals live on the thread's value stack
// at [BP, BP+NumLocals); the operand region grows above them.
type Frame struct {
	Fn int // function table index
	BP int // stack index of local slot 0
	IP int // bytecode position

	// Captured is the closure environment object, or InvalidHandle for a
	// plain function call.
	Captured Handle
}

// Thread executes bytecode for one module. Foil runs a single mutator
// goroutine; the only cross-goroutine interaction is Abort, which is why
// the flag is atomic and nothing else is.
//
// Operand kinds are the front end's obligation: a module that passed
// verification and upstream type checking never applies ADD to a unit.
// The interpreter panics on such contract violations instead of
// translating them into program-visible traps.
type Thread struct {
	module   *Module
	heap     *Heap
	resolver *Resolver
	profiler *Profiler
	jit      *JIT // nil runs interpreter-only

	// globals and consts are GC roots alongside the value stack.
	globals []Value
	consts  []Value

	stack    []Value
	depth    int
	maxDepth int

	// caches holds per-function inline cache tables, created on first
	// dispatch from the function.
	caches []*InlineCacheTable

	aborted atomic.Bool
}

// newThread creates an execution thread over loaded module state.
func newThread(m *Module, h *Heap, r *Resolver, p *Profiler, maxDepth int) *Thread {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxCallDepth
	}
	return &Thread{
		module:   m,
		heap:     h,
		resolver: r,
		profiler: p,
		maxDepth: maxDepth,
		stack:    make([]Value, 0, 256),
		caches:   make([]*InlineCacheTable, len(m.Functions)),
	}
}

// VisitRoots enumerates every Value the collector must treat as live: the
// whole value stack, module globals, and interned constants.
func (t *Thread) VisitRoots(visit func(Value)) {
	for _, v := range t.stack {
		visit(v)
	}
	for _, v := range t.globals {
		visit(v)
	}
	for _, v := range t.consts {
		visit(v)
	}
}

// Abort requests termination at the next safepoint. Safe to call from any
// goroutine.
func (t *Thread) Abort() {
	t.aborted.Store(true)
}

// Depth returns the current call depth.
func (t *Thread) Depth() int {
	return t.depth
}

// CacheTable returns the inline cache table for a function, creating it on
// first use.
func (t *Thread) CacheTable(fn int) *InlineCacheTable {
	if t.caches[fn] == nil {
		t.caches[fn] = NewInlineCacheTable()
	}
	return t.caches[fn]
}

func (t *Thread) push(v Value) {
	t.stack = append(t.stack, v)
}

func (t *Thread) pop() Value {
	v := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	return v
}

// peek returns the value n slots below the top (0 = top).
func (t *Thread) peek(n int) Value {
	return t.stack[len(t.stack)-1-n]
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call invokes function fn with argc arguments already pushed. The callee
// frame adopts the argument slots as its leading locals; on return the
// stack is truncated back to the frame base and the result is returned to
// the caller, which decides where it goes.
//
// Call entry is a safepoint.
func (t *Thread) call(fn int, argc int, captured Handle) (Value, *Trap) {
	if t.aborted.Load() {
		return Unit, newTrap(TrapAborted, "execution aborted")
	}

	f := &t.module.Functions[fn]
	if argc != f.Arity {
		panic(fmt.Sprintf("call to %q: %d args for arity %d", f.Name, argc, f.Arity))
	}
	if t.depth >= t.maxDepth {
		return Unit, &Trap{
			Kind:     TrapStackOverflow,
			Detail:   fmt.Sprintf("call depth exceeds %d frames", t.maxDepth),
			Function: f.Name,
		}
	}

	bp := len(t.stack) - argc
	for i := argc; i < f.NumLocals; i++ {
		t.stack = append(t.stack, Unit)
	}

	frame := &Frame{Fn: fn, BP: bp, Captured: captured}
	t.depth++

	if t.profiler != nil {
		t.profiler.RecordInvocation(fn)
	}

	var result Value
	var trap *Trap

	// Try the compiled tier first. A deopting block leaves frame.IP at
	// the bytecode position to resume from and falls through to the
	// interpreter.
	deopted := true
	if t.jit != nil {
		if blk := t.jit.BlockFor(fn); blk != nil {
			result, trap, deopted = blk.run(t, frame)
		}
	}
	if deopted {
		result, trap = t.run(frame)
	}

	t.depth--
	t.stack = t.stack[:bp]

	if trap != nil {
		if trap.Function == "" {
			trap.Function = f.Name
			trap.PC = frame.IP
		}
		return Unit, trap
	}
	return result, nil
}

// Call invokes a function by index with explicit arguments. Entry point
// for the VM and for tests.
func (t *Thread) Call(fn int, args ...Value) (Value, *Trap) {
	for _, a := range args {
		t.push(a)
	}
	return t.call(fn, len(args), InvalidHandle)
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// run interprets a frame from frame.IP until it returns or traps.
func (t *Thread) run(f *Frame) (Value, *Trap) {
	fn := &t.module.Functions[f.Fn]
	code := fn.Code

	var fp *FunctionProfile
	if t.profiler != nil {
		fp = t.profiler.Function(f.Fn)
	}

	for {
		if f.IP >= len(code) {
			// Jump-to-end is an implicit return of the top operand,
			// unit when the operand region is empty.
			if len(t.stack) > f.BP+fn.NumLocals {
				return t.pop(), nil
			}
			return Unit, nil
		}

		pc := f.IP
		op := Opcode(code[f.IP])
		f.IP++

		switch op {
		case OpNop:

		case OpPop:
			t.pop()

		case OpDup:
			t.push(t.peek(0))

		case OpLoadUnit:
			t.push(Unit)
		case OpLoadTrue:
			t.push(True)
		case OpLoadFalse:
			t.push(False)

		case OpLoadInt8:
			t.push(FromInt(int64(int8(code[f.IP]))))
			f.IP++

		case OpLoadInt32:
			n := int32(binary.LittleEndian.Uint32(code[f.IP:]))
			f.IP += 4
			t.push(FromInt(int64(n)))

		case OpLoadConst:
			idx := binary.LittleEndian.Uint16(code[f.IP:])
			f.IP += 2
			t.push(t.consts[idx])

		case OpLoadFunc:
			idx := binary.LittleEndian.Uint16(code[f.IP:])
			f.IP += 2
			t.push(FromFuncIndex(uint32(idx)))

		case OpLoadWitness:
			idx := binary.LittleEndian.Uint16(code[f.IP:])
			f.IP += 2
			t.push(FromWitnessIndex(uint32(idx)))

		case OpLoadLocal:
			t.push(t.stack[f.BP+int(code[f.IP])])
			f.IP++

		case OpStoreLocal:
			t.stack[f.BP+int(code[f.IP])] = t.pop()
			f.IP++

		case OpLoadGlobal:
			idx := binary.LittleEndian.Uint16(code[f.IP:])
			f.IP += 2
			t.push(t.globals[idx])

		case OpStoreGlobal:
			idx := binary.LittleEndian.Uint16(code[f.IP:])
			f.IP += 2
			t.globals[idx] = t.pop()

		case OpLoadCaptured:
			t.push(t.heap.Get(f.Captured).Slot(int(code[f.IP])))
			f.IP++

		case OpStoreCaptured:
			t.heap.WriteSlot(f.Captured, int(code[f.IP]), t.pop())
			f.IP++

		case OpAdd:
			b, a := t.pop(), t.pop()
			t.push(numAdd(a, b))
		case OpSub:
			b, a := t.pop(), t.pop()
			t.push(numSub(a, b))
		case OpMul:
			b, a := t.pop(), t.pop()
			t.push(numMul(a, b))
		case OpDiv:
			b, a := t.pop(), t.pop()
			v, trap := numDiv(a, b)
			if trap != nil {
				return Unit, trap
			}
			t.push(v)
		case OpMod:
			b, a := t.pop(), t.pop()
			v, trap := numMod(a, b)
			if trap != nil {
				return Unit, trap
			}
			t.push(v)
		case OpNeg:
			a := t.pop()
			if a.IsInt() {
				t.push(FromInt(wrap48(-a.Int())))
			} else {
				t.push(FromFloat64(-a.Float64()))
			}

		case OpLt:
			b, a := t.pop(), t.pop()
			t.push(FromBool(t.valueLess(a, b)))
		case OpGt:
			b, a := t.pop(), t.pop()
			t.push(FromBool(t.valueLess(b, a)))
		case OpLe:
			b, a := t.pop(), t.pop()
			t.push(FromBool(!t.valueLess(b, a)))
		case OpGe:
			b, a := t.pop(), t.pop()
			t.push(FromBool(!t.valueLess(a, b)))
		case OpEq:
			b, a := t.pop(), t.pop()
			t.push(FromBool(t.valueEq(a, b)))
		case OpNe:
			b, a := t.pop(), t.pop()
			t.push(FromBool(!t.valueEq(a, b)))
		case OpNot:
			t.push(FromBool(!t.pop().Bool()))

		case OpJump:
			offset := int16(binary.LittleEndian.Uint16(code[f.IP:]))
			f.IP += 2
			f.IP += int(offset)
			// Loop back-edges are safepoints.
			if offset < 0 && t.aborted.Load() {
				return Unit, newTrap(TrapAborted, "execution aborted")
			}

		case OpJumpIfFalse:
			offset := int16(binary.LittleEndian.Uint16(code[f.IP:]))
			f.IP += 2
			if t.pop() == False {
				f.IP += int(offset)
				if offset < 0 && t.aborted.Load() {
					return Unit, newTrap(TrapAborted, "execution aborted")
				}
			}

		case OpJumpIfTrue:
			offset := int16(binary.LittleEndian.Uint16(code[f.IP:]))
			f.IP += 2
			if t.pop() == True {
				f.IP += int(offset)
				if offset < 0 && t.aborted.Load() {
					return Unit, newTrap(TrapAborted, "execution aborted")
				}
			}

		case OpJumpIfTagNot:
			tag := code[f.IP]
			f.IP++
			offset := int16(binary.LittleEndian.Uint16(code[f.IP:]))
			f.IP += 2
			if t.heap.Get(t.peek(0).Ref()).Tag != tag {
				f.IP += int(offset)
			}

		case OpCall:
			target := binary.LittleEndian.Uint16(code[f.IP:])
			argc := int(code[f.IP+2])
			f.IP += 3
			res, trap := t.call(int(target), argc, InvalidHandle)
			if trap != nil {
				return Unit, trap
			}
			t.push(res)

		case OpCallClosure:
			argc := int(code[f.IP])
			f.IP++
			callee := t.peek(argc)
			var target int
			var captured Handle
			if callee.IsFunc() {
				target = int(callee.FuncIndex())
			} else {
				obj := t.heap.Get(callee.Ref())
				if obj.Kind != ObjClosure {
					panic("CALL_CLOSURE on a non-closure object")
				}
				target = int(obj.FuncIndex)
				captured = callee.Ref()
			}
			res, trap := t.call(target, argc, captured)
			if trap != nil {
				return Unit, trap
			}
			// The callee slot is still beneath; replace it with the result.
			t.stack[len(t.stack)-1] = res

		case OpCallProtocol:
			protocol := binary.LittleEndian.Uint16(code[f.IP:])
			method := int(code[f.IP+2])
			argc := int(code[f.IP+3])
			f.IP += 4

			receiver := t.peek(argc - 1)
			typeID := t.heap.TypeIDOf(receiver)
			if fp != nil {
				fp.SiteAt(pc).Record(ShapeOf(t.heap, receiver))
			}

			cache := t.CacheTable(f.Fn).GetOrCreate(pc)
			table := cache.Lookup(typeID)
			if table == nil {
				wt, trap := t.resolver.Resolve(uint32(protocol), typeID)
				if trap != nil {
					return Unit, trap
				}
				cache.Update(typeID, wt)
				table = wt
			}

			res, trap := t.call(int(table.Methods[method]), argc, InvalidHandle)
			if trap != nil {
				return Unit, trap
			}
			t.push(res)

		case OpCallWitness:
			method := int(code[f.IP])
			argc := int(code[f.IP+1])
			f.IP += 2
			table := t.resolver.TableAt(t.peek(argc).WitnessIndex())
			res, trap := t.call(int(table.Methods[method]), argc, InvalidHandle)
			if trap != nil {
				return Unit, trap
			}
			// Replace the witness slot beneath with the result.
			t.stack[len(t.stack)-1] = res

		case OpReturn:
			return t.pop(), nil

		case OpNewStruct:
			typeIdx := binary.LittleEndian.Uint16(code[f.IP:])
			f.IP += 2
			nFields := len(t.module.Types[typeIdx].Fields)
			handle, trap := t.heap.Allocate(ObjStruct, TypeID(uint32(typeIdx)), 0, nFields)
			if trap != nil {
				return Unit, trap
			}
			base := len(t.stack) - nFields
			for i := 0; i < nFields; i++ {
				t.heap.WriteSlot(handle, i, t.stack[base+i])
			}
			t.stack = t.stack[:base]
			t.push(FromHandle(handle))

		case OpNewEnum:
			typeIdx := binary.LittleEndian.Uint16(code[f.IP:])
			tag := code[f.IP+2]
			f.IP += 3
			arity := t.module.Types[typeIdx].Variants[tag].Arity
			handle, trap := t.heap.Allocate(ObjEnum, TypeID(uint32(typeIdx)), tag, arity)
			if trap != nil {
				return Unit, trap
			}
			base := len(t.stack) - arity
			for i := 0; i < arity; i++ {
				t.heap.WriteSlot(handle, i, t.stack[base+i])
			}
			t.stack = t.stack[:base]
			t.push(FromHandle(handle))

		case OpGetField:
			idx := int(code[f.IP])
			f.IP++
			t.push(t.heap.Get(t.pop().Ref()).Slot(idx))

		case OpSetField:
			idx := int(code[f.IP])
			f.IP++
			v := t.pop()
			t.heap.WriteSlot(t.pop().Ref(), idx, v)

		case OpEnumTag:
			t.push(FromInt(int64(t.heap.Get(t.pop().Ref()).Tag)))

		case OpMakeClosure:
			target := binary.LittleEndian.Uint16(code[f.IP:])
			nCaptures := int(code[f.IP+2])
			f.IP += 3
			handle, trap := t.heap.Allocate(ObjClosure, TypeIDClosure, 0, nCaptures)
			if trap != nil {
				return Unit, trap
			}
			obj := t.heap.Get(handle)
			obj.FuncIndex = uint32(target)
			base := len(t.stack) - nCaptures
			for i := 0; i < nCaptures; i++ {
				t.heap.WriteSlot(handle, i, t.stack[base+i])
			}
			t.stack = t.stack[:base]
			t.push(FromHandle(handle))

		default:
			panic(fmt.Sprintf("verified bytecode contains undefined opcode %02X at %d", byte(op), pc))
		}
	}
}

// ---------------------------------------------------------------------------
// Value semantics shared by both tiers
// ---------------------------------------------------------------------------

// wrap48 wraps an int64 into the 48-bit signed integer range.
func wrap48(n int64) int64 {
	return (n << 16) >> 16
}

func numFloat(v Value) float64 {
	if v.IsInt() {
		return float64(v.Int())
	}
	return v.Float64()
}

func numAdd(a, b Value) Value {
	if a.IsInt() && b.IsInt() {
		return FromInt(wrap48(a.Int() + b.Int()))
	}
	return FromFloat64(numFloat(a) + numFloat(b))
}

func numSub(a, b Value) Value {
	if a.IsInt() && b.IsInt() {
		return FromInt(wrap48(a.Int() - b.Int()))
	}
	return FromFloat64(numFloat(a) - numFloat(b))
}

func numMul(a, b Value) Value {
	if a.IsInt() && b.IsInt() {
		return FromInt(wrap48(a.Int() * b.Int()))
	}
	return FromFloat64(numFloat(a) * numFloat(b))
}

func numDiv(a, b Value) (Value, *Trap) {
	if a.IsInt() && b.IsInt() {
		if b.Int() == 0 {
			return Unit, newTrap(TrapDivideByZero, "integer division by zero")
		}
		return FromInt(wrap48(a.Int() / b.Int())), nil
	}
	// Float division by zero yields an infinity, not a trap.
	return FromFloat64(numFloat(a) / numFloat(b)), nil
}

func numMod(a, b Value) (Value, *Trap) {
	if a.IsInt() && b.IsInt() {
		if b.Int() == 0 {
			return Unit, newTrap(TrapDivideByZero, "integer modulo by zero")
		}
		return FromInt(wrap48(a.Int() % b.Int())), nil
	}
	return FromFloat64(math.Mod(numFloat(a), numFloat(b))), nil
}

// valueEq implements EQ: numeric comparison across int and float, content
// comparison for strings, identity for everything else.
func (t *Thread) valueEq(a, b Value) bool {
	switch {
	case a.IsInt() && b.IsInt():
		return a.Int() == b.Int()
	case (a.IsInt() || a.IsFloat()) && (b.IsInt() || b.IsFloat()):
		return numFloat(a) == numFloat(b)
	case a.IsRef() && b.IsRef():
		oa, ob := t.heap.Get(a.Ref()), t.heap.Get(b.Ref())
		if oa.Kind == ObjString && ob.Kind == ObjString {
			return oa.Str == ob.Str
		}
		return a == b
	default:
		return a == b
	}
}

// valueLess implements LT over numbers and strings.
func (t *Thread) valueLess(a, b Value) bool {
	switch {
	case a.IsInt() && b.IsInt():
		return a.Int() < b.Int()
	case (a.IsInt() || a.IsFloat()) && (b.IsInt() || b.IsFloat()):
		return numFloat(a) < numFloat(b)
	case a.IsRef() && b.IsRef():
		return t.heap.Get(a.Ref()).Str < t.heap.Get(b.Ref()).Str
	default:
		panic("ordered comparison on unordered operands")
	}
}
