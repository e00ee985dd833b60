package vm

import "fmt"

// ---------------------------------------------------------------------------
// Heap objects
// ---------------------------------------------------------------------------

// ObjectKind discriminates heap object layouts.
type ObjectKind uint8

const (
	// ObjStruct: fields in Slots, type descriptor via TypeID.
	ObjStruct ObjectKind = iota
	// ObjEnum: discriminant in Tag, payload fields in Slots.
	ObjEnum
	// ObjClosure: code reference in FuncIndex, captured environment in Slots.
	ObjClosure
	// ObjString: immutable bytes in Str.
	ObjString
)

// String returns the kind name.
func (k ObjectKind) String() string {
	switch k {
	case ObjStruct:
		return "struct"
	case ObjEnum:
		return "enum"
	case ObjClosure:
		return "closure"
	case ObjString:
		return "string"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Object generation
const (
	genYoung uint8 = 0
	genOld   uint8 = 1
)

// HeapObject is one tracked heap allocation. The leading fields are the
// object header: collector metadata plus the type descriptor id that keeps
// a value's discriminant consistent with its payload layout.
type HeapObject struct {
	Kind   ObjectKind
	Tag    uint8 // enum discriminant (ObjEnum only)
	gen    uint8
	marked bool

	// survivals counts minor collections survived while young.
	survivals uint8

	// TypeID is the global type id (builtin or module-declared).
	TypeID uint32

	// FuncIndex is the closure's code reference (ObjClosure only).
	FuncIndex uint32

	// Slots hold struct fields, enum payloads, or closure captures.
	Slots []Value

	// Str holds string payload (ObjString only).
	Str string
}

// NumSlots returns the slot count.
func (o *HeapObject) NumSlots() int {
	return len(o.Slots)
}

// Slot returns the value in slot i.
// Panics if i is out of range.
func (o *HeapObject) Slot(i int) Value {
	if i < 0 || i >= len(o.Slots) {
		panic(fmt.Sprintf("HeapObject.Slot: index %d out of range (%d slots)", i, len(o.Slots)))
	}
	return o.Slots[i]
}

// setSlot stores directly without a write barrier. Only the collector and
// object initialization (before the object is reachable by old-gen
// containers) may use it; everything else goes through Heap.WriteSlot.
func (o *HeapObject) setSlot(i int, v Value) {
	if i < 0 || i >= len(o.Slots) {
		panic(fmt.Sprintf("HeapObject.setSlot: index %d out of range (%d slots)", i, len(o.Slots)))
	}
	o.Slots[i] = v
}

// approxSize estimates the object's heap footprint in bytes for the
// collector's budget accounting.
func (o *HeapObject) approxSize() int {
	return 32 + 8*len(o.Slots) + len(o.Str)
}
