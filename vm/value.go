package vm

import "math"

// Value represents a Foil value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN (Not-a-Number) space using the quiet NaN prefix
// and tag bits to distinguish kinds.
//
// Encoding scheme:
//   - Float: Native IEEE 754 double (if not a tagged NaN, it's a float)
//   - Int: Quiet NaN + tagInt + 48-bit signed payload
//   - Ref: Quiet NaN + tagRef + heap handle index
//   - Witness: Quiet NaN + tagWitness + witness table index
//   - Func: Quiet NaN + tagFunc + function table index
//   - Special: Quiet NaN + tagSpecial + special value ID (unit/true/false)
//
// Heap values carry a handle, never a machine address. The collector owns
// the handle table and is free to move or replace backing storage without
// any Value changing bit pattern.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Tag mask: 3 bits within the NaN mantissa space
	tagMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for handle/int/index
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagRef     uint64 = 0x0001000000000000 // heap handle
	tagInt     uint64 = 0x0002000000000000 // 48-bit signed integer
	tagSpecial uint64 = 0x0003000000000000 // unit, true, false
	tagWitness uint64 = 0x0004000000000000 // protocol witness table index
	tagFunc    uint64 = 0x0005000000000000 // function table index

	// Sign bit for 48-bit integer sign extension
	intSignBit uint64 = 0x0000800000000000

	// Mask for sign extension
	intSignExtend uint64 = 0xFFFF000000000000
)

// Special value payloads
const (
	specialUnit  uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Unit  Value = Value(nanBits | tagSpecial | specialUnit)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// Int range (48-bit signed)
const (
	MaxInt int64 = (1 << 47) - 1
	MinInt int64 = -(1 << 47)
)

// Handle identifies a heap object in the collector's object table.
// Handle 0 is never allocated so the zero value is detectably invalid.
type Handle uint32

// InvalidHandle is the reserved never-allocated handle.
const InvalidHandle Handle = 0

// ---------------------------------------------------------------------------
// Kind checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
// A value is a float if it's not one of our tagged NaN values.
// This includes regular numbers, infinities, and "real" NaN values.
func (v Value) IsFloat() bool {
	bits := uint64(v)

	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		// Exponent is not all 1s, so it's a regular float
		return true
	}

	// Exponent is all 1s. Could be Infinity or NaN.
	mantissa := bits & 0x000FFFFFFFFFFFFF
	if mantissa == 0 {
		return true // +Inf or -Inf
	}

	if (bits & nanBits) != nanBits {
		// Quiet NaN bit not set - signaling NaN, treat as float
		return true
	}

	tag := bits & tagMask
	if tag == 0 {
		// A "real" quiet NaN, treat as float
		return true
	}

	return false
}

// IsInt returns true if v represents a small integer.
func (v Value) IsInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsRef returns true if v carries a heap handle.
func (v Value) IsRef() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagRef)
}

// IsWitness returns true if v references a protocol witness table.
func (v Value) IsWitness() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagWitness)
}

// IsFunc returns true if v is a bare function reference.
func (v Value) IsFunc() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagFunc)
}

// IsUnit returns true if v is the unit value.
func (v Value) IsUnit() bool {
	return v == Unit
}

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsSpecial returns true if v is unit, true, or false.
func (v Value) IsSpecial() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSpecial)
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// Int operations
// ---------------------------------------------------------------------------

// Int returns v as an int64.
// Panics if v is not an integer.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("Value.Int: not an integer")
	}
	payload := uint64(v) & payloadMask

	// Sign extend from 48 bits to 64 bits
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromInt creates a Value from an int64.
// Panics if n is outside the Int range.
func FromInt(n int64) Value {
	if n > MaxInt || n < MinInt {
		panic("FromInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromInt creates a Value from an int64, returning false if out of range.
func TryFromInt(n int64) (Value, bool) {
	if n > MaxInt || n < MinInt {
		return Unit, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// ---------------------------------------------------------------------------
// Handle operations
// ---------------------------------------------------------------------------

// Ref returns the heap handle encoded in v.
// Panics if v is not a ref.
func (v Value) Ref() Handle {
	if !v.IsRef() {
		panic("Value.Ref: not a heap reference")
	}
	return Handle(uint64(v) & payloadMask)
}

// FromHandle creates a Value from a heap handle.
func FromHandle(h Handle) Value {
	return Value(nanBits | tagRef | uint64(h))
}

// ---------------------------------------------------------------------------
// Witness operations
// ---------------------------------------------------------------------------

// WitnessIndex returns the witness table index encoded in v.
// Panics if v is not a witness.
func (v Value) WitnessIndex() uint32 {
	if !v.IsWitness() {
		panic("Value.WitnessIndex: not a witness")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromWitnessIndex creates a Value from a witness table index.
func FromWitnessIndex(idx uint32) Value {
	return Value(nanBits | tagWitness | uint64(idx))
}

// ---------------------------------------------------------------------------
// Function operations
// ---------------------------------------------------------------------------

// FuncIndex returns the function table index encoded in v.
// Panics if v is not a function reference.
func (v Value) FuncIndex() uint32 {
	if !v.IsFunc() {
		panic("Value.FuncIndex: not a function")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromFuncIndex creates a Value from a function table index.
func FromFuncIndex(idx uint32) Value {
	return Value(nanBits | tagFunc | uint64(idx))
}

// ---------------------------------------------------------------------------
// Boolean operations
// ---------------------------------------------------------------------------

// Bool returns v as a bool.
// Panics if v is not true or false.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}
