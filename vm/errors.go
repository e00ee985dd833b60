package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Load-time errors
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic    = errors.New("invalid magic number: expected FOIL")
	ErrVersionMismatch = errors.New("module version mismatch")
	ErrCorruptHeader   = errors.New("corrupt module header")
	ErrCorruptData     = errors.New("corrupt module data")
	ErrUnexpectedEOF   = errors.New("unexpected end of module data")
)

// VerificationError reports a structurally invalid module. A module that
// fails verification never executes, not even partially.
type VerificationError struct {
	// Section names the module section being verified ("header",
	// "constants", "types", "protocols", "witnesses", "functions", ...).
	Section string

	// Index is the table index under verification, or -1 when the error
	// is not tied to a single entry.
	Index int

	// PC is the bytecode offset within a function body, or -1 outside
	// function verification.
	PC int

	// Detail describes the violated constraint.
	Detail string
}

func (e *VerificationError) Error() string {
	switch {
	case e.PC >= 0:
		return fmt.Sprintf("verification: %s[%d] pc=%d: %s", e.Section, e.Index, e.PC, e.Detail)
	case e.Index >= 0:
		return fmt.Sprintf("verification: %s[%d]: %s", e.Section, e.Index, e.Detail)
	default:
		return fmt.Sprintf("verification: %s: %s", e.Section, e.Detail)
	}
}

func verifyErr(section string, index, pc int, format string, args ...interface{}) *VerificationError {
	return &VerificationError{
		Section: section,
		Index:   index,
		PC:      pc,
		Detail:  fmt.Sprintf(format, args...),
	}
}

// ---------------------------------------------------------------------------
// Runtime traps
// ---------------------------------------------------------------------------

// TrapKind classifies a runtime trap.
type TrapKind int

const (
	// TrapProtocolResolution: a required (protocol, type) witness is
	// absent. This indicates an upstream contract violation between the
	// front end and the runtime, not an expected runtime condition.
	TrapProtocolResolution TrapKind = iota

	// TrapOutOfMemory: the heap is exhausted after collection and growth
	// both failed to satisfy an allocation request.
	TrapOutOfMemory

	// TrapStackOverflow: call depth exceeded the configured bound.
	TrapStackOverflow

	// TrapDivideByZero: integer division or modulo by zero.
	TrapDivideByZero

	// TrapAborted: an external abort request was observed at a safepoint.
	TrapAborted
)

// String returns the trap kind name.
func (k TrapKind) String() string {
	switch k {
	case TrapProtocolResolution:
		return "ProtocolResolutionError"
	case TrapOutOfMemory:
		return "OutOfMemoryError"
	case TrapStackOverflow:
		return "StackOverflowError"
	case TrapDivideByZero:
		return "DivideByZeroError"
	case TrapAborted:
		return "Aborted"
	default:
		return fmt.Sprintf("Trap(%d)", int(k))
	}
}

// Trap is a fatal runtime condition. Traps propagate out of the executing
// program and are surfaced at the process boundary as a non-zero exit with
// diagnostic detail; they are never recoverable by the program itself.
//
// JIT guard failures are not traps: they are fully recovered by falling
// back to the baseline interpreter and are invisible to the program.
type Trap struct {
	Kind   TrapKind
	Detail string

	// Function and PC identify the trapping program point when known.
	Function string
	PC       int
}

func (t *Trap) Error() string {
	if t.Function != "" {
		return fmt.Sprintf("%s: %s (in %s at pc=%d)", t.Kind, t.Detail, t.Function, t.PC)
	}
	return fmt.Sprintf("%s: %s", t.Kind, t.Detail)
}

func newTrap(kind TrapKind, format string, args ...interface{}) *Trap {
	return &Trap{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
