package vm

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM
// ---------------------------------------------------------------------------

// Config holds the runtime's tunable parameters.
type Config struct {
	Heap HeapConfig
	JIT  JITConfig

	// MaxCallDepth bounds the call stack; exceeding it traps with
	// StackOverflowError.
	MaxCallDepth int

	// DisableJIT pins every function to the interpreter.
	DisableJIT bool
}

// DefaultConfig returns the default runtime tuning.
func DefaultConfig() Config {
	return Config{
		Heap:         DefaultHeapConfig(),
		JIT:          DefaultJITConfig(),
		MaxCallDepth: DefaultMaxCallDepth,
	}
}

// Stats aggregates runtime counters across subsystems.
type Stats struct {
	GC       GCStats
	JIT      JITStats
	Profiler ProfilerStats
}

// VM executes one loaded module. Loading verifies the module, constructs
// every witness table, interns constants, and initializes globals; a VM
// whose constructor returned is ready to run.
//
// The VM runs its program on the calling goroutine. Abort is the only
// method safe to call concurrently.
type VM struct {
	// ID identifies this VM instance in logs.
	ID uuid.UUID

	config   Config
	log      commonlog.Logger
	module   *Module
	heap     *Heap
	resolver *Resolver
	profiler *Profiler
	jit      *JIT
	thread   *Thread
}

// LoadModule verifies a module and constructs a VM around it.
func LoadModule(m *Module, config Config) (*VM, error) {
	if err := Verify(m); err != nil {
		return nil, err
	}

	vm := &VM{
		ID:       uuid.New(),
		config:   config,
		log:      commonlog.GetLogger("foil.vm"),
		module:   m,
		heap:     NewHeap(config.Heap),
		resolver: NewResolver(m),
		profiler: NewProfiler(len(m.Functions), config.JIT.HotThreshold),
	}
	if !config.DisableJIT && config.JIT.HotThreshold > 0 {
		vm.jit = NewJIT(m, vm.resolver, vm.profiler, config.JIT)
	}

	vm.thread = newThread(m, vm.heap, vm.resolver, vm.profiler, config.MaxCallDepth)
	vm.thread.jit = vm.jit
	vm.heap.SetRoots(vm.thread)

	// Intern the constant pool. Strings go straight to the old
	// generation; they live as long as the module.
	vm.thread.consts = make([]Value, len(m.Constants))
	for i, c := range m.Constants {
		switch c.Kind {
		case ConstInt:
			v, ok := TryFromInt(c.Int)
			if !ok {
				return nil, verifyErr("constants", i, -1, "integer constant %d out of value range", c.Int)
			}
			vm.thread.consts[i] = v
		case ConstFloat:
			vm.thread.consts[i] = FromFloat64(c.Float)
		case ConstString:
			handle, trap := vm.heap.AllocateOldString(c.Str)
			if trap != nil {
				return nil, fmt.Errorf("interning constants: %s", trap)
			}
			vm.thread.consts[i] = FromHandle(handle)
		}
	}

	// Initialize globals from their declared constants.
	vm.thread.globals = make([]Value, len(m.Globals))
	for i, g := range m.Globals {
		if g.Init == NoIndex {
			vm.thread.globals[i] = Unit
		} else {
			vm.thread.globals[i] = vm.thread.consts[g.Init]
		}
	}

	vm.log.Infof("loaded module %q: %d functions, %d types, %d witness tables (vm %s)",
		m.Name, len(m.Functions), len(m.Types), vm.resolver.NumTables(), vm.ID)
	return vm, nil
}

// LoadModuleFile reads, verifies, and loads a module from a .foil file.
func LoadModuleFile(path string, config Config) (*VM, error) {
	m, err := ReadModuleFile(path)
	if err != nil {
		return nil, err
	}
	return LoadModule(m, config)
}

// Module returns the loaded module.
func (vm *VM) Module() *Module {
	return vm.module
}

// Heap returns the VM's heap.
func (vm *VM) Heap() *Heap {
	return vm.heap
}

// Resolver returns the VM's protocol dispatch resolver.
func (vm *VM) Resolver() *Resolver {
	return vm.resolver
}

// FunctionIndex looks up a function by name.
func (vm *VM) FunctionIndex(name string) (int, bool) {
	for i, fn := range vm.module.Functions {
		if fn.Name == name {
			return i, true
		}
	}
	return 0, false
}

// Run executes the module's entry function. An arity-0 entry ignores args;
// an arity-1 entry receives them as an Argv struct of strings.
func (vm *VM) Run(args ...string) (Value, *Trap) {
	if vm.module.Entry == NoIndex {
		return Unit, newTrap(TrapAborted, "module %q has no entry function", vm.module.Name)
	}
	entry := int(vm.module.Entry)
	if vm.module.Functions[entry].Arity == 0 {
		return vm.thread.Call(entry)
	}

	t := vm.thread
	argv, trap := vm.heap.Allocate(ObjStruct, TypeIDArgv, 0, len(args))
	if trap != nil {
		return Unit, trap
	}
	// Root the argv struct on the stack before allocating its strings.
	t.push(FromHandle(argv))
	for i, a := range args {
		h, trap := vm.heap.AllocateString(a)
		if trap != nil {
			t.pop()
			return Unit, trap
		}
		vm.heap.WriteSlot(argv, i, FromHandle(h))
	}
	return t.call(entry, 1, InvalidHandle)
}

// Call executes a function by index with the given arguments.
func (vm *VM) Call(fn int, args ...Value) (Value, *Trap) {
	return vm.thread.Call(fn, args...)
}

// Abort requests termination at the next safepoint. Safe to call from any
// goroutine.
func (vm *VM) Abort() {
	vm.thread.Abort()
}

// Close unloads the module: every heap object is freed. After Close the
// heap holds no objects.
func (vm *VM) Close() {
	vm.thread.consts = nil
	vm.thread.globals = nil
	vm.thread.stack = vm.thread.stack[:0]
	vm.heap.Reset()
	vm.log.Infof("unloaded module %q (vm %s)", vm.module.Name, vm.ID)
}

// Stats returns runtime counters.
func (vm *VM) Stats() Stats {
	s := Stats{
		GC:       vm.heap.Stats(),
		Profiler: vm.profiler.Stats(),
	}
	if vm.jit != nil {
		s.JIT = vm.jit.Stats()
	}
	return s
}

// SaveProfile writes the accumulated profile to a .foilprof file.
func (vm *VM) SaveProfile(path string) error {
	return SaveProfileFile(path, vm.module, vm.profiler)
}

// LoadProfile merges a .foilprof file recorded by an earlier run.
func (vm *VM) LoadProfile(path string) error {
	return LoadProfileFile(path, vm.module, vm.profiler)
}

// ---------------------------------------------------------------------------
// Exit mapping
// ---------------------------------------------------------------------------

// ExitStatus maps an entry function's result to a process exit status and
// an optional message for the error stream.
//
// When the module declares a result enum, variant 0 maps to status 0 and
// any other variant maps to status 1 with its payload rendered. Without a
// result declaration an integer result is the status directly and
// anything else is status 0.
func (vm *VM) ExitStatus(result Value) (int, string) {
	if vm.module.ResultType != NoIndex && result.IsRef() {
		obj := vm.heap.Get(result.Ref())
		if obj.Kind == ObjEnum && obj.TypeID == vm.module.ResultType {
			if obj.Tag == 0 {
				return 0, ""
			}
			if len(obj.Slots) > 0 {
				return 1, vm.FormatValue(obj.Slot(0))
			}
			return 1, ""
		}
	}
	if result.IsInt() {
		return int(result.Int() & 0xFF), ""
	}
	return 0, ""
}

// ---------------------------------------------------------------------------
// Value rendering
// ---------------------------------------------------------------------------

// FormatValue renders a value for diagnostics and the error stream.
func (vm *VM) FormatValue(v Value) string {
	return vm.formatValue(v, 0)
}

const maxFormatDepth = 8

func (vm *VM) formatValue(v Value, depth int) string {
	if depth > maxFormatDepth {
		return "..."
	}
	switch {
	case v.IsInt():
		return fmt.Sprintf("%d", v.Int())
	case v.IsFloat():
		return fmt.Sprintf("%g", v.Float64())
	case v.IsBool():
		return fmt.Sprintf("%t", v.Bool())
	case v.IsUnit():
		return "()"
	case v.IsFunc():
		return fmt.Sprintf("<fn %s>", vm.module.Functions[v.FuncIndex()].Name)
	case v.IsWitness():
		wt := vm.resolver.TableAt(v.WitnessIndex())
		return fmt.Sprintf("<witness %s: %s>",
			vm.module.Protocols[wt.Protocol].Name, vm.module.TypeNameByID(wt.TypeID))
	case v.IsRef():
		return vm.formatObject(vm.heap.Get(v.Ref()), depth)
	default:
		return "<invalid>"
	}
}

func (vm *VM) formatObject(obj *HeapObject, depth int) string {
	switch obj.Kind {
	case ObjString:
		return fmt.Sprintf("%q", obj.Str)

	case ObjClosure:
		return fmt.Sprintf("<closure %s>", vm.module.Functions[obj.FuncIndex].Name)

	case ObjEnum:
		td := vm.module.TypeByID(obj.TypeID)
		name, variant := fmt.Sprintf("Type(%d)", obj.TypeID), fmt.Sprintf("tag%d", obj.Tag)
		if td != nil {
			name = td.Name
			if int(obj.Tag) < len(td.Variants) {
				variant = td.Variants[obj.Tag].Name
			}
		}
		if len(obj.Slots) == 0 {
			return fmt.Sprintf("%s.%s", name, variant)
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s.%s(", name, variant)
		for i, s := range obj.Slots {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(vm.formatValue(s, depth+1))
		}
		sb.WriteByte(')')
		return sb.String()

	default:
		td := vm.module.TypeByID(obj.TypeID)
		name := vm.module.TypeNameByID(obj.TypeID)
		var sb strings.Builder
		sb.WriteString(name)
		sb.WriteByte('{')
		for i, s := range obj.Slots {
			if i > 0 {
				sb.WriteString(", ")
			}
			if td != nil && i < len(td.Fields) {
				fmt.Fprintf(&sb, "%s: ", td.Fields[i].Name)
			}
			sb.WriteString(vm.formatValue(s, depth+1))
		}
		sb.WriteByte('}')
		return sb.String()
	}
}
