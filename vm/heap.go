package vm

import (
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap: generational collector over a handle table
// ---------------------------------------------------------------------------

// HeapConfig holds the collector's tunable parameters.
type HeapConfig struct {
	// InitialBytes is the soft heap limit before the first growth.
	InitialBytes int

	// MaxBytes is the hard heap limit. An allocation that cannot be
	// satisfied after a full collection and growth to MaxBytes traps
	// with OutOfMemoryError.
	MaxBytes int

	// GrowthFactor scales the soft limit when a full collection leaves
	// the heap over it.
	GrowthFactor float64

	// YoungBudgetBytes is the allocation volume between minor collections.
	YoungBudgetBytes int

	// Stress forces a collection at every allocation safepoint. Test use.
	Stress bool
}

// DefaultHeapConfig returns the default collector tuning.
func DefaultHeapConfig() HeapConfig {
	return HeapConfig{
		InitialBytes:     4 << 20,
		MaxBytes:         256 << 20,
		GrowthFactor:     2.0,
		YoungBudgetBytes: 1 << 20,
	}
}

// GCStats holds collector counters.
type GCStats struct {
	MinorCycles   uint64
	MajorCycles   uint64
	Reclaimed     uint64 // objects freed across all cycles
	Promoted      uint64 // objects promoted young -> old
	LiveObjects   int
	LiveBytes     int
	PeakLiveBytes int
}

// RootSource enumerates the root set: all live frame slots of the mutator
// plus module globals and interned constants. The collector never traces
// anything it is not handed through here or through object slots.
type RootSource interface {
	VisitRoots(visit func(Value))
}

// Heap owns every Foil heap object. Values reference objects through
// handles into the object table; the table is the single owner of object
// storage, so backing storage can move or be replaced without any Value
// changing. Collection runs as a cooperating phase at allocation
// safepoints: the mutator is between instructions, so the object graph is
// consistent whenever a cycle starts.
type Heap struct {
	config HeapConfig
	log    commonlog.Logger

	// objects is the handle table. Index 0 is reserved so Handle(0) is
	// detectably invalid.
	objects []*HeapObject
	free    []Handle

	// young lists handles in the young generation.
	young []Handle

	// remembered holds old-generation handles whose slots may reference
	// young objects, maintained by the write barrier.
	remembered map[Handle]struct{}

	roots RootSource

	liveBytes       int
	softLimit       int
	allocSinceMinor int

	// markStack is the reusable tracing worklist.
	markStack []Handle

	stats GCStats
}

// NewHeap creates a heap with the given tuning.
func NewHeap(config HeapConfig) *Heap {
	if config.InitialBytes <= 0 {
		config = DefaultHeapConfig()
	}
	return &Heap{
		config:     config,
		log:        commonlog.GetLogger("foil.gc"),
		objects:    make([]*HeapObject, 1, 1024), // slot 0 reserved
		remembered: make(map[Handle]struct{}),
		softLimit:  config.InitialBytes,
	}
}

// SetRoots installs the root source. Collection before this is installed
// can only reclaim everything unreachable from nothing, so the VM installs
// it before the first allocation.
func (h *Heap) SetRoots(roots RootSource) {
	h.roots = roots
}

// Stats returns current collector counters.
func (h *Heap) Stats() GCStats {
	s := h.stats
	s.LiveObjects = h.liveObjectCount()
	s.LiveBytes = h.liveBytes
	return s
}

// LiveObjects returns the number of live heap objects.
func (h *Heap) LiveObjects() int {
	return h.liveObjectCount()
}

func (h *Heap) liveObjectCount() int {
	return len(h.objects) - 1 - len(h.free)
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

// Allocate is the single allocation entry point for both tiers. It may run
// a collection before allocating, so callers must have every live Value
// rooted (on the operand stack, in locals, or in globals) — never hold an
// unrooted Value across an allocation.
//
// New objects are born young with unit-filled slots.
func (h *Heap) Allocate(kind ObjectKind, typeID uint32, tag uint8, nSlots int) (Handle, *Trap) {
	return h.allocate(kind, typeID, tag, nSlots, "", genYoung)
}

// AllocateString allocates a string object.
func (h *Heap) AllocateString(s string) (Handle, *Trap) {
	return h.allocate(ObjString, TypeIDString, 0, 0, s, genYoung)
}

// AllocateOldString allocates a string directly in the old generation.
// The loader uses this for interned module constants, which live for the
// module's lifetime.
func (h *Heap) AllocateOldString(s string) (Handle, *Trap) {
	return h.allocate(ObjString, TypeIDString, 0, 0, s, genOld)
}

func (h *Heap) allocate(kind ObjectKind, typeID uint32, tag uint8, nSlots int, str string, gen uint8) (Handle, *Trap) {
	need := 32 + 8*nSlots + len(str)

	// Allocation is a safepoint: collect before mutating the graph.
	if h.config.Stress {
		h.Collect(true)
	} else if h.allocSinceMinor >= h.config.YoungBudgetBytes {
		h.Collect(false)
	}

	if h.liveBytes+need > h.softLimit {
		h.Collect(true)
		for h.liveBytes+need > h.softLimit && h.softLimit < h.config.MaxBytes {
			grown := int(float64(h.softLimit) * h.config.GrowthFactor)
			if grown > h.config.MaxBytes {
				grown = h.config.MaxBytes
			}
			h.log.Debugf("heap grown: soft limit %d -> %d bytes", h.softLimit, grown)
			h.softLimit = grown
		}
		if h.liveBytes+need > h.softLimit {
			return InvalidHandle, newTrap(TrapOutOfMemory,
				"allocation of %d bytes exceeds heap limit (%d live, %d max)",
				need, h.liveBytes, h.config.MaxBytes)
		}
	}

	obj := &HeapObject{
		Kind:   kind,
		Tag:    tag,
		gen:    gen,
		TypeID: typeID,
		Str:    str,
	}
	if nSlots > 0 {
		obj.Slots = make([]Value, nSlots)
		for i := range obj.Slots {
			obj.Slots[i] = Unit
		}
	}

	var handle Handle
	if n := len(h.free); n > 0 {
		handle = h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[handle] = obj
	} else {
		handle = Handle(len(h.objects))
		h.objects = append(h.objects, obj)
	}

	if gen == genYoung {
		h.young = append(h.young, handle)
	}

	h.liveBytes += need
	h.allocSinceMinor += need
	if h.liveBytes > h.stats.PeakLiveBytes {
		h.stats.PeakLiveBytes = h.liveBytes
	}

	return handle, nil
}

// Get returns the object for a handle.
// Panics on an invalid or reclaimed handle: a live Value holding such a
// handle means the reachability invariant was broken, which is a VM bug,
// never a program condition.
func (h *Heap) Get(handle Handle) *HeapObject {
	if handle == InvalidHandle || int(handle) >= len(h.objects) || h.objects[handle] == nil {
		panic("Heap.Get: dangling handle")
	}
	return h.objects[handle]
}

// TypeIDOf returns the global type id of any value.
func (h *Heap) TypeIDOf(v Value) uint32 {
	switch {
	case v.IsInt():
		return TypeIDInt
	case v.IsFloat():
		return TypeIDFloat
	case v.IsBool():
		return TypeIDBool
	case v.IsUnit():
		return TypeIDUnit
	case v.IsFunc():
		return TypeIDClosure
	case v.IsRef():
		return h.Get(v.Ref()).TypeID
	default:
		return TypeIDUnit
	}
}

// ---------------------------------------------------------------------------
// Write barrier
// ---------------------------------------------------------------------------

// WriteSlot stores v into slot i of the container, recording the mutation
// in the remembered set when an old-generation object gains a reference to
// a young one. Every pointer store outside object initialization threads
// through here so a collection at any safepoint observes a consistent
// graph.
func (h *Heap) WriteSlot(container Handle, i int, v Value) {
	obj := h.Get(container)
	obj.setSlot(i, v)
	if obj.gen == genOld && v.IsRef() && h.Get(v.Ref()).gen == genYoung {
		h.remembered[container] = struct{}{}
	}
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs one collection cycle at the current safepoint. Minor cycles
// trace the young generation from the roots plus the remembered set; full
// cycles trace everything from the roots alone. Young survivors promote to
// the old generation as a unit, so no old-to-young references remain after
// any cycle and the remembered set resets.
func (h *Heap) Collect(full bool) {
	if full {
		h.collectFull()
	} else {
		h.collectMinor()
	}
	h.allocSinceMinor = 0
}

func (h *Heap) collectMinor() {
	if len(h.young) == 0 {
		h.stats.MinorCycles++
		return
	}

	// Mark young objects reachable from roots.
	if h.roots != nil {
		h.roots.VisitRoots(func(v Value) {
			h.markYoung(v)
		})
	}

	// Mark young objects reachable from remembered old objects.
	for handle := range h.remembered {
		obj := h.objects[handle]
		if obj == nil {
			delete(h.remembered, handle)
			continue
		}
		for _, v := range obj.Slots {
			h.markYoung(v)
		}
	}

	// Sweep the young generation: free the unmarked, promote survivors.
	reclaimed := 0
	for _, handle := range h.young {
		obj := h.objects[handle]
		if obj == nil {
			continue
		}
		if obj.marked {
			obj.marked = false
			obj.survivals++
			obj.gen = genOld
			h.stats.Promoted++
		} else {
			h.freeObject(handle)
			reclaimed++
		}
	}
	h.young = h.young[:0]

	// Every young survivor promoted, so no old-to-young edges remain.
	clear(h.remembered)

	h.stats.MinorCycles++
	h.stats.Reclaimed += uint64(reclaimed)
	if reclaimed > 0 {
		h.log.Debugf("minor collection: reclaimed %d objects, %d bytes live", reclaimed, h.liveBytes)
	}
}

// markYoung traces v, marking reachable young objects. Old objects found
// during a minor cycle are left alone; their outgoing young references are
// covered by the remembered set. Marking uses an explicit worklist so deep
// object graphs cannot exhaust the Go stack.
func (h *Heap) markYoung(v Value) {
	if !v.IsRef() {
		return
	}
	h.markStack = append(h.markStack[:0], v.Ref())
	for len(h.markStack) > 0 {
		handle := h.markStack[len(h.markStack)-1]
		h.markStack = h.markStack[:len(h.markStack)-1]
		obj := h.objects[handle]
		if obj == nil || obj.gen != genYoung || obj.marked {
			continue
		}
		obj.marked = true
		for _, s := range obj.Slots {
			if s.IsRef() {
				h.markStack = append(h.markStack, s.Ref())
			}
		}
	}
}

func (h *Heap) collectFull() {
	// Mark everything reachable from the roots.
	if h.roots != nil {
		h.roots.VisitRoots(func(v Value) {
			h.markAll(v)
		})
	}

	// Sweep both generations.
	reclaimed := 0
	for i := 1; i < len(h.objects); i++ {
		obj := h.objects[i]
		if obj == nil {
			continue
		}
		if obj.marked {
			obj.marked = false
			if obj.gen == genYoung {
				obj.gen = genOld
				obj.survivals++
				h.stats.Promoted++
			}
		} else {
			h.freeObject(Handle(i))
			reclaimed++
		}
	}
	h.young = h.young[:0]
	clear(h.remembered)

	h.stats.MajorCycles++
	h.stats.Reclaimed += uint64(reclaimed)
	if reclaimed > 0 {
		h.log.Debugf("full collection: reclaimed %d objects, %d bytes live", reclaimed, h.liveBytes)
	}
}

func (h *Heap) markAll(v Value) {
	if !v.IsRef() {
		return
	}
	h.markStack = append(h.markStack[:0], v.Ref())
	for len(h.markStack) > 0 {
		handle := h.markStack[len(h.markStack)-1]
		h.markStack = h.markStack[:len(h.markStack)-1]
		obj := h.objects[handle]
		if obj == nil || obj.marked {
			continue
		}
		obj.marked = true
		for _, s := range obj.Slots {
			if s.IsRef() {
				h.markStack = append(h.markStack, s.Ref())
			}
		}
	}
}

func (h *Heap) freeObject(handle Handle) {
	obj := h.objects[handle]
	h.liveBytes -= obj.approxSize()
	h.objects[handle] = nil
	h.free = append(h.free, handle)
	delete(h.remembered, handle)
}

// Reset frees every object. Module unload path: after Reset, no heap
// objects remain allocated.
func (h *Heap) Reset() {
	for i := 1; i < len(h.objects); i++ {
		if h.objects[i] != nil {
			h.freeObject(Handle(i))
		}
	}
	h.young = h.young[:0]
	clear(h.remembered)
	h.liveBytes = 0
	h.allocSinceMinor = 0
}
