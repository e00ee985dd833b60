package vm

// Profiling for tier-up decisions.
//
// The baseline interpreter increments a per-function invocation counter
// and records the receiver shape observed at every call site. The JIT
// consumes the accumulated profile read-only when a function crosses the
// hot threshold: a uniform shape justifies a guarded specialization, a
// mixed one does not.

// ShapeKind classifies an observed value shape.
type ShapeKind uint8

const (
	ShapeInt ShapeKind = iota
	ShapeFloat
	ShapeBool
	ShapeString
	ShapeUnit
	ShapeClosure
	ShapeStruct
	ShapeEnum
	ShapeWitness
)

// Shape packs an observed value shape: kind, global type id, and enum
// discriminant. Two values with equal shapes are interchangeable for every
// specialization the JIT performs.
type Shape uint64

// MakeShape packs a shape.
func MakeShape(kind ShapeKind, typeID uint32, tag uint8) Shape {
	return Shape(uint64(kind)<<48 | uint64(typeID)<<8 | uint64(tag))
}

// Kind returns the shape's kind.
func (s Shape) Kind() ShapeKind {
	return ShapeKind(s >> 48)
}

// TypeID returns the shape's global type id.
func (s Shape) TypeID() uint32 {
	return uint32(s >> 8)
}

// Tag returns the shape's enum discriminant.
func (s Shape) Tag() uint8 {
	return uint8(s)
}

// ShapeOf observes the shape of a value.
func ShapeOf(h *Heap, v Value) Shape {
	switch {
	case v.IsInt():
		return MakeShape(ShapeInt, TypeIDInt, 0)
	case v.IsFloat():
		return MakeShape(ShapeFloat, TypeIDFloat, 0)
	case v.IsBool():
		return MakeShape(ShapeBool, TypeIDBool, 0)
	case v.IsUnit():
		return MakeShape(ShapeUnit, TypeIDUnit, 0)
	case v.IsFunc():
		return MakeShape(ShapeClosure, TypeIDClosure, 0)
	case v.IsWitness():
		return MakeShape(ShapeWitness, TypeIDUnit, 0)
	case v.IsRef():
		obj := h.Get(v.Ref())
		switch obj.Kind {
		case ObjEnum:
			return MakeShape(ShapeEnum, obj.TypeID, obj.Tag)
		case ObjClosure:
			return MakeShape(ShapeClosure, TypeIDClosure, 0)
		case ObjString:
			return MakeShape(ShapeString, TypeIDString, 0)
		default:
			return MakeShape(ShapeStruct, obj.TypeID, 0)
		}
	default:
		return MakeShape(ShapeUnit, TypeIDUnit, 0)
	}
}

// maxProfiledShapes bounds a site's histogram; sites that observe more
// distinct shapes are treated as polymorphic and never specialized.
const maxProfiledShapes = 8

// CallSiteProfile holds per-call-site statistics: invocation count and the
// observed receiver-shape histogram.
type CallSiteProfile struct {
	Count    uint64
	Shapes   map[Shape]uint64
	Overflow bool // more distinct shapes than the histogram tracks
}

// Record notes one execution of the site with the given receiver shape.
func (p *CallSiteProfile) Record(shape Shape) {
	p.Count++
	if p.Shapes == nil {
		p.Shapes = make(map[Shape]uint64, 2)
	}
	if _, ok := p.Shapes[shape]; !ok && len(p.Shapes) >= maxProfiledShapes {
		p.Overflow = true
		return
	}
	p.Shapes[shape]++
}

// Uniform returns the single observed shape, if exactly one was ever seen.
func (p *CallSiteProfile) Uniform() (Shape, bool) {
	if p.Overflow || len(p.Shapes) != 1 {
		return 0, false
	}
	for s := range p.Shapes {
		return s, true
	}
	return 0, false
}

// Dominant returns the shape covering at least the given fraction of
// observations, if any.
func (p *CallSiteProfile) Dominant(min float64) (Shape, bool) {
	if s, ok := p.Uniform(); ok {
		return s, true
	}
	if p.Overflow || p.Count == 0 {
		return 0, false
	}
	var best Shape
	var bestCount uint64
	for s, n := range p.Shapes {
		if n > bestCount {
			best, bestCount = s, n
		}
	}
	if float64(bestCount) >= min*float64(p.Count) {
		return best, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Tier state
// ---------------------------------------------------------------------------

// Tier is a function's position in the compilation state machine.
type Tier uint8

const (
	// TierCold: never executed.
	TierCold Tier = iota
	// TierWarm: executing under the baseline interpreter, profiling.
	TierWarm
	// TierCompiled: executing as a compiled block.
	TierCompiled
	// TierDeoptimized: a guard failed; back under the interpreter with a
	// fresh profile, eligible for re-promotion.
	TierDeoptimized
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierCold:
		return "cold"
	case TierWarm:
		return "warm"
	case TierCompiled:
		return "compiled"
	case TierDeoptimized:
		return "deoptimized"
	default:
		return "unknown"
	}
}

// FunctionProfile aggregates profiling state for one function.
type FunctionProfile struct {
	Invocations uint64
	Tier        Tier
	Deopts      uint64

	// Sites maps call-site bytecode PC to its profile.
	Sites map[int]*CallSiteProfile
}

// SiteAt returns the call-site profile for a PC, creating it if needed.
func (fp *FunctionProfile) SiteAt(pc int) *CallSiteProfile {
	if fp.Sites == nil {
		fp.Sites = make(map[int]*CallSiteProfile)
	}
	site := fp.Sites[pc]
	if site == nil {
		site = &CallSiteProfile{}
		fp.Sites[pc] = site
	}
	return site
}

// ---------------------------------------------------------------------------
// Profiler
// ---------------------------------------------------------------------------

// Profiler tracks invocation counts for every function in a module and
// notifies the JIT when one crosses the hot threshold.
type Profiler struct {
	functions []*FunctionProfile

	// HotThreshold is the invocation count that promotes a warm
	// function. Tunable; zero disables promotion.
	HotThreshold uint64

	// OnHot is called with the function index when it crosses the
	// threshold.
	OnHot func(fn int)
}

// NewProfiler creates a profiler for a module's function table.
func NewProfiler(numFunctions int, hotThreshold uint64) *Profiler {
	p := &Profiler{
		functions:    make([]*FunctionProfile, numFunctions),
		HotThreshold: hotThreshold,
	}
	for i := range p.functions {
		p.functions[i] = &FunctionProfile{Tier: TierCold}
	}
	return p
}

// Function returns the profile for a function index.
func (p *Profiler) Function(fn int) *FunctionProfile {
	return p.functions[fn]
}

// RecordInvocation counts one invocation of a function. Returns true if
// this invocation made the function hot.
func (p *Profiler) RecordInvocation(fn int) bool {
	fp := p.functions[fn]
	fp.Invocations++
	if fp.Tier == TierCold {
		fp.Tier = TierWarm
	}

	if p.HotThreshold == 0 {
		return false
	}
	if (fp.Tier == TierWarm || fp.Tier == TierDeoptimized) && fp.Invocations >= p.HotThreshold {
		if p.OnHot != nil {
			p.OnHot(fn)
		}
		return true
	}
	return false
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	TotalFunctions       int
	WarmFunctions        int
	CompiledFunctions    int
	DeoptimizedFunctions int
	TotalInvocations     uint64
	TotalDeopts          uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var s ProfilerStats
	s.TotalFunctions = len(p.functions)
	for _, fp := range p.functions {
		s.TotalInvocations += fp.Invocations
		s.TotalDeopts += fp.Deopts
		switch fp.Tier {
		case TierWarm:
			s.WarmFunctions++
		case TierCompiled:
			s.CompiledFunctions++
		case TierDeoptimized:
			s.DeoptimizedFunctions++
		}
	}
	return s
}
