package vm

import (
	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// JIT: tier management
// ---------------------------------------------------------------------------

// JITConfig holds the compilation tier's tunable parameters.
type JITConfig struct {
	// HotThreshold is the invocation count that promotes a function from
	// the interpreter to the compiled tier. Zero disables compilation.
	HotThreshold uint64

	// MaxDeopts is the number of deoptimizations after which a function
	// stays in the interpreter for good. Repeated guard failures mean
	// the profile keeps lying about the function's behavior.
	MaxDeopts int
}

// DefaultJITConfig returns the default tiering parameters.
func DefaultJITConfig() JITConfig {
	return JITConfig{
		HotThreshold: 100,
		MaxDeopts:    3,
	}
}

// JITStats holds compilation tier counters.
type JITStats struct {
	Compilations uint64 // blocks compiled, recompilations included
	Deopts       uint64 // guard failures that discarded a block
	Blacklisted  int    // functions pinned to the interpreter
	ActiveBlocks int
}

// JIT owns the compiled tier: it reacts to hot-function notifications from
// the profiler, compiles bytecode into blocks, hands blocks to the call
// path, and discards them on guard failure. Deoptimization resets the
// function's profile so re-promotion is driven by fresh observations.
type JIT struct {
	config   JITConfig
	log      commonlog.Logger
	module   *Module
	resolver *Resolver
	profiler *Profiler

	// blocks is the per-function installed block table; nil means the
	// function runs under the interpreter.
	blocks []*CompiledBlock

	// blacklisted functions exceeded MaxDeopts.
	blacklisted []bool

	stats JITStats
}

// NewJIT creates the compiled tier and wires it to the profiler's
// hot-function notification.
func NewJIT(m *Module, r *Resolver, p *Profiler, config JITConfig) *JIT {
	j := &JIT{
		config:      config,
		log:         commonlog.GetLogger("foil.jit"),
		module:      m,
		resolver:    r,
		profiler:    p,
		blocks:      make([]*CompiledBlock, len(m.Functions)),
		blacklisted: make([]bool, len(m.Functions)),
	}
	p.HotThreshold = config.HotThreshold
	p.OnHot = j.promote
	return j
}

// BlockFor returns the installed compiled block for a function, or nil if
// the function runs under the interpreter.
func (j *JIT) BlockFor(fn int) *CompiledBlock {
	return j.blocks[fn]
}

// promote compiles a hot function and installs its block. Called from the
// profiler on the mutator goroutine, between instructions, so installation
// needs no synchronization.
func (j *JIT) promote(fn int) {
	if j.blocks[fn] != nil || j.blacklisted[fn] {
		return
	}

	fp := j.profiler.Function(fn)
	blk := compileFunction(j, fn, fp)

	blk.ID = uuid.New()
	j.blocks[fn] = blk
	fp.Tier = TierCompiled
	j.stats.Compilations++

	j.log.Debugf("compiled %q: block %s, %d ops, %d guards",
		j.module.Functions[fn].Name, blk.ID, len(blk.ops), blk.Guards)
}

// Deoptimize discards a function's compiled block after a guard failure.
// The function drops back to the interpreter with a reset profile; it
// re-promotes once it is hot again, unless it has deopted too often.
//
// Guard failure is internal tier bookkeeping. It is never surfaced to the
// running program.
func (j *JIT) Deoptimize(fn int, reason string) {
	blk := j.blocks[fn]
	if blk == nil {
		return
	}
	j.blocks[fn] = nil

	fp := j.profiler.Function(fn)
	fp.Tier = TierDeoptimized
	fp.Deopts++
	fp.Invocations = 0
	fp.Sites = nil // stale shape observations caused the guard failure

	j.stats.Deopts++
	if j.config.MaxDeopts > 0 && int(fp.Deopts) >= j.config.MaxDeopts {
		j.blacklisted[fn] = true
		j.stats.Blacklisted++
		j.log.Infof("pinned %q to the interpreter after %d deopts",
			j.module.Functions[fn].Name, fp.Deopts)
		return
	}

	j.log.Debugf("deoptimized %q (block %s): %s",
		j.module.Functions[fn].Name, blk.ID, reason)
}

// Stats returns compilation tier counters.
func (j *JIT) Stats() JITStats {
	s := j.stats
	for _, blk := range j.blocks {
		if blk != nil {
			s.ActiveBlocks++
		}
	}
	return s
}
