// Package config handles foil.toml runtime configuration.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/tin-lang/foil/vm"
)

// Config represents a foil.toml runtime configuration.
type Config struct {
	VM   VM   `toml:"vm"`
	Heap Heap `toml:"heap"`
	JIT  JIT  `toml:"jit"`
}

// VM configures the execution engine.
type VM struct {
	// MaxCallDepth bounds the call stack.
	MaxCallDepth int `toml:"max-call-depth"`

	// DisableJIT pins every function to the interpreter.
	DisableJIT bool `toml:"disable-jit"`

	// Profile is a .foilprof path to load before and save after a run.
	Profile string `toml:"profile"`
}

// Heap configures the garbage collector.
type Heap struct {
	InitialBytes     int     `toml:"initial-bytes"`
	MaxBytes         int     `toml:"max-bytes"`
	GrowthFactor     float64 `toml:"growth-factor"`
	YoungBudgetBytes int     `toml:"young-budget-bytes"`

	// Stress collects at every allocation. Debugging aid.
	Stress bool `toml:"stress"`
}

// JIT configures the compilation tier.
type JIT struct {
	HotThreshold uint64 `toml:"hot-threshold"`
	MaxDeopts    int    `toml:"max-deopts"`
}

// Default returns the built-in configuration.
func Default() *Config {
	rt := vm.DefaultConfig()
	return &Config{
		VM: VM{MaxCallDepth: rt.MaxCallDepth},
		Heap: Heap{
			InitialBytes:     rt.Heap.InitialBytes,
			MaxBytes:         rt.Heap.MaxBytes,
			GrowthFactor:     rt.Heap.GrowthFactor,
			YoungBudgetBytes: rt.Heap.YoungBudgetBytes,
		},
		JIT: JIT{
			HotThreshold: rt.JIT.HotThreshold,
			MaxDeopts:    rt.JIT.MaxDeopts,
		},
	}
}

// Load parses a foil.toml file. Absent keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.VM.MaxCallDepth <= 0 {
		return fmt.Errorf("vm.max-call-depth must be positive, got %d", c.VM.MaxCallDepth)
	}
	if c.Heap.InitialBytes <= 0 {
		return fmt.Errorf("heap.initial-bytes must be positive, got %d", c.Heap.InitialBytes)
	}
	if c.Heap.MaxBytes < c.Heap.InitialBytes {
		return fmt.Errorf("heap.max-bytes (%d) is below heap.initial-bytes (%d)",
			c.Heap.MaxBytes, c.Heap.InitialBytes)
	}
	if c.Heap.GrowthFactor <= 1.0 {
		return fmt.Errorf("heap.growth-factor must exceed 1.0, got %g", c.Heap.GrowthFactor)
	}
	if c.Heap.YoungBudgetBytes <= 0 {
		return fmt.Errorf("heap.young-budget-bytes must be positive, got %d", c.Heap.YoungBudgetBytes)
	}
	return nil
}

// Runtime converts the configuration into the engine's tuning structs.
func (c *Config) Runtime() vm.Config {
	return vm.Config{
		Heap: vm.HeapConfig{
			InitialBytes:     c.Heap.InitialBytes,
			MaxBytes:         c.Heap.MaxBytes,
			GrowthFactor:     c.Heap.GrowthFactor,
			YoungBudgetBytes: c.Heap.YoungBudgetBytes,
			Stress:           c.Heap.Stress,
		},
		JIT: vm.JITConfig{
			HotThreshold: c.JIT.HotThreshold,
			MaxDeopts:    c.JIT.MaxDeopts,
		},
		MaxCallDepth: c.VM.MaxCallDepth,
		DisableJIT:   c.VM.DisableJIT,
	}
}
