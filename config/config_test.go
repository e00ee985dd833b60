package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tin-lang/foil/vm"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foil.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultMatchesRuntime(t *testing.T) {
	c := Default()
	rt := vm.DefaultConfig()

	if c.VM.MaxCallDepth != rt.MaxCallDepth {
		t.Errorf("Expected max call depth %d, got %d", rt.MaxCallDepth, c.VM.MaxCallDepth)
	}
	if c.Heap.MaxBytes != rt.Heap.MaxBytes {
		t.Errorf("Expected heap max bytes %d, got %d", rt.Heap.MaxBytes, c.Heap.MaxBytes)
	}
	if c.JIT.HotThreshold != rt.JIT.HotThreshold {
		t.Errorf("Expected hot threshold %d, got %d", rt.JIT.HotThreshold, c.JIT.HotThreshold)
	}
	if err := c.validate(); err != nil {
		t.Errorf("Expected the default configuration to validate, got %v", err)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
[jit]
hot-threshold = 500

[vm]
disable-jit = true
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.JIT.HotThreshold != 500 {
		t.Errorf("Expected hot threshold 500, got %d", c.JIT.HotThreshold)
	}
	if !c.VM.DisableJIT {
		t.Error("Expected the JIT disabled")
	}
	if c.Heap.MaxBytes != Default().Heap.MaxBytes {
		t.Errorf("Expected absent keys to keep defaults, got heap max %d", c.Heap.MaxBytes)
	}
}

func TestLoadFullFile(t *testing.T) {
	path := writeConfig(t, `
[vm]
max-call-depth = 2048
profile = "out.foilprof"

[heap]
initial-bytes = 1048576
max-bytes = 8388608
growth-factor = 1.5
young-budget-bytes = 262144
stress = true

[jit]
hot-threshold = 50
max-deopts = 5
`)
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	rt := c.Runtime()
	if rt.MaxCallDepth != 2048 {
		t.Errorf("Expected max call depth 2048, got %d", rt.MaxCallDepth)
	}
	if rt.Heap.InitialBytes != 1048576 || rt.Heap.MaxBytes != 8388608 {
		t.Errorf("Expected heap bounds carried through, got %d/%d", rt.Heap.InitialBytes, rt.Heap.MaxBytes)
	}
	if rt.Heap.GrowthFactor != 1.5 || !rt.Heap.Stress {
		t.Error("Expected growth factor and stress carried through")
	}
	if rt.JIT.HotThreshold != 50 || rt.JIT.MaxDeopts != 5 {
		t.Errorf("Expected JIT tuning carried through, got %d/%d", rt.JIT.HotThreshold, rt.JIT.MaxDeopts)
	}
	if c.VM.Profile != "out.foilprof" {
		t.Errorf("Expected profile path, got %q", c.VM.Profile)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestLoadMalformed(t *testing.T) {
	path := writeConfig(t, "[vm\nbroken")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("Expected a parse error, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		content string
		detail  string
	}{
		{"NegativeCallDepth", "[vm]\nmax-call-depth = -1\n", "max-call-depth"},
		{"ZeroInitialBytes", "[heap]\ninitial-bytes = 0\n", "initial-bytes"},
		{"MaxBelowInitial", "[heap]\ninitial-bytes = 4096\nmax-bytes = 1024\n", "max-bytes"},
		{"GrowthTooSmall", "[heap]\ngrowth-factor = 1.0\n", "growth-factor"},
		{"ZeroYoungBudget", "[heap]\nyoung-budget-bytes = 0\n", "young-budget-bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.detail) {
				t.Errorf("Expected an error mentioning %q, got %v", tc.detail, err)
			}
		})
	}
}
