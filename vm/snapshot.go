package vm

import (
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Profile snapshots
// ---------------------------------------------------------------------------
//
// A snapshot persists warm-phase observations to a .foilprof file so a
// later run of the same module skips the cold start: loaded profiles seed
// invocation counts and receiver-shape histograms, and hot functions
// compile on first call instead of after a fresh warm-up.

// SnapshotVersion is the .foilprof format version.
const SnapshotVersion uint32 = 1

// ErrSnapshotMismatch is returned when a snapshot was recorded for a
// different module or format version.
var ErrSnapshotMismatch = errors.New("profile snapshot does not match module")

var cborEncMode cbor.EncMode

func init() {
	var err error
	cborEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

type profileSnapshot struct {
	Version   uint32             `cbor:"1,keyasint"`
	Module    string             `cbor:"2,keyasint"`
	Functions []functionSnapshot `cbor:"3,keyasint"`
}

type functionSnapshot struct {
	Name        string         `cbor:"1,keyasint"`
	Invocations uint64         `cbor:"2,keyasint"`
	Sites       []siteSnapshot `cbor:"3,keyasint"`
}

type siteSnapshot struct {
	PC     int               `cbor:"1,keyasint"`
	Count  uint64            `cbor:"2,keyasint"`
	Shapes map[uint64]uint64 `cbor:"3,keyasint"`
}

// SnapshotProfile serializes a module's accumulated profile.
func SnapshotProfile(m *Module, p *Profiler) ([]byte, error) {
	snap := profileSnapshot{
		Version: SnapshotVersion,
		Module:  m.Name,
	}
	for i, fn := range m.Functions {
		fp := p.Function(i)
		if fp.Invocations == 0 {
			continue
		}
		fs := functionSnapshot{Name: fn.Name, Invocations: fp.Invocations}
		for pc, site := range fp.Sites {
			if site.Overflow {
				// A lying histogram is worse than none.
				continue
			}
			ss := siteSnapshot{PC: pc, Count: site.Count, Shapes: make(map[uint64]uint64, len(site.Shapes))}
			for shape, n := range site.Shapes {
				ss.Shapes[uint64(shape)] = n
			}
			fs.Sites = append(fs.Sites, ss)
		}
		snap.Functions = append(snap.Functions, fs)
	}
	return cborEncMode.Marshal(snap)
}

// RestoreProfile merges a serialized snapshot into a fresh profiler.
// Functions are matched by name; entries for functions the module no
// longer has are skipped.
func RestoreProfile(data []byte, m *Module, p *Profiler) error {
	var snap profileSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decoding profile snapshot: %w", err)
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: snapshot version %d, want %d", ErrSnapshotMismatch, snap.Version, SnapshotVersion)
	}
	if snap.Module != m.Name {
		return fmt.Errorf("%w: snapshot for module %q, loaded %q", ErrSnapshotMismatch, snap.Module, m.Name)
	}

	byName := make(map[string]int, len(m.Functions))
	for i, fn := range m.Functions {
		byName[fn.Name] = i
	}

	for _, fs := range snap.Functions {
		idx, ok := byName[fs.Name]
		if !ok {
			continue
		}
		fp := p.Function(idx)
		fp.Invocations = fs.Invocations
		if fp.Tier == TierCold && fs.Invocations > 0 {
			fp.Tier = TierWarm
		}
		for _, ss := range fs.Sites {
			site := fp.SiteAt(ss.PC)
			site.Count = ss.Count
			for shape, n := range ss.Shapes {
				if site.Shapes == nil {
					site.Shapes = make(map[Shape]uint64, len(ss.Shapes))
				}
				site.Shapes[Shape(shape)] = n
			}
		}
	}
	return nil
}

// SaveProfileFile writes a module's profile snapshot to a .foilprof file.
func SaveProfileFile(path string, m *Module, p *Profiler) error {
	data, err := SnapshotProfile(m, p)
	if err != nil {
		return fmt.Errorf("encoding profile snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing profile snapshot: %w", err)
	}
	return nil
}

// LoadProfileFile merges a .foilprof file into a profiler.
func LoadProfileFile(path string, m *Module, p *Profiler) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading profile snapshot: %w", err)
	}
	return RestoreProfile(data, m, p)
}
