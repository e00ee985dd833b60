// Foil CLI - loads and executes compiled Tin modules.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"

	"github.com/tin-lang/foil/config"
	"github.com/tin-lang/foil/vm"
)

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0-2)")
	configPath := flag.String("config", "", "Path to foil.toml (defaults are used when absent)")
	noJIT := flag.Bool("no-jit", false, "Run interpreter-only")
	profilePath := flag.String("profile", "", "Profile snapshot to load before and save after the run")
	stats := flag.Bool("stats", false, "Print runtime statistics after the run")
	dump := flag.Bool("dump", false, "Disassemble the module instead of running it")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: foil [options] <module.foil> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Loads, verifies, and executes a compiled Tin module.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  foil app.foil                      # Run with defaults\n")
		fmt.Fprintf(os.Stderr, "  foil -config foil.toml app.foil    # Run with explicit tuning\n")
		fmt.Fprintf(os.Stderr, "  foil -profile app.foilprof app.foil  # Warm-start from a saved profile\n")
		fmt.Fprintf(os.Stderr, "  foil -dump app.foil                # Disassemble\n")
		fmt.Fprintf(os.Stderr, "  foil app.foil input.txt            # Run with program arguments\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	modulePath := flag.Arg(0)
	programArgs := flag.Args()[1:]

	if *dump {
		if err := dumpModule(modulePath); err != nil {
			fmt.Fprintf(os.Stderr, "foil: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "foil: %v\n", err)
			os.Exit(1)
		}
	}
	if *noJIT {
		cfg.VM.DisableJIT = true
	}
	if *profilePath != "" {
		cfg.VM.Profile = *profilePath
	}

	vmInst, err := vm.LoadModuleFile(modulePath, cfg.Runtime())
	if err != nil {
		fmt.Fprintf(os.Stderr, "foil: %v\n", err)
		os.Exit(1)
	}

	if cfg.VM.Profile != "" {
		if err := vmInst.LoadProfile(cfg.VM.Profile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "foil: warning: %v\n", err)
		}
	}

	result, trap := vmInst.Run(programArgs...)
	if trap != nil {
		fmt.Fprintf(os.Stderr, "foil: %v\n", trap)
		os.Exit(1)
	}

	if cfg.VM.Profile != "" {
		if err := vmInst.SaveProfile(cfg.VM.Profile); err != nil {
			fmt.Fprintf(os.Stderr, "foil: warning: %v\n", err)
		}
	}

	if *stats {
		printStats(vmInst)
	}

	status, message := vmInst.ExitStatus(result)
	if message != "" {
		fmt.Fprintln(os.Stderr, message)
	}
	vmInst.Close()
	os.Exit(status)
}

func printStats(vmInst *vm.VM) {
	s := vmInst.Stats()
	fmt.Fprintf(os.Stderr, "gc:  %d minor, %d major, %d reclaimed, %d promoted, peak %d bytes\n",
		s.GC.MinorCycles, s.GC.MajorCycles, s.GC.Reclaimed, s.GC.Promoted, s.GC.PeakLiveBytes)
	fmt.Fprintf(os.Stderr, "jit: %d compiled, %d active, %d deopts, %d blacklisted\n",
		s.JIT.Compilations, s.JIT.ActiveBlocks, s.JIT.Deopts, s.JIT.Blacklisted)
	fmt.Fprintf(os.Stderr, "profile: %d invocations across %d functions (%d compiled, %d warm)\n",
		s.Profiler.TotalInvocations, s.Profiler.TotalFunctions,
		s.Profiler.CompiledFunctions, s.Profiler.WarmFunctions)
}

func dumpModule(path string) error {
	m, err := vm.ReadModuleFile(path)
	if err != nil {
		return err
	}
	if err := vm.Verify(m); err != nil {
		return err
	}

	fmt.Printf("module %q\n", m.Name)
	if m.Entry != vm.NoIndex {
		fmt.Printf("entry: %s\n", m.Functions[m.Entry].Name)
	}

	if len(m.Constants) > 0 {
		fmt.Println("\nconstants:")
		for i, c := range m.Constants {
			fmt.Printf("  [%d] %s\n", i, c)
		}
	}

	if len(m.Types) > 0 {
		fmt.Println("\ntypes:")
		for i, td := range m.Types {
			switch td.Kind {
			case vm.TypeKindStruct:
				fmt.Printf("  [%d] struct %s (%d fields)\n", i, td.Name, len(td.Fields))
			case vm.TypeKindEnum:
				fmt.Printf("  [%d] enum %s (%d variants)\n", i, td.Name, len(td.Variants))
			}
		}
	}

	if len(m.Protocols) > 0 {
		fmt.Println("\nprotocols:")
		for i, p := range m.Protocols {
			fmt.Printf("  [%d] %s (%d methods, %d associated types)\n",
				i, p.Name, len(p.Methods), len(p.AssociatedTypes))
		}
	}

	if len(m.Witnesses) > 0 {
		fmt.Println("\nwitnesses:")
		for i, w := range m.Witnesses {
			fmt.Printf("  [%d] %s: %s\n", i, m.Protocols[w.Protocol].Name, m.TypeNameByID(w.TypeID))
		}
	}

	for i, fn := range m.Functions {
		fmt.Printf("\nfunction [%d] %s (arity %d, %d locals):\n", i, fn.Name, fn.Arity, fn.NumLocals)
		fmt.Println(vm.Disassemble(fn.Code))
	}
	return nil
}
