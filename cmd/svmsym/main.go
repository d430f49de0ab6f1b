// Command svmsym inspects and exercises the hook engine's symbol and
// trampoline machinery from the command line: it can list exported Go
// symbols a hook could target (-list-exports), build a batch of
// trampolines under a CPU profile (-profile), and list an existing
// profile's hottest labeled symbols, up to -n of them (-top), fulfilling SPEC_FULL.md's
// test/tooling ambient concern with real profiling instead of hand
// timers.
package main

import (
	"flag"
	"fmt"
	"go/types"
	"os"
	"sort"

	"github.com/google/pprof/profile"
	"golang.org/x/tools/go/packages"

	"github.com/eaxio/svmhv/internal/hook"
	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/memview"
	"github.com/eaxio/svmhv/internal/physaddr"
)

func main() {
	listExports := flag.String("list-exports", "", "print exported top-level functions in the Go package at this directory")
	profileOut := flag.String("profile", "", "build a batch of synthetic NOP-prologue trampolines under a CPU profile, writing it to this file")
	batchSize := flag.Int("batch", 8, "number of synthetic hooks to build with -profile")
	topFile := flag.String("top", "", "read a pprof profile and print its hottest labeled symbols")
	topN := flag.Int("n", 10, "number of symbols to print with -top")
	flag.Parse()

	switch {
	case *listExports != "":
		if err := runListExports(*listExports); err != nil {
			fail(err)
		}
	case *profileOut != "":
		if err := runProfile(*profileOut, *batchSize); err != nil {
			fail(err)
		}
	case *topFile != "":
		if err := runTop(*topFile, *topN); err != nil {
			fail(err)
		}
	default:
		fmt.Fprintln(os.Stderr, "usage: svmsym [-list-exports dir] [-profile file [-batch n]] [-top file [-n n]]")
		os.Exit(2)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "svmsym: %v\n", err)
	os.Exit(1)
}

// runListExports statically walks a package's declared symbol table
// (spec's supplemented "development-time convenience" for resolving
// candidate hook targets without a live symbol_lookup call).
func runListExports(dir string) error {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes | packages.NeedTypesInfo,
		Dir:  dir,
	}
	pkgs, err := packages.Load(cfg, ".")
	if err != nil {
		return fmt.Errorf("loading package at %s: %w", dir, err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return fmt.Errorf("package at %s has load errors", dir)
	}

	for _, pkg := range pkgs {
		scope := pkg.Types.Scope()
		for _, name := range scope.Names() {
			obj := scope.Lookup(name)
			if !obj.Exported() {
				continue
			}
			if _, ok := obj.(*types.Func); !ok {
				continue
			}
			fmt.Printf("%s\t%s\n", name, obj.Type().String())
		}
	}
	return nil
}

// runProfile builds batchSize synthetic function hooks (an in-process
// fake host stands in for a real kernel target) under a CPU profile.
func runProfile(outPath string, batchSize int) error {
	host := hostapi.NewFake(4 << 20)
	targets := make([]hook.BuildTarget, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		va, _, err := host.AllocatePages(1)
		if err != nil {
			return fmt.Errorf("allocating synthetic target %d: %w", i, err)
		}
		page := memview.Bytes(va, physaddr.PageSize)
		for j := range page[:20] {
			page[j] = 0x90 // NOP prologue, relocatable
		}
		targets = append(targets, hook.BuildTarget{
			Name:      fmt.Sprintf("synthetic_fn_%d", i),
			VA:        va,
			HandlerVA: hostapi.Va(0xcafe_0000 + uintptr(i)),
		})
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", outPath, err)
	}
	defer f.Close()

	hooks, err := hook.ProfileTrampolineBuilds(host, targets, f)
	for _, h := range hooks {
		h.Close(host)
	}
	if err != nil {
		return err
	}
	fmt.Printf("built %d trampolines, profile written to %s\n", len(hooks), outPath)
	return nil
}

// runTop parses an existing pprof profile via github.com/google/pprof's
// profile package and aggregates sample counts by the "symbol" label
// ProfileTrampolineBuilds attaches to each build.
func runTop(path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	p, err := profile.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing profile: %w", err)
	}

	totals := make(map[string]int64)
	for _, sample := range p.Sample {
		symbols := sample.Label["symbol"]
		if len(symbols) == 0 {
			continue
		}
		var value int64
		if len(sample.Value) > 0 {
			value = sample.Value[0]
		}
		for _, symbol := range symbols {
			totals[symbol] += value
		}
	}

	type row struct {
		name  string
		total int64
	}
	rows := make([]row, 0, len(totals))
	for name, total := range totals {
		rows = append(rows, row{name, total})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].total > rows[j].total })

	if n > len(rows) {
		n = len(rows)
	}
	for _, r := range rows[:n] {
		fmt.Printf("%d\t%s\n", r.total, r.name)
	}
	return nil
}
