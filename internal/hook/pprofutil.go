package hook

import (
	"context"
	"fmt"
	"io"
	"runtime/pprof"

	"github.com/eaxio/svmhv/internal/hostapi"
)

// BuildTarget names one function hook to build under ProfileTrampolineBuilds.
type BuildTarget struct {
	Name      string
	VA        hostapi.Va
	HandlerVA hostapi.Va
}

// ProfileTrampolineBuilds builds a trampoline for every target under a CPU
// profile written to w, labeling each build with its target symbol via
// pprof.Do/pprof.Labels so a profile.Parse pass downstream (cmd/svmsym
// -top) can break build time down per symbol. Trampoline construction
// runs in a loop over hundreds of hooks in practice, so walltime per-hook
// is worth profiling rather than timing by hand.
func ProfileTrampolineBuilds(host hostapi.Host, targets []BuildTarget, w io.Writer) ([]*Hook, error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, fmt.Errorf("hook: starting CPU profile: %w", err)
	}
	defer pprof.StopCPUProfile()

	hooks := make([]*Hook, 0, len(targets))
	for _, target := range targets {
		var h *Hook
		var buildErr error
		pprof.Do(context.Background(), pprof.Labels("symbol", target.Name), func(context.Context) {
			h, buildErr = NewFunctionHookAt(host, target.Name, target.VA, target.HandlerVA)
		})
		if buildErr != nil {
			return hooks, fmt.Errorf("hook: building trampoline for %s: %w", target.Name, buildErr)
		}
		hooks = append(hooks, h)
	}
	return hooks, nil
}
