package hook

import (
	"bytes"
	"testing"

	"github.com/eaxio/svmhv/internal/hostapi"
)

func TestProfileTrampolineBuildsWritesProfileAndBuildsEveryTarget(t *testing.T) {
	host := hostapi.NewFake(4 << 20)
	targets := make([]BuildTarget, 0, 3)
	for i := 0; i < 3; i++ {
		va := newFunctionPage(t, host)
		targets = append(targets, BuildTarget{
			Name:      "fn",
			VA:        va,
			HandlerVA: hostapi.Va(0xcafe_0000 + uintptr(i)),
		})
	}

	var buf bytes.Buffer
	hooks, err := ProfileTrampolineBuilds(host, targets, &buf)
	if err != nil {
		t.Fatalf("ProfileTrampolineBuilds: %v", err)
	}
	if len(hooks) != len(targets) {
		t.Fatalf("built %d hooks, want %d", len(hooks), len(targets))
	}
	for i, h := range hooks {
		defer h.Close(host)
		if h.HandlerVA != targets[i].HandlerVA {
			t.Errorf("hook %d HandlerVA = %v, want %v", i, h.HandlerVA, targets[i].HandlerVA)
		}
	}
	if buf.Len() == 0 {
		t.Error("expected a non-empty pprof profile to be written")
	}
}
