package vcpu

import (
	"testing"

	"github.com/eaxio/svmhv/internal/config"
	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/msrbitmap"
	"github.com/eaxio/svmhv/internal/npt"
	"github.com/eaxio/svmhv/internal/svmlog"
	"github.com/eaxio/svmhv/internal/vmcb"
)

func TestNewWiresSelfPointersAndSentinel(t *testing.T) {
	host := hostapi.NewFake(8 << 20)

	v, err := New(host, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if v.HostStack.SelfData != v.VA() {
		t.Error("HostStack.SelfData should point back to the VcpuData itself")
	}
	if !v.CheckSentinel() {
		t.Error("a freshly built VcpuData must pass the sentinel check")
	}
	if v.HostStack.GuestVmcbPA == 0 {
		t.Error("GuestVmcbPA should be resolved to a nonzero PA")
	}
	if v.HostStack.HostVmcbPA == 0 {
		t.Error("HostVmcbPA should be resolved to a nonzero PA")
	}
	if v.HostStack.GuestVmcbPA == v.HostStack.HostVmcbPA {
		t.Error("guest and host VMCB PAs must be distinct")
	}
}

func TestBuildVMCBSetsInterceptsASIDAndNCR3(t *testing.T) {
	host := hostapi.NewFake(16 << 20)
	log := svmlog.New(svmlog.Info)

	primary, err := npt.New(host, log)
	if err != nil {
		t.Fatalf("npt.New: %v", err)
	}
	primary.Identity2MB(npt.ReadWriteExecute)

	bitmap, err := msrbitmap.New(host)
	if err != nil {
		t.Fatalf("msrbitmap.New: %v", err)
	}

	v, err := New(host, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := host.CaptureContext()
	cfg := config.Default(config.WithVmcallIntercept())
	v.BuildVMCB(ctx, BuildOptions{MSRBitmap: bitmap, Primary: primary, Cfg: cfg})

	c := v.GuestVMCB.Control
	if c.InterceptExceptions&vmcb.InterceptExceptionBP == 0 {
		t.Error("expected #BP to be intercepted")
	}
	if c.InterceptMisc1&vmcb.InterceptMiscCPUID == 0 {
		t.Error("expected CPUID to be intercepted")
	}
	if c.InterceptMisc1&vmcb.InterceptMiscMsrProt == 0 {
		t.Error("expected MSR accesses to be intercepted")
	}
	if c.InterceptMisc2&vmcb.InterceptMiscVMRUN == 0 {
		t.Error("expected VMRUN to be intercepted unconditionally")
	}
	if c.InterceptMisc2&vmcb.InterceptMiscVMMCALL == 0 {
		t.Error("expected VMMCALL to be intercepted given WithVmcallIntercept")
	}
	if c.GuestASID != 1 {
		t.Errorf("GuestASID = %d, want 1", c.GuestASID)
	}
	if c.NpEnable&vmcb.NestedPaging == 0 {
		t.Error("expected nested paging to be enabled")
	}
	if c.NCR3 != primary.PML4PA().Raw() {
		t.Errorf("NCR3 = 0x%x, want the primary PML4 PA 0x%x", c.NCR3, primary.PML4PA().Raw())
	}
	if c.MsrpmBasePA != bitmap.PA().Raw() {
		t.Error("MsrpmBasePA should point at the MSR bitmap")
	}

	s := v.GuestVMCB.Save
	if s.CS.Selector != ctx.CS.Selector {
		t.Errorf("CS selector = 0x%x, want 0x%x", s.CS.Selector, ctx.CS.Selector)
	}
	if s.Rflags != ctx.Rflags {
		t.Error("Rflags should be copied from the captured context")
	}
}

func TestBuildVMCBWithoutNPTUsesCapturedCR3(t *testing.T) {
	host := hostapi.NewFake(4 << 20)
	v, err := New(host, 0, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := host.CaptureContext()
	ctx.Cr3 = 0xdead_b000

	v.BuildVMCB(ctx, BuildOptions{Cfg: config.Default()})

	if v.GuestVMCB.Control.NpEnable&vmcb.NestedPaging != 0 {
		t.Error("nested paging must not be enabled without a primary NPT")
	}
	if v.GuestVMCB.Control.NCR3 != ctx.Cr3 {
		t.Errorf("NCR3 = 0x%x, want the captured CR3 0x%x", v.GuestVMCB.Control.NCR3, ctx.Cr3)
	}
}
