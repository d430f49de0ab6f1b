package hook

import "testing"

func TestBuildTrampolineJmp14OnPlainNops(t *testing.T) {
	buf := make([]byte, 32)
	for i := range buf[:20] {
		buf[i] = 0x90 // NOP, pure "Next" flow, no RIP-relative operand
	}
	tr, err := BuildTrampoline(buf, 0x1000)
	if err != nil {
		t.Fatalf("BuildTrampoline: %v", err)
	}
	if tr.Kind != Jmp14 {
		t.Fatalf("Kind = %v, want Jmp14", tr.Kind)
	}
	if tr.PrologueLen != 14 {
		t.Errorf("PrologueLen = %d, want 14", tr.PrologueLen)
	}
	if len(tr.Patch) != 14 {
		t.Fatalf("len(Patch) = %d, want 14", len(tr.Patch))
	}
	if tr.Patch[0] != 0xFF || tr.Patch[1] != 0x25 {
		t.Errorf("Patch does not start with FF 25 (jmp [rip+0]): % x", tr.Patch[:2])
	}
	if len(tr.Code) != 14+14 {
		t.Errorf("len(Code) = %d, want %d (relocated prologue + back-jump)", len(tr.Code), 28)
	}
	for i := 0; i < 14; i++ {
		if tr.Code[i] != 0x90 {
			t.Fatalf("Code[%d] = 0x%x, want relocated NOP 0x90", i, tr.Code[i])
		}
	}
}

func TestBuildTrampolineFallsBackToInt3OnCall(t *testing.T) {
	buf := make([]byte, 32)
	// E8 rel32: CALL, a control-transfer instruction -- rejected for the
	// 14-byte relocation, forcing the INT3 fallback.
	buf[0] = 0xE8
	buf[1], buf[2], buf[3], buf[4] = 0, 0, 0, 0
	for i := 5; i < len(buf); i++ {
		buf[i] = 0x90
	}
	tr, err := BuildTrampoline(buf, 0x2000)
	if err != nil {
		t.Fatalf("BuildTrampoline: %v", err)
	}
	if tr.Kind != Int3 {
		t.Fatalf("Kind = %v, want Int3", tr.Kind)
	}
	if len(tr.Patch) != 1 || tr.Patch[0] != 0xCC {
		t.Errorf("Patch = % x, want [CC]", tr.Patch)
	}
	if tr.PrologueLen != 1 {
		t.Errorf("PrologueLen = %d, want 1", tr.PrologueLen)
	}
}

func TestBuildTrampolineFallsBackToInt3OnRIPRelative(t *testing.T) {
	buf := make([]byte, 32)
	// 48 8B 05 xx xx xx xx: mov rax, [rip+disp32] -- RIP-relative operand.
	buf[0] = 0x48
	buf[1] = 0x8B
	buf[2] = 0x05
	buf[3], buf[4], buf[5], buf[6] = 0, 0, 0, 0
	for i := 7; i < len(buf); i++ {
		buf[i] = 0x90
	}
	tr, err := BuildTrampoline(buf, 0x3000)
	if err != nil {
		t.Fatalf("BuildTrampoline: %v", err)
	}
	if tr.Kind != Int3 {
		t.Fatalf("Kind = %v, want Int3 for an unrelocatable RIP-relative prologue", tr.Kind)
	}
}

func TestSetPatchTargetFillsAbsoluteAddress(t *testing.T) {
	buf := make([]byte, 32)
	for i := range buf[:20] {
		buf[i] = 0x90
	}
	tr, err := BuildTrampoline(buf, 0x1000)
	if err != nil {
		t.Fatalf("BuildTrampoline: %v", err)
	}
	tr.SetPatchTarget(0x4142_4344_5566_7788)
	target := uint64(0)
	for i := 0; i < 8; i++ {
		target |= uint64(tr.Patch[6+i]) << (8 * i)
	}
	if target != 0x4142_4344_5566_7788 {
		t.Errorf("patch target = 0x%x, want 0x4142434455667788", target)
	}
}
