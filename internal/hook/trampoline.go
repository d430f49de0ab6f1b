// Trampoline construction (spec §4.3, part of component C3): decode the
// original function's prologue on the *shadow* copy, classify each
// instruction's control flow, and synthesize either a 14-byte absolute JMP
// patch with a relocated-prologue trampoline, or a 1-byte INT3 fallback.
//
// Instruction decoding is grounded on golang.org/x/arch/x86/x86asm, used
// the same way bobuhiro11/gokvm's machine.go (other_examples) decodes
// guest instruction streams for its MMIO/IO emulation path; that file (and
// the teacher's own go.mod, which already requires golang.org/x/arch) is
// this package's grounding for picking x86asm over hand-rolling a decoder.
package hook

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// PatchKind names which patch was selected for a hooked function (spec §3
// Hook "the selected patch kind").
type PatchKind int

const (
	Jmp14 PatchKind = iota
	Int3
)

func (k PatchKind) String() string {
	if k == Int3 {
		return "int3"
	}
	return "jmp14"
}

// Trampoline-build error taxonomy (spec §7 "Trampoline build errors").
var (
	ErrInvalidBytes         = errors.New("hook: could not decode instruction bytes")
	ErrNotEnoughBytes       = errors.New("hook: fewer bytes available than required")
	ErrNoInstructions       = errors.New("hook: no instructions could be decoded")
	ErrRelativeInstruction  = errors.New("hook: instruction has a RIP-relative memory operand")
	ErrUnsupportedInstruction = errors.New("hook: instruction is a control-transfer instruction that cannot be relocated")
	ErrEncodingFailed       = errors.New("hook: failed to encode the absolute jump patch")
)

const (
	jmp14PatchLen     = 14 // 6-byte `jmp [rip+0]` + 8-byte absolute target
	jmp14RequiredLen  = 14
	int3RequiredLen   = 1
)

// flowKind classifies one decoded instruction for spec §4.3's acceptance
// rule.
type flowKind int

const (
	flowNext flowKind = iota
	flowReturn
	flowRejected
)

func classifyFlow(inst x86asm.Inst) flowKind {
	switch inst.Op {
	case x86asm.RET, x86asm.RETF:
		return flowReturn
	case x86asm.JMP, x86asm.JMPF,
		x86asm.CALL, x86asm.CALLF,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.JE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO,
		x86asm.JNP, x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.INT, x86asm.INT3, x86asm.INTO, x86asm.UD2,
		x86asm.SYSCALL, x86asm.SYSENTER, x86asm.SYSRET, x86asm.SYSEXIT,
		x86asm.XBEGIN, x86asm.XABORT, x86asm.XEND:
		return flowRejected
	default:
		return flowNext
	}
}

// hasRIPRelativeOperand reports whether any memory operand of inst is
// addressed relative to RIP.
func hasRIPRelativeOperand(inst x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if arg == nil {
			continue
		}
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}

// decodedInstruction pairs a decoded instruction with its offset within the
// scanned buffer.
type decodedInstruction struct {
	inst x86asm.Inst
	off  int
}

// decodePrologue decodes instructions from buf (read starting at its
// shadow-page location) until at least requiredBytes have been consumed,
// enforcing spec §4.3's acceptance rule on every instruction along the way.
func decodePrologue(buf []byte, requiredBytes int) ([]decodedInstruction, int, error) {
	var decoded []decodedInstruction
	offset := 0
	for offset < requiredBytes {
		if offset >= len(buf) {
			return nil, 0, ErrNotEnoughBytes
		}
		inst, err := x86asm.Decode(buf[offset:], 64)
		if err != nil {
			if len(decoded) == 0 {
				return nil, 0, fmt.Errorf("%w: %v", ErrInvalidBytes, err)
			}
			return nil, 0, ErrNotEnoughBytes
		}
		if hasRIPRelativeOperand(inst) {
			return nil, 0, ErrRelativeInstruction
		}
		switch classifyFlow(inst) {
		case flowRejected:
			return nil, 0, ErrUnsupportedInstruction
		}
		decoded = append(decoded, decodedInstruction{inst: inst, off: offset})
		offset += inst.Len
	}
	if len(decoded) == 0 {
		return nil, 0, ErrNoInstructions
	}
	return decoded, offset, nil
}

// buildAbsoluteJmp encodes a 14-byte `jmp qword ptr [rip+0]` followed
// immediately by the 8-byte absolute target (spec §4.3).
func buildAbsoluteJmp(target uint64) [jmp14PatchLen]byte {
	var patch [jmp14PatchLen]byte
	// FF /4, ModRM=00 100 101 (rip-relative, reg field 4 = JMP), disp32=0
	patch[0] = 0xFF
	patch[1] = 0x25
	patch[2] = 0x00
	patch[3] = 0x00
	patch[4] = 0x00
	patch[5] = 0x00
	for i := 0; i < 8; i++ {
		patch[6+i] = byte(target >> (8 * i))
	}
	return patch
}

/// Trampoline is the relocated-prologue executable buffer plus the patch
/// that is written over the hooked bytes on the shadow page (spec §3 Hook
/// "HookType::Function").
type Trampoline struct {
	Kind PatchKind

	// Patch is the bytes written into the shadow page at shadow_va,
	// overwriting the original prologue there (Jmp14: 14 bytes; Int3: 1
	// byte).
	Patch []byte

	// PrologueLen is the number of original bytes the patch covers;
	// original_va+PrologueLen is where control resumes after the
	// trampoline's relocated copy runs.
	PrologueLen int

	// Code is the trampoline's own executable buffer: for Jmp14, the
	// relocated prologue bytes followed by a 14-byte absolute jump back
	// to original_va+PrologueLen. For Int3, Code is empty -- the #BP
	// handler redirects RIP directly to the user handler (spec §4.9) and
	// there is no prologue to relocate.
	Code []byte
}

/// BuildTrampoline implements spec §4.3's trampoline algorithm. shadowBytes
/// holds the shadow-page bytes starting at the hook offset (instructions are
/// decoded from shadowBytes[0]); originalVA is the hooked function's address,
/// and the Jmp14 trampoline's back-jump targets originalVA+PrologueLen. The
/// patch's own jump target is left zero; callers set it with SetPatchTarget.
/// For Int3, the #BP handler in internal/exit does the redirect via the
/// hook registry.
func BuildTrampoline(shadowBytes []byte, originalVA uint64) (*Trampoline, error) {
	if decoded, consumed, err := decodePrologue(shadowBytes, jmp14RequiredLen); err == nil {
		return buildJmp14(shadowBytes, decoded, consumed, originalVA)
	}
	// Fall back to the 1-byte INT3 patch (spec §4.3: "Otherwise fall back
	// to required_bytes = 1"). No decode is required here: INT3 overwrites
	// exactly one byte and the #BP handler redirects RIP directly, so the
	// original instruction at that byte never needs relocating.
	if len(shadowBytes) < int3RequiredLen {
		return nil, ErrNotEnoughBytes
	}
	return &Trampoline{
		Kind:        Int3,
		Patch:       []byte{0xCC},
		PrologueLen: int3RequiredLen,
	}, nil
}

func buildJmp14(shadowBytes []byte, decoded []decodedInstruction, consumed int, originalVA uint64) (*Trampoline, error) {
	if consumed > len(shadowBytes) {
		return nil, ErrEncodingFailed
	}
	relocated := make([]byte, consumed)
	copy(relocated, shadowBytes[:consumed])

	backJump := buildAbsoluteJmp(originalVA + uint64(consumed))
	code := make([]byte, 0, consumed+jmp14PatchLen)
	code = append(code, relocated...)
	code = append(code, backJump[:]...)

	patch := buildAbsoluteJmp(0) // target filled in later by SetPatchTarget
	return &Trampoline{
		Kind:        Jmp14,
		Patch:       patch[:],
		PrologueLen: consumed,
		Code:        code,
	}, nil
}

/// SetPatchTarget fills in the absolute target of a Jmp14 patch once the
/// handler's address (or, for a relay trampoline, the Code buffer's
/// address) is known. Int3 trampolines ignore this call.
func (t *Trampoline) SetPatchTarget(target uint64) {
	if t.Kind != Jmp14 {
		return
	}
	patch := buildAbsoluteJmp(target)
	copy(t.Patch, patch[:])
}
