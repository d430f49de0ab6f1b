// Package npt implements the nested page table engine (spec §4.2,
// component C2): an identity-mapping 4-level page table covering the first
// 512 GiB of guest physical address space, with 2 MiB/4 KiB granularity,
// split/join, and per-leaf permission editing.
//
// The entry layout and helper shape follow biscuit's page-table code
// (biscuit/src/mem/mem.go, biscuit/src/mem/dmap.go, biscuit/src/vm/as.go):
// typed physical addresses, PTE_* bit constants and a PTE_ADDR mask. The
// package never panics: failures come back as returned errors, and
// guest-fault-adjacent conditions (misalignment) follow spec §4.2's
// "alignment violations are logged and the operation is a no-op", since
// those can occur at hook-install time with attacker- or caller-supplied
// addresses.
package npt

import (
	"fmt"

	"github.com/eaxio/svmhv/internal/hostapi"
	"github.com/eaxio/svmhv/internal/memview"
	"github.com/eaxio/svmhv/internal/physaddr"
	"github.com/eaxio/svmhv/internal/svmlog"
)

// Entry bit layout, mirroring mem.PTE_P/PTE_W/PTE_U/PTE_PS in
// biscuit/src/mem/mem.go, plus the AMD64 NX bit which biscuit's 32-bit-era
// constants never needed.
const (
	entryPresent  = uint64(1) << 0
	entryWritable = uint64(1) << 1
	entryUser     = uint64(1) << 2
	entryPS       = uint64(1) << 7
	entryNX       = uint64(1) << 63
	entryAddrMask = uint64(0x000f_ffff_ffff_f000)

	entriesPerTable = 512
	// addressSpaceBytes is the span covered by this package's single PML4
	// entry: 512 PDPT entries * 1 GiB = 512 GiB, the spec's stated range.
	addressSpaceBytes = uint64(512) << 30
)

/// AccessType is the sum of {ReadWrite, ReadWriteExecute} from spec §3.
type AccessType int

const (
	ReadWrite AccessType = iota
	ReadWriteExecute
)

func (a AccessType) String() string {
	if a == ReadWriteExecute {
		return "RWX"
	}
	return "RW"
}

// leafFlags returns the present/writable/user/NX bits for a leaf entry of
// this access type. Every leaf is present+writable+user; only the NX bit
// varies, exactly the "present/writable/user/no-execute combinations" of
// spec §3.
func (a AccessType) leafFlags() uint64 {
	f := entryPresent | entryWritable | entryUser
	if a == ReadWrite {
		f |= entryNX
	}
	return f
}

// pathFlags returns the flags used for non-leaf (PML4/PDPT/PD-as-table)
// entries along the path to a leaf of this access type. Spec invariant (e):
// "flags of PML4/PDPT entries on its path are at least as permissive as the
// leaf's intended flags" -- we always install non-leaf entries as RWX
// (no NX, since NX on an intermediate entry is reserved-must-be-zero on
// AMD64 page-table-entries-as-tables and would otherwise needlessly
// restrict sibling leaves of different access types).
func pathFlags() uint64 {
	return entryPresent | entryWritable | entryUser
}

type table = [entriesPerTable]uint64

/// NestedPageTable is an identity-mapping 4-level table covering the first
/// 512 GiB of guest physical address space (spec §3).
type NestedPageTable struct {
	host hostapi.Host
	log  *svmlog.Logger

	pml4Va hostapi.Va
	pml4   *table
	pml4PA physaddr.PA

	pdptVa hostapi.Va
	pdpt   *table
	pdptPA physaddr.PA

	// pds[i] is the PD for PDPT entry i, allocated eagerly: spec §3 lists
	// "512 PDs (512 entries each)" as always present.
	pds   [entriesPerTable]*table
	pdPA  [entriesPerTable]physaddr.PA
	pdVa  [entriesPerTable]hostapi.Va

	// pts[pdpti*512+pdi] is the PT backing PD entry pdi of PDPT entry
	// pdpti, allocated lazily on first 4 KiB mapping or split in that
	// window (spec §3: "512x512 PTs" describes the fully split worst
	// case, not eager allocation).
	pts   map[int]*table
	ptPA  map[int]physaddr.PA
	ptVa  map[int]hostapi.Va
}

/// PML4PA returns the physical address of the root table, used as NCR3 in
/// the VMCB control area (spec §4.5).
func (n *NestedPageTable) PML4PA() physaddr.PA { return n.pml4PA }

func allocTable(host hostapi.Host) (hostapi.Va, *table, physaddr.PA, error) {
	va, pa, err := host.AllocatePages(1)
	if err != nil {
		return 0, nil, 0, err
	}
	t := memview.As[table](va)
	return va, t, physaddr.PA(pa), nil
}

/// New allocates a fresh, fully-not-present NestedPageTable: a PML4 page
/// (only entry 0 used), a PDPT page, and 512 PD pages with all entries
/// clear. Callers then call Identity4KB/Identity2MB or Map*/Split*
/// selectively.
func New(host hostapi.Host, log *svmlog.Logger) (*NestedPageTable, error) {
	pml4Va, pml4, pml4PA, err := allocTable(host)
	if err != nil {
		return nil, err
	}
	pdptVa, pdpt, pdptPA, err := allocTable(host)
	if err != nil {
		return nil, err
	}
	pml4[0] = pdptPA.Raw()&entryAddrMask | pathFlags()

	n := &NestedPageTable{
		host:   host,
		log:    log,
		pml4Va: pml4Va, pml4: pml4, pml4PA: pml4PA,
		pdptVa: pdptVa, pdpt: pdpt, pdptPA: pdptPA,
		pts:  make(map[int]*table),
		ptPA: make(map[int]physaddr.PA),
		ptVa: make(map[int]hostapi.Va),
	}
	for i := 0; i < entriesPerTable; i++ {
		va, pd, pa, err := allocTable(host)
		if err != nil {
			return nil, err
		}
		n.pds[i] = pd
		n.pdPA[i] = pa
		n.pdVa[i] = va
		n.pdpt[i] = pa.Raw()&entryAddrMask | pathFlags()&^entryPresent // present set lazily per-1GiB-window use
	}
	return n, nil
}

// indices validates a guest PA is within the first 512 GiB managed by this
// table and returns the PDPT/PD/PT indices.
func indices(gpa physaddr.PA) (pdpti, pdi, pti int, ok bool) {
	v := gpa.Raw()
	if v >= addressSpaceBytes {
		return 0, 0, 0, false
	}
	pdpti = int((v >> 30) & 0x1ff)
	pdi = int((v >> 21) & 0x1ff)
	pti = int((v >> 12) & 0x1ff)
	return pdpti, pdi, pti, true
}

func ptKey(pdpti, pdi int) int { return pdpti*entriesPerTable + pdi }

func (n *NestedPageTable) ensurePT(pdpti, pdi int) (*table, physaddr.PA, error) {
	key := ptKey(pdpti, pdi)
	if pt, ok := n.pts[key]; ok {
		return pt, n.ptPA[key], nil
	}
	va, pt, pa, err := allocTable(n.host)
	if err != nil {
		return nil, 0, err
	}
	n.pts[key] = pt
	n.ptPA[key] = pa
	n.ptVa[key] = va
	return pt, pa, nil
}

// markPdptUsed marks the PDPT entry for a 1 GiB window present, leaving its
// flags at pathFlags() (RWX) -- only leaves ever carry NX.
func (n *NestedPageTable) markPdptUsed(pdpti int) {
	n.pdpt[pdpti] = n.pdPA[pdpti].Raw()&entryAddrMask | pathFlags()
}

/// Identity4KB builds an identity map of the full 512 GiB address space at
/// 4 KiB granularity with uniform access flags (spec §4.2). This allocates
/// one PT per 2 MiB window (262144 PTs in the worst case) and is intended
/// for small sub-ranges in tests; production callers typically prefer
/// Identity2MB plus targeted Split2MBTo4KB.
func (n *NestedPageTable) Identity4KB(access AccessType) error {
	for pdpti := 0; pdpti < entriesPerTable; pdpti++ {
		n.markPdptUsed(pdpti)
		for pdi := 0; pdi < entriesPerTable; pdi++ {
			pt, ptPA, err := n.ensurePT(pdpti, pdi)
			if err != nil {
				return err
			}
			n.pds[pdpti][pdi] = ptPA.Raw()&entryAddrMask | pathFlags()
			for pti := 0; pti < entriesPerTable; pti++ {
				gpa := uint64(pdpti)<<30 | uint64(pdi)<<21 | uint64(pti)<<12
				pt[pti] = gpa&entryAddrMask | access.leafFlags()
			}
		}
	}
	return nil
}

/// Identity2MB builds an identity map of the full 512 GiB address space at
/// 2 MiB granularity with uniform access flags.
func (n *NestedPageTable) Identity2MB(access AccessType) {
	for pdpti := 0; pdpti < entriesPerTable; pdpti++ {
		n.markPdptUsed(pdpti)
		for pdi := 0; pdi < entriesPerTable; pdi++ {
			gpa := uint64(pdpti)<<30 | uint64(pdi)<<21
			n.pds[pdpti][pdi] = gpa&entryAddrMask | entryPS | access.leafFlags()
		}
	}
}

func alignmentNoop(log *svmlog.Logger, op string, gpa physaddr.PA, aligned bool) bool {
	if !aligned {
		log.Warn("npt: alignment violation, operation is a no-op", "op", op, "gpa", gpa)
	}
	return !aligned
}

/// Map4KB creates a 4 KiB identity mapping for guestPA->hostPA along
/// PML4->PDPT->PD->PT, allocating tables only where absent, and never
/// overwriting a present leaf (spec §4.2: "never overwrites a present
/// entry (warns instead)").
func (n *NestedPageTable) Map4KB(guestPA, hostPA physaddr.PA, access AccessType) error {
	if alignmentNoop(n.log, "map_4kb", guestPA, guestPA.AlignedBase() && hostPA.AlignedBase()) {
		return nil
	}
	pdpti, pdi, pti, ok := indices(guestPA)
	if !ok {
		return fmt.Errorf("npt: guest PA %s out of the 512 GiB managed range", guestPA)
	}
	n.markPdptUsed(pdpti)
	pt, ptPA, err := n.ensurePT(pdpti, pdi)
	if err != nil {
		return err
	}
	if n.pds[pdpti][pdi]&entryPresent == 0 {
		n.pds[pdpti][pdi] = ptPA.Raw()&entryAddrMask | pathFlags()
	}
	if pt[pti]&entryPresent != 0 {
		n.log.Warn("npt: map_4kb on already-present leaf, ignored", "gpa", guestPA)
		return nil
	}
	pt[pti] = hostPA.Raw()&entryAddrMask | access.leafFlags()
	return nil
}

/// Map2MB creates a 2 MiB identity mapping for guestPA->hostPA, never
/// overwriting a present leaf.
func (n *NestedPageTable) Map2MB(guestPA, hostPA physaddr.PA, access AccessType) error {
	if alignmentNoop(n.log, "map_2mb", guestPA, guestPA.AlignedLarge() && hostPA.AlignedLarge()) {
		return nil
	}
	pdpti, pdi, _, ok := indices(guestPA)
	if !ok {
		return fmt.Errorf("npt: guest PA %s out of the 512 GiB managed range", guestPA)
	}
	n.markPdptUsed(pdpti)
	if n.pds[pdpti][pdi]&entryPresent != 0 {
		n.log.Warn("npt: map_2mb on already-present leaf, ignored", "gpa", guestPA)
		return nil
	}
	n.pds[pdpti][pdi] = hostPA.Raw()&entryAddrMask | entryPS | access.leafFlags()
	return nil
}

/// Split2MBTo4KB replaces a present 2 MiB leaf with 512 4 KiB identity
/// mappings covering the same window, each with the given access; the old
/// 2 MiB leaf's permissions are not carried over (spec §4.2).
/// A no-op (with a log warning) if the 2 MiB window is not present or is
/// already split.
func (n *NestedPageTable) Split2MBTo4KB(guestPA physaddr.PA, access AccessType) error {
	if alignmentNoop(n.log, "split_2mb_to_4kb", guestPA, guestPA.AlignedLarge()) {
		return nil
	}
	pdpti, pdi, _, ok := indices(guestPA)
	if !ok {
		return fmt.Errorf("npt: guest PA %s out of range", guestPA)
	}
	entry := n.pds[pdpti][pdi]
	if entry&entryPresent == 0 || entry&entryPS == 0 {
		n.log.Warn("npt: split_2mb_to_4kb on a non-2MiB leaf, ignored", "gpa", guestPA)
		return nil
	}
	base := physaddr.PA(entry & entryAddrMask)
	pt, ptPA, err := n.ensurePT(pdpti, pdi)
	if err != nil {
		return err
	}
	for i := 0; i < entriesPerTable; i++ {
		hostPA := base.Raw() + uint64(i)*physaddr.PageSize
		pt[i] = hostPA&entryAddrMask | access.leafFlags()
	}
	n.pds[pdpti][pdi] = ptPA.Raw()&entryAddrMask | pathFlags()
	return nil
}

/// Join4KBTo2MB is the inverse of Split2MBTo4KB: it replaces a present PT
/// with a single 2 MiB leaf over the same identity-mapped window.
func (n *NestedPageTable) Join4KBTo2MB(guestPA physaddr.PA, access AccessType) error {
	if alignmentNoop(n.log, "join_4kb_to_2mb", guestPA, guestPA.AlignedLarge()) {
		return nil
	}
	pdpti, pdi, _, ok := indices(guestPA)
	if !ok {
		return fmt.Errorf("npt: guest PA %s out of range", guestPA)
	}
	entry := n.pds[pdpti][pdi]
	if entry&entryPresent == 0 || entry&entryPS != 0 {
		n.log.Warn("npt: join_4kb_to_2mb on a non-split window, ignored", "gpa", guestPA)
		return nil
	}
	large := guestPA.LargePage()
	n.pds[pdpti][pdi] = large.Raw()&entryAddrMask | entryPS | access.leafFlags()
	delete(n.pts, ptKey(pdpti, pdi))
	delete(n.ptPA, ptKey(pdpti, pdi))
	delete(n.ptVa, ptKey(pdpti, pdi))
	return nil
}

// leafPtr returns a pointer to the leaf entry for guestPA along with
// whether it is a 2 MiB (true) or 4 KiB (false) leaf, or ok=false if
// nothing is mapped there yet.
func (n *NestedPageTable) leafPtr(guestPA physaddr.PA) (leaf *uint64, large bool, ok bool) {
	pdpti, pdi, pti, inRange := indices(guestPA)
	if !inRange {
		return nil, false, false
	}
	pdEntry := n.pds[pdpti][pdi]
	if pdEntry&entryPresent == 0 {
		return nil, false, false
	}
	if pdEntry&entryPS != 0 {
		return &n.pds[pdpti][pdi], true, true
	}
	pt, ok2 := n.pts[ptKey(pdpti, pdi)]
	if !ok2 {
		return nil, false, false
	}
	if pt[pti]&entryPresent == 0 {
		return nil, false, false
	}
	return &pt[pti], false, true
}

/// ChangePageFlags mutates only the leaf's R/W/XD bits, preserving
/// upper-level flags. Use when the desired permissions are a subset of the
/// path's existing permissions (spec §4.2).
func (n *NestedPageTable) ChangePageFlags(guestPA physaddr.PA, access AccessType) error {
	leaf, large, ok := n.leafPtr(guestPA)
	if !ok {
		return fmt.Errorf("npt: change_page_flags on unmapped gpa %s", guestPA)
	}
	addr := *leaf & entryAddrMask
	flags := access.leafFlags()
	if large {
		flags |= entryPS
	}
	*leaf = addr | flags
	return nil
}

/// ChangeAllPageFlags mutates the leaf and every enclosing table entry
/// along the path. Use when the leaf requires permissions the path
/// currently forbids (spec §4.2).
func (n *NestedPageTable) ChangeAllPageFlags(guestPA physaddr.PA, access AccessType) error {
	pdpti, pdi, _, ok := indices(guestPA)
	if !ok {
		return fmt.Errorf("npt: change_all_page_flags gpa %s out of range", guestPA)
	}
	if err := n.ChangePageFlags(guestPA, access); err != nil {
		return err
	}
	n.pml4[0] = n.pml4[0]&entryAddrMask | pathFlags()
	n.pdpt[pdpti] = n.pdpt[pdpti]&entryAddrMask | pathFlags()
	if entry := n.pds[pdpti][pdi]; entry&entryPS == 0 {
		n.pds[pdpti][pdi] = entry&entryAddrMask | pathFlags()
	}
	return nil
}

/// Remap repoints a present leaf's address bits at newHostPA, keeping its
/// current flags (used by the NPF hook state machine to swap a leaf
/// between the original and shadow physical frame, spec §4.8).
func (n *NestedPageTable) Remap(guestPA, newHostPA physaddr.PA) error {
	leaf, _, ok := n.leafPtr(guestPA)
	if !ok {
		return fmt.Errorf("npt: remap on unmapped gpa %s", guestPA)
	}
	*leaf = newHostPA.Raw()&entryAddrMask | (*leaf &^ entryAddrMask)
	return nil
}

/// Translate returns the host PA backing a present guest PA, honoring
/// 2 MiB and 4 KiB leaves. The walk does not check the PDPT-level PS bit,
/// so a 1 GiB leaf is not recognized; this table never installs one.
func (n *NestedPageTable) Translate(guestPA physaddr.PA) (physaddr.PA, bool) {
	leaf, large, ok := n.leafPtr(guestPA)
	if !ok {
		return 0, false
	}
	base := physaddr.PA(*leaf & entryAddrMask)
	if large {
		return base + physaddr.PA(guestPA.LargePageOffset()), true
	}
	return base + physaddr.PA(guestPA.PageOffset()), true
}

/// Present reports whether guestPA has any leaf mapping installed.
func (n *NestedPageTable) Present(guestPA physaddr.PA) bool {
	_, _, ok := n.leafPtr(guestPA)
	return ok
}

/// IsExecutable reports whether the leaf mapping guestPA currently permits
/// instruction fetch (NX clear).
func (n *NestedPageTable) IsExecutable(guestPA physaddr.PA) (bool, bool) {
	leaf, _, ok := n.leafPtr(guestPA)
	if !ok {
		return false, false
	}
	return *leaf&entryNX == 0, true
}
