package vmm

import (
	"encoding/binary"

	"lumenkernel/kernel"
	"lumenkernel/kernel/mem"
	"lumenkernel/kernel/mem/pmm"
)

const pteBytes = 8

// PageTable is a multi-level hardware page table. It owns every frame
// used to hold its own directory/table pages (the root and any
// intermediate tables created while mapping); it does not own leaf data
// frames, which belong to the VM area that mapped them.
type PageTable struct {
	root    pmm.Frame
	owned   []*pmm.FrameTracker
	rootTrk *pmm.FrameTracker
}

// NewPageTable allocates a fresh, empty page table.
func NewPageTable() (*PageTable, *kernel.Error) {
	trk, err := pmm.Global.Alloc(1)
	if err != nil {
		return nil, err
	}
	return &PageTable{root: trk.Range.Start, rootTrk: trk}, nil
}

// FromToken builds a PageTable view over an already-populated root frame,
// without taking ownership of it (used to attach to the currently active
// table rather than to construct a new one).
func FromToken(token uintptr) *PageTable {
	return &PageTable{root: pmm.Frame(token)}
}

// Token returns the value a hardware table-base register would hold for
// this table (satp's PPN field on riscv64, PGDL's equivalent on
// loongarch64): simply the root frame number, since this port has no
// physical MMU to program.
func (pt *PageTable) Token() uintptr { return uintptr(pt.root) }

// Release frees every table-structure frame this PageTable owns. Leaf
// data frames mapped through it are not touched; the owning VM area
// releases those itself.
func (pt *PageTable) Release() {
	for _, t := range pt.owned {
		t.Release()
	}
	pt.owned = nil
	if pt.rootTrk != nil {
		pt.rootTrk.Release()
		pt.rootTrk = nil
	}
}

func readPTE(f pmm.Frame, idx uint64) PTE {
	b := pmm.FrameBytes(f)
	return PTE(binary.LittleEndian.Uint64(b[idx*pteBytes:]))
}

func writePTE(f pmm.Frame, idx uint64, e PTE) {
	b := pmm.FrameBytes(f)
	binary.LittleEndian.PutUint64(b[idx*pteBytes:], uint64(e))
}

// vpnIndex returns the VPN field for va at the given page-table level (0
// is the top level, closest to the root), matching Config.LevelShift's
// own level numbering.
func vpnIndex(va mem.VirtAddr, level uint) uint64 {
	shift := mem.Current.LevelShift(level)
	bits := mem.Current.LevelBits[level]
	mask := uint64(1)<<bits - 1
	return (uint64(va) >> shift) & mask
}

// walk descends the table looking up va's entry at each level, creating
// intermediate table frames along the way when create is true. It returns
// the frame and index of the leaf slot, ready for a caller to read or
// overwrite.
func (pt *PageTable) walk(va mem.VirtAddr, create bool) (frame pmm.Frame, idx uint64, err *kernel.Error) {
	cur := pt.root
	levels := mem.Current.PageLevels
	for level := uint(0); level < levels-1; level++ {
		idx = vpnIndex(va, level)
		entry := readPTE(cur, idx)
		if !entry.Valid() {
			if !create {
				return 0, 0, &kernel.Error{Module: "vmm", Message: "page table: intermediate entry missing", Kind: kernel.KindNoMapping}
			}
			trk, aerr := pmm.Global.Alloc(1)
			if aerr != nil {
				return 0, 0, aerr
			}
			pt.owned = append(pt.owned, trk)
			writePTE(cur, idx, NewTablePTE(trk.Range.Start))
			entry = readPTE(cur, idx)
		} else if entry.IsLeaf() {
			return 0, 0, &kernel.Error{Module: "vmm", Message: "page table: huge-page entry shadows request", Kind: kernel.KindOther}
		}
		cur = entry.Frame()
	}
	idx = vpnIndex(va, levels-1)
	return cur, idx, nil
}

// Map installs a leaf entry mapping va's page to frame with perm,
// allocating any missing intermediate tables.
func (pt *PageTable) Map(va mem.VirtAddr, frame pmm.Frame, perm Perm) *kernel.Error {
	tableFrame, idx, err := pt.walk(va, true)
	if err != nil {
		return err
	}
	if existing := readPTE(tableFrame, idx); existing.Valid() {
		return &kernel.Error{Module: "vmm", Message: "page table: address already mapped", Kind: kernel.KindOther}
	}
	writePTE(tableFrame, idx, NewPTE(frame, perm))
	return nil
}

// Remap overwrites an existing leaf entry's frame/perm unconditionally,
// used by COW-fault resolution and mprotect.
func (pt *PageTable) Remap(va mem.VirtAddr, frame pmm.Frame, perm Perm) *kernel.Error {
	tableFrame, idx, err := pt.walk(va, false)
	if err != nil {
		return err
	}
	writePTE(tableFrame, idx, NewPTE(frame, perm))
	return nil
}

// Unmap clears va's leaf entry. It is not an error to unmap an
// already-unmapped page.
func (pt *PageTable) Unmap(va mem.VirtAddr) {
	tableFrame, idx, err := pt.walk(va, false)
	if err != nil {
		return
	}
	writePTE(tableFrame, idx, Empty)
}

// FindPTE returns the leaf entry covering va, if any.
func (pt *PageTable) FindPTE(va mem.VirtAddr) (PTE, bool) {
	tableFrame, idx, err := pt.walk(va, false)
	if err != nil {
		return Empty, false
	}
	e := readPTE(tableFrame, idx)
	return e, e.Valid()
}

// TranslateVA resolves va to the physical address it currently maps to,
// including its in-page offset.
func (pt *PageTable) TranslateVA(va mem.VirtAddr) (mem.PhysAddr, bool) {
	e, ok := pt.FindPTE(va.Floor())
	if !ok {
		return 0, false
	}
	return e.Frame().Address() + mem.PhysAddr(va.PageOffset()), true
}
