//go:build !loongarch64

package vmm

import "lumenkernel/kernel/mem/pmm"

// PTE is one page-table entry, in the architecture's native on-disk
// encoding. Sv39 lays out bit 0 as valid, bits 1-4 as R/W/X/U, bit 5 as
// global, bit 6 as accessed, bit 7 as dirty, bits 8-9 as two
// software-reserved bits (bit 8 repurposed here to mark a COW mapping),
// and bits 10-53 as the physical page number.
type PTE uint64

const (
	pteValid   PTE = 1 << 0
	pteR       PTE = 1 << 1
	pteW       PTE = 1 << 2
	pteX       PTE = 1 << 3
	pteU       PTE = 1 << 4
	pteGlobal  PTE = 1 << 5
	pteAccess  PTE = 1 << 6
	pteDirty   PTE = 1 << 7
	pteCOWBit  PTE = 1 << 8
	ppnShift       = 10
)

// NewPTE encodes frame and perm into a valid leaf entry.
func NewPTE(frame pmm.Frame, perm Perm) PTE {
	e := pteValid | pteAccess | pteDirty
	if perm.Has(PermRead) {
		e |= pteR
	}
	if perm.Has(PermWrite) {
		e |= pteW
	}
	if perm.Has(PermExec) {
		e |= pteX
	}
	if perm.Has(PermUser) {
		e |= pteU
	}
	if perm.Has(PermCOW) {
		e |= pteCOWBit
		e &^= pteW
	}
	e |= PTE(frame) << ppnShift
	return e
}

// NewTablePTE encodes a pointer to a next-level page table: valid, no
// R/W/X bits, so hardware walkers descend rather than treat it as a leaf.
func NewTablePTE(frame pmm.Frame) PTE {
	return pteValid | PTE(frame)<<ppnShift
}

// Empty is the zero/not-present entry.
const Empty PTE = 0

func (e PTE) Valid() bool    { return e&pteValid != 0 }
func (e PTE) Readable() bool { return e&pteR != 0 }
func (e PTE) Writable() bool { return e&pteW != 0 }
func (e PTE) Executable() bool { return e&pteX != 0 }
func (e PTE) UserAccess() bool { return e&pteU != 0 }
func (e PTE) IsCOW() bool    { return e&pteCOWBit != 0 }

// IsLeaf reports whether this entry grants at least one of R/W/X, i.e. it
// maps a page rather than pointing at a lower-level table.
func (e PTE) IsLeaf() bool { return e&(pteR|pteW|pteX) != 0 }

func (e PTE) Frame() pmm.Frame { return pmm.Frame(e >> ppnShift) }

func (e PTE) Perm() Perm {
	var p Perm
	if e.Readable() {
		p |= PermRead
	}
	if e.Writable() {
		p |= PermWrite
	}
	if e.Executable() {
		p |= PermExec
	}
	if e.UserAccess() {
		p |= PermUser
	}
	if e.IsCOW() {
		p |= PermCOW
	}
	return p
}

// WithPerm returns a copy of e with its R/W/X/U/COW bits replaced by perm,
// keeping the same frame pointer and valid/accessed/dirty bits.
func (e PTE) WithPerm(perm Perm) PTE {
	kept := e &^ (pteR | pteW | pteX | pteU | pteCOWBit)
	replacement := NewPTE(e.Frame(), perm)
	return kept | (replacement & (pteR | pteW | pteX | pteU | pteCOWBit))
}
