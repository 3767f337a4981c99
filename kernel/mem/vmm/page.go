package vmm

import "lumenkernel/kernel/mem/pmm"

// Page is one cached page of a file-backed inode: a physical frame
// together with the file offset it currently represents and whether it
// has been written since it was last written back.
type Page struct {
	Frame *pmm.SharedFrame
	Offset uint64
	Dirty  bool
}

// MarkDirty records that this page has been modified through a writable
// mapping and needs writeback before eviction.
func (p *Page) MarkDirty() { p.Dirty = true }
