package vmm

import (
	"lumenkernel/kernel/mem"
	"lumenkernel/kernel/mem/pmm"
)

// init installs a generously sized backing allocator so every test in
// this package can allocate page-table and data frames without wiring up
// a real boot-time frame pool.
func init() {
	pmm.Global = pmm.NewBitmapAllocator(mem.PhysAddr(0), mem.PhysAddr(8192*uint64(mem.Current.PageSize)))
	pmm.GlobalSlab = pmm.NewSlabAllocator(pmm.Global)
}
