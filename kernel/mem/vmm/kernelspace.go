package vmm

import (
	"lumenkernel/kernel"
	"lumenkernel/kernel/mem"
	"lumenkernel/kernel/mem/pmm"
)

// KernVmSpace is the single, process-independent mapping used while
// running in supervisor mode: an identity map over physical memory plus
// the per-processor kernel stacks and the MMIO windows this board's
// Config declares.
type KernVmSpace struct {
	Table *PageTable
}

// NewKernelSpace builds the kernel's page table: an identity map of
// physical memory and MMIO. Kernel stacks are not mapped here; each hart's
// stack is added by MapKernelStack.
func NewKernelSpace() (*KernVmSpace, *kernel.Error) {
	pt, err := NewPageTable()
	if err != nil {
		return nil, err
	}
	ks := &KernVmSpace{Table: pt}

	if err := ks.identityMap(mem.PhysAddr(0), mem.Current.MemoryEnd, PermRead|PermWrite|PermExec); err != nil {
		return nil, err
	}
	for _, region := range mem.Current.MMIO {
		end := region.Base + mem.PhysAddr(region.Size)
		if err := ks.identityMap(region.Base, end, PermRead|PermWrite); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

// identityMap maps each physical page in [start, end) to the virtual
// address of the same number, the scheme the kernel uses for its own
// linear view of memory. Pages that are already mapped (an MMIO window
// lying inside the physical-memory range) keep their existing entry.
func (ks *KernVmSpace) identityMap(start, end mem.PhysAddr, perm Perm) *kernel.Error {
	pageSize := mem.PhysAddr(mem.Current.PageSize)
	for pa := start.Floor(); pa < end; pa += pageSize {
		frame := pmm.FrameFromAddress(pa)
		va := mem.VirtAddr(pa)
		if _, mapped := ks.Table.FindPTE(va); mapped {
			continue
		}
		if err := ks.Table.Map(va, frame, perm); err != nil {
			return err
		}
	}
	return nil
}

// MapKernelStack installs a guarded stack for processor hart, returning
// its top address. The page immediately below the stack is left unmapped
// as a guard against overflow.
func (ks *KernVmSpace) MapKernelStack(hart int) (mem.VirtAddr, *kernel.Error) {
	top := mem.Current.KernelStackTop - mem.VirtAddr(hart)*mem.VirtAddr(mem.Current.KernelStackSize+mem.Current.PageSize)
	bottom := top - mem.VirtAddr(mem.Current.KernelStackSize)
	pageSize := mem.VirtAddr(mem.Current.PageSize)
	for va := bottom; va < top; va += pageSize {
		trk, err := pmm.Global.Alloc(1)
		if err != nil {
			return 0, err
		}
		frame := trk.Leak()
		if merr := ks.Table.Map(va, frame.Start, PermRead|PermWrite); merr != nil {
			return 0, merr
		}
	}
	return top, nil
}

// Token returns the table-base register value for this address space.
func (ks *KernVmSpace) Token() uintptr { return ks.Table.Token() }
