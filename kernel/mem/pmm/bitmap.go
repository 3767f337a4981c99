package pmm

import (
	"lumenkernel/kernel"
	"lumenkernel/kernel/mem"
	"lumenkernel/kernel/sync"
)

// BitmapAllocator hands out contiguous physical frame ranges from a single
// pool using a first-fit scan of a bitmap, one bit per frame. It is safe
// for concurrent use; the whole scan/mark/clear sequence runs under a
// single short critical section, matching the discipline the rest of this
// kernel uses for allocators that never need to suspend mid-operation.
type BitmapAllocator struct {
	mu    sync.Spinlock
	base  Frame
	bits  []uint64
	count uintptr
	used  uintptr
}

// NewBitmapAllocator creates an allocator managing the frames covering
// [start, end), rounding start up and end down to frame boundaries.
func NewBitmapAllocator(start, end mem.PhysAddr) *BitmapAllocator {
	lo := FrameFromAddress(start.Ceil())
	hi := FrameFromAddress(end.Floor())
	if hi < lo {
		hi = lo
	}
	n := uintptr(hi - lo)
	a := &BitmapAllocator{
		base:  lo,
		bits:  make([]uint64, (n+63)/64),
		count: n,
	}
	return a
}

// FreeFrames returns the number of frames currently available.
func (a *BitmapAllocator) FreeFrames() uintptr {
	a.mu.Acquire()
	defer a.mu.Release()
	return a.count - a.used
}

// bitSet reports whether frame index i (relative to base) is marked used.
func (a *BitmapAllocator) bitSet(i uintptr) bool {
	return a.bits[i/64]&(1<<(i%64)) != 0
}

func (a *BitmapAllocator) setBit(i uintptr) {
	a.bits[i/64] |= 1 << (i % 64)
}

func (a *BitmapAllocator) clearBit(i uintptr) {
	a.bits[i/64] &^= 1 << (i % 64)
}

// allocLocked scans for the first run of n free bits, marks it used and
// returns the corresponding FrameRange. Caller must hold a.mu.
func (a *BitmapAllocator) allocLocked(n uintptr) (FrameRange, bool) {
	if n == 0 || a.count-a.used < n {
		return FrameRange{}, false
	}
	var runStart uintptr
	runLen := uintptr(0)
	for i := uintptr(0); i < a.count; i++ {
		if a.bitSet(i) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = i
		}
		runLen++
		if runLen == n {
			for j := runStart; j < runStart+n; j++ {
				a.setBit(j)
			}
			a.used += n
			return FrameRange{Start: a.base + Frame(runStart), End: a.base + Frame(runStart+n)}, true
		}
	}
	return FrameRange{}, false
}

// Alloc reserves n contiguous frames and returns them wrapped in a
// FrameTracker, the only way callers obtain ownership of fresh frames. The
// caller must call Release on the tracker (or wrap it in a SharedFrame)
// exactly once.
func (a *BitmapAllocator) Alloc(n uintptr) (*FrameTracker, *kernel.Error) {
	a.mu.Acquire()
	rng, ok := a.allocLocked(n)
	a.mu.Release()
	if !ok {
		return nil, &kernel.Error{Module: "pmm", Message: "out of physical frames", Kind: kernel.KindOutOfMemory}
	}
	rng.Zero()
	return &FrameTracker{Range: rng, alloc: a}, nil
}

// dealloc marks rng's frames free again. It is invoked by FrameTracker and
// SharedFrame once their ownership ends.
func (a *BitmapAllocator) dealloc(rng FrameRange) {
	a.mu.Acquire()
	defer a.mu.Release()
	for f := rng.Start; f < rng.End; f++ {
		i := uintptr(f - a.base)
		if !a.bitSet(i) {
			panic("pmm: double free of physical frame")
		}
		a.clearBit(i)
	}
	a.used -= rng.Count()
}

// Global is the kernel's single physical frame pool, installed by board
// init code via InitGlobal once the end of the kernel image is known.
var Global *BitmapAllocator

// InitGlobal installs the process-wide frame allocator covering
// [kernelEnd, mem.Current.MemoryEnd), and the slab allocator built on top
// of it that serves the VM subsystem's small fixed-size metadata (e.g.
// per-VPN frame-ownership nodes).
func InitGlobal(kernelEnd mem.PhysAddr) {
	Global = NewBitmapAllocator(kernelEnd, mem.Current.MemoryEnd)
	GlobalSlab = NewSlabAllocator(Global)
}
