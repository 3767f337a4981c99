// Package pmm manages physical memory: a bitmap frame allocator, frame
// ownership (FrameTracker/SharedFrame), and a slab allocator for small
// fixed-size kernel objects built on top of whole frames.
package pmm

import (
	"math"
	"sync/atomic"
	"unsafe"

	"lumenkernel/kernel/mem"
)

// Frame is a physical page number (PPN): a physical address shifted right
// by the page-size bits.
type Frame uintptr

// InvalidFrame is returned by allocators that fail to reserve a frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid reports whether this is not InvalidFrame.
func (f Frame) Valid() bool { return f != InvalidFrame }

// Address returns the physical address of the start of this frame.
func (f Frame) Address() mem.PhysAddr {
	return mem.PhysAddr(uintptr(f) << mem.Current.PageSizeBits)
}

// FrameFromAddress returns the Frame containing physAddr, rounding down if
// physAddr is not page-aligned.
func FrameFromAddress(physAddr mem.PhysAddr) Frame {
	return Frame(uintptr(physAddr.Floor()) >> mem.Current.PageSizeBits)
}

// hostBacking holds, per frame, the ordinary Go-allocated memory that
// stands in for that frame's bytes, since this port has no linear
// physical-memory window to address frames through. Entries are created
// lazily on first access or installed by SetHostBacking.
var hostBacking = map[Frame][]byte{}

// SetHostBacking installs (or clears, when data is nil) a host-memory
// backing store for frame so that FrameRange.Bytes can be exercised
// without a real linear physical-memory window. Production boot code
// never calls this: real frames are addressed through the kernel's
// direct-mapped window instead.
func SetHostBacking(f Frame, data []byte) {
	if data == nil {
		delete(hostBacking, f)
		return
	}
	hostBacking[f] = data
}

// FrameRange describes the half-open frame interval [Start, End).
type FrameRange struct {
	Start Frame
	End   Frame
}

// Count returns the number of frames in the range.
func (r FrameRange) Count() uintptr { return uintptr(r.End - r.Start) }

// Bytes returns a copy of the frame range's backing bytes, gathered from
// the host-backing map into one fresh buffer. Writes to the returned
// slice do not reach the frames; use WriteAt or FrameBytes for that.
func (r FrameRange) Bytes() []byte {
	size := int(r.Count()) * int(mem.Current.PageSize)
	buf := make([]byte, 0, size)
	for f := r.Start; f < r.End; f++ {
		data, ok := hostBacking[f]
		if !ok {
			data = make([]byte, mem.Current.PageSize)
			hostBacking[f] = data
		}
		buf = append(buf, data...)
	}
	return buf
}

// FrameBytes returns the live, in-place backing slice for a single frame
// (not a copy), for code such as the page-table walker that must mutate
// specific words of a frame and see subsequent reads reflect the change.
func FrameBytes(f Frame) []byte {
	return frameView(f)
}

// frameView returns the live backing slice for a single frame, allocating one
// lazily if absent, so writes through it are visible to subsequent Bytes
// calls for the same frame.
func frameView(f Frame) []byte {
	data, ok := hostBacking[f]
	if !ok {
		data = make([]byte, mem.Current.PageSize)
		hostBacking[f] = data
	}
	return data
}

// ReadAt copies up to len(dst) bytes starting at byte offset off within
// the frame range into dst.
func (r FrameRange) ReadAt(dst []byte, off uintptr) int {
	n := 0
	pageSize := uintptr(mem.Current.PageSize)
	for off < r.Count()*pageSize && n < len(dst) {
		f := r.Start + Frame(off/pageSize)
		page := frameView(f)
		pageOff := off % pageSize
		copied := copy(dst[n:], page[pageOff:])
		n += copied
		off += uintptr(copied)
	}
	return n
}

// WriteAt copies src into the frame range starting at byte offset off.
func (r FrameRange) WriteAt(src []byte, off uintptr) int {
	n := 0
	pageSize := uintptr(mem.Current.PageSize)
	for off < r.Count()*pageSize && n < len(src) {
		f := r.Start + Frame(off/pageSize)
		page := frameView(f)
		pageOff := off % pageSize
		copied := copy(page[pageOff:], src[n:])
		n += copied
		off += uintptr(copied)
	}
	return n
}

// Zero clears the frame range's backing bytes.
func (r FrameRange) Zero() {
	for f := r.Start; f < r.End; f++ {
		page := frameView(f)
		for i := range page {
			page[i] = 0
		}
	}
}

// FrameTracker is the exclusive owner of a FrameRange. It is produced only
// by the frame allocator's Alloc method and releases its
// range back to the allocator when Release is called; there is no
// finalizer-based drop since Go lacks deterministic destructors, so every
// owner of a FrameTracker must call Release exactly once.
type FrameTracker struct {
	Range   FrameRange
	alloc   *BitmapAllocator
	release int32
}

// Release returns the tracked frame range to the allocator that produced
// it. Calling Release more than once is a programming error and panics.
func (t *FrameTracker) Release() {
	if !atomic.CompareAndSwapInt32(&t.release, 0, 1) {
		panic("pmm: FrameTracker released twice")
	}
	t.alloc.dealloc(t.Range)
}

// Leak detaches the range from RAII-style release and returns it,
// transferring ownership to the caller without freeing it. Used when a
// tracked range is being wrapped in a SharedFrame, which takes over
// ownership bookkeeping itself.
func (t *FrameTracker) Leak() FrameRange {
	atomic.StoreInt32(&t.release, 1)
	return t.Range
}

// SharedFrame is a reference-counted handle over a FrameTracker; multiple
// VM areas may hold one for COW or shared mappings. The strong count is
// the sole discriminator used to decide whether a COW fault must copy.
type SharedFrame struct {
	rng     FrameRange
	alloc   *BitmapAllocator
	strong  *int32
}

// NewSharedFrame wraps a FrameTracker's range in a fresh, uniquely-owned
// SharedFrame, consuming the tracker.
func NewSharedFrame(t *FrameTracker) *SharedFrame {
	rng := t.Leak()
	one := int32(1)
	return &SharedFrame{rng: rng, alloc: t.alloc, strong: &one}
}

// Range returns the physical frame range this handle covers.
func (s *SharedFrame) Range() FrameRange { return s.rng }

// Clone returns a new handle sharing the same underlying frames and bumps
// the strong count.
func (s *SharedFrame) Clone() *SharedFrame {
	atomic.AddInt32(s.strong, 1)
	return &SharedFrame{rng: s.rng, alloc: s.alloc, strong: s.strong}
}

// OwnerCount returns the current strong count. A count of 1 means the
// caller is the sole owner and may safely upgrade a COW mapping to
// writable in place instead of copying.
func (s *SharedFrame) OwnerCount() int32 { return atomic.LoadInt32(s.strong) }

// Drop decrements the strong count and, if it reaches zero, returns the
// frame range to the owning allocator. It must be called exactly once per
// handle (per Clone call, including the original from NewSharedFrame).
func (s *SharedFrame) Drop() {
	if atomic.AddInt32(s.strong, -1) == 0 {
		s.alloc.dealloc(s.rng)
	}
}

// samePointer reports whether two SharedFrames share the same underlying
// strong-count cell, i.e. are the same logical owner chain.
func samePointer(a, b *SharedFrame) bool {
	return unsafe.Pointer(a.strong) == unsafe.Pointer(b.strong)
}

// SameOwner reports whether s and other ultimately share one reference
// count (originated from the same NewSharedFrame call).
func (s *SharedFrame) SameOwner(other *SharedFrame) bool {
	return samePointer(s, other)
}
