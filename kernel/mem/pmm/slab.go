package pmm

import (
	"unsafe"

	"lumenkernel/kernel"
	"lumenkernel/kernel/mem"
	"lumenkernel/kernel/sync"
)

// slabSizeClasses lists the fixed object sizes this allocator serves,
// matching the size-class ladder used by the reference allocator this
// port is based on.
var slabSizeClasses = [...]uintptr{8, 16, 24, 32, 40, 48, 56, 64, 72, 80, 88, 96, 192}

// slabFreeNode is the only metadata stored inside a free object: a
// single intrusive link to the next free object in this cache. It must
// never be wider than the smallest size class (8 bytes, one pointer on
// a 64-bit target), since it is carved out of the object's own bytes
// rather than kept alongside them; a wider per-object header here would
// overlap neighboring objects in the 8- and 16-byte classes.
type slabFreeNode struct {
	next *slabFreeNode
}

// SlabCache serves fixed-size allocations of objSize bytes out of whole
// physical frames, splitting each frame into objects linked on an
// intrusive free list. Ownership (which cache/block a live object
// belongs to) and occupancy are tracked at the block level, not stamped
// into every object, so the free-list link above is all a free object
// ever carries.
type SlabCache struct {
	mu           sync.Spinlock
	objSize      uintptr
	objsPerBlock uintptr
	frames       *BitmapAllocator
	trackers     []*FrameTracker
	// blockBase holds, in parallel with trackers, the Go-heap base
	// address of the byte slice each tracker's frame was carved from;
	// Dealloc and Shrink use it (not the frame's physical address, which
	// the host backing store in frame.go never aliases) to tell which
	// block a given object address belongs to.
	blockBase []uintptr
	freeList  *slabFreeNode
}

// newSlabCache creates a cache for objSize-byte objects backed by frames
// allocator.
func newSlabCache(frames *BitmapAllocator, objSize uintptr) *SlabCache {
	perBlock := uintptr(mem.Current.PageSize) / objSize
	return &SlabCache{objSize: objSize, objsPerBlock: perBlock, frames: frames}
}

// growLocked allocates one more frame, carves it into objSize blocks and
// pushes them onto the free list. Caller must hold c.mu.
func (c *SlabCache) growLocked() *kernel.Error {
	tracker, err := c.frames.Alloc(1)
	if err != nil {
		return err
	}
	c.trackers = append(c.trackers, tracker)
	backing := tracker.Range.Bytes()
	c.blockBase = append(c.blockBase, uintptr(unsafe.Pointer(&backing[0])))
	for i := uintptr(0); i < c.objsPerBlock; i++ {
		off := i * c.objSize
		node := (*slabFreeNode)(unsafe.Pointer(&backing[off]))
		node.next = c.freeList
		c.freeList = node
	}
	return nil
}

// blockIndexFor returns the index into trackers/blockBase owning addr,
// or -1 if addr does not fall within any block this cache has grown.
func (c *SlabCache) blockIndexFor(addr uintptr) int {
	pageSize := uintptr(mem.Current.PageSize)
	for i, base := range c.blockBase {
		if addr >= base && addr < base+pageSize {
			return i
		}
	}
	return -1
}

// isFree reports whether addr is currently linked into the free list,
// used to detect a double free now that occupancy isn't stamped into
// the object itself.
func (c *SlabCache) isFree(addr uintptr) bool {
	for n := c.freeList; n != nil; n = n.next {
		if uintptr(unsafe.Pointer(n)) == addr {
			return true
		}
	}
	return false
}

// Alloc returns a zeroed objSize-byte block, growing the cache by one
// frame first if the free list is empty.
func (c *SlabCache) Alloc() (unsafe.Pointer, *kernel.Error) {
	c.mu.Acquire()
	defer c.mu.Release()
	if c.freeList == nil {
		if err := c.growLocked(); err != nil {
			return nil, err
		}
	}
	node := c.freeList
	c.freeList = node.next
	obj := unsafe.Slice((*byte)(unsafe.Pointer(node)), c.objSize)
	for i := range obj {
		obj[i] = 0
	}
	return unsafe.Pointer(node), nil
}

// Dealloc returns a block to its cache's free list. It panics if block
// was not allocated from this cache or is already free, mirroring the
// reference allocator's BadOwner assertion: a wrong-cache free is a
// programming error, not a recoverable condition.
func (c *SlabCache) Dealloc(block unsafe.Pointer) {
	c.mu.Acquire()
	defer c.mu.Release()
	addr := uintptr(block)
	if c.blockIndexFor(addr) < 0 {
		panic(&kernel.Error{Module: "pmm", Message: "slab: block freed to wrong cache"})
	}
	if c.isFree(addr) {
		panic(&kernel.Error{Module: "pmm", Message: "slab: double free"})
	}
	node := (*slabFreeNode)(block)
	node.next = c.freeList
	c.freeList = node
}

// Shrink releases any backing frame that is currently entirely free,
// reclaiming memory held by caches whose working set has shrunk. It walks
// the free list once to count free blocks per frame; a frame is released
// only when every one of its objects is on the free list.
func (c *SlabCache) Shrink() int {
	c.mu.Acquire()
	defer c.mu.Release()

	pageSize := uintptr(mem.Current.PageSize)
	freeCount := map[uintptr]uintptr{}
	for h := c.freeList; h != nil; h = h.next {
		addr := uintptr(unsafe.Pointer(h))
		for _, base := range c.blockBase {
			if addr >= base && addr < base+pageSize {
				freeCount[base]++
				break
			}
		}
	}

	released := 0
	var keptTrackers []*FrameTracker
	var keptBase []uintptr
	for i, t := range c.trackers {
		base := c.blockBase[i]
		if freeCount[base] == c.objsPerBlock {
			c.removeBlockFromFreeList(base)
			t.Release()
			released++
			continue
		}
		keptTrackers = append(keptTrackers, t)
		keptBase = append(keptBase, base)
	}
	c.trackers = keptTrackers
	c.blockBase = keptBase
	return released
}

// removeBlockFromFreeList strips every free-list node whose address falls
// within the frame starting at base, ahead of that frame being released.
func (c *SlabCache) removeBlockFromFreeList(base uintptr) {
	pageSize := uintptr(mem.Current.PageSize)
	var head *slabFreeNode
	var tail *slabFreeNode
	for h := c.freeList; h != nil; h = h.next {
		addr := uintptr(unsafe.Pointer(h))
		if addr >= base && addr < base+pageSize {
			continue
		}
		if head == nil {
			head = h
		} else {
			tail.next = h
		}
		tail = h
	}
	if tail != nil {
		tail.next = nil
	}
	c.freeList = head
}

// SlabAllocator fronts a ladder of SlabCache instances, one per size
// class, and routes allocations to the smallest class that fits.
type SlabAllocator struct {
	caches [len(slabSizeClasses)]*SlabCache
}

// GlobalSlab is the kernel's process-wide slab allocator, installed by
// InitGlobal alongside the frame allocator it draws frames from. VM
// metadata structures too small to justify a whole frame each (e.g. the
// per-VPN frame-ownership nodes a UserVmArea tracks) are allocated from
// here instead of the Go heap.
var GlobalSlab *SlabAllocator

// NewSlabAllocator builds a SlabAllocator whose caches draw frames from
// frames.
func NewSlabAllocator(frames *BitmapAllocator) *SlabAllocator {
	s := &SlabAllocator{}
	for i, sz := range slabSizeClasses {
		s.caches[i] = newSlabCache(frames, sz)
	}
	return s
}

// classFor returns the index of the smallest size class able to hold
// size bytes, or -1 if size exceeds the largest class.
func classFor(size uintptr) int {
	for i, sz := range slabSizeClasses {
		if size <= sz {
			return i
		}
	}
	return -1
}

// Alloc returns a zeroed block of at least size bytes.
func (s *SlabAllocator) Alloc(size uintptr) (unsafe.Pointer, *kernel.Error) {
	idx := classFor(size)
	if idx < 0 {
		return nil, &kernel.Error{Module: "pmm", Message: "slab: object too large for any size class", Kind: kernel.KindOutOfMemory}
	}
	return s.caches[idx].Alloc()
}

// Dealloc returns block, previously obtained from Alloc(size), to its
// owning cache.
func (s *SlabAllocator) Dealloc(size uintptr, block unsafe.Pointer) {
	idx := classFor(size)
	if idx < 0 {
		panic(&kernel.Error{Module: "pmm", Message: "slab: no size class for dealloc"})
	}
	s.caches[idx].Dealloc(block)
}

// Shrink releases fully-idle frames across every size class and returns
// the total number of frames reclaimed.
func (s *SlabAllocator) Shrink() int {
	total := 0
	for _, c := range s.caches {
		total += c.Shrink()
	}
	return total
}
