package vmm

import (
	"io"
	"sync"

	"lumenkernel/kernel"
	"lumenkernel/kernel/mem"
	"lumenkernel/kernel/mem/pmm"
)

// PageCache holds the pages of one Inode that are currently resident,
// keyed by page-aligned file offset. Its critical section covers a disk
// read on a miss, which may suspend the calling goroutine, so unlike the
// frame and slab allocators it is guarded by a sync.Mutex rather than a
// spinning Spinlock.
type PageCache struct {
	mu    sync.Mutex
	inode Inode
	pages map[uint64]*Page
}

// NewPageCache creates an empty cache over inode. Most callers want
// cacheForInode instead, which reuses one cache per inode so that every
// mmap of the same file observes the same resident pages; NewPageCache
// stays exported for tests that need a private cache.
func NewPageCache(inode Inode) *PageCache {
	return &PageCache{inode: inode, pages: make(map[uint64]*Page)}
}

// pageCacheRegistry is the process-wide table of one PageCache per inode,
// so that independent mmap/open calls on the same file share pages
// instead of each building its own private cache (which would break
// MAP_SHARED: two mappers would never observe each other's writes).
var (
	pageCacheRegistryMu sync.Mutex
	pageCacheRegistry   = make(map[Inode]*PageCache)
)

// cacheForInode returns the single shared PageCache for inode, creating
// it on first use.
func cacheForInode(inode Inode) *PageCache {
	pageCacheRegistryMu.Lock()
	defer pageCacheRegistryMu.Unlock()
	if c, ok := pageCacheRegistry[inode]; ok {
		return c
	}
	c := NewPageCache(inode)
	pageCacheRegistry[inode] = c
	return c
}

// GetPage returns the resident page for the page-aligned file offset,
// reading it from the backing inode on a miss. Bytes beyond the inode's
// current size are left zeroed, matching demand paging of a sparse or
// growing file.
func (c *PageCache) GetPage(offset uint64) (*Page, *kernel.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pages[offset]; ok {
		return p, nil
	}

	trk, err := pmm.Global.Alloc(1)
	if err != nil {
		return nil, err
	}
	buf := trk.Range.Bytes()
	n, rerr := c.inode.ReadAt(buf, int64(offset))
	if rerr != nil && rerr != io.EOF {
		trk.Release()
		return nil, &kernel.Error{Module: "vmm", Message: "page cache: read failed: " + rerr.Error(), Kind: kernel.KindOther}
	}
	trk.Range.WriteAt(buf[:n], 0)

	page := &Page{Frame: pmm.NewSharedFrame(trk), Offset: offset}
	c.pages[offset] = page
	return page, nil
}

// Writeback flushes every dirty resident page back to the inode and
// clears their dirty bits.
func (c *PageCache) Writeback() *kernel.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for off, p := range c.pages {
		if !p.Dirty {
			continue
		}
		buf := p.Frame.Range().Bytes()
		if _, err := c.inode.WriteAt(buf[:mem.Current.PageSize], int64(off)); err != nil {
			return &kernel.Error{Module: "vmm", Message: "page cache: writeback failed: " + err.Error(), Kind: kernel.KindOther}
		}
		p.Dirty = false
	}
	return nil
}

// Evict drops offset from the cache without writing it back, used when an
// anonymous/private mapping's page identity diverges from the file (the
// owning VM area already holds its own reference on the frame).
func (c *PageCache) Evict(offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pages, offset)
}
