package vmm

import (
	"bytes"
	"io"
	"testing"

	"lumenkernel/kernel/mem"
)

// memInode is a trivial in-memory Inode used by tests that need a real
// backing store for file-mapped areas.
type memInode struct {
	data []byte
}

func newMemInode(size int) *memInode {
	return &memInode{data: make([]byte, size)}
}

func (m *memInode) ReadAt(dst []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(dst, m.data[off:])
	return n, nil
}

func (m *memInode) WriteAt(src []byte, off int64) (int, error) {
	end := off + int64(len(src))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	n := copy(m.data[off:], src)
	return n, nil
}

func (m *memInode) Size() int64 { return int64(len(m.data)) }

var _ Inode = (*memInode)(nil)

func TestPageCacheGetPageReadsThroughOnMiss(t *testing.T) {
	inode := newMemInode(int(mem.Current.PageSize))
	copy(inode.data, bytes.Repeat([]byte{0x7A}, len(inode.data)))
	cache := NewPageCache(inode)

	page, err := cache.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	buf := page.Frame.Range().Bytes()
	if buf[0] != 0x7A {
		t.Fatalf("cached page first byte = %#x; want 0x7a", buf[0])
	}

	again, err := cache.GetPage(0)
	if err != nil {
		t.Fatalf("second GetPage failed: %v", err)
	}
	if again != page {
		t.Fatal("second GetPage at the same offset should return the cached *Page, not refetch")
	}
}

func TestPageCacheWritebackFlushesDirtyPages(t *testing.T) {
	inode := newMemInode(int(mem.Current.PageSize))
	cache := NewPageCache(inode)

	page, err := cache.GetPage(0)
	if err != nil {
		t.Fatalf("GetPage failed: %v", err)
	}
	page.Frame.Range().WriteAt([]byte{1, 2, 3, 4}, 0)
	page.MarkDirty()

	if err := cache.Writeback(); err != nil {
		t.Fatalf("Writeback failed: %v", err)
	}
	if !bytes.Equal(inode.data[:4], []byte{1, 2, 3, 4}) {
		t.Fatalf("inode data after writeback = %v; want [1 2 3 4 ...]", inode.data[:4])
	}
	if page.Dirty {
		t.Fatal("Writeback should clear the dirty bit")
	}
}

func TestCacheForInodeReturnsOneCachePerInode(t *testing.T) {
	inode := newMemInode(int(mem.Current.PageSize))
	a := cacheForInode(inode)
	b := cacheForInode(inode)
	if a != b {
		t.Fatal("cacheForInode should return the same *PageCache for the same inode across calls")
	}

	other := newMemInode(int(mem.Current.PageSize))
	c := cacheForInode(other)
	if c == a {
		t.Fatal("cacheForInode should return distinct caches for distinct inodes")
	}
}
