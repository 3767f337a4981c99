package vmm

import (
	"testing"

	"lumenkernel/kernel/mem"
	"lumenkernel/kernel/mem/pmm"
)

func allocDataFrame(t *testing.T) pmm.Frame {
	t.Helper()
	trk, err := pmm.Global.Alloc(1)
	if err != nil {
		t.Fatalf("allocating data frame failed: %v", err)
	}
	return trk.Range.Start
}

func TestPageTableMapFindUnmap(t *testing.T) {
	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("NewPageTable failed: %v", err)
	}
	defer pt.Release()

	va := mem.VirtAddr(0x4000)
	frame := allocDataFrame(t)

	if err := pt.Map(va, frame, PermRead|PermWrite|PermUser); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	entry, ok := pt.FindPTE(va)
	if !ok {
		t.Fatal("FindPTE should report the page as mapped")
	}
	if entry.Frame() != frame {
		t.Fatalf("mapped frame = %d; want %d", entry.Frame(), frame)
	}
	if !entry.Readable() || !entry.Writable() || !entry.UserAccess() {
		t.Fatalf("unexpected perm bits on entry: %v", entry.Perm())
	}

	pa, ok := pt.TranslateVA(va + 0x10)
	if !ok {
		t.Fatal("TranslateVA should succeed for a mapped page")
	}
	if want := frame.Address() + 0x10; pa != want {
		t.Fatalf("TranslateVA = %#x; want %#x", pa, want)
	}

	pt.Unmap(va)
	if _, ok := pt.FindPTE(va); ok {
		t.Fatal("FindPTE should report unmapped after Unmap")
	}
}

func TestPageTableMapRejectsDoubleMap(t *testing.T) {
	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("NewPageTable failed: %v", err)
	}
	defer pt.Release()

	va := mem.VirtAddr(0x8000)
	frame := allocDataFrame(t)
	if err := pt.Map(va, frame, PermRead); err != nil {
		t.Fatalf("first Map failed: %v", err)
	}
	if err := pt.Map(va, frame, PermRead); err == nil {
		t.Fatal("expected error remapping an already-mapped page")
	}
}

func TestPageTableMultiplePagesDistinctEntries(t *testing.T) {
	pt, err := NewPageTable()
	if err != nil {
		t.Fatalf("NewPageTable failed: %v", err)
	}
	defer pt.Release()

	pageSize := mem.VirtAddr(mem.Current.PageSize)
	frames := make([]pmm.Frame, 4)
	for i := range frames {
		frames[i] = allocDataFrame(t)
		va := mem.VirtAddr(0x100000) + mem.VirtAddr(i)*pageSize
		if err := pt.Map(va, frames[i], PermRead|PermWrite); err != nil {
			t.Fatalf("Map(%d) failed: %v", i, err)
		}
	}
	for i := range frames {
		va := mem.VirtAddr(0x100000) + mem.VirtAddr(i)*pageSize
		entry, ok := pt.FindPTE(va)
		if !ok || entry.Frame() != frames[i] {
			t.Fatalf("page %d resolved to frame %d (ok=%v); want %d", i, entry.Frame(), ok, frames[i])
		}
	}
}
