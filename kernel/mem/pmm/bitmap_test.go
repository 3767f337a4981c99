package pmm

import (
	"testing"

	"lumenkernel/kernel"
	"lumenkernel/kernel/mem"
)

func newTestAllocator(nFrames uintptr) *BitmapAllocator {
	end := mem.PhysAddr(nFrames * uintptr(mem.Current.PageSize))
	return NewBitmapAllocator(mem.PhysAddr(0), end)
}

func TestBitmapAllocFirstFit(t *testing.T) {
	a := newTestAllocator(8)

	t1, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc(3) failed: %v", err)
	}
	if t1.Range.Start != 0 || t1.Range.End != 3 {
		t.Fatalf("first alloc = %+v; want [0,3)", t1.Range)
	}

	t2, err := a.Alloc(2)
	if err != nil {
		t.Fatalf("Alloc(2) failed: %v", err)
	}
	if t2.Range.Start != 3 || t2.Range.End != 5 {
		t.Fatalf("second alloc = %+v; want [3,5)", t2.Range)
	}

	if got := a.FreeFrames(); got != 3 {
		t.Fatalf("FreeFrames() = %d; want 3", got)
	}

	t1.Release()
	if got := a.FreeFrames(); got != 6 {
		t.Fatalf("FreeFrames() after release = %d; want 6", got)
	}

	// The freed [0,3) run should be reused by a first-fit scan before
	// extending past t2's [3,5).
	t3, err := a.Alloc(3)
	if err != nil {
		t.Fatalf("Alloc(3) failed: %v", err)
	}
	if t3.Range.Start != 0 {
		t.Fatalf("expected first-fit reuse at frame 0, got %d", t3.Range.Start)
	}

	t2.Release()
	t3.Release()
}

func TestBitmapAllocExhaustion(t *testing.T) {
	a := newTestAllocator(4)
	if _, err := a.Alloc(4); err != nil {
		t.Fatalf("Alloc(4) should succeed: %v", err)
	}
	_, err := a.Alloc(1)
	if err == nil {
		t.Fatal("expected out-of-memory error")
	}
	if err.Kind != kernel.KindOutOfMemory {
		t.Fatalf("err.Kind = %v; want KindOutOfMemory", err.Kind)
	}
}

func TestBitmapDoubleReleasePanics(t *testing.T) {
	a := newTestAllocator(2)
	trk, _ := a.Alloc(1)
	trk.Release()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double release")
		}
	}()
	trk.Release()
}
