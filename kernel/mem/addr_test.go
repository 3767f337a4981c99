package mem

import "testing"

func TestPhysAddrFloorCeil(t *testing.T) {
	base := PhysAddr(0x1000)
	mid := base + 0x123

	if got := mid.Floor(); got != base {
		t.Fatalf("Floor() = %#x; want %#x", got, base)
	}
	if got := mid.Ceil(); got != base+0x1000 {
		t.Fatalf("Ceil() = %#x; want %#x", got, base+0x1000)
	}
	if got := base.Ceil(); got != base {
		t.Fatalf("Ceil() of aligned addr = %#x; want %#x", got, base)
	}
	if got := mid.PageOffset(); got != 0x123 {
		t.Fatalf("PageOffset() = %#x; want %#x", got, 0x123)
	}
}

func TestVirtAddrFloorCeil(t *testing.T) {
	addr := VirtAddr(0x2000 + 42)
	if got := addr.Floor(); got != VirtAddr(0x2000) {
		t.Fatalf("Floor() = %#x; want %#x", got, 0x2000)
	}
	if got := addr.Ceil(); got != VirtAddr(0x3000) {
		t.Fatalf("Ceil() = %#x; want %#x", got, 0x3000)
	}
}

func TestAlignPage(t *testing.T) {
	if got := AlignPage(Size(1)); got != Size(Current.PageSize) {
		t.Fatalf("AlignPage(1) = %d; want %d", got, Current.PageSize)
	}
	if got := AlignPage(Size(Current.PageSize)); got != Size(Current.PageSize) {
		t.Fatalf("AlignPage(PageSize) = %d; want %d", got, Current.PageSize)
	}
}
