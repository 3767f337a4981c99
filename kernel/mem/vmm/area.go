package vmm

import (
	"lumenkernel/kernel"
	"lumenkernel/kernel/mem"
	"lumenkernel/kernel/mem/pmm"
)

// AreaKind distinguishes the handful of page-fault resolution strategies
// a UserVmArea can use; it is orthogonal to Perm, which only says what
// accesses are allowed once a mapping exists.
type AreaKind int

const (
	// AreaData covers file-backed segments such as an ELF PT_LOAD
	// segment: demand-paged from an Inode's PageCache, copy-on-write
	// between address spaces sharing it (e.g. across fork).
	AreaData AreaKind = iota
	// AreaAnon covers anonymous private memory with no backing file:
	// heap (via Brk) and private anonymous mmap. Faults allocate a fresh
	// zeroed frame.
	AreaAnon
	// AreaStack is the user stack; treated like AreaAnon but kept
	// distinct for diagnostics. SplitOff and Munmap handle it the same
	// way as any other kind.
	AreaStack
	// AreaMmapShared covers MAP_SHARED file-backed mmaps: faults and
	// writes go through the inode's single shared PageCache so all
	// mappers and the file agree.
	AreaMmapShared
	// AreaTrapContext and AreaShm never resolve page faults themselves;
	// HandlePageFault always reports KindPermission for them, matching
	// spec-mandated "always fails" regions.
	AreaTrapContext
	AreaShm
)

// UserVmArea is one non-overlapping range of a UserVmSpace's address
// space together with the policy for resolving faults inside it.
type UserVmArea struct {
	Range mem.VARange
	Perm  Perm
	Kind  AreaKind

	inode      Inode
	cache      *PageCache
	fileOffset uint64 // cache offset corresponding to Range.Start

	// frames backs AreaAnon/AreaStack pages and private copies made by a
	// COW fault resolution; keyed by VPN.
	frames *vpnFrameMap
}

func (a *UserVmArea) rangeStart() uint64 { return uint64(a.Range.Start) }
func (a *UserVmArea) rangeEnd() uint64   { return uint64(a.Range.End) }

// NewAnon creates a zero-filled, demand-paged area with no backing file.
func NewAnon(rng mem.VARange, perm Perm, kind AreaKind) *UserVmArea {
	return &UserVmArea{Range: rng, Perm: perm, Kind: kind, frames: newVPNFrameMap()}
}

// NewFileBacked creates a private, COW-able area backed by inode starting
// at fileOffset (rounded down to a page boundary by the caller).
func NewFileBacked(rng mem.VARange, perm Perm, inode Inode, fileOffset uint64) *UserVmArea {
	return &UserVmArea{
		Range: rng, Perm: perm, Kind: AreaData,
		inode: inode, cache: cacheForInode(inode), fileOffset: fileOffset,
		frames: newVPNFrameMap(),
	}
}

// NewMmapShared creates an area backed by an inode's cache, shared by
// every mapper (MAP_SHARED): writes are visible to other mappers and the
// file.
func NewMmapShared(rng mem.VARange, perm Perm, inode Inode, cache *PageCache, fileOffset uint64) *UserVmArea {
	return &UserVmArea{Range: rng, Perm: perm, Kind: AreaMmapShared, inode: inode, cache: cache, fileOffset: fileOffset, frames: newVPNFrameMap()}
}

func vpnOf(addr mem.VirtAddr) uint64 {
	return uint64(addr.Floor()) >> mem.Current.PageSizeBits
}

func vpnToAddr(vpn uint64) mem.VirtAddr {
	return mem.VirtAddr(vpn << mem.Current.PageSizeBits)
}

// RangeVPN returns the half-open page-number range [startVPN, endVPN)
// this area covers.
func (a *UserVmArea) RangeVPN() (uint64, uint64) {
	return vpnOf(a.Range.Start), vpnOf(a.Range.End.Ceil())
}

// CopyData writes data into the area starting at its first page, faulting
// in (and owning) pages as needed. Used to populate an ELF PT_LOAD
// segment's initialized bytes after the area itself has been created.
func (a *UserVmArea) CopyData(pt *PageTable, data []byte) *kernel.Error {
	pageSize := int(mem.Current.PageSize)
	off := 0
	va := a.Range.Start
	for off < len(data) {
		sf, err := a.ownedFrameFor(pt, va)
		if err != nil {
			return err
		}
		n := len(data) - off
		if n > pageSize {
			n = pageSize
		}
		sf.Range().WriteAt(data[off:off+n], uintptr(va.PageOffset()))
		off += n
		va += mem.VirtAddr(pageSize)
	}
	return nil
}

// ownedFrameFor returns the frame this area already owns for va's page,
// allocating a fresh zeroed one and installing it into pt on first use.
func (a *UserVmArea) ownedFrameFor(pt *PageTable, va mem.VirtAddr) (*pmm.SharedFrame, *kernel.Error) {
	vpn := vpnOf(va)
	if sf, ok := a.frames.get(vpn); ok {
		return sf, nil
	}
	trk, err := pmm.Global.Alloc(1)
	if err != nil {
		return nil, err
	}
	sf := pmm.NewSharedFrame(trk)
	a.frames.set(vpn, sf)
	if merr := pt.Map(va.Floor(), sf.Range().Start, a.Perm); merr != nil {
		return nil, merr
	}
	return sf, nil
}

// eagerlyPopulate maps every page of the area up front by allocating
// zeroed frames, for kinds such as AreaTrapContext and AreaShm that
// HandlePageFault refuses to resolve lazily.
func (a *UserVmArea) eagerlyPopulate(pt *PageTable) *kernel.Error {
	start, end := a.RangeVPN()
	for vpn := start; vpn < end; vpn++ {
		if _, err := a.ownedFrameFor(pt, vpnToAddr(vpn)); err != nil {
			return err
		}
	}
	return nil
}

// prefaultFile eagerly resolves the first n pages of a freshly-created
// file-backed area (n capped to the area's own length), reusing the same
// cache-fill and COW-copy logic an ordinary demand fault would use.
// shared selects a direct share of the cache's page (MAP_SHARED) versus a
// private COW-able copy.
func (a *UserVmArea) prefaultFile(pt *PageTable, n int, shared bool) *kernel.Error {
	start, end := a.RangeVPN()
	if uint64(n) < end-start {
		end = start + uint64(n)
	}
	for vpn := start; vpn < end; vpn++ {
		if err := a.faultFileBacked(pt, vpnToAddr(vpn), !shared); err != nil {
			return err
		}
	}
	return nil
}

// Unmap clears every page-table entry this area currently holds and
// drops its frame/cache references. It does not modify pt's intermediate
// tables.
func (a *UserVmArea) Unmap(pt *PageTable) {
	start, end := a.RangeVPN()
	for vpn := start; vpn < end; vpn++ {
		pt.Unmap(vpnToAddr(vpn))
	}
	a.frames.release()
	a.frames = nil
}

// SplitOff removes and returns the tail of the area starting at addr
// (which must be page-aligned and strictly inside the range), shrinking
// the receiver to end at addr. Used by munmap/mprotect on a sub-range.
func (a *UserVmArea) SplitOff(addr mem.VirtAddr) (*UserVmArea, *kernel.Error) {
	if addr <= a.Range.Start || addr >= a.Range.End {
		return nil, &kernel.Error{Module: "vmm", Message: "split point outside area", Kind: kernel.KindOther}
	}
	tail := &UserVmArea{
		Range: mem.VARange{Start: addr, End: a.Range.End},
		Perm:  a.Perm, Kind: a.Kind, inode: a.inode, cache: a.cache,
		fileOffset: a.fileOffset + uint64(addr-a.Range.Start),
		frames:     newVPNFrameMap(),
	}
	if a.frames != nil {
		a.frames.moveTo(tail.frames, vpnOf(addr))
	}
	a.Range.End = addr
	return tail, nil
}

// CloneCOW marks every currently-mapped page of a read-write as
// copy-on-write in both pt (the parent's table) and childPT (the child's,
// freshly created for fork), sharing the same underlying frames, and
// returns the child's copy of this area.
func (a *UserVmArea) CloneCOW(pt, childPT *PageTable) (*UserVmArea, *kernel.Error) {
	child := &UserVmArea{
		Range: a.Range, Perm: a.Perm, Kind: a.Kind,
		inode: a.inode, cache: a.cache, fileOffset: a.fileOffset,
		frames: newVPNFrameMap(),
	}
	start, end := a.RangeVPN()
	cowable := a.Perm.Has(PermWrite) && a.frames != nil
	for vpn := start; vpn < end; vpn++ {
		va := vpnToAddr(vpn)
		sf, owned := a.frames.get(vpn)
		if !owned {
			continue
		}
		perm := a.Perm
		if cowable {
			perm = (perm &^ PermWrite) | PermCOW
			if err := pt.Remap(va, sf.Range().Start, perm); err != nil {
				return nil, err
			}
		}
		shared := sf.Clone()
		child.frames.set(vpn, shared)
		if err := childPT.Map(va, shared.Range().Start, perm); err != nil {
			return nil, err
		}
	}
	return child, nil
}

// HandlePageFault resolves a fault at faultAddr requiring access accessType.
// It returns nil once the fault is resolved (pt now has a usable mapping),
// or a *kernel.Error with Kind KindPermission if access is categorically
// disallowed in this area.
func (a *UserVmArea) HandlePageFault(pt *PageTable, faultAddr mem.VirtAddr, accessType Perm) *kernel.Error {
	if accessType.Has(PermWrite) && !a.Perm.Has(PermWrite) {
		return &kernel.Error{Module: "vmm", Message: "write to read-only area", Kind: kernel.KindPermission}
	}
	if accessType.Has(PermExec) && !a.Perm.Has(PermExec) {
		return &kernel.Error{Module: "vmm", Message: "exec of non-executable area", Kind: kernel.KindPermission}
	}

	entry, mapped := pt.FindPTE(faultAddr.Floor())
	if mapped && entry.IsCOW() {
		return a.resolveCOW(pt, faultAddr, entry)
	}

	switch a.Kind {
	case AreaTrapContext, AreaShm:
		return &kernel.Error{Module: "vmm", Message: "area never resolves page faults", Kind: kernel.KindPermission}
	case AreaAnon, AreaStack:
		return a.faultAnon(pt, faultAddr)
	case AreaData:
		return a.faultFileBacked(pt, faultAddr, true)
	case AreaMmapShared:
		return a.faultFileBacked(pt, faultAddr, false)
	default:
		return &kernel.Error{Module: "vmm", Message: "unknown area kind", Kind: kernel.KindOther}
	}
}

// resolveCOW handles a write fault on a copy-on-write mapping: if this
// area's own SharedFrame is the sole owner, the mapping is simply
// upgraded to writable in place; otherwise a private copy is made and
// this area's reference to the old frame is dropped.
func (a *UserVmArea) resolveCOW(pt *PageTable, faultAddr mem.VirtAddr, entry PTE) *kernel.Error {
	va := faultAddr.Floor()
	vpn := vpnOf(va)
	sf, owned := a.frames.get(vpn)
	if !owned {
		return &kernel.Error{Module: "vmm", Message: "cow fault on unowned page", Kind: kernel.KindOther}
	}
	finalPerm := (a.Perm &^ PermCOW) | PermWrite
	if sf.OwnerCount() == 1 {
		return pt.Remap(va, sf.Range().Start, finalPerm)
	}
	trk, err := pmm.Global.Alloc(1)
	if err != nil {
		return err
	}
	trk.Range.WriteAt(sf.Range().Bytes(), 0)
	newSF := pmm.NewSharedFrame(trk)
	sf.Drop()
	a.frames.set(vpn, newSF)
	return pt.Remap(va, newSF.Range().Start, finalPerm)
}

// faultAnon services a fault in an anonymous area by allocating a fresh
// zeroed frame and mapping it with the area's declared permissions.
func (a *UserVmArea) faultAnon(pt *PageTable, faultAddr mem.VirtAddr) *kernel.Error {
	_, err := a.ownedFrameFor(pt, faultAddr.Floor())
	return err
}

// faultFileBacked services a fault in a file-backed area by pulling the
// covering page from the shared PageCache. private selects whether the
// mapping becomes a COW-private copy (AreaData) or a direct share of the
// cache's page (AreaMmapShared).
func (a *UserVmArea) faultFileBacked(pt *PageTable, faultAddr mem.VirtAddr, private bool) *kernel.Error {
	va := faultAddr.Floor()
	pageSize := uint64(mem.Current.PageSize)
	cacheOff := a.fileOffset + (uint64(va) - uint64(a.Range.Start))
	cacheOff -= cacheOff % pageSize

	page, err := a.cache.GetPage(cacheOff)
	if err != nil {
		return err
	}

	if !private {
		return pt.Map(va, page.Frame.Range().Start, a.Perm)
	}

	perm := a.Perm
	if perm.Has(PermWrite) {
		perm = (perm &^ PermWrite) | PermCOW
	}
	shared := page.Frame.Clone()
	a.frames.set(vpnOf(va), shared)
	return pt.Map(va, shared.Range().Start, perm)
}
