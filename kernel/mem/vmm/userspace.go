package vmm

import (
	"io"

	"lumenkernel/kernel"
	"lumenkernel/kernel/mem"
)

// UserVmSpace is one process's virtual address space: its page table plus
// the set of non-overlapping UserVmArea regions that describe how each
// part of it resolves page faults.
type UserVmSpace struct {
	Table *PageTable
	areas *IntervalMap[*UserVmArea]

	heapArea  *UserVmArea
	heapStart mem.VirtAddr
	heapTop   mem.VirtAddr

	// mmapFileNext and mmapAnonNext are independent bump cursors: file-backed
	// mappings are confined to [UserFileBeg, UserFileEnd) and anonymous
	// (private or shared) ones to [UserShareBeg, UserShareEnd), so each
	// region needs its own free-space cursor.
	mmapFileNext mem.VirtAddr
	mmapAnonNext mem.VirtAddr
}

// NewUserSpace creates an empty address space with just its page table
// allocated.
func NewUserSpace() (*UserVmSpace, *kernel.Error) {
	pt, err := NewPageTable()
	if err != nil {
		return nil, err
	}
	return &UserVmSpace{
		Table: pt, areas: NewIntervalMap[*UserVmArea](),
		mmapFileNext: mem.Current.UserFileBeg,
		mmapAnonNext: mem.Current.UserShareBeg,
	}, nil
}

func (s *UserVmSpace) insertArea(a *UserVmArea) {
	s.areas.Insert(a)
}

// FromELF loads an ELF executable read from r into a fresh address space,
// installs a user stack area, and returns the entry point and
// initial stack pointer the caller should start the process at. Segment
// contents are copied in eagerly; use FromELFFile to demand-page them
// from an open Inode instead.
func FromELF(r io.ReaderAt) (*UserVmSpace, mem.VirtAddr, mem.VirtAddr, []AuxEntry, *kernel.Error) {
	space, err := NewUserSpace()
	if err != nil {
		return nil, 0, 0, nil, err
	}
	result, lerr := loadELFSegments(space, r, false, nil)
	if lerr != nil {
		return nil, 0, 0, nil, lerr
	}
	return finishLoadedSpace(space, result)
}

// FromELFFile loads an ELF executable backed by inode into a fresh
// address space the same way FromELF does, except each PT_LOAD segment
// is mapped as a demand-paged AreaData area over inode's shared
// PageCache instead of being copied into anonymous memory up front.
func FromELFFile(inode Inode) (*UserVmSpace, mem.VirtAddr, mem.VirtAddr, []AuxEntry, *kernel.Error) {
	space, err := NewUserSpace()
	if err != nil {
		return nil, 0, 0, nil, err
	}
	result, lerr := loadELFSegments(space, inode, true, inode)
	if lerr != nil {
		return nil, 0, 0, nil, lerr
	}
	return finishLoadedSpace(space, result)
}

// finishLoadedSpace appends the heap, stack and trap-context areas common
// to every freshly ELF-loaded address space, regardless of whether the
// segments themselves were loaded eagerly or demand-paged.
func finishLoadedSpace(space *UserVmSpace, result *ELFLoadResult) (*UserVmSpace, mem.VirtAddr, mem.VirtAddr, []AuxEntry, *kernel.Error) {
	space.heapStart = result.MaxVA
	space.heapTop = result.MaxVA
	space.heapArea = NewAnon(mem.VARange{Start: space.heapStart, End: space.heapStart}, PermRead|PermWrite|PermUser, AreaAnon)
	space.insertArea(space.heapArea)

	stackTop := mem.Current.UserStackTop
	stackBottom := mem.Current.UserStackBottom()
	stackArea := NewAnon(mem.VARange{Start: stackBottom, End: stackTop}, PermRead|PermWrite|PermUser, AreaStack)
	space.insertArea(stackArea)

	trapRng := mem.VARange{Start: mem.Current.UserTrapContextTop - mem.VirtAddr(mem.Current.PageSize), End: mem.Current.UserTrapContextTop}
	trapArea := NewAnon(trapRng, PermRead|PermWrite, AreaTrapContext)
	if terr := trapArea.eagerlyPopulate(space.Table); terr != nil {
		return nil, 0, 0, nil, terr
	}
	space.insertArea(trapArea)

	return space, result.Entry, stackTop, result.Auxv, nil
}

// Brk grows or shrinks the heap area to end at newTop, rejecting a
// request that would shrink below the heap's original start or collide
// with the next higher area.
func (s *UserVmSpace) Brk(newTop mem.VirtAddr) (mem.VirtAddr, *kernel.Error) {
	if newTop < s.heapStart {
		return s.heapTop, &kernel.Error{Module: "vmm", Message: "brk below heap start", Kind: kernel.KindOther}
	}
	aligned := newTop.Ceil()
	if s.areas.Overlaps(uint64(s.heapStart), uint64(aligned)) {
		// Overlap against the heap's own current extent is expected;
		// only a genuine collision with a different area rejects.
		if ov, ok := s.areas.Find(uint64(aligned) - 1); ok && ov != s.heapArea {
			return s.heapTop, &kernel.Error{Module: "vmm", Message: "brk would collide with another mapping", Kind: kernel.KindOther}
		}
	}
	if aligned < s.heapArea.Range.End {
		s.shrinkHeap(aligned)
	}
	s.heapArea.Range.End = aligned
	s.heapTop = newTop
	return s.heapTop, nil
}

// shrinkHeap unmaps and releases frames for pages beyond newEnd.
func (s *UserVmSpace) shrinkHeap(newEnd mem.VirtAddr) {
	start := vpnOf(newEnd)
	end := vpnOf(s.heapArea.Range.End.Ceil())
	for vpn := start; vpn < end; vpn++ {
		va := vpnToAddr(vpn)
		s.Table.Unmap(va)
		if sf, ok := s.heapArea.frames.get(vpn); ok {
			sf.Drop()
			s.heapArea.frames.delete(vpn)
		}
	}
}

// Mmap reserves a new anonymous or file-backed region and returns its
// base address. length is rounded up to a whole number of pages.
// File-backed mappings are placed within [UserFileBeg, UserFileEnd) and
// anonymous ones (private or MAP_SHARED) within [UserShareBeg,
// UserShareEnd), each tracked by its own bump cursor. If fixed is true,
// hintVA is used verbatim as the base address (MAP_FIXED) instead of
// bump-allocating, and must not overlap an existing mapping. The first
// UserFilePerPages pages of a file-backed mapping are faulted in
// immediately rather than left to a later demand fault.
func (s *UserVmSpace) Mmap(length mem.Size, perm Perm, inode Inode, shared bool, fileOffset uint64, hintVA mem.VirtAddr, fixed bool) (mem.VirtAddr, *kernel.Error) {
	size := mem.AlignPage(length)
	fileBacked := inode != nil

	var base mem.VirtAddr
	var regionEnd mem.VirtAddr
	if fileBacked {
		base, regionEnd = s.mmapFileNext, mem.Current.UserFileEnd
	} else {
		base, regionEnd = s.mmapAnonNext, mem.Current.UserShareEnd
	}

	if fixed {
		base = hintVA.Floor()
	}
	rng := mem.VARange{Start: base, End: base + mem.VirtAddr(size)}
	if rng.End > regionEnd {
		return 0, &kernel.Error{Module: "vmm", Message: "mmap: address space exhausted", Kind: kernel.KindOutOfMemory}
	}
	if fixed && s.areas.Overlaps(uint64(rng.Start), uint64(rng.End)) {
		return 0, &kernel.Error{Module: "vmm", Message: "mmap: MAP_FIXED address overlaps an existing mapping", Kind: kernel.KindOther}
	}

	var area *UserVmArea
	switch {
	case inode == nil && shared:
		area = NewAnon(rng, perm|PermUser, AreaShm)
		if err := area.eagerlyPopulate(s.Table); err != nil {
			return 0, err
		}
	case inode == nil:
		area = NewAnon(rng, perm|PermUser, AreaAnon)
	case shared:
		area = NewMmapShared(rng, perm|PermUser, inode, cacheForInode(inode), fileOffset)
	default:
		area = NewFileBacked(rng, perm|PermUser, inode, fileOffset)
	}
	if fileBacked {
		if err := area.prefaultFile(s.Table, mem.Current.UserFilePerPages, shared); err != nil {
			return 0, err
		}
	}
	s.insertArea(area)
	if !fixed {
		if fileBacked {
			s.mmapFileNext = rng.End
		} else {
			s.mmapAnonNext = rng.End
		}
	}
	return base, nil
}

// Munmap removes the mapping covering [addr, addr+length), which must
// exactly match one previously-mmapped area's bounds or a page-aligned
// sub-range of it.
func (s *UserVmSpace) Munmap(addr mem.VirtAddr, length mem.Size) *kernel.Error {
	end := addr + mem.VirtAddr(mem.AlignPage(length))
	area, ok := s.areas.Find(uint64(addr))
	if !ok {
		return &kernel.Error{Module: "vmm", Message: "munmap: no such mapping", Kind: kernel.KindNoMapping}
	}

	if addr > area.Range.Start {
		head, serr := area.SplitOff(addr)
		if serr != nil {
			return serr
		}
		s.areas.Insert(head)
		area = head
	}
	if end < area.Range.End {
		tail, serr := area.SplitOff(end)
		if serr != nil {
			return serr
		}
		s.areas.Insert(tail)
	}
	area.Unmap(s.Table)
	s.areas.Remove(uint64(area.Range.Start))
	return nil
}

// Mprotect changes the permissions of every page currently mapped within
// [addr, addr+length). Like Munmap, a sub-range of an area is first split
// off so the permission change never leaks into the part of the area
// outside [addr, addr+length): a page in the untouched remainder that
// later demand-faults must still get the area's original permissions.
func (s *UserVmSpace) Mprotect(addr mem.VirtAddr, length mem.Size, perm Perm) *kernel.Error {
	end := addr + mem.VirtAddr(mem.AlignPage(length))
	area, ok := s.areas.Find(uint64(addr))
	if !ok {
		return &kernel.Error{Module: "vmm", Message: "mprotect: no such mapping", Kind: kernel.KindNoMapping}
	}

	if addr > area.Range.Start {
		head, serr := area.SplitOff(addr)
		if serr != nil {
			return serr
		}
		s.areas.Insert(head)
		area = head
	}
	if end < area.Range.End {
		tail, serr := area.SplitOff(end)
		if serr != nil {
			return serr
		}
		s.areas.Insert(tail)
	}

	area.Perm = perm | PermUser
	start, stop := area.RangeVPN()
	for vpn := start; vpn < stop; vpn++ {
		va := vpnToAddr(vpn)
		if sf, ok := area.frames.get(vpn); ok {
			if e := s.Table.Remap(va, sf.Range().Start, perm|PermUser); e != nil {
				return e
			}
		}
	}
	return nil
}

// HandlePageFault dispatches faultAddr to the area covering it.
func (s *UserVmSpace) HandlePageFault(faultAddr mem.VirtAddr, accessType Perm) *kernel.Error {
	area, ok := s.areas.Find(uint64(faultAddr))
	if !ok {
		return &kernel.Error{Module: "vmm", Message: "page fault outside any mapping", Kind: kernel.KindNoMapping}
	}
	return area.HandlePageFault(s.Table, faultAddr, accessType)
}

// FromExisted forks a child address space sharing every mapped page
// copy-on-write with the parent.
func (s *UserVmSpace) FromExisted() (*UserVmSpace, *kernel.Error) {
	childTable, err := NewPageTable()
	if err != nil {
		return nil, err
	}
	child := &UserVmSpace{
		Table: childTable, areas: NewIntervalMap[*UserVmArea](),
		heapStart: s.heapStart, heapTop: s.heapTop,
		mmapFileNext: s.mmapFileNext, mmapAnonNext: s.mmapAnonNext,
	}
	for _, area := range s.areas.All() {
		childArea, cerr := area.CloneCOW(s.Table, childTable)
		if cerr != nil {
			child.Release()
			return nil, cerr
		}
		child.insertArea(childArea)
		if area == s.heapArea {
			child.heapArea = childArea
		}
	}
	return child, nil
}

// Release unmaps and frees every area and the page table itself.
func (s *UserVmSpace) Release() {
	for _, area := range s.areas.All() {
		area.Unmap(s.Table)
	}
	s.Table.Release()
}

// Token returns the table-base register value for this address space.
func (s *UserVmSpace) Token() uintptr { return s.Table.Token() }
