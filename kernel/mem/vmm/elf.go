package vmm

import (
	"debug/elf"
	"encoding/binary"
	"io"

	"lumenkernel/kernel"
	"lumenkernel/kernel/mem"
)

// Auxv tag values the kernel must hand the dynamic linker / libc startup
// code through the initial stack's auxiliary vector.
const (
	AtNull  = 0
	AtPhdr  = 3
	AtPhent = 4
	AtPhnum = 5
	AtBase  = 7
	AtEntry = 9
	AtRandom = 25
)

// AuxEntry is one (tag, value) pair of the auxiliary vector.
type AuxEntry struct {
	Tag   uint64
	Value uint64
}

// ELFLoadResult reports everything UserVmSpace.FromELF's caller needs to
// build the initial user stack and start register state.
type ELFLoadResult struct {
	Entry    mem.VirtAddr
	MaxVA    mem.VirtAddr // first unused address after the highest PT_LOAD segment, the initial brk
	Auxv     []AuxEntry
	IsPIE    bool
	BaseAddr mem.VirtAddr
}

// loadELFSegments maps every PT_LOAD segment of the ELF image read from r
// into space. With demand false every segment (including its zero-filled
// bss tail beyond Filesz) is read in full up front into plain anonymous
// memory, the simplest path and the one used when the caller has nothing
// but an io.ReaderAt. With demand true and inode non-nil, segments are
// instead backed by an AreaData area over inode's PageCache and populated
// by ordinary demand paging, exercising the same partial-last-page and
// past-EOF zero-fill logic faultFileBacked gives any other file-backed
// mapping. It returns load metadata for constructing auxv and the initial
// stack.
func loadELFSegments(space *UserVmSpace, r io.ReaderAt, demand bool, inode Inode) (*ELFLoadResult, *kernel.Error) {
	f, ferr := elf.NewFile(r)
	if ferr != nil {
		return nil, &kernel.Error{Module: "vmm", Message: "elf: parse failed: " + ferr.Error(), Kind: kernel.KindOther}
	}
	defer f.Close()

	baseAddr := mem.VirtAddr(0)
	isPIE := f.Type == elf.ET_DYN
	if isPIE {
		baseAddr = mem.VirtAddr(0x10000000)
	}

	var maxVA mem.VirtAddr
	var phdrVA mem.VirtAddr
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD {
			segStart := baseAddr + mem.VirtAddr(prog.Vaddr)
			segEnd := segStart + mem.VirtAddr(prog.Memsz)
			perm := PermUser
			if prog.Flags&elf.PF_R != 0 {
				perm |= PermRead
			}
			if prog.Flags&elf.PF_W != 0 {
				perm |= PermWrite
			}
			if prog.Flags&elf.PF_X != 0 {
				perm |= PermExec
			}

			rng := mem.VARange{Start: segStart.Floor(), End: segEnd.Ceil()}

			if demand && inode != nil {
				// delta is how far the page-aligned area start sits
				// before the segment's actual virtual address; the
				// cache offset for that same page must be shifted
				// back by the same amount so faultFileBacked reads
				// the right file bytes into it.
				delta := uint64(segStart - rng.Start)
				fileOff := uint64(prog.Off) - delta
				area := NewFileBacked(rng, perm, inode, fileOff)
				space.insertArea(area)
			} else {
				// Segments are loaded eagerly in full rather than
				// demand paged, so the area never needs a backing
				// Inode: it is plain anonymous memory seeded with
				// the segment's initial contents.
				area := NewAnon(rng, perm, AreaAnon)
				space.insertArea(area)

				raw := make([]byte, prog.Filesz)
				if _, err := r.ReadAt(raw, int64(prog.Off)); err != nil && err != io.EOF {
					return nil, &kernel.Error{Module: "vmm", Message: "elf: segment read failed: " + err.Error(), Kind: kernel.KindOther}
				}
				full := make([]byte, segEnd-rng.Start)
				copy(full[segStart-rng.Start:], raw)
				if cerr := area.CopyData(space.Table, full); cerr != nil {
					return nil, cerr
				}
			}
			if segEnd > maxVA {
				maxVA = segEnd
			}
		}
		if prog.Type == elf.PT_PHDR {
			phdrVA = baseAddr + mem.VirtAddr(prog.Vaddr)
		}
	}
	if phdrVA == 0 && len(f.Progs) > 0 {
		// No explicit PT_PHDR segment; assume the program header table
		// immediately follows the ELF header (at file offset e_phoff,
		// inside the first segment), as it does for every
		// loader-produced binary this kernel targets.
		var hdr elf.Header64
		if err := binary.Read(io.NewSectionReader(r, 0, int64(binary.Size(hdr))), f.ByteOrder, &hdr); err == nil {
			first := f.Progs[0]
			phdrVA = baseAddr + mem.VirtAddr(first.Vaddr-first.Off+hdr.Phoff)
		}
	}

	entry := baseAddr + mem.VirtAddr(f.Entry)

	auxv := []AuxEntry{
		{AtPhdr, uint64(phdrVA)},
		{AtPhent, 56}, // sizeof(Elf64_Phdr)
		{AtPhnum, uint64(len(f.Progs))},
		{AtEntry, uint64(entry)},
		{AtBase, uint64(baseAddr)},
		{AtRandom, uint64(entry)}, // no entropy source; reuses entry as a stable placeholder
		{AtNull, 0},
	}

	return &ELFLoadResult{Entry: entry, MaxVA: maxVA.Ceil(), Auxv: auxv, IsPIE: isPIE, BaseAddr: baseAddr}, nil
}
