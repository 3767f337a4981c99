package vmm

import (
	"bytes"
	"encoding/binary"
	"testing"

	"lumenkernel/kernel/mem"
)

// buildMinimalELF encodes a single-PT_LOAD-segment ELF64 executable by
// hand, small enough to exercise FromELF without pulling in a real
// compiled binary fixture.
func buildMinimalELF(t *testing.T, vaddr, entry uint64, payload []byte) []byte {
	t.Helper()
	const ehdrSize = 64
	const phdrSize = 56

	fileSize := uint64(ehdrSize + phdrSize + len(payload))

	buf := &bytes.Buffer{}
	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* ELFDATA2LSB */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])
	binary.Write(buf, binary.LittleEndian, uint16(2))   // e_type = ET_EXEC
	binary.Write(buf, binary.LittleEndian, uint16(243)) // e_machine = EM_RISCV
	binary.Write(buf, binary.LittleEndian, uint32(1))   // e_version
	binary.Write(buf, binary.LittleEndian, entry)       // e_entry
	binary.Write(buf, binary.LittleEndian, uint64(ehdrSize)) // e_phoff
	binary.Write(buf, binary.LittleEndian, uint64(0))        // e_shoff
	binary.Write(buf, binary.LittleEndian, uint32(0))        // e_flags
	binary.Write(buf, binary.LittleEndian, uint16(ehdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(phdrSize))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // e_phnum
	binary.Write(buf, binary.LittleEndian, uint16(0)) // e_shentsize
	binary.Write(buf, binary.LittleEndian, uint16(0)) // e_shnum
	binary.Write(buf, binary.LittleEndian, uint16(0)) // e_shstrndx

	binary.Write(buf, binary.LittleEndian, uint32(1)) // p_type = PT_LOAD
	binary.Write(buf, binary.LittleEndian, uint32(5)) // p_flags = R|X
	binary.Write(buf, binary.LittleEndian, uint64(0)) // p_offset
	binary.Write(buf, binary.LittleEndian, vaddr)
	binary.Write(buf, binary.LittleEndian, vaddr) // p_paddr
	binary.Write(buf, binary.LittleEndian, fileSize)
	binary.Write(buf, binary.LittleEndian, fileSize)           // p_memsz
	binary.Write(buf, binary.LittleEndian, uint64(0x1000))     // p_align

	buf.Write(payload)
	return buf.Bytes()
}

func TestFromELFLoadsSegmentAndSetsUpStack(t *testing.T) {
	payload := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 4) // a few riscv64 nops
	raw := buildMinimalELF(t, 0x1000, 0x1000, payload)

	space, entry, sp, auxv, err := FromELF(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("FromELF failed: %v", err)
	}
	defer space.Release()

	if entry != 0x1000 {
		t.Fatalf("entry = %#x; want 0x1000", entry)
	}
	if sp != mem.Current.UserStackTop {
		t.Fatalf("sp = %#x; want %#x", sp, mem.Current.UserStackTop)
	}
	if len(auxv) == 0 {
		t.Fatal("expected a non-empty auxv")
	}

	pa, ok := space.Table.TranslateVA(mem.VirtAddr(0x1000))
	if !ok {
		t.Fatal("expected the PT_LOAD segment's first page to be mapped")
	}
	_ = pa

	if ferr := space.HandlePageFault(mem.Current.UserStackBottom(), PermRead); ferr != nil {
		t.Fatalf("stack fault-in failed: %v", ferr)
	}
}

func TestFromELFRejectsGarbage(t *testing.T) {
	_, _, _, _, err := FromELF(bytes.NewReader([]byte("not an elf file")))
	if err == nil {
		t.Fatal("expected an error parsing a non-ELF buffer")
	}
}

func TestFromELFFileDemandPagesSegments(t *testing.T) {
	payload := bytes.Repeat([]byte{0x13, 0x00, 0x00, 0x00}, 4)
	raw := buildMinimalELF(t, 0x1000, 0x1000, payload)
	inode := &memInode{data: raw}

	space, entry, _, _, err := FromELFFile(inode)
	if err != nil {
		t.Fatalf("FromELFFile failed: %v", err)
	}
	defer space.Release()

	if entry != 0x1000 {
		t.Fatalf("entry = %#x; want 0x1000", entry)
	}

	if _, ok := space.Table.TranslateVA(mem.VirtAddr(0x1000)); ok {
		t.Fatal("expected the segment's first page to be unmapped until faulted in")
	}

	if ferr := space.HandlePageFault(mem.VirtAddr(0x1000), PermRead); ferr != nil {
		t.Fatalf("demand fault-in of segment page failed: %v", ferr)
	}
	pa, ok := space.Table.TranslateVA(mem.VirtAddr(0x1000))
	if !ok {
		t.Fatal("expected the segment's first page to be mapped after the fault")
	}
	_ = pa
}
