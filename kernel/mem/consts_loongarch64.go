//go:build loongarch64

package mem

func init() {
	Current = newLA64Config()
}

// newLA64Config builds the LoongArch64 layout: 3 page-table levels, 9
// bits of VPN per level, matching the SV39 split so the walk/map/unmap
// algorithms in package vmm stay arch-agnostic. PA_WIDTH/VA_WIDTH follow
// this kernel's own target (see DESIGN.md — the reference source left
// these per-target without fixing a value).
func newLA64Config() *Config {
	c := &Config{
		Name:         "loongarch64",
		PageSize:     4096,
		PageSizeBits: 12,
		PAWidth:      48,
		VAWidth:      39,
		PageLevels:   3,
		LevelBits:    [3]uint{9, 9, 9},
		MemoryEnd:    PhysAddr(0x9600_0000),

		KernelAddrSpace: VARange{Start: VirtAddr(0x9000_0000_0000_0000), End: VirtAddr(0x9000_007f_ffff_ffff)},
		UserAddrSpace:   VARange{Start: VirtAddr(0), End: VirtAddr(0x0000_003f_ffff_ffff)},

		MaxProcessors:   4,
		KernelStackSize: 16 * 4096,

		UserStackSize: 16 * 4096,

		UserFilePerPages: 8,

		MMIO: []MMIORegion{
			{Base: PhysAddr(0x0010_0000), Size: Size(0x2000)},
			{Base: PhysAddr(0x1000_1000), Size: Size(0x1000)},
		},
	}
	c.KernelStackTop = c.KernelAddrSpace.End

	c.SigretTrampolineTop = c.UserAddrSpace.End
	c.SigretTrampolineTop &^= VirtAddr(c.PageSize - 1)
	c.SigretTrampolineTop += VirtAddr(c.PageSize)
	trampolineSize := Size(c.PageSize)
	c.SigretTrampolineBottom = c.SigretTrampolineTop - VirtAddr(trampolineSize)

	c.UserTrapContextTop = c.SigretTrampolineBottom
	trapCtxBottom := c.UserTrapContextTop - VirtAddr(c.PageSize)
	c.UserStackTop = trapCtxBottom

	c.UserFileEnd = c.UserStackBottom()
	c.UserFileBeg = c.UserFileEnd - VirtAddr(0x2_0000_0000)

	c.UserShareEnd = c.UserFileBeg
	c.UserShareBeg = c.UserShareEnd - VirtAddr(0x2_0000_0000)

	c.KernelVMTop = c.KernelAddrSpace.End - VirtAddr(c.PageSize)
	c.KernelVMBottom = c.KernelVMTop - VirtAddr(0x1_0000_0000)

	return c
}
