//go:build !loongarch64

// This module is cross-built for riscv64/loongarch64 targets but its test
// suite runs on the host architecture, so arch selection cannot ride on
// GOARCH the way a single-target amd64 build normally tags its files.
// Instead a custom build tag named after the target arch picks the active
// Config; riscv64 (SV39) is the default absent "-tags loongarch64".
package mem

func init() {
	Current = newRV64Config()
}

// newRV64Config builds the SV39 layout: 3 page-table levels, 9 bits of
// VPN per level, 4 KiB/2 MiB/1 GiB leaves.
func newRV64Config() *Config {
	c := &Config{
		Name:         "riscv64",
		PageSize:     4096,
		PageSizeBits: 12,
		PAWidth:      56,
		VAWidth:      39,
		PageLevels:   3,
		LevelBits:    [3]uint{9, 9, 9},
		MemoryEnd:    PhysAddr(0x8800_0000),

		KernelAddrSpace: VARange{Start: VirtAddr(0xffff_ffc0_0000_0000), End: VirtAddr(0xffff_ffff_ffff_ffff)},
		UserAddrSpace:   VARange{Start: VirtAddr(0), End: VirtAddr(0x0000_003f_ffff_ffff)},

		MaxProcessors:   4,
		KernelStackSize: 16 * 4096,

		UserStackSize: 16 * 4096,

		UserFilePerPages: 8,

		MMIO: []MMIORegion{
			{Base: PhysAddr(0x1000_0000), Size: Size(0x1000)},
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
