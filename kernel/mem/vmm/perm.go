// Package vmm builds virtual memory on top of package pmm's physical
// frames: per-architecture page tables, the kernel and user address
// spaces, VM areas, and the file-backed page cache that resolves demand
// and copy-on-write faults.
package vmm

// Perm is a bitset of the access rights attached to a mapping or demanded
// by a fault.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
	// PermCOW marks a mapping as copy-on-write: present, read-only at the
	// hardware level regardless of PermWrite, until a write fault
	// resolves ownership and upgrades it.
	PermCOW
)

// Has reports whether every bit set in want is also set in p.
func (p Perm) Has(want Perm) bool { return p&want == want }

func (p Perm) String() string {
	buf := [5]byte{'-', '-', '-', '-', '-'}
	if p.Has(PermRead) {
		buf[0] = 'r'
	}
	if p.Has(PermWrite) {
		buf[1] = 'w'
	}
	if p.Has(PermExec) {
		buf[2] = 'x'
	}
	if p.Has(PermUser) {
		buf[3] = 'u'
	}
	if p.Has(PermCOW) {
		buf[4] = 'c'
	}
	return string(buf[:])
}
