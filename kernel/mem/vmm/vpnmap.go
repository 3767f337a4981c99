package vmm

import (
	"unsafe"

	"lumenkernel/kernel/mem/pmm"
)

// vpnFrameNode is one entry of a vpnFrameMap: the page number it records
// ownership for, the frame handle, and the intrusive chain link for its
// hash bucket. Its size (two pointers plus a uint64) fits the slab
// allocator's 24-byte size class exactly.
type vpnFrameNode struct {
	vpn   uint64
	frame *pmm.SharedFrame
	next  *vpnFrameNode
}

const vpnFrameNodeSize = unsafe.Sizeof(vpnFrameNode{})

const vpnFrameMapBuckets = 16

// vpnFrameMap is the VPN-keyed table of owned SharedFrames a UserVmArea
// keeps, backing AreaAnon/AreaStack pages and the private copies a COW
// fault makes. It is a small chained hash table whose nodes come from the
// kernel's slab allocator rather than the Go heap: this is the VM
// subsystem's per-page metadata the slab allocator exists to serve,
// allocated a node at a time the same way its physical frames are
// allocated a page at a time.
type vpnFrameMap struct {
	buckets []*vpnFrameNode
	count   int
}

// newVPNFrameMap returns an empty map.
func newVPNFrameMap() *vpnFrameMap {
	return &vpnFrameMap{buckets: make([]*vpnFrameNode, vpnFrameMapBuckets)}
}

func (m *vpnFrameMap) bucket(vpn uint64) int {
	return int(vpn % uint64(len(m.buckets)))
}

// get returns the frame owned for vpn, if any.
func (m *vpnFrameMap) get(vpn uint64) (*pmm.SharedFrame, bool) {
	for n := m.buckets[m.bucket(vpn)]; n != nil; n = n.next {
		if n.vpn == vpn {
			return n.frame, true
		}
	}
	return nil, false
}

// set records sf as the owned frame for vpn, allocating a fresh node from
// the slab allocator unless vpn is already present.
func (m *vpnFrameMap) set(vpn uint64, sf *pmm.SharedFrame) {
	b := m.bucket(vpn)
	for n := m.buckets[b]; n != nil; n = n.next {
		if n.vpn == vpn {
			n.frame = sf
			return
		}
	}
	ptr, err := pmm.GlobalSlab.Alloc(vpnFrameNodeSize)
	if err != nil {
		// A VM area that cannot even record which frame it owns cannot
		// go on to use that frame either; the caller is already in an
		// unrecoverable out-of-memory situation.
		panic(err)
	}
	node := (*vpnFrameNode)(ptr)
	node.vpn = vpn
	node.frame = sf
	node.next = m.buckets[b]
	m.buckets[b] = node
	m.count++
}

// delete removes vpn's entry, if present, returning its node to the slab
// allocator. It does not drop the frame: callers that own the reference
// drop it themselves.
func (m *vpnFrameMap) delete(vpn uint64) {
	b := m.bucket(vpn)
	var prev *vpnFrameNode
	for n := m.buckets[b]; n != nil; n = n.next {
		if n.vpn == vpn {
			if prev == nil {
				m.buckets[b] = n.next
			} else {
				prev.next = n.next
			}
			m.count--
			pmm.GlobalSlab.Dealloc(vpnFrameNodeSize, unsafe.Pointer(n))
			return
		}
		prev = n
	}
}

// len returns the number of entries currently recorded.
func (m *vpnFrameMap) len() int { return m.count }

// moveTo transfers every entry whose vpn is >= threshold out of m and
// into dst, reusing each node rather than reallocating it.
func (m *vpnFrameMap) moveTo(dst *vpnFrameMap, threshold uint64) {
	for b, head := range m.buckets {
		var prev *vpnFrameNode
		n := head
		for n != nil {
			next := n.next
			if n.vpn >= threshold {
				if prev == nil {
					m.buckets[b] = next
				} else {
					prev.next = next
				}
				m.count--
				db := dst.bucket(n.vpn)
				n.next = dst.buckets[db]
				dst.buckets[db] = n
				dst.count++
			} else {
				prev = n
			}
			n = next
		}
	}
}

// release drops every frame this map owns a reference to and returns
// every node to the slab allocator, leaving the map empty.
func (m *vpnFrameMap) release() {
	for b, head := range m.buckets {
		for n := head; n != nil; {
			next := n.next
			n.frame.Drop()
			pmm.GlobalSlab.Dealloc(vpnFrameNodeSize, unsafe.Pointer(n))
			n = next
		}
		m.buckets[b] = nil
	}
	m.count = 0
}
