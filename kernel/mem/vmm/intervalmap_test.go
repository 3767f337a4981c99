package vmm

import "testing"

type testRange struct {
	start, end uint64
	label      string
}

func (r testRange) rangeStart() uint64 { return r.start }
func (r testRange) rangeEnd() uint64   { return r.end }

func TestIntervalMapFindAndOverlap(t *testing.T) {
	m := NewIntervalMap[testRange]()
	m.Insert(testRange{0, 10, "a"})
	m.Insert(testRange{20, 30, "b"})
	m.Insert(testRange{10, 20, "c"})

	got, ok := m.Find(15)
	if !ok || got.label != "c" {
		t.Fatalf("Find(15) = %+v, ok=%v; want c", got, ok)
	}

	if _, ok := m.Find(30); ok {
		t.Fatal("Find(30) should miss: range is half-open [20,30)")
	}

	if !m.Overlaps(5, 12) {
		t.Fatal("expected overlap with [0,10) and [10,20)")
	}
	if m.Overlaps(30, 40) {
		t.Fatal("did not expect overlap with disjoint range")
	}
}

func TestIntervalMapRemoveAndReplace(t *testing.T) {
	m := NewIntervalMap[testRange]()
	m.Insert(testRange{0, 10, "a"})
	m.Insert(testRange{10, 20, "b"})

	if !m.Remove(0) {
		t.Fatal("Remove(0) should succeed")
	}
	if _, ok := m.Find(5); ok {
		t.Fatal("removed range should no longer be found")
	}
	if m.Remove(0) {
		t.Fatal("second Remove(0) should report false")
	}

	if !m.ReplaceAt(10, testRange{10, 25, "b2"}) {
		t.Fatal("ReplaceAt(10) should succeed")
	}
	got, ok := m.Find(24)
	if !ok || got.label != "b2" {
		t.Fatalf("Find(24) after ReplaceAt = %+v, ok=%v; want b2", got, ok)
	}
}

func TestIntervalMapOrderPreservedAcrossInserts(t *testing.T) {
	m := NewIntervalMap[testRange]()
	m.Insert(testRange{100, 110, "z"})
	m.Insert(testRange{0, 10, "a"})
	m.Insert(testRange{50, 60, "m"})

	all := m.All()
	for i := 1; i < len(all); i++ {
		if all[i-1].start >= all[i].start {
			t.Fatalf("entries out of order at %d: %+v then %+v", i, all[i-1], all[i])
		}
	}
}
