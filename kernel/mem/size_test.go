package mem

import "testing"

func TestSizePages(t *testing.T) {
	specs := []struct {
		size Size
		want uint64
	}{
		{0, 0},
		{1, 1},
		{Size(Current.PageSize), 1},
		{Size(Current.PageSize) + 1, 2},
		{4 * Mb, uint64((4 * Mb) / Size(Current.PageSize))},
	}

	for _, spec := range specs {
		if got := spec.size.Pages(); got != spec.want {
			t.Errorf("Size(%d).Pages() = %d; want %d", spec.size, got, spec.want)
		}
	}
}
