package memory_test

import (
	"testing"

	"github.com/bobuhiro11/kvmcore/memory"
)

func TestRegion(t *testing.T) {
	t.Parallel()

	a := memory.Region{Start: 0x1000, Size: 0x1000}

	for _, test := range []struct {
		name     string
		other    memory.Region
		overlaps bool
		touches  bool
	}{
		{"Same", a, true, true},
		{"Inside", memory.Region{Start: 0x1800, Size: 0x10}, true, true},
		{"Below", memory.Region{Start: 0x0, Size: 0x1000}, false, true},
		{"Above", memory.Region{Start: 0x2000, Size: 0x1000}, false, true},
		{"Far", memory.Region{Start: 0x3000, Size: 0x1000}, false, false},
		{"Straddle", memory.Region{Start: 0xfff, Size: 0x2}, true, true},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			if got := a.Overlaps(test.other); got != test.overlaps {
				t.Errorf("Overlaps(%s) = %v", test.other, got)
			}

			if got := a.Touches(test.other); got != test.touches {
				t.Errorf("Touches(%s) = %v", test.other, got)
			}
		})
	}

	if !a.Contains(0x1fff) || a.Contains(0x2000) {
		t.Errorf("Contains is not half open")
	}

	u := a.Union(memory.Region{Start: 0x2000, Size: 0x1000})
	if u.Start != 0x1000 || u.End() != 0x3000 {
		t.Errorf("Union = %s", u)
	}
}
