package iodev_test

import (
	"sort"
	"testing"

	"github.com/bobuhiro11/kvmcore/iodev"
)

func TestACPIShutdown(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name           string
		value          byte
		shutdown, boot int
	}{
		{name: "S5", value: 5<<2 | 1<<5, shutdown: 1},
		{name: "Reboot", value: 1, boot: 1},
		{name: "S3", value: 3<<2 | 1<<5},
		{name: "S5WithoutEnable", value: 5 << 2},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			shutdown, boot := 0, 0
			a := iodev.NewACPIShutDownDevice(func() { shutdown++ }, func() { boot++ })

			if err := a.Write(a.IOPort(), []byte{test.value}); err != nil {
				t.Fatal(err)
			}

			if shutdown != test.shutdown || boot != test.boot {
				t.Errorf("shutdown %d reboot %d, want %d %d", shutdown, boot, test.shutdown, test.boot)
			}
		})
	}
}

func TestLegacyDevicesDisjoint(t *testing.T) {
	t.Parallel()

	devs := iodev.LegacyDevices()
	sort.Slice(devs, func(i, j int) bool { return devs[i].Port < devs[j].Port })

	for i := 1; i < len(devs); i++ {
		if devs[i-1].Port+devs[i-1].Psize > devs[i].Port {
			t.Errorf("%s overlaps %s", devs[i-1].Name, devs[i].Name)
		}
	}

	for _, d := range devs {
		for _, port := range []uint64{0x80, 0x3f8, 0x600, 0xcf8, 0xcfc, 0x6200} {
			if port >= d.Port && port < d.Port+d.Psize {
				t.Errorf("%s covers port %#x", d.Name, port)
			}
		}
	}
}

func TestLegacyDeviceRanges(t *testing.T) {
	t.Parallel()

	want := map[string][2]uint64{
		"pci-conf2": {0xc000, 0xd000},
		"cmos":      {0x70, 0x72},
	}

	for _, d := range iodev.LegacyDevices() {
		r, ok := want[d.Name]
		if !ok {
			continue
		}

		if d.Port != r[0] || d.Port+d.Psize != r[1] {
			t.Errorf("%s: got [%#x, %#x), want [%#x, %#x)", d.Name, d.Port, d.Port+d.Psize, r[0], r[1])
		}

		delete(want, d.Name)
	}

	for name := range want {
		t.Errorf("%s is missing", name)
	}
}

func TestNoopFill(t *testing.T) {
	t.Parallel()

	n := &iodev.NoopDevice{Port: 0x60, Psize: 0x10, Fill: 0x20}
	b := []byte{1, 2}

	if err := n.Read(0x64, b); err != nil {
		t.Fatal(err)
	}

	if b[0] != 0x20 || b[1] != 0x20 {
		t.Errorf("got %#x, want 0x20 0x20", b)
	}
}
