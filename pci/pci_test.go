package pci_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/kvmcore/pci"
)

func TestSizeToBits(t *testing.T) {
	t.Parallel()

	for size, want := range map[uint64]uint32{
		0x4:     0xfffffffc,
		0x100:   0xffffff00,
		0x10000: 0xffff0000,
	} {
		if got := pci.SizeToBits(size); got != want {
			t.Errorf("SizeToBits(%#x): got %#x, want %#x", size, got, want)
		}
	}
}

func TestBytesToNum(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		in   []byte
		want uint64
	}{
		{in: nil, want: 0},
		{in: []byte{0x12}, want: 0x12},
		{in: []byte{0x01, 0x62}, want: 0x6201},
		{in: []byte{0x78, 0x56, 0x34, 0x12}, want: 0x12345678},
	} {
		if got := pci.BytesToNum(test.in); got != test.want {
			t.Errorf("BytesToNum(% x): got %#x, want %#x", test.in, got, test.want)
		}
	}
}

func TestNumToBytes(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		in   interface{}
		want []byte
	}{
		{name: "uint8", in: uint8(0x12), want: []byte{0x12}},
		{name: "uint16", in: uint16(0x1234), want: []byte{0x34, 0x12}},
		{name: "uint32", in: uint32(0x12345678), want: []byte{0x78, 0x56, 0x34, 0x12}},
		{name: "uint64", in: uint64(0x1234567812345678), want: []byte{0x78, 0x56, 0x34, 0x12, 0x78, 0x56, 0x34, 0x12}},
		{name: "int", in: -1, want: []byte{}},
	} {
		test := test

		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			got := pci.NumToBytes(test.in)
			if !bytes.Equal(got, test.want) {
				t.Fatalf("NumToBytes(%v): got % x, want % x", test.in, got, test.want)
			}
		})
	}
}
