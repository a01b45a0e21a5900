package memory_test

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/bobuhiro11/kvmcore/memory"
	"golang.org/x/sys/unix"
)

func TestGuestToHost(t *testing.T) {
	t.Parallel()

	l := memory.New(&fakeSetter{}, 0)

	const (
		lowHost  = uintptr(0x7f0000000000)
		highHost = uintptr(0x7f0010000000)
	)

	if err := l.Register(0, 0x100000, lowHost, memory.RAM); err != nil {
		t.Fatal(err)
	}

	if err := l.Register(0x100000000, 0x200000, highHost, memory.RAM); err != nil {
		t.Fatal(err)
	}

	if err := l.Register(0xc0000000, 0x40000000, 0, memory.Reserved); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name string
		gpa  uint64
		host uintptr
		ok   bool
	}{
		{"LowStart", 0, lowHost, true},
		{"LowLast", 0xfffff, lowHost + 0xfffff, true},
		{"Hole", 0x100000, 0, false},
		{"Reserved", 0xd0000000, 0, false},
		{"High", 0x100000010, highHost + 0x10, true},
		{"PastHigh", 0x100200000, 0, false},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			host, ok := l.GuestToHost(test.gpa)
			if ok != test.ok || host != test.host {
				t.Fatalf("GuestToHost(%#x) = %#x, %v; want %#x, %v", test.gpa, host, ok, test.host, test.ok)
			}

			if !ok {
				return
			}

			gpa, ok := l.HostToGuest(host)
			if !ok || gpa != test.gpa {
				t.Fatalf("HostToGuest(%#x) = %#x, %v; want %#x", host, gpa, ok, test.gpa)
			}
		})
	}

	if _, ok := l.HostToGuest(lowHost - 1); ok {
		t.Errorf("HostToGuest below every bank succeeded")
	}
}

func TestSliceReadWrite(t *testing.T) {
	t.Parallel()

	buf, err := unix.Mmap(-1, 0, 0x2000, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	t.Cleanup(func() {
		if err := unix.Munmap(buf); err != nil {
			t.Errorf("munmap: %v", err)
		}
	})

	host := uintptr(unsafe.Pointer(&buf[0]))
	l := memory.New(&fakeSetter{}, 0)

	if err := l.Register(0x10000, uint64(len(buf)), host, memory.RAM); err != nil {
		t.Fatal(err)
	}

	if _, err := l.WriteAt([]byte("kvmcore"), 0x10010); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(buf[0x10:0x17], []byte("kvmcore")) {
		t.Fatalf("guest memory is %q", buf[0x10:0x17])
	}

	got := make([]byte, 7)
	if _, err := l.ReadAt(got, 0x10010); err != nil || string(got) != "kvmcore" {
		t.Fatalf("ReadAt = %q, %v", got, err)
	}

	if _, err := l.Slice(0x11ff0, 0x20); !errors.Is(err, memory.ErrNotMapped) {
		t.Errorf("Slice across the bank end: got %v, want ErrNotMapped", err)
	}

	if _, err := l.Slice(0x0, 1); !errors.Is(err, memory.ErrNotMapped) {
		t.Errorf("Slice of unmapped memory: got %v, want ErrNotMapped", err)
	}
}
