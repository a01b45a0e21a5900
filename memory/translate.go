package memory

import (
	"fmt"
	"log"
	"unsafe"
)

// GuestToHost translates a guest physical address to the host address
// backing it. Reserved banks have no backing and never match.
func (l *Ledger) GuestToHost(gpa uint64) (uintptr, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range l.banks {
		if b.HostAddr == 0 || !b.Region().Contains(gpa) {
			continue
		}

		return b.HostAddr + uintptr(gpa-b.GuestPhysAddr), true
	}

	log.Printf("memory: unable to translate guest address %#x", gpa)

	return 0, false
}

// HostToGuest is the inverse of GuestToHost.
func (l *Ledger) HostToGuest(ptr uintptr) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range l.banks {
		if b.HostAddr == 0 || ptr < b.HostAddr || uint64(ptr-b.HostAddr) >= b.Size {
			continue
		}

		return b.GuestPhysAddr + uint64(ptr-b.HostAddr), true
	}

	log.Printf("memory: unable to translate host address %#x", ptr)

	return 0, false
}

// Slice returns n bytes of guest memory at gpa. The whole range must lie
// in one backed bank. The slice aliases guest memory.
func (l *Ledger) Slice(gpa uint64, n int) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	want := Region{Start: gpa, Size: uint64(n)}

	for _, b := range l.banks {
		if b.HostAddr == 0 || !b.Region().Contains(gpa) {
			continue
		}

		if want.End() > b.Region().End() || want.End() < gpa {
			return nil, fmt.Errorf("%s crosses the end of bank %s: %w", want, b.Region(), ErrNotMapped)
		}

		if n == 0 {
			return []byte{}, nil
		}

		p := unsafe.Pointer(b.HostAddr + uintptr(gpa-b.GuestPhysAddr))

		return unsafe.Slice((*byte)(p), n), nil
	}

	return nil, fmt.Errorf("%#x: %w", gpa, ErrNotMapped)
}

// ReadAt copies guest physical memory at off into p.
func (l *Ledger) ReadAt(p []byte, off int64) (int, error) {
	b, err := l.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt copies p into guest physical memory at off.
func (l *Ledger) WriteAt(p []byte, off int64) (int, error) {
	b, err := l.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}
