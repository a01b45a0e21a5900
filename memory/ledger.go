// Package memory keeps the ledger of guest physical memory banks and
// translates between guest physical and host virtual addresses.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bobuhiro11/kvmcore/kvm"
	"golang.org/x/exp/slices"
)

var (
	// ErrOverlap is wrapped by *OverlapError.
	ErrOverlap = errors.New("memory region overlaps an existing bank")
	// ErrNotFound is returned when no bank matches exactly.
	ErrNotFound = errors.New("memory bank not found")
	// ErrProtected is returned when destroying a reserved bank.
	ErrProtected = errors.New("reserved memory bank cannot be destroyed")
	// ErrNoSlotsAvail is returned when every memory slot is in use.
	ErrNoSlotsAvail = errors.New("maximal numbers of slots exhausted")
	// ErrInvalidSize is returned for empty or wrapping regions.
	ErrInvalidSize = errors.New("invalid memory region size")
	// ErrNotMapped is returned when guest memory has no host backing.
	ErrNotMapped = errors.New("guest address is not backed by host memory")
)

// Type classifies a bank. ReadOnly is a flag combined with RAM or Device.
type Type uint8

const (
	RAM Type = 1 << iota
	Device
	Reserved
	ReadOnly

	All = RAM | Device | Reserved | ReadOnly
)

func (t Type) String() string {
	names := []string{}

	for _, n := range []struct {
		t    Type
		name string
	}{{RAM, "RAM"}, {Device, "DEVICE"}, {Reserved, "RESERVED"}, {ReadOnly, "READONLY"}} {
		if t&n.t != 0 {
			names = append(names, n.name)
		}
	}

	if len(names) == 0 {
		return fmt.Sprintf("Type(%d)", uint8(t))
	}

	return strings.Join(names, "|")
}

// Bank is one contiguous guest physical region and its backing.
// HostAddr is 0 for reserved banks.
type Bank struct {
	GuestPhysAddr uint64
	HostAddr      uintptr
	Size          uint64
	Type          Type
	Slot          uint32
}

// Region returns the guest physical range of the bank.
func (b Bank) Region() Region {
	return Region{Start: b.GuestPhysAddr, Size: b.Size}
}

// OverlapError names the requested region and the bank it collides with.
type OverlapError struct {
	New      Region
	NewType  Type
	Existing Bank
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("%s %s overlaps %s bank %s in slot %d: %v",
		e.NewType, e.New, e.Existing.Type, e.Existing.Region(), e.Existing.Slot, ErrOverlap)
}

func (e *OverlapError) Unwrap() error {
	return ErrOverlap
}

// RegionSetter installs memory slots in the virtualization backend.
type RegionSetter interface {
	SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error
}

// Ledger is the ordered list of banks of one VM. Banks are kept in
// ascending slot order and never overlap, except that touching reserved
// banks are merged into one.
type Ledger struct {
	mu       sync.Mutex
	banks    []*Bank
	slots    uint32
	maxSlots uint32
	setter   RegionSetter
}

// New returns an empty ledger. maxSlots of 0 means no limit.
func New(setter RegionSetter, maxSlots uint32) *Ledger {
	return &Ledger{
		setter:   setter,
		maxSlots: maxSlots,
	}
}

// Register adds a bank. Non reserved banks are installed in the backend.
// Reserved banks that overlap or touch other reserved banks are merged.
func (l *Ledger) Register(guestPhys, size uint64, hostAddr uintptr, typ Type) error {
	r := Region{Start: guestPhys, Size: size}
	if size == 0 || r.End() < guestPhys || r.End() == 0 {
		return fmt.Errorf("%s size %#x: %w", r, size, ErrInvalidSize)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if typ&Reserved != 0 {
		merged, err := l.reserve(r, typ)
		if err != nil || merged {
			return err
		}
	} else {
		for _, b := range l.banks {
			if b.Region().Overlaps(r) {
				return &OverlapError{New: r, NewType: typ, Existing: *b}
			}
		}
	}

	if l.maxSlots != 0 && l.slots >= l.maxSlots {
		return ErrNoSlotsAvail
	}

	bank := &Bank{
		GuestPhysAddr: guestPhys,
		HostAddr:      hostAddr,
		Size:          size,
		Type:          typ,
		Slot:          l.freeSlot(),
	}

	if typ&Reserved == 0 {
		region := &kvm.UserspaceMemoryRegion{
			Slot:          bank.Slot,
			GuestPhysAddr: guestPhys,
			MemorySize:    size,
			UserspaceAddr: uint64(hostAddr),
		}

		if typ&ReadOnly != 0 {
			region.SetMemReadonly()
		}

		// Nothing is inserted before the backend accepts the slot.
		if err := l.setter.SetUserMemoryRegion(region); err != nil {
			return fmt.Errorf("set memory region slot %d %s: %w", bank.Slot, r, err)
		}
	}

	i, _ := slices.BinarySearchFunc(l.banks, bank.Slot, func(b *Bank, slot uint32) int {
		return int(int64(b.Slot) - int64(slot))
	})
	l.banks = slices.Insert(l.banks, i, bank)
	l.slots++

	return nil
}

// reserve merges r into the reserved banks it touches, repeating until the
// union stops growing. It reports whether r was absorbed by a merge.
func (l *Ledger) reserve(r Region, typ Type) (bool, error) {
	union := r
	merged := []int{}

	for changed := true; changed; {
		changed = false

		for i, b := range l.banks {
			if b.Type&Reserved == 0 || slices.Contains(merged, i) || !b.Region().Touches(union) {
				continue
			}

			union = union.Union(b.Region())
			merged = append(merged, i)
			changed = true
		}
	}

	// Touching intervals leave no holes, so the union hits a non reserved
	// bank only when r itself does.
	for _, b := range l.banks {
		if b.Type&Reserved == 0 && b.Region().Overlaps(union) {
			return false, &OverlapError{New: r, NewType: typ, Existing: *b}
		}
	}

	if len(merged) == 0 {
		return false, nil
	}

	sort.Ints(merged)

	keep := l.banks[merged[0]]
	keep.GuestPhysAddr, keep.Size = union.Start, union.Size

	// Drop the placeholders left behind by chained merges.
	for j := len(merged) - 1; j > 0; j-- {
		l.banks = slices.Delete(l.banks, merged[j], merged[j]+1)
		l.slots--
	}

	return true, nil
}

// freeSlot returns the lowest slot number not in use.
func (l *Ledger) freeSlot() uint32 {
	slot := uint32(0)

	for _, b := range l.banks {
		if b.Slot != slot {
			break
		}

		slot++
	}

	return slot
}

// Destroy removes the bank matching all three fields exactly.
func (l *Ledger) Destroy(guestPhys, size uint64, hostAddr uintptr) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := slices.IndexFunc(l.banks, func(b *Bank) bool {
		return b.GuestPhysAddr == guestPhys && b.Size == size && b.HostAddr == hostAddr
	})
	if i < 0 {
		return fmt.Errorf("%s host %#x: %w", Region{guestPhys, size}, hostAddr, ErrNotFound)
	}

	b := l.banks[i]
	if b.Type&Reserved != 0 {
		return fmt.Errorf("%s: %w", b.Region(), ErrProtected)
	}

	if err := l.setter.SetUserMemoryRegion(&kvm.UserspaceMemoryRegion{
		Slot:          b.Slot,
		GuestPhysAddr: b.GuestPhysAddr,
		MemorySize:    0,
		UserspaceAddr: uint64(b.HostAddr),
	}); err != nil {
		return fmt.Errorf("delete memory region slot %d: %w", b.Slot, err)
	}

	l.banks = slices.Delete(l.banks, i, i+1)
	l.slots--

	return nil
}

// ForEach calls fn for every bank whose type intersects filter, in slot
// order, and stops at the first error. fn must not call back into l.
func (l *Ledger) ForEach(filter Type, fn func(Bank) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range l.banks {
		if b.Type&filter == 0 {
			continue
		}

		if err := fn(*b); err != nil {
			return err
		}
	}

	return nil
}

// Banks returns a copy of the ledger in slot order.
func (l *Ledger) Banks() []Bank {
	l.mu.Lock()
	defer l.mu.Unlock()

	banks := make([]Bank, 0, len(l.banks))
	for _, b := range l.banks {
		banks = append(banks, *b)
	}

	return banks
}

// Len returns the number of slots in use.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return int(l.slots)
}
