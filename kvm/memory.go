package kvm

import "unsafe"

// Flags of UserspaceMemoryRegion.
const (
	MemLogDirtyPages = 1 << 0
	MemReadonly      = 1 << 1
)

// UserspaceMemoryRegion describes one memory slot of a VM.
// A MemorySize of 0 deletes the slot.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages sets region flags to log dirty pages.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= MemLogDirtyPages
}

// SetMemReadonly marks a region as read only. Guest writes exit as MMIO.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= MemReadonly
}

// SetUserMemoryRegion installs, moves or (with size 0) deletes a slot.
func SetUserMemoryRegion(vmFd uintptr, region *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd,
		IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(UserspaceMemoryRegion{})),
		uintptr(unsafe.Pointer(region)))

	return err
}

// CoalescedMMIOZone is a guest physical range whose writes are buffered in
// the coalesced ring instead of exiting one by one.
type CoalescedMMIOZone struct {
	Addr uint64
	Size uint32
	PIO  uint32
}

// RegisterCoalescedMMIO starts buffering writes to the zone.
func RegisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	zone := CoalescedMMIOZone{Addr: addr, Size: size}
	_, err := Ioctl(vmFd,
		IIOW(kvmRegisterCoalesced, unsafe.Sizeof(CoalescedMMIOZone{})),
		uintptr(unsafe.Pointer(&zone)))

	return err
}

// UnregisterCoalescedMMIO drops every zone inside [addr, addr+size).
func UnregisterCoalescedMMIO(vmFd uintptr, addr uint64, size uint32) error {
	zone := CoalescedMMIOZone{Addr: addr, Size: size}
	_, err := Ioctl(vmFd,
		IIOW(kvmUnregisterCoalesced, unsafe.Sizeof(CoalescedMMIOZone{})),
		uintptr(unsafe.Pointer(&zone)))

	return err
}
