package kvm

import (
	"unsafe"
)

// RunData is the kvm_run structure shared with the kernel through the
// vCPU mmap. Data holds the exit-specific union.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// Reason returns the exit reason of the last KVM_RUN.
func (r *RunData) Reason() ExitType {
	return ExitType(r.ExitReason)
}

// IO decodes a KVM_EXIT_IO: direction, access size, port, repeat count and
// the offset of the data buffer from the start of the mapping.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes a KVM_EXIT_MMIO. data aliases the kvm_run page, so a read
// handler fills it in place before the next KVM_RUN.
func (r *RunData) MMIO() (addr uint64, data []byte, isWrite bool) {
	addr = r.Data[0]
	n := r.Data[2] & 0xFFFFFFFF

	if n > 8 {
		n = 8
	}

	data = unsafe.Slice((*byte)(unsafe.Pointer(&r.Data[1])), 8)[:n]
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return addr, data, isWrite
}

// InternalError decodes a KVM_EXIT_INTERNAL_ERROR.
func (r *RunData) InternalError() (suberror uint32, data []uint64) {
	suberror = uint32(r.Data[0])
	n := r.Data[0] >> 32

	if n > 16 {
		n = 16
	}

	return suberror, append([]uint64(nil), r.Data[1:1+n]...)
}

// FailEntry decodes a KVM_EXIT_FAIL_ENTRY.
func (r *RunData) FailEntry() (reason uint64, cpu uint32) {
	return r.Data[0], uint32(r.Data[1])
}

// SystemEvent decodes a KVM_EXIT_SYSTEM_EVENT.
func (r *RunData) SystemEvent() uint32 {
	return uint32(r.Data[0])
}

// CoalescedMMIO is one entry of the coalesced MMIO ring.
type CoalescedMMIO struct {
	PhysAddr uint64
	Len      uint32
	PIO      uint32
	Data     [8]byte
}

// CoalescedRing is the header of the ring that follows the kvm_run page.
type CoalescedRing struct {
	First uint32
	Last  uint32
}

// CoalescedRingMax returns how many entries fit in a ring of pageSize bytes.
func CoalescedRingMax(pageSize int) uint32 {
	return uint32((pageSize - int(unsafe.Sizeof(CoalescedRing{}))) / int(unsafe.Sizeof(CoalescedMMIO{})))
}

// Entry returns entry i of the ring. The ring must be backed by a full page.
func (r *CoalescedRing) Entry(i uint32) *CoalescedMMIO {
	base := unsafe.Add(unsafe.Pointer(r), unsafe.Sizeof(*r))

	return (*CoalescedMMIO)(unsafe.Add(base, uintptr(i)*unsafe.Sizeof(CoalescedMMIO{})))
}
