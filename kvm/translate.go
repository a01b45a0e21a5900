package kvm

import "unsafe"

// Translation is the result of walking the guest page tables of a vCPU.
type Translation struct {
	LinearAddress   uint64
	PhysicalAddress uint64
	Valid           uint8
	Writeable       uint8
	Usermode        uint8
	_               [5]uint8
}

// Translate translates t.LinearAddress with the current paging mode of
// the vCPU.
func Translate(vcpuFd uintptr, t *Translation) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmTranslate, unsafe.Sizeof(Translation{})), uintptr(unsafe.Pointer(t)))

	return err
}
