package kvm

import (
	"unsafe"
)

const (
	// CPUIDSignature is the KVM paravirt signature leaf.
	CPUIDSignature = 0x40000000
	// CPUIDFeatures is the KVM paravirt feature leaf.
	CPUIDFeatures = 0x40000001
	// CPUIDFuncPerMon is the architectural performance monitoring leaf.
	CPUIDFuncPerMon = 0x0A

	maxCPUIDEntries = 100
)

// CPUID is the set of CPUID entries exchanged with KVM.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one entry of CPUID.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

type cpuidHeader struct {
	Nent    uint32
	Padding uint32
}

// GetSupportedCPUID fills kvmCPUID with the entries KVM can expose.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	kvmCPUID.Nent = maxCPUIDEntries
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets the CPUID entries of a vCPU. It must precede the first Run.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, unsafe.Sizeof(cpuidHeader{})),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// Vendor returns the 12 byte vendor string of leaf 0, or "" if absent.
func (c *CPUID) Vendor() string {
	for i := 0; i < int(c.Nent); i++ {
		e := &c.Entries[i]
		if e.Function != 0 {
			continue
		}

		b := make([]byte, 0, 12)
		for _, r := range []uint32{e.Ebx, e.Edx, e.Ecx} {
			b = append(b, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
		}

		return string(b)
	}

	return ""
}
