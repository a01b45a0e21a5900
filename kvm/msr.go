package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const maxMSRs = 256

// MSRList is the kvm_msr_list structure.
type MSRList struct {
	NMSRs    uint32
	Indicies [maxMSRs]uint32
}

// GetMSRIndexList returns the MSR indices KVM saves and restores for guests.
func GetMSRIndexList(kvmFd uintptr) ([]uint32, error) {
	list := &MSRList{NMSRs: maxMSRs}

	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(list.NMSRs)),
		uintptr(unsafe.Pointer(list)))
	if errors.Is(err, unix.E2BIG) {
		return nil, fmt.Errorf("%d msrs do not fit in %d: %w", list.NMSRs, maxMSRs, err)
	}

	if err != nil {
		return nil, err
	}

	return append([]uint32(nil), list.Indicies[:list.NMSRs]...), nil
}
